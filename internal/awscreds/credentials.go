// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package awscreds implements CRED (spec.md §4.9): resolution of AWS credentials for
// SIG, in priority order of inline route config, the environment credential chain, and
// STS AssumeRoleWithWebIdentity (with optional role chaining). Each worker goroutine
// calls Resolve once per request; there are no locks on that hot path, only on the
// shared caches refresh timers write into.
package awscreds

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/envoyproxy/transformation-filters/internal/awssig"
	"github.com/envoyproxy/transformation-filters/internal/filtererror"
)

// Credentials carries an expiring AWS identity.
type Credentials struct {
	awssig.Credentials
	Expiration time.Time
}

// freshEnough reports whether creds has at least the given grace period left before
// expiring (spec.md §4.9 step 1: "expiration - now > 5m").
func (c Credentials) freshEnough(now time.Time, grace time.Duration) bool {
	return !c.Expiration.IsZero() && c.Expiration.Sub(now) > grace
}

// Resolver is the per-route credential source FD/SIG calls before signing a request.
type Resolver interface {
	Resolve(ctx context.Context) (Credentials, error)
}

// InlineResolver returns a fixed, non-expiring credential set configured directly on
// the route (spec.md §4.9 resolution step 1).
type InlineResolver struct {
	Creds Credentials
}

// Resolve implements Resolver.
func (r *InlineResolver) Resolve(context.Context) (Credentials, error) {
	return r.Creds, nil
}

// EnvChainResolver serves the environment-variable credential chain, refreshed by a
// background timer every 14 minutes (spec.md §4.9 resolution step 2 / "Environment-
// chain refresh").
type EnvChainResolver struct {
	logger *slog.Logger

	mu       sync.RWMutex
	current  Credentials
	rotated  uint64
	failed   uint64

	fetch func(ctx context.Context) (Credentials, error)
}

// NewEnvChainResolver starts the 14-minute refresh timer and blocks on one synchronous
// fetch so the first request has credentials immediately.
func NewEnvChainResolver(ctx context.Context, logger *slog.Logger, fetch func(ctx context.Context) (Credentials, error)) (*EnvChainResolver, error) {
	r := &EnvChainResolver{logger: logger, fetch: fetch}
	if err := r.refresh(ctx); err != nil {
		return nil, err
	}
	go r.loop(ctx)
	return r, nil
}

func (r *EnvChainResolver) loop(ctx context.Context) {
	ticker := time.NewTicker(14 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.refresh(ctx); err != nil && r.logger != nil {
				r.logger.Warn("env-chain credential refresh failed", slog.String("err", err.Error()))
			}
		}
	}
}

func (r *EnvChainResolver) refresh(ctx context.Context) error {
	creds, err := r.fetch(ctx)
	if err != nil || creds.AccessKeyID == "" {
		r.mu.Lock()
		r.failed++
		r.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("env-chain provider returned empty credentials")
		}
		return err
	}

	r.mu.Lock()
	changed := creds.AccessKeyID != r.current.AccessKeyID || creds.SecretAccessKey != r.current.SecretAccessKey
	r.current = creds
	if changed {
		r.rotated++
	}
	r.mu.Unlock()
	return nil
}

// Resolve implements Resolver, returning the last successfully refreshed value.
func (r *EnvChainResolver) Resolve(context.Context) (Credentials, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current.AccessKeyID == "" {
		return Credentials{}, filtererror.New(filtererror.KindNetwork, "no env-chain credentials available yet")
	}
	return r.current, nil
}

// RotatedCount reports how many refreshes brought a changed key pair and FailedCount how
// many refreshes failed. Nothing in this package reports them to filtermetrics.
func (r *EnvChainResolver) RotatedCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rotated
}

func (r *EnvChainResolver) FailedCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failed
}

// EnvChainFromProcessEnv reads AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY/
// AWS_SESSION_TOKEN from the process environment via the SDK's own EnvProvider, the
// simplest "environment chain" source (spec.md's Non-goals exclude the full
// shared-config-file chain; SPEC_FULL.md keeps that narrower scope).
func EnvChainFromProcessEnv(ctx context.Context) (Credentials, error) {
	creds, err := (credentials.EnvProvider{}).Retrieve(ctx)
	if err != nil || creds.AccessKeyID == "" {
		return Credentials{}, nil
	}
	expiration := time.Now().Add(1 * time.Hour)
	if creds.CanExpire {
		expiration = creds.Expires
	}
	return Credentials{
		Credentials: awssig.Credentials{
			AccessKeyID:     creds.AccessKeyID,
			SecretAccessKey: creds.SecretAccessKey,
			SessionToken:    creds.SessionToken,
		},
		Expiration: expiration,
	}, nil
}
