// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package extproc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/envoyproxy/transformation-filters/internal/awscreds"
	"github.com/envoyproxy/transformation-filters/internal/awssig"
	"github.com/envoyproxy/transformation-filters/internal/filterapi"
	"github.com/envoyproxy/transformation-filters/internal/filtererror"
	"github.com/envoyproxy/transformation-filters/internal/transform/ai"
	"github.com/envoyproxy/transformation-filters/internal/transform/bodyheader"
	"github.com/envoyproxy/transformation-filters/internal/transform/inja"
)

// sideTransform is one compiled side (request, response or on-stream-complete) of a
// route's TransformationPair.
type sideTransform struct {
	kind       filterapi.TransformationKind
	inja       *inja.Transformer
	bodyHeader filterapi.BodyHeaderConfig
	ai         *ai.Transformer
}

func (s *sideTransform) present() bool { return s != nil }

func compileSide(rt *filterapi.RouteTransformation) (*sideTransform, error) {
	if rt == nil {
		return nil, nil
	}
	st := &sideTransform{kind: rt.Kind}
	switch rt.Kind {
	case filterapi.KindInja:
		if rt.Inja == nil {
			return nil, fmt.Errorf("inja transformation selected with no config")
		}
		t, err := inja.Compile(*rt.Inja)
		if err != nil {
			return nil, err
		}
		st.inja = t
	case filterapi.KindBodyHeader:
		if rt.BodyHeader != nil {
			st.bodyHeader = *rt.BodyHeader
		} else {
			st.bodyHeader = filterapi.BodyHeaderConfig{AddRequestMetadata: rt.AddRequestMetadata}
		}
	case filterapi.KindAI:
		if rt.AI == nil {
			return nil, fmt.Errorf("ai transformation selected with no config")
		}
		t, err := ai.Compile(*rt.AI)
		if err != nil {
			return nil, err
		}
		st.ai = t
	case filterapi.KindAPIGateway:
		// stateless, nothing to compile.
	default:
		return nil, fmt.Errorf("unsupported transformation kind %d", rt.Kind)
	}
	return st, nil
}

// compiledRoute is the resolved, ready-to-run form of one filterapi.RouteEntry.
type compiledRoute struct {
	name            string
	request         *sideTransform
	response        *sideTransform
	onComplete      *sideTransform
	clearRouteCache bool
	endpoint        filterapi.EndpointMetadata

	awsAuth     *filterapi.AWSAuth
	signer      *awssig.Signer
	resolveCreds func(ctx context.Context) (awscreds.Credentials, error)
}

func compileRoute(name string, entry *filterapi.RouteEntry, sts *lazySTS) (*compiledRoute, error) {
	cr := &compiledRoute{name: name}
	if entry.Endpoint != nil {
		cr.endpoint = *entry.Endpoint
	}
	if tp := entry.Transformation; tp != nil {
		var err error
		if cr.request, err = compileSide(tp.RequestTransformation); err != nil {
			return nil, fmt.Errorf("route %q request transformation: %w", name, err)
		}
		if cr.response, err = compileSide(tp.ResponseTransformation); err != nil {
			return nil, fmt.Errorf("route %q response transformation: %w", name, err)
		}
		if cr.onComplete, err = compileSide(tp.OnStreamCompleteTransformation); err != nil {
			return nil, fmt.Errorf("route %q on-complete transformation: %w", name, err)
		}
		cr.clearRouteCache = tp.ClearRouteCache
	}
	if aa := entry.AWSAuth; aa != nil {
		cr.awsAuth = aa
		cr.signer = &awssig.Signer{Region: aa.Region, Service: aa.Service, SignedHeaders: aa.SignedHeaders}
		switch aa.Mode {
		case filterapi.AWSAuthInline:
			resolver := &awscreds.InlineResolver{Creds: awscreds.Credentials{
				Credentials: awssig.Credentials{
					AccessKeyID:     aa.InlineAccessKeyID,
					SecretAccessKey: aa.InlineSecretAccessKey,
					SessionToken:    aa.InlineSessionToken,
				},
				Expiration: time.Now().Add(100 * 365 * 24 * time.Hour),
			}}
			cr.resolveCreds = resolver.Resolve
		case filterapi.AWSAuthEnvChain:
			resolver, err := awscreds.NewEnvChainResolver(context.Background(), nil, awscreds.EnvChainFromProcessEnv)
			if err != nil {
				return nil, fmt.Errorf("route %q env-chain credentials: %w", name, err)
			}
			cr.resolveCreds = resolver.Resolve
		case filterapi.AWSAuthSTS:
			resolver, err := sts.get()
			if err != nil {
				return nil, fmt.Errorf("route %q STS credentials: %w", name, err)
			}
			roleARN := aa.RoleARN
			cr.resolveCreds = func(ctx context.Context) (awscreds.Credentials, error) {
				return resolver.Resolve(ctx, roleARN)
			}
		default:
			return nil, fmt.Errorf("route %q: unsupported AWS auth mode %d", name, aa.Mode)
		}
	}
	return cr, nil
}

// lazySTS builds the single process-wide STSResolver on first use, since it requires
// AWS_WEB_IDENTITY_TOKEN_FILE/AWS_ROLE_ARN to be set and only needs to exist when a
// route actually asks for STS-mode auth.
type lazySTS struct {
	mu       sync.Mutex
	resolver *awscreds.STSResolver
	logger   *slog.Logger
}

func (l *lazySTS) get() (*awscreds.STSResolver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resolver != nil {
		return l.resolver, nil
	}
	roleARN := os.Getenv("AWS_ROLE_ARN")
	tokenFile := os.Getenv("AWS_WEB_IDENTITY_TOKEN_FILE")
	if roleARN == "" || tokenFile == "" {
		return nil, filtererror.New(filtererror.KindInvalidSts, "STS auth configured but AWS_ROLE_ARN/AWS_WEB_IDENTITY_TOKEN_FILE are not set")
	}
	resolver, err := awscreds.NewSTSResolver(l.logger, roleARN, tokenFile)
	if err != nil {
		return nil, err
	}
	if watcher, werr := awscreds.WatchTokenFile(context.Background(), tokenFile, resolver, l.logger); werr != nil && l.logger != nil {
		l.logger.Warn("failed to watch web identity token file", slog.String("error", werr.Error()))
	} else {
		_ = watcher
	}
	l.resolver = resolver
	return resolver, nil
}

// compileRoutes compiles every entry in cfg.Routes, failing the whole load on the first
// error per spec.md §6 ("malformed templates or regexes must fail configuration loading
// with a descriptive error naming the offending template key").
func compileRoutes(cfg *filterapi.Config, sts *lazySTS) (map[string]*compiledRoute, error) {
	routes := make(map[string]*compiledRoute, len(cfg.Routes))
	for name, entry := range cfg.Routes {
		cr, err := compileRoute(name, entry, sts)
		if err != nil {
			return nil, err
		}
		routes[name] = cr
	}
	return routes, nil
}
