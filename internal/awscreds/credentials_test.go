// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package awscreds

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envoyproxy/transformation-filters/internal/awssig"
)

func TestInlineResolver_ReturnsFixedCredentials(t *testing.T) {
	r := &InlineResolver{Creds: Credentials{Credentials: awssig.Credentials{AccessKeyID: "AKID"}}}
	creds, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKID", creds.AccessKeyID)
}

func TestEnvChainResolver_CountsRotationOnChange(t *testing.T) {
	calls := 0
	fetch := func(context.Context) (Credentials, error) {
		calls++
		return Credentials{
			Credentials: awssig.Credentials{AccessKeyID: "AKID", SecretAccessKey: "k" + string(rune('0'+calls))},
			Expiration:  time.Now().Add(time.Hour),
		}, nil
	}
	r, err := NewEnvChainResolver(context.Background(), nil, fetch)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), r.RotatedCount())

	require.NoError(t, r.refresh(context.Background()))
	assert.Equal(t, uint64(2), r.RotatedCount())

	creds, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKID", creds.AccessKeyID)
}

func TestEnvChainResolver_EmptyFetchIncrementsFailureAndKeepsLastGood(t *testing.T) {
	first := true
	fetch := func(context.Context) (Credentials, error) {
		if first {
			first = false
			return Credentials{Credentials: awssig.Credentials{AccessKeyID: "AKID"}, Expiration: time.Now().Add(time.Hour)}, nil
		}
		return Credentials{}, nil
	}
	r, err := NewEnvChainResolver(context.Background(), nil, fetch)
	require.NoError(t, err)

	err = r.refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, uint64(1), r.FailedCount())

	creds, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKID", creds.AccessKeyID, "last good credentials must survive an empty refresh")
}

func TestEnvChainFromProcessEnv_ReadsProcessEnvironment(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIDPROCESSENV")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("AWS_SESSION_TOKEN", "token")

	creds, err := EnvChainFromProcessEnv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKIDPROCESSENV", creds.AccessKeyID)
	assert.Equal(t, "secret", creds.SecretAccessKey)
	assert.Equal(t, "token", creds.SessionToken)
}

func TestEnvChainFromProcessEnv_EmptyEnvReturnsEmptyCredentials(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")
	t.Setenv("AWS_SESSION_TOKEN", "")

	creds, err := EnvChainFromProcessEnv(context.Background())
	require.NoError(t, err)
	assert.Empty(t, creds.AccessKeyID)
}

func TestCredentials_FreshEnoughRespectsGracePeriod(t *testing.T) {
	now := time.Now()
	c := Credentials{Expiration: now.Add(4 * time.Minute)}
	assert.False(t, c.freshEnough(now, 5*time.Minute))

	c2 := Credentials{Expiration: now.Add(10 * time.Minute)}
	assert.True(t, c2.freshEnough(now, 5*time.Minute))
}
