// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package awscreds

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSTSResponse = `<?xml version="1.0"?>
<AssumeRoleWithWebIdentityResponse>
  <AssumeRoleWithWebIdentityResult>
    <Credentials>
      <AccessKeyId>ASIAEXAMPLE</AccessKeyId>
      <SecretAccessKey>secretvalue</SecretAccessKey>
      <SessionToken>tokvalue</SessionToken>
      <Expiration>2999-01-01T00:00:00Z</Expiration>
    </Credentials>
  </AssumeRoleWithWebIdentityResult>
</AssumeRoleWithWebIdentityResponse>`

func TestParseSTSResponse_ExtractsAllFields(t *testing.T) {
	creds, err := parseSTSResponse(sampleSTSResponse)
	require.NoError(t, err)
	assert.Equal(t, "ASIAEXAMPLE", creds.AccessKeyID)
	assert.Equal(t, "secretvalue", creds.SecretAccessKey)
	assert.Equal(t, "tokvalue", creds.SessionToken)
	assert.Equal(t, 2999, creds.Expiration.Year())
}

func TestParseSTSResponse_MissingFieldIsInvalidSts(t *testing.T) {
	_, err := parseSTSResponse(`<Credentials><AccessKeyId>only</AccessKeyId></Credentials>`)
	require.Error(t, err)
}

func TestParseSTSResponse_BadExpirationFallsBackToTenMinutes(t *testing.T) {
	body := `<AccessKeyId>a</AccessKeyId><SecretAccessKey>b</SecretAccessKey><SessionToken>c</SessionToken><Expiration>not-a-date</Expiration>`
	creds, err := parseSTSResponse(body)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(defaultExpiryFallback), creds.Expiration, 30*time.Second)
}

func TestResolve_FetchesAndCachesDefaultRole(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(sampleSTSResponse))
	}))
	defer srv.Close()

	resolver := NewSTSResolverForTest(nil, "arn:aws:iam::111:role/default", "tok", srv.URL)

	creds1, err := resolver.Resolve(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, "ASIAEXAMPLE", creds1.AccessKeyID)

	creds2, err := resolver.Resolve(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, creds1, creds2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "second call should be served from cache, not re-fetched")
}

func TestResolve_ChainedRoleRequiresDefaultFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleSTSResponse))
	}))
	defer srv.Close()

	resolver := NewSTSResolverForTest(nil, "arn:aws:iam::111:role/default", "tok", srv.URL)

	chained, err := resolver.Resolve(t.Context(), "arn:aws:iam::222:role/chained")
	require.NoError(t, err)
	assert.Equal(t, "ASIAEXAMPLE", chained.AccessKeyID)
}

func TestClassifyHTTPFailure_MapsKnownErrorBodies(t *testing.T) {
	err := classifyHTTPFailure(http.StatusServiceUnavailable, nil)
	require.Error(t, err)

	err = classifyHTTPFailure(http.StatusForbidden, []byte("ExpiredTokenException: token is expired"))
	require.Error(t, err)

	err = classifyHTTPFailure(http.StatusForbidden, []byte("SignatureDoesNotMatch"))
	require.Error(t, err)
}
