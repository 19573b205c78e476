// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package apigateway

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envoyproxy/transformation-filters/internal/transform"
)

func TestTransform_RejectsRequestPath(t *testing.T) {
	ex := transform.NewExchange(false)
	ex.Body = []byte(`{}`)
	_, err := Transform(nil, ex)
	require.Error(t, err)
}

func TestTransform_DefaultsStatusTo200(t *testing.T) {
	ex := transform.NewExchange(true)
	ex.Body = []byte(`{"body":"hi"}`)
	status, err := Transform(nil, ex)
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, "hi", string(ex.Body))
}

func TestTransform_HeadersAndMultiValueHeaders(t *testing.T) {
	ex := transform.NewExchange(true)
	ex.Body = []byte(`{
		"statusCode": 201,
		"headers": {"x-one": "a", "x-num": 7},
		"multiValueHeaders": {"x-multi": ["a", "b"]},
		"body": "ok"
	}`)
	status, err := Transform(nil, ex)
	require.NoError(t, err)
	assert.Equal(t, 201, status)
	assert.Equal(t, "a", ex.Headers["x-one"])
	assert.Equal(t, "7", ex.Headers["x-num"])
	assert.Equal(t, []string{"a", "b"}, ex.MultiHeaders["x-multi"])
}

func TestTransform_MultiValueHeaderObjectRejected(t *testing.T) {
	ex := transform.NewExchange(true)
	ex.Body = []byte(`{"multiValueHeaders": {"x-bad": {"not":"array"}}}`)
	status, err := Transform(nil, ex)
	require.Error(t, err)
	assert.Equal(t, 500, status)
	assert.Equal(t, "InternalError", ex.Headers["x-amzn-errortype"])
}

func TestTransform_MultiValueHeaderScalarAcceptedAsSingleValue(t *testing.T) {
	ex := transform.NewExchange(true)
	ex.Body = []byte(`{"multiValueHeaders": {"x-one": "solo", "x-num": 7, "x-flag": true}}`)
	status, err := Transform(nil, ex)
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, []string{"solo"}, ex.MultiHeaders["x-one"])
	assert.Equal(t, []string{"7"}, ex.MultiHeaders["x-num"])
	assert.Equal(t, []string{"true"}, ex.MultiHeaders["x-flag"])
}

func TestTransform_Base64Body(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("binary-payload"))
	ex := transform.NewExchange(true)
	ex.Body = []byte(`{"body":"` + encoded + `","isBase64Encoded":true}`)
	_, err := Transform(nil, ex)
	require.NoError(t, err)
	assert.Equal(t, "binary-payload", string(ex.Body))
}

func TestTransform_NonStringBodyIsJSONEncoded(t *testing.T) {
	ex := transform.NewExchange(true)
	ex.Body = []byte(`{"body": {"a":1}}`)
	_, err := Transform(nil, ex)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(ex.Body))
}

func TestTransform_MalformedEnvelopeIsErrorEnvelope(t *testing.T) {
	ex := transform.NewExchange(true)
	ex.Body = []byte(`not json`)
	status, err := Transform(nil, ex)
	require.Error(t, err)
	assert.Equal(t, 500, status)
	assert.Equal(t, "text/plain", ex.Headers["content-type"])
}
