// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package extproc

import (
	"context"
	"testing"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/envoyproxy/transformation-filters/internal/filterapi"
	"github.com/envoyproxy/transformation-filters/internal/filtererror"
	"github.com/envoyproxy/transformation-filters/internal/filtermetrics"
	"github.com/envoyproxy/transformation-filters/internal/json"
	"github.com/envoyproxy/transformation-filters/internal/transform"
)

func transformExchangeWithBody(body string) *transform.Exchange {
	ex := transform.NewExchange(false)
	ex.Body = []byte(body)
	return ex
}

func newTestServer(t *testing.T, cfg *filterapi.Config) *Server {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := filtermetrics.New(provider.Meter("test"))
	require.NoError(t, err)

	s := NewServer(nil, m)
	require.NoError(t, s.LoadConfig(context.Background(), cfg))
	return s
}

func TestStream_UnroutedPassesThrough(t *testing.T) {
	s := newTestServer(t, &filterapi.Config{})
	st := &Stream{srv: s, logger: nil, state: StateInit}

	resp := st.processRequestHeaders(context.Background(), headerMap(":method", "GET", ":path", "/"), true)
	hdrs, ok := resp.Response.(*extprocv3.ProcessingResponse_RequestHeaders)
	require.True(t, ok)
	assert.Nil(t, hdrs.RequestHeaders.Response)
}

func TestStream_UnknownRouteIsImmediateNotFound(t *testing.T) {
	s := newTestServer(t, &filterapi.Config{})
	st := &Stream{srv: s, logger: nil, state: StateInit}

	resp := st.processRequestHeaders(context.Background(), headerMap(filterapi.RouteHeaderName, "missing"), true)
	imm, ok := resp.Response.(*extprocv3.ProcessingResponse_ImmediateResponse)
	require.True(t, ok)
	assert.EqualValues(t, filtererror.KindTransformationNotFound.HTTPStatus(), imm.ImmediateResponse.Status.Code)
}

func TestStream_RequestBodyHeaderTransformationWrapsEnvelope(t *testing.T) {
	cfg := &filterapi.Config{Routes: map[string]*filterapi.RouteEntry{
		"bht": {Transformation: &filterapi.TransformationPair{
			RequestTransformation: &filterapi.RouteTransformation{Kind: filterapi.KindBodyHeader, AddRequestMetadata: true},
		}},
	}}
	s := newTestServer(t, cfg)
	st := &Stream{srv: s, logger: nil, state: StateInit}

	hResp := st.processRequestHeaders(context.Background(), headerMap(
		filterapi.RouteHeaderName, "bht",
		":method", "POST",
		":path", "/hello?x=1",
	), false)
	hdrs := hResp.Response.(*extprocv3.ProcessingResponse_RequestHeaders)
	assert.Nil(t, hdrs.RequestHeaders.Response)

	bResp := st.processRequestBody(context.Background(), &extprocv3.HttpBody{Body: []byte(`{"hi":"there"}`), EndOfStream: true})
	body := bResp.Response.(*extprocv3.ProcessingResponse_RequestBody)
	require.NotNil(t, body.RequestBody.Response)
	require.NotNil(t, body.RequestBody.Response.BodyMutation)

	var envelope map[string]interface{}
	mutated := body.RequestBody.Response.BodyMutation.GetBody()
	require.NoError(t, json.Unmarshal(mutated, &envelope))
	assert.Equal(t, "POST", envelope["httpMethod"])
	assert.Equal(t, "/hello", envelope["path"])
	assert.Equal(t, `{"hi":"there"}`, envelope["body"])
}

func TestStream_RequestTrailersFinalizeWhenBodyNeverEndedStream(t *testing.T) {
	cfg := &filterapi.Config{Routes: map[string]*filterapi.RouteEntry{
		"bht": {Transformation: &filterapi.TransformationPair{
			RequestTransformation: &filterapi.RouteTransformation{Kind: filterapi.KindBodyHeader, AddRequestMetadata: true},
		}},
	}}
	s := newTestServer(t, cfg)
	st := &Stream{srv: s, logger: nil, state: StateInit}

	st.processRequestHeaders(context.Background(), headerMap(
		filterapi.RouteHeaderName, "bht",
		":method", "POST",
		":path", "/hello",
	), false)
	bResp := st.processRequestBody(context.Background(), &extprocv3.HttpBody{Body: []byte(`{"hi":"there"}`), EndOfStream: false})
	body := bResp.Response.(*extprocv3.ProcessingResponse_RequestBody)
	assert.Nil(t, body.RequestBody.Response)

	tResp := st.processRequestTrailers(context.Background())
	trailers, ok := tResp.Response.(*extprocv3.ProcessingResponse_RequestTrailers)
	require.True(t, ok)
	require.NotNil(t, trailers.RequestTrailers.HeaderMutation)
}

func TestStream_RequestTrailersNoopWhenUnrouted(t *testing.T) {
	s := newTestServer(t, &filterapi.Config{})
	st := &Stream{srv: s, logger: nil, state: StateInit}

	st.processRequestHeaders(context.Background(), headerMap(":method", "GET", ":path", "/"), true)
	resp := st.processRequestTrailers(context.Background())
	trailers, ok := resp.Response.(*extprocv3.ProcessingResponse_RequestTrailers)
	require.True(t, ok)
	assert.Nil(t, trailers.RequestTrailers.HeaderMutation)
}

func TestStream_ResponseTrailersFinalizeWhenBodyNeverEndedStream(t *testing.T) {
	cfg := &filterapi.Config{Routes: map[string]*filterapi.RouteEntry{
		"err": {Transformation: &filterapi.TransformationPair{
			ResponseTransformation: &filterapi.RouteTransformation{Kind: filterapi.KindAPIGateway},
		}},
	}}
	s := newTestServer(t, cfg)
	st := &Stream{srv: s, logger: nil, state: StateInit}

	st.processRequestHeaders(context.Background(), headerMap(filterapi.RouteHeaderName, "err", ":method", "GET", ":path", "/"), true)
	st.processResponseHeaders(context.Background(), headerMap(":status", "200"), false)
	st.processResponseBody(context.Background(), &extprocv3.HttpBody{Body: []byte(`{"statusCode":200,"body":"hi"}`), EndOfStream: false})

	resp := st.processResponseTrailers(context.Background())
	trailers, ok := resp.Response.(*extprocv3.ProcessingResponse_ResponseTrailers)
	require.True(t, ok)
	require.NotNil(t, trailers.ResponseTrailers)
}

func TestStream_RequestBodyTooLargeIsPayloadTooLarge(t *testing.T) {
	cfg := &filterapi.Config{
		Limits: filterapi.BufferLimits{DecoderBufferLimit: 4},
		Routes: map[string]*filterapi.RouteEntry{
			"bht": {Transformation: &filterapi.TransformationPair{
				RequestTransformation: &filterapi.RouteTransformation{Kind: filterapi.KindBodyHeader},
			}},
		},
	}
	s := newTestServer(t, cfg)
	st := &Stream{srv: s, logger: nil, state: StateInit}

	st.processRequestHeaders(context.Background(), headerMap(filterapi.RouteHeaderName, "bht", ":method", "POST", ":path", "/"), false)
	resp := st.processRequestBody(context.Background(), &extprocv3.HttpBody{Body: []byte("way too long"), EndOfStream: true})

	imm, ok := resp.Response.(*extprocv3.ProcessingResponse_ImmediateResponse)
	require.True(t, ok)
	assert.EqualValues(t, filtererror.KindPayloadTooLarge.HTTPStatus(), imm.ImmediateResponse.Status.Code)
}

func TestStream_ResponseErrorRewritesStatusAndBody(t *testing.T) {
	cfg := &filterapi.Config{Routes: map[string]*filterapi.RouteEntry{
		"err": {Transformation: &filterapi.TransformationPair{
			ResponseTransformation: &filterapi.RouteTransformation{Kind: filterapi.KindAPIGateway},
		}},
	}}
	s := newTestServer(t, cfg)
	st := &Stream{srv: s, logger: nil, state: StateInit}

	st.processRequestHeaders(context.Background(), headerMap(filterapi.RouteHeaderName, "err", ":method", "GET", ":path", "/"), true)
	resp := st.processResponseHeaders(context.Background(), headerMap(":status", "200"), false)
	hdrs := resp.Response.(*extprocv3.ProcessingResponse_ResponseHeaders)
	assert.Nil(t, hdrs.ResponseHeaders.Response)

	body := st.processResponseBody(context.Background(), &extprocv3.HttpBody{Body: []byte("not json"), EndOfStream: true})
	respBody, ok := body.Response.(*extprocv3.ProcessingResponse_ResponseBody)
	require.True(t, ok)
	require.NotNil(t, respBody.ResponseBody.Response)
	require.NotNil(t, respBody.ResponseBody.Response.BodyMutation)
}

func TestBodyMutated_DetectsDifference(t *testing.T) {
	changed := transformExchangeWithBody("new")
	assert.True(t, bodyMutated(changed, []byte("old")))

	unchanged := transformExchangeWithBody("same")
	assert.False(t, bodyMutated(unchanged, []byte("same")))
}
