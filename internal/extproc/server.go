// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package extproc implements FD (spec.md §4.7): the Envoy ext_proc gRPC server that
// drives every stream through Init->Calling->Responded->Complete->Destroyed, selects a
// route's transformation pair, buffers bodies against the configured limits, and maps
// the filtererror taxonomy onto local replies.
package extproc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/envoyproxy/transformation-filters/internal/awssig"
	"github.com/envoyproxy/transformation-filters/internal/filterapi"
	"github.com/envoyproxy/transformation-filters/internal/filtererror"
	"github.com/envoyproxy/transformation-filters/internal/filtermetrics"
	"github.com/envoyproxy/transformation-filters/internal/lambdapath"
	"github.com/envoyproxy/transformation-filters/internal/transform"
	"github.com/envoyproxy/transformation-filters/internal/transform/apigateway"
	"github.com/envoyproxy/transformation-filters/internal/transform/bodyheader"
)

// State mirrors the FD state machine of spec.md §4.7.
type State int

const (
	StateInit State = iota
	StateCalling
	StateResponded
	StateComplete
	StateDestroyed
)

// Server implements extprocv3.ExternalProcessorServer and filterapi.ConfigReceiver.
type Server struct {
	logger  *slog.Logger
	metrics *filtermetrics.Metrics

	mu     sync.RWMutex
	routes map[string]*compiledRoute
	limits filterapi.BufferLimits

	sts *lazySTS
}

// NewServer constructs a Server with no routes loaded; call LoadConfig (directly or via
// filterapi.StartConfigWatcher) before accepting streams.
func NewServer(logger *slog.Logger, metrics *filtermetrics.Metrics) *Server {
	return &Server{logger: logger, metrics: metrics, sts: &lazySTS{logger: logger}}
}

// LoadConfig implements filterapi.ConfigReceiver.
func (s *Server) LoadConfig(_ context.Context, cfg *filterapi.Config) error {
	routes, err := compileRoutes(cfg, s.sts)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.routes = routes
	s.limits = cfg.Limits
	s.mu.Unlock()
	return nil
}

func (s *Server) routeFor(name string) (*compiledRoute, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[name]
	return r, ok
}

func (s *Server) bufferLimits() filterapi.BufferLimits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits
}

// Process implements extprocv3.ExternalProcessorServer: one call per HTTP stream.
func (s *Server) Process(stream extprocv3.ExternalProcessor_ProcessServer) error {
	ctx := stream.Context()
	st := &Stream{srv: s, logger: s.logger, state: StateInit}
	defer func() { st.state = StateDestroyed }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := stream.Recv()
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			st.onStreamComplete(ctx)
			return nil
		} else if err != nil {
			return status.Errorf(codes.Unknown, "cannot receive stream request: %v", err)
		}

		resp, err := st.processMsg(ctx, req)
		if err != nil {
			return status.Errorf(codes.Unknown, "cannot process request: %v", err)
		}
		if err := stream.Send(resp); err != nil {
			return status.Errorf(codes.Unknown, "cannot send response: %v", err)
		}
	}
}

// Check implements grpc_health_v1.HealthServer.
func (s *Server) Check(context.Context, *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}

// Watch implements grpc_health_v1.HealthServer.
func (s *Server) Watch(*grpc_health_v1.HealthCheckRequest, grpc_health_v1.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "Watch is not implemented")
}

// Stream carries the per-HTTP-transaction state FD threads through the decode and
// encode paths of one gRPC Process call. Single-threaded, no locks (spec.md §4.7).
type Stream struct {
	srv    *Server
	logger *slog.Logger
	state  State
	route  *compiledRoute

	reqEx       *transform.Exchange
	reqBaseline map[string]string
	reqBodyBuf  []byte
	reqBuffer   bool
	reqDone     bool

	respEx       *transform.Exchange
	respBaseline map[string]string
	respBodyBuf  []byte
	respBuffer   bool
	respDone     bool
}

func (st *Stream) processMsg(ctx context.Context, req *extprocv3.ProcessingRequest) (*extprocv3.ProcessingResponse, error) {
	st.state = StateCalling
	switch v := req.Request.(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		resp := st.processRequestHeaders(ctx, req.GetRequestHeaders().Headers, req.GetRequestHeaders().EndOfStream)
		st.state = StateResponded
		return resp, nil
	case *extprocv3.ProcessingRequest_RequestBody:
		resp := st.processRequestBody(ctx, v.RequestBody)
		st.state = StateResponded
		return resp, nil
	case *extprocv3.ProcessingRequest_ResponseHeaders:
		resp := st.processResponseHeaders(ctx, req.GetResponseHeaders().Headers, req.GetResponseHeaders().EndOfStream)
		st.state = StateResponded
		return resp, nil
	case *extprocv3.ProcessingRequest_ResponseBody:
		resp := st.processResponseBody(ctx, v.ResponseBody)
		st.state = StateComplete
		return resp, nil
	case *extprocv3.ProcessingRequest_RequestTrailers:
		resp := st.processRequestTrailers(ctx)
		st.state = StateResponded
		return resp, nil
	case *extprocv3.ProcessingRequest_ResponseTrailers:
		resp := st.processResponseTrailers(ctx)
		st.state = StateComplete
		return resp, nil
	default:
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extprocv3.HeadersResponse{},
		}}, nil
	}
}

// resolveRoute looks up the route named by filterapi.RouteHeaderName. A request that
// never carried the header is unrouted (plain passthrough); one that did but named an
// unknown route is a TransformationNotFound.
func (st *Stream) resolveRoute(ex *transform.Exchange) (*compiledRoute, *filtererror.Error) {
	name, ok := ex.Headers[filterapi.RouteHeaderName]
	if !ok || name == "" {
		return nil, nil
	}
	r, ok := st.srv.routeFor(name)
	if !ok {
		return nil, filtererror.New(filtererror.KindTransformationNotFound, "no route named "+name)
	}
	return r, nil
}

// processRequestHeaders implements the decode-path header handling of spec.md §4.7.
func (st *Stream) processRequestHeaders(ctx context.Context, hm *corev3.HeaderMap, endStream bool) *extprocv3.ProcessingResponse {
	ex := transform.NewExchange(false)
	loadHeaders(ex, hm)
	st.reqEx = ex

	route, ferr := st.resolveRoute(ex)
	if ferr != nil {
		st.srv.metrics.RequestError(ctx)
		return immediateError(ferr)
	}
	st.route = route

	if route == nil {
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extprocv3.HeadersResponse{},
		}}
	}

	st.reqBaseline = snapshotHeaders(ex)
	needsBody := route.request != nil || route.awsAuth != nil
	if endStream || !needsBody {
		mutation, ferr := st.finalizeRequest(ctx, nil)
		if ferr != nil {
			st.srv.metrics.RequestError(ctx)
			return immediateError(ferr)
		}
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extprocv3.HeadersResponse{Response: &extprocv3.CommonResponse{
				HeaderMutation:  mutation,
				ClearRouteCache: route.clearRouteCache,
			}},
		}}
	}

	st.reqBuffer = true
	return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestHeaders{
		RequestHeaders: &extprocv3.HeadersResponse{},
	}}
}

// processRequestBody implements the decode-path data handling of spec.md §4.7.
func (st *Stream) processRequestBody(ctx context.Context, body *extprocv3.HttpBody) *extprocv3.ProcessingResponse {
	if !st.reqBuffer || st.reqDone || st.route == nil {
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestBody{
			RequestBody: &extprocv3.BodyResponse{},
		}}
	}

	st.reqBodyBuf = append(st.reqBodyBuf, body.Body...)
	limit := st.srv.bufferLimits().DecoderBufferLimit
	if limit > 0 && len(st.reqBodyBuf) > limit {
		st.srv.metrics.RequestError(ctx)
		return immediateError(filtererror.New(filtererror.KindPayloadTooLarge, "request body exceeds decoder_buffer_limit"))
	}

	if !body.EndOfStream {
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestBody{
			RequestBody: &extprocv3.BodyResponse{},
		}}
	}

	st.reqDone = true
	mutation, ferr := st.finalizeRequest(ctx, st.reqBodyBuf)
	if ferr != nil {
		st.srv.metrics.RequestError(ctx)
		return immediateError(ferr)
	}

	common := &extprocv3.CommonResponse{HeaderMutation: mutation, ClearRouteCache: st.route.clearRouteCache}
	if bodyMutated(st.reqEx, st.reqBodyBuf) {
		common.BodyMutation = &extprocv3.BodyMutation{Mutation: &extprocv3.BodyMutation_Body{Body: st.reqEx.Body}}
	}
	return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestBody{
		RequestBody: &extprocv3.BodyResponse{Response: common},
	}}
}

// processRequestTrailers implements spec.md:154's "on trailers, invoke request
// transformation if still active": trailers are the true end of the request stream
// whenever the preceding HttpBody messages never carried EndOfStream.
func (st *Stream) processRequestTrailers(ctx context.Context) *extprocv3.ProcessingResponse {
	if !st.reqBuffer || st.reqDone || st.route == nil {
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestTrailers{
			RequestTrailers: &extprocv3.TrailersResponse{},
		}}
	}

	st.reqDone = true
	mutation, ferr := st.finalizeRequest(ctx, st.reqBodyBuf)
	if ferr != nil {
		st.srv.metrics.RequestError(ctx)
		return immediateError(ferr)
	}
	return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestTrailers{
		RequestTrailers: &extprocv3.TrailersResponse{HeaderMutation: mutation},
	}}
}

// finalizeRequest runs the Lambda path rewrite, the configured request transformer and
// AWS signing over ex.Body=body, returning the header mutation to send.
func (st *Stream) finalizeRequest(ctx context.Context, body []byte) (*extprocv3.HeaderMutation, *filtererror.Error) {
	ex := st.reqEx
	ex.Body = body
	route := st.route

	if route.awsAuth != nil && route.awsAuth.Lambda != nil {
		path, method, invType := lambdapath.Rewrite(*route.awsAuth.Lambda)
		ex.Path = path
		ex.SetHeader(":method", method)
		ex.SetHeader("x-amz-invocation-type", invType)
		if route.awsAuth.Lambda.HostRewrite != "" {
			ex.SetHeader(":authority", route.awsAuth.Lambda.HostRewrite)
		}
	}

	if route.request != nil {
		if err := st.runSide(route.request, ex); err != nil {
			return nil, err
		}
		st.bumpTransformCounters(ctx, route.request, false)
	}

	if route.awsAuth != nil {
		if err := st.signRequest(ctx, route, ex); err != nil {
			return nil, err
		}
	}

	rebuildPath(ex)
	return headerMutation(ex, st.reqBaseline), nil
}

func (st *Stream) runSide(side *sideTransform, ex *transform.Exchange) *filtererror.Error {
	switch side.kind {
	case filterapi.KindInja:
		if err := side.inja.Transform(st.logger, ex); err != nil {
			return asFilterError(err)
		}
	case filterapi.KindBodyHeader:
		if err := bodyheader.Transform(side.bodyHeader, ex); err != nil {
			return asFilterError(err)
		}
	case filterapi.KindAI:
		side.ai.Transform(st.logger, ex, st.route.endpoint)
	case filterapi.KindAPIGateway:
		statusCode, err := apigateway.Transform(st.logger, ex)
		if err != nil {
			return asFilterError(err)
		}
		ex.SetHeader(":status", strconv.Itoa(statusCode))
	}
	return nil
}

func (st *Stream) bumpTransformCounters(ctx context.Context, side *sideTransform, response bool) {
	m := st.srv.metrics
	if response {
		m.ResponseHeaderTransformation(ctx)
		m.ResponseBodyTransformation(ctx)
	} else {
		m.RequestHeaderTransformation(ctx)
		m.RequestBodyTransformation(ctx)
	}
}

func (st *Stream) signRequest(ctx context.Context, route *compiledRoute, ex *transform.Exchange) *filtererror.Error {
	creds, err := route.resolveCreds(ctx)
	if err != nil {
		st.srv.metrics.FetchFailed(ctx)
		return asFilterError(err)
	}
	st.srv.metrics.FetchSuccess(ctx)

	hasher := awssig.NewHasher()
	hasher.Update(ex.Body)
	payloadHash := hasher.Finalize()

	req := awssig.Request{
		Method:      ex.Headers[":method"],
		Path:        ex.Path,
		Query:       ex.QueryString,
		Headers:     ex.Headers,
		PayloadHash: payloadHash,
	}
	authorization, extra := route.signer.Sign(req, creds.Credentials, time.Now())
	ex.SetHeader("authorization", authorization)
	for k, v := range extra {
		ex.SetHeader(k, v)
	}
	return nil
}

// processResponseHeaders implements the encode-path header handling of spec.md §4.7.
// response_match (header/response_code_details-keyed re-selection) is not modeled:
// the route's configured ResponseTransformation always applies (see DESIGN.md).
func (st *Stream) processResponseHeaders(ctx context.Context, hm *corev3.HeaderMap, endStream bool) *extprocv3.ProcessingResponse {
	ex := transform.NewExchange(true)
	loadHeaders(ex, hm)
	st.respEx = ex

	if st.route == nil {
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_ResponseHeaders{
			ResponseHeaders: &extprocv3.HeadersResponse{},
		}}
	}
	st.respBaseline = snapshotHeaders(ex)

	needsBody := st.route.response != nil || (st.route.awsAuth != nil && st.route.awsAuth.Lambda != nil)
	if endStream || !needsBody {
		mutation, ferr := st.finalizeResponse(ctx, nil)
		if ferr != nil {
			st.srv.metrics.ResponseError(ctx)
			return responseErrorReply(ferr)
		}
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_ResponseHeaders{
			ResponseHeaders: &extprocv3.HeadersResponse{Response: &extprocv3.CommonResponse{HeaderMutation: mutation}},
		}}
	}

	st.respBuffer = true
	return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_ResponseHeaders{
		ResponseHeaders: &extprocv3.HeadersResponse{},
	}}
}

func (st *Stream) processResponseBody(ctx context.Context, body *extprocv3.HttpBody) *extprocv3.ProcessingResponse {
	if !st.respBuffer || st.respDone || st.route == nil {
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_ResponseBody{
			ResponseBody: &extprocv3.BodyResponse{},
		}}
	}

	st.respBodyBuf = append(st.respBodyBuf, body.Body...)
	limit := st.srv.bufferLimits().EncoderBufferLimit
	if limit > 0 && len(st.respBodyBuf) > limit {
		st.srv.metrics.ResponseError(ctx)
		return responseErrorReply(filtererror.New(filtererror.KindPayloadTooLarge, "response body exceeds encoder_buffer_limit"))
	}

	if !body.EndOfStream {
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_ResponseBody{
			ResponseBody: &extprocv3.BodyResponse{},
		}}
	}

	st.respDone = true
	mutation, ferr := st.finalizeResponse(ctx, st.respBodyBuf)
	if ferr != nil {
		st.srv.metrics.ResponseError(ctx)
		return responseErrorReply(ferr)
	}

	common := &extprocv3.CommonResponse{HeaderMutation: mutation}
	if bodyMutated(st.respEx, st.respBodyBuf) {
		common.BodyMutation = &extprocv3.BodyMutation{Mutation: &extprocv3.BodyMutation_Body{Body: st.respEx.Body}}
	}
	return &extprocv3.ProcessingResponse{
		Response:        &extprocv3.ProcessingResponse_ResponseBody{ResponseBody: &extprocv3.BodyResponse{Response: common}},
		DynamicMetadata: dynamicMetadataStruct(st.respEx),
	}
}

// processResponseTrailers mirrors processRequestTrailers on the encode path: trailers
// invoke the response transformation if it never ran off an EndOfStream body message.
func (st *Stream) processResponseTrailers(ctx context.Context) *extprocv3.ProcessingResponse {
	if !st.respBuffer || st.respDone || st.route == nil {
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_ResponseTrailers{
			ResponseTrailers: &extprocv3.TrailersResponse{},
		}}
	}

	st.respDone = true
	mutation, ferr := st.finalizeResponse(ctx, st.respBodyBuf)
	if ferr != nil {
		st.srv.metrics.ResponseError(ctx)
		return responseErrorReply(ferr)
	}
	return &extprocv3.ProcessingResponse{
		Response:        &extprocv3.ProcessingResponse_ResponseTrailers{ResponseTrailers: &extprocv3.TrailersResponse{HeaderMutation: mutation}},
		DynamicMetadata: dynamicMetadataStruct(st.respEx),
	}
}

func (st *Stream) finalizeResponse(ctx context.Context, body []byte) (*extprocv3.HeaderMutation, *filtererror.Error) {
	ex := st.respEx
	ex.Body = body
	route := st.route

	if route.response != nil {
		if err := st.runSide(route.response, ex); err != nil {
			return nil, err
		}
		st.bumpTransformCounters(ctx, route.response, true)
	}

	if route.awsAuth != nil && route.awsAuth.Lambda != nil && lambdapath.RemapFunctionError(ex.Headers) {
		ex.SetHeader(":status", "504")
	}

	return headerMutation(ex, st.respBaseline), nil
}

// onStreamComplete invokes the on-complete transformation (if configured) with an empty
// body; errors here are counted, never surfaced to the client (spec.md §4.7, §7).
func (st *Stream) onStreamComplete(ctx context.Context) {
	if st.route == nil || st.route.onComplete == nil {
		return
	}
	ex := st.respEx
	if ex == nil {
		ex = transform.NewExchange(true)
	}
	ex.Body = []byte{}
	if err := st.runSide(st.route.onComplete, ex); err != nil {
		st.srv.metrics.OnStreamCompleteError(ctx)
		if st.logger != nil {
			st.logger.Warn("on-stream-complete transformation failed", slog.String("error", err.Error()))
		}
	}
}

// bodyMutated reports whether ex.Body differs from the buffered input, so FD only emits
// a BodyMutation when a transformer actually changed something.
func bodyMutated(ex *transform.Exchange, original []byte) bool {
	if len(ex.Body) != len(original) {
		return true
	}
	for i := range ex.Body {
		if ex.Body[i] != original[i] {
			return true
		}
	}
	return false
}

// asFilterError normalizes any error returned from a transformer into the shared
// taxonomy so FD can map it to the right local-reply status.
func asFilterError(err error) *filtererror.Error {
	var fe *filtererror.Error
	if errors.As(err, &fe) {
		return fe
	}
	return filtererror.Wrap(filtererror.KindTemplateParseError, "transformation failed", err)
}

// immediateError builds a request-side local reply per spec.md §7's propagation column.
// Each reply carries a synthetic x-request-id so an operator can correlate it against
// FD's logs even though the stream never reached an upstream that would have minted one.
func immediateError(err *filtererror.Error) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ImmediateResponse{
			ImmediateResponse: &extprocv3.ImmediateResponse{
				Status: &typev3.HttpStatus{Code: typev3.StatusCode(err.Kind.HTTPStatus())},
				Body:   []byte(err.Error()),
				Headers: &extprocv3.HeaderMutation{SetHeaders: []*corev3.HeaderValueOption{
					{Header: &corev3.HeaderValue{Key: "content-type", RawValue: []byte("text/plain")}, AppendAction: corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD},
					{Header: &corev3.HeaderValue{Key: "x-request-id", RawValue: []byte(uuid.NewString())}, AppendAction: corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD},
				}},
			},
		},
	}
}

// responseErrorReply implements spec.md §7's "response-side errors overwrite status and
// replace the response body" instead of an ImmediateResponse, since the upstream
// response already exists and downstream is past the point of substituting a fresh one.
func responseErrorReply(err *filtererror.Error) *extprocv3.ProcessingResponse {
	status := err.Kind.HTTPStatus()
	body := []byte(err.Error())
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseBody{
			ResponseBody: &extprocv3.BodyResponse{Response: &extprocv3.CommonResponse{
				HeaderMutation: &extprocv3.HeaderMutation{SetHeaders: []*corev3.HeaderValueOption{
					{Header: &corev3.HeaderValue{Key: ":status", RawValue: []byte(strconv.Itoa(status))}, AppendAction: corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD},
					{Header: &corev3.HeaderValue{Key: "content-type", RawValue: []byte("text/plain")}, AppendAction: corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD},
					{Header: &corev3.HeaderValue{Key: "x-request-id", RawValue: []byte(uuid.NewString())}, AppendAction: corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD},
				}},
				BodyMutation: &extprocv3.BodyMutation{Mutation: &extprocv3.BodyMutation_Body{Body: body}},
			}},
		},
	}
}
