// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package filtermetrics instruments FD and CRED with the named counters and gauge of
// spec.md §6, adapted from internal/metrics' otel/metric wiring (that package's
// per-operation GenAI token/latency metrics don't apply here; FD counts filter-lifecycle
// events, not model usage).
package filtermetrics

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// State mirrors FD's state machine for the current_state gauge (spec.md §4.7, §6).
type State int64

const (
	StateIdle State = 0
	StateActive State = 1
)

// Metrics holds every counter/gauge spec.md §6 names. Construct once per meter and
// share across workers; every Record* method is safe for concurrent use (the
// instruments themselves are).
type Metrics struct {
	requestHeaderTransformations  metric.Int64Counter
	requestBodyTransformations    metric.Int64Counter
	responseHeaderTransformations metric.Int64Counter
	responseBodyTransformations   metric.Int64Counter
	requestError                  metric.Int64Counter
	responseError                 metric.Int64Counter
	onStreamCompleteError         metric.Int64Counter
	fetchSuccess                  metric.Int64Counter
	fetchFailed                   metric.Int64Counter
	credsRotated                  metric.Int64Counter
	webtokenRotated               metric.Int64Counter
	webtokenFailure               metric.Int64Counter
	currentState                  metric.Int64Gauge
}

// New registers every instrument against meter. An error here means the otel SDK
// rejected an instrument definition (e.g. a duplicate name); there is no partial
// registration to roll back.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestHeaderTransformations, err = meter.Int64Counter("request_header_transformations"); err != nil {
		return nil, err
	}
	if m.requestBodyTransformations, err = meter.Int64Counter("request_body_transformations"); err != nil {
		return nil, err
	}
	if m.responseHeaderTransformations, err = meter.Int64Counter("response_header_transformations"); err != nil {
		return nil, err
	}
	if m.responseBodyTransformations, err = meter.Int64Counter("response_body_transformations"); err != nil {
		return nil, err
	}
	if m.requestError, err = meter.Int64Counter("request_error"); err != nil {
		return nil, err
	}
	if m.responseError, err = meter.Int64Counter("response_error"); err != nil {
		return nil, err
	}
	if m.onStreamCompleteError, err = meter.Int64Counter("on_stream_complete_error"); err != nil {
		return nil, err
	}
	if m.fetchSuccess, err = meter.Int64Counter("fetch_success"); err != nil {
		return nil, err
	}
	if m.fetchFailed, err = meter.Int64Counter("fetch_failed"); err != nil {
		return nil, err
	}
	if m.credsRotated, err = meter.Int64Counter("creds_rotated"); err != nil {
		return nil, err
	}
	if m.webtokenRotated, err = meter.Int64Counter("webtoken_rotated"); err != nil {
		return nil, err
	}
	if m.webtokenFailure, err = meter.Int64Counter("webtoken_failure"); err != nil {
		return nil, err
	}
	if m.currentState, err = meter.Int64Gauge("current_state"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RequestHeaderTransformation(ctx context.Context)  { m.requestHeaderTransformations.Add(ctx, 1) }
func (m *Metrics) RequestBodyTransformation(ctx context.Context)    { m.requestBodyTransformations.Add(ctx, 1) }
func (m *Metrics) ResponseHeaderTransformation(ctx context.Context) { m.responseHeaderTransformations.Add(ctx, 1) }
func (m *Metrics) ResponseBodyTransformation(ctx context.Context)   { m.responseBodyTransformations.Add(ctx, 1) }
func (m *Metrics) RequestError(ctx context.Context)                 { m.requestError.Add(ctx, 1) }
func (m *Metrics) ResponseError(ctx context.Context)                { m.responseError.Add(ctx, 1) }
func (m *Metrics) OnStreamCompleteError(ctx context.Context)        { m.onStreamCompleteError.Add(ctx, 1) }
func (m *Metrics) FetchSuccess(ctx context.Context)                 { m.fetchSuccess.Add(ctx, 1) }
func (m *Metrics) FetchFailed(ctx context.Context)                  { m.fetchFailed.Add(ctx, 1) }
func (m *Metrics) CredsRotated(ctx context.Context)                 { m.credsRotated.Add(ctx, 1) }
func (m *Metrics) WebtokenRotated(ctx context.Context)              { m.webtokenRotated.Add(ctx, 1) }
func (m *Metrics) WebtokenFailure(ctx context.Context)              { m.webtokenFailure.Add(ctx, 1) }

// SetState records the FD state-machine gauge (spec.md §4.7's Init/Calling/Responded/
// Complete/Destroyed states collapse to 0|1 here per spec.md §6: "gauge current_state
// (0|1)").
func (m *Metrics) SetState(ctx context.Context, s State) {
	m.currentState.Record(ctx, int64(s))
}
