// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package transform holds the shared per-direction exchange state that IT, BHT, AIT and
// AGT all operate on (spec.md §3, §9's "one family of transformers" note). FD (the
// ext_proc driver) is responsible for translating this to and from the envoy.HeaderMap /
// body-buffer wire types.
package transform

import (
	"strconv"

	"github.com/envoyproxy/transformation-filters/internal/template"
)

// Exchange is the mutable state of one request or response leg, built fresh by FD when
// that leg's headers arrive and kept on the stream for the leg's later body, trailer
// and stream-complete callbacks.
type Exchange struct {
	// IsResponse selects which side of the stream this Exchange represents. AGT uses it
	// to reject request-path invocations (spec.md §4.6).
	IsResponse bool

	// Headers is the header map currently being transformed: request headers while
	// decoding, response headers while encoding. Keys are lower-cased.
	Headers map[string]string
	// MultiHeaders holds every value seen for a header, in arrival order; len>1 only
	// when the header repeated.
	MultiHeaders map[string][]string
	// HeaderOrder preserves first-seen header name order; FD's header-mutation diff
	// walks it to decide which headers to set.
	HeaderOrder []string

	// RequestHeaders is always the request's header map, even while transforming a
	// response (backs request_header() and AIT's inbound Authorization lookup).
	RequestHeaders map[string]string

	Method      string
	Path        string
	QueryString string

	Body []byte

	Environ map[string]string

	ClusterMetadata template.MetadataLookup
	HostMetadata    template.MetadataLookup
	// DynamicMetadata accumulates namespace -> key -> value entries written by IT's
	// dynamic-metadata step (spec.md §4.3 step 5), for FD to attach to the stream.
	DynamicMetadata map[string]map[string]interface{}

	// AdvancedTemplates and EscapeCharacters mirror the route's TransformationConfig
	// flags, threaded through so every callable site shares one source of truth.
	AdvancedTemplates bool
	EscapeCharacters  bool
}

// NewExchange builds an empty Exchange for one direction.
func NewExchange(isResponse bool) *Exchange {
	return &Exchange{
		IsResponse:      isResponse,
		Headers:         map[string]string{},
		MultiHeaders:    map[string][]string{},
		RequestHeaders:  map[string]string{},
		Environ:         map[string]string{},
		DynamicMetadata: map[string]map[string]interface{}{},
	}
}

// SetHeader replaces every existing value of name with value, recording order on first
// use (spec.md §4.3 step 6's "remove existing header of that name and set the new
// value").
func (e *Exchange) SetHeader(name, value string) {
	if _, ok := e.Headers[name]; !ok {
		e.HeaderOrder = append(e.HeaderOrder, name)
	}
	e.Headers[name] = value
	e.MultiHeaders[name] = []string{value}
}

// RemoveHeader deletes every value of name.
func (e *Exchange) RemoveHeader(name string) {
	delete(e.Headers, name)
	delete(e.MultiHeaders, name)
	for i, n := range e.HeaderOrder {
		if n == name {
			e.HeaderOrder = append(e.HeaderOrder[:i], e.HeaderOrder[i+1:]...)
			break
		}
	}
}

// AppendHeader adds value without disturbing any existing value of name (spec.md §4.3
// step 8).
func (e *Exchange) AppendHeader(name, value string) {
	if _, ok := e.Headers[name]; !ok {
		e.HeaderOrder = append(e.HeaderOrder, name)
	}
	e.Headers[name] = value
	e.MultiHeaders[name] = append(e.MultiHeaders[name], value)
}

// SetBody replaces the body and fixes up Content-Length (spec.md §4.3 step 9, §4.4).
func (e *Exchange) SetBody(b []byte) {
	e.Body = b
	e.RemoveHeader("content-length")
	e.SetHeader("content-length", strconv.Itoa(len(b)))
}
