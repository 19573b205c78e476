// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package bodyheader implements BHT (spec.md §4.4): it wraps a request or response
// into a JSON envelope describing its headers, body and (for requests) routing
// metadata, the shape Lambda's API-Gateway-proxy integration expects on the wire.
package bodyheader

import (
	"strings"

	"github.com/envoyproxy/transformation-filters/internal/filterapi"
	"github.com/envoyproxy/transformation-filters/internal/filtererror"
	"github.com/envoyproxy/transformation-filters/internal/json"
	"github.com/envoyproxy/transformation-filters/internal/transform"
)

// Transform serializes ex into the BHT JSON envelope and replaces ex.Body with it
// (spec.md §4.4). cfg.AddRequestMetadata only has an effect on the request path.
func Transform(cfg filterapi.BodyHeaderConfig, ex *transform.Exchange) error {
	var envelope map[string]interface{}
	if !ex.IsResponse {
		envelope = requestEnvelope(cfg, ex)
	} else {
		envelope = responseEnvelope(ex)
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return filtererror.Wrap(filtererror.KindJSONParseError, "serializing body/header envelope", err)
	}

	ex.RemoveHeader("content-type")
	ex.SetHeader("content-type", "application/json")
	ex.SetBody(b)
	return nil
}

func requestEnvelope(cfg filterapi.BodyHeaderConfig, ex *transform.Exchange) map[string]interface{} {
	env := map[string]interface{}{
		"headers": singleValueHeaders(ex),
	}
	if len(ex.Body) > 0 {
		env["body"] = string(ex.Body)
	}
	if !cfg.AddRequestMetadata {
		return env
	}

	path, query := splitPath(ex.Path)
	env["multiValueHeaders"] = multiValueOnly(ex)
	env["httpMethod"] = ex.Method
	env["path"] = path
	env["queryString"] = query
	qp, mvqp := parseQueryString(query)
	env["queryStringParameters"] = qp
	env["multiValueQueryStringParameters"] = mvqp
	return env
}

func responseEnvelope(ex *transform.Exchange) map[string]interface{} {
	env := map[string]interface{}{
		"headers": singleValueHeaders(ex),
	}
	if len(ex.Body) > 0 {
		env["body"] = string(ex.Body)
	}
	return env
}

func singleValueHeaders(ex *transform.Exchange) map[string]string {
	out := make(map[string]string, len(ex.Headers))
	for k, v := range ex.Headers {
		out[k] = v
	}
	return out
}

// multiValueOnly returns an entry only for headers that repeated (spec.md §4.4: "only
// populate when a header/param key appears more than once").
func multiValueOnly(ex *transform.Exchange) map[string][]string {
	out := map[string][]string{}
	for k, vs := range ex.MultiHeaders {
		if len(vs) > 1 {
			out[k] = vs
		}
	}
	return out
}

func splitPath(raw string) (path, query string) {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i], raw[i+1:]
	}
	return raw, ""
}

func parseQueryString(q string) (map[string]string, map[string][]string) {
	single := map[string]string{}
	multi := map[string][]string{}
	if q == "" {
		return single, multi
	}
	for _, pair := range strings.Split(q, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		single[k] = v
		multi[k] = append(multi[k], v)
	}
	for k, vs := range multi {
		if len(vs) <= 1 {
			delete(multi, k)
		}
	}
	return single, multi
}
