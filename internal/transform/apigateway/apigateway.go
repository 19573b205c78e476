// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package apigateway implements AGT (spec.md §4.6): it decodes a Lambda-style API
// Gateway proxy-integration JSON envelope into the real HTTP response.
package apigateway

import (
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/envoyproxy/transformation-filters/internal/filtererror"
	"github.com/envoyproxy/transformation-filters/internal/json"
	"github.com/envoyproxy/transformation-filters/internal/transform"
)

type envelope struct {
	StatusCode        interface{}            `json:"statusCode"`
	Headers           map[string]interface{} `json:"headers"`
	MultiValueHeaders map[string]interface{} `json:"multiValueHeaders"`
	Body              interface{}             `json:"body"`
	IsBase64Encoded   bool                    `json:"isBase64Encoded"`
}

// Transform decodes ex.Body as an AGT envelope and rewrites ex's headers/body/status in
// place. ex must represent the response leg; request-path use is rejected (spec.md
// §4.6's "identity comparison" check belongs to FD, which alone knows whether the
// request and response header maps are the same object — callers must only invoke
// Transform once FD has confirmed this is the response path).
func Transform(l *slog.Logger, ex *transform.Exchange) (statusCode int, err error) {
	if !ex.IsResponse {
		return 0, filtererror.New(filtererror.KindTransformationNotFound, "api gateway transformation invoked on the request path")
	}

	var env envelope
	if err := json.Unmarshal(ex.Body, &env); err != nil {
		return 500, errorEnvelope(ex, 500, "InternalError", "malformed api gateway envelope")
	}

	status, err := parseStatusCode(env.StatusCode)
	if err != nil {
		return 500, errorEnvelope(ex, 500, "InternalError", err.Error())
	}

	ex.Headers = map[string]string{}
	ex.MultiHeaders = map[string][]string{}
	ex.HeaderOrder = nil

	for k, v := range env.Headers {
		ex.SetHeader(k, stringifyHeaderValue(v))
	}
	for k, v := range env.MultiValueHeaders {
		switch values := v.(type) {
		case []interface{}:
			for _, item := range values {
				ex.AppendHeader(k, stringifyHeaderValue(item))
			}
		case map[string]interface{}:
			return 500, errorEnvelope(ex, 500, "InternalError", fmt.Sprintf("multiValueHeaders[%q] must not be an object", k))
		default:
			// Scalar iterable (string/number/bool/nil) in place of the expected array:
			// accept it as a single value (spec.md:141), just warn.
			if l != nil {
				l.Warn("multiValueHeaders entry is not an array, treating as a single value",
					slog.String("key", k))
			}
			ex.AppendHeader(k, stringifyHeaderValue(v))
		}
	}

	body, err := decodeBody(env.Body, env.IsBase64Encoded)
	if err != nil {
		return 500, errorEnvelope(ex, 500, "InternalError", err.Error())
	}
	ex.SetBody(body)

	return status, nil
}

func parseStatusCode(raw interface{}) (int, error) {
	if raw == nil {
		return 200, nil
	}
	n, ok := raw.(float64)
	if !ok || n < 0 || n != float64(int64(n)) {
		return 0, fmt.Errorf("statusCode must be an unsigned integer")
	}
	return int(n), nil
}

func stringifyHeaderValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeBody(raw interface{}, base64Encoded bool) ([]byte, error) {
	if raw == nil {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		// Not a string: JSON-encode the value itself as the body (spec.md §4.6:
		// "JSON-encode non-strings").
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("encoding non-string body: %w", err)
		}
		return b, nil
	}
	if base64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("body is not valid base64: %w", err)
		}
		return decoded, nil
	}
	return []byte(s), nil
}

// errorEnvelope writes the standard AGT error response shape (spec.md §4.6) and
// returns an error carrying the same status for the caller to propagate to FD.
func errorEnvelope(ex *transform.Exchange, status int, code, message string) error {
	ex.Headers = map[string]string{}
	ex.MultiHeaders = map[string][]string{}
	ex.HeaderOrder = nil
	ex.SetHeader("content-type", "text/plain")
	ex.SetHeader("x-amzn-errortype", code)
	ex.SetBody([]byte(fmt.Sprintf("%s: %s", code, message)))
	return filtererror.New(filtererror.KindJSONParseError, message)
}
