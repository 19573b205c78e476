// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package lambdapath rewrites an inbound request's method and path into AWS Lambda's
// invoke-endpoint shape (SPEC_FULL.md §4, supplemented from original_source/'s
// aws_lambda_filter; spec.md §6 names the wire shape but the original implementation
// carries the templating this package reproduces).
package lambdapath

import (
	"fmt"
	"net/url"

	"github.com/envoyproxy/transformation-filters/internal/filterapi"
)

// Rewrite returns the Lambda invoke path and HTTP method for route (spec.md §6:
// "/2015-03-31/functions/{name}/invocations[?Qualifier={qualifier}]", method always
// POST) plus the x-amz-invocation-type value for route.Async.
func Rewrite(route filterapi.LambdaRoute) (path, method, invocationType string) {
	path = fmt.Sprintf("/2015-03-31/functions/%s/invocations", url.PathEscape(route.Name))
	if route.Qualifier != "" {
		path += "?Qualifier=" + url.QueryEscape(route.Qualifier)
	}
	method = "POST"
	invocationType = "RequestResponse"
	if route.Async {
		invocationType = "Event"
	}
	return path, method, invocationType
}

// RemapFunctionError reports whether the upstream response carries an
// x-amz-function-error header, in which case FD must rewrite the response status to
// 504 regardless of what Lambda itself returned (spec.md §6).
func RemapFunctionError(headers map[string]string) bool {
	_, ok := headers["x-amz-function-error"]
	return ok
}
