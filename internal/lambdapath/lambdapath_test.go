// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package lambdapath

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/envoyproxy/transformation-filters/internal/filterapi"
)

func TestRewrite_WithQualifierAndAsync(t *testing.T) {
	path, method, invocation := Rewrite(filterapi.LambdaRoute{Name: "my-fn", Qualifier: "prod", Async: true})
	assert.Equal(t, "/2015-03-31/functions/my-fn/invocations?Qualifier=prod", path)
	assert.Equal(t, "POST", method)
	assert.Equal(t, "Event", invocation)
}

func TestRewrite_SyncWithoutQualifier(t *testing.T) {
	path, _, invocation := Rewrite(filterapi.LambdaRoute{Name: "my-fn"})
	assert.Equal(t, "/2015-03-31/functions/my-fn/invocations", path)
	assert.Equal(t, "RequestResponse", invocation)
}

func TestRemapFunctionError(t *testing.T) {
	assert.True(t, RemapFunctionError(map[string]string{"x-amz-function-error": "Unhandled"}))
	assert.False(t, RemapFunctionError(map[string]string{}))
}
