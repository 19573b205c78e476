// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package template

import (
	"strings"

	json "github.com/envoyproxy/transformation-filters/internal/json"
)

// Render renders t against ctx. Safe to call concurrently from multiple goroutines as
// long as each call is given its own *Context (spec.md §4.1). A non-object BodyJSON
// never causes a panic — path lookups against it simply resolve to nil, matching
// "rendering proceeds against an empty object."
func Render(t *Template, ctx *Context) (string, error) {
	if ctx.BodyJSON != nil {
		if _, ok := ctx.BodyJSON.(map[string]interface{}); !ok {
			ctx = shallowCopyWithEmptyBody(ctx)
		}
	}

	var b strings.Builder
	for _, n := range t.nodes {
		if n.expr == nil {
			b.WriteString(n.literal)
			continue
		}
		v, err := t.evalValue(n.expr, ctx)
		if err != nil {
			// A render-time callable error never aborts the whole template; the
			// failing expression simply contributes nothing (FD wraps genuinely
			// fatal cases, e.g. malformed config, as TemplateParseError at compile
			// time instead).
			continue
		}
		s := valueToText(v)
		if ctx.EscapeCharacters {
			s = jsonEscape(s)
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

func valueToText(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return stringifyValue(v)
}

func shallowCopyWithEmptyBody(ctx *Context) *Context {
	cp := *ctx
	cp.BodyJSON = map[string]interface{}{}
	return &cp
}

// jsonEscape escapes s the way a JSON string literal's contents would be escaped, for
// SPEC_FULL.md §4's escape-characters mode (splicing a rendered value into a body
// template that is itself JSON text).
func jsonEscape(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return s
	}
	// b is `"..."`; strip the surrounding quotes added by Marshal since the escaped
	// text is going to be spliced inside the template author's own quotes.
	if len(b) >= 2 {
		return string(b[1 : len(b)-1])
	}
	return string(b)
}
