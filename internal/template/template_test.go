// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, text string) *Template {
	t.Helper()
	tmpl, err := Parse(text)
	require.NoError(t, err)
	return tmpl
}

func TestRender_HeaderExtractionAndVariable(t *testing.T) {
	tmpl := mustParse(t, `{{extraction("ext1")}}{{a}}{{header("x-test")}}`)
	ctx := &Context{
		HeaderMap:    map[string]string{"x-test": "789"},
		Extractions:  map[string]string{"ext1": "123"},
		BodyJSON:     map[string]interface{}{"a": "456"},
	}
	out, err := Render(tmpl, ctx)
	require.NoError(t, err)
	assert.Equal(t, "123456789", out)
}

func TestRender_RequestHeaderDuringResponse(t *testing.T) {
	tmpl := mustParse(t, `{{request_header("x-req")}}`)
	ctx := &Context{
		HeaderMap:      map[string]string{},
		RequestHeaders: map[string]string{"x-req": "from-request"},
	}
	out, err := Render(tmpl, ctx)
	require.NoError(t, err)
	assert.Equal(t, "from-request", out)
}

func TestRender_MissingHeaderIsEmpty(t *testing.T) {
	tmpl := mustParse(t, `[{{header("missing")}}]`)
	out, err := Render(tmpl, &Context{HeaderMap: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestRender_NonObjectBodyDoesNotPanic(t *testing.T) {
	tmpl := mustParse(t, `{{a}}-{{context()}}`)
	for _, body := range []interface{}{"just a string", 42.0, true, nil, []interface{}{1.0, 2.0}} {
		ctx := &Context{BodyJSON: body}
		assert.NotPanics(t, func() {
			_, err := Render(tmpl, ctx)
			require.NoError(t, err)
		})
	}
}

func TestBase64RoundTrip(t *testing.T) {
	tmpl := mustParse(t, `{{base64_decode(base64_encode("hello world"))}}`)
	out, err := Render(tmpl, &Context{})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)

	tmplURL := mustParse(t, `{{base64url_decode(base64url_encode("hello/world+x"))}}`)
	out, err = Render(tmplURL, &Context{})
	require.NoError(t, err)
	assert.Equal(t, "hello/world+x", out)
}

func TestSubstring(t *testing.T) {
	cases := []struct {
		tmpl string
		want string
	}{
		{`{{substring("abcdef", 2)}}`, "cdef"},
		{`{{substring("abcdef", 2, 2)}}`, "cd"},
		{`{{substring("abcdef", -1)}}`, ""},
		{`{{substring("abcdef", 10)}}`, ""},
		{`{{substring("abcdef", 1, 100)}}`, "bcdef"},
		{`{{substring("abcdef", 1, -5)}}`, "bcdef"},
	}
	for _, c := range cases {
		tmpl := mustParse(t, c.tmpl)
		out, err := Render(tmpl, &Context{})
		require.NoError(t, err)
		assert.Equal(t, c.want, out, c.tmpl)
	}
}

func TestReplaceWithRandom_IdempotentPerInstance(t *testing.T) {
	tmpl := mustParse(t, `{{replace_with_random("id=PAT", "PAT")}}`)
	out1, err := Render(tmpl, &Context{})
	require.NoError(t, err)
	out2, err := Render(tmpl, &Context{})
	require.NoError(t, err)
	assert.Equal(t, out1, out2)
	assert.NotEqual(t, "id=PAT", out1)

	other, err := Parse(`{{replace_with_random("id=PAT", "PAT")}}`)
	require.NoError(t, err)
	out3, err := Render(other, &Context{})
	require.NoError(t, err)
	assert.NotEqual(t, out1, out3, "different template instances must not share the memoized value")
}

func TestRawString(t *testing.T) {
	tmpl := mustParse(t, `{{raw_string(v)}}`)
	out, err := Render(tmpl, &Context{BodyJSON: map[string]interface{}{"v": "quoted value"}})
	require.NoError(t, err)
	assert.Equal(t, "quoted value", out)
}

func TestWordCount(t *testing.T) {
	cases := []struct {
		body interface{}
		want string
	}{
		{"the quick brown fox", "4"},
		{true, "1"},
		{42.0, "1"},
		{[]interface{}{"a b", "c"}, "3"},
		{map[string]interface{}{"k": "v w"}, "3"},
		{nil, "0"},
	}
	tmpl := mustParse(t, `{{word_count(v)}}`)
	for _, c := range cases {
		out, err := Render(tmpl, &Context{BodyJSON: map[string]interface{}{"v": c.body}})
		require.NoError(t, err)
		assert.Equal(t, c.want, out)
	}
}

func TestAdvancedTemplatesJSONPointer(t *testing.T) {
	tmpl := mustParse(t, `{{/a/b}}`)
	ctx := &Context{
		AdvancedTemplates: true,
		BodyJSON:          map[string]interface{}{"a": map[string]interface{}{"b": "nested"}},
	}
	out, err := Render(tmpl, ctx)
	require.NoError(t, err)
	assert.Equal(t, "nested", out)
}

func TestBodyIsMemoizedPerRender(t *testing.T) {
	calls := 0
	tmpl := mustParse(t, `{{body()}}-{{body()}}`)
	ctx := &Context{BodyFn: func() string {
		calls++
		return "B"
	}}
	out, err := Render(tmpl, ctx)
	require.NoError(t, err)
	assert.Equal(t, "B-B", out)
	assert.Equal(t, 1, calls)
}

func TestParseError_Unterminated(t *testing.T) {
	_, err := Parse(`{{header("x")`)
	require.Error(t, err)
}

func TestEscapeCharactersMode(t *testing.T) {
	tmpl := mustParse(t, `{{header("x")}}`)
	ctx := &Context{HeaderMap: map[string]string{"x": `say "hi"`}, EscapeCharacters: true}
	out, err := Render(tmpl, ctx)
	require.NoError(t, err)
	assert.Equal(t, `say \"hi\"`, out)
}
