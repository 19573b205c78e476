// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package template

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	json "github.com/envoyproxy/transformation-filters/internal/json"
)

func (t *Template) evalCall(e *expr, c *Context) (string, error) {
	args := make([]*expr, len(e.args))
	copy(args, e.args)

	switch e.name {
	case "header":
		name, err := t.argString(args, c, 0)
		if err != nil {
			return "", err
		}
		return lookupHeader(c.HeaderMap, name), nil
	case "request_header":
		name, err := t.argString(args, c, 0)
		if err != nil {
			return "", err
		}
		return lookupHeader(c.RequestHeaders, name), nil
	case "extraction":
		name, err := t.argString(args, c, 0)
		if err != nil {
			return "", err
		}
		if v, ok := c.Extractions[name]; ok {
			return v, nil
		}
		if v, ok := c.DestructiveExtractions[name]; ok {
			return v, nil
		}
		return "", nil
	case "context":
		return stringifyValue(c.BodyJSON), nil
	case "body":
		return c.body(), nil
	case "env":
		name, err := t.argString(args, c, 0)
		if err != nil {
			return "", err
		}
		return c.Environ[name], nil
	case "cluster_metadata":
		return t.evalMetadata(args, c, c.ClusterMetadata)
	case "dynamic_metadata":
		return t.evalMetadata(args, c, c.DynamicMetadata)
	case "host_metadata":
		return t.evalMetadata(args, c, c.HostMetadata)
	case "base64_encode":
		s, err := t.argString(args, c, 0)
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString([]byte(s)), nil
	case "base64_decode":
		s, err := t.argString(args, c, 0)
		if err != nil {
			return "", err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", nil
		}
		return string(b), nil
	case "base64url_encode":
		s, err := t.argString(args, c, 0)
		if err != nil {
			return "", err
		}
		return base64.RawURLEncoding.EncodeToString([]byte(s)), nil
	case "base64url_decode":
		s, err := t.argString(args, c, 0)
		if err != nil {
			return "", err
		}
		b, err := base64.RawURLEncoding.DecodeString(s)
		if err != nil {
			return "", nil
		}
		return string(b), nil
	case "substring":
		return t.evalSubstring(args, c)
	case "replace_with_random":
		return t.evalReplaceWithRandom(args, c)
	case "raw_string":
		return t.evalRawString(args, c)
	case "word_count":
		return t.evalWordCount(args, c)
	default:
		return "", fmt.Errorf("unknown callable %q", e.name)
	}
}

func lookupHeader(m map[string]string, name string) string {
	if m == nil {
		return ""
	}
	return m[strings.ToLower(name)]
}

func (t *Template) evalMetadata(args []*expr, c *Context, lookup MetadataLookup) (string, error) {
	key, err := t.argString(args, c, 0)
	if err != nil {
		return "", err
	}
	ns := ""
	if len(args) > 1 {
		ns, err = t.argString(args, c, 1)
		if err != nil {
			return "", err
		}
	}
	if lookup == nil {
		return "", nil
	}
	v, ok := lookup(key, ns)
	if !ok {
		return "", nil
	}
	return v, nil
}

func (t *Template) evalSubstring(args []*expr, c *Context) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("substring requires at least 2 arguments")
	}
	s, err := t.argString(args, c, 0)
	if err != nil {
		return "", err
	}
	startF, ok := t.argNumber(args, c, 1)
	if !ok {
		return "", nil
	}
	start := int(startF)
	if start < 0 || start > len(s) {
		return "", nil
	}
	if len(args) < 3 {
		return s[start:], nil
	}
	lenF, ok := t.argNumber(args, c, 2)
	if !ok || lenF < 0 {
		return s[start:], nil
	}
	l := int(lenF)
	end := start + l
	if end > len(s) || end < start {
		end = len(s)
	}
	return s[start:end], nil
}

// evalReplaceWithRandom replaces every occurrence of pattern in s with a 128-bit random
// value, base64url-no-pad encoded. The same pattern always maps to the same value for
// the lifetime of this *Template (spec.md §4.1, §8).
func (t *Template) evalReplaceWithRandom(args []*expr, c *Context) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("replace_with_random requires 2 arguments")
	}
	s, err := t.argString(args, c, 0)
	if err != nil {
		return "", err
	}
	pattern, err := t.argString(args, c, 1)
	if err != nil {
		return "", err
	}
	if pattern == "" {
		return s, nil
	}
	value, err := t.randomFor(pattern)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(s, pattern, value), nil
}

func (t *Template) randomFor(pattern string) (string, error) {
	t.randMu.Lock()
	defer t.randMu.Unlock()
	if v, ok := t.randValues[pattern]; ok {
		return v, nil
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random value: %w", err)
	}
	v := base64.RawURLEncoding.EncodeToString(buf)
	t.randValues[pattern] = v
	return v, nil
}

func (t *Template) evalRawString(args []*expr, c *Context) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("raw_string requires 1 argument")
	}
	v, err := t.evalValue(args[0], c)
	if err != nil {
		return "", err
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	dumped := stringifyValue(v)
	if len(dumped) >= 2 && dumped[0] == '"' && dumped[len(dumped)-1] == '"' {
		return dumped[1 : len(dumped)-1], nil
	}
	return dumped, nil
}

func (t *Template) evalWordCount(args []*expr, c *Context) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("word_count requires 1 argument")
	}
	v, err := t.evalValue(args[0], c)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(wordCount(v)), nil
}

func wordCount(v interface{}) int {
	switch vv := v.(type) {
	case string:
		f := strings.Fields(vv)
		return len(f)
	case bool, float64, int:
		return 1
	case []interface{}:
		sum := 0
		for _, e := range vv {
			sum += wordCount(e)
		}
		return sum
	case map[string]interface{}:
		sum := 0
		for k, e := range vv {
			sum += wordCount(k)
			sum += wordCount(e)
		}
		return sum
	default:
		return 0
	}
}

// argString evaluates args[idx] and coerces it to a string.
func (t *Template) argString(args []*expr, c *Context, idx int) (string, error) {
	if idx >= len(args) {
		return "", fmt.Errorf("missing argument %d", idx)
	}
	v, err := t.evalValue(args[idx], c)
	if err != nil {
		return "", err
	}
	switch vv := v.(type) {
	case string:
		return vv, nil
	default:
		return stringifyValue(vv), nil
	}
}

// argNumber evaluates args[idx] as a float64; ok is false for non-numeric args
// (substring's "non-integer args ⇒ \"\"" rule, spec.md §4.1).
func (t *Template) argNumber(args []*expr, c *Context, idx int) (float64, bool) {
	if idx >= len(args) {
		return 0, false
	}
	v, err := t.evalValue(args[idx], c)
	if err != nil {
		return 0, false
	}
	switch vv := v.(type) {
	case float64:
		return vv, true
	case string:
		f, err := strconv.ParseFloat(vv, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// evalValue evaluates e and returns its native value (string, float64, or whatever a
// dotted/pointer path resolves to in BodyJSON), without coercing to a string. Used by
// argument evaluation and by raw_string/word_count, which must see structured values.
func (t *Template) evalValue(e *expr, c *Context) (interface{}, error) {
	switch e.kind {
	case exprString:
		return e.str, nil
	case exprNumber:
		return e.num, nil
	case exprPath:
		return resolvePath(c.BodyJSON, e.path, c.AdvancedTemplates), nil
	case exprCall:
		if e.name == "context" {
			return c.BodyJSON, nil
		}
		s, err := t.evalCall(e, c)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unhandled expression kind")
	}
}

// resolvePath walks root by a dotted path (non-advanced) or a leading-slash JSON pointer
// (advanced), per spec.md §4.1. A non-object root is treated as an empty object.
func resolvePath(root interface{}, path string, advanced bool) interface{} {
	if path == "" {
		return nil
	}
	var segments []string
	if advanced && strings.HasPrefix(path, "/") {
		segments = strings.Split(strings.TrimPrefix(path, "/"), "/")
	} else {
		segments = strings.Split(path, ".")
	}

	cur := root
	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// stringifyValue renders v as text: nil becomes "", a string is returned as-is
// (unquoted), and any other value becomes its compact JSON text.
func stringifyValue(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
