// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package template

// MetadataLookup resolves key (optionally scoped by a filter namespace) against one
// metadata source (cluster metadata, dynamic metadata, or host metadata), stringifying
// typed protobuf-Struct-like values the way spec.md §4.1 describes (String as-is, Number
// stringified, Bool "true"/"false", Struct/List as JSON text). Returns ok=false when the
// key is absent.
type MetadataLookup func(key, filterNS string) (value string, ok bool)

// Context is the Per-Request Context of spec.md §3. A worker creates exactly one of
// these per transformation call and passes it to Render; nothing here may be retained
// past that call ("rendering must not escape references to it").
type Context struct {
	// HeaderMap is the header map the transformation is currently operating on
	// (request headers when transforming a request, response headers when
	// transforming a response).
	HeaderMap map[string]string
	// RequestHeaders is always the request's header map, available even during
	// response transforms (backs request_header()).
	RequestHeaders map[string]string

	// BodyFn lazily materializes the raw body bytes. Memoized internally after the
	// first call to body() (spec.md §4.1).
	BodyFn func() string
	bodyMemo *string

	// Extractions holds non-destructive (borrowed-view) extraction results;
	// DestructiveExtractions holds owned strings produced by SingleReplace/ReplaceAll.
	Extractions            map[string]string
	DestructiveExtractions map[string]string

	// BodyJSON is the parsed body JSON root used by context() and dotted/JSON-pointer
	// variable paths. May be any JSON value, including non-objects; Render replaces a
	// non-nil non-object value with an empty object for the whole render, so path
	// lookups resolve to nil and context() yields {}.
	BodyJSON interface{}

	// Environ is the process environment snapshotted at transformer construction time.
	Environ map[string]string

	ClusterMetadata MetadataLookup
	DynamicMetadata MetadataLookup
	HostMetadata    MetadataLookup

	// AdvancedTemplates selects JSON-pointer element notation for variable paths
	// instead of dotted-path resolution (spec.md §4.1).
	AdvancedTemplates bool

	// EscapeCharacters, when set, JSON-escapes every expression's rendered output
	// (callables and variable paths alike) before
	// splicing it into the template text (SPEC_FULL.md §4, escape-characters mode).
	EscapeCharacters bool
}

func (c *Context) body() string {
	if c.bodyMemo != nil {
		return *c.bodyMemo
	}
	var v string
	if c.BodyFn != nil {
		v = c.BodyFn()
	}
	c.bodyMemo = &v
	return v
}
