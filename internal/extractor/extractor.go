// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package extractor implements EXT (spec.md §4.2): a compiled regex applied to a named
// header or the body, returning either a read-only view or a destructive rewrite.
package extractor

import (
	"log/slog"

	"github.com/dlclark/regexp2/v2"

	"github.com/envoyproxy/transformation-filters/internal/filterapi"
)

// Extractor is a compiled instance of one filterapi.ExtractionSpec.
type Extractor struct {
	spec filterapi.ExtractionSpec
	re   *regexp2.Regexp
}

// Compile validates and compiles spec. Unsupported modes fail here, not at extraction
// time (spec.md §4.2).
func Compile(spec filterapi.ExtractionSpec) (*Extractor, error) {
	re, err := regexp2.Compile(spec.Regex, regexp2.None)
	if err != nil {
		return nil, err
	}
	if err := spec.Validate(re.GroupCount()); err != nil {
		return nil, err
	}
	return &Extractor{spec: spec, re: re}, nil
}

func (e *Extractor) source(headerMap map[string]string, body string) string {
	if e.spec.Source == filterapi.SourceHeader {
		return headerMap[e.spec.HeaderName]
	}
	return body
}

// Extract performs the non-destructive match (spec.md §4.2). It never mutates headers
// or body, and logs at debug on a miss.
func (e *Extractor) Extract(l *slog.Logger, headerMap map[string]string, body string) string {
	src := e.source(headerMap, body)
	m, err := e.re.FindStringMatch(src)
	if err != nil || m == nil {
		if l != nil {
			l.Debug("extractor did not match", slog.String("name", e.spec.Name))
		}
		return ""
	}
	g := m.GroupByNumber(int(e.spec.Subgroup))
	if g == nil || g.Length == 0 && g.Index == 0 && int(e.spec.Subgroup) != 0 {
		// GroupByNumber returns a zero-value group (not nil) for an unmatched
		// optional subgroup in regexp2; treat it the same as "no match".
		if g == nil {
			return ""
		}
	}
	return g.String()
}

// ExtractDestructive rewrites the source per spec.md §4.2's SingleReplace/ReplaceAll
// semantics. Returns the source unchanged when the match requirements aren't met.
func (e *Extractor) ExtractDestructive(headerMap map[string]string, body string) (string, error) {
	src := e.source(headerMap, body)
	switch e.spec.Mode {
	case filterapi.ModeSingleReplace:
		return e.singleReplace(src)
	case filterapi.ModeReplaceAll:
		return e.replaceAll(src)
	default:
		return src, nil
	}
}

// byteOffsets maps each rune index in s (0..rune count inclusive) to its byte offset.
// regexp2's Match/Group Index and Length count runes, not bytes, so any Go string slice
// derived from them must be translated through this table first.
func byteOffsets(s string) []int {
	offsets := make([]int, 0, len(s)+1)
	for i := range s {
		offsets = append(offsets, i)
	}
	offsets = append(offsets, len(s))
	return offsets
}

func (e *Extractor) singleReplace(src string) (string, error) {
	m, err := e.re.FindStringMatch(src)
	if err != nil {
		return "", err
	}
	if m == nil {
		return src, nil
	}
	offsets := byteOffsets(src)
	runeLen := len(offsets) - 1
	// The match must span the entire input (spec.md §4.2).
	if m.Index != 0 || m.Index+m.Length != runeLen {
		return src, nil
	}
	g := m.GroupByNumber(int(e.spec.Subgroup))
	if g == nil {
		return src, nil
	}
	replacement := ""
	if e.spec.Replacement != nil {
		replacement = *e.spec.Replacement
	}
	prefix := src[:offsets[g.Index]]
	suffix := src[offsets[g.Index+g.Length]:]
	return prefix + replacement + suffix, nil
}

func (e *Extractor) replaceAll(src string) (string, error) {
	replacement := ""
	if e.spec.Replacement != nil {
		replacement = *e.spec.Replacement
	}
	offsets := byteOffsets(src)
	var out []byte
	last := 0
	m, err := e.re.FindStringMatch(src)
	for m != nil {
		if err != nil {
			return "", err
		}
		if m.Length == 0 {
			// Non-empty match requirement (spec.md §4.2): skip empty matches to
			// avoid an infinite loop and to honor "every non-empty match".
			next, nerr := e.re.FindNextMatch(m)
			if nerr != nil {
				return "", nerr
			}
			m = next
			continue
		}
		start, end := offsets[m.Index], offsets[m.Index+m.Length]
		out = append(out, src[last:start]...)
		out = append(out, replacement...)
		last = end
		next, nerr := e.re.FindNextMatch(m)
		if nerr != nil {
			return "", nerr
		}
		m = next
	}
	out = append(out, src[last:]...)
	return string(out), nil
}

// Name returns the extractor's configured name.
func (e *Extractor) Name() string { return e.spec.Name }

// Mode returns the configured extraction mode.
func (e *Extractor) Mode() filterapi.ExtractionMode { return e.spec.Mode }

// Source reports whether this extractor reads from the body or a header.
func (e *Extractor) Source() filterapi.BodySource { return e.spec.Source }

// Destructive reports whether this extractor rewrites its source rather than merely
// reading it (used by IT to route results into Extractions vs DestructiveExtractions).
func (e *Extractor) Destructive() bool {
	return e.spec.Mode == filterapi.ModeSingleReplace || e.spec.Mode == filterapi.ModeReplaceAll
}
