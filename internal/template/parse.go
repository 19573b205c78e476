// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package template implements the Template Compiler & Renderer (TCR, spec.md §4.1):
// a small Jinja-flavored call grammar ({{ callable(args) }}, {{ dotted.path }}) parsed
// once at configuration time and rendered many times against a per-request context.
//
// This is deliberately not a general-purpose templating engine — spec.md's Non-goals
// exclude "any generic templating beyond the specified callables" — so the grammar below
// only has what the callables in callables.go need: string/number literals, dotted or
// JSON-pointer variable paths, and (possibly nested) function calls.
package template

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/envoyproxy/transformation-filters/internal/filtererror"
)

// Template is an opaque, immutable compiled value (spec.md §3 "Template"). It is safe to
// call Render concurrently from multiple goroutines against distinct *Context values.
type Template struct {
	nodes []node

	// randMu/randValues back replace_with_random's per-instance memoization
	// (spec.md §4.1, "Each distinct pattern maps to one random value for the lifetime
	// of the transformer instance"). Guarded by a mutex per spec.md §5's note that this
	// shared map must be stable across requests and thread-safe across workers.
	randMu     sync.Mutex
	randValues map[string]string
}

// node is either literal text or a compiled expression to evaluate and splice in.
type node struct {
	literal string // valid when expr == nil
	expr    *expr
}

// exprKind distinguishes the four expression shapes the grammar supports.
type exprKind int

const (
	exprPath exprKind = iota
	exprString
	exprNumber
	exprCall
)

type expr struct {
	kind exprKind
	path string  // exprPath
	str  string  // exprString
	num  float64 // exprNumber
	name string  // exprCall
	args []*expr // exprCall
}

// Parse compiles template text once. Must only be called during single-threaded
// configuration loading (spec.md §4.1).
func Parse(text string) (*Template, error) {
	t := &Template{randValues: make(map[string]string)}
	rest := text
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			if rest != "" {
				t.nodes = append(t.nodes, node{literal: rest})
			}
			break
		}
		if start > 0 {
			t.nodes = append(t.nodes, node{literal: rest[:start]})
		}
		rest = rest[start+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			return nil, filtererror.New(filtererror.KindTemplateParseError, fmt.Sprintf("unterminated expression in template: %q", text))
		}
		exprText := strings.TrimSpace(rest[:end])
		rest = rest[end+2:]

		p := &parser{s: exprText}
		e, err := p.parseExpr()
		if err != nil {
			return nil, filtererror.Wrap(filtererror.KindTemplateParseError, fmt.Sprintf("invalid expression %q", exprText), err)
		}
		p.skipSpace()
		if p.pos != len(p.s) {
			return nil, filtererror.New(filtererror.KindTemplateParseError, fmt.Sprintf("trailing garbage in expression %q", exprText))
		}
		t.nodes = append(t.nodes, node{expr: e})
	}
	return t, nil
}

type parser struct {
	s   string
	pos int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t' || p.s[p.pos] == '\n') {
		p.pos++
	}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.s) {
		return 0
	}
	return p.s[p.pos]
}

// parseExpr parses one top-level argument or expression: a string literal, a number
// literal, a dotted/JSON-pointer path, or name(args...).
func (p *parser) parseExpr() (*expr, error) {
	p.skipSpace()
	if p.pos >= len(p.s) {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch c := p.peek(); {
	case c == '"' || c == '\'':
		return p.parseString(c)
	case c == '-' || (c >= '0' && c <= '9'):
		return p.parseNumber()
	case isIdentStart(c) || c == '/':
		return p.parseIdentOrCall()
	default:
		return nil, fmt.Errorf("unexpected character %q at position %d", c, p.pos)
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '.' || c == '/'
}

func (p *parser) parseString(quote byte) (*expr, error) {
	p.pos++ // consume opening quote
	var b strings.Builder
	for {
		if p.pos >= len(p.s) {
			return nil, fmt.Errorf("unterminated string literal")
		}
		c := p.s[p.pos]
		if c == quote {
			p.pos++
			return &expr{kind: exprString, str: b.String()}, nil
		}
		if c == '\\' && p.pos+1 < len(p.s) {
			p.pos++
			b.WriteByte(p.s[p.pos])
			p.pos++
			continue
		}
		b.WriteByte(c)
		p.pos++
	}
}

func (p *parser) parseNumber() (*expr, error) {
	start := p.pos
	if p.peek() == '-' {
		p.pos++
	}
	for p.pos < len(p.s) && (p.s[p.pos] >= '0' && p.s[p.pos] <= '9' || p.s[p.pos] == '.') {
		p.pos++
	}
	v, err := strconv.ParseFloat(p.s[start:p.pos], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number literal %q: %w", p.s[start:p.pos], err)
	}
	return &expr{kind: exprNumber, num: v}, nil
}

func (p *parser) parseIdentOrCall() (*expr, error) {
	start := p.pos
	for p.pos < len(p.s) && isIdentPart(p.s[p.pos]) {
		p.pos++
	}
	name := p.s[start:p.pos]

	p.skipSpace()
	if p.peek() != '(' {
		return &expr{kind: exprPath, path: name}, nil
	}
	p.pos++ // consume '('
	var args []*expr
	p.skipSpace()
	if p.peek() != ')' {
		for {
			a, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, a)
			p.skipSpace()
			if p.peek() == ',' {
				p.pos++
				continue
			}
			break
		}
	}
	p.skipSpace()
	if p.peek() != ')' {
		return nil, fmt.Errorf("expected ')' in call to %q", name)
	}
	p.pos++
	return &expr{kind: exprCall, name: name, args: args}, nil
}
