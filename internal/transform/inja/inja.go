// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package inja implements IT (spec.md §4.3): the Inja Transformer compiles a
// TransformationConfig once and, per request, runs extractors, renders headers and
// body, and writes dynamic metadata.
package inja

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/envoyproxy/transformation-filters/internal/extractor"
	"github.com/envoyproxy/transformation-filters/internal/filterapi"
	"github.com/envoyproxy/transformation-filters/internal/filtererror"
	"github.com/envoyproxy/transformation-filters/internal/json"
	"github.com/envoyproxy/transformation-filters/internal/template"
	"github.com/envoyproxy/transformation-filters/internal/transform"
)

type headerTmpl struct {
	name string
	tmpl *template.Template
}

type mergeKeyTmpl struct {
	path          string
	overrideEmpty bool
	tmpl          *template.Template
}

type dynMetaTmpl struct {
	namespace   string
	key         string
	tmpl        *template.Template
	parseAsJSON bool
}

// Transformer is one compiled TransformationConfig, immutable and safe for concurrent
// use across worker goroutines once Compile returns (spec.md §4.3 "Concurrency").
type Transformer struct {
	cfg filterapi.TransformationConfig

	extractors []*extractor.Extractor

	headers         []headerTmpl
	headersToAppend []headerTmpl
	headersToRemove []string

	bodyTemplate *template.Template
	mergeKeys    []mergeKeyTmpl
	dynMeta      []dynMetaTmpl

	environ map[string]string
}

// Compile validates cfg and compiles every template it references. Never call from a
// worker goroutine (spec.md §4.3): compilation allocates and is not on the hot path.
func Compile(cfg filterapi.TransformationConfig) (*Transformer, error) {
	if len(cfg.MergeJSONKeys) > 0 && cfg.ParseBody == filterapi.DontParse {
		return nil, filtererror.New(filtererror.KindTemplateParseError,
			"mergeJsonKeys requires parseBody=ParseAsJSON")
	}

	t := &Transformer{cfg: cfg, environ: snapshotEnviron()}

	for _, spec := range cfg.Extractors {
		e, err := extractor.Compile(spec)
		if err != nil {
			return nil, err
		}
		t.extractors = append(t.extractors, e)
	}
	for _, h := range cfg.Headers {
		tmpl, err := template.Parse(h.Text)
		if err != nil {
			return nil, err
		}
		t.headers = append(t.headers, headerTmpl{name: strings.ToLower(h.Name), tmpl: tmpl})
	}
	for _, h := range cfg.HeadersToAppend {
		tmpl, err := template.Parse(h.Text)
		if err != nil {
			return nil, err
		}
		t.headersToAppend = append(t.headersToAppend, headerTmpl{name: strings.ToLower(h.Name), tmpl: tmpl})
	}
	for _, n := range cfg.HeadersToRemove {
		t.headersToRemove = append(t.headersToRemove, strings.ToLower(n))
	}
	if cfg.BodyMode == filterapi.BodyTemplate {
		tmpl, err := template.Parse(cfg.BodyTemplate)
		if err != nil {
			return nil, err
		}
		t.bodyTemplate = tmpl
	}
	for _, m := range cfg.MergeJSONKeys {
		tmpl, err := template.Parse(m.Text)
		if err != nil {
			return nil, err
		}
		t.mergeKeys = append(t.mergeKeys, mergeKeyTmpl{path: m.Path, overrideEmpty: m.OverrideEmpty, tmpl: tmpl})
	}
	for _, d := range cfg.DynamicMetadata {
		tmpl, err := template.Parse(d.Text)
		if err != nil {
			return nil, err
		}
		t.dynMeta = append(t.dynMeta, dynMetaTmpl{namespace: d.Namespace, key: d.Key, tmpl: tmpl, parseAsJSON: d.ParseAsJSON})
	}
	return t, nil
}

func snapshotEnviron() map[string]string {
	m := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// Transform runs the per-request pipeline of spec.md §4.3 against ex, mutating it in
// place.
func (t *Transformer) Transform(l *slog.Logger, ex *transform.Exchange) error {
	var bodyJSON interface{}
	if t.cfg.ParseBody == filterapi.ParseAsJSON && len(ex.Body) > 0 {
		var v interface{}
		if err := json.Unmarshal(ex.Body, &v); err != nil {
			if !t.cfg.IgnoreParseError {
				return filtererror.Wrap(filtererror.KindJSONParseError, "parsing body as json", err)
			}
			if l != nil {
				l.Debug("ignoring body json parse error", slog.String("err", err.Error()))
			}
		} else {
			bodyJSON = v
		}
	}

	extractions, destructive := t.runExtractors(l, ex, &bodyJSON)

	ctx := &template.Context{
		HeaderMap:              ex.Headers,
		RequestHeaders:         ex.RequestHeaders,
		BodyFn:                 func() string { return string(ex.Body) },
		Extractions:            extractions,
		DestructiveExtractions: destructive,
		BodyJSON:               bodyJSON,
		Environ:                t.environ,
		ClusterMetadata:        ex.ClusterMetadata,
		DynamicMetadata:        nil,
		HostMetadata:           ex.HostMetadata,
		AdvancedTemplates:      t.cfg.AdvancedTemplates,
		EscapeCharacters:       t.cfg.EscapeCharacters,
	}

	newBody, bodyChanged, err := t.computeBody(ctx, bodyJSON)
	if err != nil {
		return err
	}

	t.writeDynamicMetadata(l, ex, ctx)
	t.writeHeaders(ex, ctx)
	for _, n := range t.headersToRemove {
		ex.RemoveHeader(n)
	}
	t.appendHeaders(ex, ctx)

	if bodyChanged {
		ex.SetBody(newBody)
	}
	return nil
}

// runExtractors executes every configured extractor and, in non-advanced mode, writes
// each result directly into bodyJSON at its dotted path (spec.md §4.3 step 2).
func (t *Transformer) runExtractors(l *slog.Logger, ex *transform.Exchange, bodyJSON *interface{}) (map[string]string, map[string]string) {
	extractions := map[string]string{}
	destructive := map[string]string{}
	bodyStr := string(ex.Body)

	for _, e := range t.extractors {
		if e.Destructive() {
			out, err := e.ExtractDestructive(ex.Headers, bodyStr)
			if err != nil {
				if l != nil {
					l.Warn("extractor failed", slog.String("name", e.Name()), slog.String("err", err.Error()))
				}
				continue
			}
			// Destructive results are owned strings, kept alongside non-destructive
			// ones for extraction() lookups; they do not themselves rewrite the
			// header map or body (that is body/header-template rendering's job).
			destructive[e.Name()] = out
			continue
		}
		v := e.Extract(l, ex.Headers, bodyStr)
		if !t.cfg.AdvancedTemplates {
			setDottedPath(bodyJSON, e.Name(), v)
		} else {
			extractions[e.Name()] = v
		}
	}
	return extractions, destructive
}

// setDottedPath writes value into *root at the dotted path, creating map levels as
// needed (spec.md §4.3 step 2's non-advanced-mode behavior). A non-object root is
// replaced with a fresh object.
func setDottedPath(root *interface{}, path, value string) {
	m, ok := (*root).(map[string]interface{})
	if !ok {
		m = map[string]interface{}{}
		*root = m
	}
	segs := strings.Split(path, ".")
	cur := m
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[seg] = next
		}
		cur = next
	}
}

func (t *Transformer) computeBody(ctx *template.Context, bodyJSON interface{}) ([]byte, bool, error) {
	switch t.cfg.BodyMode {
	case filterapi.BodyNone:
		return nil, false, nil
	case filterapi.BodyPassthrough:
		return nil, false, nil
	case filterapi.BodyTemplate:
		out, err := template.Render(t.bodyTemplate, ctx)
		if err != nil {
			return nil, false, err
		}
		return []byte(out), true, nil
	case filterapi.BodyMergeExtractors:
		b, err := json.Marshal(bodyJSON)
		if err != nil {
			return nil, false, filtererror.Wrap(filtererror.KindJSONParseError, "dumping merged body", err)
		}
		return b, true, nil
	case filterapi.BodyMergeJSONKeys:
		return t.mergeJSONKeysBody(ctx, bodyJSON)
	default:
		return nil, false, fmt.Errorf("unsupported body mode %d", t.cfg.BodyMode)
	}
}

func (t *Transformer) mergeJSONKeysBody(ctx *template.Context, bodyJSON interface{}) ([]byte, bool, error) {
	root, ok := bodyJSON.(map[string]interface{})
	if !ok {
		root = map[string]interface{}{}
	}
	for _, mk := range t.mergeKeys {
		rendered, err := template.Render(mk.tmpl, ctx)
		if err != nil {
			return nil, false, err
		}
		if rendered == "" && !mk.overrideEmpty {
			continue
		}
		var decoded interface{}
		if err := json.Unmarshal([]byte(rendered), &decoded); err != nil {
			decoded = rendered
		}
		setDottedPathValue(root, mk.path, decoded)
	}
	b, err := json.Marshal(root)
	if err != nil {
		return nil, false, filtererror.Wrap(filtererror.KindJSONParseError, "dumping merge-json-keys body", err)
	}
	return b, true, nil
}

func setDottedPathValue(root map[string]interface{}, path string, value interface{}) {
	segs := strings.Split(path, ".")
	cur := root
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[seg] = next
		}
		cur = next
	}
}

func (t *Transformer) writeDynamicMetadata(l *slog.Logger, ex *transform.Exchange, ctx *template.Context) {
	for _, d := range t.dynMeta {
		rendered, err := template.Render(d.tmpl, ctx)
		if err != nil {
			if l != nil {
				l.Warn("dynamic metadata render failed", slog.String("key", d.key), slog.String("err", err.Error()))
			}
			continue
		}
		ns, ok := ex.DynamicMetadata[d.namespace]
		if !ok {
			ns = map[string]interface{}{}
			ex.DynamicMetadata[d.namespace] = ns
		}
		if rendered == "" {
			ns[d.key] = ""
			continue
		}
		if !d.parseAsJSON {
			ns[d.key] = rendered
			continue
		}
		var decoded interface{}
		if err := json.Unmarshal([]byte(rendered), &decoded); err != nil {
			ns[d.key] = rendered
			continue
		}
		ns[d.key] = decoded
	}
}

func (t *Transformer) writeHeaders(ex *transform.Exchange, ctx *template.Context) {
	for _, h := range t.headers {
		rendered, err := template.Render(h.tmpl, ctx)
		if err != nil {
			continue
		}
		if rendered == "" {
			ex.RemoveHeader(h.name)
			continue
		}
		ex.RemoveHeader(h.name)
		ex.SetHeader(h.name, rendered)
	}
}

func (t *Transformer) appendHeaders(ex *transform.Exchange, ctx *template.Context) {
	for _, h := range t.headersToAppend {
		rendered, err := template.Render(h.tmpl, ctx)
		if err != nil || rendered == "" {
			continue
		}
		ex.AppendHeader(h.name, rendered)
	}
}
