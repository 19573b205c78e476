// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package ai implements AIT (spec.md §4.5): provider-aware header/path rewriting,
// bearer-token pass-through, and prompt-enrichment/field-default body edits for the
// supported upstream LLM schemas.
package ai

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/envoyproxy/transformation-filters/internal/filterapi"
	"github.com/envoyproxy/transformation-filters/internal/json"
	"github.com/envoyproxy/transformation-filters/internal/transform"
)

var platformAPIPattern = regexp.MustCompile(`.*(/v[0-9]+[a-z]*)(/(audio|embeddings|fine_tuning|batches|files|uploads|images|models|moderations).*)`)

// Transformer is one compiled AITransformationConfig.
type Transformer struct {
	cfg filterapi.AITransformationConfig
}

// Compile returns a Transformer for cfg. AIT has no templates to precompile; it carries
// the config forward for the per-request Transform call.
func Compile(cfg filterapi.AITransformationConfig) (*Transformer, error) {
	return &Transformer{cfg: cfg}, nil
}

// Transform rewrites ex's path, headers and body for meta.Provider (spec.md §4.5). Only
// valid on the request path; AIT is request-only by design (there is no response-side
// counterpart in the spec).
func (t *Transformer) Transform(l *slog.Logger, ex *transform.Exchange, meta filterapi.EndpointMetadata) {
	bypass := t.rewritePathAndAuth(ex, meta)
	if bypass {
		return
	}
	if len(ex.Body) == 0 {
		return
	}

	var body map[string]interface{}
	if err := json.Unmarshal(ex.Body, &body); err != nil {
		if l != nil {
			l.Info("ai transformer: body is not a json object, passing through", slog.String("err", err.Error()))
		}
		return
	}

	t.applyModel(body, meta)
	t.applyFieldDefaults(body)
	t.applyPromptEnrichment(body, meta.Provider)
	t.applyStreaming(body, meta.Provider)

	out, err := json.Marshal(body)
	if err != nil {
		return
	}
	ex.SetBody(out)
}

// rewritePathAndAuth performs the header+path rewrite table of spec.md §4.5 and returns
// true when the request entered OpenAI platform-API "bypass mode".
func (t *Transformer) rewritePathAndAuth(ex *transform.Exchange, meta filterapi.EndpointMetadata) bool {
	token := meta.AuthToken
	if token == "" {
		token = bearerFromAuthorization(ex.Headers["authorization"])
	}

	switch meta.Provider {
	case filterapi.ProviderAzure:
		ex.Path = strings.ReplaceAll(meta.Path, "{{model}}", meta.Model)
		setAuthIfAbsent(ex, "api-key", token)
		return false
	case filterapi.ProviderGemini:
		ex.Path = geminiPath(meta, t.cfg.EnableChatStreaming)
		setAuthIfAbsent(ex, "x-goog-api-key", token)
		return false
	case filterapi.ProviderVertexAI:
		if meta.ModelPath != "" {
			ex.Path = meta.BasePath + meta.ModelPath
		} else {
			ex.Path = geminiPath(meta, t.cfg.EnableChatStreaming)
		}
		setAuthIfAbsent(ex, "authorization", "Bearer "+token)
		return false
	case filterapi.ProviderAnthropic:
		path := meta.Path
		if path == "" {
			path = "/v1/chat/completions"
		}
		ex.Path = path
		setAuthIfAbsent(ex, "x-api-key", token)
		if meta.Version != "" {
			setAuthIfAbsent(ex, "anthropic-version", meta.Version)
		}
		return false
	default: // openai and openai-compatible
		if m := platformAPIPattern.FindStringSubmatch(ex.Path); m != nil {
			ex.Path = m[1] + m[2]
			setAuthIfAbsent(ex, "authorization", "Bearer "+token)
			return true
		}
		if meta.Path != "" {
			ex.Path = meta.Path
		}
		setAuthIfAbsent(ex, "authorization", "Bearer "+token)
		return false
	}
}

// geminiPath picks Gemini's generateContent/streamGenerateContent suffix (spec.md
// §4.5's table); unlike OpenAI/Anthropic, Gemini's streaming toggle lives in the path,
// not the body.
func geminiPath(meta filterapi.EndpointMetadata, streaming bool) string {
	if !streaming {
		return meta.BasePath + "generateContent"
	}
	return meta.BasePath + "streamGenerateContent?alt=sse"
}

func bearerFromAuthorization(v string) string {
	const p1, p2 = "Bearer ", "bearer "
	if strings.HasPrefix(v, p1) {
		return v[len(p1):]
	}
	if strings.HasPrefix(v, p2) {
		return v[len(p2):]
	}
	return v
}

func setAuthIfAbsent(ex *transform.Exchange, name, value string) {
	if _, ok := ex.Headers[name]; ok {
		return
	}
	ex.SetHeader(name, value)
}

func (t *Transformer) applyModel(body map[string]interface{}, meta filterapi.EndpointMetadata) {
	if meta.Model == "" {
		return
	}
	switch meta.Provider {
	case filterapi.ProviderAzure, filterapi.ProviderGemini, filterapi.ProviderVertexAI:
		return
	}
	if cur, ok := body["model"]; ok && cur == meta.Model {
		return
	}
	body["model"] = meta.Model
}

func (t *Transformer) applyFieldDefaults(body map[string]interface{}) {
	for _, fd := range t.cfg.FieldDefaults {
		if !fd.Override {
			if _, exists := body[fd.Field]; exists {
				continue
			}
		}
		body[fd.Field] = fd.Value
	}
}

func (t *Transformer) applyPromptEnrichment(body map[string]interface{}, provider filterapi.Provider) {
	pe := t.cfg.PromptEnrichment
	if len(pe.Prepend) == 0 && len(pe.Append) == 0 {
		return
	}
	switch provider {
	case filterapi.ProviderAnthropic:
		enrichAnthropic(body, pe)
	case filterapi.ProviderGemini, filterapi.ProviderVertexAI:
		enrichGemini(body, pe)
	default:
		enrichOpenAI(body, pe)
	}
}

func enrichOpenAI(body map[string]interface{}, pe filterapi.PromptEnrichment) {
	messages, _ := body["messages"].([]interface{})
	offset := 0
	for _, m := range pe.Prepend {
		entry := map[string]interface{}{"role": m.Role, "content": m.Content}
		messages = insertAt(messages, offset, entry)
		offset++
	}
	for _, m := range pe.Append {
		messages = append(messages, map[string]interface{}{"role": m.Role, "content": m.Content})
	}
	body["messages"] = messages
}

func insertAt(s []interface{}, idx int, v interface{}) []interface{} {
	if idx >= len(s) {
		return append(s, v)
	}
	s = append(s, nil)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

func enrichAnthropic(body map[string]interface{}, pe filterapi.PromptEnrichment) {
	messages, _ := body["messages"].([]interface{})
	var systemParts []string
	if existing, ok := body["system"].(string); ok && existing != "" {
		systemParts = append(systemParts, existing)
	}

	offset := 0
	for _, m := range pe.Prepend {
		if m.Role == "system" || m.Role == "developer" {
			systemParts = append(systemParts, m.Content)
			continue
		}
		messages = insertAt(messages, offset, map[string]interface{}{"role": m.Role, "content": m.Content})
		offset++
	}
	for _, m := range pe.Append {
		if m.Role == "system" || m.Role == "developer" {
			systemParts = append(systemParts, m.Content)
			continue
		}
		messages = append(messages, map[string]interface{}{"role": m.Role, "content": m.Content})
	}

	if len(systemParts) > 0 {
		body["system"] = strings.Join(systemParts, "\n")
	}
	body["messages"] = messages
}

func enrichGemini(body map[string]interface{}, pe filterapi.PromptEnrichment) {
	contents, _ := body["contents"].([]interface{})
	offset := 0
	for _, m := range pe.Prepend {
		entry := geminiContent(m)
		contents = insertAt(contents, offset, entry)
		offset++
	}
	for _, m := range pe.Append {
		contents = append(contents, geminiContent(m))
	}
	body["contents"] = contents
}

func geminiContent(m filterapi.PromptMessage) map[string]interface{} {
	return map[string]interface{}{
		"role":  m.Role,
		"parts": []interface{}{map[string]interface{}{"text": m.Content}},
	}
}

func (t *Transformer) applyStreaming(body map[string]interface{}, provider filterapi.Provider) {
	if !t.cfg.EnableChatStreaming {
		return
	}
	switch provider {
	case filterapi.ProviderAnthropic:
		body["stream"] = true
	case filterapi.ProviderOpenAI:
		body["stream"] = true
		opts, _ := body["stream_options"].(map[string]interface{})
		if opts == nil {
			opts = map[string]interface{}{}
		}
		opts["include_usage"] = true
		body["stream_options"] = opts
	}
}
