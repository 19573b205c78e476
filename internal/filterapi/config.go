// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package filterapi holds the configuration surface accepted by the transformation
// and AWS-signing filters. It is the Go projection of the control plane's typed
// extension config, analogous to the upstream envoy-gloo proto messages.
package filterapi

import "fmt"

// BodySource identifies where an extractor reads its input from.
type BodySource int

const (
	// SourceBody extracts from the request/response body.
	SourceBody BodySource = iota
	// SourceHeader extracts from a named header.
	SourceHeader
)

// ExtractionMode controls whether an extraction is read-only or rewrites its source.
type ExtractionMode int

const (
	// ModeExtract reads the match without mutating anything.
	ModeExtract ExtractionMode = iota
	// ModeSingleReplace requires the regex to match the entire source and substitutes the subgroup.
	ModeSingleReplace
	// ModeReplaceAll substitutes every non-empty match of the regex in the source.
	ModeReplaceAll
)

// ExtractionSpec is the configuration for one named extractor (spec.md §3).
type ExtractionSpec struct {
	Name        string         `json:"name"`
	Source      BodySource     `json:"source"`
	HeaderName  string         `json:"headerName,omitempty"`
	Regex       string         `json:"regex"`
	Subgroup    uint32         `json:"subgroup"`
	Mode        ExtractionMode `json:"mode"`
	Replacement *string        `json:"replacement,omitempty"`
}

// Validate rejects construction-time invariant violations per spec.md §3.
func (e *ExtractionSpec) Validate(groupCount int) error {
	if int(e.Subgroup) > groupCount {
		return newConfigError("extractor %q: subgroup %d exceeds regex group count %d", e.Name, e.Subgroup, groupCount)
	}
	switch e.Mode {
	case ModeExtract:
	case ModeSingleReplace:
		if e.Replacement == nil {
			return newConfigError("extractor %q: single_replace requires a replacement", e.Name)
		}
	case ModeReplaceAll:
		if e.Replacement == nil {
			return newConfigError("extractor %q: replace_all requires a replacement", e.Name)
		}
		if e.Subgroup != 0 {
			return newConfigError("extractor %q: replace_all requires subgroup 0", e.Name)
		}
	default:
		return newConfigError("extractor %q: unsupported mode %d", e.Name, e.Mode)
	}
	return nil
}

// BodyParseMode controls whether the Inja transformer parses the body as JSON.
type BodyParseMode int

const (
	// DontParse leaves the body as opaque bytes.
	DontParse BodyParseMode = iota
	// ParseAsJSON parses the body into a JSON document before extraction/rendering.
	ParseAsJSON
)

// BodyOutputMode selects how the Inja transformer computes the new body.
type BodyOutputMode int

const (
	// BodyNone leaves the body untouched.
	BodyNone BodyOutputMode = iota
	// BodyTemplate renders a single template as the new body.
	BodyTemplate
	// BodyMergeExtractors dumps the (possibly extractor-augmented) body JSON as the new body.
	BodyMergeExtractors
	// BodyMergeJSONKeys renders each configured template and assigns it into the body JSON at a path.
	BodyMergeJSONKeys
	// BodyPassthrough forwards the original body unchanged.
	BodyPassthrough
)

// HeaderTemplate is one (lower-cased header name, template text) pair.
type HeaderTemplate struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// MergeJSONKey renders a template and writes it at Path in the body JSON.
type MergeJSONKey struct {
	Path         string `json:"path"`
	OverrideEmpty bool  `json:"overrideEmpty"`
	Text         string `json:"text"`
}

// DynamicMetadataEntry renders a template into a dynamic-metadata namespace/key pair.
type DynamicMetadataEntry struct {
	Namespace   string `json:"namespace"`
	Key         string `json:"key"`
	Text        string `json:"text"`
	ParseAsJSON bool   `json:"parseAsJson"`
}

// TransformationConfig is the Transformation Template Config of spec.md §3.
type TransformationConfig struct {
	AdvancedTemplates  bool                   `json:"advancedTemplates"`
	ParseBody          BodyParseMode          `json:"parseBody"`
	IgnoreParseError   bool                   `json:"ignoreParseError"`
	EscapeCharacters   bool                   `json:"escapeCharacters"`
	Extractors         []ExtractionSpec       `json:"extractors,omitempty"`
	Headers            []HeaderTemplate       `json:"headers,omitempty"`
	HeadersToAppend    []HeaderTemplate       `json:"headersToAppend,omitempty"`
	HeadersToRemove    []string               `json:"headersToRemove,omitempty"`
	DynamicMetadata    []DynamicMetadataEntry `json:"dynamicMetadata,omitempty"`
	BodyMode           BodyOutputMode         `json:"bodyMode"`
	BodyTemplate        string                `json:"bodyTemplate,omitempty"`
	MergeJSONKeys       []MergeJSONKey         `json:"mergeJsonKeys,omitempty"`
	PassthroughBody      bool                  `json:"passthroughBody"`
}

// FieldDefault is one entry of AITransformationConfig.FieldDefaults.
type FieldDefault struct {
	Field    string      `json:"field"`
	Value    interface{} `json:"value"`
	Override bool        `json:"override"`
}

// PromptMessage is a role/content pair injected by prompt enrichment.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PromptEnrichment configures prompts spliced into the conversation before/after the
// client-supplied messages.
type PromptEnrichment struct {
	Prepend []PromptMessage `json:"prepend,omitempty"`
	Append  []PromptMessage `json:"append,omitempty"`
}

// AITransformationConfig is the AI Transformation Config of spec.md §3.
type AITransformationConfig struct {
	EnableChatStreaming bool             `json:"enableChatStreaming"`
	FieldDefaults       []FieldDefault   `json:"fieldDefaults,omitempty"`
	PromptEnrichment    PromptEnrichment `json:"promptEnrichment"`
}

// Provider identifies an upstream LLM provider schema (spec.md §4.5).
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderAzure    Provider = "azure"
	ProviderGemini   Provider = "gemini"
	ProviderVertexAI Provider = "vertexai"
	ProviderAnthropic Provider = "anthropic"
)

// EndpointMetadata is the per-upstream-host data read by AIT at request time.
type EndpointMetadata struct {
	Provider   Provider `json:"provider"`
	Model      string   `json:"model,omitempty"`
	Path       string   `json:"path,omitempty"`
	BasePath   string   `json:"basePath,omitempty"`
	ModelPath  string   `json:"modelPath,omitempty"`
	AuthToken  string   `json:"authToken,omitempty"`
	JSONSchema string   `json:"jsonSchema,omitempty"`
	Version    string   `json:"version,omitempty"`
}

// LambdaRoute is the per-route AWS Lambda invocation metadata (supplemented from
// original_source/.../aws_lambda_filter.h, see SPEC_FULL.md §4).
type LambdaRoute struct {
	Name        string `json:"name"`
	Qualifier   string `json:"qualifier,omitempty"`
	Async       bool   `json:"async"`
	HostRewrite string `json:"hostRewrite,omitempty"`
}

// AWSAuthMode selects how SIG/CRED resolve credentials for a route (spec.md §4.9).
type AWSAuthMode int

const (
	// AWSAuthInline uses credentials embedded directly in the route's protocol options.
	AWSAuthInline AWSAuthMode = iota
	// AWSAuthEnvChain uses the environment-variable credential chain, refreshed on a timer.
	AWSAuthEnvChain
	// AWSAuthSTS uses STS AssumeRoleWithWebIdentity, with optional role chaining.
	AWSAuthSTS
)

// AWSAuth is the per-route AWS signing configuration.
type AWSAuth struct {
	Mode      AWSAuthMode `json:"mode"`
	Region    string      `json:"region"`
	Service   string      `json:"service"`
	RoleARN   string      `json:"roleArn,omitempty"`
	SignedHeaders []string `json:"signedHeaders,omitempty"`

	// Inline credentials, required when Mode == AWSAuthInline.
	InlineAccessKeyID     string `json:"inlineAccessKeyId,omitempty"`
	InlineSecretAccessKey string `json:"inlineSecretAccessKey,omitempty"`
	InlineSessionToken    string `json:"inlineSessionToken,omitempty"`

	Lambda *LambdaRoute `json:"lambda,omitempty"`
}

// TransformationPair bundles the request/response transformer configuration selected
// for a route, plus whether a match should invalidate the downstream route cache.
type TransformationPair struct {
	RequestTransformation  *RouteTransformation `json:"requestTransformation,omitempty"`
	ResponseTransformation *RouteTransformation `json:"responseTransformation,omitempty"`
	OnStreamCompleteTransformation *RouteTransformation `json:"onStreamCompleteTransformation,omitempty"`
	ClearRouteCache bool `json:"clearRouteCache"`
}

// TransformationKind selects which transformer variant a RouteTransformation configures,
// mirroring the Dynamic Dispatch note in spec.md §9.
type TransformationKind int

const (
	KindInja TransformationKind = iota
	KindBodyHeader
	KindAI
	KindAPIGateway
)

// RouteTransformation is one configured transformer instance (request or response side).
type RouteTransformation struct {
	Kind               TransformationKind      `json:"kind"`
	Inja               *TransformationConfig   `json:"inja,omitempty"`
	BodyHeader         *BodyHeaderConfig       `json:"bodyHeader,omitempty"`
	AI                 *AITransformationConfig `json:"ai,omitempty"`
	AddRequestMetadata bool                    `json:"addRequestMetadata"`
}

// BodyHeaderConfig configures the BHT (spec.md §4.4).
type BodyHeaderConfig struct {
	AddRequestMetadata bool `json:"addRequestMetadata"`
}

// BufferLimits bounds how much request (decoder) and response (encoder) body FD
// accumulates before failing with PayloadTooLarge.
type BufferLimits struct {
	DecoderBufferLimit int `json:"decoderBufferLimit"`
	EncoderBufferLimit int `json:"encoderBufferLimit"`
}

// Config is the root filter configuration: one or more routes, each carrying a
// transformation pair and/or AWS auth.
type Config struct {
	Limits BufferLimits           `json:"limits"`
	Routes map[string]*RouteEntry `json:"routes"`
}

// RouteEntry is everything needed to process one matched route.
type RouteEntry struct {
	Transformation *TransformationPair `json:"transformation,omitempty"`
	AWSAuth        *AWSAuth            `json:"awsAuth,omitempty"`
	Endpoint       *EndpointMetadata   `json:"endpoint,omitempty"`
}

// RouteHeaderName is the header the upstream route-matching infrastructure (spec.md's
// "external collaborator" matcher) is expected to set before FD sees RequestHeaders; FD
// looks the value up in Config.Routes to find the TransformationPair/AWSAuth/Endpoint
// for the stream. FD does not remove the header; it stays on the forwarded request.
const RouteHeaderName = "x-transformation-route"

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

func newConfigError(format string, args ...interface{}) error {
	return &configError{msg: fmt.Sprintf(format, args...)}
}
