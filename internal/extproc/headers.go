// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package extproc

import (
	"strings"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	structpb "google.golang.org/protobuf/types/known/structpb"

	"github.com/envoyproxy/transformation-filters/internal/transform"
)

// headerValueString returns a corev3.HeaderValue's text whether it arrived as Value or
// RawValue (Envoy sends RawValue for binary-safe transport).
func headerValueString(hv *corev3.HeaderValue) string {
	if hv == nil {
		return ""
	}
	if len(hv.RawValue) > 0 {
		return string(hv.RawValue)
	}
	return hv.Value
}

// loadHeaders populates an Exchange's header maps from an incoming Envoy HeaderMap,
// lower-casing names per spec.md's "LowerName" convention and preserving arrival order
// plus duplicate values for templates that need multi-value headers.
func loadHeaders(ex *transform.Exchange, hm *corev3.HeaderMap) {
	if hm == nil {
		return
	}
	for _, hv := range hm.Headers {
		name := strings.ToLower(hv.Key)
		value := headerValueString(hv)
		ex.MultiHeaders[name] = append(ex.MultiHeaders[name], value)
		if _, ok := ex.Headers[name]; !ok {
			ex.HeaderOrder = append(ex.HeaderOrder, name)
		}
		ex.Headers[name] = value
	}
	ex.Method = ex.Headers[":method"]
	ex.RequestHeaders = ex.Headers
	if p := ex.Headers[":path"]; p != "" {
		if idx := strings.IndexByte(p, '?'); idx >= 0 {
			ex.Path = p[:idx]
			ex.QueryString = p[idx+1:]
		} else {
			ex.Path = p
		}
	}
}

// rebuildPath folds ex.Path/ex.QueryString back into the :path pseudo-header before a
// mutation is emitted; AIT/Lambda rewrite Path directly and never touch :path.
func rebuildPath(ex *transform.Exchange) {
	p := ex.Path
	if ex.QueryString != "" {
		p += "?" + ex.QueryString
	}
	if p != "" {
		ex.SetHeader(":path", p)
	}
}

// headerMutation diffs ex's current header state against baseline (the headers Envoy
// last saw) and builds the HeaderMutation Envoy needs to reach that state: removals for
// names dropped, sets for anything added or changed.
func headerMutation(ex *transform.Exchange, baseline map[string]string) *extprocv3.HeaderMutation {
	hm := &extprocv3.HeaderMutation{}
	seen := make(map[string]bool, len(ex.Headers))
	for _, name := range ex.HeaderOrder {
		seen[name] = true
		value, ok := ex.Headers[name]
		if !ok {
			continue
		}
		if old, existed := baseline[name]; existed && old == value {
			continue
		}
		hm.SetHeaders = append(hm.SetHeaders, &corev3.HeaderValueOption{
			Header:       &corev3.HeaderValue{Key: name, RawValue: []byte(value)},
			AppendAction: corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD,
		})
	}
	for name := range baseline {
		if !seen[name] {
			hm.RemoveHeaders = append(hm.RemoveHeaders, name)
		}
	}
	if len(hm.SetHeaders) == 0 && len(hm.RemoveHeaders) == 0 {
		return nil
	}
	return hm
}

// snapshotHeaders copies the single-value header map so later mutation-diffing has a
// stable baseline to compare against.
func snapshotHeaders(ex *transform.Exchange) map[string]string {
	cp := make(map[string]string, len(ex.Headers))
	for k, v := range ex.Headers {
		cp[k] = v
	}
	return cp
}

// dynamicMetadataStruct projects Exchange.DynamicMetadata (namespace -> key -> value)
// into the structpb.Struct ext_proc's ProcessingResponse.DynamicMetadata expects. Returns
// nil when nothing was written so FD doesn't emit an empty metadata block.
func dynamicMetadataStruct(ex *transform.Exchange) *structpb.Struct {
	if len(ex.DynamicMetadata) == 0 {
		return nil
	}
	outer := make(map[string]interface{}, len(ex.DynamicMetadata))
	for ns, kv := range ex.DynamicMetadata {
		inner := make(map[string]interface{}, len(kv))
		for k, v := range kv {
			inner[k] = v
		}
		outer[ns] = inner
	}
	st, err := structpb.NewStruct(outer)
	if err != nil {
		return nil
	}
	return st
}
