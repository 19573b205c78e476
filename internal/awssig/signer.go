// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package awssig implements SIG (spec.md §4.8): SigV4 request signing with the
// double-URL-encoded canonical URI that AWS Lambda's invoke endpoint historically
// requires. aws-sdk-go-v2's v4.Signer does not reproduce that quirk, so the canonical
// request is built here by hand instead of delegating to the SDK.
package awssig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"net/url"
	"sort"
	"strings"
	"time"
)

const timeFormat = "20060102T150405Z"
const dateFormat = "20060102"

// Credentials is the minimal signing identity SIG needs; CRED supplies these.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Hasher accumulates the request payload incrementally so FD can feed it one
// decoded-data buffer at a time and finalize just before signing (spec.md §4.8).
type Hasher struct {
	h hash.Hash
}

// NewHasher starts a fresh incremental SHA-256 accumulation.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Update feeds one more chunk of the request body into the running hash.
func (h *Hasher) Update(chunk []byte) { h.h.Write(chunk) }

// Finalize returns the lowercase hex SHA-256 digest of everything written so far.
func (h *Hasher) Finalize() string {
	return hex.EncodeToString(h.h.Sum(nil))
}

// Signer signs one request for a fixed region/service/header allowlist.
type Signer struct {
	Region        string
	Service       string
	SignedHeaders []string
}

// Request is the subset of an HTTP request SIG needs to sign.
type Request struct {
	Method      string
	Path        string
	Query       string // raw query string, no leading '?'
	Headers     map[string]string
	PayloadHash string // hex SHA-256 of the body, from Hasher.Finalize
}

// Sign computes the Authorization header value and the side headers (x-amz-date,
// x-amz-security-token) that must be added to the request, using ts as the signing
// clock so tests can supply a fixed timestamp (spec.md §4.8).
func (s *Signer) Sign(req Request, creds Credentials, ts time.Time) (authorization string, extraHeaders map[string]string) {
	isoTime := ts.UTC().Format(timeFormat)
	date := ts.UTC().Format(dateFormat)

	headers := map[string]string{}
	for k, v := range req.Headers {
		headers[strings.ToLower(k)] = v
	}
	headers["x-amz-date"] = isoTime
	if creds.SessionToken != "" {
		headers["x-amz-security-token"] = creds.SessionToken
	}

	signedNames := s.signedHeaderNames(headers)
	canonicalHeaders, signedHeadersList := canonicalizeHeaders(headers, signedNames)

	canonicalRequest := strings.Join([]string{
		req.Method,
		doubleEncodePath(req.Path),
		canonicalQuery(req.Query),
		canonicalHeaders,
		signedHeadersList,
		req.PayloadHash,
	}, "\n")

	scope := fmt.Sprintf("%s/%s/%s/aws4_request", date, s.Region, s.Service)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		isoTime,
		scope,
		hex.EncodeToString(sha256Sum([]byte(canonicalRequest))),
	}, "\n")

	signingKey := deriveSigningKey(creds.SecretAccessKey, date, s.Region, s.Service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	authorization = fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		creds.AccessKeyID, scope, signedHeadersList, signature)

	extraHeaders = map[string]string{"x-amz-date": isoTime}
	if creds.SessionToken != "" {
		extraHeaders["x-amz-security-token"] = creds.SessionToken
	}
	return authorization, extraHeaders
}

func (s *Signer) signedHeaderNames(headers map[string]string) []string {
	allow := map[string]bool{"x-amz-date": true, "x-amz-security-token": true, "host": true}
	for _, n := range s.SignedHeaders {
		allow[strings.ToLower(n)] = true
	}
	var names []string
	for name := range headers {
		if allow[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// canonicalizeHeaders renders `lowername:trimmed-value\n` per name, alphabetically
// (spec.md §4.8), plus the semicolon-joined SignedHeaders list.
func canonicalizeHeaders(headers map[string]string, names []string) (canonical, signedList string) {
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte(':')
		b.WriteString(strings.TrimSpace(headers[n]))
		b.WriteByte('\n')
	}
	return b.String(), strings.Join(names, ";")
}

// doubleEncodePath applies AWS's historical Lambda quirk: URL-encode the path, then
// URL-encode the result again (spec.md §4.8).
func doubleEncodePath(path string) string {
	if path == "" {
		path = "/"
	}
	return uriEncode(uriEncodePath(path), false)
}

// uriEncodePath percent-encodes a path per SigV4 rules while preserving '/'.
func uriEncodePath(path string) string {
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		segs[i] = uriEncode(seg, false)
	}
	return strings.Join(segs, "/")
}

// uriEncode implements SigV4's RFC 3986 percent-encoding: unreserved characters
// (ALPHA / DIGIT / '-' / '.' / '_' / '~') pass through unescaped; everything else,
// including '/' when encodeSlash is true, is percent-encoded uppercase-hex.
func uriEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) || (c == '/' && !encodeSlash) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}

// canonicalQuery re-encodes and sorts query parameters per SigV4 rules.
func canonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return ""
	}
	var keys []string
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, uriEncode(k, true)+"="+uriEncode(v, true))
		}
	}
	return strings.Join(parts, "&")
}

func deriveSigningKey(secret, date, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func sha256Sum(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}
