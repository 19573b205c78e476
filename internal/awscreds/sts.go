// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package awscreds

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/envoyproxy/transformation-filters/internal/awssig"
	"github.com/envoyproxy/transformation-filters/internal/filtererror"
)

const (
	stsEndpoint        = "https://sts.amazonaws.com/"
	stsChainingRegion  = "us-east-1" // StsChainedFetcher always signs AssumeRole in us-east-1 (SPEC_FULL.md §4).
	refreshGracePeriod = 5 * time.Minute
	defaultExpiryFallback = 10 * time.Minute
)

var (
	accessKeyIDRe     = regexp.MustCompile(`<AccessKeyId>(.*?)</AccessKeyId>`)
	secretAccessKeyRe = regexp.MustCompile(`<SecretAccessKey>(.*?)</SecretAccessKey>`)
	sessionTokenRe    = regexp.MustCompile(`<SessionToken>(.*?)</SessionToken>`)
	expirationRe      = regexp.MustCompile(`<Expiration>(.*?)</Expiration>`)
)

// roleWaiter is one caller blocked on a role's in-flight STS lookup.
type roleWaiter struct {
	done chan struct{}
	res  Credentials
	err  error
}

// rolePool is the per-role connection pool of spec.md §4.9: at most one in-flight
// AssumeRole(WithWebIdentity) call per role, with every concurrent caller attached as a
// waiter on it.
type rolePool struct {
	mu      sync.Mutex
	cached  Credentials
	waiters []*roleWaiter
	inFlight bool
}

// STSResolver implements the STS branch of CRED's resolution order (spec.md §4.9 step
// 3), including role chaining through a default, web-identity-derived role.
type STSResolver struct {
	logger *slog.Logger

	defaultRoleARN string
	httpClient     *http.Client
	// endpoint defaults to stsEndpoint; overridable in tests.
	endpoint string

	tokenMu sync.RWMutex
	token   string

	poolsMu sync.Mutex
	pools   map[string]*rolePool

	rotated uint64
	failed  uint64
	mu      sync.Mutex
}

// NewSTSResolver reads the web-identity token file once (spec.md §4.9: "require the
// token file to exist and be non-empty") and returns a resolver for roleARN (the
// "default", env-supplied role).
func NewSTSResolver(logger *slog.Logger, defaultRoleARN, tokenFilePath string) (*STSResolver, error) {
	token, err := readTokenFile(tokenFilePath)
	if err != nil {
		return nil, err
	}
	return &STSResolver{
		logger:         logger,
		defaultRoleARN: defaultRoleARN,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		endpoint:       stsEndpoint,
		token:          token,
		pools:          map[string]*rolePool{},
	}, nil
}

// NewSTSResolverForTest builds a resolver bypassing the token-file requirement, for
// unit tests that need to inject both a fake token and a fake STS endpoint.
func NewSTSResolverForTest(logger *slog.Logger, defaultRoleARN, token, endpoint string) *STSResolver {
	return &STSResolver{
		logger:         logger,
		defaultRoleARN: defaultRoleARN,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		endpoint:       endpoint,
		token:          token,
		pools:          map[string]*rolePool{},
	}
}

func readTokenFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading web identity token file: %w", err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", fmt.Errorf("web identity token file %q is empty", path)
	}
	return token, nil
}

// SetToken replaces the in-memory web-identity token, called by the fsnotify watcher
// on file change (spec.md §4.9: "watch the token file for modification").
func (s *STSResolver) SetToken(token string) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	s.token = token
}

func (s *STSResolver) currentToken() string {
	s.tokenMu.RLock()
	defer s.tokenMu.RUnlock()
	return s.token
}

// Resolve fetches (or returns cached) credentials for roleARN, defaulting to the
// resolver's default role when roleARN is empty (spec.md §4.9: "inline override >
// default").
func (s *STSResolver) Resolve(ctx context.Context, roleARN string) (Credentials, error) {
	if roleARN == "" {
		roleARN = s.defaultRoleARN
	}

	pool := s.poolFor(roleARN)

	pool.mu.Lock()
	if pool.cached.freshEnough(time.Now(), refreshGracePeriod) {
		creds := pool.cached
		pool.mu.Unlock()
		return creds, nil
	}
	if pool.inFlight {
		w := &roleWaiter{done: make(chan struct{})}
		pool.waiters = append(pool.waiters, w)
		pool.mu.Unlock()
		return waitFor(ctx, w)
	}
	pool.inFlight = true
	pool.mu.Unlock()

	var creds Credentials
	var err error
	if roleARN == s.defaultRoleARN {
		creds, err = s.assumeRoleWithWebIdentity(ctx, roleARN)
	} else {
		creds, err = s.assumeChainedRole(ctx, roleARN)
	}

	s.settle(pool, creds, err)
	if err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

func waitFor(ctx context.Context, w *roleWaiter) (Credentials, error) {
	select {
	case <-w.done:
		return w.res, w.err
	case <-ctx.Done():
		return Credentials{}, filtererror.New(filtererror.KindContextCancelled, "sts lookup cancelled")
	}
}

func (s *STSResolver) poolFor(roleARN string) *rolePool {
	s.poolsMu.Lock()
	defer s.poolsMu.Unlock()
	p, ok := s.pools[roleARN]
	if !ok {
		p = &rolePool{}
		s.pools[roleARN] = p
	}
	return p
}

// settle distributes a completed fetch to every waiter queued on pool, then clears the
// waiter list (spec.md §4.9 step 7).
func (s *STSResolver) settle(pool *rolePool, creds Credentials, err error) {
	pool.mu.Lock()
	if err == nil {
		pool.cached = creds
	}
	pool.inFlight = false
	waiters := pool.waiters
	pool.waiters = nil
	pool.mu.Unlock()

	for _, w := range waiters {
		w.res, w.err = creds, err
		close(w.done)
	}
}

func (s *STSResolver) assumeRoleWithWebIdentity(ctx context.Context, roleARN string) (Credentials, error) {
	form := url.Values{
		"Action":           {"AssumeRoleWithWebIdentity"},
		"Version":          {"2011-06-15"},
		"RoleArn":          {roleARN},
		"RoleSessionName":  {"envoy-transformation-filters"},
		"WebIdentityToken": {s.currentToken()},
	}
	return s.doSTSCall(ctx, form)
}

// assumeChainedRole requires fresh default-role credentials, then uses them to sign an
// AssumeRole call for the target role (spec.md §4.9 step 4).
func (s *STSResolver) assumeChainedRole(ctx context.Context, roleARN string) (Credentials, error) {
	defaultCreds, err := s.Resolve(ctx, s.defaultRoleARN)
	if err != nil {
		return Credentials{}, err
	}

	form := url.Values{
		"Action":          {"AssumeRole"},
		"Version":         {"2011-06-15"},
		"RoleArn":         {roleARN},
		"RoleSessionName": {"envoy-transformation-filters-chained"},
	}
	return s.doSignedSTSCall(ctx, form, defaultCreds)
}

func (s *STSResolver) doSTSCall(ctx context.Context, form url.Values) (Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Credentials{}, filtererror.Wrap(filtererror.KindNetwork, "building sts request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.send(req)
}

// doSignedSTSCall signs the AssumeRole request with the default role's credentials via
// SIG, the same signer used for outbound Lambda calls (spec.md §4.9 step 4).
func (s *STSResolver) doSignedSTSCall(ctx context.Context, form url.Values, signWith Credentials) (Credentials, error) {
	body := form.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(body))
	if err != nil {
		return Credentials{}, filtererror.Wrap(filtererror.KindNetwork, "building chained sts request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Host = "sts.amazonaws.com"

	signer := &awssig.Signer{Region: stsChainingRegion, Service: "sts", SignedHeaders: []string{"content-type", "host"}}
	hasher := awssig.NewHasher()
	hasher.Update([]byte(body))
	auth, extra := signer.Sign(awssig.Request{
		Method:      http.MethodPost,
		Path:        "/",
		Headers:     map[string]string{"content-type": "application/x-www-form-urlencoded", "host": "sts.amazonaws.com"},
		PayloadHash: hasher.Finalize(),
	}, signWith.Credentials, time.Now())
	req.Header.Set("Authorization", auth)
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	return s.send(req)
}

func (s *STSResolver) send(req *http.Request) (Credentials, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.countFailure()
		return Credentials{}, filtererror.Wrap(filtererror.KindNetwork, "sts request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.countFailure()
		return Credentials{}, filtererror.Wrap(filtererror.KindNetwork, "reading sts response", err)
	}

	if resp.StatusCode != http.StatusOK {
		s.countFailure()
		return Credentials{}, classifyHTTPFailure(resp.StatusCode, body)
	}

	creds, err := parseSTSResponse(string(body))
	if err != nil {
		s.countFailure()
		return Credentials{}, err
	}
	s.countRotation()
	return creds, nil
}

// classifyHTTPFailure maps an STS HTTP failure to the Kind taxonomy of spec.md §4.9
// step 6.
func classifyHTTPFailure(status int, body []byte) error {
	text := string(body)
	switch {
	case status == http.StatusServiceUnavailable:
		return filtererror.New(filtererror.KindNetwork, "sts returned 503")
	case status >= 400 && status < 500 && strings.Contains(text, "ExpiredTokenException"):
		return filtererror.New(filtererror.KindExpiredToken, "web identity token expired")
	case status >= 400 && status < 500 && (strings.Contains(text, "SignatureDoesNotMatch") || strings.Contains(text, "is not a valid region")):
		return filtererror.New(filtererror.KindCredentialScopeMismatch, "sts signature/region mismatch")
	default:
		return filtererror.New(filtererror.KindNetwork, fmt.Sprintf("sts request failed with status %d", status))
	}
}

// parseSTSResponse extracts the four credential fields from the raw XML response via
// regex, the format spec.md §4.9 step 5 mandates instead of a typed SDK decode.
func parseSTSResponse(body string) (Credentials, error) {
	ak := firstSubmatch(accessKeyIDRe, body)
	sk := firstSubmatch(secretAccessKeyRe, body)
	tok := firstSubmatch(sessionTokenRe, body)
	exp := firstSubmatch(expirationRe, body)

	if ak == "" || sk == "" || tok == "" || exp == "" {
		return Credentials{}, filtererror.New(filtererror.KindInvalidSts, "sts response missing a required field")
	}

	expiration, err := time.Parse(time.RFC3339, exp)
	if err != nil {
		expiration = time.Now().Add(defaultExpiryFallback)
	}

	return Credentials{
		Credentials: awssig.Credentials{AccessKeyID: ak, SecretAccessKey: sk, SessionToken: tok},
		Expiration:  expiration,
	}, nil
}

func firstSubmatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func (s *STSResolver) countRotation() {
	s.mu.Lock()
	s.rotated++
	s.mu.Unlock()
}

func (s *STSResolver) countFailure() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

// RotatedCount reports how many STS fetches succeeded and FailedCount how many failed.
// Nothing in this package reports them to filtermetrics.
func (s *STSResolver) RotatedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotated
}

func (s *STSResolver) FailedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}
