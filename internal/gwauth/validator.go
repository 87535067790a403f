// Package gwauth validates bearer tokens against a JWKS with
// force-refresh-on-kid-miss semantics, and extracts the tenant claim
// required for every authenticated request.
package gwauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// Error is the single authentication-error kind the validator fails with;
// callers map it to 401.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func authErrorf(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Config describes how to validate tokens: where to source the JWKS, and
// which claims to check.
type Config struct {
	Issuer     string
	Audience   string
	Algorithms []string

	// Exactly one of JWKSJSON/JWKSURI should be set; inline JSON wins when
	// both are (spec.md §6).
	JWKSJSON string
	JWKSURI  string

	HTTPClient *http.Client
}

// Claims is the decoded JWT payload as a generic map, plus convenience
// accessors for the handful of well-known fields the gateway reads.
type Claims map[string]any

// Subject returns the "sub" claim, or "" if absent or non-string.
func (c Claims) Subject() string {
	s, _ := c["sub"].(string)
	return s
}

// Tenant extracts and trims the configured tenant claim, failing if it is
// absent, non-string, or blank after trimming (spec.md §3).
func (c Claims) Tenant(tenantClaim string) (string, error) {
	raw, ok := c[tenantClaim]
	if !ok {
		return "", authErrorf("missing tenant claim %q", tenantClaim)
	}
	s, ok := raw.(string)
	if !ok {
		return "", authErrorf("missing tenant claim %q", tenantClaim)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", authErrorf("missing tenant claim %q", tenantClaim)
	}
	return s, nil
}

// Validator validates bearer tokens against a JWKS, refreshing the cache
// exactly once per validation call when the token's kid is not present.
type Validator struct {
	cfg      Config
	client   *http.Client
	keySet   atomic.Pointer[jose.JSONWebKeySet]
	loaded   atomic.Bool
	allowAlg map[string]struct{}
}

// NewValidator constructs a Validator. If cfg.JWKSJSON is set it is parsed
// eagerly so configuration errors surface at startup rather than on the
// first request.
func NewValidator(cfg Config) (*Validator, error) {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = []string{"RS256"}
	}
	allow := make(map[string]struct{}, len(algs))
	for _, a := range algs {
		allow[a] = struct{}{}
	}

	v := &Validator{cfg: cfg, client: client, allowAlg: allow}

	if cfg.JWKSJSON != "" {
		var ks jose.JSONWebKeySet
		if err := json.Unmarshal([]byte(cfg.JWKSJSON), &ks); err != nil {
			return nil, fmt.Errorf("gwauth: parsing inline jwks_json: %w", err)
		}
		v.keySet.Store(&ks)
		v.loaded.Store(true)
	} else if cfg.JWKSURI == "" {
		return nil, fmt.Errorf("gwauth: one of jwks_json or jwks_uri is required")
	}

	return v, nil
}

// Validate parses and verifies token against the cached JWKS, refreshing
// the cache exactly once if the token's kid is not found, per spec.md
// §4.1.
func (v *Validator) Validate(ctx context.Context, token string) (Claims, error) {
	parsed, err := jwt.ParseSigned(token, supportedSignatureAlgorithms())
	if err != nil {
		return nil, authErrorf("malformed token: %v", err)
	}
	if len(parsed.Headers) == 0 || parsed.Headers[0].KeyID == "" {
		return nil, authErrorf("token header is missing kid")
	}
	header := parsed.Headers[0]

	if _, allowed := v.allowAlg[header.Algorithm]; !allowed {
		return nil, authErrorf("algorithm %q is not permitted", header.Algorithm)
	}

	ks, err := v.keySetFor(ctx, header.KeyID)
	if err != nil {
		return nil, err
	}

	keys := ks.Key(header.KeyID)
	if len(keys) == 0 {
		return nil, authErrorf("no signing key found for kid %q", header.KeyID)
	}

	var claims jwt.Claims
	var raw map[string]any
	if err := parsed.Claims(keys[0].Key, &claims, &raw); err != nil {
		return nil, authErrorf("signature verification failed: %v", err)
	}

	expected := jwt.Expected{Time: time.Now()}
	if v.cfg.Issuer != "" {
		expected.Issuer = v.cfg.Issuer
	}
	if err := claims.Validate(expected); err != nil {
		return nil, authErrorf("token validation failed: %v", err)
	}

	if v.cfg.Audience != "" && !containsAudience(claims.Audience, v.cfg.Audience) {
		return nil, authErrorf("token audience does not include %q", v.cfg.Audience)
	}

	return Claims(raw), nil
}

func containsAudience(aud jwt.Audience, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

// keySetFor returns the cached JWKS, force-refreshing exactly once if kid
// is not present in the current snapshot.
func (v *Validator) keySetFor(ctx context.Context, kid string) (*jose.JSONWebKeySet, error) {
	ks := v.keySet.Load()
	if ks == nil {
		fetched, err := v.fetch(ctx)
		if err != nil {
			return nil, authErrorf("loading JWKS: %v", err)
		}
		v.keySet.Store(fetched)
		v.loaded.Store(true)
		ks = fetched
	}

	if len(ks.Key(kid)) > 0 {
		return ks, nil
	}

	// kid miss: force-refresh exactly once, then give up.
	refreshed, err := v.fetch(ctx)
	if err != nil {
		return nil, authErrorf("refreshing JWKS after kid miss: %v", err)
	}
	v.keySet.Store(refreshed)
	return refreshed, nil
}

func (v *Validator) fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	if v.cfg.JWKSJSON != "" {
		var ks jose.JSONWebKeySet
		if err := json.Unmarshal([]byte(v.cfg.JWKSJSON), &ks); err != nil {
			return nil, err
		}
		return &ks, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURI, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var ks jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&ks); err != nil {
		return nil, err
	}
	return &ks, nil
}

func supportedSignatureAlgorithms() []jose.SignatureAlgorithm {
	return []jose.SignatureAlgorithm{
		jose.RS256, jose.RS384, jose.RS512,
		jose.ES256, jose.ES384, jose.ES512,
		jose.PS256, jose.PS384, jose.PS512,
		jose.HS256, jose.HS384, jose.HS512,
	}
}

// ExtractBearerToken pulls the token out of an "Authorization: Bearer
// <token>" header value. It fails if the header is absent or malformed.
func ExtractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", authErrorf("missing Authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", authErrorf("Authorization header must use the Bearer scheme")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", authErrorf("Authorization header is missing a token")
	}
	return token, nil
}
