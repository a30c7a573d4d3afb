package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"marketplace/pkg/httpx"
)

const (
	ModeOff       = "off"
	ModeHeader    = "header"
	ModeOIDCHS256 = "oidc_hs256"

	DefaultSubjectHeader = "X-User-Sub"
	DefaultTenantHeader  = "X-Tenant-ID"
)

var (
	ErrTokenExpired     = errors.New("token expired")
	ErrSignatureInvalid = errors.New("signature mismatch")
)

// Principal is the authenticated caller. An empty Subject means anonymous.
type Principal struct {
	Subject string
	Roles   []string
	Tenant  string
}

func (p Principal) Anonymous() bool { return strings.TrimSpace(p.Subject) == "" }

type contextKey string

const principalContextKey contextKey = "marketplace.principal"

type MiddlewareConfig struct {
	Secret        string
	Issuer        string
	Audience      string
	SubjectHeader string
	TenantHeader  string
	Now           func() time.Time
}

type MiddlewareOption func(*MiddlewareConfig)

func WithIssuer(issuer string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Issuer = strings.TrimSpace(issuer)
	}
}

func WithAudience(audience string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Audience = strings.TrimSpace(audience)
	}
}

// WithSubjectHeader changes the header trusted in header mode.
func WithSubjectHeader(header string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		if h := strings.TrimSpace(header); h != "" {
			cfg.SubjectHeader = h
		}
	}
}

func WithClock(now func() time.Time) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		if now != nil {
			cfg.Now = now
		}
	}
}

// ValidMode reports whether mode is one Middleware understands.
func ValidMode(mode string) bool {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeOff, ModeHeader, ModeOIDCHS256:
		return true
	}
	return false
}

// Middleware resolves the caller and stores it in the request context.
//
//   - off: every caller is anonymous;
//   - header: the subject is read from a header injected by a trusted gateway;
//   - oidc_hs256: the subject comes from a verified HS256 bearer token.
func Middleware(mode, secret string, options ...MiddlewareOption) (func(http.Handler) http.Handler, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	cfg := MiddlewareConfig{
		Secret:        secret,
		SubjectHeader: DefaultSubjectHeader,
		TenantHeader:  DefaultTenantHeader,
		Now:           time.Now,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	switch mode {
	case "", ModeOff:
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{})))
			})
		}, nil
	case ModeHeader:
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				p := Principal{
					Subject: strings.TrimSpace(r.Header.Get(cfg.SubjectHeader)),
					Tenant:  strings.TrimSpace(r.Header.Get(cfg.TenantHeader)),
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			})
		}, nil
	case ModeOIDCHS256:
		if cfg.Secret == "" {
			return nil, errors.New("auth: oidc_hs256 requires a secret")
		}
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				header := strings.TrimSpace(r.Header.Get("Authorization"))
				if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
					httpx.Error(w, http.StatusUnauthorized, "missing bearer token")
					return
				}
				token := strings.TrimSpace(header[len("Bearer "):])
				claims, err := VerifyHS256Token(token, cfg.Secret, cfg.Now().UTC(), cfg.Issuer, cfg.Audience)
				if err != nil {
					httpx.Error(w, http.StatusUnauthorized, "invalid token")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{
					Subject: claims.Sub,
					Roles:   claims.Roles,
					Tenant:  claims.Tenant,
				})))
			})
		}, nil
	default:
		return nil, fmt.Errorf("auth: unsupported mode %q", mode)
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

// Actor returns the caller's subject, or "" when anonymous. It has the shape
// of idempotency.ActorFunc.
func Actor(r *http.Request) string {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		return ""
	}
	return strings.TrimSpace(p.Subject)
}

type TokenClaims struct {
	Sub    string   `json:"sub"`
	Roles  []string `json:"-"`
	Tenant string   `json:"tenant"`
	Iss    string   `json:"iss,omitempty"`
	Aud    any      `json:"aud,omitempty"`
	Exp    int64    `json:"exp"`
	Nbf    int64    `json:"nbf,omitempty"`
	Iat    int64    `json:"iat,omitempty"`
}

// UnmarshalJSON accepts roles as either a list or a single string.
func (c *TokenClaims) UnmarshalJSON(b []byte) error {
	type plain TokenClaims
	var aux struct {
		plain
		Roles json.RawMessage `json:"roles"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*c = TokenClaims(aux.plain)
	if len(aux.Roles) == 0 {
		return nil
	}
	if err := json.Unmarshal(aux.Roles, &c.Roles); err != nil {
		var single string
		if err2 := json.Unmarshal(aux.Roles, &single); err2 == nil && single != "" {
			c.Roles = []string{single}
		}
	}
	return nil
}

func VerifyHS256Token(token, secret string, now time.Time, issuer, audience string) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return TokenClaims{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return TokenClaims{}, fmt.Errorf("token header: %w", err)
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return TokenClaims{}, fmt.Errorf("token payload: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return TokenClaims{}, fmt.Errorf("token signature: %w", err)
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return TokenClaims{}, err
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return TokenClaims{}, ErrSignatureInvalid
	}
	var claims TokenClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return TokenClaims{}, err
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return TokenClaims{}, ErrTokenExpired
	}
	if claims.Nbf != 0 && now.Unix() < claims.Nbf {
		return TokenClaims{}, errors.New("token not active")
	}
	if claims.Sub == "" {
		return TokenClaims{}, errors.New("subject required")
	}
	if issuer != "" && claims.Iss != issuer {
		return TokenClaims{}, errors.New("issuer mismatch")
	}
	if audience != "" && !audContains(claims.Aud, audience) {
		return TokenClaims{}, errors.New("audience mismatch")
	}
	return claims, nil
}

func audContains(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}
