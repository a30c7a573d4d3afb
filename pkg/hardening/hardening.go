package hardening

import (
	"fmt"
	"strings"
)

// Options is the subset of service configuration that production checks
// look at.
type Options struct {
	Service     string
	Environment string
	// Strict turns the checks on for production-like environments.
	Strict bool

	IdempotencyEnabled bool
	StoreBackend       string
	AllowMemoryStore   bool

	RedisRequireTLS  bool
	RedisTLSInsecure bool

	PostgresDSN        string
	PostgresRequireTLS bool

	AuditRedact bool

	AuthMode   string
	AuthSecret string

	CORSAllowedOrigins string
}

func ValidateProduction(o Options) error {
	if !IsProductionLikeEnv(o.Environment) || !o.Strict {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if !o.IdempotencyEnabled {
		return fmt.Errorf("%s: strict production hardening requires idempotency.enabled=true", service)
	}
	if !strings.EqualFold(strings.TrimSpace(o.StoreBackend), "redis") {
		return fmt.Errorf("%s: strict production hardening requires the shared redis reservation store, got %q", service, o.StoreBackend)
	}
	if o.AllowMemoryStore {
		return fmt.Errorf("%s: strict production hardening forbids falling back to the in-memory reservation store", service)
	}
	if !o.RedisRequireTLS {
		return fmt.Errorf("%s: strict production hardening requires redis.require_tls=true", service)
	}
	if o.RedisTLSInsecure {
		return fmt.Errorf("%s: strict production hardening forbids redis.tls_insecure", service)
	}
	if strings.TrimSpace(o.PostgresDSN) != "" && !o.PostgresRequireTLS {
		return fmt.Errorf("%s: strict production hardening requires postgres.require_tls=true", service)
	}
	if !o.AuditRedact {
		return fmt.Errorf("%s: strict production hardening requires audit.redact=true", service)
	}
	switch strings.ToLower(strings.TrimSpace(o.AuthMode)) {
	case "", "off":
		// Anonymous callers share one idempotency namespace per route.
		return fmt.Errorf("%s: strict production hardening requires an authenticated auth.mode", service)
	case "oidc_hs256":
		if strings.TrimSpace(o.AuthSecret) == "" {
			return fmt.Errorf("%s: strict production hardening requires auth.secret for oidc_hs256", service)
		}
	}
	return validateCORSOrigins(o.CORSAllowedOrigins, service)
}

func validateCORSOrigins(raw, service string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit cors.allowed_origins", service)
	}
	return nil
}

func IsProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
