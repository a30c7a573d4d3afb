package main

import (
	"fmt"
	"strings"
	"time"

	"marketplace/pkg/auth"
	"marketplace/pkg/hardening"
	"marketplace/pkg/idempotency"
	"marketplace/pkg/store"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	storeRedis  = "redis"
	storeMemory = "memory"
)

type serveConfig struct {
	Listen      string
	Environment string
	Strict      bool

	Store            string
	AllowMemoryStore bool
	Redis            store.RedisOptions
	Postgres         store.PostgresOptions

	KafkaBrokers []string
	KafkaTopic   string

	RoutesFile  string
	Idempotency idempotency.Config

	AuthMode     string
	AuthSecret   string
	AuthIssuer   string
	AuthAudience string

	CORSAllowedOrigins string

	AuditRedact   bool
	AuditHashSalt string

	RateLimit       int
	RateLimitWindow time.Duration

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

func registerServeFlags(flags *pflag.FlagSet) {
	def := idempotency.DefaultConfig()
	flags.String("listen", ":8080", "HTTP listen address")
	flags.String("environment", "", "deployment environment (production-like values enable hardening checks)")
	flags.Bool("strict-prod-security", true, "enforce production hardening checks in production-like environments")

	flags.String("store", storeRedis, "reservation store backend: redis or memory")
	flags.Bool("allow-memory-store", false, "fall back to the single-process memory store when redis is unreachable")
	flags.String("redis-addr", "localhost:6379", "redis address")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-db", 0, "redis database")
	flags.Bool("redis-tls", false, "connect to redis over TLS")
	flags.Bool("redis-require-tls", false, "refuse to start unless redis TLS is enabled")
	flags.Bool("redis-tls-insecure", false, "skip redis certificate verification")
	flags.Bool("redis-allow-insecure-tls", false, "permit redis-tls-insecure")
	flags.String("redis-tls-server-name", "", "expected redis TLS server name")
	flags.String("redis-ca-file", "", "PEM CA bundle for redis")
	flags.String("redis-cert-file", "", "PEM client certificate for redis")
	flags.String("redis-key-file", "", "PEM client key for redis")

	flags.String("postgres-dsn", "", "postgres DSN for the orders repository (memory when empty)")
	flags.Bool("postgres-require-tls", false, "require sslmode=verify-full on the postgres DSN")
	flags.Int32("postgres-max-conns", 10, "postgres pool size")

	flags.StringSlice("kafka-brokers", nil, "kafka brokers for order events (disabled when empty)")
	flags.String("kafka-topic", "marketplace.orders", "kafka topic for order events")

	flags.Bool("idempotency-enabled", def.Enabled, "enable the idempotency middleware")
	flags.Duration("pending-ttl", def.PendingTTL, "lifetime of an in-progress reservation")
	flags.Duration("response-ttl", def.ResponseTTL, "lifetime of a recorded response")
	flags.Duration("store-timeout", def.StoreTimeout, "timeout for each reservation store call")
	flags.String("key-header", def.KeyHeader, "idempotency key header")
	flags.String("key-prefix", def.KeyPrefix, "reservation key prefix")
	flags.String("max-request-bytes", humanizeBytes(def.MaxRequestBytes), "largest request body fingerprinted (e.g. 1MiB)")
	flags.String("max-response-bytes", humanizeBytes(def.MaxResponseBytes), "largest response body recorded (e.g. 1MiB)")
	flags.Int("max-key-length", def.MaxKeyLength, "longest accepted idempotency key")

	flags.String("auth-mode", auth.ModeHeader, "actor resolution: off, header or oidc_hs256")
	flags.String("auth-secret", "", "HS256 secret for oidc_hs256")
	flags.String("auth-issuer", "", "expected token issuer")
	flags.String("auth-audience", "", "expected token audience")
	flags.String("cors-allowed-origins", "", "comma-separated CORS origins")
	flags.Bool("audit-redact", true, "store identifying audit fields as salted hashes")
	flags.String("audit-hash-salt", "", "salt for audit trail hashes")
	flags.Int("rate-limit", 0, "mutating requests per actor per window (0 disables)")
	flags.Duration("rate-limit-window", time.Minute, "rate limit window")

	flags.Duration("read-header-timeout", 5*time.Second, "HTTP read header timeout")
	flags.Duration("read-timeout", 15*time.Second, "HTTP read timeout")
	flags.Duration("write-timeout", 30*time.Second, "HTTP write timeout")
	flags.Duration("idle-timeout", 120*time.Second, "HTTP idle timeout")
	flags.Duration("shutdown-timeout", 15*time.Second, "graceful shutdown timeout")
}

func loadServeConfig(v *viper.Viper) (serveConfig, error) {
	cfg := serveConfig{
		Listen:           v.GetString("listen"),
		Environment:      v.GetString("environment"),
		Strict:           v.GetBool("strict-prod-security"),
		Store:            strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		AllowMemoryStore: v.GetBool("allow-memory-store"),
		Redis: store.RedisOptions{
			Addr:             v.GetString("redis-addr"),
			Password:         v.GetString("redis-password"),
			DB:               v.GetInt("redis-db"),
			TLS:              v.GetBool("redis-tls"),
			RequireTLS:       v.GetBool("redis-require-tls"),
			TLSInsecure:      v.GetBool("redis-tls-insecure"),
			AllowInsecureTLS: v.GetBool("redis-allow-insecure-tls"),
			TLSServerName:    v.GetString("redis-tls-server-name"),
			TLSCAFile:        v.GetString("redis-ca-file"),
			TLSCertFile:      v.GetString("redis-cert-file"),
			TLSKeyFile:       v.GetString("redis-key-file"),
		},
		Postgres: store.PostgresOptions{
			DSN:        v.GetString("postgres-dsn"),
			RequireTLS: v.GetBool("postgres-require-tls"),
			MaxConns:   v.GetInt32("postgres-max-conns"),
		},
		KafkaBrokers:       v.GetStringSlice("kafka-brokers"),
		KafkaTopic:         v.GetString("kafka-topic"),
		RoutesFile:         v.GetString("routes-file"),
		AuthMode:           strings.ToLower(strings.TrimSpace(v.GetString("auth-mode"))),
		AuthSecret:         v.GetString("auth-secret"),
		AuthIssuer:         v.GetString("auth-issuer"),
		AuthAudience:       v.GetString("auth-audience"),
		CORSAllowedOrigins: v.GetString("cors-allowed-origins"),
		AuditRedact:        v.GetBool("audit-redact"),
		AuditHashSalt:      v.GetString("audit-hash-salt"),
		RateLimit:          v.GetInt("rate-limit"),
		RateLimitWindow:    v.GetDuration("rate-limit-window"),
		ReadHeaderTimeout:  v.GetDuration("read-header-timeout"),
		ReadTimeout:        v.GetDuration("read-timeout"),
		WriteTimeout:       v.GetDuration("write-timeout"),
		IdleTimeout:        v.GetDuration("idle-timeout"),
		ShutdownTimeout:    v.GetDuration("shutdown-timeout"),
	}
	switch cfg.Store {
	case storeRedis, storeMemory:
	default:
		return serveConfig{}, fmt.Errorf("unsupported store %q (want redis or memory)", cfg.Store)
	}
	if !auth.ValidMode(cfg.AuthMode) {
		return serveConfig{}, fmt.Errorf("unsupported auth-mode %q", cfg.AuthMode)
	}
	if cfg.RateLimit < 0 {
		return serveConfig{}, fmt.Errorf("rate-limit must be >= 0")
	}
	if cfg.RateLimit > 0 && cfg.RateLimitWindow <= 0 {
		return serveConfig{}, fmt.Errorf("rate-limit-window must be > 0")
	}

	idem := idempotency.Config{
		Enabled:       v.GetBool("idempotency-enabled"),
		PendingTTL:    v.GetDuration("pending-ttl"),
		ResponseTTL:   v.GetDuration("response-ttl"),
		StoreTimeout:  v.GetDuration("store-timeout"),
		KeyHeader:     v.GetString("key-header"),
		KeyPrefix:     v.GetString("key-prefix"),
		ActorHeader:   auth.DefaultSubjectHeader,
		ContextPrefix: v.GetString("context-prefix"),
		MaxKeyLength:  v.GetInt("max-key-length"),
	}
	var err error
	if idem.MaxRequestBytes, err = parseBytes(v, "max-request-bytes"); err != nil {
		return serveConfig{}, err
	}
	if idem.MaxResponseBytes, err = parseBytes(v, "max-response-bytes"); err != nil {
		return serveConfig{}, err
	}
	if err := idem.Validate(); err != nil {
		return serveConfig{}, err
	}
	cfg.Idempotency = idem

	if err := hardening.ValidateProduction(cfg.hardeningOptions()); err != nil {
		return serveConfig{}, err
	}
	return cfg, nil
}

func (c serveConfig) hardeningOptions() hardening.Options {
	return hardening.Options{
		Service:            "marketplace",
		Environment:        c.Environment,
		Strict:             c.Strict,
		IdempotencyEnabled: c.Idempotency.Enabled,
		StoreBackend:       c.Store,
		AllowMemoryStore:   c.AllowMemoryStore,
		RedisRequireTLS:    c.Redis.RequireTLS,
		RedisTLSInsecure:   c.Redis.TLSInsecure,
		PostgresDSN:        c.Postgres.DSN,
		PostgresRequireTLS: c.Postgres.RequireTLS,
		AuditRedact:        c.AuditRedact,
		AuthMode:           c.AuthMode,
		AuthSecret:         c.AuthSecret,
		CORSAllowedOrigins: c.CORSAllowedOrigins,
	}
}

func parseBytes(v *viper.Viper, key string) (int64, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return int64(size), nil
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}
