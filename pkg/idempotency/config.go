package idempotency

import (
	"errors"
	"strings"
	"time"
)

const (
	DefaultKeyHeader    = "Idempotency-Key"
	DefaultActorHeader  = "X-User-Sub"
	DefaultKeyPrefix    = "idem:v1::"
	ReplayHeader        = "X-Idempotent-Replay"
	BypassHeader        = "X-Idempotent-Bypass"
	defaultContentType  = "application/json"
	defaultMaxBodyBytes = 1 << 20
)

// Bypass reasons reported in the BypassHeader.
const (
	BypassRequestTooLarge  = "request-too-large"
	BypassResponseTooLarge = "response-too-large"
	BypassStreaming        = "streaming-response"
)

type Config struct {
	Enabled          bool
	PendingTTL       time.Duration
	ResponseTTL      time.Duration
	KeyHeader        string
	KeyPrefix        string
	ActorHeader      string
	ContextPrefix    string
	MaxRequestBytes  int64
	MaxResponseBytes int64
	MaxKeyLength     int
	StoreTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		PendingTTL:       30 * time.Second,
		ResponseTTL:      24 * time.Hour,
		KeyHeader:        DefaultKeyHeader,
		KeyPrefix:        DefaultKeyPrefix,
		ActorHeader:      DefaultActorHeader,
		MaxRequestBytes:  defaultMaxBodyBytes,
		MaxResponseBytes: defaultMaxBodyBytes,
		MaxKeyLength:     255,
		StoreTimeout:     2 * time.Second,
	}
}

// withDefaults fills zero values. Enabled is left as given.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PendingTTL <= 0 {
		c.PendingTTL = d.PendingTTL
	}
	if c.ResponseTTL <= 0 {
		c.ResponseTTL = d.ResponseTTL
	}
	if strings.TrimSpace(c.KeyHeader) == "" {
		c.KeyHeader = d.KeyHeader
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if strings.TrimSpace(c.ActorHeader) == "" {
		c.ActorHeader = d.ActorHeader
	}
	if c.MaxRequestBytes <= 0 {
		c.MaxRequestBytes = d.MaxRequestBytes
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = d.MaxResponseBytes
	}
	if c.MaxKeyLength <= 0 {
		c.MaxKeyLength = d.MaxKeyLength
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	return c
}

func (c Config) Validate() error {
	c = c.withDefaults()
	if c.PendingTTL >= c.ResponseTTL {
		return errors.New("idempotency: pending ttl must be shorter than response ttl")
	}
	if strings.ContainsAny(c.KeyHeader, " \t\r\n:") {
		return errors.New("idempotency: invalid key header name")
	}
	return nil
}
