package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the reservation Redis client.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	TLS              bool
	RequireTLS       bool
	TLSInsecure      bool
	AllowInsecureTLS bool
	TLSServerName    string
	TLSCAFile        string
	TLSCertFile      string
	TLSKeyFile       string

	PingTimeout time.Duration
}

func NewRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = "localhost:6379"
	}
	tlsConfig, err := loadRedisTLSConfig(opts)
	if err != nil {
		return nil, err
	}
	if opts.RequireTLS && tlsConfig == nil {
		return nil, fmt.Errorf("redis.require_tls=true but redis.tls is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: tlsConfig,
	})
	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctxPing, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func loadRedisTLSConfig(opts RedisOptions) (*tls.Config, error) {
	if !opts.TLS {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.TLSInsecure {
		if !opts.AllowInsecureTLS {
			return nil, fmt.Errorf("redis.tls_insecure=true requires redis.allow_insecure_tls=true")
		}
		cfg.InsecureSkipVerify = true
	}
	if serverName := strings.TrimSpace(opts.TLSServerName); serverName != "" {
		cfg.ServerName = serverName
	}
	if caFile := strings.TrimSpace(opts.TLSCAFile); caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("read redis CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse redis CA file: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	certFile := strings.TrimSpace(opts.TLSCertFile)
	keyFile := strings.TrimSpace(opts.TLSKeyFile)
	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, fmt.Errorf("both redis.tls_cert_file and redis.tls_key_file must be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
