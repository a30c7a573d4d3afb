package store

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedisSuccess(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedis(context.Background(), RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer client.Close()
	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
}

func TestNewRedisPingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := NewRedis(context.Background(), RedisOptions{Addr: addr, PingTimeout: 200 * time.Millisecond})
	if err == nil {
		t.Fatal("expected ping error")
	}
	if !strings.Contains(err.Error(), "redis ping") {
		t.Fatalf("expected wrapped ping error, got %v", err)
	}
}

func TestNewRedisRequireTLSWithoutTLS(t *testing.T) {
	_, err := NewRedis(context.Background(), RedisOptions{Addr: "127.0.0.1:1", RequireTLS: true})
	if err == nil || !strings.Contains(err.Error(), "require_tls") {
		t.Fatalf("expected require_tls error, got %v", err)
	}
}

func TestLoadRedisTLSConfigDisabled(t *testing.T) {
	cfg, err := loadRedisTLSConfig(RedisOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil TLS config when disabled")
	}
}

func TestLoadRedisTLSConfigInsecureGuard(t *testing.T) {
	if _, err := loadRedisTLSConfig(RedisOptions{TLS: true, TLSInsecure: true}); err == nil {
		t.Fatal("expected insecure TLS to require explicit allow flag")
	}
	cfg, err := loadRedisTLSConfig(RedisOptions{TLS: true, TLSInsecure: true, AllowInsecureTLS: true, TLSServerName: "redis.internal"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.InsecureSkipVerify {
		t.Fatal("expected InsecureSkipVerify")
	}
	if cfg.ServerName != "redis.internal" {
		t.Fatalf("expected server name, got %q", cfg.ServerName)
	}
}

func TestLoadRedisTLSConfigCAAndMTLS(t *testing.T) {
	tmp := t.TempDir()
	certPEM, keyPEM := mustCreateSelfSignedPEM(t)
	caPath := filepath.Join(tmp, "ca.pem")
	certPath := filepath.Join(tmp, "client.pem")
	keyPath := filepath.Join(tmp, "client-key.pem")
	for path, data := range map[string][]byte{caPath: certPEM, certPath: certPEM, keyPath: keyPEM} {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	cfg, err := loadRedisTLSConfig(RedisOptions{
		TLS:         true,
		TLSCAFile:   caPath,
		TLSCertFile: certPath,
		TLSKeyFile:  keyPath,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Fatal("expected RootCAs to be populated")
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected one certificate, got %d", len(cfg.Certificates))
	}
}

func TestLoadRedisTLSConfigBadInputs(t *testing.T) {
	tmp := t.TempDir()
	garbage := filepath.Join(tmp, "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not a cert"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cases := map[string]RedisOptions{
		"missing ca":      {TLS: true, TLSCAFile: filepath.Join(tmp, "nope.pem")},
		"unparsable ca":   {TLS: true, TLSCAFile: garbage},
		"incomplete mtls": {TLS: true, TLSCertFile: "/tmp/client.pem"},
		"bad keypair":     {TLS: true, TLSCertFile: garbage, TLSKeyFile: garbage},
	}
	for name, opts := range cases {
		if _, err := loadRedisTLSConfig(opts); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func mustCreateSelfSignedPEM(t *testing.T) ([]byte, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: "redis-test",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return cert, priv
}
