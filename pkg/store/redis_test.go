package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestLoadRedisTLSConfigInsecure(t *testing.T) {
	cfg, err := loadRedisTLSConfig(RedisTLSOptions{
		Enabled:       true,
		Insecure:      true,
		AllowInsecure: true,
		ServerName:    "redis.internal",
	})
	if err != nil {
		t.Fatalf("unexpected tls config error: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected tls config")
	}
	if !cfg.InsecureSkipVerify {
		t.Fatal("expected insecure skip verify to be set")
	}
	if cfg.ServerName != "redis.internal" {
		t.Fatalf("expected server name redis.internal, got %q", cfg.ServerName)
	}
}

func TestLoadRedisTLSConfigInsecureGuard(t *testing.T) {
	if _, err := loadRedisTLSConfig(RedisTLSOptions{Enabled: true, Insecure: true}); err == nil {
		t.Fatal("expected insecure tls guard error")
	}
}

func TestLoadRedisTLSConfigErrors(t *testing.T) {
	if _, err := loadRedisTLSConfig(RedisTLSOptions{Enabled: true, CertFile: "/tmp/non-existent-cert.pem"}); err == nil {
		t.Fatal("expected cert/key mismatch error")
	}
	if _, err := loadRedisTLSConfig(RedisTLSOptions{Enabled: true, CAFile: "/tmp/non-existent-ca.pem"}); err == nil {
		t.Fatal("expected missing CA file error")
	}

	dir := t.TempDir()
	ca := filepath.Join(dir, "bad-ca.pem")
	if err := os.WriteFile(ca, []byte("not-a-certificate"), 0o600); err != nil {
		t.Fatalf("write bad ca: %v", err)
	}
	if _, err := loadRedisTLSConfig(RedisTLSOptions{Enabled: true, CAFile: ca}); err == nil {
		t.Fatal("expected invalid ca pem error")
	}

	cert := filepath.Join(dir, "cert.pem")
	key := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(cert, []byte("bad-cert"), 0o600); err != nil {
		t.Fatalf("write bad cert: %v", err)
	}
	if err := os.WriteFile(key, []byte("bad-key"), 0o600); err != nil {
		t.Fatalf("write bad key: %v", err)
	}
	if _, err := loadRedisTLSConfig(RedisTLSOptions{Enabled: true, CertFile: cert, KeyFile: key}); err == nil {
		t.Fatal("expected invalid mTLS keypair error")
	}
}

func TestNewRedisRejectsInsecureWhenRequired(t *testing.T) {
	client, err := NewRedis(context.Background(), RedisOptions{Addr: "127.0.0.1:1", RequireTLS: true})
	if err == nil {
		if client != nil {
			client.Close()
		}
		t.Fatal("expected tls requirement error")
	}
	if !strings.Contains(err.Error(), "REDIS_REQUIRE_TLS") {
		t.Fatalf("expected REDIS_REQUIRE_TLS error, got %v", err)
	}
}

func TestNewRedisPingFailure(t *testing.T) {
	client, err := NewRedis(context.Background(), RedisOptions{
		Addr:        "127.0.0.1:1",
		DB:          1,
		DialTimeout: 50 * time.Millisecond,
	})
	if err == nil {
		if client != nil {
			_ = client.Close()
		}
		t.Fatal("expected ping failure for closed port")
	}
}

func TestNewRedisSuccess(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	client, err := NewRedis(context.Background(), RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("expected redis client success, got %v", err)
	}
	defer client.Close()
}
