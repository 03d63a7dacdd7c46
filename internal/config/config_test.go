package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GALLERY_AUTH_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.GRPCAddr != ":9090" || !cfg.GRPCEnabled() {
		t.Fatalf("unexpected addrs: %q %q", cfg.HTTPAddr, cfg.GRPCAddr)
	}
	if cfg.TokenTTL != time.Hour || cfg.Keepalive != 15*time.Second {
		t.Fatalf("unexpected durations: %v %v", cfg.TokenTTL, cfg.Keepalive)
	}
	if cfg.AuthIssuer != "gallery" || cfg.MaxBodyBytes != 1<<20 || cfg.HubBuffer != 64 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.PGDSN != "" {
		t.Fatalf("expected memory store by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GALLERY_AUTH_SECRET", "s3cret")
	t.Setenv("GALLERY_TOKEN_TTL", "10m")
	t.Setenv("GALLERY_GRPC_ADDR", "127.0.0.1:9999")
	t.Setenv("GALLERY_RATE_BURST", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TokenTTL != 10*time.Minute || cfg.RateBurst != 5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.GRPCAddr != "127.0.0.1:9999" || !cfg.GRPCEnabled() {
		t.Fatalf("unexpected grpc addr %q", cfg.GRPCAddr)
	}
}

func TestEmptyGRPCAddrDisablesGRPC(t *testing.T) {
	t.Setenv("GALLERY_AUTH_SECRET", "s3cret")
	t.Setenv("GALLERY_GRPC_ADDR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GRPCAddr != "" || cfg.GRPCEnabled() {
		t.Fatalf("expected gRPC disabled, got addr %q", cfg.GRPCAddr)
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("GALLERY_AUTH_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without secret")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Setenv("GALLERY_AUTH_SECRET", "s3cret")
	t.Setenv("GALLERY_HUB_BUFFER", "0")
	t.Setenv("GALLERY_KEEPALIVE", "-1s")

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"GALLERY_HUB_BUFFER", "GALLERY_KEEPALIVE"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}
