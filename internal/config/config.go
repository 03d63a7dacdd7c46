// Package config reads service settings from GALLERY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	grpcAddrVar     = "GALLERY_GRPC_ADDR"
	defaultGRPCAddr = ":9090"
)

type Config struct {
	HTTPAddr     string        `env:"GALLERY_HTTP_ADDR"      envDefault:":8080"`
	GRPCAddr     string        `env:"GALLERY_GRPC_ADDR"`
	PGDSN        string        `env:"GALLERY_PG_DSN"`
	AuthSecret   string        `env:"GALLERY_AUTH_SECRET,required"`
	AuthIssuer   string        `env:"GALLERY_AUTH_ISSUER"    envDefault:"gallery"`
	TokenTTL     time.Duration `env:"GALLERY_TOKEN_TTL"      envDefault:"1h"`
	SeedFile     string        `env:"GALLERY_SEED_FILE"`
	RateBurst    int           `env:"GALLERY_RATE_BURST"     envDefault:"50"`
	RatePerSec   int           `env:"GALLERY_RATE_PER_SEC"   envDefault:"25"`
	MaxBodyBytes int64         `env:"GALLERY_MAX_BODY_BYTES" envDefault:"1048576"`
	HubBuffer    int           `env:"GALLERY_HUB_BUFFER"     envDefault:"64"`
	Keepalive    time.Duration `env:"GALLERY_KEEPALIVE"      envDefault:"15s"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	// An unset address takes the default; a set but empty one disables gRPC.
	if _, set := os.LookupEnv(grpcAddrVar); !set {
		cfg.GRPCAddr = defaultGRPCAddr
	}
	cfg.GRPCAddr = strings.TrimSpace(cfg.GRPCAddr)
	return cfg, cfg.Validate()
}

// GRPCEnabled reports whether the gRPC health server should listen.
func (c Config) GRPCEnabled() bool { return c.GRPCAddr != "" }

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AuthSecret) == "" {
		errs = append(errs, errors.New("GALLERY_AUTH_SECRET must not be blank"))
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("GALLERY_HTTP_ADDR must not be empty"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("GALLERY_TOKEN_TTL must be positive"))
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		errs = append(errs, errors.New("GALLERY_RATE_BURST and GALLERY_RATE_PER_SEC must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("GALLERY_MAX_BODY_BYTES must be positive"))
	}
	if c.HubBuffer <= 0 {
		errs = append(errs, errors.New("GALLERY_HUB_BUFFER must be positive"))
	}
	if c.Keepalive <= 0 {
		errs = append(errs, errors.New("GALLERY_KEEPALIVE must be positive"))
	}
	return errors.Join(errs...)
}
