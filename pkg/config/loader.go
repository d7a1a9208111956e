// Package config loads typed configuration from the environment.
//
// Values come from process environment variables, optionally seeded from
// .env files. Struct fields are mapped with caarlos0/env tags:
//
//	type HTTPConfig struct {
//		Addr    string        `env:"HTTP_ADDR" envDefault:":8080"`
//		Timeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`
//	}
//
// A config type that implements Validator is validated after parsing.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Validator is implemented by config types that check their own invariants
type Validator interface {
	Validate() error
}

type options struct {
	envFiles []string
	prefix   string
}

// Option configures Load
type Option func(*options)

// WithEnvFiles seeds the environment from the given files. Missing files are skipped.
// Variables already set in the process environment win.
// Default: ".env"
func WithEnvFiles(paths ...string) Option {
	return func(o *options) {
		o.envFiles = paths
	}
}

// WithPrefix prepends prefix to every env tag
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// Load parses environment variables into v and validates the result.
//
// Example:
//
//	var cfg Config
//	if err := config.Load(&cfg); err != nil {
//		log.Fatal().Err(err).Msg("invalid configuration")
//	}
func Load[T any](v *T, opts ...Option) error {
	if v == nil {
		return ErrNilPointer
	}

	o := options{envFiles: []string{".env"}}
	for _, opt := range opts {
		opt(&o)
	}

	if err := loadEnvFiles(o.envFiles); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}

	if err := env.ParseWithOptions(v, env.Options{Prefix: o.prefix}); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}

	if val, ok := any(v).(Validator); ok {
		if err := val.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

// MustLoad works like Load but panics if configuration loading fails
func MustLoad[T any](v *T, opts ...Option) {
	if err := Load(v, opts...); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}

func loadEnvFiles(paths []string) error {
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}
