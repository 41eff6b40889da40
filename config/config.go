// Package config loads the veilboxd configuration (YAML + env overrides).
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Storage    StorageConfig    `yaml:"storage"`
	Keys       KeysConfig       `yaml:"keys"`
	Policy     PolicyConfig     `yaml:"policy"`
	Visibility VisibilityConfig `yaml:"visibility"`
	Limits     LimitsConfig     `yaml:"limits"`
	Auth       AuthConfig       `yaml:"auth"`
	Log        LogConfig        `yaml:"log"`
}

type HTTPConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	DrainDuration   time.Duration `yaml:"drain_duration"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"` // postgres | memory
	DatabaseURL string `yaml:"database_url"`
}

type KeysConfig struct {
	Family   string `yaml:"family"` // rsa | hybrid-kem
	RSABits  int    `yaml:"rsa_bits"`
	Oversize string `yaml:"oversize"` // reject | hybrid
}

type PolicyConfig struct {
	SealingMode             string `yaml:"sealing_mode"` // signed | encrypted
	EnforceSingleSubmission bool   `yaml:"enforce_single_submission"`
}

type VisibilityConfig struct {
	BatchThreshold int           `yaml:"batch_threshold"`
	MinDelay       time.Duration `yaml:"min_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
}

type LimitsConfig struct {
	MaxContentBytes int `yaml:"max_content_bytes"` // e.g. 64*1024
}

type AuthConfig struct {
	SharedSecret string `yaml:"shared_secret"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns the configuration used for every key the file omits.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			DrainDuration:   2 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{Driver: "postgres"},
		Keys:    KeysConfig{Family: "rsa", RSABits: 2048, Oversize: "hybrid"},
		Policy:  PolicyConfig{SealingMode: "encrypted", EnforceSingleSubmission: true},
		Visibility: VisibilityConfig{
			BatchThreshold: 5,
			MinDelay:       time.Minute,
			MaxDelay:       2 * time.Minute,
			PollInterval:   5 * time.Second,
			RetryBackoff:   500 * time.Millisecond,
		},
		Limits: LimitsConfig{MaxContentBytes: 64 * 1024},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage.database_url is required for the postgres driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: want postgres or memory", c.Storage.Driver))
	}

	switch c.Keys.Family {
	case "rsa":
		if c.Keys.RSABits < 2048 || c.Keys.RSABits > 4096 {
			errs = append(errs, fmt.Errorf("keys.rsa_bits %d: want 2048..4096", c.Keys.RSABits))
		}
	case "hybrid-kem":
		if c.Policy.SealingMode == "signed" {
			errs = append(errs, errors.New("keys.family hybrid-kem cannot sign; use policy.sealing_mode encrypted"))
		}
	default:
		errs = append(errs, fmt.Errorf("keys.family %q: want rsa or hybrid-kem", c.Keys.Family))
	}
	if c.Keys.Oversize != "reject" && c.Keys.Oversize != "hybrid" {
		errs = append(errs, fmt.Errorf("keys.oversize %q: want reject or hybrid", c.Keys.Oversize))
	}
	if c.Policy.SealingMode != "signed" && c.Policy.SealingMode != "encrypted" {
		errs = append(errs, fmt.Errorf("policy.sealing_mode %q: want signed or encrypted", c.Policy.SealingMode))
	}

	v := c.Visibility
	if v.BatchThreshold < 1 {
		errs = append(errs, errors.New("visibility.batch_threshold must be >= 1"))
	}
	if v.MinDelay < 0 || v.MaxDelay < 0 {
		errs = append(errs, errors.New("visibility delays must not be negative"))
	}
	if v.PollInterval <= 0 {
		errs = append(errs, errors.New("visibility.poll_interval must be positive"))
	}
	if c.Limits.MaxContentBytes <= 0 {
		errs = append(errs, errors.New("limits.max_content_bytes must be positive"))
	}
	if len(c.Auth.SharedSecret) < 16 {
		errs = append(errs, errors.New("auth.shared_secret must be at least 16 bytes"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger described by l.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}
