package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadEnvFile reads KEY=VALUE lines from path into the process environment.
// Blank lines and # comments are skipped; existing variables win unless
// override is set. A missing file is not an error.
func LoadEnvFile(path string, override bool) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		val = strings.TrimSpace(val)
		if len(val) >= 2 && strings.HasPrefix(val, `"`) && strings.HasSuffix(val, `"`) {
			val = val[1 : len(val)-1]
		}
		if override || os.Getenv(key) == "" {
			if err := os.Setenv(key, val); err != nil {
				return err
			}
		}
	}
	return sc.Err()
}

// Load reads path over the defaults and applies environment overrides. An
// empty path uses defaults and environment only. The result is not validated.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config unmarshal: %w", err)
		}
	}
	if err := applyEnvOverrides(c); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnvOverrides lets VEILBOX_* variables override file values. PORT and
// DATABASE_URL are honoured for container platforms that set them.
func applyEnvOverrides(c *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s must be int: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s must be a duration: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s must be bool: %w", key, err))
				return
			}
			*dst = b
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		c.HTTP.ListenAddr = ":" + v
	}
	str("VEILBOX_LISTEN_ADDR", &c.HTTP.ListenAddr)
	if v := os.Getenv("VEILBOX_CORS_ORIGINS"); v != "" {
		c.HTTP.CORSOrigins = strings.Split(v, ",")
	}

	str("DATABASE_URL", &c.Storage.DatabaseURL)
	str("VEILBOX_DATABASE_URL", &c.Storage.DatabaseURL)
	str("VEILBOX_STORAGE_DRIVER", &c.Storage.Driver)

	str("VEILBOX_KEY_FAMILY", &c.Keys.Family)
	num("VEILBOX_RSA_BITS", &c.Keys.RSABits)
	str("VEILBOX_OVERSIZE", &c.Keys.Oversize)

	str("VEILBOX_SEALING_MODE", &c.Policy.SealingMode)
	flag("VEILBOX_ENFORCE_SINGLE_SUBMISSION", &c.Policy.EnforceSingleSubmission)

	num("VEILBOX_BATCH_THRESHOLD", &c.Visibility.BatchThreshold)
	dur("VEILBOX_MIN_DELAY", &c.Visibility.MinDelay)
	dur("VEILBOX_MAX_DELAY", &c.Visibility.MaxDelay)
	dur("VEILBOX_POLL_INTERVAL", &c.Visibility.PollInterval)
	dur("VEILBOX_RETRY_BACKOFF", &c.Visibility.RetryBackoff)

	num("VEILBOX_MAX_CONTENT_BYTES", &c.Limits.MaxContentBytes)
	str("VEILBOX_SHARED_SECRET", &c.Auth.SharedSecret)
	str("VEILBOX_LOG_LEVEL", &c.Log.Level)
	str("VEILBOX_LOG_FORMAT", &c.Log.Format)
	return errors.Join(errs...)
}
