// Package config loads the fabric's runtime configuration from YAML and
// applies the documented defaults. Every recognized key maps to a field
// here; unknown keys are rejected so typos fail fast.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the full fabric configuration for one service.
	Config struct {
		// Redis locates the pub/sub + KV substrate.
		Redis Redis `yaml:"redis"`

		HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
		HeartbeatTimeoutMs  int `yaml:"heartbeat_timeout_ms"`

		RegistrationRetryDelayMs int `yaml:"registration_retry_delay_ms"`
		RegistrationMaxAttempts  int `yaml:"registration_max_attempts"`
		RegistrationTimeoutMs    int `yaml:"registration_timeout_ms"`

		DedupTTLSeconds             int `yaml:"dedup_ttl_seconds"`
		RegistrationDedupTTLSeconds int `yaml:"registration_dedup_ttl_seconds"`

		RegistryRecordTTLSeconds     int `yaml:"registry_record_ttl_seconds"`
		CrashDetectionTimeoutSeconds int `yaml:"crash_detection_timeout_seconds"`
		MetricStaleSeconds           int `yaml:"metric_stale_seconds"`

		// CacheBodies mirrors published envelope bodies to the KV store.
		CacheBodies bool `yaml:"cache_bodies"`
	}

	// Redis is the connection configuration.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}
)

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		Redis:                        Redis{Addr: "localhost:6379"},
		HeartbeatIntervalMs:          2000,
		HeartbeatTimeoutMs:           5000,
		RegistrationRetryDelayMs:     5000,
		RegistrationMaxAttempts:      5,
		RegistrationTimeoutMs:        10000,
		DedupTTLSeconds:              60,
		RegistrationDedupTTLSeconds:  30,
		RegistryRecordTTLSeconds:     120,
		CrashDetectionTimeoutSeconds: 60,
		MetricStaleSeconds:           10,
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Duration accessors.

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond
}

func (c *Config) RegistrationRetryDelay() time.Duration {
	return time.Duration(c.RegistrationRetryDelayMs) * time.Millisecond
}

func (c *Config) RegistrationTimeout() time.Duration {
	return time.Duration(c.RegistrationTimeoutMs) * time.Millisecond
}

func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLSeconds) * time.Second
}

func (c *Config) RegistrationDedupTTL() time.Duration {
	return time.Duration(c.RegistrationDedupTTLSeconds) * time.Second
}

func (c *Config) RegistryRecordTTL() time.Duration {
	return time.Duration(c.RegistryRecordTTLSeconds) * time.Second
}

func (c *Config) CrashDetectionTimeout() time.Duration {
	return time.Duration(c.CrashDetectionTimeoutSeconds) * time.Second
}

func (c *Config) MetricStaleness() time.Duration {
	return time.Duration(c.MetricStaleSeconds) * time.Second
}
