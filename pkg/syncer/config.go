// chatsync - An offline-first message synchronization engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package syncer

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	// DatabasePath is the sqlite file backing the local store.
	DatabasePath string `yaml:"database_path"`

	// RetryBaseSeconds is the first retry delay. Each further attempt
	// doubles it, capped at RetryCapSeconds.
	RetryBaseSeconds int `yaml:"retry_base_seconds"`
	RetryCapSeconds  int `yaml:"retry_cap_seconds"`
	// RetryMaxAttempts is how often a queued item is retried before it is
	// surfaced as permanently failed.
	RetryMaxAttempts int `yaml:"retry_max_attempts"`

	// DrainIntervalSeconds is how often the retry queue is drained while
	// connectivity is available. Default is 30.
	DrainIntervalSeconds int `yaml:"drain_interval_seconds"`

	// ReadBatchSize is how many read receipts are sent to the remote log
	// per round-trip.
	ReadBatchSize int `yaml:"read_batch_size"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	if c.RetryBaseSeconds < 0 || c.RetryCapSeconds < 0 || c.RetryMaxAttempts < 0 {
		return fmt.Errorf("retry settings must not be negative")
	}
	if c.RetryCapSeconds > 0 && c.RetryBaseSeconds > c.RetryCapSeconds {
		return fmt.Errorf("retry_base_seconds (%d) exceeds retry_cap_seconds (%d)", c.RetryBaseSeconds, c.RetryCapSeconds)
	}
	return nil
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// GetRetryBase returns the configured base retry delay, defaulting to 5s.
func (c *Config) GetRetryBase() time.Duration {
	if c.RetryBaseSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.RetryBaseSeconds) * time.Second
}

// GetRetryCap returns the backoff ceiling, defaulting to 2 minutes.
func (c *Config) GetRetryCap() time.Duration {
	if c.RetryCapSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.RetryCapSeconds) * time.Second
}

// GetRetryMaxAttempts returns the retry attempt limit, defaulting to 8.
func (c *Config) GetRetryMaxAttempts() int {
	if c.RetryMaxAttempts <= 0 {
		return 8
	}
	return c.RetryMaxAttempts
}

// GetDrainInterval returns the periodic drain interval, defaulting to 30s.
func (c *Config) GetDrainInterval() time.Duration {
	if c.DrainIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.DrainIntervalSeconds) * time.Second
}

// GetReadBatchSize returns the read receipt batch size, defaulting to 50.
func (c *Config) GetReadBatchSize() int {
	if c.ReadBatchSize <= 0 {
		return 50
	}
	return c.ReadBatchSize
}
