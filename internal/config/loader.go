package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, layered over Defaults. Unknown fields are
// rejected so typos fail loudly instead of silently falling back.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks invariants that hold for every run.
func (c *Config) Validate() error {
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is empty")
	}
	if c.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch.workers must be >= 0, got %d", c.Dispatch.Workers)
	}
	if c.Dispatch.Workers > 0 && c.Dispatch.WorkerBin == "" && !c.Dispatch.ForceLocal {
		return fmt.Errorf("dispatch.worker_bin is empty with %d workers configured", c.Dispatch.Workers)
	}
	if c.Dispatch.TaskTimeout <= 0 {
		return fmt.Errorf("dispatch.task_timeout must be positive, got %s", c.Dispatch.TaskTimeout)
	}
	if c.Dispatch.RetryLimit < 0 {
		return fmt.Errorf("dispatch.retry_limit must be >= 0, got %d", c.Dispatch.RetryLimit)
	}
	if c.Dispatch.GracePeriod <= 0 {
		return fmt.Errorf("dispatch.grace_period must be positive, got %s", c.Dispatch.GracePeriod)
	}
	return nil
}
