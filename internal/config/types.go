package config

import "time"

// Config represents the complete quarry configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Cache    CacheConfig    `yaml:"cache"`
	Dispatch DispatchConfig `yaml:"dispatch"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// CacheConfig defines where artifacts land and whether the run ledger is kept.
type CacheConfig struct {
	Dir       string        `yaml:"dir"`
	Ledger    bool          `yaml:"ledger"`
	Retention time.Duration `yaml:"retention,omitempty"`
}

// DispatchConfig defines worker pool behavior.
type DispatchConfig struct {
	// Workers is the number of external worker processes to run in
	// parallel. Zero forces the local fallback path.
	Workers int `yaml:"workers"`

	// WorkerBin is the worker executable; WorkerArgs are passed verbatim.
	WorkerBin  string   `yaml:"worker_bin"`
	WorkerArgs []string `yaml:"worker_args,omitempty"`

	// TaskTimeout bounds one request/response round-trip per task.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// RetryLimit is the number of extra attempts after a transport
	// failure before a task is failed for good.
	RetryLimit int `yaml:"retry_limit"`

	// ForceLocal runs every task in-process even when workers are
	// configured. Debugging aid: no subprocesses are spawned.
	ForceLocal bool `yaml:"force_local"`

	// GracePeriod is how long a worker gets between SIGTERM and SIGKILL.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "quarry",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Cache: CacheConfig{
			Dir:       "./cache",
			Ledger:    false,
			Retention: 30 * 24 * time.Hour,
		},
		Dispatch: DispatchConfig{
			Workers:     4,
			WorkerBin:   "quarry-worker",
			TaskTimeout: 120 * time.Second,
			RetryLimit:  2,
			ForceLocal:  false,
			GracePeriod: 5 * time.Second,
		},
	}
}
