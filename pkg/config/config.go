// Package config loads the queue server/worker's YAML configuration
// file, layering it under the CLI flags that cobra parses in cmd/queued.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables for a queued process. Every
// field has a default applied by Defaults, so an empty or partial
// file is valid.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	HTTPAddr string `yaml:"http_addr"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	Strategy string `yaml:"strategy"` // fifo, lifo, priority, weighted_random

	LeaseDuration      time.Duration `yaml:"lease_duration"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	ReclaimInterval    time.Duration `yaml:"reclaim_interval"`
	CancelPollInterval time.Duration `yaml:"cancel_poll_interval"`

	WorkerCount int `yaml:"worker_count"`

	// Capabilities are the default worker capabilities advertised by
	// this process; `--capability` flags on serve/worker add to or
	// override entries from here.
	Capabilities map[string]string `yaml:"capabilities"`
}

// Defaults returns the baseline configuration before a file or flags
// are applied.
func Defaults() Config {
	return Config{
		DataDir:            "./queued-data",
		HTTPAddr:           "127.0.0.1:8080",
		LogLevel:           "info",
		LogJSON:            false,
		Strategy:           "priority",
		LeaseDuration:      60 * time.Second,
		HeartbeatInterval:  10 * time.Second,
		ReclaimInterval:    10 * time.Second,
		CancelPollInterval: time.Second,
		WorkerCount:        1,
	}
}

// Load reads path, if it exists, over top of Defaults(). A missing
// file is not an error: the defaults apply as-is, matching how the
// CLI is expected to run with flags alone in development.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
