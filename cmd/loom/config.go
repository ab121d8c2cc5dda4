package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the coordinator configuration, loaded from config.toml in the
// loom home. Every field has a working default; a missing file means a
// default configuration, not an error.
type Config struct {
	Log       LogConfig       `toml:"log"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Router    RouterConfig    `toml:"router"`
	Roster    RosterConfig    `toml:"roster"`
}

// LogConfig controls coordinator process logging.
type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error (default info)
}

// SchedulerConfig controls scheduler timing. Durations are in seconds.
type SchedulerConfig struct {
	AcceptTimeoutSeconds  int `toml:"accept_timeout_seconds"`  // default 30
	SweepIntervalSeconds  int `toml:"sweep_interval_seconds"`  // default 60
	StuckThresholdSeconds int `toml:"stuck_threshold_seconds"` // default 300
}

// AcceptTimeout returns the acceptance window as a duration.
func (c SchedulerConfig) AcceptTimeout() time.Duration {
	return time.Duration(c.AcceptTimeoutSeconds) * time.Second
}

// SweepInterval returns the sweep period as a duration.
func (c SchedulerConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// StuckThreshold returns the stuck age as a duration.
func (c SchedulerConfig) StuckThreshold() time.Duration {
	return time.Duration(c.StuckThresholdSeconds) * time.Second
}

// RouterConfig tunes endpoint scoring. Zero values take router defaults.
type RouterConfig struct {
	ReferenceMemGB  float64 `toml:"reference_mem_gb"`
	CapacityCap     float64 `toml:"capacity_cap"`
	ReferenceVRAMGB float64 `toml:"reference_vram_gb"`
	WarmBonus       float64 `toml:"warm_bonus"`
	AffinityBonus   float64 `toml:"affinity_bonus"`
}

// RosterConfig controls roster file watching.
type RosterConfig struct {
	PollIntervalSeconds int `toml:"poll_interval_seconds"` // fallback poll, default 60
}

// LoadConfig reads the config file at path. A missing file yields the
// default configuration.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg.withDefaults(), nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	out := c
	if out.Log.Level == "" {
		out.Log.Level = "info"
	}
	if out.Scheduler.AcceptTimeoutSeconds == 0 {
		out.Scheduler.AcceptTimeoutSeconds = 30
	}
	if out.Scheduler.SweepIntervalSeconds == 0 {
		out.Scheduler.SweepIntervalSeconds = 60
	}
	if out.Scheduler.StuckThresholdSeconds == 0 {
		out.Scheduler.StuckThresholdSeconds = 300
	}
	if out.Roster.PollIntervalSeconds == 0 {
		out.Roster.PollIntervalSeconds = 60
	}
	return out
}
