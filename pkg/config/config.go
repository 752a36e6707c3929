// Package config loads and validates the server configuration: a single
// parley.yaml merged over built-in defaults, with environment variable
// expansion inside values and a handful of PARLEY_* overrides.
package config

import (
	"fmt"
	"time"

	"github.com/parley-dev/parley/pkg/eventlog"
)

// Config is the complete runtime configuration, returned by Initialize.
type Config struct {
	// Storage
	DataDir                string        `yaml:"data_dir"`
	SegmentMaxBytes        int64         `yaml:"segment_max_bytes"`
	Durability             string        `yaml:"durability"`
	FlushInterval          time.Duration `yaml:"-"`
	SnapshotIntervalEvents uint64        `yaml:"snapshot_interval_events"`

	// Sessions
	IdleSessionTimeout  time.Duration `yaml:"-"`
	MaxSessionsPerAgent int           `yaml:"max_sessions_per_agent"`

	// Rate limits
	CreateRate  int `yaml:"create_rate"`
	RespondRate int `yaml:"respond_rate"`
	Burst       int `yaml:"burst"`

	// Elicitations
	TimeoutCap    time.Duration `yaml:"-"`
	MaxWait       time.Duration `yaml:"-"`
	InboxCapacity int           `yaml:"inbox_capacity"`

	// Archive retention
	ArchiveRetention  time.Duration `yaml:"-"`
	ArchiveMaxEntries int           `yaml:"archive_max_entries"`

	// Process
	ListenAddr      string `yaml:"listen_addr"`
	MasterSecretEnv string `yaml:"master_secret_env"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:                "./data",
		SegmentMaxBytes:        100 << 20,
		Durability:             string(eventlog.FlushPerAppend),
		FlushInterval:          100 * time.Millisecond,
		SnapshotIntervalEvents: 10000,
		IdleSessionTimeout:     time.Hour,
		MaxSessionsPerAgent:    3,
		CreateRate:             10,
		RespondRate:            20,
		Burst:                  3,
		TimeoutCap:             time.Hour,
		MaxWait:                30 * time.Second,
		InboxCapacity:          256,
		ArchiveRetention:       24 * time.Hour,
		ArchiveMaxEntries:      100000,
		ListenAddr:             ":8137",
		MasterSecretEnv:        "PARLEY_MASTER_SECRET",
	}
}

// DurabilityMode converts the configured durability string.
func (c *Config) DurabilityMode() eventlog.Durability {
	return eventlog.Durability(c.Durability)
}

func (c *Config) validate() error {
	switch eventlog.Durability(c.Durability) {
	case eventlog.FlushPerAppend, eventlog.FlushPerBatch, eventlog.FlushNone:
	default:
		return NewValidationError("durability",
			fmt.Sprintf("must be one of flush_per_append, flush_per_batch, flush_none; got %q", c.Durability))
	}
	if c.DataDir == "" {
		return NewValidationError("data_dir", "must not be empty")
	}
	if c.SegmentMaxBytes < 4096 {
		return NewValidationError("segment_max_bytes", "must be at least 4096")
	}
	if c.MaxSessionsPerAgent < 1 {
		return NewValidationError("max_sessions_per_agent", "must be at least 1")
	}
	if c.CreateRate < 1 || c.RespondRate < 1 || c.Burst < 1 {
		return NewValidationError("rate limits", "create_rate, respond_rate, and burst must be positive")
	}
	if c.TimeoutCap <= 0 {
		return NewValidationError("timeout_cap", "must be positive")
	}
	if c.MaxWait <= 0 {
		return NewValidationError("max_wait", "must be positive")
	}
	if c.InboxCapacity < 1 {
		return NewValidationError("inbox_capacity", "must be at least 1")
	}
	if c.IdleSessionTimeout < 0 {
		return NewValidationError("idle_session_timeout", "must not be negative")
	}
	if c.ListenAddr == "" {
		return NewValidationError("listen_addr", "must not be empty")
	}
	if c.MasterSecretEnv == "" {
		return NewValidationError("master_secret_env", "must not be empty")
	}
	return nil
}
