package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

const configFileName = "parley.yaml"

// yamlConfig mirrors Config with string durations, since YAML has no native
// duration type. Empty fields fall through to the defaults.
type yamlConfig struct {
	DataDir                string `yaml:"data_dir"`
	SegmentMaxBytes        int64  `yaml:"segment_max_bytes"`
	Durability             string `yaml:"durability"`
	FlushInterval          string `yaml:"flush_interval"`
	SnapshotIntervalEvents uint64 `yaml:"snapshot_interval_events"`
	IdleSessionTimeout     string `yaml:"idle_session_timeout"`
	MaxSessionsPerAgent    int    `yaml:"max_sessions_per_agent"`
	CreateRate             int    `yaml:"create_rate"`
	RespondRate            int    `yaml:"respond_rate"`
	Burst                  int    `yaml:"burst"`
	TimeoutCap             string `yaml:"timeout_cap"`
	MaxWait                string `yaml:"max_wait"`
	InboxCapacity          int    `yaml:"inbox_capacity"`
	ArchiveRetention       string `yaml:"archive_retention"`
	ArchiveMaxEntries      int    `yaml:"archive_max_entries"`
	ListenAddr             string `yaml:"listen_addr"`
	MasterSecretEnv        string `yaml:"master_secret_env"`
}

// Initialize loads, merges, and validates the configuration.
//
// Steps performed:
//  1. Read parley.yaml from configDir (absent file means defaults)
//  2. Expand ${ENV_VAR} references inside values
//  3. Parse and convert duration strings
//  4. Merge the file over built-in defaults
//  5. Apply PARLEY_LISTEN_ADDR / PARLEY_DATA_DIR overrides
//  6. Validate
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	fromFile, err := loadFile(filepath.Join(configDir, configFileName))
	if err != nil {
		return nil, err
	}

	cfg := fromFile
	if cfg == nil {
		log.Info("No configuration file found, using defaults")
		cfg = &Config{}
	}
	if err := mergo.Merge(cfg, Default()); err != nil {
		return nil, fmt.Errorf("failed to merge defaults: %w", err)
	}

	if addr := os.Getenv("PARLEY_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if dir := os.Getenv("PARLEY_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log.Info("Configuration initialized",
		"data_dir", cfg.DataDir,
		"durability", cfg.Durability,
		"listen_addr", cfg.ListenAddr)
	return cfg, nil
}

// loadFile reads and converts the YAML file. A missing file returns nil
// without error; anything else unreadable is a LoadError.
func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, NewLoadError(path, err)
	}

	expanded := os.ExpandEnv(string(data))
	var raw yamlConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, NewLoadError(path, err)
	}
	return raw.toConfig(path)
}

func (y *yamlConfig) toConfig(path string) (*Config, error) {
	cfg := &Config{
		DataDir:                y.DataDir,
		SegmentMaxBytes:        y.SegmentMaxBytes,
		Durability:             y.Durability,
		SnapshotIntervalEvents: y.SnapshotIntervalEvents,
		MaxSessionsPerAgent:    y.MaxSessionsPerAgent,
		CreateRate:             y.CreateRate,
		RespondRate:            y.RespondRate,
		Burst:                  y.Burst,
		InboxCapacity:          y.InboxCapacity,
		ArchiveMaxEntries:      y.ArchiveMaxEntries,
		ListenAddr:             y.ListenAddr,
		MasterSecretEnv:        y.MasterSecretEnv,
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"flush_interval", y.FlushInterval, &cfg.FlushInterval},
		{"idle_session_timeout", y.IdleSessionTimeout, &cfg.IdleSessionTimeout},
		{"timeout_cap", y.TimeoutCap, &cfg.TimeoutCap},
		{"max_wait", y.MaxWait, &cfg.MaxWait},
		{"archive_retention", y.ArchiveRetention, &cfg.ArchiveRetention},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, NewLoadError(path, fmt.Errorf("%s: %w", d.name, err))
		}
		*d.dst = parsed
	}
	return cfg, nil
}
