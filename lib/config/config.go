// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the worker's YAML configuration. A single file
// carries the base settings plus named environment overlays; the
// selected overlay is applied on top of the base, so per-environment
// files never drift structurally.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "90s" or "24h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the worker configuration. Zero values defer to the
// component defaults.
type Config struct {
	// DataDir holds the worker's SQLite databases. Required.
	DataDir string `yaml:"dataDir"`

	Log        Log        `yaml:"log"`
	Feed       Feed       `yaml:"feed"`
	Receiver   Receiver   `yaml:"receiver"`
	Batch      Batch      `yaml:"batch"`
	Completion Completion `yaml:"completion"`
	Archive    Archive    `yaml:"archive"`
	Storage    Storage    `yaml:"storage"`
	Workers    Workers    `yaml:"workers"`

	// Environments holds named overlays applied over the base
	// configuration by Load.
	Environments map[string]yaml.Node `yaml:"environments"`
}

// Log configures the slog handler.
type Log struct {
	// Level is debug, info, warn, or error. Default info.
	Level string `yaml:"level"`
	// Format is text or json. Default text.
	Format string `yaml:"format"`
}

// Feed configures the lifecycle event feed directory.
type Feed struct {
	// Dir is scanned for bulk lifecycle envelope files. Required.
	Dir string `yaml:"dir"`
	// PollInterval is the scan cadence. Default 1s.
	PollInterval Duration `yaml:"pollInterval"`
}

// Receiver mirrors aggregation.ReceiverConfig.
type Receiver struct {
	FlushInterval       Duration `yaml:"flushInterval"`
	MaxBufferedEvents   int      `yaml:"maxBufferedEvents"`
	MaxEncodedBatchSize int      `yaml:"maxEncodedBatchSize"`
	PublishConcurrency  int      `yaml:"publishConcurrency"`
	CheckpointThreshold int      `yaml:"checkpointThreshold"`
	CheckpointInterval  Duration `yaml:"checkpointInterval"`
}

// Batch mirrors aggregation.BatchProcessorConfig.
type Batch struct {
	CommandTTL Duration `yaml:"commandTtl"`
}

// Completion mirrors aggregation.CompletionConfig.
type Completion struct {
	RecheckInterval   Duration `yaml:"recheckInterval"`
	HeartbeatInterval Duration `yaml:"heartbeatInterval"`
	LeaseExtension    Duration `yaml:"leaseExtension"`
	LeaseLowWater     Duration `yaml:"leaseLowWater"`

	// SkipExpectationCheck completes exports on agent status alone,
	// without consulting recorded export expectations.
	SkipExpectationCheck bool `yaml:"skipExpectationCheck"`
}

// Archive configures export packaging.
type Archive struct {
	// TranscodeCSV enables JSON-to-CSV conversion of tabular entries.
	TranscodeCSV bool `yaml:"transcodeCsv"`
	// ScanServiceURL is the malware scan service base URL. Empty
	// disables scanning (every file is treated as clean).
	ScanServiceURL string `yaml:"scanServiceUrl"`
	// ProductPaths maps numeric product IDs to display folders.
	ProductPaths map[int64]string `yaml:"productPaths"`
}

// Storage configures blob storage.
type Storage struct {
	// ManagedRoot marks filesystem containers under it as service
	// managed.
	ManagedRoot string `yaml:"managedRoot"`
}

// Workers sets queue worker counts.
type Workers struct {
	// Batch is the number of status-batch workers. Default 4.
	Batch int `yaml:"batch"`
	// Completion is the number of completion-check workers. Default 2.
	Completion int `yaml:"completion"`
}

// Load reads the configuration file and applies the named environment
// overlay. An empty environment applies only the base.
func Load(path, environment string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if environment != "" {
		overlay, ok := cfg.Environments[environment]
		if !ok {
			return nil, fmt.Errorf("config: no environment %q in %s", environment, path)
		}
		if err := overlay.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("config: applying environment %q: %w", environment, err)
		}
	}
	cfg.Environments = nil

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("config: dataDir is required")
	}
	if cfg.Feed.Dir == "" {
		return nil, fmt.Errorf("config: feed.dir is required")
	}
	return &cfg, nil
}
