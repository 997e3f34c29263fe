// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/SKALEZ-A/MorphSave-sub003/classifier"
	"github.com/SKALEZ-A/MorphSave-sub003/lifecycle"
	"github.com/SKALEZ-A/MorphSave-sub003/push"
	"github.com/SKALEZ-A/MorphSave-sub003/strategy"
)

// configValidate is the validator instance for engine configuration.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
}

// Config is the engine's full configuration. Loadable from a YAML or
// JSON file; zero values fall back to the MorphSave defaults.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after
// the engine is created.
type Config struct {
	// Version names the current deploy (e.g. a build hash). Cache
	// stores are named "<version>-<tier>".
	Version string `json:"version" yaml:"version" validate:"required"`

	// BaseURL is the app origin; precache paths resolve against it.
	BaseURL string `json:"base_url" yaml:"base_url" validate:"required,url"`

	// Storage configures the embedded database.
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Classifier configures request classification.
	Classifier classifier.Config `json:"classifier" yaml:"classifier"`

	// CriticalEndpoints lists API path prefixes that degrade to a
	// structured offline response instead of a raw failure.
	CriticalEndpoints []string `json:"critical_endpoints" yaml:"critical_endpoints"`

	// Precache lists the app shell paths warmed during install.
	Precache []string `json:"precache" yaml:"precache"`

	// Queue configures offline action replay.
	Queue QueueConfig `json:"queue" yaml:"queue"`

	// Push configures notification handling.
	Push PushConfig `json:"push" yaml:"push"`
}

// StorageConfig configures the embedded BadgerDB instance.
type StorageConfig struct {
	// Path is the database directory. Required unless InMemory.
	Path string `json:"path" yaml:"path"`

	// InMemory disables persistence; for tests.
	InMemory bool `json:"in_memory" yaml:"in_memory"`

	// GCInterval is how often value log garbage collection runs.
	// Default: 5 minutes. 0 disables.
	GCInterval time.Duration `json:"gc_interval" yaml:"gc_interval"`
}

// QueueConfig configures the offline action queue.
type QueueConfig struct {
	// MaxAttempts drops an action after this many failed replays.
	// 0 disables the ceiling. Default: 10.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" validate:"gte=0"`

	// ReplayPerSecond paces replays within a drain pass. 0 means
	// unpaced.
	ReplayPerSecond float64 `json:"replay_per_second" yaml:"replay_per_second" validate:"gte=0"`

	// ReplayBurst is the pacing burst size. Default: 1 when paced.
	ReplayBurst int `json:"replay_burst" yaml:"replay_burst" validate:"gte=0"`
}

// PushConfig configures push handling.
type PushConfig struct {
	// LandingRoute is where notification interactions land when the
	// payload names no target. Default: /dashboard.
	LandingRoute string `json:"landing_route" yaml:"landing_route"`

	// GatewayURL is an optional websocket push gateway. When set, the
	// engine runs a Receiver feeding the relay.
	GatewayURL string `json:"gateway_url" yaml:"gateway_url" validate:"omitempty,url"`
}

// DefaultConfig returns the MorphSave production defaults. Version has
// no meaningful default and must be set per deploy.
func DefaultConfig() Config {
	return Config{
		Version: "v1",
		BaseURL: "https://app.morphsave.com",
		Storage: StorageConfig{
			Path:       "./data/offline-engine",
			GCInterval: 5 * time.Minute,
		},
		Classifier:        classifier.DefaultConfig(),
		CriticalEndpoints: strategy.DefaultCriticalEndpoints(),
		Precache:          lifecycle.DefaultPrecacheManifest(),
		Queue: QueueConfig{
			MaxAttempts: 10,
			ReplayBurst: 1,
		},
		Push: PushConfig{
			LandingRoute: push.DefaultLandingRoute,
		},
	}
}

// LoadConfig builds a configuration from defaults, an optional config
// file, and environment overrides, in that order.
//
// Description:
//
//	Starts from DefaultConfig. If configPath is non-empty and the file
//	exists, its YAML (or JSON) content overlays the defaults; a missing
//	file is not an error. MORPHSAVE_* environment variables overlay
//	both. The result is validated.
//
// Outputs:
//
//	Config - The effective configuration.
//	error - Non-nil if the file is unreadable/unparseable or the final
//	        configuration is invalid.
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFile(configPath, &config); err != nil {
			return config, fmt.Errorf("load config file: %w", err)
		}
	}

	loadConfigFromEnv(&config)

	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func loadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Try YAML first, then JSON.
	if err := yaml.Unmarshal(data, config); err != nil {
		if jsonErr := json.Unmarshal(data, config); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadConfigFromEnv(config *Config) {
	if v := os.Getenv("MORPHSAVE_CACHE_VERSION"); v != "" {
		config.Version = v
	}
	if v := os.Getenv("MORPHSAVE_BASE_URL"); v != "" {
		config.BaseURL = v
	}
	if v := os.Getenv("MORPHSAVE_STORAGE_PATH"); v != "" {
		config.Storage.Path = v
	}
	if v := os.Getenv("MORPHSAVE_PUSH_GATEWAY_URL"); v != "" {
		config.Push.GatewayURL = v
	}
	if v := os.Getenv("MORPHSAVE_QUEUE_MAX_ATTEMPTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			config.Queue.MaxAttempts = i
		}
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return err
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return errors.New("storage path is required for persistent databases")
	}
	if c.Storage.GCInterval < 0 {
		return errors.New("storage gc interval must not be negative")
	}
	if len(c.Precache) == 0 {
		return errors.New("precache manifest must not be empty")
	}
	return nil
}
