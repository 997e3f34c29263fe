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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// TestDefaultConfig verifies the defaults validate.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "https://app.morphsave.com", cfg.BaseURL)
	assert.Equal(t, 10, cfg.Queue.MaxAttempts)
	assert.Equal(t, "/dashboard", cfg.Push.LandingRoute)
	assert.Contains(t, cfg.Precache, "/offline")
}

// TestLoadConfig verifies the defaults/file/env layering.
func TestLoadConfig(t *testing.T) {
	t.Run("missing file keeps defaults", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().BaseURL, cfg.BaseURL)
	})

	t.Run("yaml overlays defaults", func(t *testing.T) {
		path := writeConfigFile(t, "engine.yaml", `
version: "2024-08-25-deadbeef"
storage:
  path: /var/lib/morphsave/offline
classifier:
  api_prefix: /v2/api/
queue:
  max_attempts: 3
`)
		cfg, err := LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, "2024-08-25-deadbeef", cfg.Version)
		assert.Equal(t, "/var/lib/morphsave/offline", cfg.Storage.Path)
		assert.Equal(t, "/v2/api/", cfg.Classifier.APIPrefix)
		assert.Equal(t, 3, cfg.Queue.MaxAttempts)
		// Untouched sections keep their defaults.
		assert.Equal(t, DefaultConfig().BaseURL, cfg.BaseURL)
		assert.Equal(t, DefaultConfig().Classifier.AssetPrefix, cfg.Classifier.AssetPrefix)
	})

	t.Run("json is accepted", func(t *testing.T) {
		path := writeConfigFile(t, "engine.json",
			`{"version": "v7", "push": {"landing_route": "/home"}}`)
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "v7", cfg.Version)
		assert.Equal(t, "/home", cfg.Push.LandingRoute)
	})

	t.Run("env overrides file", func(t *testing.T) {
		path := writeConfigFile(t, "engine.yaml", `version: from-file`)
		t.Setenv("MORPHSAVE_CACHE_VERSION", "from-env")
		t.Setenv("MORPHSAVE_QUEUE_MAX_ATTEMPTS", "2")

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.Version)
		assert.Equal(t, 2, cfg.Queue.MaxAttempts)
	})

	t.Run("rejects cleared version", func(t *testing.T) {
		path := writeConfigFile(t, "engine.yaml", `version: ""`)
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})

	t.Run("rejects malformed file", func(t *testing.T) {
		path := writeConfigFile(t, "engine.yaml", `{{not yaml or json`)
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})
}

// TestConfig_Validate verifies the manual checks behind the tags.
func TestConfig_Validate(t *testing.T) {
	t.Run("persistent storage needs a path", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Storage.Path = ""
		assert.Error(t, cfg.Validate())

		cfg.Storage.InMemory = true
		assert.NoError(t, cfg.Validate())
	})

	t.Run("bad base url", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.BaseURL = "not a url"
		assert.Error(t, cfg.Validate())
	})

	t.Run("empty precache manifest", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Precache = nil
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative queue attempts", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Queue.MaxAttempts = -1
		assert.Error(t, cfg.Validate())
	})
}
