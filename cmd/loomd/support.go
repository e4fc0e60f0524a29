// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/newsloom/loom/internal/orchestrator"
)

// Daemon-edge environment keys, outside the policy snapshot.
const (
	envLoggingConfig = "LOOM_LOGGING_CONFIG"
	envTelemetryFile = "LOOM_GPU_TELEMETRY_FILE"
	envModelDir      = "LOOM_MODEL_DIR"
)

// telemetrySampler reads the utilisation vector published by the
// external GPU telemetry reader: a JSON array of percentages, one per
// device index, rewritten in place. A missing or unreadable file
// samples as idle.
type telemetrySampler struct {
	path  string
	count int
}

// Utilization implements orchestrator.Sampler.
func (s *telemetrySampler) Utilization() []int {
	idle := make([]int, s.count)
	if s.path == "" {
		return idle
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return idle
	}
	var utils []int
	if err := json.Unmarshal(data, &utils); err != nil {
		return idle
	}
	return utils
}

func samplerFromEnv(count int) orchestrator.Sampler {
	path, _ := os.LookupEnv(envTelemetryFile)
	return &telemetrySampler{path: path, count: count}
}

// dirModelStore reports a model available when its weights exist under
// the configured root directory.
type dirModelStore struct {
	root string
}

// Available implements orchestrator.ModelStore.
func (s dirModelStore) Available(model string) bool {
	if model == "" {
		return true
	}
	_, err := os.Stat(filepath.Join(s.root, filepath.Clean(model)))
	return err == nil
}

// modelStoreFromEnv returns nil when no model directory is configured,
// which the engine reads as every model being available.
func modelStoreFromEnv() orchestrator.ModelStore {
	root, ok := os.LookupEnv(envModelDir)
	if !ok {
		return nil
	}
	return dirModelStore{root: root}
}
