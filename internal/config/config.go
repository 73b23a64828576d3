// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package config loads user-level defaults for the kitsune CLI from a JSON
// or YAML file, the way the teacher project's internal/cli/config.go loads
// hfdownloader.json/.yaml: flags always win, the config file only fills in
// what the user didn't pass on the command line.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings holds the user-configurable defaults for a kitsune download.
type Settings struct {
	Output      string `json:"output,omitempty" yaml:"output,omitempty"`
	Connections int    `json:"connections,omitempty" yaml:"connections,omitempty"`
	UserAgent   string `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`
	LogLevel    string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

// Default returns built-in defaults, used when no config file and no flag
// supplies a value.
func Default() Settings {
	return Settings{
		Connections: 8,
		UserAgent:   "kitsune/1.0",
		LogLevel:    "info",
	}
}

// DefaultPath returns ~/.config/kitsune.json, the conventional config
// location, mirroring the teacher's ~/.config/hfdownloader.json.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "kitsune.json")
}

// candidatePaths returns the config paths to probe, in order, when the user
// didn't pass --config explicitly.
func candidatePaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	dir := filepath.Join(home, ".config")
	return []string{
		filepath.Join(dir, "kitsune.json"),
		filepath.Join(dir, "kitsune.yaml"),
		filepath.Join(dir, "kitsune.yml"),
	}
}

// Load reads a settings file from path, or the first existing candidate
// path if path is empty. A missing config file is not an error: Load
// returns zero-value Settings so the caller can layer flag and built-in
// defaults on top.
func Load(path string) (Settings, error) {
	if path == "" {
		for _, candidate := range candidatePaths() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		return Settings{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var s Settings
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse json config %s: %w", path, err)
		}
	}
	return s, nil
}

// Merge layers override on top of base, keeping base's value for any field
// override leaves at its zero value.
func Merge(base, override Settings) Settings {
	out := base
	if override.Output != "" {
		out.Output = override.Output
	}
	if override.Connections != 0 {
		out.Connections = override.Connections
	}
	if override.UserAgent != "" {
		out.UserAgent = override.UserAgent
	}
	if override.LogLevel != "" {
		out.LogLevel = override.LogLevel
	}
	return out
}
