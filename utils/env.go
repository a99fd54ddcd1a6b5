/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package utils

import (
	"log/slog"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// EnvConfigFile names the environment variable pointing at the optional YAML
// settings file consulted by GetEnvOrConfig. The worker child inherits it
// from the supervisor, so both processes resolve against the same file.
const EnvConfigFile = "RAYHOST_CONFIG_FILE"

// GetEnv returns the value of key, or defaultValue when unset or empty.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt returns key parsed as an integer. Unset, empty or malformed
// values fall back to defaultValue; malformed ones are logged since a typo
// in a port variable is otherwise invisible.
func GetEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Ignoring non-integer environment variable",
			slog.String("key", key), slog.String("value", value))
		return defaultValue
	}
	return n
}

// GetEnvBool returns key parsed with strconv.ParseBool, falling back to
// defaultValue when unset, empty or malformed.
func GetEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		slog.Warn("Ignoring non-boolean environment variable",
			slog.String("key", key), slog.String("value", value))
		return defaultValue
	}
	return b
}

var (
	settingsOnce sync.Once
	settings     map[string]string
)

// loadSettings parses the file named by EnvConfigFile once per process and
// caches its string-valued entries. Non-string values are skipped: settings
// resolved through this path are strings by contract, like their environment
// counterparts.
func loadSettings() map[string]string {
	settingsOnce.Do(func() {
		path := os.Getenv(EnvConfigFile)
		if path == "" {
			return
		}
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("Cannot read settings file",
				slog.String("path", path), slog.String("error", err.Error()))
			return
		}
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			slog.Warn("Cannot parse settings file",
				slog.String("path", path), slog.String("error", err.Error()))
			return
		}
		settings = make(map[string]string, len(raw))
		for key, value := range raw {
			if s, ok := value.(string); ok && s != "" {
				settings[key] = s
			}
		}
	})
	return settings
}

// GetEnvOrConfig resolves a setting with the precedence
// environment (envKey) > settings file (configKey) > defaultValue.
func GetEnvOrConfig(envKey, configKey, defaultValue string) string {
	if value := os.Getenv(envKey); value != "" {
		return value
	}
	if value, ok := loadSettings()[configKey]; ok {
		return value
	}
	return defaultValue
}
