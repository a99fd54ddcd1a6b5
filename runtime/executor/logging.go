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

package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// BusHandler is a slog.Handler that forwards records to the supervisor as
// LOG messages. The worker's stdio is discarded by the parent, so the bus is
// the only way its logs reach the service log.
type BusHandler struct {
	level   slog.Level
	forward func(level, message string)
	attrs   []slog.Attr
	groups  []string
}

// NewBusHandler creates a handler shipping records through forward.
func NewBusHandler(level slog.Level, forward func(level, message string)) *BusHandler {
	return &BusHandler{level: level, forward: forward}
}

// Enabled reports whether the handler handles records at the given level.
func (h *BusHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle formats the record as "<message> key=value ..." and forwards it.
func (h *BusHandler) Handle(_ context.Context, r slog.Record) error {
	parts := []string{r.Message}
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		parts = append(parts, fmt.Sprintf("%s%s=%s", prefix, a.Key, a.Value.String()))
	}
	r.Attrs(func(a slog.Attr) bool {
		parts = append(parts, fmt.Sprintf("%s=%s", a.Key, a.Value.String()))
		return true
	})
	h.forward(levelName(r.Level), strings.Join(parts, " "))
	return nil
}

// WithAttrs returns a new Handler with the given attributes pre-set.
func (h *BusHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &BusHandler{level: h.level, forward: h.forward, attrs: newAttrs, groups: h.groups}
}

// WithGroup returns a new Handler with the given group name prepended to
// subsequent attribute keys.
func (h *BusHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &BusHandler{level: h.level, forward: h.forward, attrs: h.attrs, groups: newGroups}
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
