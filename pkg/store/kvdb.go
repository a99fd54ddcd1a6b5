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

package store

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
)

// KeyValueDB is a JSON-file-backed map of string keys to raw JSON values.
// Mutations mark the store dirty; Dump persists only when dirty. A corrupted
// backing file is removed and recreated empty.
type KeyValueDB struct {
	mu       sync.Mutex
	name     string
	path     string
	autodump bool
	dirty    bool
	data     map[string]json.RawMessage
}

// NewKeyValueDB loads (or creates) the store <path>/<name>.json.
func NewKeyValueDB(name, path string, autodump bool) *KeyValueDB {
	kv := &KeyValueDB{
		name:     name,
		path:     filepath.Join(path, name+".json"),
		autodump: autodump,
	}
	kv.load()
	return kv
}

func (kv *KeyValueDB) load() {
	kv.data = map[string]json.RawMessage{}
	data, err := os.ReadFile(kv.path)
	if err != nil {
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return
	}
	if err := json.Unmarshal(data, &kv.data); err != nil {
		slog.Error("Store is corrupted, recreating it", slog.String("path", kv.path),
			slog.String("error", err.Error()))
		os.Remove(kv.path)
		kv.data = map[string]json.RawMessage{}
	}
}

// Reload discards in-memory state and re-reads the backing file.
func (kv *KeyValueDB) Reload() {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.load()
	kv.dirty = false
}

// Exists reports whether key is present.
func (kv *KeyValueDB) Exists(key string) bool {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	_, ok := kv.data[key]
	return ok
}

// Get returns the raw value for key, or nil when absent.
func (kv *KeyValueDB) Get(key string) json.RawMessage {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.data[key]
}

// Set stores a raw value for key.
func (kv *KeyValueDB) Set(key string, value json.RawMessage) {
	kv.mu.Lock()
	if !bytes.Equal(kv.data[key], value) {
		kv.dirty = true
	}
	kv.data[key] = value
	kv.mu.Unlock()
	if kv.autodump {
		kv.Dump()
	}
}

// Rem removes key.
func (kv *KeyValueDB) Rem(key string) {
	kv.mu.Lock()
	if _, ok := kv.data[key]; ok {
		kv.dirty = true
	}
	delete(kv.data, key)
	kv.mu.Unlock()
	if kv.autodump {
		kv.Dump()
	}
}

// Keys returns the present keys.
func (kv *KeyValueDB) Keys() []string {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	keys := make([]string, 0, len(kv.data))
	for key := range kv.data {
		keys = append(keys, key)
	}
	return keys
}

// All returns a copy of the full map.
func (kv *KeyValueDB) All() map[string]json.RawMessage {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	all := make(map[string]json.RawMessage, len(kv.data))
	for key, value := range kv.data {
		all[key] = value
	}
	return all
}

// Dump persists the store when dirty.
func (kv *KeyValueDB) Dump() {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if !kv.dirty {
		return
	}
	data, err := json.Marshal(kv.data)
	if err != nil {
		slog.Error("Failed to serialize store", slog.String("path", kv.path),
			slog.String("error", err.Error()))
		return
	}
	if err := renameio.WriteFile(kv.path, data, 0o644); err != nil {
		slog.Error("Failed to persist store", slog.String("path", kv.path),
			slog.String("error", err.Error()))
		return
	}
	kv.dirty = false
}

// Drop clears the store and removes the backing file.
func (kv *KeyValueDB) Drop() {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.data = map[string]json.RawMessage{}
	kv.dirty = false
	if err := os.Remove(kv.path); err != nil && !os.IsNotExist(err) {
		slog.Error("Failed to remove store", slog.String("path", kv.path),
			slog.String("error", err.Error()))
	}
}
