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

// Package store implements the on-disk state of the runtime: per-execution
// asset files, generic key-value stores and the content-addressed resource
// blob store. Writers follow a write-then-reference contract: every write is
// atomic (temp + rename) and readers tolerate absent files by returning nil.
package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/renameio/v2"
)

const kvCacheSize = 10

// Service is the asset store rooted at a datastore directory. Each execution
// owns a directory executions/<qid>/ holding its {in,out,ray}.json blobs.
type Service struct {
	root string
	kvs  *lru.Cache[string, *KeyValueDB]
}

// NewService creates the datastore directory if needed and returns a Service.
func NewService(root string) (*Service, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create datastore %s: %w", root, err)
	}
	kvs, err := lru.NewWithEvict(kvCacheSize, func(name string, kv *KeyValueDB) {
		slog.Debug("Evicting key-value store", slog.String("name", name))
		kv.Dump()
	})
	if err != nil {
		return nil, err
	}
	return &Service{root: root, kvs: kvs}, nil
}

// Root returns the datastore directory.
func (s *Service) Root() string {
	return s.root
}

func (s *Service) assetPath(qid, key string) string {
	return filepath.Join(s.root, "executions", qid, key+".json")
}

// SetAsset atomically persists one asset blob. Nil data is a no-op.
func (s *Service) SetAsset(qid, key string, data []byte) error {
	if data == nil {
		return nil
	}
	path := s.assetPath(qid, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create execution directory for %s: %w", qid, err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write asset %s: %w", path, err)
	}
	return nil
}

// Asset returns the asset blob, or nil when absent or unreadable.
func (s *Service) Asset(qid, key string) []byte {
	path := s.assetPath(qid, key)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("Failed to read asset", slog.String("path", path),
				slog.String("error", err.Error()))
		}
		return nil
	}
	return data
}

// AssetTimestamp returns the asset's mtime, or the zero time when absent.
// Watchers use it to detect freshness without hashing.
func (s *Service) AssetTimestamp(qid, key string) time.Time {
	info, err := os.Stat(s.assetPath(qid, key))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// DropAssets removes the execution directory of qid.
func (s *Service) DropAssets(qid string) {
	path := filepath.Join(s.root, "executions", qid)
	if err := os.RemoveAll(path); err != nil {
		slog.Error("Failed to delete assets", slog.String("path", path),
			slog.String("error", err.Error()))
	}
}

// Executions lists the qids with persisted assets.
func (s *Service) Executions() []string {
	entries, err := os.ReadDir(filepath.Join(s.root, "executions"))
	if err != nil {
		return nil
	}
	qids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			qids = append(qids, entry.Name())
		}
	}
	return qids
}

// KV returns the named key-value store backed by <root>/<name>.json.
// Instances are cached; evicted instances are flushed.
func (s *Service) KV(name string) *KeyValueDB {
	if kv, ok := s.kvs.Get(name); ok {
		return kv
	}
	kv := NewKeyValueDB(name, s.root, false)
	s.kvs.Add(name, kv)
	return kv
}

// Flush dumps every cached key-value store to disk.
func (s *Service) Flush() {
	for _, name := range s.kvs.Keys() {
		if kv, ok := s.kvs.Get(name); ok {
			kv.Dump()
		}
	}
}
