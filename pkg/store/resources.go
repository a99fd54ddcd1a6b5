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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const resourcesLocation = "resources"

// Resources is the content-addressed blob store. Blobs are named
// <type>_<encoding>_<sha256> and live under resources/, or under
// executions/<qid>/ while the per-execution lock of qid is held, so
// cancelling a job also garbage-collects its interim resources.
//
// The lock serializes output serialization against resource writes: every
// resource key referenced from out.json exists on disk before out.json
// becomes readable.
type Resources struct {
	root string

	mu       sync.Mutex
	cond     *sync.Cond
	holder   string
	depth    int
	location string
}

// NewResources returns a Resources store rooted at the datastore directory.
func NewResources(root string) *Resources {
	r := &Resources{root: root, location: resourcesLocation}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Lock acquires the per-execution resource lock for qid, redirecting writes
// into the execution's directory. Re-entrant for the same qid; other holders
// block until released.
func (r *Resources) Lock(qid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.holder != "" && r.holder != qid {
		r.cond.Wait()
	}
	r.holder = qid
	r.depth++
	if qid != "" {
		r.location = filepath.Join("executions", qid)
	}
}

// Unlock releases one level of the resource lock.
func (r *Resources) Unlock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.depth == 0 {
		return
	}
	r.depth--
	if r.depth == 0 {
		r.holder = ""
		r.location = resourcesLocation
		r.cond.Broadcast()
	}
}

// ComputeHash returns the hex SHA-256 of data.
func ComputeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Write stores a blob under its content-addressed name and returns the
// resource id "<type>_<encoding>_<hash>/<location>". Nil data returns "".
// An empty hash is computed from the data.
func (r *Resources) Write(data []byte, hash, resourceType, encoding string) string {
	if data == nil {
		return ""
	}
	if hash == "" {
		hash = ComputeHash(data)
	}

	r.mu.Lock()
	location := r.location
	r.mu.Unlock()

	dir := filepath.Join(r.root, location)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("Failed to create resource directory", slog.String("path", dir),
			slog.String("error", err.Error()))
		return ""
	}

	key := fmt.Sprintf("%s_%s_%s", resourceType, encoding, hash)
	path := filepath.Join(dir, key)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		slog.Error("Failed to write resource", slog.String("path", path),
			slog.String("error", err.Error()))
		return ""
	}
	return key + "/" + filepath.ToSlash(location)
}

// Read resolves a resource id to its content and sniffed MIME type.
// Returns (nil, "") on miss or on a path outside the datastore.
func (r *Resources) Read(reid string) ([]byte, string) {
	parts := strings.Split(reid, "/")
	location := ""
	if len(parts) > 1 {
		location = parts[1]
	}

	// The key is the first segment; everything after it is the location.
	// Reject anything outside the two known areas, including traversal.
	if location != "executions" && location != "resources" {
		slog.Error("Invalid resource location", slog.String("reid", reid))
		return nil, ""
	}
	for _, part := range parts {
		if part == ".." || part == "" {
			slog.Error("Invalid resource id", slog.String("reid", reid))
			return nil, ""
		}
	}

	// Rotate the key to the end: <key>/<location...> -> <location...>/<key>.
	rotated := append(append([]string{}, parts[1:]...), parts[0])
	path := filepath.Join(append([]string{r.root}, rotated...)...)

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Resource not found", slog.String("reid", reid))
		return nil, ""
	}

	mime := http.DetectContentType(data)
	if strings.HasSuffix(path, ".json") {
		mime = "application/json"
	}
	return data, mime
}
