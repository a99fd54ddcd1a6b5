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
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setupService(t *testing.T) *Service {
	t.Helper()
	service, err := NewService(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestService_AssetRoundTrip(t *testing.T) {
	t.Parallel()
	service := setupService(t)

	if err := service.SetAsset("q1", "in", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if got := service.Asset("q1", "in"); string(got) != `{"n":1}` {
		t.Errorf("unexpected asset: %s", got)
	}
	if got := service.Asset("q1", "out"); got != nil {
		t.Errorf("absent asset must be nil, got %s", got)
	}
	if got := service.Asset("missing", "in"); got != nil {
		t.Errorf("absent execution must be nil, got %s", got)
	}
}

func TestService_SetAssetNilIsNoop(t *testing.T) {
	t.Parallel()
	service := setupService(t)

	if err := service.SetAsset("q1", "in", nil); err != nil {
		t.Fatalf("nil set must succeed: %v", err)
	}
	if service.Asset("q1", "in") != nil {
		t.Error("nil set must not create the asset")
	}
}

func TestService_AssetTimestamp(t *testing.T) {
	t.Parallel()
	service := setupService(t)

	if !service.AssetTimestamp("q1", "out").IsZero() {
		t.Error("absent asset must report the zero time")
	}
	before := time.Now().Add(-time.Second)
	if err := service.SetAsset("q1", "out", []byte(`{}`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	at := service.AssetTimestamp("q1", "out")
	if at.Before(before) {
		t.Errorf("timestamp not refreshed: %v", at)
	}
}

func TestService_DropAssetsAndExecutions(t *testing.T) {
	t.Parallel()
	service := setupService(t)

	for _, qid := range []string{"q1", "q2"} {
		if err := service.SetAsset(qid, "ray", []byte(`{}`)); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}
	qids := service.Executions()
	if len(qids) != 2 {
		t.Fatalf("expected 2 executions, got %v", qids)
	}

	service.DropAssets("q1")
	if service.Asset("q1", "ray") != nil {
		t.Error("dropped asset still readable")
	}
	qids = service.Executions()
	if len(qids) != 1 || qids[0] != "q2" {
		t.Errorf("expected only q2, got %v", qids)
	}
}

func TestService_KVCachedAndFlushed(t *testing.T) {
	t.Parallel()
	service := setupService(t)

	kv := service.KV("settings")
	kv.Set("k", json.RawMessage(`"v"`))
	if again := service.KV("settings"); again != kv {
		t.Error("expected the cached instance")
	}

	service.Flush()
	path := filepath.Join(service.Root(), "settings.json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("flush did not persist the store: %v", err)
	}
}

func TestKeyValueDB_PersistenceRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	kv := NewKeyValueDB("db", dir, false)
	kv.Set("alpha", json.RawMessage(`{"x":1}`))
	kv.Set("beta", json.RawMessage(`2`))
	kv.Rem("beta")
	kv.Dump()

	reloaded := NewKeyValueDB("db", dir, false)
	if !reloaded.Exists("alpha") {
		t.Error("alpha lost across reload")
	}
	if string(reloaded.Get("alpha")) != `{"x":1}` {
		t.Errorf("unexpected value: %s", reloaded.Get("alpha"))
	}
	if reloaded.Exists("beta") {
		t.Error("removed key survived the reload")
	}
	if keys := reloaded.Keys(); len(keys) != 1 {
		t.Errorf("expected 1 key, got %v", keys)
	}
}

func TestKeyValueDB_DumpOnlyWhenDirty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	kv := NewKeyValueDB("db", dir, false)
	kv.Set("k", json.RawMessage(`1`))
	kv.Dump()

	path := filepath.Join(dir, "db.json")
	first, err := os.Stat(path)
	if err != nil {
		t.Fatalf("dump did not persist: %v", err)
	}

	// Same value again: still clean, a dump must not rewrite the file.
	kv.Set("k", json.RawMessage(`1`))
	time.Sleep(10 * time.Millisecond)
	kv.Dump()
	second, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if !second.ModTime().Equal(first.ModTime()) {
		t.Error("clean dump rewrote the backing file")
	}
}

func TestKeyValueDB_AutodumpPersistsEachMutation(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	kv := NewKeyValueDB("db", dir, true)
	kv.Set("k", json.RawMessage(`true`))

	reloaded := NewKeyValueDB("db", dir, false)
	if string(reloaded.Get("k")) != "true" {
		t.Error("autodump did not persist the mutation")
	}
}

func TestKeyValueDB_CorruptedFileRecreated(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "db.json")
	if err := os.WriteFile(path, []byte("{corrupt"), 0o644); err != nil {
		t.Fatalf("failed to seed corrupt file: %v", err)
	}

	kv := NewKeyValueDB("db", dir, false)
	if len(kv.Keys()) != 0 {
		t.Error("corrupt store must start empty")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupt backing file must be removed")
	}
}

func TestKeyValueDB_Drop(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	kv := NewKeyValueDB("db", dir, true)
	kv.Set("k", json.RawMessage(`1`))
	kv.Drop()

	if kv.Exists("k") {
		t.Error("drop must clear in-memory state")
	}
	if _, err := os.Stat(filepath.Join(dir, "db.json")); !os.IsNotExist(err) {
		t.Error("drop must remove the backing file")
	}
}

func TestResources_WriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	resources := NewResources(t.TempDir())

	data := []byte(`{"tensor": [1, 2, 3]}`)
	reid := resources.Write(data, "", "blob", "json")
	if reid == "" {
		t.Fatal("write returned empty resource id")
	}
	if !strings.HasPrefix(reid, "blob_json_") {
		t.Errorf("unexpected resource id: %s", reid)
	}
	if !strings.HasSuffix(reid, "/resources") {
		t.Errorf("unlocked writes must land in resources/: %s", reid)
	}

	got, mime := resources.Read(reid)
	if string(got) != string(data) {
		t.Errorf("content mismatch: %s", got)
	}
	if mime == "" {
		t.Error("expected a sniffed mime type")
	}
}

func TestResources_LockRedirectsToExecution(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	resources := NewResources(root)

	resources.Lock("q1")
	reid := resources.Write([]byte("payload"), "", "blob", "raw")
	resources.Unlock()

	if !strings.HasSuffix(reid, "/executions/q1") {
		t.Fatalf("locked writes must land in executions/<qid>/: %s", reid)
	}
	key := strings.SplitN(reid, "/", 2)[0]
	if _, err := os.Stat(filepath.Join(root, "executions", "q1", key)); err != nil {
		t.Errorf("blob not found under the execution directory: %v", err)
	}

	got, _ := resources.Read(reid)
	if string(got) != "payload" {
		t.Errorf("content mismatch: %s", got)
	}
}

func TestResources_LockReentrantAndExclusive(t *testing.T) {
	t.Parallel()
	resources := NewResources(t.TempDir())

	resources.Lock("q1")
	resources.Lock("q1") // re-entrant for the same holder

	acquired := make(chan struct{})
	go func() {
		resources.Lock("q2")
		close(acquired)
		resources.Unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("q2 acquired the lock while q1 held it")
	case <-time.After(50 * time.Millisecond):
	}

	resources.Unlock()
	select {
	case <-acquired:
		t.Fatal("q2 acquired the lock before the last release")
	case <-time.After(50 * time.Millisecond):
	}

	resources.Unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("q2 never acquired the lock after release")
	}
}

func TestResources_ReadRejectsTraversal(t *testing.T) {
	t.Parallel()
	resources := NewResources(t.TempDir())

	for _, reid := range []string{
		"blob_raw_abc/../../etc",
		"blob_raw_abc/elsewhere",
		"blob_raw_abc",
		"",
	} {
		if data, _ := resources.Read(reid); data != nil {
			t.Errorf("expected nil for invalid reid %q", reid)
		}
	}
}

func TestResources_WriteNilReturnsEmpty(t *testing.T) {
	t.Parallel()
	resources := NewResources(t.TempDir())
	if reid := resources.Write(nil, "", "blob", "raw"); reid != "" {
		t.Errorf("nil data must return empty id, got %s", reid)
	}
}
