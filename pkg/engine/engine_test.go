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

package engine

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.corp.nvidia.com/rayhost/pkg/ray"
	"go.corp.nvidia.com/rayhost/pkg/store"
)

// setupEngine builds an engine whose execute callback marks each popped ray
// completed, mimicking the supervisor awaiting a worker.
func setupEngine(t *testing.T) (*Engine, *store.Service, *executionLog) {
	t.Helper()
	service, err := store.NewService(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	log := &executionLog{}
	e := New(service, func(r *ray.Ray) {
		log.record(r.Qid)
		r.SetStatus(ray.StatusCompleted)
		r.Complete("")
	})
	t.Cleanup(e.Stop)
	return e, service, log
}

type executionLog struct {
	mu   sync.Mutex
	qids []string
}

func (l *executionLog) record(qid string) {
	l.mu.Lock()
	l.qids = append(l.qids, qid)
	l.mu.Unlock()
}

func (l *executionLog) count(qid string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, q := range l.qids {
		if q == qid {
			n++
		}
	}
	return n
}

func TestNewID_Format(t *testing.T) {
	t.Parallel()
	id := NewID()
	if len(id) != 32 {
		t.Errorf("expected 32 hex chars, got %d: %s", len(id), id)
	}
	if id == NewID() {
		t.Error("ids must be unique")
	}
}

func TestEngine_PrepareMintsAndPersists(t *testing.T) {
	t.Parallel()
	e, service, _ := setupEngine(t)

	qid := e.Prepare([]byte(`{"prompt":"hi"}`), "", "s1", "u1", "r1")
	if len(qid) != 32 {
		t.Fatalf("expected minted qid, got %q", qid)
	}

	if in := service.Asset(qid, "in"); string(in) != `{"prompt":"hi"}` {
		t.Errorf("input not persisted: %s", in)
	}
	data := service.Asset(qid, "ray")
	if data == nil {
		t.Fatal("ray not persisted")
	}
	persisted, err := ray.Load(data)
	if err != nil {
		t.Fatalf("persisted ray unreadable: %v", err)
	}
	if persisted.Sid != "s1" || persisted.Uid != "u1" || persisted.Rid != "r1" {
		t.Errorf("identity not stamped: %+v", persisted)
	}
}

func TestEngine_ProcessRunsExecution(t *testing.T) {
	t.Parallel()
	e, service, log := setupEngine(t)

	qid := e.Prepare([]byte(`{}`), "", "s1", "u1", "r1")
	if err := service.SetAsset(qid, "out", []byte(`{"done":true}`)); err != nil {
		t.Fatalf("failed to seed output: %v", err)
	}

	out := e.Process(qid)
	if string(out) != `{"done":true}` {
		t.Errorf("unexpected output: %s", out)
	}
	if !e.Ray(qid).IsFinished() {
		t.Error("ray must be finished after process")
	}
	if log.count(qid) == 0 {
		t.Error("execute callback never ran")
	}
}

func TestEngine_PrepareIdempotentWhileQueued(t *testing.T) {
	t.Parallel()
	service, err := store.NewService(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	block := make(chan struct{})
	log := &executionLog{}
	e := New(service, func(r *ray.Ray) {
		log.record(r.Qid)
		<-block
		r.Complete("")
	})
	t.Cleanup(e.Stop)

	// First prepare occupies the job goroutine; the second qid stays queued.
	first := e.Prepare([]byte(`{}`), "", "s1", "u1", "r1")
	time.Sleep(50 * time.Millisecond)
	second := e.Prepare([]byte(`{}`), "", "s1", "u1", "r2")
	second2 := e.Prepare([]byte(`{"v":2}`), second, "s1", "u1", "r2")
	if second2 != second {
		t.Fatalf("re-prepare changed the qid: %s != %s", second2, second)
	}
	if in := service.Asset(second, "in"); string(in) != `{"v":2}` {
		t.Errorf("re-prepare must refresh the input, got %s", in)
	}

	close(block)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e.Ray(second).IsFinished() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if log.count(second) != 1 {
		t.Errorf("queued qid must run once, ran %d times", log.count(second))
	}
	_ = first
}

func TestEngine_SeedsFromDisk(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	service, err := store.NewService(root)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	seeded := ray.New("q-persisted")
	seeded.Uid = "u1"
	seeded.SetStatus(ray.StatusQueued)
	data, err := seeded.Dump()
	if err != nil {
		t.Fatalf("dump failed: %v", err)
	}
	if err := service.SetAsset("q-persisted", "ray", data); err != nil {
		t.Fatalf("failed to seed ray: %v", err)
	}

	e := New(service, func(r *ray.Ray) { r.Complete("") })
	t.Cleanup(e.Stop)

	rays := e.PendingRays(func(r *ray.Ray) bool { return r.Uid == "u1" })
	if len(rays) != 1 || rays[0].Qid != "q-persisted" {
		t.Fatalf("persisted ray not recovered: %v", rays)
	}
	if rays[0].CurrentStatus() != ray.StatusQueued {
		t.Errorf("expected QUEUED, got %s", rays[0].CurrentStatus())
	}
}

func TestEngine_PendingRaysSortedByCreation(t *testing.T) {
	t.Parallel()
	e, _, _ := setupEngine(t)

	older := e.Ray("q-old")
	older.CreatedAt = time.Now().Add(-time.Hour)
	e.Ray("q-new")

	rays := e.PendingRays(nil)
	if len(rays) != 2 || rays[0].Qid != "q-old" {
		t.Errorf("expected creation order, got %v", rays)
	}
}

func TestEngine_Delete(t *testing.T) {
	t.Parallel()
	e, service, _ := setupEngine(t)

	qid := e.Prepare([]byte(`{}`), "", "s1", "u1", "r1")
	e.SetPartialOutput(qid, json.RawMessage(`{"p":1}`))
	e.SetReportedHash(qid, "abc")

	cancelled := false
	removed := e.Delete(qid, func(r *ray.Ray) { cancelled = true })

	if !cancelled {
		t.Error("delete must run the cancel path")
	}
	if removed.CurrentStatus() != ray.StatusRemoved {
		t.Errorf("expected REMOVED, got %s", removed.CurrentStatus())
	}
	if service.Asset(qid, "ray") != nil {
		t.Error("assets must be dropped")
	}
	if _, _, ok := e.PartialOutput(qid); ok {
		t.Error("partial cache must be dropped")
	}
	if _, ok := e.ReportedHash(qid); ok {
		t.Error("reported hash must be dropped")
	}

	// The registry entry is gone; a fresh lookup starts over in UNKNOWN.
	if e.Ray(qid).CurrentStatus() != ray.StatusUnknown {
		t.Error("deleted qid must not resurrect its old state")
	}
}

func TestEngine_PartialOutputCache(t *testing.T) {
	t.Parallel()
	e, _, _ := setupEngine(t)

	if _, _, ok := e.PartialOutput("q1"); ok {
		t.Error("empty cache must miss")
	}
	before := time.Now()
	e.SetPartialOutput("q1", json.RawMessage(`{"step":1}`))
	data, at, ok := e.PartialOutput("q1")
	if !ok || string(data) != `{"step":1}` {
		t.Fatalf("cache miss after set: %s", data)
	}
	if at.Before(before) {
		t.Error("cache must stamp the update time")
	}

	// Bounded cache: old entries fall out.
	for _, qid := range []string{"q2", "q3", "q4"} {
		e.SetPartialOutput(qid, json.RawMessage(`{}`))
	}
	if _, _, ok := e.PartialOutput("q1"); ok {
		t.Error("cache must evict the oldest entry")
	}
}

func TestEngine_ReportedHash(t *testing.T) {
	t.Parallel()
	e, _, _ := setupEngine(t)

	if _, ok := e.ReportedHash("q1"); ok {
		t.Error("empty cache must miss")
	}
	e.SetReportedHash("q1", "h1")
	if hash, ok := e.ReportedHash("q1"); !ok || hash != "h1" {
		t.Errorf("expected h1, got %q", hash)
	}
	e.ClearReportedHash("q1")
	if _, ok := e.ReportedHash("q1"); ok {
		t.Error("cleared hash must miss")
	}
}
