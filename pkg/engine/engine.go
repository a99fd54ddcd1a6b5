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

// Package engine is the supervisor-side job registry: the in-memory ray map,
// the task FIFO feeding the job goroutine, and the bounded partial-output
// caches. The engine appears to run jobs, but actually delegates each popped
// qid to the injected execution callback, which is the supervisor's blocking
// await on the external worker process.
package engine

import (
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"go.corp.nvidia.com/rayhost/pkg/ray"
	"go.corp.nvidia.com/rayhost/pkg/store"
	"go.corp.nvidia.com/rayhost/utils/benchmark"
)

const partialCacheSize = 3

// ExecuteFunc blocks until the given ray reaches finished.
type ExecuteFunc func(*ray.Ray)

// NewID mints a 32-character hex identifier, used for qids, sids and rids.
func NewID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

type partialEntry struct {
	data json.RawMessage
	at   time.Time
}

// Engine owns the {qid -> Ray} registry, the task FIFO and two LRU caches:
// the last deserialized partial output per qid and the last hash already
// reported to a watcher. One condition variable guards all of them.
type Engine struct {
	store   *store.Service
	execute ExecuteFunc

	mu       sync.Mutex
	cond     *sync.Cond
	rays     map[string]*ray.Ray
	tasks    []string
	running  bool
	partials *lru.Cache[string, partialEntry]
	reported *lru.Cache[string, string]
}

// New seeds the registry from persisted rays and starts the job goroutine.
func New(service *store.Service, execute ExecuteFunc) *Engine {
	partials, _ := lru.New[string, partialEntry](partialCacheSize)
	reported, _ := lru.New[string, string](partialCacheSize)
	e := &Engine{
		store:    service,
		execute:  execute,
		rays:     map[string]*ray.Ray{},
		running:  true,
		partials: partials,
		reported: reported,
	}
	e.cond = sync.NewCond(&e.mu)

	for _, qid := range service.Executions() {
		data := service.Asset(qid, "ray")
		if data == nil {
			continue
		}
		r, err := ray.Load(data)
		if err != nil {
			slog.Warn("Skipping unreadable persisted ray", slog.String("qid", qid),
				slog.String("error", err.Error()))
			continue
		}
		e.rays[qid] = r
	}

	go e.loop()
	return e
}

func (e *Engine) loop() {
	for {
		e.mu.Lock()
		for e.running && len(e.tasks) == 0 {
			e.cond.Wait()
		}
		if !e.running {
			e.mu.Unlock()
			return
		}
		qid := e.tasks[0]
		e.tasks = e.tasks[1:]
		e.mu.Unlock()

		e.await(qid)
	}
}

func (e *Engine) await(qid string) {
	defer benchmark.MeasureBlockTime("Engine::execution_callback_function")()
	e.execute(e.Ray(qid))
}

// Stop terminates the job goroutine. Pending tasks are left on disk only.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Prepare stages a new execution: mints a qid when absent, persists the ray
// (QUEUED) and the input, and enqueues. Re-preparing a still-queued qid is
// idempotent apart from refreshing the persisted input.
func (e *Engine) Prepare(data []byte, qid, sid, uid, rid string) string {
	e.mu.Lock()
	if qid == "" {
		qid = NewID()
	}
	r := e.rayLocked(qid)
	r.Sid = sid
	r.Uid = uid
	r.Rid = rid
	r.SetStatus(ray.StatusQueued)

	e.persistLocked(qid, r)
	if err := e.store.SetAsset(qid, "in", data); err != nil {
		slog.Error("Failed to persist input", slog.String("qid", qid),
			slog.String("error", err.Error()))
	}

	if !e.queuedLocked(qid) {
		e.tasks = append(e.tasks, qid)
	}
	e.cond.Broadcast()
	e.mu.Unlock()
	return qid
}

func (e *Engine) queuedLocked(qid string) bool {
	for _, queued := range e.tasks {
		if queued == qid {
			return true
		}
	}
	return false
}

func (e *Engine) persistLocked(qid string, r *ray.Ray) {
	data, err := r.Dump()
	if err != nil {
		slog.Error("Failed to serialize ray", slog.String("qid", qid),
			slog.String("error", err.Error()))
		return
	}
	if err := e.store.SetAsset(qid, "ray", data); err != nil {
		slog.Error("Failed to persist ray", slog.String("qid", qid),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) rayLocked(qid string) *ray.Ray {
	r := e.rays[qid]
	if r == nil {
		r = ray.New(qid)
		e.rays[qid] = r
	}
	return r
}

// Ray returns the registered ray for qid, creating one on miss.
func (e *Engine) Ray(qid string) *ray.Ray {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rayLocked(qid)
}

// Rays returns every registered ray matching criteria (nil matches all).
func (e *Engine) Rays(criteria func(*ray.Ray) bool) []*ray.Ray {
	e.mu.Lock()
	defer e.mu.Unlock()
	rays := make([]*ray.Ray, 0, len(e.rays))
	for _, r := range e.rays {
		if criteria == nil || criteria(r) {
			rays = append(rays, r)
		}
	}
	return rays
}

// PendingRays returns matching rays sorted by creation time.
func (e *Engine) PendingRays(criteria func(*ray.Ray) bool) []*ray.Ray {
	rays := e.Rays(criteria)
	sort.Slice(rays, func(i, j int) bool {
		return rays[i].CreatedAt.Before(rays[j].CreatedAt)
	})
	return rays
}

// Process blocks until qid finishes and returns the last persisted output
// (possibly nil). Safe to call concurrently with the job goroutine working
// the same qid; both just await the same ray.
func (e *Engine) Process(qid string) []byte {
	e.await(qid)
	return e.store.Asset(qid, "out")
}

// Delete withdraws qid everywhere: dequeues it, runs the cancel path,
// drops the persisted assets and the in-memory entry. The returned ray is
// stamped REMOVED.
func (e *Engine) Delete(qid string, cancel func(*ray.Ray)) *ray.Ray {
	e.mu.Lock()
	tasks := e.tasks[:0]
	for _, queued := range e.tasks {
		if queued != qid {
			tasks = append(tasks, queued)
		}
	}
	e.tasks = tasks
	r := e.rayLocked(qid)
	delete(e.rays, qid)
	e.cond.Broadcast()
	e.mu.Unlock()

	if cancel != nil {
		cancel(r)
	}
	e.store.DropAssets(qid)
	e.partials.Remove(qid)
	e.reported.Remove(qid)
	r.SetStatus(ray.StatusRemoved)
	return r
}

// SetPartialOutput caches the latest partial output for qid.
func (e *Engine) SetPartialOutput(qid string, partial json.RawMessage) {
	e.partials.Add(qid, partialEntry{data: partial, at: time.Now()})
}

// PartialOutput returns the cached partial output and its update time.
func (e *Engine) PartialOutput(qid string) (json.RawMessage, time.Time, bool) {
	entry, ok := e.partials.Get(qid)
	if !ok {
		return nil, time.Time{}, false
	}
	return entry.data, entry.at, true
}

// ReportedHash returns the last partial hash shipped to a watcher of qid.
func (e *Engine) ReportedHash(qid string) (string, bool) {
	return e.reported.Get(qid)
}

// SetReportedHash records the last partial hash shipped to a watcher.
func (e *Engine) SetReportedHash(qid, hash string) {
	e.reported.Add(qid, hash)
}

// ClearReportedHash forgets the reported hash so the next emission for qid
// is a refresh.
func (e *Engine) ClearReportedHash(qid string) {
	e.reported.Remove(qid)
}
