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

// Package watch streams partial-output deltas to subscribed client sessions.
// Each session may watch one qid at a time; a watcher goroutine polls the
// supervisor's partial cache and ships hash-chained delta packets until the
// job finishes or the session goes away.
package watch

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.corp.nvidia.com/rayhost/pkg/delta"
	"go.corp.nvidia.com/rayhost/pkg/engine"
	"go.corp.nvidia.com/rayhost/pkg/link"
	"go.corp.nvidia.com/rayhost/pkg/store"
)

const pollPeriod = 100 * time.Millisecond

// Notifier delivers events to connected client sessions.
type Notifier interface {
	Emit(event, room string, data any)
}

// Registry tracks at most one watcher per session.
type Registry struct {
	engine    *engine.Engine
	store     *store.Service
	resources *store.Resources
	link      *link.Link
	notifier  Notifier

	// many marks the output schema root as an array, which changes the
	// refresh base document.
	many bool

	mu       sync.Mutex
	watchers map[string]*watcher
}

// NewRegistry returns an empty watcher registry.
func NewRegistry(e *engine.Engine, s *store.Service, r *store.Resources,
	l *link.Link, n Notifier, many bool) *Registry {
	return &Registry{
		engine:    e,
		store:     s,
		resources: r,
		link:      l,
		notifier:  n,
		many:      many,
		watchers:  map[string]*watcher{},
	}
}

// Watch points sid at qid, replacing any previous watch of that session.
func (reg *Registry) Watch(sid, qid string) {
	w := &watcher{reg: reg, sid: sid, qid: qid, done: make(chan struct{})}
	reg.mu.Lock()
	if previous := reg.watchers[sid]; previous != nil {
		previous.stop()
	}
	reg.watchers[sid] = w
	reg.mu.Unlock()
	go w.run()
}

// Unwatch stops the watcher of sid, if any.
func (reg *Registry) Unwatch(sid string) {
	reg.mu.Lock()
	if w := reg.watchers[sid]; w != nil {
		w.stop()
		delete(reg.watchers, sid)
	}
	reg.mu.Unlock()
}

// Reset forgets the last hash reported for qid, so the next emission to any
// watcher of qid is a full refresh. Clients call this when their accumulated
// document no longer chains.
func (reg *Registry) Reset(qid string) {
	reg.engine.ClearReportedHash(qid)
}

// Shutdown stops every watcher.
func (reg *Registry) Shutdown() {
	reg.mu.Lock()
	for sid, w := range reg.watchers {
		w.stop()
		delete(reg.watchers, sid)
	}
	reg.mu.Unlock()
}

func (reg *Registry) drop(sid string, w *watcher) {
	reg.mu.Lock()
	if reg.watchers[sid] == w {
		delete(reg.watchers, sid)
	}
	reg.mu.Unlock()
}

type watcher struct {
	reg *Registry
	sid string
	qid string

	once sync.Once
	done chan struct{}

	// previous is the last document shipped to this session; lastAt skips
	// unchanged cache entries without hashing them.
	previous json.RawMessage
	lastAt   time.Time
}

func (w *watcher) stop() {
	w.once.Do(func() { close(w.done) })
}

func (w *watcher) run() {
	defer w.reg.drop(w.sid, w)
	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
		}

		if !w.reg.link.IsActive(w.sid) {
			return
		}
		r := w.reg.engine.Ray(w.qid)
		w.notify(r.Snapshot())
		if r.IsFinished() {
			// The final output travels on the response event.
			return
		}
	}
}

// notify ships at most one delta packet per tick.
func (w *watcher) notify(snapshot any) {
	reg := w.reg
	partial, at, ok := reg.engine.PartialOutput(w.qid)
	if !ok || at.Equal(w.lastAt) {
		return
	}

	reported, hasReported := reg.engine.ReportedHash(w.qid)
	refresh := !hasReported || w.previous == nil
	base := w.previous
	if refresh {
		base = delta.EmptyRoot(reg.many)
	}

	packet, err := delta.Diff(base, partial, w.qid, refresh)
	if err != nil {
		slog.Error("Failed to compute partial delta", slog.String("qid", w.qid),
			slog.String("error", err.Error()))
		return
	}

	w.lastAt = at
	if hasReported && packet.NewHash == reported {
		// Another watcher (or a previous tick) already shipped this state.
		w.previous = cloneRaw(partial)
		return
	}

	// Persist the watched state so a late reader of out.json sees what the
	// watchers saw, with the execution's resource blobs already on disk.
	reg.resources.Lock(w.qid)
	if err := reg.store.SetAsset(w.qid, "out", partial); err != nil {
		slog.Error("Failed to persist partial output", slog.String("qid", w.qid),
			slog.String("error", err.Error()))
	}
	reg.resources.Unlock()

	reg.engine.SetReportedHash(w.qid, packet.NewHash)
	reg.notifier.Emit("partial", w.sid, map[string]any{
		"output": packet,
		"ray":    snapshot,
	})
	w.previous = cloneRaw(partial)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	return bytes.Clone(raw)
}
