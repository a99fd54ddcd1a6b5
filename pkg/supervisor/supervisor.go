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

// Package supervisor is the parent-process side of the runtime. It owns the
// engine (queue and registry), spawns and monitors the worker process, fans
// inbound UPDATE messages out to connected client sessions and drives the
// cancel and suspend flows from the outside.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.corp.nvidia.com/rayhost/pkg/engine"
	"go.corp.nvidia.com/rayhost/pkg/ipc"
	"go.corp.nvidia.com/rayhost/pkg/link"
	"go.corp.nvidia.com/rayhost/pkg/ray"
	"go.corp.nvidia.com/rayhost/pkg/store"
	"go.corp.nvidia.com/rayhost/utils/metrics"
)

const (
	pollPeriod = 100 * time.Millisecond
	checkTicks = 10
)

// Notifier delivers events to connected client sessions. An empty room
// broadcasts to every active session.
type Notifier interface {
	Emit(event, room string, data any)
}

// Schemas are the JSON Schema documents served for the hosted application.
// The worker replaces them through SCHEMA_UPDATE once the application loads.
type Schemas struct {
	Input  json.RawMessage `json:"input"`
	Output json.RawMessage `json:"output"`
	Config json.RawMessage `json:"config"`
}

// Config assembles a Supervisor.
type Config struct {
	Store     *store.Service
	Resources *store.Resources
	Link      *link.Link
	Notifier  Notifier
	State     *ray.State

	// WorkerCommand overrides the worker command line; empty re-executes the
	// current binary.
	WorkerCommand string

	// Launcher overrides the worker spawn mechanism. It receives the port
	// the worker must bind and the supervisor endpoint to dial; tests use it
	// to run the dispatcher in-process over a real bus.
	Launcher func(workerPort, supervisorPort int) Launcher
}

// Supervisor runs jobs by delegating them to an external worker process over
// the bus and observing the resulting UPDATE stream.
type Supervisor struct {
	engine    *engine.Engine
	store     *store.Service
	resources *store.Resources
	link      *link.Link
	notifier  Notifier
	state     *ray.State
	launcher  Launcher

	publisher  *ipc.Publisher
	subscriber *ipc.Subscriber

	mu      sync.Mutex
	worker  Process
	schemas Schemas
}

// New reserves the bus port pair, binds the supervisor endpoint, starts
// listening for the worker and seeds the engine from persisted state. The
// worker itself is spawned lazily on the first dispatched job.
func New(cfg Config) (*Supervisor, error) {
	supervisorPort, workerPort, err := ipc.ReservePortPair()
	if err != nil {
		return nil, err
	}
	publisher, err := ipc.NewPublisher(supervisorPort)
	if err != nil {
		return nil, fmt.Errorf("failed to open supervisor bus endpoint: %w", err)
	}

	s := &Supervisor{
		store:     cfg.Store,
		resources: cfg.Resources,
		link:      cfg.Link,
		notifier:  cfg.Notifier,
		state:     cfg.State,
		publisher: publisher,
	}
	if s.state == nil {
		s.state = ray.NewState()
	}
	if cfg.Launcher != nil {
		s.launcher = cfg.Launcher(workerPort, publisher.Port())
	} else {
		s.launcher = NewLauncher(cfg.WorkerCommand, workerPort, publisher.Port(), cfg.Store.Root())
	}

	s.engine = engine.New(cfg.Store, s.process)

	handlers := &ipc.Handlers{
		OnUpdate:       s.onUpdate,
		OnAppState:     s.onAppState,
		OnLog:          s.onLog,
		OnExit:         s.onExit,
		OnFetch:        s.onFetch,
		OnSchemaUpdate: s.onSchemaUpdate,
		OnUnsupportedAction: func(action ipc.Action) {
			slog.Warn("Unsupported action from worker", slog.String("action", string(action)))
		},
	}
	s.subscriber = ipc.NewSubscriber(workerPort, handlers.Decode)
	return s, nil
}

// Engine exposes the job registry to the serving surface.
func (s *Supervisor) Engine() *engine.Engine {
	return s.engine
}

// State exposes the process state record.
func (s *Supervisor) State() *ray.State {
	return s.state
}

// Schemas returns the currently served schema documents.
func (s *Supervisor) Schemas() Schemas {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schemas
}

// SetSchemas installs the initial schema documents served before the worker
// reports its own.
func (s *Supervisor) SetSchemas(schemas Schemas) {
	s.mu.Lock()
	s.schemas = schemas
	s.mu.Unlock()
}

// Prepare stages a new execution and returns its qid. The job starts when
// the engine goroutine reaches it.
func (s *Supervisor) Prepare(data []byte, qid, sid, uid, rid string) string {
	qid = s.engine.Prepare(data, qid, sid, uid, rid)
	metrics.CountExecution(context.Background(), "queued")
	return qid
}

// Await blocks until qid finishes and returns the persisted output.
func (s *Supervisor) Await(qid string) []byte {
	return s.engine.Process(qid)
}

// process is the engine's execution callback: hand the qid to the worker and
// poll the ray until an UPDATE marks it finished. A periodic CHECK re-asserts
// the job, which doubles as crash recovery because dispatching respawns a
// dead worker.
func (s *Supervisor) process(r *ray.Ray) {
	start := time.Now()
	defer func() {
		metrics.ObserveExecutionDuration(context.Background(), time.Since(start))
		metrics.CountExecution(context.Background(),
			strings.ToLower(string(r.CurrentStatus())))
	}()

	s.Dispatch(ipc.Add(r.Qid), true)

	for ticks := 1; !r.IsFinished(); ticks++ {
		if s.state.Status() == ray.StateCrashed {
			slog.Error("Execution failed, application crashed", slog.String("qid", r.Qid))
			r.Message(ray.MessageError, "Execution failed - application crashed")
			r.SetStatus(ray.StatusFailed)
			r.Complete("")
			s.persistRay(r)
			s.fanOut(r)
			return
		}
		if ticks%checkTicks == 0 {
			s.Dispatch(ipc.Check(r.Qid), true)
		}
		time.Sleep(pollPeriod)
	}
}

// CancelExecution marks qid cancelled on the supervisor side and instructs
// the worker to stop it. The worker is never started for this: cancelling a
// job that only exists in persisted state must not wake anything up.
func (s *Supervisor) CancelExecution(qid string) *ray.Ray {
	r := s.engine.Ray(qid)
	slog.Info("Cancelling execution", slog.String("qid", qid))
	r.SetStatus(ray.StatusCanceled)
	r.Complete("")
	s.persistRay(r)
	s.Dispatch(ipc.Remove(qid), false)
	return r
}

// Delete withdraws qid entirely: queue, persisted assets, registry. An
// in-flight job is cancelled first.
func (s *Supervisor) Delete(qid string) *ray.Ray {
	return s.engine.Delete(qid, func(r *ray.Ray) {
		if !r.IsFinished() {
			r.SetStatus(ray.StatusCanceled)
			r.Complete("")
			s.Dispatch(ipc.Remove(qid), false)
		}
	})
}

// Sync tells the worker to re-read the persisted input of qid. Only relevant
// while the job runs, so a dead worker stays dead.
func (s *Supervisor) Sync(qid string) {
	s.Dispatch(ipc.Sync(qid), false)
}

// Configure tells the worker to reload the configuration stores.
func (s *Supervisor) Configure() {
	s.Dispatch(ipc.Configure(), false)
}

// Dispatch publishes one frame on the bus, spawning the worker first when
// startWorker is set and no live worker exists.
func (s *Supervisor) Dispatch(frame []byte, startWorker bool) {
	if startWorker {
		s.ensureWorker()
	}
	s.publisher.Publish(frame)
}

func (s *Supervisor) ensureWorker() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker != nil && s.worker.Alive() {
		return
	}
	worker, err := s.launcher.Launch()
	if err != nil {
		slog.Error("Failed to start worker", slog.String("error", err.Error()))
		s.state.SetStatus(ray.StateCrashed)
		return
	}
	s.worker = worker
	s.state.SetStatus(ray.StateStarting)
}

// Shutdown stops the engine, kills the worker and closes the bus. Cached
// stores are flushed last.
func (s *Supervisor) Shutdown() {
	s.engine.Stop()
	s.mu.Lock()
	worker := s.worker
	s.mu.Unlock()
	if worker != nil {
		worker.Kill()
	}
	s.subscriber.Close()
	s.publisher.Close()
	s.store.Flush()
}

func (s *Supervisor) persistRay(r *ray.Ray) {
	data, err := r.Dump()
	if err != nil {
		slog.Error("Failed to serialize ray", slog.String("qid", r.Qid),
			slog.String("error", err.Error()))
		return
	}
	if err := s.store.SetAsset(r.Qid, "ray", data); err != nil {
		slog.Error("Failed to persist ray", slog.String("qid", r.Qid),
			slog.String("error", err.Error()))
	}
}

// onUpdate absorbs one artifact batch from the worker. Partial outputs only
// feed the watcher cache; everything else is persisted, and a carried ray
// triggers the client fan-out.
func (s *Supervisor) onUpdate(p ipc.UpdatePayload) {
	if p.Qid == "" {
		return
	}
	if p.Partial != nil {
		s.engine.SetPartialOutput(p.Qid, p.Partial)
	}
	if p.Input != nil {
		if err := s.store.SetAsset(p.Qid, "in", p.Input); err != nil {
			slog.Error("Failed to persist input", slog.String("qid", p.Qid),
				slog.String("error", err.Error()))
		}
	}
	if p.Output != nil {
		if err := s.store.SetAsset(p.Qid, "out", p.Output); err != nil {
			slog.Error("Failed to persist output", slog.String("qid", p.Qid),
				slog.String("error", err.Error()))
		}
	}
	if p.Ray == nil {
		return
	}
	update, err := ray.Load(p.Ray)
	if err != nil {
		slog.Error("Discarding undecodable ray update", slog.String("qid", p.Qid),
			slog.String("error", err.Error()))
		return
	}
	r := s.engine.Ray(p.Qid)
	r.Merge(update)
	s.persistRay(r)
	s.fanOut(r)
}

// fanOut pushes the ray to every session of its user plus the originating
// session. Finished rays ship as a response (with the persisted output);
// everything else is a progress event.
func (s *Supervisor) fanOut(r *ray.Ray) {
	if s.notifier == nil {
		return
	}
	snapshot := r.Snapshot()

	rooms := map[string]struct{}{}
	for _, sid := range s.link.UserSessions(snapshot.Uid) {
		rooms[sid] = struct{}{}
	}
	if snapshot.Sid != "" && s.link.IsActive(snapshot.Sid) {
		rooms[snapshot.Sid] = struct{}{}
	}
	if len(rooms) == 0 {
		return
	}

	var payload any
	event := "progress"
	if snapshot.Finished {
		event = "response"
		payload = map[string]any{
			"ray":       snapshot,
			"output":    json.RawMessage(s.store.Asset(snapshot.Qid, "out")),
			"output_ts": s.store.AssetTimestamp(snapshot.Qid, "out"),
		}
	} else {
		payload = map[string]any{"ray": snapshot}
	}

	for sid := range rooms {
		s.notifier.Emit(event, sid, payload)
	}
}

func (s *Supervisor) onAppState(p ipc.AppStatePayload) {
	slog.Info("Worker state", slog.String("status", p.Status))
	s.state.SetStatus(ray.StateStatus(p.Status))
}

// onLog replays one worker log record at its original level.
func (s *Supervisor) onLog(p ipc.LogPayload) {
	logger := slog.Default().With(slog.String("source", "worker"))
	switch p.Level {
	case "DEBUG":
		logger.Debug(p.Message)
	case "WARN", "WARNING":
		logger.Warn(p.Message)
	case "ERROR", "CRITICAL":
		logger.Error(p.Message)
	default:
		logger.Info(p.Message)
	}
}

// onExit reaps the worker. A "suspend" reason is the clean idle shutdown;
// the next dispatched job wakes everything back up.
func (s *Supervisor) onExit(reason string) {
	s.mu.Lock()
	worker := s.worker
	s.worker = nil
	s.mu.Unlock()
	if worker != nil {
		worker.Kill()
	}
	if reason == "suspend" {
		slog.Info("Application suspended")
		s.state.SetStatus(ray.StatePaused)
	}
}

// onFetch answers worker queries. "queue" re-asserts every unfinished ray,
// which is how a freshly (re)started worker relearns its backlog.
func (s *Supervisor) onFetch(field string) {
	if field != "queue" {
		slog.Warn("Unsupported fetch", slog.String("field", field))
		return
	}
	for _, r := range s.engine.PendingRays(func(r *ray.Ray) bool {
		return !r.IsFinished() && r.CurrentStatus() == ray.StatusQueued
	}) {
		s.Dispatch(ipc.Check(r.Qid), false)
	}
}

// onSchemaUpdate swaps the served schema documents and tells connected
// clients to refetch.
func (s *Supervisor) onSchemaUpdate(p ipc.SchemaUpdatePayload) {
	s.mu.Lock()
	if p.Input != nil {
		s.schemas.Input = p.Input
	}
	if p.Output != nil {
		s.schemas.Output = p.Output
	}
	if p.Config != nil {
		s.schemas.Config = p.Config
	}
	schemas := s.schemas
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.Emit("schema_update", "", schemas)
	}
}
