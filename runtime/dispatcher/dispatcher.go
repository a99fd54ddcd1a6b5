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

// Package dispatcher is the worker-side job loop. It consumes ADD messages,
// runs the user callback for each qid strictly in order, streams ray and
// partial-output updates through the throttled publisher, and implements the
// cancel (hara-kiri) and suspend state machines.
package dispatcher

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.corp.nvidia.com/rayhost/pkg/ipc"
	"go.corp.nvidia.com/rayhost/pkg/ray"
	"go.corp.nvidia.com/rayhost/pkg/store"
	"go.corp.nvidia.com/rayhost/runtime/app"
	"go.corp.nvidia.com/rayhost/utils/benchmark"
)

const (
	tickPeriod        = 100 * time.Millisecond
	ticksPerSecond    = 10
	haraKiriTimeout   = 1 * time.Second
	suspendRetryTicks = 10
	stateConfigStore  = "state_config"
)

// Dispatcher runs jobs one at a time inside the worker process. A single
// condition lock guards the queue, the current qid and the active session
// model; while the user callback runs, no other job can start.
type Dispatcher struct {
	binding   *app.Binding
	notifier  *UpdatePublisher
	publish   PublishFunc
	store     *store.Service
	resources *store.Resources
	state     *ray.State

	mu          sync.Mutex
	queue       []string
	currentQid  string
	activeModel *app.Model
	current     *ray.Ray
	timers      []*time.Timer

	running  atomic.Bool
	stopped  chan struct{}
	killed   chan struct{}
	killOnce sync.Once
}

// New wires a dispatcher. publish ships envelopes to the supervisor;
// notifier must be built over the same publish function.
func New(binding *app.Binding, notifier *UpdatePublisher, publish PublishFunc,
	service *store.Service, resources *store.Resources, state *ray.State) *Dispatcher {
	return &Dispatcher{
		binding:   binding,
		notifier:  notifier,
		publish:   publish,
		store:     service,
		resources: resources,
		state:     state,
		stopped:   make(chan struct{}),
		killed:    make(chan struct{}),
	}
}

// Start reloads configuration, starts the notifier and launches the loop.
func (d *Dispatcher) Start() {
	if d.running.Swap(true) {
		return
	}
	d.OnConfigure()
	d.notifier.Start()
	go d.run()
}

// Stop asks the loop to terminate.
func (d *Dispatcher) Stop() {
	d.running.Store(false)
}

// IsRunning reports whether the loop is (still) active.
func (d *Dispatcher) IsRunning() bool {
	return d.running.Load()
}

// Done is closed when the loop has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.stopped
}

// Killed is closed by hara-kiri. The loop is stuck inside the user callback
// at that point and Done never closes; the process must exit instead, which
// is what actually stops the callback.
func (d *Dispatcher) Killed() <-chan struct{} {
	return d.killed
}

// Handlers returns the dispatch table for inbound supervisor messages.
func (d *Dispatcher) Handlers() *ipc.Handlers {
	return &ipc.Handlers{
		OnAdd:       d.OnAdd,
		OnCheck:     d.OnAdd,
		OnConfigure: d.OnConfigure,
		OnExit:      func(string) { d.Stop() },
		OnRemove:    d.OnRemove,
		OnSync:      d.OnSync,
		OnUnsupportedAction: func(ipc.Action) {},
	}
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	defer d.notifier.Stop()

	suspendPeriod := d.binding.SuspendPeriodS()
	resetValue := ticksPerSecond * suspendPeriod
	ticksUntilSuspend := resetValue

	for d.running.Load() {
		d.mu.Lock()
		d.currentQid = ""
		if len(d.queue) > 0 {
			d.currentQid = d.queue[0]
			d.queue = d.queue[1:]
		}
		qid := d.currentQid
		d.mu.Unlock()

		if qid != "" {
			d.process(qid)
			ticksUntilSuspend = resetValue
		} else if ticksUntilSuspend <= 0 {
			if d.binding.IsSuspendAllowed(d.state) {
				slog.Info("Suspend allowed by the application")
				d.publish(ipc.Exit("suspend"))
				d.running.Store(false)
				continue
			}
			if d.binding.IsSuspendEnabled() {
				ticksUntilSuspend = suspendRetryTicks
			} else {
				ticksUntilSuspend = resetValue
			}
			slog.Debug("Suspend denied by the application",
				slog.Int("retry_ticks", ticksUntilSuspend))
		} else {
			ticksUntilSuspend--
		}

		time.Sleep(tickPeriod)
	}
}

func (d *Dispatcher) cancelled(qid string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentQid != qid
}

func (d *Dispatcher) process(qid string) {
	defer benchmark.MeasureBlockTime("Dispatcher::process")()

	rayData := d.store.Asset(qid, "ray")
	if rayData == nil {
		return
	}
	r, err := ray.Load(rayData)
	if err != nil {
		slog.Error("Failed to load persisted ray", slog.String("qid", qid),
			slog.String("error", err.Error()))
		return
	}

	if r.Finished && r.Status != ray.StatusRemoved {
		// Idempotent replay: the job already completed (possibly before a
		// crash cut off the final UPDATE). Ship the cached output and the
		// persisted ray instead of executing again.
		d.publish(ipc.Update(ipc.UpdatePayload{
			Qid:    qid,
			Output: d.store.Asset(qid, "out"),
			Ray:    rayData,
		}))
		return
	}

	slog.Info("Processing", slog.String("qid", qid))

	d.mu.Lock()
	d.current = r
	d.mu.Unlock()
	r.Bind(d.notifier.OnRayUpdate)

	input, ok := d.loadInput(qid, r)
	if !ok {
		r.Unbind()
		d.clearCurrent()
		return
	}

	r.SetStatus(ray.StatusRunning)
	output, err := d.execute(input, r)
	if err != nil {
		r.Unbind()
		d.notifier.OnRayUpdate(nil)
		message := fmt.Sprintf("process - failed executing [%s]\n%v", qid, err)
		slog.Error(message)
		r.Message(ray.MessageError, message)
		r.SetStatus(ray.StatusFailed)
	} else {
		r.Unbind()
		// Extra precaution to not ship the same ray twice.
		d.notifier.OnRayUpdate(nil)
		r.SetStatus(ray.StatusCompleted)

		if d.cancelled(qid) {
			// The cancel path already replaced state; do not write out.
			d.clearCurrent()
			return
		}

		d.resources.Lock(qid)
		outData, marshalErr := d.binding.Descriptor().Output.Marshal(output)
		if marshalErr == nil {
			marshalErr = d.store.SetAsset(qid, "out", outData)
		}
		d.resources.Unlock()
		if marshalErr != nil {
			slog.Error("Failed to persist output", slog.String("qid", qid),
				slog.String("error", marshalErr.Error()))
		}
	}

	if d.cancelled(qid) {
		d.clearCurrent()
		return
	}

	r.Complete("")
	finalData, err := r.Dump()
	if err == nil {
		d.publish(ipc.Update(ipc.UpdatePayload{Qid: qid, Ray: finalData}))
	}
	d.clearCurrent()

	slog.Info("Completed", slog.String("qid", qid))
}

// clearCurrent detaches the in-flight ray so a pending hara-kiri timer finds
// nothing to kill.
func (d *Dispatcher) clearCurrent() {
	d.mu.Lock()
	d.current = nil
	d.mu.Unlock()
}

func (d *Dispatcher) loadInput(qid string, r *ray.Ray) (any, bool) {
	inData := d.store.Asset(qid, "in")
	var input any
	var err error
	if inData == nil {
		err = fmt.Errorf("no input data persisted")
	} else {
		input, err = d.binding.Descriptor().Input.Unmarshal(inData)
	}
	if err != nil {
		message := fmt.Sprintf("process - failed to load input data on request[%s]: %v", qid, err)
		slog.Error(message)
		r.Message(ray.MessageError, message)
		r.SetStatus(ray.StatusFailed)
		r.Complete("")
		return nil, false
	}
	return input, true
}

// execute runs the user callback, converting panics into errors with the
// stack attached.
func (d *Dispatcher) execute(input any, r *ray.Ray) (output any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return d.binding.Execute(input, r, d.state, d.sessionContext)
}

// sessionContext is the partial hook handed to the binding: it arms (or
// disarms) partial streaming and records the active model for OnSync.
func (d *Dispatcher) sessionContext(model *app.Model) {
	d.mu.Lock()
	d.activeModel = model
	d.mu.Unlock()
	d.notifier.OnPartialUpdate(model)
}

// OnAdd appends qid to the queue, deduplicated against the current and
// already-queued entries. CHECK shares this handler.
func (d *Dispatcher) OnAdd(qid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if qid == d.currentQid {
		return
	}
	for _, queued := range d.queue {
		if queued == qid {
			return
		}
	}
	d.queue = append(d.queue, qid)
}

// OnRemove withdraws qid from the queue; when qid is the running job, it
// triggers the cancel machine instead.
func (d *Dispatcher) OnRemove(qid string) {
	d.mu.Lock()
	queue := d.queue[:0]
	for _, queued := range d.queue {
		if queued != qid {
			queue = append(queue, queued)
		}
	}
	d.queue = queue
	isCurrent := qid == d.currentQid
	if isCurrent {
		d.currentQid = ""
	}
	d.mu.Unlock()

	if isCurrent {
		d.cancel(qid)
	}
}

// OnSync replaces the active model's request with the freshly persisted
// input when qid is the running job.
func (d *Dispatcher) OnSync(qid string) {
	d.mu.Lock()
	model := d.activeModel
	isCurrent := qid == d.currentQid || (d.current != nil && d.current.Qid == qid)
	d.mu.Unlock()
	if !isCurrent || model == nil {
		return
	}
	inData := d.store.Asset(qid, "in")
	if inData == nil {
		return
	}
	input, err := d.binding.Descriptor().Input.Unmarshal(inData)
	if err != nil {
		slog.Error("Failed to sync input", slog.String("qid", qid),
			slog.String("error", err.Error()))
		return
	}
	d.mu.Lock()
	if d.activeModel == model {
		model.Request = input
	}
	d.mu.Unlock()
}

// OnConfigure reloads the per-user configuration store, decodes the values
// and hands them to the application's configure callback.
func (d *Dispatcher) OnConfigure() {
	kv := d.store.KV(stateConfigStore)
	kv.Reload()

	codec := d.binding.Descriptor().Config
	config := map[string]any{}
	for uid, raw := range kv.All() {
		value, err := codec.Unmarshal(raw)
		if err != nil {
			slog.Error("Skipping invalid configuration", slog.String("user", uid),
				slog.String("error", err.Error()))
			continue
		}
		config[uid] = value
	}

	if err := d.binding.Configure(config, d.state); err != nil {
		slog.Error("Invalid configuration can't be restored", slog.String("error", err.Error()))
	}
}

// cancel runs the cancel machine for the in-flight qid: arm the hara-kiri
// timer, silence the notifier, then ask the application. A rejected request
// skips the wait and jumps straight to hara-kiri.
func (d *Dispatcher) cancel(qid string) {
	timer := time.AfterFunc(haraKiriTimeout, func() { d.haraKiri(qid) })
	d.mu.Lock()
	d.timers = append(d.timers, timer)
	current := d.current
	d.mu.Unlock()

	// No further updates for a cancelled ray may be observed by clients.
	d.notifier.OnRayUpdate(nil)
	if current != nil {
		current.Unbind()
	}

	if !d.binding.Cancel(current) {
		// The application does not implement cancel or has not accepted;
		// no point in waiting out the timer.
		d.haraKiri(qid)
	}
}

// haraKiri force-terminates the worker when the cancelled job is still the
// one in flight. The supervisor respawns the process on the next inbound
// work.
func (d *Dispatcher) haraKiri(qid string) {
	d.mu.Lock()
	current := d.current
	timers := d.timers
	d.timers = nil
	d.mu.Unlock()

	if current == nil || current.Qid != qid {
		// Completed (or replaced) before the timer fired; nothing to kill.
		return
	}
	for _, timer := range timers {
		timer.Stop()
	}
	d.running.Store(false)
	d.killOnce.Do(func() { close(d.killed) })
}
