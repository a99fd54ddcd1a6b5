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

package dispatcher

import (
	"log/slog"
	"sync"
	"time"

	"go.corp.nvidia.com/rayhost/pkg/delta"
	"go.corp.nvidia.com/rayhost/pkg/ipc"
	"go.corp.nvidia.com/rayhost/pkg/ray"
	"go.corp.nvidia.com/rayhost/pkg/store"
	"go.corp.nvidia.com/rayhost/runtime/app"
)

const drainPeriod = 100 * time.Millisecond

// PublishFunc ships one encoded envelope to the supervisor.
type PublishFunc func(frame []byte)

// UpdatePublisher coalesces ray and partial-output updates into paced
// emissions. It holds at most one pending ray snapshot and one (qid, output)
// pair; a drain every 100 ms ships whatever is pending, so a job emits at
// most ~10 updates per second no matter how often the callback writes, and
// at most one partial per unique output hash.
type UpdatePublisher struct {
	publish   PublishFunc
	marshal   func(any) ([]byte, error)
	resources *store.Resources

	mu       sync.Mutex
	ray      *ray.Ray
	qid      string
	output   any
	lastHash string

	dirty chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewUpdatePublisher returns a stopped publisher. marshal is the output
// codec's serializer, run under the per-qid resource lock so resource blobs
// referenced from the partial exist before the partial ships.
func NewUpdatePublisher(publish PublishFunc, marshal func(any) ([]byte, error), resources *store.Resources) *UpdatePublisher {
	return &UpdatePublisher{
		publish:   publish,
		marshal:   marshal,
		resources: resources,
		dirty:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the drain goroutine.
func (u *UpdatePublisher) Start() {
	u.wg.Add(1)
	go u.run()
}

// Stop terminates the drain goroutine. Idempotent.
func (u *UpdatePublisher) Stop() {
	select {
	case <-u.done:
		return
	default:
		close(u.done)
	}
	u.wg.Wait()
}

// OnRayUpdate arms (or, with nil, silences) the pending ray snapshot. This
// is the notify callback bound to the ray under execution.
func (u *UpdatePublisher) OnRayUpdate(r *ray.Ray) {
	u.mu.Lock()
	u.ray = r
	u.mu.Unlock()
	u.kick()
}

// OnPartialUpdate arms partial streaming for the model's qid, or disarms it
// with nil. Re-arming resets the reported hash so the next drain ships.
func (u *UpdatePublisher) OnPartialUpdate(model *app.Model) {
	u.mu.Lock()
	if model == nil {
		u.qid = ""
		u.output = nil
	} else {
		u.qid = model.Ray.Qid
		u.output = model.Response
	}
	u.lastHash = ""
	u.mu.Unlock()
	u.kick()
}

// OnLogMessage forwards one worker log record immediately, bypassing the
// drain pacing.
func (u *UpdatePublisher) OnLogMessage(level, message string) {
	u.publish(ipc.Log(level, message))
}

func (u *UpdatePublisher) kick() {
	select {
	case u.dirty <- struct{}{}:
	default:
	}
}

func (u *UpdatePublisher) run() {
	defer u.wg.Done()
	ticker := time.NewTicker(drainPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-u.done:
			return
		case <-u.dirty:
			// A mutation landed; wait out the pacing interval before
			// draining so rapid writers still coalesce.
			select {
			case <-u.done:
				return
			case <-ticker.C:
			}
		case <-ticker.C:
		}
		u.drain()
	}
}

func (u *UpdatePublisher) drain() {
	u.mu.Lock()
	pending := u.ray
	u.ray = nil
	qid := u.qid
	output := u.output
	lastHash := u.lastHash
	u.mu.Unlock()

	if pending != nil {
		data, err := pending.Dump()
		if err != nil {
			slog.Error("Failed to serialize ray update", slog.String("error", err.Error()))
		} else {
			u.publish(ipc.Update(ipc.UpdatePayload{Qid: pending.Qid, Ray: data}))
		}
	}

	if qid == "" || output == nil {
		return
	}
	hash, err := delta.HashValue(output)
	if err != nil {
		slog.Error("Failed to hash partial output", slog.String("qid", qid),
			slog.String("error", err.Error()))
		return
	}
	if hash == lastHash {
		return
	}

	u.resources.Lock(qid)
	partial, err := u.marshal(output)
	u.resources.Unlock()
	if err != nil {
		slog.Error("Failed to serialize partial output", slog.String("qid", qid),
			slog.String("error", err.Error()))
		return
	}

	u.publish(ipc.Update(ipc.UpdatePayload{Qid: qid, Partial: partial}))

	u.mu.Lock()
	// Only record the hash if streaming was not re-armed mid-drain.
	if u.qid == qid {
		u.lastHash = hash
	}
	u.mu.Unlock()
}
