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

// Package ray defines the control-plane record of a single job execution.
// A Ray is created when a request is prepared, persisted immediately and
// mutated by the worker while the user callback runs. The supervisor and the
// worker each hold a local copy and reconcile by full replacement on UPDATE
// messages.
package ray

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a Ray.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusCanceled  Status = "CANCELED"
	StatusRemoved   Status = "REMOVED"
	StatusFailed    Status = "FAILED"
	StatusUnknown   Status = "UNKNOWN"
)

// Terminal reports whether no further execution may happen for this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusFailed, StatusRemoved:
		return true
	}
	return false
}

// MessageType classifies a Ray message.
type MessageType string

const (
	MessageInfo  MessageType = "INFO"
	MessageWarn  MessageType = "WARN"
	MessageError MessageType = "ERROR"
)

// Message is one entry in the ordered message log of a Ray.
type Message struct {
	Type    MessageType `json:"type"`
	Content string      `json:"content"`
}

// Bar tracks the advancement of one named progress bar. Remaining is an ETA
// in seconds derived from the observed step rate.
type Bar struct {
	Percent   float64 `json:"percent"`
	Remaining float64 `json:"remaining"`
}

// tracker accumulates the step rate for one bar.
type tracker struct {
	n     float64
	total float64
	start time.Time
}

// NotifyFunc receives the ray after every mutation. It is how the worker's
// update publisher observes progress without polling.
type NotifyFunc func(*Ray)

// Ray is the control-plane record of one job. All mutators refresh UpdatedAt
// and fire the bound notify callback, so observers see every change exactly
// once per mutation.
type Ray struct {
	Qid       string          `json:"qid"`
	Sid       string          `json:"sid"`
	Uid       string          `json:"uid"`
	Rid       string          `json:"rid"`
	Finished  bool            `json:"finished"`
	Bars      map[string]*Bar `json:"bars"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Messages  []Message       `json:"messages"`

	mu       sync.Mutex
	notify   NotifyFunc
	trackers map[string]*tracker
}

// New creates a Ray in UNKNOWN status with a default bar.
func New(qid string) *Ray {
	now := time.Now()
	return &Ray{
		Qid:       qid,
		Bars:      map[string]*Bar{"default": {}},
		Status:    StatusUnknown,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []Message{},
		trackers:  map[string]*tracker{},
	}
}

func (r *Ray) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("Ray(qid=%s, rid=%s, uid=%s, sid=%s, status=%s, finished=%v)",
		r.Qid, r.Rid, r.Uid, r.Sid, r.Status, r.Finished)
}

// Bind installs the notify callback fired after every mutation.
func (r *Ray) Bind(fn NotifyFunc) {
	r.mu.Lock()
	r.notify = fn
	r.mu.Unlock()
}

// Unbind removes the notify callback.
func (r *Ray) Unbind() {
	r.Bind(nil)
}

// IsFinished reports the finished flag.
func (r *Ray) IsFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Finished
}

// CurrentStatus returns the lifecycle status.
func (r *Ray) CurrentStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status
}

// SetStatus updates the lifecycle status.
func (r *Ray) SetStatus(s Status) {
	r.mu.Lock()
	r.Status = s
	r.touchLocked()
	fn := r.notify
	r.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

// SetFinished updates the finished flag.
func (r *Ray) SetFinished(finished bool) {
	r.mu.Lock()
	r.Finished = finished
	r.touchLocked()
	fn := r.notify
	r.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

// Touch refreshes UpdatedAt and fires the notify callback.
func (r *Ray) Touch() {
	r.mu.Lock()
	r.touchLocked()
	fn := r.notify
	r.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

func (r *Ray) touchLocked() {
	r.UpdatedAt = time.Now()
}

// Progress advances the named bar by step out of total and returns the bar.
// Percent carries the absolute step count; Remaining is the ETA in seconds
// computed from the rate observed since the first step.
func (r *Ray) Progress(name string, step, total int) *Bar {
	if name == "" {
		name = "default"
	}
	r.mu.Lock()
	if r.trackers == nil {
		r.trackers = map[string]*tracker{}
	}
	tr := r.trackers[name]
	if tr == nil {
		tr = &tracker{total: float64(total), start: time.Now()}
		r.trackers[name] = tr
	}
	tr.n += float64(step)

	bar := r.Bars[name]
	if bar == nil {
		bar = &Bar{}
		r.Bars[name] = bar
	}
	remaining := 0.0
	if elapsed := time.Since(tr.start).Seconds(); elapsed > 0 && tr.total > 0 {
		rate := tr.n / elapsed
		if rate > 0 {
			remaining = (tr.total - tr.n) / rate
		}
	}
	if remaining < 0 {
		remaining = 0
	}
	bar.Remaining = remaining
	bar.Percent = tr.n
	r.touchLocked()
	fn := r.notify
	r.mu.Unlock()
	if fn != nil {
		fn(r)
	}
	return bar
}

// Message appends an entry to the message log.
func (r *Ray) Message(mt MessageType, content string) {
	r.mu.Lock()
	r.Messages = append(r.Messages, Message{Type: mt, Content: content})
	r.touchLocked()
	fn := r.notify
	r.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

// ClearMessages drops the message log.
func (r *Ray) ClearMessages() {
	r.mu.Lock()
	if len(r.Messages) == 0 {
		r.mu.Unlock()
		return
	}
	r.Messages = r.Messages[:0]
	r.touchLocked()
	fn := r.notify
	r.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

// Complete marks the named bar done and the ray finished.
func (r *Ray) Complete(name string) {
	if name == "" {
		name = "default"
	}
	r.mu.Lock()
	bar := r.Bars[name]
	if bar == nil {
		bar = &Bar{}
		r.Bars[name] = bar
	}
	bar.Remaining = 0
	bar.Percent = 100
	r.Finished = true
	r.touchLocked()
	fn := r.notify
	r.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

// Merge reconciles this ray with another by full replacement. Identity
// fields (qid, sid, uid, rid) and the notify binding are preserved.
func (r *Ray) Merge(other *Ray) {
	if other == nil {
		return
	}
	other.mu.Lock()
	finished := other.Finished
	status := other.Status
	createdAt := other.CreatedAt
	updatedAt := other.UpdatedAt
	bars := make(map[string]*Bar, len(other.Bars))
	for name, bar := range other.Bars {
		b := *bar
		bars[name] = &b
	}
	messages := make([]Message, len(other.Messages))
	copy(messages, other.Messages)
	other.mu.Unlock()

	r.mu.Lock()
	r.Finished = finished
	r.Status = status
	r.CreatedAt = createdAt
	r.UpdatedAt = updatedAt
	r.Bars = bars
	r.Messages = messages
	fn := r.notify
	r.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

// Dump serializes the ray to JSON under the ray's lock.
func (r *Ray) Dump() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	type plain Ray
	return json.Marshal((*plain)(r))
}

// Load deserializes a ray from JSON. The notify binding starts empty.
func Load(data []byte) (*Ray, error) {
	r := New("")
	type plain Ray
	if err := json.Unmarshal(data, (*plain)(r)); err != nil {
		return nil, fmt.Errorf("failed to decode ray: %w", err)
	}
	if r.Bars == nil {
		r.Bars = map[string]*Bar{"default": {}}
	}
	return r, nil
}

// Snapshot returns a JSON round-trip copy, detached from the original's
// notify binding and lock.
func (r *Ray) Snapshot() *Ray {
	data, err := r.Dump()
	if err != nil {
		return New(r.Qid)
	}
	copyRay, err := Load(data)
	if err != nil {
		return New(r.Qid)
	}
	return copyRay
}
