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

package ray

import (
	"sync"
	"time"
)

// StateStatus is the lifecycle state of the hosting process.
type StateStatus string

const (
	StateStarting StateStatus = "STARTING"
	StateRunning  StateStatus = "RUNNING"
	StatePaused   StateStatus = "PAUSED"
	StateCrashed  StateStatus = "CRASHED"
)

// State is the process-level status record. There is one per supervisor,
// mirrored in the worker for its suspend logic.
type State struct {
	mu        sync.RWMutex
	status    StateStatus
	startedAt time.Time
}

// NewState creates a State in STARTING status.
func NewState() *State {
	return &State{status: StateStarting, startedAt: time.Now()}
}

// Status returns the current process status.
func (s *State) Status() StateStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus replaces the current process status.
func (s *State) SetStatus(status StateStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// StartedAt returns the process start time.
func (s *State) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// StateView is the wire representation of a State.
type StateView struct {
	Status    StateStatus `json:"status"`
	StartedAt time.Time   `json:"started_at"`
}

// View returns a copyable snapshot for serialization.
func (s *State) View() StateView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StateView{Status: s.status, StartedAt: s.startedAt}
}
