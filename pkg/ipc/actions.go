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

// Package ipc implements the duplex message bus between the supervisor and
// the worker process: typed action envelopes, a self-describing binary codec
// and a publisher/subscriber pair over loopback TCP.
package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Action identifies the kind of a bus message.
type Action string

const (
	ActionAdd          Action = "ADD"
	ActionCheck        Action = "CHECK"
	ActionConfigure    Action = "CONFIGURE"
	ActionExit         Action = "EXIT"
	ActionFetch        Action = "FETCH"
	ActionLog          Action = "LOG"
	ActionRemove       Action = "REMOVE"
	ActionAppState     Action = "APP_STATE"
	ActionUpdate       Action = "UPDATE"
	ActionSchemaUpdate Action = "SCHEMA_UPDATE"
	ActionSync         Action = "SYNC"
)

// Envelope is the wire frame: an action tag plus an optional typed payload.
type Envelope struct {
	Action Action          `cbor:"action"`
	Data   cbor.RawMessage `cbor:"data,omitempty"`
}

// LogPayload forwards one worker log record to the supervisor.
type LogPayload struct {
	Level   string `cbor:"level"`
	Message string `cbor:"message"`
}

// AppStatePayload reports the worker process state.
type AppStatePayload struct {
	Status    string    `cbor:"status"`
	StartedAt time.Time `cbor:"started_at"`
}

// UpdatePayload carries any subset of the persisted artifacts of one qid.
// Input, Output and Partial are raw JSON; Ray is the serialized record.
type UpdatePayload struct {
	Qid     string `cbor:"qid"`
	Input   []byte `cbor:"input,omitempty"`
	Output  []byte `cbor:"output,omitempty"`
	Partial []byte `cbor:"partial,omitempty"`
	Ray     []byte `cbor:"ray,omitempty"`
}

// SchemaUpdatePayload carries replacement JSON Schema documents.
type SchemaUpdatePayload struct {
	Input  json.RawMessage `cbor:"input,omitempty"`
	Output json.RawMessage `cbor:"output,omitempty"`
	Config json.RawMessage `cbor:"config,omitempty"`
}

func encode(action Action, data any) []byte {
	env := Envelope{Action: action}
	if data != nil {
		raw, err := cbor.Marshal(data)
		if err != nil {
			// Payload types are fixed records; failing to encode one is a
			// programming error, not a runtime condition.
			panic(fmt.Sprintf("ipc: failed to encode %s payload: %v", action, err))
		}
		env.Data = raw
	}
	frame, err := cbor.Marshal(env)
	if err != nil {
		panic(fmt.Sprintf("ipc: failed to encode %s envelope: %v", action, err))
	}
	return frame
}

// Add requests that qid be appended to the worker queue.
func Add(qid string) []byte {
	return encode(ActionAdd, qid)
}

// Check re-asserts that qid should be queued. Idempotent at the worker,
// used as the periodic liveness nudge while a caller awaits completion.
func Check(qid string) []byte {
	return encode(ActionCheck, qid)
}

// Configure asks the worker to reload configuration. Carries no data.
func Configure() []byte {
	return encode(ActionConfigure, nil)
}

// Exit asks the receiver to stop, with a reason ("suspend" for clean sleep).
func Exit(reason string) []byte {
	return encode(ActionExit, reason)
}

// Fetch requests a named field from the peer.
func Fetch(field string) []byte {
	return encode(ActionFetch, field)
}

// Log forwards one log record.
func Log(level, message string) []byte {
	return encode(ActionLog, LogPayload{Level: level, Message: message})
}

// Sync asks the worker to re-read the persisted input of qid.
func Sync(qid string) []byte {
	return encode(ActionSync, qid)
}

// Remove withdraws qid from the queue, cancelling it if it is running.
func Remove(qid string) []byte {
	return encode(ActionRemove, qid)
}

// AppState reports the worker process state.
func AppState(status string, startedAt time.Time) []byte {
	return encode(ActionAppState, AppStatePayload{Status: status, StartedAt: startedAt})
}

// Update carries new artifacts for qid. Nil members are omitted.
func Update(payload UpdatePayload) []byte {
	return encode(ActionUpdate, payload)
}

// SchemaUpdate carries replacement schema documents. Nil members are omitted.
func SchemaUpdate(payload SchemaUpdatePayload) []byte {
	return encode(ActionSchemaUpdate, payload)
}
