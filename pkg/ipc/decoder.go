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

package ipc

import (
	"log/slog"

	"github.com/fxamacker/cbor/v2"
)

// Handlers dispatches decoded envelopes by action. Each side of the bus
// installs only the subset it implements; a frame for an action with no
// handler is logged and dropped.
type Handlers struct {
	OnAdd          func(qid string)
	OnCheck        func(qid string)
	OnConfigure    func()
	OnExit         func(reason string)
	OnFetch        func(field string)
	OnLog          func(payload LogPayload)
	OnRemove       func(qid string)
	OnAppState     func(payload AppStatePayload)
	OnUpdate       func(payload UpdatePayload)
	OnSchemaUpdate func(payload SchemaUpdatePayload)
	OnSync         func(qid string)

	// OnUnsupportedAction receives actions outside the known table.
	OnUnsupportedAction func(action Action)
	// OnInvalidMessage receives frames that do not decode to an envelope.
	OnInvalidMessage func(frame []byte)
}

// Decode parses one frame and invokes the matching handler.
func (h *Handlers) Decode(frame []byte) {
	var env Envelope
	if err := cbor.Unmarshal(frame, &env); err != nil || env.Action == "" {
		slog.Error("Invalid bus message", slog.Int("size", len(frame)))
		if h.OnInvalidMessage != nil {
			h.OnInvalidMessage(frame)
		}
		return
	}

	switch env.Action {
	case ActionAdd:
		dispatchQid(env, h.OnAdd)
	case ActionCheck:
		dispatchQid(env, h.OnCheck)
	case ActionConfigure:
		if h.OnConfigure == nil {
			unhandled(env.Action)
			return
		}
		h.OnConfigure()
	case ActionExit:
		dispatchQid(env, h.OnExit)
	case ActionFetch:
		dispatchQid(env, h.OnFetch)
	case ActionLog:
		dispatchPayload(env, h.OnLog)
	case ActionRemove:
		dispatchQid(env, h.OnRemove)
	case ActionAppState:
		dispatchPayload(env, h.OnAppState)
	case ActionUpdate:
		dispatchPayload(env, h.OnUpdate)
	case ActionSchemaUpdate:
		dispatchPayload(env, h.OnSchemaUpdate)
	case ActionSync:
		dispatchQid(env, h.OnSync)
	default:
		if h.OnUnsupportedAction != nil {
			h.OnUnsupportedAction(env.Action)
		}
	}
}

func dispatchQid(env Envelope, handler func(string)) {
	if handler == nil {
		unhandled(env.Action)
		return
	}
	var value string
	if err := cbor.Unmarshal(env.Data, &value); err != nil {
		slog.Error("Failed to decode payload", slog.String("action", string(env.Action)),
			slog.String("error", err.Error()))
		return
	}
	handler(value)
}

func dispatchPayload[T any](env Envelope, handler func(T)) {
	if handler == nil {
		unhandled(env.Action)
		return
	}
	var payload T
	if err := cbor.Unmarshal(env.Data, &payload); err != nil {
		slog.Error("Failed to decode payload", slog.String("action", string(env.Action)),
			slog.String("error", err.Error()))
		return
	}
	handler(payload)
}

func unhandled(action Action) {
	slog.Error("No handler registered for action", slog.String("action", string(action)))
}
