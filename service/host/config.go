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

package host

import (
	"encoding/json"
	"fmt"

	"go.corp.nvidia.com/rayhost/pkg/delta"
)

// stateConfigStore keys per-user configuration; the worker reloads it on
// every CONFIGURE.
const stateConfigStore = "state_config"

const defaultConfigUID = "default"

func configUID(uid string) string {
	if uid == "" {
		return defaultConfigUID
	}
	return uid
}

// readConfig returns the stored configuration of uid, or the codec's empty
// value when none was ever written.
func (h *Host) readConfig(uid string) json.RawMessage {
	if raw := h.store.KV(stateConfigStore).Get(configUID(uid)); raw != nil {
		return raw
	}
	empty, err := h.descriptor.Config.Marshal(h.descriptor.Config.New())
	if err != nil {
		return delta.EmptyRoot(h.descriptor.Config.Many())
	}
	return empty
}

// writeConfig validates, normalizes and persists the configuration of uid,
// then tells the worker to reload.
func (h *Host) writeConfig(uid string, body []byte) error {
	value, err := h.descriptor.Config.Unmarshal(body)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	normalized, err := h.descriptor.Config.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to normalize configuration: %w", err)
	}

	kv := h.store.KV(stateConfigStore)
	kv.Set(configUID(uid), normalized)
	kv.Dump()

	h.sup.Configure()
	return nil
}
