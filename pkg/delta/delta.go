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

// Package delta computes canonical content hashes and delta packets for the
// partial-output stream. Deltas are RFC 7386 merge patches between object
// roots; anything else (array roots included) replaces wholesale, which the
// merge-patch application rule already handles on the receiving side.
package delta

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Packet is one partial-output delta shipped to a watcher. A receiver
// accumulates packets in order: Refresh means "start from the empty root";
// a non-refresh packet whose OldHash does not match the accumulated hash
// signals a lost packet, and the receiver should request a watch reset.
type Packet struct {
	Qid     string          `json:"qid"`
	OldHash string          `json:"old_hash"`
	NewHash string          `json:"new_hash"`
	Delta   json.RawMessage `json:"delta"`
	Refresh bool            `json:"refresh"`
}

// HashRaw returns the canonical SHA-256 of a raw JSON document. The document
// is normalized (keys sorted recursively, whitespace dropped) before hashing
// so semantically equal documents hash equal.
func HashRaw(raw json.RawMessage) (string, error) {
	canonical, err := canonicalize(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// HashValue returns the canonical SHA-256 of any JSON-serializable value.
func HashValue(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize value for hashing: %w", err)
	}
	return HashRaw(raw)
}

// canonicalize round-trips a document through the generic decoder; Go's
// encoder emits map keys in sorted order, which makes the output stable.
func canonicalize(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to canonicalize document: %w", err)
	}
	return json.Marshal(v)
}

// Diff builds the delta packet that transforms base into target.
func Diff(base, target json.RawMessage, qid string, refresh bool) (Packet, error) {
	oldHash, err := HashRaw(base)
	if err != nil {
		return Packet{}, fmt.Errorf("failed to hash base: %w", err)
	}
	newHash, err := HashRaw(target)
	if err != nil {
		return Packet{}, fmt.Errorf("failed to hash target: %w", err)
	}

	var patch json.RawMessage
	if isObject(base) && isObject(target) {
		patch, err = jsonpatch.CreateMergePatch(base, target)
		if err != nil {
			return Packet{}, fmt.Errorf("failed to compute merge patch: %w", err)
		}
	} else {
		// Non-object roots replace wholesale; the merge-patch application
		// rule returns a non-object patch as the result itself.
		patch = target
	}

	return Packet{
		Qid:     qid,
		OldHash: oldHash,
		NewHash: newHash,
		Delta:   patch,
		Refresh: refresh,
	}, nil
}

// Apply accumulates one delta onto base and returns the new document.
func Apply(base, patch json.RawMessage) (json.RawMessage, error) {
	if !isObject(patch) {
		return patch, nil
	}
	if !isObject(base) {
		base = json.RawMessage("{}")
	}
	result, err := jsonpatch.MergePatch(base, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to apply merge patch: %w", err)
	}
	return result, nil
}

// EmptyRoot returns the base document for a refresh: [] for array schemas,
// {} otherwise.
func EmptyRoot(many bool) json.RawMessage {
	if many {
		return json.RawMessage("[]")
	}
	return json.RawMessage("{}")
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}
