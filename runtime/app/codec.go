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

package app

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Codec validates and serializes one of the application's schema objects
// (input, output or configuration). The runtime treats the values as opaque
// validated JSON.
type Codec interface {
	// New returns the empty value of the schema.
	New() any
	// Many reports whether the schema root is an array.
	Many() bool
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
	// JSONSchema returns the served JSON Schema document.
	JSONSchema() json.RawMessage
}

// JSONCodec is the default Codec: plain encoding/json over a Go type.
type JSONCodec[T any] struct {
	// Schema optionally carries the JSON Schema document served for this
	// type. When empty, a minimal document is derived from the root kind.
	Schema json.RawMessage
}

// New returns a pointer to the zero value of T.
func (c JSONCodec[T]) New() any {
	return new(T)
}

// Many reports whether T is a slice type.
func (c JSONCodec[T]) Many() bool {
	return reflect.TypeFor[T]().Kind() == reflect.Slice
}

// Marshal serializes a value produced by New or Unmarshal.
func (c JSONCodec[T]) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal validates and deserializes raw JSON into *T.
func (c JSONCodec[T]) Unmarshal(data []byte) (any, error) {
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("failed to deserialize %T: %w", v, err)
	}
	return v, nil
}

// JSONSchema returns the declared schema, or a minimal document derived
// from the root kind when none was declared.
func (c JSONCodec[T]) JSONSchema() json.RawMessage {
	if len(c.Schema) > 0 {
		return c.Schema
	}
	if c.Many() {
		return json.RawMessage(`{"type":"array"}`)
	}
	return json.RawMessage(`{"type":"object"}`)
}
