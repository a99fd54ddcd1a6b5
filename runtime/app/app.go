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

// Package app declares the contract between the runtime and the hosted
// application: the executor callback (two explicit variants), the optional
// configure/suspend/cancel capabilities and the input/output/config codecs.
// The host declares which executor variant it implements at startup; there
// is no runtime signature introspection.
package app

import (
	"errors"
	"fmt"

	"go.corp.nvidia.com/rayhost/pkg/ray"
)

// Model is the execution context handed to a V2 executor. Response starts as
// the output codec's empty value; partial snapshots of it are streamed to
// watchers while the callback runs.
type Model struct {
	Ray      *ray.Ray
	State    *ray.State
	Request  any
	Response any
}

// ExecutorV1 is the legacy callback shape: input in, output out.
type ExecutorV1 interface {
	Execute(input any, r *ray.Ray, s *ray.State) (any, error)
}

// ExecutorV2 receives the full model and mutates Response in place.
type ExecutorV2 interface {
	Execute(model *Model) error
}

// Configurer is called on startup and on every configuration change with the
// per-user configuration map. Errors are logged and swallowed.
type Configurer interface {
	Config(config map[string]any, s *ray.State) error
}

// Suspender lets the application approve going to sleep when idle.
type Suspender interface {
	Suspend(s *ray.State) bool
}

// CancelerV1 receives the qid of the execution being cancelled.
type CancelerV1 interface {
	Cancel(qid string) bool
}

// CancelerV2 receives the ray of the execution being cancelled.
type CancelerV2 interface {
	Cancel(r *ray.Ray) bool
}

const defaultSuspendPeriodS = 5

// Practically infinite: without a Suspender the idle countdown never fires.
const noSuspendPeriodS = 99999999

// Descriptor declares the hosted application. Exactly one of V1 and V2 must
// be set; the same value may additionally implement Configurer, Suspender
// and one Canceler variant.
type Descriptor struct {
	Name   string
	V1     ExecutorV1
	V2     ExecutorV2
	Input  Codec
	Output Codec
	Config Codec

	// SuspendPeriodS is the idle interval between suspend queries, in
	// seconds. Clamped at >= 1; defaults to 5.
	SuspendPeriodS int

	// WorkerCommand overrides the worker child command line. Empty means
	// re-exec the current binary.
	WorkerCommand string
}

func (d *Descriptor) validate() error {
	if d == nil {
		return errors.New("nil application descriptor")
	}
	if (d.V1 == nil) == (d.V2 == nil) {
		return errors.New("application descriptor must declare exactly one of V1 and V2")
	}
	if d.Input == nil || d.Output == nil || d.Config == nil {
		return errors.New("application descriptor must declare input, output and config codecs")
	}
	return nil
}

// Validate checks the descriptor the way NewBinding does, without binding.
// The serving side runs it before spawning anything.
func Validate(d *Descriptor) error {
	if err := d.validate(); err != nil {
		return fmt.Errorf("invalid application: %w", err)
	}
	return nil
}

func (d *Descriptor) executor() any {
	if d.V1 != nil {
		return d.V1
	}
	return d.V2
}

// Binding adapts a Descriptor into the uniform surface the dispatcher uses.
type Binding struct {
	descriptor *Descriptor
}

// NewBinding validates the descriptor and returns its binding.
func NewBinding(d *Descriptor) (*Binding, error) {
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("invalid application: %w", err)
	}
	return &Binding{descriptor: d}, nil
}

// Descriptor returns the bound descriptor.
func (b *Binding) Descriptor() *Descriptor {
	return b.descriptor
}

// Execute runs the user callback. For a V2 executor the model (with the
// codec's empty response) is announced through onPartial before the callback
// starts and withdrawn (nil) after it returns, which is how partial streaming
// is armed and disarmed.
func (b *Binding) Execute(input any, r *ray.Ray, s *ray.State, onPartial func(*Model)) (any, error) {
	d := b.descriptor
	if d.V1 != nil {
		return d.V1.Execute(input, r, s)
	}
	model := &Model{Ray: r, State: s, Request: input, Response: d.Output.New()}
	if onPartial != nil {
		onPartial(model)
		defer onPartial(nil)
	}
	if err := d.V2.Execute(model); err != nil {
		return nil, err
	}
	return model.Response, nil
}

// Cancel asks the application to cancel the given ray. Returns false when
// the application declares no canceler, rejects the request or panics.
func (b *Binding) Cancel(r *ray.Ray) (accepted bool) {
	defer func() {
		if err := recover(); err != nil {
			accepted = false
		}
	}()
	switch canceler := b.descriptor.executor().(type) {
	case CancelerV2:
		return canceler.Cancel(r)
	case CancelerV1:
		return canceler.Cancel(r.Qid)
	}
	return false
}

// IsSuspendEnabled reports whether the application declares a Suspender.
func (b *Binding) IsSuspendEnabled() bool {
	_, ok := b.descriptor.executor().(Suspender)
	return ok
}

// IsSuspendAllowed queries the application's Suspender, if any.
func (b *Binding) IsSuspendAllowed(s *ray.State) (allowed bool) {
	defer func() {
		if err := recover(); err != nil {
			allowed = false
		}
	}()
	if suspender, ok := b.descriptor.executor().(Suspender); ok {
		return suspender.Suspend(s)
	}
	return false
}

// SuspendPeriodS returns the effective idle interval between suspend
// queries, in seconds.
func (b *Binding) SuspendPeriodS() int {
	period := b.descriptor.SuspendPeriodS
	if period == 0 {
		period = defaultSuspendPeriodS
	}
	if period < 1 {
		period = 1
	}
	if !b.IsSuspendEnabled() {
		return noSuspendPeriodS
	}
	return period
}

// Configure passes the per-user configuration map to the application's
// Configurer, if any. Errors are logged by the caller.
func (b *Binding) Configure(config map[string]any, s *ray.State) error {
	configurer, ok := b.descriptor.executor().(Configurer)
	if !ok {
		return nil
	}
	return configurer.Config(config, s)
}
