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
	"errors"
	"testing"

	"go.corp.nvidia.com/rayhost/pkg/ray"
)

type echoInput struct {
	Prompt string `json:"prompt"`
}

type echoOutput struct {
	Reply string `json:"reply"`
}

type echoConfig struct {
	Verbose bool `json:"verbose"`
}

type v1App struct{}

func (v1App) Execute(input any, r *ray.Ray, s *ray.State) (any, error) {
	in := input.(*echoInput)
	return &echoOutput{Reply: in.Prompt}, nil
}

type v2App struct {
	sawEmptyResponse bool
}

func (a *v2App) Execute(model *Model) error {
	out := model.Response.(*echoOutput)
	a.sawEmptyResponse = out.Reply == ""
	out.Reply = model.Request.(*echoInput).Prompt
	return nil
}

type fullApp struct {
	v2App
	suspendOK  bool
	cancelOK   bool
	configured map[string]any
}

func (a *fullApp) Suspend(s *ray.State) bool { return a.suspendOK }

func (a *fullApp) Cancel(r *ray.Ray) bool { return a.cancelOK }

func (a *fullApp) Config(config map[string]any, s *ray.State) error {
	a.configured = config
	return nil
}

type panickyApp struct {
	v2App
}

func (panickyApp) Suspend(s *ray.State) bool { panic("suspend panic") }

func (panickyApp) Cancel(r *ray.Ray) bool { panic("cancel panic") }

func descriptor(v1 ExecutorV1, v2 ExecutorV2) *Descriptor {
	return &Descriptor{
		Name:   "echo",
		V1:     v1,
		V2:     v2,
		Input:  JSONCodec[echoInput]{},
		Output: JSONCodec[echoOutput]{},
		Config: JSONCodec[echoConfig]{},
	}
}

func TestDescriptor_Validate(t *testing.T) {
	t.Parallel()
	if err := Validate(descriptor(v1App{}, nil)); err != nil {
		t.Errorf("valid V1 descriptor rejected: %v", err)
	}
	if err := Validate(descriptor(nil, &v2App{})); err != nil {
		t.Errorf("valid V2 descriptor rejected: %v", err)
	}
	if err := Validate(descriptor(nil, nil)); err == nil {
		t.Error("descriptor without executor must be rejected")
	}
	if err := Validate(descriptor(v1App{}, &v2App{})); err == nil {
		t.Error("descriptor with both executors must be rejected")
	}
	if err := Validate(nil); err == nil {
		t.Error("nil descriptor must be rejected")
	}

	missing := descriptor(v1App{}, nil)
	missing.Output = nil
	if err := Validate(missing); err == nil {
		t.Error("descriptor without codecs must be rejected")
	}
}

func TestBinding_ExecuteV1(t *testing.T) {
	t.Parallel()
	b, err := NewBinding(descriptor(v1App{}, nil))
	if err != nil {
		t.Fatalf("binding failed: %v", err)
	}

	r := ray.New("q1")
	out, err := b.Execute(&echoInput{Prompt: "hello"}, r, ray.NewState(), nil)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if out.(*echoOutput).Reply != "hello" {
		t.Errorf("unexpected output: %+v", out)
	}
}

func TestBinding_ExecuteV2StreamsModel(t *testing.T) {
	t.Parallel()
	executor := &v2App{}
	b, err := NewBinding(descriptor(nil, executor))
	if err != nil {
		t.Fatalf("binding failed: %v", err)
	}

	var announced []*Model
	out, err := b.Execute(&echoInput{Prompt: "hi"}, ray.New("q1"), ray.NewState(),
		func(m *Model) { announced = append(announced, m) })
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if out.(*echoOutput).Reply != "hi" {
		t.Errorf("unexpected output: %+v", out)
	}
	if !executor.sawEmptyResponse {
		t.Error("callback must start from the codec's empty response")
	}
	// Armed with the model before the callback, disarmed with nil after.
	if len(announced) != 2 || announced[0] == nil || announced[1] != nil {
		t.Errorf("unexpected partial announcements: %v", announced)
	}
	if announced[0].Response != out {
		t.Error("announced model must carry the live response")
	}
}

func TestBinding_ExecuteV2Error(t *testing.T) {
	t.Parallel()
	b, err := NewBinding(descriptor(nil, failingExecutor{}))
	if err != nil {
		t.Fatalf("binding failed: %v", err)
	}
	if _, err := b.Execute(&echoInput{}, ray.New("q1"), ray.NewState(), nil); err == nil {
		t.Error("executor error must propagate")
	}
}

type failingExecutor struct{}

func (failingExecutor) Execute(model *Model) error { return errors.New("boom") }

func TestBinding_Capabilities(t *testing.T) {
	t.Parallel()
	app := &fullApp{suspendOK: true, cancelOK: true}
	b, err := NewBinding(descriptor(nil, app))
	if err != nil {
		t.Fatalf("binding failed: %v", err)
	}

	if !b.IsSuspendEnabled() {
		t.Error("Suspender not detected")
	}
	if !b.IsSuspendAllowed(ray.NewState()) {
		t.Error("suspend approval not forwarded")
	}
	if !b.Cancel(ray.New("q1")) {
		t.Error("cancel approval not forwarded")
	}
	config := map[string]any{"default": map[string]any{"verbose": true}}
	if err := b.Configure(config, ray.NewState()); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	if app.configured == nil {
		t.Error("configuration not forwarded")
	}
}

func TestBinding_MissingCapabilities(t *testing.T) {
	t.Parallel()
	b, err := NewBinding(descriptor(nil, &v2App{}))
	if err != nil {
		t.Fatalf("binding failed: %v", err)
	}

	if b.IsSuspendEnabled() || b.IsSuspendAllowed(ray.NewState()) {
		t.Error("plain executor must not report suspend support")
	}
	if b.Cancel(ray.New("q1")) {
		t.Error("plain executor must reject cancel")
	}
	if err := b.Configure(map[string]any{}, ray.NewState()); err != nil {
		t.Errorf("configure without Configurer must be a no-op, got %v", err)
	}
}

func TestBinding_PanicsTreatedAsRejection(t *testing.T) {
	t.Parallel()
	b, err := NewBinding(descriptor(nil, &panickyApp{}))
	if err != nil {
		t.Fatalf("binding failed: %v", err)
	}
	if b.Cancel(ray.New("q1")) {
		t.Error("panicking canceler must count as rejection")
	}
	if b.IsSuspendAllowed(ray.NewState()) {
		t.Error("panicking suspender must count as rejection")
	}
}

func TestBinding_SuspendPeriod(t *testing.T) {
	t.Parallel()
	withSuspender := descriptor(nil, &fullApp{})
	b, err := NewBinding(withSuspender)
	if err != nil {
		t.Fatalf("binding failed: %v", err)
	}
	if got := b.SuspendPeriodS(); got != 5 {
		t.Errorf("expected default period 5, got %d", got)
	}

	withSuspender.SuspendPeriodS = -3
	if got := b.SuspendPeriodS(); got != 1 {
		t.Errorf("expected clamp to 1, got %d", got)
	}

	withSuspender.SuspendPeriodS = 30
	if got := b.SuspendPeriodS(); got != 30 {
		t.Errorf("expected declared period, got %d", got)
	}

	plain, err := NewBinding(descriptor(nil, &v2App{}))
	if err != nil {
		t.Fatalf("binding failed: %v", err)
	}
	if got := plain.SuspendPeriodS(); got != 99999999 {
		t.Errorf("expected effectively infinite period without a Suspender, got %d", got)
	}
}

func TestJSONCodec_RoundTrip(t *testing.T) {
	t.Parallel()
	codec := JSONCodec[echoInput]{}

	v, err := codec.Unmarshal([]byte(`{"prompt":"hi"}`))
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if v.(*echoInput).Prompt != "hi" {
		t.Errorf("unexpected value: %+v", v)
	}
	data, err := codec.Marshal(v)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `{"prompt":"hi"}` {
		t.Errorf("unexpected encoding: %s", data)
	}

	if _, err := codec.Unmarshal([]byte(`[1,2]`)); err == nil {
		t.Error("mismatched shape must be rejected")
	}
}

func TestJSONCodec_ManyAndSchema(t *testing.T) {
	t.Parallel()
	single := JSONCodec[echoInput]{}
	if single.Many() {
		t.Error("struct codec must not report many")
	}
	if string(single.JSONSchema()) != `{"type":"object"}` {
		t.Errorf("unexpected derived schema: %s", single.JSONSchema())
	}

	list := JSONCodec[[]echoInput]{}
	if !list.Many() {
		t.Error("slice codec must report many")
	}
	if string(list.JSONSchema()) != `{"type":"array"}` {
		t.Errorf("unexpected derived schema: %s", list.JSONSchema())
	}

	declared := JSONCodec[echoInput]{Schema: []byte(`{"type":"object","required":["prompt"]}`)}
	if string(declared.JSONSchema()) != `{"type":"object","required":["prompt"]}` {
		t.Errorf("declared schema not served: %s", declared.JSONSchema())
	}
}
