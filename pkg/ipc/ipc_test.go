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
	"testing"
	"time"
)

func TestHandlers_DecodeQidActions(t *testing.T) {
	t.Parallel()
	got := map[Action]string{}
	h := &Handlers{
		OnAdd:    func(qid string) { got[ActionAdd] = qid },
		OnCheck:  func(qid string) { got[ActionCheck] = qid },
		OnRemove: func(qid string) { got[ActionRemove] = qid },
		OnSync:   func(qid string) { got[ActionSync] = qid },
		OnExit:   func(reason string) { got[ActionExit] = reason },
		OnFetch:  func(field string) { got[ActionFetch] = field },
	}

	h.Decode(Add("q-add"))
	h.Decode(Check("q-check"))
	h.Decode(Remove("q-remove"))
	h.Decode(Sync("q-sync"))
	h.Decode(Exit("suspend"))
	h.Decode(Fetch("queue"))

	want := map[Action]string{
		ActionAdd:    "q-add",
		ActionCheck:  "q-check",
		ActionRemove: "q-remove",
		ActionSync:   "q-sync",
		ActionExit:   "suspend",
		ActionFetch:  "queue",
	}
	for action, value := range want {
		if got[action] != value {
			t.Errorf("%s: expected %q, got %q", action, value, got[action])
		}
	}
}

func TestHandlers_DecodePayloadActions(t *testing.T) {
	t.Parallel()
	var logPayload LogPayload
	var statePayload AppStatePayload
	var updatePayload UpdatePayload
	var schemaPayload SchemaUpdatePayload
	configured := false

	h := &Handlers{
		OnLog:          func(p LogPayload) { logPayload = p },
		OnAppState:     func(p AppStatePayload) { statePayload = p },
		OnUpdate:       func(p UpdatePayload) { updatePayload = p },
		OnSchemaUpdate: func(p SchemaUpdatePayload) { schemaPayload = p },
		OnConfigure:    func() { configured = true },
	}

	startedAt := time.Now().Truncate(time.Second)
	h.Decode(Log("ERROR", "boom"))
	h.Decode(AppState("RUNNING", startedAt))
	h.Decode(Update(UpdatePayload{
		Qid:     "q1",
		Output:  []byte(`{"answer":42}`),
		Partial: []byte(`{"answer":41}`),
		Ray:     []byte(`{"qid":"q1"}`),
	}))
	h.Decode(SchemaUpdate(SchemaUpdatePayload{Input: []byte(`{"type":"object"}`)}))
	h.Decode(Configure())

	if logPayload.Level != "ERROR" || logPayload.Message != "boom" {
		t.Errorf("unexpected log payload: %+v", logPayload)
	}
	if statePayload.Status != "RUNNING" {
		t.Errorf("unexpected app state payload: %+v", statePayload)
	}
	if !statePayload.StartedAt.Equal(startedAt) {
		t.Errorf("started_at lost precision: %v != %v", statePayload.StartedAt, startedAt)
	}
	if updatePayload.Qid != "q1" || string(updatePayload.Output) != `{"answer":42}` {
		t.Errorf("unexpected update payload: %+v", updatePayload)
	}
	if string(updatePayload.Partial) != `{"answer":41}` || string(updatePayload.Ray) != `{"qid":"q1"}` {
		t.Errorf("partial or ray lost in transit: %+v", updatePayload)
	}
	if string(schemaPayload.Input) != `{"type":"object"}` || schemaPayload.Output != nil {
		t.Errorf("unexpected schema payload: %+v", schemaPayload)
	}
	if !configured {
		t.Error("CONFIGURE not dispatched")
	}
}

func TestHandlers_MissingHandlerIsDropped(t *testing.T) {
	t.Parallel()
	h := &Handlers{}
	// Must not panic with no handlers installed.
	h.Decode(Add("q1"))
	h.Decode(Update(UpdatePayload{Qid: "q1"}))
	h.Decode(Configure())
}

func TestHandlers_InvalidFrame(t *testing.T) {
	t.Parallel()
	invalid := 0
	h := &Handlers{
		OnAdd:            func(string) { t.Error("invalid frame must not dispatch") },
		OnInvalidMessage: func([]byte) { invalid++ },
	}
	h.Decode([]byte{0xff, 0x00, 0x01})
	if invalid != 1 {
		t.Errorf("expected 1 invalid frame callback, got %d", invalid)
	}
}

func TestHandlers_UnsupportedAction(t *testing.T) {
	t.Parallel()
	var got Action
	h := &Handlers{OnUnsupportedAction: func(a Action) { got = a }}
	h.Decode(encode(Action("BOGUS"), "payload"))
	if got != "BOGUS" {
		t.Errorf("expected BOGUS, got %q", got)
	}
}

// setupBus wires a publisher to a subscriber over loopback and returns the
// publish side plus a channel of received frames.
func setupBus(t *testing.T) (*Publisher, chan []byte) {
	t.Helper()
	_, port, err := ReservePortPair()
	if err != nil {
		t.Fatalf("failed to reserve ports: %v", err)
	}
	publisher, err := NewPublisher(port)
	if err != nil {
		t.Fatalf("failed to bind publisher: %v", err)
	}
	t.Cleanup(publisher.Close)

	frames := make(chan []byte, 64)
	subscriber := NewSubscriber(publisher.Port(), func(frame []byte) {
		frames <- frame
	})
	t.Cleanup(subscriber.Close)

	waitForSubscriber(t, publisher)
	return publisher, frames
}

func waitForSubscriber(t *testing.T, p *Publisher) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		n := len(p.conns)
		p.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("subscriber never connected")
}

func receiveFrame(t *testing.T, frames chan []byte) []byte {
	t.Helper()
	select {
	case frame := <-frames:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestBus_PublishDelivery(t *testing.T) {
	t.Parallel()
	publisher, frames := setupBus(t)

	publisher.Publish(Add("q1"))
	publisher.Publish(Update(UpdatePayload{Qid: "q1", Output: []byte(`{"v":1}`)}))

	var qid string
	var update UpdatePayload
	h := &Handlers{
		OnAdd:    func(q string) { qid = q },
		OnUpdate: func(p UpdatePayload) { update = p },
	}
	h.Decode(receiveFrame(t, frames))
	h.Decode(receiveFrame(t, frames))

	if qid != "q1" {
		t.Errorf("expected ADD q1, got %q", qid)
	}
	if update.Qid != "q1" || string(update.Output) != `{"v":1}` {
		t.Errorf("unexpected UPDATE: %+v", update)
	}
}

func TestBus_OrderPreserved(t *testing.T) {
	t.Parallel()
	publisher, frames := setupBus(t)

	const n = 100
	for i := 0; i < n; i++ {
		publisher.Publish(Add(string(rune('a' + i%26))))
	}

	var got []string
	h := &Handlers{OnAdd: func(qid string) { got = append(got, qid) }}
	for i := 0; i < n; i++ {
		h.Decode(receiveFrame(t, frames))
	}
	for i, qid := range got {
		want := string(rune('a' + i%26))
		if qid != want {
			t.Fatalf("frame %d out of order: expected %q, got %q", i, want, qid)
		}
	}
}

func TestBus_SubscriberRedialsAfterPeerRestart(t *testing.T) {
	t.Parallel()
	_, port, err := ReservePortPair()
	if err != nil {
		t.Fatalf("failed to reserve ports: %v", err)
	}
	publisher, err := NewPublisher(port)
	if err != nil {
		t.Fatalf("failed to bind publisher: %v", err)
	}

	frames := make(chan []byte, 16)
	subscriber := NewSubscriber(port, func(frame []byte) { frames <- frame })
	t.Cleanup(subscriber.Close)

	waitForSubscriber(t, publisher)
	publisher.Publish(Add("before"))
	receiveFrame(t, frames)

	// Simulate a peer restart on the same port.
	publisher.Close()
	restarted, err := NewPublisher(port)
	if err != nil {
		t.Fatalf("failed to rebind publisher: %v", err)
	}
	t.Cleanup(restarted.Close)

	waitForSubscriber(t, restarted)
	restarted.Publish(Add("after"))

	var qid string
	h := &Handlers{OnAdd: func(q string) { qid = q }}
	h.Decode(receiveFrame(t, frames))
	if qid != "after" {
		t.Errorf("expected frame from restarted peer, got %q", qid)
	}
}

func TestBus_PublishWithoutSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()
	_, port, err := ReservePortPair()
	if err != nil {
		t.Fatalf("failed to reserve ports: %v", err)
	}
	publisher, err := NewPublisher(port)
	if err != nil {
		t.Fatalf("failed to bind publisher: %v", err)
	}
	t.Cleanup(publisher.Close)

	done := make(chan struct{})
	go func() {
		publisher.Publish(Add("dropped"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscriber")
	}
}

func TestReservePortPair_Distinct(t *testing.T) {
	t.Parallel()
	first, second, err := ReservePortPair()
	if err != nil {
		t.Fatalf("failed to reserve ports: %v", err)
	}
	if first == second {
		t.Errorf("ports must be distinct, both %d", first)
	}
	if first == 0 || second == 0 {
		t.Errorf("ports must be concrete, got %d and %d", first, second)
	}
}
