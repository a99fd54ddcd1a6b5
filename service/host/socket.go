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
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go.corp.nvidia.com/rayhost/pkg/engine"
	"go.corp.nvidia.com/rayhost/pkg/ray"
	"go.corp.nvidia.com/rayhost/utils/benchmark"
)

const (
	pulsePeriod = 3 * time.Second
	writeWait   = 10 * time.Second
	sendBuffer  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checks belong to the fronting proxy; the host itself only
	// routes by uid.
	CheckOrigin: func(*http.Request) bool { return true },
}

// event is the wire frame in both directions: a name plus a payload.
type event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// header carries the caller identity inside event payloads.
type header struct {
	Uid string `json:"uid"`
	Rid string `json:"rid,omitempty"`
}

type session struct {
	sid  string
	conn *websocket.Conn
	send chan []byte

	once sync.Once
	done chan struct{}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// writePump serializes all writes of one connection.
func (s *session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.close()
				return
			}
		}
	}
}

// trySend queues one frame, dropping it when the client cannot keep up. A
// dropped partial breaks the client's delta chain, which it detects by hash
// mismatch and repairs with reset_watch.
func (s *session) trySend(frame []byte) {
	select {
	case s.send <- frame:
	case <-s.done:
	default:
		slog.Warn("Dropping event for slow session", slog.String("sid", s.sid))
	}
}

// Hub owns the WebSocket sessions and implements the notifier seam the
// supervisor and the watch registry emit through.
type Hub struct {
	host *Host

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewHub returns an empty hub bound to its host.
func NewHub(h *Host) *Hub {
	return &Hub{host: h, sessions: map[string]*session{}}
}

// Emit sends one event to room (a sid), or to every session when room is
// empty.
func (hub *Hub) Emit(name, room string, data any) {
	frame, err := json.Marshal(map[string]any{"event": name, "data": data})
	if err != nil {
		slog.Error("Failed to serialize event", slog.String("event", name),
			slog.String("error", err.Error()))
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if room == "" {
		for _, s := range hub.sessions {
			s.trySend(frame)
		}
		return
	}
	if s := hub.sessions[room]; s != nil {
		s.trySend(frame)
	}
}

// Shutdown closes every session.
func (hub *Hub) Shutdown() {
	hub.mu.Lock()
	for sid, s := range hub.sessions {
		s.close()
		delete(hub.sessions, sid)
	}
	hub.mu.Unlock()
}

// handleConnection upgrades, mints the sid and serves the session until the
// peer goes away.
func (hub *Hub) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("Failed to upgrade connection", slog.String("error", err.Error()))
		return
	}

	s := &session{
		sid:  engine.NewID(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	hub.mu.Lock()
	hub.sessions[s.sid] = s
	hub.mu.Unlock()
	hub.host.link.RegisterSession(s.sid)
	if uid := r.URL.Query().Get("uid"); uid != "" {
		hub.host.link.RegisterUserSession(uid, s.sid)
	}
	slog.Info("Session connected", slog.String("sid", s.sid))

	go s.writePump()
	hub.readLoop(s)

	hub.host.watch.Unwatch(s.sid)
	hub.host.link.UnregisterSession(s.sid)
	hub.mu.Lock()
	delete(hub.sessions, s.sid)
	hub.mu.Unlock()
	s.close()
	slog.Info("Session disconnected", slog.String("sid", s.sid))
}

func (hub *Hub) readLoop(s *session) {
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var ev event
		if err := json.Unmarshal(frame, &ev); err != nil || ev.Event == "" {
			slog.Warn("Invalid event frame", slog.String("sid", s.sid))
			continue
		}
		hub.dispatch(s, ev)
	}
}

func (hub *Hub) dispatch(s *session, ev event) {
	defer benchmark.MeasureBlockTime("Socket::" + ev.Event)()

	switch ev.Event {
	case "execute":
		// Foreground executions block until the worker finishes; keep the
		// read loop free so cancel and watch still work meanwhile.
		go hub.onExecute(s, ev.Data)
	case "watch":
		hub.onWatch(s, ev.Data)
	case "reset_watch":
		hub.onResetWatch(s, ev.Data)
	case "resume":
		hub.onResume(s, ev.Data)
	case "restore":
		hub.onRestore(s, ev.Data)
	case "sync":
		hub.onSync(s, ev.Data)
	case "delete":
		hub.onDelete(s, ev.Data)
	case "state":
		hub.Emit("state", s.sid, hub.host.stateView())
	case "configure":
		hub.onConfigure(s, ev.Data)
	case "assets":
		hub.onAssets(s, ev.Data)
	case "capability":
		hub.Emit("capabilities", s.sid, map[string]bool{"assets": true})
	default:
		slog.Warn("Unknown event", slog.String("event", ev.Event),
			slog.String("sid", s.sid))
	}
}

type qidPayload struct {
	Qid string `json:"qid"`
}

func decodeQid(data json.RawMessage) (string, bool) {
	var p qidPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Qid == "" {
		return "", false
	}
	return p.Qid, true
}

func (hub *Hub) onExecute(s *session, data json.RawMessage) {
	var req struct {
		Body       json.RawMessage `json:"body"`
		Header     header          `json:"header"`
		Background bool            `json:"background"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Warn("Invalid execute event", slog.String("sid", s.sid))
		return
	}
	h := hub.host
	if _, err := h.descriptor.Input.Unmarshal(req.Body); err != nil {
		hub.Emit("response", s.sid, map[string]any{"error": err.Error()})
		return
	}
	if req.Header.Uid != "" {
		h.link.RegisterUserSession(req.Header.Uid, s.sid)
	}
	rid := req.Header.Rid
	if rid == "" {
		rid = engine.NewID()
	}

	if req.Background {
		qid := h.sup.Prepare(req.Body, "", s.sid, req.Header.Uid, rid)
		snapshot := h.sup.Engine().Ray(qid).Snapshot()
		hub.Emit("submitted", s.sid, map[string]any{
			"ray":      snapshot,
			"input_ts": h.store.AssetTimestamp(qid, "in"),
		})
		go hub.pulse(s, qid, rid)
		return
	}

	// Foreground: the session itself is the execution slot. One at a time;
	// stale slots (crashed clients) are reusable once removed.
	qid := s.sid
	status := h.sup.Engine().Ray(qid).CurrentStatus()
	if status != ray.StatusUnknown && status != ray.StatusRemoved {
		slog.Warn("Execution already in progress", slog.String("sid", s.sid))
		return
	}
	h.sup.Prepare(req.Body, qid, s.sid, req.Header.Uid, rid)
	out := h.sup.Await(qid)
	hub.Emit("response", s.sid, map[string]any{
		"output":    json.RawMessage(out),
		"ray":       h.sup.Engine().Ray(qid).Snapshot(),
		"output_ts": h.store.AssetTimestamp(qid, "out"),
	})
	// Foreground slots are transient; clean up so the session can run again.
	h.sup.Delete(qid)
}

// pulse emits a heartbeat for a background submission until it finishes or
// the session goes away.
func (hub *Hub) pulse(s *session, qid, rid string) {
	ticker := time.NewTicker(pulsePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if hub.host.sup.Engine().Ray(qid).IsFinished() {
				return
			}
			hub.Emit("pulse", s.sid, map[string]string{"rid": rid})
		}
	}
}

func (hub *Hub) onWatch(s *session, data json.RawMessage) {
	if qid, ok := decodeQid(data); ok {
		hub.host.watch.Watch(s.sid, qid)
	}
}

func (hub *Hub) onResetWatch(s *session, data json.RawMessage) {
	if qid, ok := decodeQid(data); ok {
		hub.host.watch.Reset(qid)
	}
}

// onResume replays the pending rays of a user onto a fresh session, skipping
// rays whose originating session is still connected elsewhere.
func (hub *Hub) onResume(s *session, data json.RawMessage) {
	var req struct {
		Uid string `json:"uid"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.Uid == "" {
		return
	}
	h := hub.host
	h.link.RegisterUserSession(req.Uid, s.sid)

	pending := h.sup.Engine().PendingRays(func(r *ray.Ray) bool {
		if r.Uid != req.Uid || r.IsFinished() {
			return false
		}
		return r.Sid == "" || r.Sid == s.sid || !h.link.IsActive(r.Sid)
	})
	for _, r := range pending {
		hub.Emit("progress", s.sid, map[string]any{"ray": r.Snapshot()})
	}
}

func (hub *Hub) onRestore(s *session, data json.RawMessage) {
	qid, ok := decodeQid(data)
	if !ok {
		return
	}
	h := hub.host
	hub.Emit("restore", s.sid, map[string]any{
		"input":  json.RawMessage(h.store.Asset(qid, "in")),
		"output": json.RawMessage(h.store.Asset(qid, "out")),
		"ray":    json.RawMessage(h.store.Asset(qid, "ray")),
	})
}

// onSync replaces the persisted input of a running job and nudges the worker
// to re-read it.
func (hub *Hub) onSync(s *session, data json.RawMessage) {
	var req struct {
		Qid    string          `json:"qid"`
		Body   json.RawMessage `json:"body"`
		Header header          `json:"header"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.Qid == "" {
		return
	}
	h := hub.host
	if _, err := h.descriptor.Input.Unmarshal(req.Body); err != nil {
		slog.Warn("Rejecting invalid sync input", slog.String("qid", req.Qid),
			slog.String("error", err.Error()))
		return
	}
	if err := h.store.SetAsset(req.Qid, "in", req.Body); err != nil {
		slog.Error("Failed to persist input", slog.String("qid", req.Qid),
			slog.String("error", err.Error()))
		return
	}
	h.sup.Sync(req.Qid)
}

func (hub *Hub) onDelete(s *session, data json.RawMessage) {
	qid, ok := decodeQid(data)
	if !ok {
		return
	}
	removed := hub.host.sup.Delete(qid)
	hub.Emit("progress", s.sid, map[string]any{"ray": removed.Snapshot()})
}

func (hub *Hub) onConfigure(s *session, data json.RawMessage) {
	var req struct {
		Body   json.RawMessage `json:"body"`
		Header header          `json:"header"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	h := hub.host
	if len(req.Body) > 0 {
		if err := h.writeConfig(req.Header.Uid, req.Body); err != nil {
			hub.Emit("settings", s.sid, map[string]any{"error": err.Error()})
			return
		}
	}
	hub.Emit("settings", s.sid, json.RawMessage(h.readConfig(req.Header.Uid)))
}

func (hub *Hub) onAssets(s *session, data json.RawMessage) {
	qid, ok := decodeQid(data)
	if !ok {
		return
	}
	h := hub.host
	hub.Emit("assets", s.sid, map[string]any{
		"input_ts":  h.store.AssetTimestamp(qid, "in"),
		"output_ts": h.store.AssetTimestamp(qid, "out"),
		"ray":       h.sup.Engine().Ray(qid).Snapshot(),
	})
}
