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
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.corp.nvidia.com/rayhost/pkg/engine"
	"go.corp.nvidia.com/rayhost/pkg/ray"
	"go.corp.nvidia.com/rayhost/utils"
	"go.corp.nvidia.com/rayhost/utils/benchmark"
)

const (
	defaultPageSize = 10
	maxBodySize     = 64 << 20
)

func (h *Host) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execution", h.handleExecution)
	mux.HandleFunc("GET /resource", h.handleResource)
	mux.HandleFunc("GET /schema", h.handleSchema)
	mux.HandleFunc("GET /manifest", h.handleManifest)
	mux.HandleFunc("GET /benchmark", h.handleBenchmark)
	mux.HandleFunc("GET /queue/get", h.handleQueueGet)
	mux.HandleFunc("DELETE /queue/delete", h.handleQueueDelete)
	mux.HandleFunc("GET /queue/list", h.handleQueueList)
	mux.HandleFunc("POST /queue/post", h.handleQueuePost)
	mux.HandleFunc("GET /config", h.handleConfigGet)
	mux.HandleFunc("POST /config", h.handleConfigPost)
	mux.HandleFunc("GET /state", h.handleState)
	mux.HandleFunc("GET /socket", h.hub.handleConnection)
	return mux
}

// requestUID resolves the caller identity: header first, query fallback.
// Authentication itself is external; the host only routes by uid.
func requestUID(r *http.Request) string {
	if uid := r.Header.Get("X-User-Id"); uid != "" {
		return uid
	}
	return r.URL.Query().Get("uid")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", slog.String("error", err.Error()))
	}
}

func writeRawJSON(w http.ResponseWriter, status int, raw []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if raw == nil {
		raw = []byte("null")
	}
	if _, err := w.Write(raw); err != nil {
		slog.Debug("Failed to write response", slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	return body, true
}

// handleExecution runs one job in the foreground: prepare, block until the
// worker finishes it, answer with the output, then clean the transient
// execution up.
func (h *Host) handleExecution(w http.ResponseWriter, r *http.Request) {
	defer benchmark.MeasureBlockTime("REST::execution")()

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if _, err := h.descriptor.Input.Unmarshal(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sid := engine.NewID()
	qid := h.sup.Prepare(body, "", sid, requestUID(r), "")
	out := h.sup.Await(qid)
	// Foreground executions are fire-and-forget; keep the queue clean.
	h.sup.Delete(qid)
	writeRawJSON(w, http.StatusOK, out)
}

func (h *Host) handleResource(w http.ResponseWriter, r *http.Request) {
	reid := r.URL.Query().Get("reid")
	if reid == "" {
		writeError(w, http.StatusBadRequest, "missing reid")
		return
	}
	data, mime := h.resources.Read(reid)
	if data == nil {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	// Resource ids are content-addressed, so the reid doubles as the ETag.
	w.Header().Set("ETag", strconv.Quote(reid))
	w.Header().Set("Content-Type", mime)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Debug("Failed to write resource", slog.String("error", err.Error()))
	}
}

func (h *Host) handleSchema(w http.ResponseWriter, r *http.Request) {
	defer benchmark.MeasureBlockTime("REST::schema")()

	schemas := h.sup.Schemas()
	switch r.URL.Query().Get("type") {
	case "", "input":
		writeRawJSON(w, http.StatusOK, schemas.Input)
	case "output":
		writeRawJSON(w, http.StatusOK, schemas.Output)
	case "config":
		writeRawJSON(w, http.StatusOK, schemas.Config)
	default:
		writeError(w, http.StatusBadRequest, "unknown schema type")
	}
}

func (h *Host) handleManifest(w http.ResponseWriter, _ *http.Request) {
	defer benchmark.MeasureBlockTime("REST::manifest")()

	manifest := map[string]any{}
	for key, value := range h.store.KV("manifest").All() {
		manifest[key] = json.RawMessage(value)
	}
	manifest["name"] = h.descriptor.Name
	manifest["dos"] = utils.GetEnv("RAYHOST_DOS", "")
	manifest["dev"] = utils.GetEnvBool("RAYHOST_DEV", false)
	writeJSON(w, http.StatusOK, manifest)
}

func (h *Host) handleBenchmark(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, benchmark.Default().Snapshot())
}

func (h *Host) handleQueueGet(w http.ResponseWriter, r *http.Request) {
	qid := r.URL.Query().Get("qid")
	if qid == "" {
		writeError(w, http.StatusBadRequest, "missing qid")
		return
	}
	writeRawJSON(w, http.StatusOK, h.store.Asset(qid, "out"))
}

func (h *Host) handleQueueDelete(w http.ResponseWriter, r *http.Request) {
	qid := r.URL.Query().Get("qid")
	if qid == "" {
		writeError(w, http.StatusBadRequest, "missing qid")
		return
	}
	removed := h.sup.Delete(qid)
	data, err := removed.Dump()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRawJSON(w, http.StatusOK, data)
}

// handleQueueList pages through the caller's rays. Without a start date the
// newest rays come first; the page itself is kept in display order.
func (h *Host) handleQueueList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	uid := requestUID(r)

	var startDate, endDate time.Time
	if raw := query.Get("start_date"); raw != "" {
		parsed, err := parseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start_date")
			return
		}
		startDate = parsed
	}
	if raw := query.Get("end_date"); raw != "" {
		parsed, err := parseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end_date")
			return
		}
		endDate = parsed.Add(24 * time.Hour)
	}

	limit := defaultPageSize
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := query.Get("cursor"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		offset = parsed
	}

	rays := h.sup.Engine().PendingRays(func(r *ray.Ray) bool {
		if uid != "" && r.Uid != uid {
			return false
		}
		created := r.CreatedAt
		if !startDate.IsZero() && created.Before(startDate) {
			return false
		}
		if !endDate.IsZero() && !created.Before(endDate) {
			return false
		}
		return true
	})

	newestFirst := startDate.IsZero()
	if newestFirst {
		for i, j := 0, len(rays)-1; i < j; i, j = i+1, j-1 {
			rays[i], rays[j] = rays[j], rays[i]
		}
	}

	if offset > len(rays) {
		offset = len(rays)
	}
	end := offset + limit
	if end > len(rays) {
		end = len(rays)
	}
	page := rays[offset:end]

	snapshots := make([]*ray.Ray, len(page))
	for i, r := range page {
		snapshots[i] = r.Snapshot()
	}
	nextCursor := ""
	if end < len(rays) {
		nextCursor = strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rays":        snapshots,
		"next_cursor": nextCursor,
	})
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// handleQueuePost submits one job in the background and answers with its ray.
func (h *Host) handleQueuePost(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if _, err := h.descriptor.Input.Unmarshal(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rid := r.Header.Get("X-Request-Id")
	if rid == "" {
		rid = engine.NewID()
	}
	qid := h.sup.Prepare(body, "", engine.NewID(), requestUID(r), rid)
	data, err := h.sup.Engine().Ray(qid).Dump()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRawJSON(w, http.StatusOK, data)
}

func (h *Host) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	writeRawJSON(w, http.StatusOK, h.readConfig(requestUID(r)))
}

func (h *Host) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := h.writeConfig(requestUID(r), body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeRawJSON(w, http.StatusOK, h.readConfig(requestUID(r)))
}

func (h *Host) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stateView())
}
