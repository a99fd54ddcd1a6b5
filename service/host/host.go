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

// Package host assembles and serves a hosted application: it wires the
// supervisor, the datastore, the session link and the watch registry, and
// exposes them over REST and WebSocket. The hosted application's main calls
// Ignite and nothing else.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.corp.nvidia.com/rayhost/pkg/link"
	"go.corp.nvidia.com/rayhost/pkg/ray"
	"go.corp.nvidia.com/rayhost/pkg/store"
	"go.corp.nvidia.com/rayhost/pkg/supervisor"
	"go.corp.nvidia.com/rayhost/pkg/watch"
	"go.corp.nvidia.com/rayhost/runtime/app"
	"go.corp.nvidia.com/rayhost/runtime/executor"
	"go.corp.nvidia.com/rayhost/utils"
	"go.corp.nvidia.com/rayhost/utils/logging"
	"go.corp.nvidia.com/rayhost/utils/metrics"
)

// Options configures the serving side. Zero values fall back to the
// environment (RAYHOST_PORT, RAYHOST_DATASTORE, RAYHOST_LOG_LEVEL) and then
// to the defaults.
type Options struct {
	Addr      string
	Datastore string
	LogLevel  string
	LogDir    string
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = fmt.Sprintf(":%d", utils.GetEnvInt("RAYHOST_PORT", 5000))
	}
	if o.Datastore == "" {
		o.Datastore = utils.GetEnvOrConfig("RAYHOST_DATASTORE", "datastore", "datastore")
	}
	if o.LogLevel == "" {
		o.LogLevel = utils.GetEnv("RAYHOST_LOG_LEVEL", "info")
	}
	return o
}

// Host holds the assembled runtime of one hosted application.
type Host struct {
	descriptor *app.Descriptor
	store      *store.Service
	resources  *store.Resources
	link       *link.Link
	sup        *supervisor.Supervisor
	watch      *watch.Registry
	hub        *Hub
}

// Ignite runs the hosted application until a termination signal. In the
// worker child (executor environment marker present) it runs the dispatcher
// loop instead and returns when that stops.
func Ignite(descriptor *app.Descriptor, opts Options) error {
	if os.Getenv(supervisor.EnvExecutor) != "" {
		return executor.Run(descriptor)
	}
	opts = opts.withDefaults()

	name := descriptor.Name
	if name == "" {
		name = "rayhost"
	}
	logging.InitLogger(name, logging.Config{
		Level:  logging.ParseLevel(opts.LogLevel),
		LogDir: opts.LogDir,
	})
	if err := metrics.Init(metrics.ConfigFromEnv(name)); err != nil {
		slog.Warn("Telemetry disabled", slog.String("error", err.Error()))
	}

	h, err := New(descriptor, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()
	return h.Serve(ctx, opts.Addr)
}

// New assembles a Host without serving it. Used by Ignite and by tests that
// drive the surface directly.
func New(descriptor *app.Descriptor, opts Options) (*Host, error) {
	if err := app.Validate(descriptor); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	service, err := store.NewService(opts.Datastore)
	if err != nil {
		return nil, err
	}

	h := &Host{
		descriptor: descriptor,
		store:      service,
		resources:  store.NewResources(opts.Datastore),
		link:       link.New(),
	}
	h.hub = NewHub(h)

	h.sup, err = supervisor.New(supervisor.Config{
		Store:         service,
		Resources:     h.resources,
		Link:          h.link,
		Notifier:      h.hub,
		WorkerCommand: descriptor.WorkerCommand,
	})
	if err != nil {
		return nil, err
	}
	h.sup.SetSchemas(supervisor.Schemas{
		Input:  descriptor.Input.JSONSchema(),
		Output: descriptor.Output.JSONSchema(),
		Config: descriptor.Config.JSONSchema(),
	})
	h.watch = watch.NewRegistry(h.sup.Engine(), service, h.resources, h.link,
		h.hub, descriptor.Output.Many())

	// Hand the persisted per-user configuration to a running worker, if any.
	h.sup.Configure()
	return h, nil
}

// Supervisor exposes the orchestration layer, mainly for tests.
func (h *Host) Supervisor() *supervisor.Supervisor {
	return h.sup
}

// Handler returns the assembled REST + WebSocket mux.
func (h *Host) Handler() http.Handler {
	return h.routes()
}

// Serve blocks until ctx is cancelled, then tears everything down.
func (h *Host) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           h.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	failed := make(chan error, 1)
	go func() {
		slog.Info("Serving application", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-failed:
		h.Shutdown()
		return fmt.Errorf("server failed: %w", err)
	}

	slog.Info("Shutting down ...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Forced server shutdown", slog.String("error", err.Error()))
	}
	h.Shutdown()
	return nil
}

// Shutdown stops the watchers, the hub and the supervisor.
func (h *Host) Shutdown() {
	h.watch.Shutdown()
	h.hub.Shutdown()
	h.sup.Shutdown()
	_ = metrics.Get().Shutdown(context.Background())
}

// stateView serializes the supervisor's process state.
func (h *Host) stateView() ray.StateView {
	return h.sup.State().View()
}
