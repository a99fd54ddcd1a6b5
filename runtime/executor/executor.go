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

// Package executor is the worker-process entrypoint. It joins the bus,
// reports the application lifecycle (STARTING, RUNNING, CRASHED), publishes
// the application schemas and runs the dispatcher until it stops.
package executor

import (
	"fmt"
	"log/slog"
	"time"

	"go.corp.nvidia.com/rayhost/pkg/ipc"
	"go.corp.nvidia.com/rayhost/pkg/ray"
	"go.corp.nvidia.com/rayhost/pkg/store"
	"go.corp.nvidia.com/rayhost/pkg/supervisor"
	"go.corp.nvidia.com/rayhost/runtime/app"
	"go.corp.nvidia.com/rayhost/runtime/dispatcher"
	"go.corp.nvidia.com/rayhost/utils"
)

const publisherBindAttempts = 10

// Run executes the worker side of the runtime until the dispatcher stops,
// either through an EXIT message or the suspend/hara-kiri paths. The bus
// ports and the datastore location arrive through the environment markers
// set by the supervisor's launcher.
func Run(descriptor *app.Descriptor) error {
	publisherPort := utils.GetEnvInt(supervisor.EnvPublisherPort, 0)
	subscriberPort := utils.GetEnvInt(supervisor.EnvSubscriberPort, 0)
	datastore := utils.GetEnv(supervisor.EnvDatastore, "datastore")
	if publisherPort == 0 || subscriberPort == 0 {
		return fmt.Errorf("missing bus ports in environment")
	}

	publisher, err := bindPublisher(publisherPort)
	if err != nil {
		return err
	}
	defer publisher.Close()

	// From here on, logs travel to the supervisor as LOG messages.
	slog.SetDefault(slog.New(NewBusHandler(slog.LevelDebug, func(level, message string) {
		publisher.Publish(ipc.Log(level, message))
	})))

	state := ray.NewState()
	publisher.Publish(ipc.AppState(string(ray.StateStarting), state.StartedAt()))

	binding, err := app.NewBinding(descriptor)
	if err != nil {
		publisher.Publish(ipc.AppState(string(ray.StateCrashed), state.StartedAt()))
		return fmt.Errorf("failed to load application: %w", err)
	}

	service, err := store.NewService(datastore)
	if err != nil {
		publisher.Publish(ipc.AppState(string(ray.StateCrashed), state.StartedAt()))
		return fmt.Errorf("failed to open datastore: %w", err)
	}
	resources := store.NewResources(datastore)

	notifier := dispatcher.NewUpdatePublisher(publisher.Publish,
		descriptor.Output.Marshal, resources)
	d := dispatcher.New(binding, notifier, publisher.Publish, service, resources, state)

	subscriber := ipc.NewSubscriber(subscriberPort, d.Handlers().Decode)
	defer subscriber.Close()

	publisher.Publish(ipc.SchemaUpdate(ipc.SchemaUpdatePayload{
		Input:  descriptor.Input.JSONSchema(),
		Output: descriptor.Output.JSONSchema(),
		Config: descriptor.Config.JSONSchema(),
	}))

	state.SetStatus(ray.StateRunning)
	publisher.Publish(ipc.AppState(string(ray.StateRunning), state.StartedAt()))

	d.Start()
	// Relearn the backlog: after a respawn the supervisor re-asserts every
	// unfinished queued job.
	publisher.Publish(ipc.Fetch("queue"))

	select {
	case <-d.Done():
		service.Flush()
	case <-d.Killed():
		// Hara-kiri fired while a callback refused to return. The loop
		// goroutine is stuck inside user code, so Done never closes; exiting
		// the process is the only way to stop the callback. The parent
		// notices the dead process and respawns on the next job.
	}
	return nil
}

// bindPublisher retries the bind: the port was reserved by probe-and-release
// in the parent, and a respawned worker can race the previous process still
// letting go of it.
func bindPublisher(port int) (*ipc.Publisher, error) {
	var err error
	for attempt := 1; attempt <= publisherBindAttempts; attempt++ {
		var publisher *ipc.Publisher
		publisher, err = ipc.NewPublisher(port)
		if err == nil {
			return publisher, nil
		}
		time.Sleep(utils.CalculateBackoff(attempt, time.Second))
	}
	return nil, fmt.Errorf("failed to bind worker bus endpoint: %w", err)
}
