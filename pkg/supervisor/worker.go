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

package supervisor

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/google/shlex"

	"go.corp.nvidia.com/rayhost/utils"
)

// Environment markers handed to the worker child. The presence of
// EnvExecutor is how a re-executed binary knows to run the worker side.
const (
	EnvExecutor       = "RAYHOST_EXECUTOR"
	EnvPublisherPort  = "RAYHOST_PUBLISHER_PORT"
	EnvSubscriberPort = "RAYHOST_SUBSCRIBER_PORT"
	EnvDatastore      = "RAYHOST_DATASTORE"
	EnvDebug          = "RAYHOST_DEBUG"
)

// Process is a handle to a spawned worker.
type Process interface {
	Alive() bool
	Kill()
}

// Launcher spawns worker processes on demand.
type Launcher interface {
	Launch() (Process, error)
}

// execLauncher spawns the worker as a child process. By default the current
// binary is re-executed with the executor marker set; a non-empty command
// overrides the whole command line.
type execLauncher struct {
	command        string
	publisherPort  int
	subscriberPort int
	datastore      string
	debug          bool
}

// NewLauncher returns the default child-process launcher. publisherPort is
// the port the worker binds; subscriberPort is the supervisor endpoint the
// worker dials.
func NewLauncher(command string, publisherPort, subscriberPort int, datastore string) Launcher {
	return &execLauncher{
		command:        command,
		publisherPort:  publisherPort,
		subscriberPort: subscriberPort,
		datastore:      datastore,
		debug:          utils.GetEnvBool(EnvDebug, false),
	}
}

func (l *execLauncher) Launch() (Process, error) {
	var args []string
	if l.command != "" {
		parsed, err := shlex.Split(l.command)
		if err != nil {
			return nil, fmt.Errorf("invalid worker command %q: %w", l.command, err)
		}
		args = parsed
	} else {
		binary, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve current binary: %w", err)
		}
		args = []string{binary}
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty worker command")
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=1", EnvExecutor),
		fmt.Sprintf("%s=%d", EnvPublisherPort, l.publisherPort),
		fmt.Sprintf("%s=%d", EnvSubscriberPort, l.subscriberPort),
		fmt.Sprintf("%s=%s", EnvDatastore, l.datastore),
	)
	if l.debug {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		// Worker logs travel over the bus as LOG messages; the raw stdio is
		// only useful when debugging the spawn itself.
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %q: %w", args[0], err)
	}
	slog.Info("Worker started", slog.Int("pid", cmd.Process.Pid))

	w := &workerProcess{cmd: cmd}
	go w.reap()
	return w, nil
}

type workerProcess struct {
	cmd *exec.Cmd

	mu     sync.Mutex
	exited bool
}

func (w *workerProcess) reap() {
	err := w.cmd.Wait()
	w.mu.Lock()
	w.exited = true
	w.mu.Unlock()
	if err != nil {
		slog.Info("Worker exited", slog.Int("pid", w.cmd.Process.Pid),
			slog.String("error", err.Error()))
	} else {
		slog.Info("Worker exited", slog.Int("pid", w.cmd.Process.Pid))
	}
}

func (w *workerProcess) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.exited
}

func (w *workerProcess) Kill() {
	w.mu.Lock()
	exited := w.exited
	w.mu.Unlock()
	if exited {
		return
	}
	if err := w.cmd.Process.Kill(); err != nil {
		slog.Debug("Failed to kill worker", slog.String("error", err.Error()))
	}
}
