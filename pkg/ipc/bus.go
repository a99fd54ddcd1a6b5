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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.corp.nvidia.com/rayhost/utils"
)

// maxFrameSize bounds a single envelope. Partial outputs above this are a
// user error; the frame is dropped rather than desynchronizing the stream.
const maxFrameSize = 64 << 20

const subscriberMaxBackoff = 5 * time.Second

// Publisher binds a loopback TCP endpoint and fans frames out to every
// connected subscriber. With no subscriber connected, frames are dropped;
// correctness relies on all state-changing actions being idempotent at the
// receiver (ADD dedupes, UPDATE overwrites, REMOVE is idempotent).
type Publisher struct {
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	done  chan struct{}
}

// NewPublisher binds 127.0.0.1:port and starts accepting subscribers.
func NewPublisher(port int) (*Publisher, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind publisher on port %d: %w", port, err)
	}
	p := &Publisher{
		listener: listener,
		conns:    map[net.Conn]struct{}{},
		done:     make(chan struct{}),
	}
	go p.accept()
	return p, nil
}

// Port returns the bound port.
func (p *Publisher) Port() int {
	return p.listener.Addr().(*net.TCPAddr).Port
}

func (p *Publisher) accept() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.done:
				return
			default:
			}
			slog.Warn("Publisher accept failed", slog.String("error", err.Error()))
			continue
		}
		p.mu.Lock()
		p.conns[conn] = struct{}{}
		p.mu.Unlock()
	}
}

// Publish writes one length-prefixed frame to every connected subscriber.
// A subscriber whose connection errors is dropped; it will redial.
func (p *Publisher) Publish(frame []byte) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(frame)))

	p.mu.Lock()
	defer p.mu.Unlock()
	for conn := range p.conns {
		if _, err := conn.Write(header); err != nil {
			p.dropLocked(conn)
			continue
		}
		if _, err := conn.Write(frame); err != nil {
			p.dropLocked(conn)
		}
	}
}

func (p *Publisher) dropLocked(conn net.Conn) {
	conn.Close()
	delete(p.conns, conn)
}

// Close stops accepting and drops all subscriber connections.
func (p *Publisher) Close() {
	select {
	case <-p.done:
		return
	default:
		close(p.done)
	}
	p.listener.Close()
	p.mu.Lock()
	for conn := range p.conns {
		conn.Close()
	}
	p.conns = map[net.Conn]struct{}{}
	p.mu.Unlock()
}

// Subscriber dials a peer publisher and delivers frames to a callback in
// connection order. After EOF it redials with backoff, so a respawned peer
// on the same port is picked up automatically.
type Subscriber struct {
	addr     string
	callback func([]byte)

	mu   sync.Mutex
	conn net.Conn
	done chan struct{}
	wg   sync.WaitGroup
}

// NewSubscriber starts a subscriber dialing 127.0.0.1:port.
func NewSubscriber(port int, callback func([]byte)) *Subscriber {
	s := &Subscriber{
		addr:     fmt.Sprintf("127.0.0.1:%d", port),
		callback: callback,
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Subscriber) run() {
	defer s.wg.Done()
	retries := 0
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn, err := net.Dial("tcp", s.addr)
		if err != nil {
			retries++
			backoff := utils.CalculateBackoff(retries, subscriberMaxBackoff)
			slog.Debug("Subscriber dial failed, retrying",
				slog.String("addr", s.addr), slog.Duration("backoff", backoff))
			select {
			case <-s.done:
				return
			case <-time.After(backoff):
			}
			continue
		}
		retries = 0

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		s.read(conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}
}

func (s *Subscriber) read(conn net.Conn) {
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("Subscriber read failed", slog.String("error", err.Error()))
			}
			return
		}
		size := binary.BigEndian.Uint32(header)
		if size > maxFrameSize {
			slog.Error("Oversized bus frame, dropping connection", slog.Uint64("size", uint64(size)))
			return
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(conn, frame); err != nil {
			return
		}
		if s.callback != nil {
			s.callback(frame)
		}
	}
}

// Close stops the subscriber and its redial loop.
func (s *Subscriber) Close() {
	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// ReservePortPair reserves two distinct loopback ports by probe-and-release.
// The short window between release and bind is closed by the subscriber's
// redial loop and the caller retrying the publisher bind.
func ReservePortPair() (int, int, error) {
	first, err := reservePort()
	if err != nil {
		return 0, 0, err
	}
	second, err := reservePort()
	if err != nil {
		return 0, 0, err
	}
	return first, second, nil
}

func reservePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to reserve loopback port: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()
	return port, nil
}
