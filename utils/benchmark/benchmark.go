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

// Package benchmark keeps in-process timing statistics for the hot paths so
// they can be inspected over the REST surface without an external collector.
package benchmark

import (
	"math"
	"sort"
	"sync"
	"time"
)

// stats holds running statistics using Welford's online algorithm.
type stats struct {
	count int64
	mean  float64
	m2    float64
	min   float64
	max   float64
}

func (s *stats) push(value float64) {
	s.count++
	if s.count == 1 {
		s.min = value
		s.max = value
	} else {
		if value < s.min {
			s.min = value
		}
		if value > s.max {
			s.max = value
		}
	}
	delta := value - s.mean
	s.mean += delta / float64(s.count)
	s.m2 += delta * (value - s.mean)
}

func (s *stats) stddev() float64 {
	if s.count < 2 {
		return math.NaN()
	}
	return math.Sqrt(s.m2 / float64(s.count-1))
}

// Timing is one named entry of a registry snapshot. Durations are seconds.
type Timing struct {
	Name   string  `json:"name"`
	Avg    float64 `json:"avg"`
	Count  int64   `json:"count"`
	Stddev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Registry accumulates named timings. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	timings map[string]*stats
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{timings: map[string]*stats{}}
}

// Add records one elapsed duration under name.
func (r *Registry) Add(name string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.timings[name]
	if s == nil {
		s = &stats{}
		r.timings[name] = s
	}
	s.push(elapsed.Seconds())
}

// Measure starts a timer for name and returns the function that stops it.
//
//	defer registry.Measure("Engine::process")()
func (r *Registry) Measure(name string) func() {
	start := time.Now()
	return func() {
		r.Add(name, time.Since(start))
	}
}

// Snapshot returns the current timings sorted by name. Stddev is NaN until
// a name has at least two samples, mirrored as 0 in the JSON encoding.
func (r *Registry) Snapshot() []Timing {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]Timing, 0, len(r.timings))
	for name, s := range r.timings {
		stddev := s.stddev()
		if math.IsNaN(stddev) {
			stddev = 0
		}
		result = append(result, Timing{
			Name:   name,
			Avg:    s.mean,
			Count:  s.count,
			Stddev: stddev,
			Min:    s.min,
			Max:    s.max,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Clear drops all timings.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.timings = map[string]*stats{}
	r.mu.Unlock()
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// MeasureBlockTime times a block against the default registry.
func MeasureBlockTime(name string) func() {
	return defaultRegistry.Measure(name)
}
