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

// Package metrics exports execution telemetry over OTLP. The whole package is
// nil-safe: without RAYHOST_TELEMETRY_ENDPOINT set, every recording call is a
// no-op, so instrumented code never needs to branch.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"go.corp.nvidia.com/rayhost/utils"
)

// EnvTelemetryEndpoint gates the exporter. Empty disables telemetry.
const EnvTelemetryEndpoint = "RAYHOST_TELEMETRY_ENDPOINT"

const exportInterval = 6 * time.Second

// Config holds configuration for the metrics system.
type Config struct {
	OTLPEndpoint   string
	ServiceName    string
	ServiceVersion string
	GlobalTags     map[string]string
}

// ConfigFromEnv builds the config from the environment. A zero endpoint
// means telemetry stays off.
func ConfigFromEnv(serviceName string) Config {
	return Config{
		OTLPEndpoint:   utils.GetEnv(EnvTelemetryEndpoint, ""),
		ServiceName:    serviceName,
		ServiceVersion: utils.GetEnv("SERVICE_VERSION", "unknown"),
	}
}

// MetricCreator provides thread-safe metric recording capabilities.
// All methods are safe for concurrent use by multiple goroutines, including
// on a nil receiver.
type MetricCreator struct {
	meterProvider  *sdkmetric.MeterProvider
	meter          metric.Meter
	counterCache   sync.Map // map[string]metric.Int64Counter
	histogramCache sync.Map // map[string]metric.Float64Histogram
	globalTags     map[string]string
}

var (
	instance *MetricCreator
	once     sync.Once
	initErr  error
)

// Init initializes the global MetricCreator. Safe to call multiple times;
// only the first call initializes. With no endpoint configured it leaves the
// global nil and recording stays a no-op.
func Init(config Config) error {
	once.Do(func() {
		if config.OTLPEndpoint == "" {
			return
		}
		mc, err := newMetricCreator(config)
		if err != nil {
			initErr = err
			return
		}
		instance = mc
	})
	return initErr
}

// Get returns the global MetricCreator, possibly nil.
func Get() *MetricCreator {
	return instance
}

func newMetricCreator(config Config) (*MetricCreator, error) {
	ctx := context.Background()

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			exporter,
			sdkmetric.WithInterval(exportInterval),
		)),
		sdkmetric.WithResource(res),
	)

	globalTags := make(map[string]string, len(config.GlobalTags))
	for k, v := range config.GlobalTags {
		globalTags[k] = v
	}

	meterName := config.ServiceName
	if config.ServiceVersion != "" {
		meterName = config.ServiceName + "@" + config.ServiceVersion
	}

	return &MetricCreator{
		meterProvider: provider,
		meter:         provider.Meter(meterName),
		globalTags:    globalTags,
	}, nil
}

// RecordCounter records an integer counter metric.
func (mc *MetricCreator) RecordCounter(ctx context.Context, name string, value int64, unit, description string, tags map[string]string) error {
	if mc == nil {
		return nil
	}

	counter, err := mc.getOrCreateCounter(name, unit, description)
	if err != nil {
		return err
	}

	attrs := mc.buildAttributes(tags)
	counter.Add(ctx, value, metric.WithAttributes(attrs...))
	return nil
}

// RecordHistogram records a floating-point histogram metric.
func (mc *MetricCreator) RecordHistogram(ctx context.Context, name string, value float64, unit, description string, tags map[string]string) error {
	if mc == nil {
		return nil
	}

	histogram, err := mc.getOrCreateHistogram(name, unit, description)
	if err != nil {
		return err
	}

	attrs := mc.buildAttributes(tags)
	histogram.Record(ctx, value, metric.WithAttributes(attrs...))
	return nil
}

func (mc *MetricCreator) getOrCreateCounter(name, unit, description string) (metric.Int64Counter, error) {
	if cached, ok := mc.counterCache.Load(name); ok {
		return cached.(metric.Int64Counter), nil
	}

	counter, err := mc.meter.Int64Counter(
		name,
		metric.WithUnit(unit),
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", name, err)
	}

	// Atomic store-if-absent handles race with other goroutines
	actual, _ := mc.counterCache.LoadOrStore(name, counter)
	return actual.(metric.Int64Counter), nil
}

func (mc *MetricCreator) getOrCreateHistogram(name, unit, description string) (metric.Float64Histogram, error) {
	if cached, ok := mc.histogramCache.Load(name); ok {
		return cached.(metric.Float64Histogram), nil
	}

	histogram, err := mc.meter.Float64Histogram(
		name,
		metric.WithUnit(unit),
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram %s: %w", name, err)
	}

	actual, _ := mc.histogramCache.LoadOrStore(name, histogram)
	return actual.(metric.Float64Histogram), nil
}

func (mc *MetricCreator) buildAttributes(callTags map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(mc.globalTags)+len(callTags))
	for k, v := range mc.globalTags {
		attrs = append(attrs, attribute.String(k, v))
	}
	for k, v := range callTags {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// Shutdown gracefully shuts down the meter provider, flushing any pending
// metrics.
func (mc *MetricCreator) Shutdown(ctx context.Context) error {
	if mc == nil || mc.meterProvider == nil {
		return nil
	}
	return mc.meterProvider.Shutdown(ctx)
}

// CountExecution bumps the per-status execution counter. status is the
// terminal (or initial) lifecycle status, lowercase.
func CountExecution(ctx context.Context, status string) {
	_ = Get().RecordCounter(ctx, "rayhost.executions", 1, "{execution}",
		"Executions by lifecycle status", map[string]string{"status": status})
}

// ObserveExecutionDuration records one execution's wall time.
func ObserveExecutionDuration(ctx context.Context, elapsed time.Duration) {
	_ = Get().RecordHistogram(ctx, "rayhost.execution.duration", elapsed.Seconds(),
		"s", "Execution wall time", nil)
}
