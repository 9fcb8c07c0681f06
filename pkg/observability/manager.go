// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability wires OpenTelemetry tracing and Prometheus
// metrics for the control plane.
package observability

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kadirpekel/warder/pkg/config"
)

// Manager owns the tracer provider, the metrics and the debug exporter.
type Manager struct {
	config config.ObservabilityConfig

	mu             sync.RWMutex
	tracerProvider trace.TracerProvider
	metrics        *Metrics
	debug          *DebugExporter
}

func NewManager(cfg config.ObservabilityConfig) *Manager {
	return &Manager{
		config:         cfg,
		tracerProvider: noop.NewTracerProvider(),
	}
}

// Initialize sets up what the configuration enables.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.Tracing.Enabled {
		m.debug = NewDebugExporter(1000)
		tp, err := InitGlobalTracer(ctx, m.config.Tracing, m.debug)
		if err != nil {
			return err
		}
		m.tracerProvider = tp
	}

	if m.config.Metrics.Enabled {
		metrics, err := NewMetrics()
		if err != nil {
			return err
		}
		m.metrics = metrics
	}
	return nil
}

func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracerProvider.Tracer(name)
}

// Metrics returns nil when metrics are disabled; a nil *Metrics is safe
// to record on.
func (m *Manager) Metrics() *Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Debug returns the in-memory span exporter, nil unless tracing is on.
func (m *Manager) Debug() *DebugExporter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.debug
}

// MetricsPath is where MetricsHandler is mounted.
func (m *Manager) MetricsPath() string {
	if m.config.Metrics.Path == "" {
		return "/metrics"
	}
	return m.config.Metrics.Path
}

// MetricsHandler serves /metrics.
func (m *Manager) MetricsHandler() http.Handler {
	return m.Metrics().Handler()
}

func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if spt, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		errs = append(errs, spt.Shutdown(ctx))
	}
	errs = append(errs, m.metrics.Shutdown(ctx))
	return errors.Join(errs...)
}
