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

package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kadirpekel/warder/pkg/cache"
	"github.com/kadirpekel/warder/pkg/rag"
	"github.com/kadirpekel/warder/pkg/runtime"
)

// Metrics records control plane events as OpenTelemetry instruments
// exported in the Prometheus format. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	provisions        metric.Int64Counter
	provisionDuration metric.Float64Histogram

	cacheHits      metric.Int64Counter
	cacheMisses    metric.Int64Counter
	cacheEvictions metric.Int64Counter

	ingestChunks metric.Int64Counter
	ingestErrors metric.Int64Counter
	ingestTime   metric.Float64Histogram

	httpDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on a private registry.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("warder")

	m := &Metrics{registry: registry, provider: provider}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.provisions, "warder_provision_total", "Runtime provisioning attempts"},
		{&m.cacheHits, "warder_cache_hits_total", "Instance cache hits"},
		{&m.cacheMisses, "warder_cache_misses_total", "Instance cache misses"},
		{&m.cacheEvictions, "warder_cache_evictions_total", "Runtimes unloaded from the instance cache"},
		{&m.ingestChunks, "warder_ingest_chunks_total", "Chunks produced by ingestion"},
		{&m.ingestErrors, "warder_ingest_errors_total", "Failed document ingestions"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&m.provisionDuration, "warder_provision_duration_seconds", "Runtime provisioning duration in seconds"},
		{&m.ingestTime, "warder_ingest_duration_seconds", "Document ingestion duration in seconds"},
		{&m.httpDuration, "warder_http_request_duration_seconds", "HTTP request duration in seconds"},
	}
	for _, h := range histograms {
		if *h.dst, err = meter.Float64Histogram(h.name, metric.WithDescription(h.desc)); err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, runtime.ErrProvisionTimeout):
		return "timeout"
	case errors.Is(err, runtime.ErrSubstrateConfig):
		return "config_error"
	case errors.Is(err, runtime.ErrPortExhausted):
		return "port_exhausted"
	default:
		return "error"
	}
}

func (m *Metrics) RecordProvision(ctx context.Context, substrate string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("substrate", substrate),
		attribute.String("outcome", outcome(err)),
	)
	m.provisions.Add(ctx, 1, attrs)
	m.provisionDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *Metrics) RecordCacheHit(ctx context.Context) {
	if m == nil {
		return
	}
	m.cacheHits.Add(ctx, 1)
}

func (m *Metrics) RecordCacheMiss(ctx context.Context) {
	if m == nil {
		return
	}
	m.cacheMisses.Add(ctx, 1)
}

func (m *Metrics) RecordCacheEviction(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.cacheEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordIngest(ctx context.Context, strategy string, chunks int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		stage := rag.FailedStage(err)
		if stage == "" {
			stage = "unknown"
		}
		m.ingestErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
		return
	}
	attrs := metric.WithAttributes(attribute.String("strategy", strategy))
	m.ingestChunks.Add(ctx, int64(chunks), attrs)
	m.ingestTime.Record(ctx, duration.Seconds(), attrs)
}

// RecordHTTPRequest records a served request. route is the matched route
// pattern, not the raw path.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", strconv.Itoa(status)),
	))
}

var (
	_ runtime.ProvisionRecorder = (*Metrics)(nil)
	_ cache.Recorder            = (*Metrics)(nil)
	_ rag.IngestRecorder        = (*Metrics)(nil)
)
