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
	"sort"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// DebugExporter keeps the most recent lifecycle spans in memory so the
// control plane can show what happened to an agent without a collector.
type DebugExporter struct {
	mu      sync.RWMutex
	spans   []*DebugSpan
	maxSize int
}

// DebugSpan is the captured form of a span.
type DebugSpan struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Name         string            `json:"name"`
	StartTime    int64             `json:"start_time_unix_nano"`
	EndTime      int64             `json:"end_time_unix_nano"`
	DurationMs   float64           `json:"duration_ms"`
	Attributes   map[string]string `json:"attributes"`
	Events       []SpanEvent       `json:"events,omitempty"`
	Status       string            `json:"status"`
	StatusMsg    string            `json:"status_message,omitempty"`
}

// SpanEvent is an event recorded on a span.
type SpanEvent struct {
	Name       string            `json:"name"`
	TimeUnix   int64             `json:"time_unix_nano"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewDebugExporter retains up to maxSize spans; older ones are dropped
// first.
func NewDebugExporter(maxSize int) *DebugExporter {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &DebugExporter{maxSize: maxSize}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *DebugExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, span := range spans {
		if !shouldCapture(span.Name()) {
			continue
		}
		e.spans = append(e.spans, convertSpan(span))
	}
	if over := len(e.spans) - e.maxSize; over > 0 {
		e.spans = append(e.spans[:0:0], e.spans[over:]...)
	}
	return nil
}

func shouldCapture(name string) bool {
	switch name {
	case SpanAgentCreate, SpanAgentStart, SpanAgentStop, SpanAgentDelete, SpanAgentQuery, SpanDocumentIngest:
		return true
	default:
		return false
	}
}

func convertSpan(span sdktrace.ReadOnlySpan) *DebugSpan {
	startTime := span.StartTime().UnixNano()
	endTime := span.EndTime().UnixNano()

	ds := &DebugSpan{
		TraceID:    span.SpanContext().TraceID().String(),
		SpanID:     span.SpanContext().SpanID().String(),
		Name:       span.Name(),
		StartTime:  startTime,
		EndTime:    endTime,
		DurationMs: float64(endTime-startTime) / 1e6,
		Attributes: make(map[string]string),
		Status:     span.Status().Code.String(),
		StatusMsg:  span.Status().Description,
	}
	if span.Parent().HasSpanID() {
		ds.ParentSpanID = span.Parent().SpanID().String()
	}
	for _, attr := range span.Attributes() {
		ds.Attributes[string(attr.Key)] = attr.Value.Emit()
	}
	for _, event := range span.Events() {
		se := SpanEvent{
			Name:       event.Name,
			TimeUnix:   event.Time.UnixNano(),
			Attributes: make(map[string]string),
		}
		for _, attr := range event.Attributes {
			se.Attributes[string(attr.Key)] = attr.Value.Emit()
		}
		ds.Events = append(ds.Events, se)
	}
	return ds
}

// Shutdown implements sdktrace.SpanExporter.
func (e *DebugExporter) Shutdown(ctx context.Context) error {
	e.Clear()
	return nil
}

// Spans returns captured spans, newest first. A non-empty agentID keeps
// only spans carrying that agent.
func (e *DebugExporter) Spans(agentID string) []*DebugSpan {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var result []*DebugSpan
	for _, span := range e.spans {
		if agentID == "" || span.Attributes[AttrAgentID] == agentID {
			result = append(result, span)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].StartTime > result[j].StartTime })
	return result
}

// Clear removes all captured spans.
func (e *DebugExporter) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = nil
}

// Count returns the number of captured spans.
func (e *DebugExporter) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.spans)
}

var _ sdktrace.SpanExporter = (*DebugExporter)(nil)
