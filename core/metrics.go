package core

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
)

// NopMetricsRecorder drops every sample. Observers fall back to it when no
// recorder is configured.
type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

// HistogramSummary aggregates the samples seen for one series.
type HistogramSummary struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// MetricsSnapshot is a point-in-time copy of a MemoryMetrics. Series keys are
// the metric name followed by its sorted tags, e.g.
// "graph.client_execute.total{operation=client_execute,status=success}".
type MetricsSnapshot struct {
	Counters   map[string]int64            `json:"counters"`
	Histograms map[string]HistogramSummary `json:"histograms"`
}

// MemoryMetrics keeps running totals per series in process. It backs the
// admin metrics view when no external metrics pipeline is wired.
type MemoryMetrics struct {
	mu         sync.Mutex
	counters   map[string]int64
	histograms map[string]HistogramSummary
}

func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters:   map[string]int64{},
		histograms: map[string]HistogramSummary{},
	}
}

func (m *MemoryMetrics) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if m == nil {
		return
	}
	key := seriesKey(name, tags)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key] += value
}

func (m *MemoryMetrics) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if m == nil {
		return
	}
	key := seriesKey(name, tags)
	m.mu.Lock()
	defer m.mu.Unlock()
	summary, ok := m.histograms[key]
	if !ok || value < summary.Min {
		summary.Min = value
	}
	if !ok || value > summary.Max {
		summary.Max = value
	}
	summary.Count++
	summary.Sum += value
	m.histograms[key] = summary
}

// Counter returns the running total for one series.
func (m *MemoryMetrics) Counter(name string, tags map[string]string) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[seriesKey(name, tags)]
}

func (m *MemoryMetrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{Counters: map[string]int64{}, Histograms: map[string]HistogramSummary{}}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		Counters:   maps.Clone(m.counters),
		Histograms: maps.Clone(m.histograms),
	}
}

func seriesKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, key := range slices.Sorted(maps.Keys(tags)) {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(tags[key])
	}
	b.WriteByte('}')
	return b.String()
}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	return maps.Clone(tags)
}

var (
	_ MetricsRecorder = NopMetricsRecorder{}
	_ MetricsRecorder = (*MemoryMetrics)(nil)
)
