package reqguard

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Metric names emitted by the engine.
const (
	MetricRequests        = "reqguard_requests_total"
	MetricFindings        = "reqguard_findings_total"
	MetricBans            = "reqguard_bans_total"
	MetricProtectionLevel = "reqguard_protection_level"
	MetricScore           = "reqguard_score"
)

type histogram struct {
	sum   float64
	count int64
}

// InMemoryMetricsCollector keeps metrics in process and renders them in the
// Prometheus text format.
type InMemoryMetricsCollector struct {
	counters   map[string]map[string]int64
	gauges     map[string]map[string]float64
	histograms map[string]map[string]*histogram
	mu         sync.RWMutex
}

func NewInMemoryMetricsCollector() *InMemoryMetricsCollector {
	return &InMemoryMetricsCollector{
		counters:   make(map[string]map[string]int64),
		gauges:     make(map[string]map[string]float64),
		histograms: make(map[string]map[string]*histogram),
	}
}

func (m *InMemoryMetricsCollector) IncrementCounter(name string, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.counters[name] == nil {
		m.counters[name] = make(map[string]int64)
	}
	m.counters[name][labelKey(labels)]++
}

func (m *InMemoryMetricsCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.histograms[name] == nil {
		m.histograms[name] = make(map[string]*histogram)
	}
	key := labelKey(labels)
	h := m.histograms[name][key]
	if h == nil {
		h = &histogram{}
		m.histograms[name][key] = h
	}
	h.sum += value
	h.count++
}

func (m *InMemoryMetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gauges[name] == nil {
		m.gauges[name] = make(map[string]float64)
	}
	m.gauges[name][labelKey(labels)] = value
}

// labelKey renders labels in Prometheus form with sorted keys.
func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return strings.Join(parts, ",")
}

// GetCounterValue returns the current value of a counter (for testing/debugging)
func (m *InMemoryMetricsCollector) GetCounterValue(name string, labels map[string]string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name][labelKey(labels)]
}

// GetGaugeValue returns the current value of a gauge (for testing/debugging)
func (m *InMemoryMetricsCollector) GetGaugeValue(name string, labels map[string]string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gauges[name][labelKey(labels)]
}

// HealthCheck always succeeds; the collector has no external dependencies.
func (m *InMemoryMetricsCollector) HealthCheck() error {
	return nil
}

// ExportPrometheus exports metrics in Prometheus format
func (m *InMemoryMetricsCollector) ExportPrometheus() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var output strings.Builder
	series := func(name, key string) string {
		if key == "" {
			return name
		}
		return name + "{" + key + "}"
	}

	for _, name := range slices.Sorted(maps.Keys(m.counters)) {
		fmt.Fprintf(&output, "# TYPE %s counter\n", name)
		for _, key := range slices.Sorted(maps.Keys(m.counters[name])) {
			fmt.Fprintf(&output, "%s %d\n", series(name, key), m.counters[name][key])
		}
	}
	for _, name := range slices.Sorted(maps.Keys(m.gauges)) {
		fmt.Fprintf(&output, "# TYPE %s gauge\n", name)
		for _, key := range slices.Sorted(maps.Keys(m.gauges[name])) {
			fmt.Fprintf(&output, "%s %g\n", series(name, key), m.gauges[name][key])
		}
	}
	for _, name := range slices.Sorted(maps.Keys(m.histograms)) {
		fmt.Fprintf(&output, "# TYPE %s summary\n", name)
		for _, key := range slices.Sorted(maps.Keys(m.histograms[name])) {
			h := m.histograms[name][key]
			fmt.Fprintf(&output, "%s %g\n", series(name+"_sum", key), h.sum)
			fmt.Fprintf(&output, "%s %d\n", series(name+"_count", key), h.count)
		}
	}
	return output.String()
}

type nopMetrics struct{}

func (nopMetrics) IncrementCounter(string, map[string]string)          {}
func (nopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (nopMetrics) SetGauge(string, float64, map[string]string)         {}
func (nopMetrics) HealthCheck() error                                  { return nil }
func (nopMetrics) ExportPrometheus() string                            { return "" }
