package reqguard

import (
	"bytes"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

var scoreBuckets = []float64{0, 1, 2, 3, 5, 8, 10, 15, 20, 30}

// PrometheusMetricsCollector backs MetricsCollector with client_golang
// vectors on a private registry. Vectors are created on first use with the
// label names of that call.
type PrometheusMetricsCollector struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPrometheusMetricsCollector() *PrometheusMetricsCollector {
	return &PrometheusMetricsCollector{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying registry, e.g. to add process collectors.
func (p *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the exposition format.
func (p *PrometheusMetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func labelNames(labels map[string]string) []string {
	return slices.Sorted(maps.Keys(labels))
}

func (p *PrometheusMetricsCollector) IncrementCounter(name string, labels map[string]string) {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: helpFor(name)}, labelNames(labels))
		p.registry.MustRegister(vec)
		p.counters[name] = vec
	}
	p.mu.Unlock()
	vec.With(labels).Inc()
}

func (p *PrometheusMetricsCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: helpFor(name), Buckets: scoreBuckets}, labelNames(labels))
		p.registry.MustRegister(vec)
		p.histograms[name] = vec
	}
	p.mu.Unlock()
	vec.With(labels).Observe(value)
}

func (p *PrometheusMetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: helpFor(name)}, labelNames(labels))
		p.registry.MustRegister(vec)
		p.gauges[name] = vec
	}
	p.mu.Unlock()
	vec.With(labels).Set(value)
}

func (p *PrometheusMetricsCollector) HealthCheck() error {
	if _, err := p.registry.Gather(); err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	return nil
}

func (p *PrometheusMetricsCollector) ExportPrometheus() string {
	families, err := p.registry.Gather()
	if err != nil {
		return ""
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return buf.String()
		}
	}
	return buf.String()
}

func helpFor(name string) string {
	switch name {
	case MetricRequests:
		return "Classified requests by verdict action."
	case MetricFindings:
		return "Detection findings by reason."
	case MetricBans:
		return "Bans issued by kind."
	case MetricProtectionLevel:
		return "Current global threat level (0-10)."
	case MetricScore:
		return "Per-request aggregate threat score."
	}
	return name
}
