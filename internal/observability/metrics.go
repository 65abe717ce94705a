package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements MetricsClient on top of
// github.com/prometheus/client_golang, grouping everything under one
// namespace/subsystem pair the way the teacher's
// observability.PrometheusMetricsClient does.
type PrometheusMetrics struct {
	namespace string
	subsystem string
	registry  *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetrics creates a metrics client registered against its own
// registry so embedding programs can expose it on whatever HTTP path they
// choose (wiring the registry itself is outside the core's scope).
func NewPrometheusMetrics(namespace, subsystem string) *PrometheusMetrics {
	return &PrometheusMetrics{
		namespace:  namespace,
		subsystem:  subsystem,
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying Prometheus registry for scraping.
func (m *PrometheusMetrics) Registry() *prometheus.Registry { return m.registry }

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}

func (m *PrometheusMetrics) counterVec(name string, labels map[string]string) *prometheus.CounterVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.counters[name]; ok {
		return v
	}
	v := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name,
	}, labelNames(labels))
	m.registry.MustRegister(v)
	m.counters[name] = v
	return v
}

func (m *PrometheusMetrics) gaugeVec(name string, labels map[string]string) *prometheus.GaugeVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.gauges[name]; ok {
		return v
	}
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name,
	}, labelNames(labels))
	m.registry.MustRegister(v)
	m.gauges[name] = v
	return v
}

func (m *PrometheusMetrics) histogramVec(name string, labels map[string]string) *prometheus.HistogramVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.histograms[name]; ok {
		return v
	}
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name,
		Buckets: prometheus.DefBuckets,
	}, labelNames(labels))
	m.registry.MustRegister(v)
	m.histograms[name] = v
	return v
}

func (m *PrometheusMetrics) IncrementCounter(name string, value float64, labels map[string]string) {
	m.counterVec(name, labels).With(labels).Add(value)
}

func (m *PrometheusMetrics) RecordGauge(name string, value float64, labels map[string]string) {
	m.gaugeVec(name, labels).With(labels).Set(value)
}

func (m *PrometheusMetrics) RecordHistogram(name string, value float64, labels map[string]string) {
	m.histogramVec(name, labels).With(labels).Observe(value)
}

func (m *PrometheusMetrics) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		m.RecordHistogram(name, time.Since(start).Seconds(), labels)
	}
}

// NoopMetrics discards everything; useful in tests and for callers that
// don't want a Prometheus dependency.
type NoopMetrics struct{}

func (NoopMetrics) IncrementCounter(string, float64, map[string]string) {}
func (NoopMetrics) RecordGauge(string, float64, map[string]string)      {}
func (NoopMetrics) RecordHistogram(string, float64, map[string]string)  {}
func (NoopMetrics) StartTimer(string, map[string]string) func()         { return func() {} }
