package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsClient defines the interface for metrics collection
type MetricsClient interface {
	RecordCounter(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordDuration(name string, duration time.Duration)
	StartTimer(name string, labels map[string]string) func()
	Close() error
}

// PrometheusMetrics implements MetricsClient backed by a prometheus registry.
// Collectors are created lazily on first use and cached by name.
type PrometheusMetrics struct {
	registry   *prometheus.Registry
	namespace  string
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetrics creates a metrics client registered on its own registry
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	return &PrometheusMetrics{
		registry:   prometheus.NewRegistry(),
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying registry for HTTP scrape handlers
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}

func (m *PrometheusMetrics) counter(name string, labels map[string]string) *prometheus.CounterVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      name,
	}, labelNames(labels))
	m.registry.MustRegister(c)
	m.counters[name] = c
	return c
}

func (m *PrometheusMetrics) gauge(name string, labels map[string]string) *prometheus.GaugeVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      name,
	}, labelNames(labels))
	m.registry.MustRegister(g)
	m.gauges[name] = g
	return g
}

func (m *PrometheusMetrics) histogram(name string, labels map[string]string) *prometheus.HistogramVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      name,
		Buckets:   prometheus.DefBuckets,
	}, labelNames(labels))
	m.registry.MustRegister(h)
	m.histograms[name] = h
	return h
}

// RecordCounter adds value to the named counter
func (m *PrometheusMetrics) RecordCounter(name string, value float64, labels map[string]string) {
	m.counter(name, labels).With(labels).Add(value)
}

// RecordGauge sets the named gauge
func (m *PrometheusMetrics) RecordGauge(name string, value float64, labels map[string]string) {
	m.gauge(name, labels).With(labels).Set(value)
}

// RecordHistogram observes value on the named histogram
func (m *PrometheusMetrics) RecordHistogram(name string, value float64, labels map[string]string) {
	m.histogram(name, labels).With(labels).Observe(value)
}

// IncrementCounter increments a label-free counter
func (m *PrometheusMetrics) IncrementCounter(name string, value float64) {
	m.RecordCounter(name, value, map[string]string{})
}

// IncrementCounterWithLabels increments a labeled counter
func (m *PrometheusMetrics) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.RecordCounter(name, value, labels)
}

// RecordDuration observes a duration in seconds on the named histogram
func (m *PrometheusMetrics) RecordDuration(name string, duration time.Duration) {
	m.RecordHistogram(name, duration.Seconds(), map[string]string{})
}

// StartTimer returns a func that records the elapsed time when called
func (m *PrometheusMetrics) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		m.RecordHistogram(name, time.Since(start).Seconds(), labels)
	}
}

// Close implements MetricsClient.Close
func (m *PrometheusMetrics) Close() error { return nil }

// NoopMetrics is a MetricsClient that records nothing
type NoopMetrics struct{}

// NewNoopMetrics creates a new NoopMetrics
func NewNoopMetrics() MetricsClient { return &NoopMetrics{} }

// RecordCounter implements MetricsClient
func (n *NoopMetrics) RecordCounter(name string, value float64, labels map[string]string) {}

// RecordGauge implements MetricsClient
func (n *NoopMetrics) RecordGauge(name string, value float64, labels map[string]string) {}

// RecordHistogram implements MetricsClient
func (n *NoopMetrics) RecordHistogram(name string, value float64, labels map[string]string) {}

// IncrementCounter implements MetricsClient
func (n *NoopMetrics) IncrementCounter(name string, value float64) {}

// IncrementCounterWithLabels implements MetricsClient
func (n *NoopMetrics) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}

// RecordDuration implements MetricsClient
func (n *NoopMetrics) RecordDuration(name string, duration time.Duration) {}

// StartTimer implements MetricsClient
func (n *NoopMetrics) StartTimer(name string, labels map[string]string) func() { return func() {} }

// Close implements MetricsClient
func (n *NoopMetrics) Close() error { return nil }
