// Package metrics provides a concrete MetricsSink backed by
// prometheus/client_golang, the one ports.MetricsSink adapter this
// module ships.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements ports.MetricsSink over dynamically registered
// Prometheus vectors, keyed by metric name since callers pass
// arbitrary label sets rather than a fixed schema.
type Collector struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// New creates a Collector registered against its own registry so an
// embedder can expose it on whatever HTTP path it likes without
// colliding with prometheus.DefaultRegisterer.
func New() *Collector {
	return &Collector{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// Registry returns the underlying Prometheus registry for exposition.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) IncCounter(name string, labels map[string]string) {
	c.mu.Lock()
	vec, ok := c.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelNames(labels))
		c.registry.MustRegister(vec)
		c.counters[name] = vec
	}
	c.mu.Unlock()

	vec.With(labels).Inc()
}

func (c *Collector) ObserveDuration(name string, labels map[string]string, d time.Duration) {
	c.mu.Lock()
	vec, ok := c.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name}, labelNames(labels))
		c.registry.MustRegister(vec)
		c.histograms[name] = vec
	}
	c.mu.Unlock()

	vec.With(labels).Observe(d.Seconds())
}

func (c *Collector) SetGauge(name string, labels map[string]string, value float64) {
	c.mu.Lock()
	vec, ok := c.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelNames(labels))
		c.registry.MustRegister(vec)
		c.gauges[name] = vec
	}
	c.mu.Unlock()

	vec.With(labels).Set(value)
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}
