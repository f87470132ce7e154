package sealbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus
type PrometheusMetrics struct {
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
// If registry is nil, uses the default Prometheus registry
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer.(*prometheus.Registry)
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

// registerDefaultMetrics registers all standard sealbox metrics
func (p *PrometheusMetrics) registerDefaultMetrics() {
	// Store operation counts
	for metric, name := range map[string]string{
		MetricGetSuccess:    "get_success_total",
		MetricGetError:      "get_error_total",
		MetricPutSuccess:    "put_success_total",
		MetricPutError:      "put_error_total",
		MetricDeleteSuccess: "delete_success_total",
		MetricDeleteError:   "delete_error_total",
	} {
		p.counters[metric] = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sealbox",
				Subsystem: "store",
				Name:      name,
				Help:      "Total number of store operations: " + name,
			},
			[]string{},
		)
	}

	// Migration phase counts
	for metric, name := range map[string]string{
		MetricMigrateRecords: "migrated_records_total",
		MetricFixupRelocated: "fixup_relocated_total",
		MetricFixupDiscarded: "fixup_discarded_total",
	} {
		p.counters[metric] = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sealbox",
				Subsystem: "migration",
				Name:      name,
				Help:      "Migration progress counter: " + name,
			},
			[]string{},
		)
	}

	// Timing histograms
	for metric, name := range map[string]string{
		MetricGetDuration:    "get_duration_seconds",
		MetricPutDuration:    "put_duration_seconds",
		MetricDeleteDuration: "delete_duration_seconds",
	} {
		p.histograms[metric] = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sealbox",
				Subsystem: "store",
				Name:      name,
				Help:      "Store operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{},
		)
	}

	for metric, name := range map[string]string{
		MetricOpenDuration:    "open_duration_seconds",
		MetricUpgradeDuration: "upgrade_duration_seconds",
		MetricMigrateDuration: "data_migration_duration_seconds",
		MetricFixupDuration:   "fixup_duration_seconds",
	} {
		p.histograms[metric] = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sealbox",
				Subsystem: "migration",
				Name:      name,
				Help:      "Migration phase duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{},
		)
	}
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	counter, ok := p.counters[name]
	if !ok {
		// Create dynamic counter if it doesn't exist
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sealbox",
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic counter: " + name,
			},
			p.extractLabels(tags),
		)
		p.counters[name] = counter
	}

	counter.With(p.extractLabelValues(tags)).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	gauge, ok := p.gauges[name]
	if !ok {
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sealbox",
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic gauge: " + name,
			},
			p.extractLabels(tags),
		)
		p.gauges[name] = gauge
	}

	gauge.With(p.extractLabelValues(tags)).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	histogram, ok := p.histograms[name]
	if !ok {
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sealbox",
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			p.extractLabels(tags),
		)
		p.histograms[name] = histogram
	}

	histogram.With(p.extractLabelValues(tags)).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// extractLabels extracts label names from tags (every even index)
func (p *PrometheusMetrics) extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		labels = append(labels, tags[i])
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func (p *PrometheusMetrics) extractLabelValues(tags []string) prometheus.Labels {
	labels := make(prometheus.Labels)
	for i := 0; i < len(tags)-1; i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// sanitizeMetricName converts dotted metric names to Prometheus form
func sanitizeMetricName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '.' || c == '-' {
			c = '_'
		}
		out[i] = c
	}
	return string(out)
}

// GetRegistry returns the underlying Prometheus registry
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}
