package sealbox

import "time"

// Metrics provides observability for sealbox operations
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (latency, size, etc)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                      {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)           {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)       {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing
type InMemoryMetrics struct {
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.Timings[name] = append(m.Timings[name], duration)
}

// Common metric names
const (
	MetricOpenDuration    = "sealbox.open.duration"
	MetricUpgradeDuration = "sealbox.upgrade.duration"

	MetricMigrateDuration = "sealbox.migrate.duration"
	MetricMigrateRecords  = "sealbox.migrate.records"

	MetricFixupDuration  = "sealbox.fixup.duration"
	MetricFixupRelocated = "sealbox.fixup.relocated"
	MetricFixupDiscarded = "sealbox.fixup.discarded"

	MetricGetSuccess     = "sealbox.get.success"
	MetricGetError       = "sealbox.get.error"
	MetricGetDuration    = "sealbox.get.duration"
	MetricPutSuccess     = "sealbox.put.success"
	MetricPutError       = "sealbox.put.error"
	MetricPutDuration    = "sealbox.put.duration"
	MetricDeleteSuccess  = "sealbox.delete.success"
	MetricDeleteError    = "sealbox.delete.error"
	MetricDeleteDuration = "sealbox.delete.duration"
)
