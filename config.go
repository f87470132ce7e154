package sealbox

import "time"

// Configuration constants for sealbox operations
const (
	// CurrentSchemaVersion is the schema version a fully-migrated store
	// runs at. Open always returns a store at this version.
	CurrentSchemaVersion uint32 = 8

	// How often bulk migration phases log per-record progress
	progressLogInterval = 100

	// Engine file configuration
	DefaultFileMode    = 0600
	DefaultOpenTimeout = 5 * time.Second

	// SecretLength is the required length of the confidentiality secret,
	// when one is configured (AES-256 key size).
	SecretLength = 32
)

// Options configures an Open call
type Options struct {
	Logger  Logger
	Metrics Metrics
}

// Option mutates Options
type Option func(*Options)

// WithLogger sets the logger used for migration progress and store operations
func WithLogger(logger Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics Metrics) Option {
	return func(o *Options) {
		o.Metrics = metrics
	}
}

func applyOptions(opts []Option) *Options {
	o := &Options{
		Logger:  &NoOpLogger{},
		Metrics: &NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
