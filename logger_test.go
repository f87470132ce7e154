package sealbox

import (
	"testing"
)

func TestNoOpLogger(t *testing.T) {
	// NoOpLogger should not panic or produce output
	logger := &NoOpLogger{}

	logger.Debug("test message", "key", "value")
	logger.Info("test message", "key", "value")
	logger.Warn("test message", "key", "value")
	logger.Error("test message", "key", "value")
}

func TestStdLogger(t *testing.T) {
	logger := NewStdLogger("sealbox-test")

	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message", "key", "value")
	logger.Error("error message", "key", "value")

	// Logger accepts various field types
	logger.Info("test",
		"string", "value",
		"int", 42,
		"float", 3.14,
		"bool", true,
		"nil", nil,
	)
}

func TestLoggerInterface(t *testing.T) {
	var _ Logger = &NoOpLogger{}
	var _ Logger = &StdLogger{}
	var _ Logger = &ZapLogger{}
}

func TestStdLoggerFormatting(t *testing.T) {
	logger := NewStdLogger("sealbox-test")

	testCases := []struct {
		name   string
		msg    string
		fields []interface{}
	}{
		{"no fields", "simple message", nil},
		{"one pair", "message", []interface{}{"key", "value"}},
		{"multiple pairs", "message", []interface{}{"k1", "v1", "k2", "v2"}},
		{"odd fields", "message", []interface{}{"k1", "v1", "k2"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			logger.Info(tc.msg, tc.fields...)
		})
	}
}
