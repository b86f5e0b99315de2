package slogging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"debug", LogLevelDebug},
		{"DEBUG", LogLevelDebug},
		{"info", LogLevelInfo},
		{"warn", LogLevelWarn},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
		{"bogus", LogLevelInfo},
		{"", LogLevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLogLevel(tt.input))
		})
	}
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LogLevelDebug.String())
	assert.Equal(t, "INFO", LogLevelInfo.String())
	assert.Equal(t, "WARN", LogLevelWarn.String())
	assert.Equal(t, "ERROR", LogLevelError.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestSanitizeLogMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "hello world", "hello world"},
		{"newline injection", "user\nFAKE LOG LINE", "user FAKE LOG LINE"},
		{"crlf", "a\r\nb", "a b"},
		{"tabs", "a\tb", "a b"},
		{"collapses spaces", "a    b", "a b"},
		{"whitespace only", " \n\t ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeLogMessage(tt.input))
		})
	}
}

func TestNewLoggerDefaults(t *testing.T) {
	logger, err := NewLogger(Config{
		Level:  LogLevelDebug,
		IsDev:  true,
		LogDir: t.TempDir(),
	})
	assert.NoError(t, err)
	assert.NotNil(t, logger)
	assert.NotNil(t, logger.GetSlogger())

	// Should not panic at any level
	logger.Debug("debug %s", "message")
	logger.Info("info")
	logger.Warn("warn %d", 1)
	logger.Error("error")

	assert.NoError(t, logger.Close())
}
