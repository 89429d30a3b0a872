package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    Level
		expectError bool
	}{
		{name: "empty defaults to info", input: "", expected: LevelInfo},
		{name: "debug", input: "debug", expected: LevelDebug},
		{name: "info upper", input: "INFO", expected: LevelInfo},
		{name: "warn mixed case", input: "Warn", expected: LevelWarn},
		{name: "error", input: "error", expected: LevelError},
		{name: "unknown", input: "verbose", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestLevelToZapCoreLevel(t *testing.T) {
	tests := []struct {
		level    Level
		expected zapcore.Level
	}{
		{LevelDebug, zapcore.DebugLevel},
		{Level(""), zapcore.InfoLevel},
		{LevelInfo, zapcore.InfoLevel},
		{LevelWarn, zapcore.WarnLevel},
		{LevelError, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		got, err := tt.level.toZapCoreLevel()
		assert.NoError(t, err)
		assert.Equal(t, tt.expected, got)
	}

	_, err := Level("noisy").toZapCoreLevel()
	assert.Error(t, err)
}

func TestConfigToZapCoreLevelDebugWins(t *testing.T) {
	c := &Config{Debug: true, Level: LevelError}
	got, err := c.toZapCoreLevel()
	assert.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, got)
}
