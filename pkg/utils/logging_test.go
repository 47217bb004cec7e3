package utils

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected LogLevel
		wantErr  bool
	}{
		{name: "debug level", input: "DEBUG", expected: DEBUG},
		{name: "info level", input: "INFO", expected: INFO},
		{name: "warn level", input: "WARN", expected: WARN},
		{name: "warning level", input: "WARNING", expected: WARN},
		{name: "error level", input: "ERROR", expected: ERROR},
		{name: "case insensitive", input: "debug", expected: DEBUG},
		{name: "invalid level", input: "INVALID", expected: INFO, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseLogLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseLogLevel() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if result != tt.expected {
				t.Errorf("ParseLogLevel() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
		slog     slog.Level
	}{
		{DEBUG, "DEBUG", slog.LevelDebug},
		{INFO, "INFO", slog.LevelInfo},
		{WARN, "WARN", slog.LevelWarn},
		{ERROR, "ERROR", slog.LevelError},
		{LogLevel(99), "UNKNOWN", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.level.String())
		assert.Equal(t, tt.slog, tt.level.SlogLevel())
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("json output filters by level", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closer, err := NewLogger(LoggerOptions{Level: "WARN", Format: "json", Output: &buf})
		require.NoError(t, err)
		defer closer.Close()

		logger.Info("hidden")
		logger.Warn("shown", "block", "0:1")

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 1)

		var record map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
		assert.Equal(t, "shown", record["msg"])
		assert.Equal(t, "0:1", record["block"])
	})

	t.Run("text output to file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "node.log")
		logger, closer, err := NewLogger(LoggerOptions{Level: "DEBUG", File: path})
		require.NoError(t, err)
		logger.Debug("hello")
		require.NoError(t, closer.Close())
	})

	t.Run("rejects bad format", func(t *testing.T) {
		_, _, err := NewLogger(LoggerOptions{Level: "INFO", Format: "xml"})
		assert.Error(t, err)
	})

	t.Run("rejects bad level", func(t *testing.T) {
		_, _, err := NewLogger(LoggerOptions{Level: "LOUD"})
		assert.Error(t, err)
	})
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "4.0 KB", FormatBytes(4096))
	assert.Equal(t, "1.5 MB", FormatBytes(1536*1024))
}
