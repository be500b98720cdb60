package core

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductionLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLogger(LoggingConfig{Level: "debug", Format: "json", Output: &buf}, "executor")

	logger.Info("action completed", map[string]interface{}{
		"operation": "execute",
		"action_id": "a1",
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "executor", entry["service"])
	assert.Equal(t, "action completed", entry["message"])
	assert.Equal(t, "a1", entry["action_id"])
}

func TestProductionLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLogger(LoggingConfig{Level: "warn", Format: "text", Output: &buf}, "executor")

	logger.Debug("hidden", nil)
	logger.Info("hidden too", nil)
	logger.Warn("visible", nil)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")

	logger.SetLevel("debug")
	logger.Debug("now visible", nil)
	assert.Contains(t, buf.String(), "now visible")
}

func TestProductionLoggerErrorRateLimiting(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLogger(LoggingConfig{Level: "error", Format: "text", Output: &buf}, "executor")

	for i := 0; i < 10; i++ {
		logger.Error("repeated failure", nil)
	}

	lines := strings.Count(strings.TrimSpace(buf.String()), "\n") + 1
	assert.Equal(t, 1, lines, "repeated errors within the interval collapse to one line")
}

func TestLogRateLimiterAllowsAfterInterval(t *testing.T) {
	limiter := newLogRateLimiter(10 * time.Millisecond)
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())
	time.Sleep(15 * time.Millisecond)
	assert.True(t, limiter.Allow())
}
