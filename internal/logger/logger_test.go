package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "debug", "json")
	l.Debug("hello", "task_id", "a")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "a", rec["task_id"])
	assert.Equal(t, "spotter", rec["app"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn", "text")
	l.Info("quiet")
	assert.Empty(t, buf.String())
	l.Warn("loud")
	assert.Contains(t, buf.String(), "loud")
}

func TestUnknownLevelFallsBack(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "chatty", "text")
	assert.Contains(t, buf.String(), "unknown log level")
	buf.Reset()
	l.Info("visible")
	assert.Contains(t, buf.String(), "visible")
	l.Debug("hidden")
	assert.NotContains(t, buf.String(), "hidden")
}
