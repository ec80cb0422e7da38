package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestWithWriterFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf)

	log.WithStr("component", "receiver").
		WithInt64("bytes", 1024).
		WithInt("port", 6442).
		WithBool("text", true).
		WithErr(errors.New("boom")).
		Warn("transfer failed")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)

	line := lines[0]
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "transfer failed", line["message"])
	assert.Equal(t, "receiver", line["component"])
	assert.Equal(t, float64(1024), line["bytes"])
	assert.Equal(t, float64(6442), line["port"])
	assert.Equal(t, true, line["text"])
	assert.Equal(t, "boom", line["error"])
	assert.Contains(t, line, "time")
}

func TestWithDoesNotLeak(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf)

	log.WithStr("session", "1").Info("first")
	log.Info("second")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "1", lines[0]["session"])
	assert.NotContains(t, lines[1], "session")
}

func TestSetVerbose(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf)

	log.SetVerbose(false)
	log.Trace("hidden")
	log.Info("shown")

	log.SetVerbose(true)
	log.Trace("now shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "shown", lines[0]["message"])
	assert.Equal(t, "now shown", lines[1]["message"])
}

func TestNopDiscards(t *testing.T) {
	log := Nop()
	assert.NotPanics(t, func() {
		log.WithStr("k", "v").WithAny("any", []int{1}).Error("ignored")
	})
}

func TestLogPath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	path, err := LogPath(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "zipline.log"), path)
	assert.DirExists(t, dir)
}
