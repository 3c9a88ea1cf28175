package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Queue", "hidden %d", 1)
	assert.Empty(t, buf.String())

	l.Warn("Queue", "dropped %d captures", 3)
	out := buf.String()
	assert.Contains(t, out, "dropped 3 captures")
	assert.Contains(t, out, "module=Queue")
	assert.Contains(t, out, "level=warning")
}

func TestCriticalCarriesSeverity(t *testing.T) {
	var buf bytes.Buffer
	l := New(ERROR, &buf, false)
	l.Critical("Engine", "gpu lost")
	assert.Contains(t, buf.String(), "severity=critical")
	assert.Contains(t, buf.String(), "gpu lost")

	buf.Reset()
	l.SetLevel(SILENT)
	l.Critical("Engine", "gpu lost")
	assert.Empty(t, buf.String())
}

func TestSetField(t *testing.T) {
	var buf bytes.Buffer
	l := New(DEBUG, &buf, false)
	l.SetField("session", "abc")
	l.Debug("Device", "started")
	assert.Contains(t, buf.String(), "session=abc")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"Error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestGlobalWithoutInitIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		if defaultLogger == nil {
			Info("Test", "nothing")
			Critical("Test", "nothing")
		}
	})
}
