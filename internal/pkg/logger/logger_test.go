package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactEmail(t *testing.T) {
	cases := map[string]string{
		"john.doe@example.com": "jo***@example.com",
		"ab@example.com":       "***@example.com",
		"not-an-email":         "***@***",
		"a@b@example.com":      "***@***",
		"":                     "",
	}
	for in, want := range cases {
		assert.Equal(t, want, RedactEmail(in), in)
	}
}

func TestLoggerRedactsEmailFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, DEBUG, true)
	l.log(INFO, "job sent", "destination", "jane.roe@example.com", "note", "cc bob.smith@example.org")

	var entry map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "job sent", entry["msg"])
	assert.Equal(t, "ja***@example.com", entry["destination"])
	assert.Equal(t, "cc bo***@example.org", entry["note"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, WARN, false)
	l.log(INFO, "dropped")
	l.log(ERROR, "kept", "email", "jane.roe@example.com")

	out := strings.TrimSpace(buf.String())
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
	assert.Contains(t, out, "jane.roe@example.com")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel(" Warning "))
	assert.Equal(t, ERROR, ParseLevel("error"))
	assert.Equal(t, INFO, ParseLevel("verbose"))
}

func TestLoggerKeepsFieldTypes(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, DEBUG, true)
	l.log(INFO, "tick", "step", 2, "sent", int64(3), "ok", true, "to", "jane.roe@example.com")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, float64(2), entry["step"])
	assert.Equal(t, float64(3), entry["sent"])
	assert.Equal(t, true, entry["ok"])
	assert.Equal(t, "ja***@example.com", entry["to"])
}
