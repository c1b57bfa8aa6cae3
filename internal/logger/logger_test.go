package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	Info("sync started", KeyUser, "alice", KeyOp, "meta")

	out := buf.String()
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "sync started")
	assert.Contains(t, out, "user=alice")
	assert.Contains(t, out, "op=meta")
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json")
	defer InitWithWriter(&buf, "INFO", "text")

	Info("upload complete", "size", 1024)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "upload complete", entry["msg"])
	assert.Equal(t, float64(1024), entry["size"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text")

	Debug("should not appear")
	Info("should not appear either")
	Warn("visible warning")
	Error("visible error")

	out := buf.String()
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "visible warning")
	assert.Contains(t, out, "visible error")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestSetLevelIgnoresInvalid(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "ERROR", "text")

	SetLevel("bogus")
	Warn("still filtered")
	assert.Empty(t, buf.String())
}

func TestWithBindsAttributes(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	l := With(KeyUser, "bob")
	l.Info("chunk applied", KeyUSN, 17)

	out := buf.String()
	assert.Contains(t, out, "user=bob")
	assert.Contains(t, out, "usn=17")
}

func TestLogContextRoundTrip(t *testing.T) {
	lc := NewLogContext("192.0.2.10")
	lc.User = "alice"
	lc.Op = "applyChanges"

	ctx := WithContext(context.Background(), lc)
	got := FromContext(ctx)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.User)

	fields := got.Fields()
	assert.Contains(t, fields, KeyUser)
	assert.Contains(t, fields, "applyChanges")

	assert.Nil(t, FromContext(context.Background()))
}
