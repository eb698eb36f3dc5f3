package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput(LevelInfo, FormatJSON, &buf)

	l.WithField("userId", 42).WithFields(map[string]interface{}{"period": "1M"}).Info("rebuilt chart")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "rebuilt chart", entry["message"])
	assert.Equal(t, float64(42), entry["userId"])
	assert.Equal(t, "1M", entry["period"])
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput(LevelWarn, FormatJSON, &buf)

	l.Info("dropped")
	l.Debug("dropped")
	assert.Zero(t, buf.Len())

	l.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestLogger_ErrorWithErr(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput(LevelInfo, FormatJSON, &buf)

	l.ErrorWithErr("persist failed", errors.New("conn reset"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "conn reset", entry["error"])
	assert.NotEmpty(t, entry["caller"])
}

func TestFromContext(t *testing.T) {
	l := Nop()
	ctx := WithLogger(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestParseLogLevelAndFormat(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LevelInfo, ParseLogLevel("bogus"))
	assert.Equal(t, FormatText, ParseLogFormat("console"))
	assert.Equal(t, FormatJSON, ParseLogFormat("bogus"))
}
