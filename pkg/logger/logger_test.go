package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNewWithWriter_Console(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "info", Format: "console"}, &buf)

	l.Info("group ready", zap.Int("size", 4))
	l.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "group ready")
	assert.Contains(t, out, "size")
	assert.NotContains(t, out, "hidden")
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "debug", Format: "json"}, &buf)
	defer SetLevelFromString("info")

	l.Debug("op done", zap.String("op", "barrier"))

	assert.Contains(t, buf.String(), `"level":"debug"`)
	assert.Contains(t, buf.String(), `"op":"barrier"`)
}

func TestSetLevelFromString(t *testing.T) {
	defer SetLevelFromString("info")

	SetLevelFromString("debug")
	assert.True(t, IsDebugEnabled())

	SetLevelFromString("WARN")
	assert.False(t, IsDebugEnabled())

	SetLevelFromString("bogus")
	assert.False(t, IsDebugEnabled())

	EnableDebug()
	assert.True(t, IsDebugEnabled())
}

func TestL_LazyInit(t *testing.T) {
	assert.NotNil(t, L())
	assert.NotNil(t, Named("coordinator"))
	Sync()
}
