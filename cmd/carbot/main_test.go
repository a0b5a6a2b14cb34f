package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExitCodes(t *testing.T) {
	assert.Equal(t, 0, run([]string{"carbot", "version"}))
	assert.Equal(t, 1, run([]string{"carbot", "run", "--config", "no-such-config"}))
	assert.Equal(t, 1, run([]string{"carbot", "run", "--log-level", "loud"}))
}

func TestNewLogger(t *testing.T) {
	l, err := newLogger("debug")
	require.NoError(t, err)
	assert.True(t, l.Enabled(context.Background(), slog.LevelDebug))

	l, err = newLogger("warn")
	require.NoError(t, err)
	assert.False(t, l.Enabled(context.Background(), slog.LevelInfo))

	_, err = newLogger("loud")
	assert.Error(t, err)
}

func TestGetVersionFallsBackToBuildInfo(t *testing.T) {
	appVersion = ""
	assert.NotEmpty(t, getVersion())

	appVersion = "v1.2.3"
	t.Cleanup(func() { appVersion = "" })
	assert.Equal(t, "v1.2.3", getVersion())
}
