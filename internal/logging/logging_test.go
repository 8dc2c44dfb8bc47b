package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/market-sim/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.log")
	logger, closer := New(config.Log{Level: "info", File: path, MaxSizeMB: 1})
	logger.Info("tick complete", "assets", 7)
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"tick complete"`)
	assert.Contains(t, string(b), `"assets":7`)
}
