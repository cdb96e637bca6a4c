package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSON(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	logger, closer, err := New(Config{Level: "debug", Output: buf})
	require.NoError(t, err)
	defer closer.Close()

	require.Equal(t, 0, buf.Len())
	logger.Debug().Str("type", "Order").Msg("attached")
	require.Contains(t, buf.String(), `"type":"Order"`)
	require.Contains(t, buf.String(), `"message":"attached"`)
}

func TestLevelFilters(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	logger, _, err := New(Config{Level: "warn", Output: buf})
	require.NoError(t, err)
	logger.Info().Msg("quiet")
	require.Equal(t, 0, buf.Len())
	logger.Warn().Msg("loud")
	require.Contains(t, buf.String(), "loud")
}

func TestConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	logger, closer, err := New(Config{Format: FormatConsole, Path: path})
	require.NoError(t, err)
	logger.Info().Msg("saved")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "saved")
	require.NotContains(t, string(data), `"message"`)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvLevel, "ERROR")
	t.Setenv(EnvFormat, "Console")
	cfg := ConfigFromEnv()
	require.Equal(t, "ERROR", cfg.Level)
	require.Equal(t, FormatConsole, cfg.Format)

	_, _, err := New(Config{Level: "loud"})
	require.Error(t, err)
	_, _, err = New(Config{Format: "xml"})
	require.Error(t, err)
}
