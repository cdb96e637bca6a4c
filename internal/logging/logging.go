// Package logging builds zerolog loggers from explicit configuration or the
// ENTITYCORE_LOG_* environment variables.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const (
	// EnvLevel selects the minimum level (debug, info, warn, error, disabled).
	EnvLevel = "ENTITYCORE_LOG_LEVEL"
	// EnvFormat selects json or console output.
	EnvFormat = "ENTITYCORE_LOG_FORMAT"
	// EnvPath appends log lines to a file instead of stderr.
	EnvPath = "ENTITYCORE_LOG_PATH"

	permission = 0o664
)

// Format selects the log encoding.
type Format string

// Supported formats.
const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config describes a logger.
type Config struct {
	Level  string
	Format Format
	Path   string
	Output io.Writer
}

// ConfigFromEnv reads logger settings from the environment. Unset values fall
// back to info level JSON on stderr.
func ConfigFromEnv() Config {
	return Config{
		Level:  strings.TrimSpace(os.Getenv(EnvLevel)),
		Format: Format(strings.ToLower(strings.TrimSpace(os.Getenv(EnvFormat)))),
		Path:   strings.TrimSpace(os.Getenv(EnvPath)),
	}
}

// New builds a logger. The returned closer releases the log file when Path is
// set and is a no-op otherwise.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if cfg.Output != nil {
		w = cfg.Output
	}
	if cfg.Path != "" {
		f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("open log file: %w", err)
		}
		w = zerolog.SyncWriter(f)
		closer = f
	}

	switch cfg.Format {
	case "", FormatJSON:
	case FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, NoColor: true}
	default:
		_ = closer.Close()
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("unsupported log format %q", cfg.Format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
