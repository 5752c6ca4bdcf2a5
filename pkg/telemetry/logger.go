package telemetry

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging configures the global zerolog logger. Every package logs
// through the global logger, so this runs once at process start.
func SetupLogging(cfg LoggingConfig) error {
	var writer io.Writer
	switch cfg.Output {
	case "", "stderr":
		writer = os.Stderr
	case "stdout":
		writer = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		writer = file
	}

	if cfg.Format == "" || cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.Kitchen}
	}

	level, err := zerolog.ParseLevel(levelOrDefault(cfg.Level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	logger := zerolog.New(writer).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		logger = logger.Caller()
	}
	log.Logger = logger.Logger()
	zerolog.TimeFieldFormat = time.RFC3339
	return nil
}

// VerbosityLevel maps repeated -v flags onto log levels: 0 is info, 1 is
// debug, 2 and above is trace.
func VerbosityLevel(v int) string {
	switch {
	case v <= 0:
		return "info"
	case v == 1:
		return "debug"
	default:
		return "trace"
	}
}

// RunLogger returns a logger carrying the run id on every line.
func RunLogger(runID string) zerolog.Logger {
	return log.With().Str("run_id", runID).Logger()
}

// HostLogger returns a logger scoped to one host within a run.
func HostLogger(runID, host string) zerolog.Logger {
	return log.With().Str("run_id", runID).Str("host", host).Logger()
}

func levelOrDefault(level string) string {
	if level == "" {
		return "info"
	}
	return level
}
