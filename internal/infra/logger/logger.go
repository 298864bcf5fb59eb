// Package logger provides structured logging using zerolog.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Config represents logger configuration.
type Config struct {
	Output string    // "stdout", "stderr", or file path
	Level  string    // "debug", "info", "warn", "error"
	Writer io.Writer // overrides Output; written as JSON
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Init initializes the global zerolog logger with the given configuration.
// The returned closer releases the log file, if any.
func Init(cfg Config) (io.Closer, error) {
	level := parseLevel(cfg.Level)

	var (
		writer  io.Writer
		closer  io.Closer = nopCloser{}
		console bool
	)
	switch {
	case cfg.Writer != nil:
		writer = cfg.Writer
	case strings.EqualFold(cfg.Output, "stdout") || cfg.Output == "":
		writer, console = os.Stdout, true
	case strings.EqualFold(cfg.Output, "stderr"):
		writer, console = os.Stderr, true
	default:
		if dir := filepath.Dir(cfg.Output); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		writer, closer = f, f
	}

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFieldName = "time"
	zerolog.LevelFieldName = "level"
	zerolog.MessageFieldName = "message"

	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		parts := strings.Split(file, string(filepath.Separator))
		if len(parts) > 1 {
			return filepath.Join(parts[len(parts)-2:]...) + ":" + strconv.Itoa(line)
		}
		return filepath.Base(file) + ":" + strconv.Itoa(line)
	}

	// Use ConsoleWriter for stdout/stderr (color output), JSON otherwise
	var ctx zerolog.Context
	if console {
		cw := zerolog.ConsoleWriter{Out: writer, TimeFormat: time.DateTime}
		if level == zerolog.DebugLevel {
			cw.PartsOrder = []string{"time", "level", "message", "caller"}
			cw.FormatCaller = func(i interface{}) string {
				return "(" + i.(string) + ")"
			}
		}
		ctx = zerolog.New(cw).With().Timestamp()
	} else {
		ctx = zerolog.New(writer).With().Timestamp()
	}

	// Add Caller only for DEBUG level
	if level == zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	logger := ctx.Logger()

	zerolog.DefaultContextLogger = &logger
	zlog.Logger = logger

	return closer, nil
}

// Component returns a child of the global logger tagged with a component name.
func Component(name string) *zerolog.Logger {
	l := zlog.With().Str("component", name).Logger()
	return &l
}

// parseLevel parses the log level string.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
