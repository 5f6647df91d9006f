// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// level backs every handler built by Init so SetLevel can change it live.
var level = new(slog.LevelVar)

// Options selects the handler. LOG_LEVEL and LOG_FORMAT override them when
// set in the environment.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// Init configures the default slog logger for the given service and
// returns it. A nil w logs to stderr.
func Init(service string, w io.Writer, opts Options) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		opts.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		opts.Format = v
	}
	level.Set(ParseLevel(opts.Level))
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(w, hopts)
	} else {
		handler = slog.NewJSONHandler(w, hopts)
	}

	logger := slog.New(handler).With(slog.String("service", service))
	slog.SetDefault(logger)

	// Route stdlib log output (drivers, migrations) through slog too.
	log.SetFlags(0)
	log.SetOutput(&slogWriter{logger: logger})

	return logger
}

// SetLevel changes the level of every logger built by Init.
func SetLevel(s string) {
	level.Set(ParseLevel(s))
}

// Level returns the current level.
func Level() slog.Level {
	return level.Level()
}

// ParseLevel maps a level name to a slog.Level; unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	w.logger.Info(msg, slog.String("source", "stdlib"))
	return len(p), nil
}
