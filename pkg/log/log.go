package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
)

// debugV is the logr verbosity slog.LevelDebug is mapped to.
const debugV = 4

func New() *zerolog.Logger {
	return NewWithLevel(zerolog.InfoLevel)
}

func NewWithLevel(level zerolog.Level) *zerolog.Logger {
	return NewWithOutput(defaultOutput(), level)
}

func defaultOutput() io.Writer {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return os.Stderr
	}
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02T15:04:05.999Z07:00"}
}

func NewWithOutput(output io.Writer, level zerolog.Level) *zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if level < zerolog.GlobalLevel() {
		zerolog.SetGlobalLevel(level)
	}

	logger := zerolog.New(output).Level(level).With().Timestamp().Logger()
	return &logger
}

// ParseLevel maps debug, info, warn and error to zerolog levels. Slog
// translates warn and error into a slog level filter, since the logr bridge
// writes slog Warn records at zerolog info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.Level(1 - debugV), nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// Slog exposes a zerolog logger as *slog.Logger. Records below the level of
// l are dropped before they reach the bridge.
func Slog(l *zerolog.Logger) *slog.Logger {
	zerologr.NameFieldName = "logger"
	zerologr.NameSeparator = "/"

	level := l.GetLevel()
	if level <= zerolog.InfoLevel {
		return slog.New(logr.ToSlogHandler(zerologr.New(l)))
	}

	sink := l.Level(zerolog.InfoLevel)
	return slog.New(&levelHandler{
		Handler: logr.ToSlogHandler(zerologr.New(&sink)),
		min:     slogLevel(level),
	})
}

func slogLevel(level zerolog.Level) slog.Level {
	switch level {
	case zerolog.WarnLevel:
		return slog.LevelWarn
	case zerolog.ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelError + 4
	}
}

type levelHandler struct {
	slog.Handler
	min slog.Level
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.min && h.Handler.Enabled(ctx, level)
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < h.min {
		return nil
	}
	return h.Handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{Handler: h.Handler.WithAttrs(attrs), min: h.min}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{Handler: h.Handler.WithGroup(name), min: h.min}
}
