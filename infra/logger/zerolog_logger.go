package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	baseMu sync.RWMutex
	base   *zerolog.Logger
)

// SetBase installs the process-wide zerolog logger built by Setup. Loggers
// created afterwards derive from it.
func SetBase(l zerolog.Logger) {
	baseMu.Lock()
	base = &l
	baseMu.Unlock()
}

// ZerologLogger implements Logger using rs/zerolog.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger creates a ZerologLogger tagged with the component field.
// Without a base logger, APP_ENV=dev selects a console writer and anything
// else JSON on stdout.
func NewZerologLogger(component string) Logger {
	baseMu.RLock()
	b := base
	baseMu.RUnlock()
	if b != nil {
		return &ZerologLogger{log: b.With().Str("component", component).Logger()}
	}
	var out io.Writer = os.Stdout
	if strings.ToLower(os.Getenv("APP_ENV")) == "dev" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return &ZerologLogger{log: zerolog.New(out).With().Timestamp().Str("component", component).Logger()}
}

// NewWithWriter builds a logger writing JSON lines to w. Tests use it to
// capture output.
func NewWithWriter(w io.Writer, component string) *ZerologLogger {
	return &ZerologLogger{log: zerolog.New(w).With().Str("component", component).Logger()}
}

func (l *ZerologLogger) Debugf(format string, args ...any) {
	l.log.Debug().Msgf(format, args...)
}

func (l *ZerologLogger) Debugw(msg string, fields map[string]any) {
	l.log.Debug().Fields(fields).Msg(msg)
}

func (l *ZerologLogger) Infof(format string, args ...any) {
	l.log.Info().Msgf(format, args...)
}

func (l *ZerologLogger) Infow(msg string, fields map[string]any) {
	l.log.Info().Fields(fields).Msg(msg)
}

func (l *ZerologLogger) Warnf(format string, args ...any) {
	l.log.Warn().Msgf(format, args...)
}

func (l *ZerologLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(format, args...)
}
