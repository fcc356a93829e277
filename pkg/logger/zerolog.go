package logger

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ZeroLogger adapts a zerolog.Logger to the Logger interface. Domain scoped
// lines carry a chain_id field instead of a coloured prefix.
type ZeroLogger struct {
	zl zerolog.Logger
}

var _ Logger = (*ZeroLogger)(nil)

// NewZeroLogger writes JSON lines to out, or human readable console lines
// when format is "text"
func NewZeroLogger(out io.Writer, format string, level Level) *ZeroLogger {
	w := out
	if format == "text" {
		console := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		console.FormatLevel = func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
		}
		w = console
	}
	zl := zerolog.New(w).With().Timestamp().Logger().Level(toZerologLevel(level))
	return &ZeroLogger{zl: zl}
}

func toZerologLevel(level Level) zerolog.Level {
	switch level {
	case DebugLevel:
		return zerolog.DebugLevel
	case NoticeLevel:
		// zerolog has no notice; warn is the closest above info
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *ZeroLogger) Info(format string, args ...interface{}) {
	l.zl.Info().Msgf(format, args...)
}

func (l *ZeroLogger) InfoWithChain(chainID int, format string, args ...interface{}) {
	l.zl.Info().Int("chain_id", chainID).Msgf(format, args...)
}

func (l *ZeroLogger) Error(format string, args ...interface{}) {
	l.zl.Error().Msgf(format, args...)
}

func (l *ZeroLogger) ErrorWithChain(chainID int, format string, args ...interface{}) {
	l.zl.Error().Int("chain_id", chainID).Msgf(format, args...)
}

func (l *ZeroLogger) Debug(format string, args ...interface{}) {
	l.zl.Debug().Msgf(format, args...)
}

func (l *ZeroLogger) DebugWithChain(chainID int, format string, args ...interface{}) {
	l.zl.Debug().Int("chain_id", chainID).Msgf(format, args...)
}

func (l *ZeroLogger) Notice(format string, args ...interface{}) {
	l.zl.Warn().Str("severity", "notice").Msgf(format, args...)
}

func (l *ZeroLogger) NoticeWithChain(chainID int, format string, args ...interface{}) {
	l.zl.Warn().Str("severity", "notice").Int("chain_id", chainID).Msgf(format, args...)
}
