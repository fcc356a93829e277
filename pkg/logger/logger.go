package logger

import (
	"fmt"
	"log"
	"sync"

	"github.com/fatih/color"
)

// Level represents the severity level of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	NoticeLevel
	ErrorLevel
)

// ParseLevel maps a level name to a Level
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "notice":
		return NoticeLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level: %s", s)
	}
}

var domainNames = map[int]string{
	1:     "ETH",
	56:    "BSC",
	137:   "POL",
	42161: "ARB",
	43114: "AVA",
	8453:  "BASE",
	7000:  "ZETA",
}

// palette colours domains without a well-known name; assignment is by id
var palette = []color.Attribute{
	color.FgHiGreen,
	color.FgYellow,
	color.FgMagenta,
	color.FgHiBlue,
	color.FgRed,
	color.FgBlue,
	color.FgGreen,
	color.FgCyan,
}

// domainPrefix returns the padded tag printed in front of domain scoped lines
func domainPrefix(chainID int) string {
	name, ok := domainNames[chainID]
	if !ok {
		name = fmt.Sprintf("%d", chainID)
	}
	return fmt.Sprintf("%-7s", "["+name+"]")
}

func domainColor(chainID int) color.Attribute {
	if chainID < 0 {
		chainID = -chainID
	}
	return palette[chainID%len(palette)]
}

// Logger is a simple interface for logging messages.
type Logger interface {
	// Info logs an informational message.
	Info(format string, args ...interface{})
	InfoWithChain(chainID int, format string, args ...interface{})

	// Error logs an error message.
	Error(format string, args ...interface{})
	ErrorWithChain(chainID int, format string, args ...interface{})

	// Debug logs a debug message.
	Debug(format string, args ...interface{})
	DebugWithChain(chainID int, format string, args ...interface{})

	// Notice logs a notice message.
	Notice(format string, args ...interface{})
	NoticeWithChain(chainID int, format string, args ...interface{})
}

// EmptyLogger is a simple implementation of the Logger interface that does nothing.
type EmptyLogger struct{}

var _ Logger = (*EmptyLogger)(nil)

func (l *EmptyLogger) Info(_ string, _ ...interface{})                   {}
func (l *EmptyLogger) InfoWithChain(_ int, _ string, _ ...interface{})   {}
func (l *EmptyLogger) Error(_ string, _ ...interface{})                  {}
func (l *EmptyLogger) ErrorWithChain(_ int, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Debug(_ string, _ ...interface{})                  {}
func (l *EmptyLogger) DebugWithChain(_ int, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Notice(_ string, _ ...interface{})                 {}
func (l *EmptyLogger) NoticeWithChain(_ int, _ string, _ ...interface{}) {}

// noDomain marks lines that are not scoped to a domain
const noDomain = -1

// StdLogger is a standard implementation of the Logger interface that logs messages to the console.
type StdLogger struct {
	enableColoring bool
	level          Level
	mu             sync.Mutex
}

var _ Logger = (*StdLogger)(nil)

func NewStdLogger(enableColoring bool, level Level) *StdLogger {
	return &StdLogger{
		enableColoring: enableColoring,
		level:          level,
	}
}

// formatMessage formats the log message with the appropriate log level, domain prefix, and coloring if enabled.
func (l *StdLogger) formatMessage(level Level, chainID int, format string) string {
	prefix := ""
	if chainID != noDomain {
		prefix = domainPrefix(chainID)
		if l.enableColoring {
			prefix = color.New(domainColor(chainID)).Sprint(prefix)
		}
	}

	var levelStr string
	switch level {
	case DebugLevel:
		levelStr = "[DEBUG]  "
	case InfoLevel:
		levelStr = "[INFO]   "
	case NoticeLevel:
		levelStr = "[NOTICE] "
	case ErrorLevel:
		levelStr = "[ERROR]  "
	}

	return levelStr + prefix + format
}

func (l *StdLogger) logf(level Level, chainID int, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level <= level {
		log.Printf(l.formatMessage(level, chainID, format), args...)
	}
}

func (l *StdLogger) Info(format string, args ...interface{}) {
	l.logf(InfoLevel, noDomain, format, args...)
}

func (l *StdLogger) InfoWithChain(chainID int, format string, args ...interface{}) {
	l.logf(InfoLevel, chainID, format, args...)
}

func (l *StdLogger) Error(format string, args ...interface{}) {
	l.logf(ErrorLevel, noDomain, format, args...)
}

func (l *StdLogger) ErrorWithChain(chainID int, format string, args ...interface{}) {
	l.logf(ErrorLevel, chainID, format, args...)
}

func (l *StdLogger) Debug(format string, args ...interface{}) {
	l.logf(DebugLevel, noDomain, format, args...)
}

func (l *StdLogger) DebugWithChain(chainID int, format string, args ...interface{}) {
	l.logf(DebugLevel, chainID, format, args...)
}

func (l *StdLogger) Notice(format string, args ...interface{}) {
	l.logf(NoticeLevel, noDomain, format, args...)
}

func (l *StdLogger) NoticeWithChain(chainID int, format string, args ...interface{}) {
	l.logf(NoticeLevel, chainID, format, args...)
}
