// Package logger provides a thin structured-logging wrapper around logrus so
// application components share one field-based logging surface.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus entry carrying the owning component name.
type Logger struct {
	root  *logrus.Logger
	entry *logrus.Entry
}

// New creates a logger for the named component at the given level.
func New(component string, level logrus.Level) *Logger {
	root := logrus.New()
	root.SetOutput(os.Stdout)
	root.SetLevel(level)
	root.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	return &Logger{
		root:  root,
		entry: root.WithField("component", component),
	}
}

// NewDefault creates a component logger at the level named by LOG_LEVEL,
// defaulting to info.
func NewDefault(component string) *Logger {
	level := logrus.InfoLevel
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		if parsed, err := logrus.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	return New(component, level)
}

// SetOutput redirects all log output, including derived loggers.
func (l *Logger) SetOutput(w io.Writer) {
	l.root.SetOutput(w)
}

// WithField returns a logger carrying an additional structured field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{root: l.root, entry: l.entry.WithField(key, value)}
}

// WithError returns a logger carrying the error as a structured field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{root: l.root, entry: l.entry.WithError(err)}
}

func (l *Logger) Debug(args ...any) { l.entry.Debug(args...) }
func (l *Logger) Info(args ...any)  { l.entry.Info(args...) }
func (l *Logger) Warn(args ...any)  { l.entry.Warn(args...) }
func (l *Logger) Error(args ...any) { l.entry.Error(args...) }

func (l *Logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }
