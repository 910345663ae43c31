package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	File   string // optional rotating log file
}

type ctxKey struct{}

var log = newDefault()

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stdout
	l.Formatter = &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Init configures the process-wide logger. Safe to skip in tests.
func Init(cfg Config) {
	l := logrus.New()

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	l.Out = out

	if cfg.Format == "text" {
		l.Formatter = &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339Nano}
	} else {
		l.Formatter = &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	log = l
}

func Get() *logrus.Logger {
	return log
}

// WithRequestID stores the request id so FromContext can tag entries with it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, requestID)
}

func FromContext(ctx context.Context) *logrus.Entry {
	entry := logrus.NewEntry(log)
	if ctx == nil {
		return entry
	}
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		entry = entry.WithField("request_id", id)
	}
	return entry
}
