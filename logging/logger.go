package logging

import (
	"context"

	"go.uber.org/zap"
)

// Logger is the logging interface handed to every kernel component and module.
//
// The C-prefixed variants also log when ctx is in debug mode (see EnableDebugMode), regardless
// of the logger's level. Gateway sessions opened in debug mode thereby trace every module they
// touch.
type Logger interface {
	Name() string
	SetLevel(level Level)
	GetLevel() Level
	// Sublogger returns a logger named "<name>.<subname>" that starts at this logger's level and
	// is registered so that config log patterns apply to it.
	Sublogger(subname string) Logger
	// WithFields returns a logger that attaches keysAndValues to every entry. It shares this
	// logger's name and level.
	WithFields(keysAndValues ...interface{}) Logger
	AddAppender(appender Appender)
	// Desugar returns a zap logger writing to the same appenders, for libraries that log with zap.
	Desugar() *zap.Logger
	Sync() error

	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	// Fatal logs at error level and exits the process.
	Fatal(args ...interface{})

	CDebugw(ctx context.Context, msg string, keysAndValues ...interface{})
	CInfow(ctx context.Context, msg string, keysAndValues ...interface{})
	CWarnw(ctx context.Context, msg string, keysAndValues ...interface{})
	CErrorw(ctx context.Context, msg string, keysAndValues ...interface{})
}
