// Package logging contains the structured logger used throughout labkernel.
//
// Loggers write entries to appenders: the console, the running test, or a zap observer. Every
// module the kernel loads gets its own named sublogger so that levels can be tuned per module
// through the config's log patterns.
package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newImpl(name string, level Level, inUTC bool, appenders ...Appender) *impl {
	return &impl{
		name:      name,
		level:     NewAtomicLevelAt(level),
		inUTC:     inUTC,
		appenders: appenders,
	}
}

// NewLogger returns a registered logger that writes Info+ entries to stdout in UTC.
func NewLogger(name string) Logger {
	return register(newImpl(name, INFO, true, NewStdoutAppender()))
}

// NewDebugLogger returns a logger that writes Debug+ entries to stdout in UTC.
func NewDebugLogger(name string) Logger {
	return newImpl(name, DEBUG, true, NewStdoutAppender())
}

// NewBlankLogger returns a Debug+ logger with no appenders.
func NewBlankLogger(name string) Logger {
	return newImpl(name, DEBUG, true)
}

// NewTestLogger returns a Debug+ logger that writes to tb in local time.
func NewTestLogger(tb testing.TB) Logger {
	logger, _ := NewObservedTestLogger(tb)
	return logger
}

// NewObservedTestLogger is like NewTestLogger but also records entries in memory so tests can
// assert on what was logged.
func NewObservedTestLogger(tb testing.TB) (Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.LevelEnablerFunc(zapcore.DebugLevel.Enabled))
	return newImpl("", DEBUG, false, NewTestAppender(tb), core), logs
}

func register(logger Logger) Logger {
	if logger.Name() == "" {
		return logger
	}
	return globalLoggerRegistry.getOrRegister(logger.Name(), logger)
}
