package logging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type impl struct {
	name   string
	level  AtomicLevel
	inUTC  bool
	fields []zapcore.Field

	appenders []Appender
}

func (imp *impl) Name() string {
	return imp.name
}

func (imp *impl) SetLevel(level Level) {
	imp.level.Set(level)
}

func (imp *impl) GetLevel() Level {
	return imp.level.Get()
}

func (imp *impl) AddAppender(appender Appender) {
	imp.appenders = append(imp.appenders, appender)
}

func (imp *impl) Sublogger(subname string) Logger {
	name := subname
	if imp.name != "" {
		name = imp.name + "." + subname
	}
	sub := &impl{
		name:      name,
		level:     NewAtomicLevelAt(imp.level.Get()),
		inUTC:     imp.inUTC,
		fields:    imp.fields,
		appenders: imp.appenders,
	}
	// Modules are rebuilt on every load, so a newer sublogger of the same name wins.
	globalLoggerRegistry.replace(name, sub)
	return sub
}

func (imp *impl) WithFields(keysAndValues ...interface{}) Logger {
	fields := make([]zapcore.Field, 0, len(imp.fields)+len(keysAndValues)/2)
	fields = append(fields, imp.fields...)
	return &impl{
		name:      imp.name,
		level:     imp.level,
		inUTC:     imp.inUTC,
		fields:    append(fields, toFields(keysAndValues)...),
		appenders: imp.appenders,
	}
}

func (imp *impl) Sync() error {
	var errs error
	for _, appender := range imp.appenders {
		errs = multierr.Append(errs, appender.Sync())
	}
	return errs
}

func (imp *impl) Desugar() *zap.Logger {
	return zap.New(&appenderCore{imp: imp}, zap.AddCaller())
}

func (imp *impl) enabled(ctx context.Context, level Level) bool {
	return level >= imp.level.Get() || IsDebugMode(ctx)
}

// emit must be called directly from the exported logging method so that the caller lookup lands
// on the user's code.
func (imp *impl) emit(level Level, msg string, keysAndValues []interface{}) {
	entry := zapcore.Entry{
		Level:      level.AsZap(),
		Time:       time.Now(),
		LoggerName: imp.name,
		Message:    msg,
	}
	if imp.inUTC {
		entry.Time = entry.Time.UTC()
	}
	if pc, file, line, ok := runtime.Caller(2); ok {
		entry.Caller = zapcore.NewEntryCaller(pc, file, line, ok)
	}
	imp.write(entry, append(append([]zapcore.Field(nil), imp.fields...), toFields(keysAndValues)...))
}

func (imp *impl) write(entry zapcore.Entry, fields []zapcore.Field) {
	for _, appender := range imp.appenders {
		if err := appender.Write(entry, fields); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

// toFields pairs up keysAndValues. A trailing key without a value is kept with an error in its
// place instead of being dropped.
func toFields(keysAndValues []interface{}) []zapcore.Field {
	fields := make([]zapcore.Field, 0, (len(keysAndValues)+1)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 == len(keysAndValues) {
			fields = append(fields, zap.Any(key, errors.New("unpaired log key")))
			break
		}
		fields = append(fields, zap.Any(key, keysAndValues[i+1]))
	}
	return fields
}

var background = context.Background()

func (imp *impl) Debugw(msg string, keysAndValues ...interface{}) {
	if imp.enabled(background, DEBUG) {
		imp.emit(DEBUG, msg, keysAndValues)
	}
}

func (imp *impl) Infow(msg string, keysAndValues ...interface{}) {
	if imp.enabled(background, INFO) {
		imp.emit(INFO, msg, keysAndValues)
	}
}

func (imp *impl) Warnw(msg string, keysAndValues ...interface{}) {
	if imp.enabled(background, WARN) {
		imp.emit(WARN, msg, keysAndValues)
	}
}

func (imp *impl) Errorw(msg string, keysAndValues ...interface{}) {
	if imp.enabled(background, ERROR) {
		imp.emit(ERROR, msg, keysAndValues)
	}
}

func (imp *impl) Fatal(args ...interface{}) {
	imp.emit(ERROR, fmt.Sprint(args...), nil)
	//nolint:errcheck
	imp.Sync()
	os.Exit(1)
}

func (imp *impl) CDebugw(ctx context.Context, msg string, keysAndValues ...interface{}) {
	if imp.enabled(ctx, DEBUG) {
		imp.emit(DEBUG, msg, keysAndValues)
	}
}

func (imp *impl) CInfow(ctx context.Context, msg string, keysAndValues ...interface{}) {
	if imp.enabled(ctx, INFO) {
		imp.emit(INFO, msg, keysAndValues)
	}
}

func (imp *impl) CWarnw(ctx context.Context, msg string, keysAndValues ...interface{}) {
	if imp.enabled(ctx, WARN) {
		imp.emit(WARN, msg, keysAndValues)
	}
}

func (imp *impl) CErrorw(ctx context.Context, msg string, keysAndValues ...interface{}) {
	if imp.enabled(ctx, ERROR) {
		imp.emit(ERROR, msg, keysAndValues)
	}
}

// appenderCore exposes a logger's appenders as a zapcore.Core. It follows the logger's level, so
// pattern config applied to the logger also applies to zap output such as request logs.
type appenderCore struct {
	imp    *impl
	fields []zapcore.Field
}

func (c *appenderCore) Enabled(level zapcore.Level) bool {
	return level >= c.imp.level.Get().AsZap()
}

func (c *appenderCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	return &appenderCore{imp: c.imp, fields: append(append(merged, c.fields...), fields...)}
}

func (c *appenderCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *appenderCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	if entry.LoggerName == "" {
		entry.LoggerName = c.imp.name
	}
	if c.imp.inUTC {
		entry.Time = entry.Time.UTC()
	}
	all := make([]zapcore.Field, 0, len(c.imp.fields)+len(c.fields)+len(fields))
	all = append(append(append(all, c.imp.fields...), c.fields...), fields...)
	var errs error
	for _, appender := range c.imp.appenders {
		errs = multierr.Append(errs, appender.Write(entry, all))
	}
	return errs
}

func (c *appenderCore) Sync() error {
	return c.imp.Sync()
}
