package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultTimeFormatStr is the time format of console log lines.
const DefaultTimeFormatStr = "2006-01-02T15:04:05.000Z0700"

// Appender is an output for log entries. Any zapcore.Core is an Appender.
type Appender interface {
	// Write submits one structured entry.
	Write(zapcore.Entry, []zapcore.Field) error
	// Sync flushes buffered entries, e.g. at shutdown.
	Sync() error
}

// ConsoleAppender writes one tab separated line per entry: time, level, logger name, caller,
// message and the fields as a JSON object.
type ConsoleAppender struct {
	io.Writer
}

// NewStdoutAppender returns a console appender writing to stdout.
func NewStdoutAppender() ConsoleAppender {
	return ConsoleAppender{os.Stdout}
}

// NewWriterAppender returns a console appender writing to writer.
func NewWriterAppender(writer io.Writer) ConsoleAppender {
	return ConsoleAppender{writer}
}

// Write formats entry as one line.
func (appender ConsoleAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	line, err := formatLine(entry, fields)
	fmt.Fprintln(appender.Writer, line)
	return err
}

// Sync is a no-op.
func (appender ConsoleAppender) Sync() error {
	return nil
}

// FileAppender is a console appender writing to a size rotated file.
type FileAppender struct {
	ConsoleAppender
	file *lumberjack.Logger
}

// NewFileAppender returns an appender writing console lines to path. The file rotates at
// maxSizeMB and the last three rotations are kept compressed.
func NewFileAppender(path string, maxSizeMB int) *FileAppender {
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: 3,
		Compress:   true,
	}
	return &FileAppender{ConsoleAppender: NewWriterAppender(file), file: file}
}

// Close closes the current file. Entries written afterwards reopen it.
func (appender *FileAppender) Close() error {
	return appender.file.Close()
}

// formatLine renders entry as a console line. If the fields cannot be encoded the line is still
// returned without them, together with the error.
func formatLine(entry zapcore.Entry, fields []zapcore.Field) (string, error) {
	parts := []string{
		entry.Time.Format(DefaultTimeFormatStr),
		strings.ToUpper(entry.Level.String()),
	}
	if entry.LoggerName != "" {
		parts = append(parts, entry.LoggerName)
	}
	if entry.Caller.Defined {
		parts = append(parts, shortCaller(entry.Caller))
	}
	parts = append(parts, entry.Message)
	if len(fields) == 0 {
		return strings.Join(parts, "\t"), nil
	}

	// The JSON encoder keeps fields in order, unlike a map. It gets an empty entry so that only
	// the fields are encoded.
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{SkipLineEnding: true})
	buf, err := enc.EncodeEntry(zapcore.Entry{}, fields)
	if err != nil {
		return strings.Join(parts, "\t"), err
	}
	defer buf.Free()
	return strings.Join(append(parts, buf.String()), "\t"), nil
}

// shortCaller keeps the last directory and the file name, e.g. "kernel/lifecycle.go:120".
func shortCaller(caller zapcore.EntryCaller) string {
	file := caller.File
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		if j := strings.LastIndexByte(file[:i], '/'); j >= 0 {
			file = file[j+1:]
		}
	}
	return fmt.Sprintf("%s:%d", file, caller.Line)
}
