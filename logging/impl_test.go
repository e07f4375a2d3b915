package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.viam.com/test"
)

type axisReading struct {
	Axis     string
	Position float64
	raw      int
}

// assertLogMatches fuzzy matches a console log line. The time only has to parse in the console
// format with the same zone suffix, and the caller line number only has to be a number.
func assertLogMatches(t *testing.T, actual *bytes.Buffer, expected string) {
	t.Helper()

	output, err := actual.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)

	actualParts := strings.Split(strings.TrimSuffix(output, "\n"), "\t")
	expectedParts := strings.Split(expected, "\t")
	_, err = time.Parse(DefaultTimeFormatStr, actualParts[0])
	test.That(t, err, test.ShouldBeNil)
	test.That(t, strings.HasSuffix(actualParts[0], "Z"), test.ShouldEqual, strings.HasSuffix(expectedParts[0], "Z"))
	test.That(t, actualParts[1], test.ShouldEqual, expectedParts[1])

	actualFilename, actualLineNumber, found := strings.Cut(actualParts[2], ":")
	test.That(t, found, test.ShouldBeTrue)
	expectedFilename, _, found := strings.Cut(expectedParts[2], ":")
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, actualFilename, test.ShouldEqual, expectedFilename)
	_, err = strconv.Atoi(actualLineNumber)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, actualParts[3], test.ShouldEqual, expectedParts[3])
	test.That(t, len(actualParts), test.ShouldEqual, len(expectedParts))
	if len(actualParts) == 4 {
		return
	}

	expectedMap := make(map[string]any)
	test.That(t, json.Unmarshal([]byte(expectedParts[4]), &expectedMap), test.ShouldBeNil)
	actualMap := make(map[string]any)
	test.That(t, json.Unmarshal([]byte(actualParts[4]), &actualMap), test.ShouldBeNil)
	test.That(t, actualMap, test.ShouldResemble, expectedMap)
}

func TestConsoleOutputFormat(t *testing.T) {
	notStdout := &bytes.Buffer{}
	logger := newImpl("", DEBUG, true, NewWriterAppender(notStdout))

	logger.Infow("module loaded")
	assertLogMatches(t, notStdout,
		`2026-10-17T13:12:09.459Z	INFO	logging/impl_test.go:57	module loaded`)

	logger.Warnw("activation slow", "module", "stage", "attempt", 2)
	assertLogMatches(t, notStdout,
		`2026-10-17T13:12:09.459Z	WARN	logging/impl_test.go:61	activation slow	{"module":"stage","attempt":2}`)

	// Unexported struct fields are not serialized.
	logger.Debugw("reading", "value", axisReading{"x", 1.5, 7})
	assertLogMatches(t, notStdout,
		`2026-10-17T13:12:09.459Z	DEBUG	logging/impl_test.go:66	reading	{"value":{"Axis":"x","Position":1.5}}`)

	logger.Errorw("unpaired", "key")
	assertLogMatches(t, notStdout,
		`2026-10-17T13:12:09.459Z	ERROR	logging/impl_test.go:70	unpaired	{"key":"unpaired log key"}`)

	scoped := logger.WithFields("module", "stage")
	scoped.CInfow(context.Background(), "activated", "took", "3ms")
	assertLogMatches(t, notStdout,
		`2026-10-17T13:12:09.459Z	INFO	logging/impl_test.go:75	activated	{"module":"stage","took":"3ms"}`)
}

func TestLevelFiltering(t *testing.T) {
	notStdout := &bytes.Buffer{}
	logger := newImpl("", WARN, false, NewWriterAppender(notStdout))

	logger.Infow("dropped")
	logger.Debugw("dropped too", "k", "v")
	test.That(t, notStdout.Len(), test.ShouldEqual, 0)

	logger.Warnw("kept")
	test.That(t, notStdout.String(), test.ShouldContainSubstring, "kept")

	notStdout.Reset()
	logger.CDebugw(context.Background(), "still dropped")
	test.That(t, notStdout.Len(), test.ShouldEqual, 0)

	ctx := EnableDebugMode(context.Background(), "")
	key, ok := DebugKey(ctx)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, key, test.ShouldHaveLength, 6)
	logger.CDebugw(ctx, "forced", "n", 1)
	test.That(t, notStdout.String(), test.ShouldContainSubstring, "forced")

	// fields loggers share the level of the logger they came from
	notStdout.Reset()
	scoped := logger.WithFields("session", "abc")
	logger.SetLevel(DEBUG)
	test.That(t, scoped.GetLevel(), test.ShouldEqual, DEBUG)
	scoped.Debugw("now visible")
	test.That(t, notStdout.String(), test.ShouldContainSubstring, `{"session":"abc"}`)
}

func TestSubloggerNaming(t *testing.T) {
	parent := NewBlankLogger("labkernel-subtest")
	parent.SetLevel(ERROR)
	child := parent.Sublogger("stage")
	test.That(t, child.Name(), test.ShouldEqual, "labkernel-subtest.stage")
	test.That(t, child.GetLevel(), test.ShouldEqual, ERROR)

	// A second sublogger with the same name replaces the first in the registry.
	again := parent.Sublogger("stage")
	test.That(t, again, test.ShouldNotPointTo, child)
	registered, ok := globalLoggerRegistry.loggerNamed("labkernel-subtest.stage")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, registered, test.ShouldPointTo, again)

	unnamed := NewBlankLogger("")
	test.That(t, unnamed.Sublogger("solo").Name(), test.ShouldEqual, "solo")
}

func TestDesugarSharesAppendersAndLevel(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	logger.Infow("hello", "module", "stage")
	test.That(t, observed.FilterMessage("hello").Len(), test.ShouldEqual, 1)

	scoped := logger.WithFields("session", "abc")
	scoped.Desugar().Sugar().Infow("via zap", "module", "stage")
	entries := observed.FilterMessage("via zap").All()
	test.That(t, entries, test.ShouldHaveLength, 1)
	test.That(t, entries[0].ContextMap()["module"], test.ShouldEqual, "stage")
	test.That(t, entries[0].ContextMap()["session"], test.ShouldEqual, "abc")

	logger.SetLevel(ERROR)
	scoped.Desugar().Info("filtered")
	test.That(t, observed.FilterMessage("filtered").Len(), test.ShouldEqual, 0)
}

func TestLevelFromString(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"Warning", WARN},
		{"error", ERROR},
	} {
		level, err := LevelFromString(tc.in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, level, test.ShouldEqual, tc.want)
	}

	_, err := LevelFromString("loud")
	test.That(t, err, test.ShouldNotBeNil)

	var level Level
	test.That(t, json.Unmarshal([]byte(`"warn"`), &level), test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, WARN)
	out, err := json.Marshal(ERROR)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(out), test.ShouldEqual, `"error"`)
}

func TestFileAppender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labkernel.log")
	appender := NewFileAppender(path, 1)
	logger := newImpl("labkernel", INFO, true, appender)

	logger.Infow("kernel started", "modules", 3)
	logger.Debugw("not written")
	test.That(t, appender.Close(), test.ShouldBeNil)

	contents, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	lines := strings.Split(strings.TrimSpace(string(contents)), "\n")
	test.That(t, lines, test.ShouldHaveLength, 1)
	test.That(t, lines[0], test.ShouldContainSubstring, "labkernel\tlogging/impl_test.go")
	test.That(t, lines[0], test.ShouldEndWith, `kernel started	{"modules":3}`)
}
