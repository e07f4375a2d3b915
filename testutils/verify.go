// Package testutils holds helpers shared by the package tests.
package testutils

import (
	"go.uber.org/goleak"
)

// VerifyTestMain runs the package's tests and fails if goroutines are left behind.
func VerifyTestMain(m goleak.TestingM, opts ...goleak.Option) {
	opts = append([]goleak.Option{
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
		goleak.IgnoreTopFunction("github.com/desertbit/timer.timerRoutine"), // grpc uses this
		goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
	}, opts...)
	goleak.VerifyTestMain(m, opts...)
}
