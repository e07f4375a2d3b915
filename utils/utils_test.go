package utils

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.viam.com/test"
)

var sampleAttributeMap = AttributeMap{
	"axis":       "x",
	"steps":      12.0,
	"half_steps": 2.5,
	"velocity":   3,
	"relative":   true,
	"bad_bool":   "true",
	"nested":     map[string]interface{}{"a": 1.0},
	"nil":        nil,
}

func TestAttributeMap(t *testing.T) {
	s, err := sampleAttributeMap.String("axis", "")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s, test.ShouldEqual, "x")

	s, err = sampleAttributeMap.String("missing", "y")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s, test.ShouldEqual, "y")

	_, err = sampleAttributeMap.String("steps", "")
	test.That(t, err, test.ShouldNotBeNil)

	i, err := sampleAttributeMap.Int("steps", 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, i, test.ShouldEqual, 12)

	i, err = sampleAttributeMap.Int("velocity", 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, i, test.ShouldEqual, 3)

	_, err = sampleAttributeMap.Int("half_steps", 0)
	test.That(t, err, test.ShouldNotBeNil)

	i, err = sampleAttributeMap.Int("nil", 4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, i, test.ShouldEqual, 4)

	f, err := sampleAttributeMap.Float64("velocity", 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f, test.ShouldEqual, 3.0)

	b, err := sampleAttributeMap.Bool("relative", false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b, test.ShouldBeTrue)

	_, err = sampleAttributeMap.Bool("bad_bool", false)
	test.That(t, err, test.ShouldNotBeNil)

	m, err := sampleAttributeMap.Map("nested")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Has("a"), test.ShouldBeTrue)

	clone := sampleAttributeMap.Clone()
	clone["axis"] = "z"
	test.That(t, sampleAttributeMap["axis"], test.ShouldEqual, "x")
	test.That(t, AttributeMap(nil).Clone(), test.ShouldBeNil)
}

func TestAssertType(t *testing.T) {
	v, err := AssertType[string]("x")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, "x")

	_, err = AssertType[int]("x")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "expected int but got string")
}

func TestStoppableWorkers(t *testing.T) {
	var ran atomic.Int32
	release := make(chan struct{})
	worker := func(ctx context.Context) {
		ran.Add(1)
		select {
		case <-ctx.Done():
		case <-release:
		}
	}
	workers := NewStoppableWorkers(worker, worker)
	test.That(t, workers.AddWorkers(worker), test.ShouldBeTrue)
	test.That(t, workers.Running(), test.ShouldEqual, 3)

	close(release)
	for workers.Running() > 0 {
		time.Sleep(time.Millisecond)
	}
	test.That(t, ran.Load(), test.ShouldEqual, 3)

	test.That(t, workers.AddWorkers(worker), test.ShouldBeTrue)
	workers.Stop()
	test.That(t, workers.Running(), test.ShouldEqual, 0)
	test.That(t, workers.Context().Err(), test.ShouldNotBeNil)

	// nothing starts once stopped
	test.That(t, workers.AddWorkers(worker), test.ShouldBeFalse)
	test.That(t, ran.Load(), test.ShouldEqual, 4)
}

func TestStoppableWorkersParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	workers := NewStoppableWorkersWithContext(ctx, func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})
	cancel()
	<-done
	workers.Stop()
}
