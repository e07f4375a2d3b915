package operation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.viam.com/test"
)

func TestJoinedOperationDoesNotCancelParent(t *testing.T) {
	var motion Exclusive
	ctx := context.Background()
	ctx1, done1 := motion.Start(ctx, "move x")
	defer done1()
	label, _, running := motion.Running()
	test.That(t, running, test.ShouldBeTrue)
	test.That(t, label, test.ShouldEqual, "move x")

	ctx2, done2 := motion.Start(ctx1, "settle x")
	defer done2()
	test.That(t, ctx2, test.ShouldEqual, ctx1)

	motion.Cancel(ctx2)
	test.That(t, ctx1.Err(), test.ShouldBeNil)
	label, _, _ = motion.Running()
	test.That(t, label, test.ShouldEqual, "move x")
}

func TestSeparateManagersDoNotJoin(t *testing.T) {
	ctx := context.Background()
	var x, y Exclusive

	ctxX, doneX := x.Start(ctx, "move x")
	defer doneX()
	ctxY, doneY := y.Start(ctxX, "move y")
	defer doneY()
	test.That(t, ctxY, test.ShouldNotEqual, ctxX)

	// a new move on y leaves x alone
	_, doneY2 := y.Start(ctx, "move y")
	defer doneY2()
	test.That(t, ctxY.Err(), test.ShouldNotBeNil)
	test.That(t, ctxX.Err(), test.ShouldBeNil)
}

func TestStartSupersedesRunning(t *testing.T) {
	var motion Exclusive
	ctx := context.Background()

	var wg sync.WaitGroup
	res := make(chan bool, 1)
	started := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		opCtx, done := motion.Start(ctx, "first")
		defer done()
		close(started)
		<-opCtx.Done()
		res <- true
	}()
	<-started

	ctx2, done2 := motion.Start(ctx, "second")
	wg.Wait()
	test.That(t, <-res, test.ShouldBeTrue)
	test.That(t, ctx2.Err(), test.ShouldBeNil)
	label, _, running := motion.Running()
	test.That(t, running, test.ShouldBeTrue)
	test.That(t, label, test.ShouldEqual, "second")
	done2()
	_, _, running = motion.Running()
	test.That(t, running, test.ShouldBeFalse)
}

func TestCancelTimedWait(t *testing.T) {
	var exposure Exclusive
	ctx := context.Background()

	finished := make(chan bool, 1)
	go func() {
		finished <- exposure.Wait(ctx, "exposure", time.Minute)
	}()
	for {
		if _, _, running := exposure.Running(); running {
			break
		}
		time.Sleep(time.Millisecond)
	}
	exposure.Cancel(ctx)
	test.That(t, <-finished, test.ShouldBeFalse)
	_, _, running := exposure.Running()
	test.That(t, running, test.ShouldBeFalse)

	test.That(t, exposure.Wait(ctx, "exposure", time.Millisecond), test.ShouldBeTrue)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	test.That(t, exposure.Wait(cancelled, "exposure", time.Minute), test.ShouldBeFalse)
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	ctx := context.Background()
	test.That(t, Get(ctx), test.ShouldBeNil)
	test.That(t, tr.Current(), test.ShouldBeEmpty)

	ctx1, done1 := tr.Create(ctx, "s1", "stage", "move")
	op := Get(ctx1)
	test.That(t, op, test.ShouldNotBeNil)
	test.That(t, op.Session, test.ShouldEqual, "s1")
	test.That(t, op.Module, test.ShouldEqual, "stage")
	test.That(t, op.Method, test.ShouldEqual, "move")

	_, done2 := tr.Create(ctx, "s2", "spec", "acquire_spectrum")
	current := tr.Current()
	test.That(t, current, test.ShouldHaveLength, 2)
	test.That(t, current[0].ID, test.ShouldEqual, op.ID)

	found := tr.Find(op.ID)
	test.That(t, found, test.ShouldNotBeNil)
	test.That(t, found.Method, test.ShouldEqual, "move")

	done1()
	done1()
	test.That(t, tr.Find(op.ID), test.ShouldBeNil)
	test.That(t, tr.Current(), test.ShouldHaveLength, 1)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	test.That(t, errors.Is(tr.Wait(waitCtx), context.DeadlineExceeded), test.ShouldBeTrue)
	test.That(t, tr.Current(), test.ShouldHaveLength, 1)

	done2()
	test.That(t, tr.Wait(ctx), test.ShouldBeNil)
	test.That(t, tr.Current(), test.ShouldBeEmpty)
}

func TestTrackerWaitGivesUp(t *testing.T) {
	tr := NewTracker()
	ctx := context.Background()
	_, done := tr.Create(ctx, "s1", "spec", "acquire_spectrum")

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	test.That(t, errors.Is(tr.Wait(waitCtx), context.DeadlineExceeded), test.ShouldBeTrue)
	// giving up leaves nothing behind waiting on the operation
	goleak.VerifyNone(t)

	finished := make(chan error, 1)
	go func() {
		finished <- tr.Wait(ctx)
	}()
	done()
	select {
	case err := <-finished:
		test.That(t, err, test.ShouldBeNil)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after the last operation finished")
	}

	// a tracker that drained can be waited on again
	_, done = tr.Create(ctx, "s2", "stage", "move")
	done()
	test.That(t, tr.Wait(ctx), test.ShouldBeNil)
}
