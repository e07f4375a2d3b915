package gateway_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.labforge.io/labkernel/gateway"
	"go.labforge.io/labkernel/module"
	"go.labforge.io/labkernel/testutils"
	"go.labforge.io/labkernel/utils"
)

func remoteKind(t *testing.T, err error) gateway.ErrorKind {
	t.Helper()
	var rerr *gateway.RemoteError
	test.That(t, errors.As(err, &rerr), test.ShouldBeTrue)
	return rerr.Kind
}

func TestInvokeMatchesLocal(t *testing.T) {
	f := newFixture(t)
	client := f.dial(t)
	ctx := context.Background()

	test.That(t, client.SessionID(), test.ShouldNotBeEmpty)
	test.That(t, client.Ping(ctx), test.ShouldBeNil)

	handle, err := client.Resolve(ctx, "counter")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, handle.Name(), test.ShouldEqual, "counter")

	remote, err := client.Call(ctx, handle.ID(), "add", utils.AttributeMap{"amount": 2})
	test.That(t, err, test.ShouldBeNil)
	local, err := f.k.Invoke(ctx, "counter", module.Request{
		Action: module.ActionCall,
		Name:   "add",
		Args:   utils.AttributeMap{"amount": 2},
	})
	test.That(t, err, test.ShouldBeNil)
	want, err := gateway.Normalize(local)
	test.That(t, err, test.ShouldBeNil)
	// the second add saw the first one
	test.That(t, remote, test.ShouldResemble, map[string]interface{}{"value": 2.0, "added": 2.0})
	test.That(t, want, test.ShouldResemble, map[string]interface{}{"value": 4.0, "added": 2.0})

	test.That(t, client.Set(ctx, handle.ID(), "value", 10), test.ShouldBeNil)
	value, err := client.Get(ctx, handle.ID(), "value")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, value, test.ShouldEqual, 10.0)

	value, err = module.Call(ctx, handle, "read", nil)
	test.That(t, err, test.ShouldBeNil)
	localValue, err := module.Call(ctx, &localInvoker{f, "counter"}, "read", nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, value, test.ShouldEqual, localValue)

	test.That(t, handle.Release(ctx), test.ShouldBeNil)
	_, err = client.Get(ctx, handle.ID(), "value")
	test.That(t, remoteKind(t, err), test.ShouldEqual, gateway.KindUnknownHandle)
}

type localInvoker struct {
	f    *fixture
	name string
}

func (l *localInvoker) Invoke(ctx context.Context, req module.Request) (interface{}, error) {
	return l.f.k.Invoke(ctx, l.name, req)
}

func TestResolveErrors(t *testing.T) {
	f := newFixture(t)
	client := f.dial(t)
	ctx := context.Background()

	_, err := client.Resolve(ctx, "nope")
	test.That(t, remoteKind(t, err), test.ShouldEqual, gateway.KindUnknownModule)

	_, err = client.Resolve(ctx, "dormant")
	test.That(t, remoteKind(t, err), test.ShouldEqual, gateway.KindUnknownModule)

	_, err = client.Resolve(ctx, "hidden")
	test.That(t, remoteKind(t, err), test.ShouldEqual, gateway.KindNotRemoteAccessible)
	test.That(t, err.Error(), test.ShouldContainSubstring, "hidden")

	_, err = client.Call(ctx, "not-a-handle", "read", nil)
	test.That(t, remoteKind(t, err), test.ShouldEqual, gateway.KindUnknownHandle)

	err = client.Release(ctx, "not-a-handle")
	test.That(t, remoteKind(t, err), test.ShouldEqual, gateway.KindUnknownHandle)

	// the session survives every error
	test.That(t, client.Ping(ctx), test.ShouldBeNil)
}

func TestTargetFault(t *testing.T) {
	f := newFixture(t)
	client := f.dial(t)
	ctx := context.Background()

	handle, err := client.Resolve(ctx, "counter")
	test.That(t, err, test.ShouldBeNil)

	_, err = module.Call(ctx, handle, "fail", nil)
	test.That(t, gateway.IsRemoteError(err, gateway.KindTargetFault), test.ShouldBeTrue)
	var rerr *gateway.RemoteError
	test.That(t, errors.As(err, &rerr), test.ShouldBeTrue)
	test.That(t, rerr.Message, test.ShouldContainSubstring, "sensor saturated")
	test.That(t, rerr.Detail["error"], test.ShouldEqual, "sensor saturated")

	_, err = module.Call(ctx, handle, "calibrate", nil)
	test.That(t, remoteKind(t, err), test.ShouldEqual, gateway.KindTargetFault)

	// a module that is no longer running answers with its state
	test.That(t, f.k.Deactivate(ctx, "counter"), test.ShouldBeNil)
	_, err = module.Call(ctx, handle, "read", nil)
	test.That(t, errors.As(err, &rerr), test.ShouldBeTrue)
	test.That(t, rerr.Kind, test.ShouldEqual, gateway.KindTargetFault)
	test.That(t, rerr.Detail["state"], test.ShouldEqual, module.StateDeactivated.String())

	// the target fault never moves the module
	state, err := f.k.State("counter")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, module.StateDeactivated)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	client := f.dial(t)

	infos, err := client.List(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, infos, test.ShouldResemble, []gateway.ModuleInfo{
		{Name: "counter", State: module.StateIdle.String()},
		{Name: "dormant", State: module.StateUnloaded.String()},
	})
}

func TestDisconnectMidInvoke(t *testing.T) {
	f := newFixture(t)
	client := f.dial(t)
	ctx := context.Background()

	handle, err := client.Resolve(ctx, "counter")
	test.That(t, err, test.ShouldBeNil)

	callErr := make(chan error, 1)
	go func() {
		_, err := module.Call(ctx, handle, "slow", nil)
		callErr <- err
	}()
	c := counterNamed("counter")
	<-c.started
	test.That(t, f.srv.Operations(), test.ShouldHaveLength, 1)
	test.That(t, f.srv.Operations()[0].Module, test.ShouldEqual, "counter")
	test.That(t, f.srv.Operations()[0].Method, test.ShouldEqual, "slow")

	test.That(t, client.Close(), test.ShouldBeNil)
	err = <-callErr
	test.That(t, gateway.IsConnectionLost(err), test.ShouldBeTrue)
	test.That(t, testutils.Eventually(func() bool { return len(f.srv.Sessions()) == 0 }), test.ShouldBeTrue)

	// the invocation carries on without its session
	state, err := f.k.State("counter")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, module.StateIdle)
	c.unblock()
	<-c.finished
	test.That(t, testutils.Eventually(func() bool { return len(f.srv.Operations()) == 0 }), test.ShouldBeTrue)

	state, err = f.k.State("counter")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, module.StateIdle)
	value, err := f.k.Invoke(ctx, "counter", module.Request{Action: module.ActionGet, Name: "value"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, value, test.ShouldEqual, 1.0)

	_, err = client.Resolve(ctx, "counter")
	test.That(t, gateway.IsConnectionLost(err), test.ShouldBeTrue)
}

func TestSessionsAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.dial(t)
	second := f.dial(t)
	test.That(t, first.SessionID(), test.ShouldNotEqual, second.SessionID())

	handle, err := first.Resolve(ctx, "counter")
	test.That(t, err, test.ShouldBeNil)
	_, err = second.Call(ctx, handle.ID(), "read", nil)
	test.That(t, remoteKind(t, err), test.ShouldEqual, gateway.KindUnknownHandle)

	// one session blocked in a module does not hold up another
	go func() {
		module.Call(ctx, handle, "slow", nil)
	}()
	c := counterNamed("counter")
	<-c.started
	test.That(t, second.Ping(ctx), test.ShouldBeNil)
	_, err = second.Resolve(ctx, "counter")
	test.That(t, err, test.ShouldBeNil)
	c.unblock()
	<-c.finished
}

func TestIdleSessionsAreReaped(t *testing.T) {
	mock := clock.NewMock()
	f := newFixture(t, gateway.WithClock(mock), gateway.WithIdleTimeout(time.Minute))
	client := f.dial(t)
	ctx := context.Background()

	test.That(t, client.Ping(ctx), test.ShouldBeNil)
	test.That(t, f.srv.Sessions(), test.ShouldHaveLength, 1)
	handle, err := client.Resolve(ctx, "counter")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.srv.Sessions()[0].Modules(), test.ShouldResemble, []string{"counter"})

	// activity keeps the session alive
	mock.Add(45 * time.Second)
	test.That(t, client.Ping(ctx), test.ShouldBeNil)
	mock.Add(45 * time.Second)
	test.That(t, f.srv.Sessions(), test.ShouldHaveLength, 1)

	test.That(t, testutils.Eventually(func() bool {
		mock.Add(time.Minute)
		return len(f.srv.Sessions()) == 0
	}), test.ShouldBeTrue)

	test.That(t, testutils.Eventually(func() bool {
		return gateway.IsConnectionLost(client.Ping(ctx))
	}), test.ShouldBeTrue)
	_, err = module.Call(ctx, handle, "read", nil)
	test.That(t, gateway.IsConnectionLost(err), test.ShouldBeTrue)

	// reaping a session leaves the module alone
	state, err := f.k.State("counter")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, module.StateIdle)
}

func TestSessionWaitingOnModuleIsNotReaped(t *testing.T) {
	mock := clock.NewMock()
	f := newFixture(t, gateway.WithClock(mock), gateway.WithIdleTimeout(time.Minute))
	client := f.dial(t)
	ctx := context.Background()

	handle, err := client.Resolve(ctx, "counter")
	test.That(t, err, test.ShouldBeNil)

	type result struct {
		res interface{}
		err error
	}
	called := make(chan result, 1)
	go func() {
		res, err := module.Call(ctx, handle, "slow", nil)
		called <- result{res, err}
	}()
	c := counterNamed("counter")
	<-c.started

	// the call outlasts the idle timeout several times over
	for i := 0; i < 5; i++ {
		mock.Add(time.Minute)
		time.Sleep(10 * time.Millisecond)
	}
	test.That(t, f.srv.Sessions(), test.ShouldHaveLength, 1)

	c.unblock()
	<-c.finished
	got := <-called
	test.That(t, got.err, test.ShouldBeNil)
	test.That(t, got.res, test.ShouldEqual, "done")

	// the reply counts as activity, so the session starts a fresh idle period
	test.That(t, f.srv.Sessions(), test.ShouldHaveLength, 1)
	test.That(t, client.Ping(ctx), test.ShouldBeNil)

	test.That(t, testutils.Eventually(func() bool {
		mock.Add(time.Minute)
		return len(f.srv.Sessions()) == 0
	}), test.ShouldBeTrue)
}
