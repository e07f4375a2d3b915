package gateway_test

import (
	"context"
	"net"
	"testing"

	"go.viam.com/test"

	"go.labforge.io/labkernel/config"
	"go.labforge.io/labkernel/gateway"
	"go.labforge.io/labkernel/kernel"
	"go.labforge.io/labkernel/module"
	"go.labforge.io/labkernel/testutils"
	"go.labforge.io/labkernel/utils"
)

func newDownstream(t *testing.T, f *fixture, remote string) *kernel.Kernel {
	t.Helper()
	cfg := &config.Config{}
	test.That(t, cfg.Add(module.Declaration{
		Name:       "remote_counter",
		Kind:       module.KindHardware,
		Remote:     remote,
		Interfaces: []string{ifaceCounter},
	}), test.ShouldBeNil)
	test.That(t, cfg.Add(module.Declaration{
		Name:           "doubler",
		Kind:           module.KindLogic,
		Implementation: implDoubler,
		Connect:        map[string]string{"source": "remote_counter"},
	}), test.ShouldBeNil)

	k := kernel.New(cfg, f.logger)
	t.Cleanup(func() {
		test.That(t, k.Close(context.Background()), test.ShouldBeNil)
	})
	return k
}

func TestRemoteModuleSatisfiesConnector(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := newDownstream(t, f, "labkernel://"+f.addr+"/counter")

	test.That(t, k.Resolution().Failed, test.ShouldBeEmpty)
	test.That(t, k.StartAll(ctx), test.ShouldBeNil)
	for _, name := range []string{"remote_counter", "doubler"} {
		state, err := k.State(name)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, state, test.ShouldEqual, module.StateIdle)
	}
	test.That(t, f.srv.Sessions(), test.ShouldHaveLength, 1)

	_, err := f.k.Invoke(ctx, "counter", module.Request{Action: module.ActionSet, Name: "value", Value: 21})
	test.That(t, err, test.ShouldBeNil)

	res, err := k.Invoke(ctx, "doubler", module.Request{Action: module.ActionCall, Name: "double"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res, test.ShouldEqual, 42.0)

	res, err = k.Invoke(ctx, "remote_counter", module.Request{
		Action: module.ActionCall,
		Name:   "add",
		Args:   utils.AttributeMap{"amount": 1},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res, test.ShouldResemble, map[string]interface{}{"value": 22.0, "added": 1.0})

	// deactivating the proxy ends its session upstream
	test.That(t, k.Deactivate(ctx, "remote_counter"), test.ShouldBeNil)
	test.That(t, testutils.Eventually(func() bool { return len(f.srv.Sessions()) == 0 }), test.ShouldBeTrue)
	test.That(t, k.Activate(ctx, "remote_counter"), test.ShouldBeNil)
	test.That(t, f.srv.Sessions(), test.ShouldHaveLength, 1)

	// losing the upstream gateway is a fault of the proxy only
	test.That(t, f.srv.Close(ctx), test.ShouldBeNil)
	_, err = k.Invoke(ctx, "remote_counter", module.Request{Action: module.ActionCall, Name: "read"})
	test.That(t, module.IsFaultError(err), test.ShouldBeTrue)
	state, err := k.State("remote_counter")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, module.StateError)
	state, err = f.k.State("counter")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, module.StateIdle)
}

func TestUnreachableRemote(t *testing.T) {
	f := newFixture(t)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	addr := lis.Addr().String()
	test.That(t, lis.Close(), test.ShouldBeNil)

	k := newDownstream(t, f, "labkernel://"+addr+"/counter")
	err = k.StartAll(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, module.IsActivationError(err), test.ShouldBeTrue)

	state, err := k.State("remote_counter")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, module.StateError)
	state, err = k.State("doubler")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, module.StateDeactivated)
}

func TestRemoteToPrivateModuleFails(t *testing.T) {
	f := newFixture(t)
	k := newDownstream(t, f, "labkernel://"+f.addr+"/hidden")
	err := k.StartAll(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "not-remote-accessible")
	test.That(t, testutils.Eventually(func() bool { return len(f.srv.Sessions()) == 0 }), test.ShouldBeTrue)
}

func TestChainedGatewayReportsConnectionLoss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := &config.Config{}
	test.That(t, cfg.Add(module.Declaration{
		Name:        "relay",
		Kind:        module.KindHardware,
		Remote:      "labkernel://" + f.addr + "/counter",
		Interfaces:  []string{ifaceCounter},
		AllowRemote: true,
	}), test.ShouldBeNil)
	k := kernel.New(cfg, f.logger)
	test.That(t, k.StartAll(ctx), test.ShouldBeNil)

	srv := gateway.NewServer(k, f.logger)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(lis)
	}()
	t.Cleanup(func() {
		test.That(t, srv.Close(ctx), test.ShouldBeNil)
		test.That(t, <-serveErr, test.ShouldBeNil)
		test.That(t, k.Close(ctx), test.ShouldBeNil)
	})

	client, err := gateway.Dial(ctx, lis.Addr().String(), f.logger)
	test.That(t, err, test.ShouldBeNil)
	defer client.Close()
	relay, err := client.Resolve(ctx, "relay")
	test.That(t, err, test.ShouldBeNil)
	res, err := module.Call(ctx, relay, "read", nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res, test.ShouldEqual, 0.0)

	// the relay's upstream goes away while our own session stays up
	test.That(t, f.srv.Close(ctx), test.ShouldBeNil)
	_, err = module.Call(ctx, relay, "read", nil)
	test.That(t, gateway.IsConnectionLost(err), test.ShouldBeTrue)
	test.That(t, gateway.IsRemoteError(err, gateway.KindTargetFault), test.ShouldBeFalse)

	state, err := k.State("relay")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state, test.ShouldEqual, module.StateError)
	test.That(t, client.Ping(ctx), test.ShouldBeNil)
}
