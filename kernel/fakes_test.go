package kernel_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"go.labforge.io/labkernel/config"
	"go.labforge.io/labkernel/logging"
	"go.labforge.io/labkernel/module"
	"go.labforge.io/labkernel/testutils"
	"go.labforge.io/labkernel/utils"
)

func TestMain(m *testing.M) {
	testutils.VerifyTestMain(m)
}

const (
	ifaceReadable = "kerneltest.readable"
	ifaceWritable = "kerneltest.writable"

	implSource  = "kerneltest.source"
	implWriter  = "kerneltest.writer"
	implLogic   = "kerneltest.logic"
	implView    = "kerneltest.view"
	implNeedOpt = "kerneltest.needopt"
	implBroken  = "kerneltest.broken"
)

func init() {
	module.RegisterInterface(module.Interface{Name: ifaceReadable, Operations: []string{"read"}})
	module.RegisterInterface(module.Interface{Name: ifaceWritable, Operations: []string{"write"}})

	module.Register(implSource, module.Registration{
		Kind:        module.KindHardware,
		Constructor: newFake,
		Operations:  []string{"read", "scan", "fault"},
		Claims:      []string{ifaceReadable},
	})
	module.Register(implWriter, module.Registration{
		Kind:        module.KindHardware,
		Constructor: newFake,
		Operations:  []string{"write"},
	})
	module.Register(implLogic, module.Registration{
		Kind:        module.KindLogic,
		Constructor: newFake,
		Operations:  []string{"read", "compute"},
		Connectors: map[string]module.ConnectorSpec{
			"source": {Interface: ifaceReadable},
			"extra":  {Interface: ifaceReadable, Optional: true},
		},
	})
	module.Register(implView, module.Registration{
		Kind:        module.KindPresentation,
		Constructor: newFake,
		Operations:  []string{"read"},
		Connectors: map[string]module.ConnectorSpec{
			"logic": {Interface: ifaceReadable},
		},
	})
	module.Register(implNeedOpt, module.Registration{
		Kind:        module.KindHardware,
		Constructor: newFake,
		Operations:  []string{"read"},
		Options: []module.OptionSpec{
			{Name: "port", Missing: module.MissingError},
			{Name: "value", Default: 7, Missing: module.MissingWarn},
		},
	})
	module.Register(implBroken, module.Registration{
		Kind:        module.KindHardware,
		Constructor: newFake,
		Operations:  []string{"read", "calibrate"},
	})
}

// recorder keeps every fake instance and the lifecycle hooks they saw.
type recorder struct {
	mu        sync.Mutex
	events    []string
	instances map[string]*fakeModule
}

var rec = &recorder{instances: map[string]*fakeModule{}}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.instances = map[string]*fakeModule{}
}

func (r *recorder) record(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.Events() {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) instance(name string) *fakeModule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instances[name]
}

type fakeOptions struct {
	Value        int    `json:"value"`
	Port         string `json:"port"`
	FailLoad     bool   `json:"fail_load"`
	FailActivate bool   `json:"fail_activate"`
	Stubborn     bool   `json:"stubborn"`
}

type fakeModule struct {
	module.Base
	deps module.Dependencies
	opts fakeOptions

	releaseOnce sync.Once
	release     chan struct{}
	scans       sync.WaitGroup
}

func newFake(ctx context.Context, deps module.Dependencies, conf module.Declaration, logger logging.Logger) (module.Module, error) {
	opts, err := module.DecodeOptions[fakeOptions](conf.Options)
	if err != nil {
		return nil, err
	}
	if opts.FailLoad {
		return nil, errors.New("load refused")
	}
	m := &fakeModule{
		Base:    module.NewBase(conf.Name),
		deps:    deps,
		opts:    opts,
		release: make(chan struct{}),
	}
	m.Handle("read", func(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
		return m.opts.Value, nil
	})
	m.Handle("write", func(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
		return nil, nil
	})
	m.Handle("compute", m.compute)
	m.Handle("scan", m.scan)
	m.Handle("fault", func(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
		return nil, module.Fault(errors.New("hardware gone"))
	})
	m.Attribute("value", func() (interface{}, error) {
		return m.opts.Value, nil
	}, func(v interface{}) error {
		i, err := utils.AssertType[int](v)
		if err != nil {
			return err
		}
		m.opts.Value = i
		return nil
	})

	rec.mu.Lock()
	rec.instances[conf.Name] = m
	rec.mu.Unlock()
	rec.record("load:%s", conf.Name)
	return m, nil
}

func (m *fakeModule) compute(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	source, err := m.deps.Connector("source")
	if err != nil {
		return nil, err
	}
	v, err := module.Call(ctx, source, "read", nil)
	if err != nil {
		return nil, err
	}
	i, err := utils.AssertType[int](v)
	if err != nil {
		return nil, err
	}
	return 2 * i, nil
}

// scan locks the module until it is cancelled, or, for stubborn modules, until released.
func (m *fakeModule) scan(ctx context.Context, args utils.AttributeMap) (interface{}, error) {
	lockCtx, done, err := m.deps.Lifecycle.Lock(ctx)
	if err != nil {
		return nil, err
	}
	m.scans.Add(1)
	go func() {
		defer m.scans.Done()
		defer done()
		if m.opts.Stubborn {
			<-m.release
			return
		}
		select {
		case <-lockCtx.Done():
		case <-m.release:
		}
	}()
	return "scanning", nil
}

func (m *fakeModule) finishScans() {
	m.releaseOnce.Do(func() { close(m.release) })
	m.scans.Wait()
}

func (m *fakeModule) OnActivate(ctx context.Context) error {
	if m.opts.FailActivate {
		return errors.New("instrument not responding")
	}
	rec.record("activate:%s", m.Name())
	return nil
}

func (m *fakeModule) OnDeactivate(ctx context.Context) error {
	rec.record("deactivate:%s", m.Name())
	return nil
}

func (m *fakeModule) Close(ctx context.Context) error {
	m.finishScans()
	rec.record("close:%s", m.Name())
	return nil
}

func decl(name string, kind module.Kind, impl string, connect map[string]string, opts utils.AttributeMap) module.Declaration {
	return module.Declaration{
		Name:           name,
		Kind:           kind,
		Implementation: impl,
		Connect:        connect,
		Options:        opts,
	}
}

func newConfig(t *testing.T, decls ...module.Declaration) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	for _, d := range decls {
		if err := cfg.Add(d); err != nil {
			t.Fatal(err)
		}
	}
	return cfg
}
