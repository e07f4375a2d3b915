package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"go.labforge.io/labkernel/logging"
	"go.labforge.io/labkernel/module"
)

const dialTimeout = 10 * time.Second

func init() {
	module.RegisterRemoteConstructor(NewRemoteModule)
}

// RemoteModule stands in for a module served by another kernel's gateway. It dials the gateway
// and resolves the upstream module on activation and forwards every invocation through that
// session. Losing the session is reported as a fault so the kernel moves the proxy to Error; a
// reload reconnects it.
type RemoteModule struct {
	name    string
	address module.RemoteAddress
	ops     []string
	logger  logging.Logger

	mu     sync.Mutex
	client *Client
	handle *Handle
}

// NewRemoteModule builds the proxy for a remote declaration.
func NewRemoteModule(ctx context.Context, conf module.Declaration, logger logging.Logger) (module.Module, error) {
	address, err := module.ParseRemote(conf.Remote)
	if err != nil {
		return nil, err
	}
	var ops []string
	for _, name := range conf.Interfaces {
		iface, ok := module.LookupInterface(name)
		if !ok {
			return nil, &module.NotFoundError{What: "interface", Name: name}
		}
		ops = append(ops, iface.Operations...)
	}
	ops = lo.Uniq(ops)
	sort.Strings(ops)
	return &RemoteModule{
		name:    conf.Name,
		address: address,
		ops:     ops,
		logger:  logger,
	}, nil
}

// Name returns the local module name.
func (m *RemoteModule) Name() string {
	return m.name
}

// Operations returns the union of the declared interfaces' operations.
func (m *RemoteModule) Operations() []string {
	return append([]string(nil), m.ops...)
}

// OnActivate connects to the upstream gateway.
func (m *RemoteModule) OnActivate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != nil {
		return nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	client, err := Dial(dialCtx, m.address.Address, m.logger)
	if err != nil {
		return errors.Wrapf(err, "cannot reach gateway %s", m.address.Address)
	}
	handle, err := client.Resolve(dialCtx, m.address.Module)
	if err != nil {
		return multierr.Combine(
			errors.Wrapf(err, "cannot resolve %q on %s", m.address.Module, m.address.Address),
			client.Close(),
		)
	}
	m.client = client
	m.handle = handle
	m.logger.CInfow(ctx, "connected to remote module", "address", m.address.Address, "module", m.address.Module, "session", client.SessionID())
	return nil
}

// OnDeactivate ends the upstream session.
func (m *RemoteModule) OnDeactivate(ctx context.Context) error {
	return m.disconnect(ctx)
}

// Close ends the upstream session if it is still open.
func (m *RemoteModule) Close(ctx context.Context) error {
	return m.disconnect(ctx)
}

func (m *RemoteModule) disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	var errs error
	if err := m.handle.Release(ctx); err != nil && !IsConnectionLost(err) {
		errs = multierr.Append(errs, err)
	}
	if err := m.client.Close(); err != nil && !IsConnectionLost(err) {
		m.logger.Debugw("closing remote session", "error", err)
	}
	m.client = nil
	m.handle = nil
	return errs
}

// Invoke forwards req to the upstream module.
func (m *RemoteModule) Invoke(ctx context.Context, req module.Request) (interface{}, error) {
	m.mu.Lock()
	handle := m.handle
	m.mu.Unlock()
	if handle == nil {
		return nil, module.Fault(errors.Errorf("remote module %q is not connected", m.name))
	}
	res, err := handle.Invoke(ctx, req)
	if IsConnectionLost(err) {
		return nil, module.Fault(err)
	}
	return res, err
}
