package gateway

import (
	"context"
	"io"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"go.labforge.io/labkernel/logging"
	"go.labforge.io/labkernel/module"
	"go.labforge.io/labkernel/utils"
)

// Client is one session with a remote gateway. It is safe for concurrent use; requests are
// pipelined on the session stream.
type Client struct {
	logger    logging.Logger
	conn      *grpc.ClientConn
	stream    grpc.ClientStream
	cancel    context.CancelFunc
	sessionID string

	sendMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan response
	err     error

	done                    chan struct{}
	failOnce                sync.Once
	closeOnce               sync.Once
	closeErr                error
	activeBackgroundWorkers sync.WaitGroup
}

// Dial opens a session with the gateway at address. ctx bounds only the connection setup; the
// session lasts until Close or until the connection is lost.
func Dial(ctx context.Context, address string, logger logging.Logger) (*Client, error) {
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithChainStreamInterceptor(logging.StreamClientInterceptor),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot dial gateway at %s", address)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	streamCtx := baseCtx
	if key, ok := logging.DebugKey(ctx); ok {
		streamCtx = logging.EnableDebugMode(baseCtx, key)
	}
	stopWatch := context.AfterFunc(ctx, cancel)

	fail := func(err error) (*Client, error) {
		stopWatch()
		cancel()
		goutils.UncheckedError(conn.Close())
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, connectionLost(err)
	}

	stream, err := conn.NewStream(streamCtx, &serviceDesc.Streams[0], sessionMethod)
	if err != nil {
		return fail(err)
	}
	header, err := stream.Header()
	if err != nil {
		return fail(err)
	}
	if !stopWatch() {
		return fail(ctx.Err())
	}
	ids := header.Get(SessionIDHeader)
	if len(ids) != 1 {
		return fail(errors.New("gateway sent no session id"))
	}

	c := &Client{
		logger:    logger,
		conn:      conn,
		stream:    stream,
		cancel:    cancel,
		sessionID: ids[0],
		pending:   map[int64]chan response{},
		done:      make(chan struct{}),
	}
	c.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(c.recvLoop, c.activeBackgroundWorkers.Done)
	return c, nil
}

// SessionID returns the id the gateway assigned to this session.
func (c *Client) SessionID() string {
	return c.sessionID
}

func (c *Client) recvLoop() {
	for {
		msg := &structpb.Struct{}
		if err := c.stream.RecvMsg(msg); err != nil {
			c.fail(err)
			return
		}
		resp, err := decodeResponse(msg)
		if err != nil {
			c.logger.Warnw("dropping malformed gateway response", "error", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		if errors.Is(err, io.EOF) {
			err = errSessionClosed
		}
		c.err = connectionLost(err)
	}
	c.mu.Unlock()
	c.failOnce.Do(func() { close(c.done) })
}

func (c *Client) lostErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return connectionLost(nil)
	}
	return c.err
}

func (c *Client) call(ctx context.Context, op Op, target string, payload map[string]interface{}) (interface{}, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	ch := make(chan response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	msg, err := encodeRequest(request{ID: id, SessionID: c.sessionID, Op: op, Target: target, Payload: payload})
	if err != nil {
		forget()
		return nil, newRemoteError(KindInvalidRequest, "%s", err.Error())
	}
	c.sendMu.Lock()
	err = c.stream.SendMsg(msg)
	c.sendMu.Unlock()
	if err != nil {
		forget()
		// the stream's real status surfaces on the receive side
		select {
		case <-c.done:
			return nil, c.lostErr()
		case <-ctx.Done():
			return nil, connectionLost(err)
		}
	}

	select {
	case resp := <-ch:
		return resp.result()
	case <-c.done:
		select {
		case resp := <-ch:
			return resp.result()
		default:
		}
		forget()
		return nil, c.lostErr()
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (resp response) result() (interface{}, error) {
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Result, nil
}

// Resolve returns a handle to the named remote-accessible module.
func (c *Client) Resolve(ctx context.Context, name string) (*Handle, error) {
	res, err := c.call(ctx, OpResolve, name, nil)
	if err != nil {
		return nil, err
	}
	id, err := utils.AssertType[string](res)
	if err != nil {
		return nil, errors.Wrap(err, "bad resolve response")
	}
	return &Handle{client: c, id: id, name: name}, nil
}

// Invoke forwards req to the module behind handle.
func (c *Client) Invoke(ctx context.Context, handle string, req module.Request) (interface{}, error) {
	if err := req.Action.Validate(); err != nil {
		return nil, err
	}
	return c.call(ctx, OpInvoke, handle, invokePayload(req))
}

// Call calls an operation on the module behind handle.
func (c *Client) Call(ctx context.Context, handle, op string, args utils.AttributeMap) (interface{}, error) {
	return c.Invoke(ctx, handle, module.Request{Action: module.ActionCall, Name: op, Args: args})
}

// Get reads an attribute of the module behind handle.
func (c *Client) Get(ctx context.Context, handle, attr string) (interface{}, error) {
	return c.Invoke(ctx, handle, module.Request{Action: module.ActionGet, Name: attr})
}

// Set writes an attribute of the module behind handle.
func (c *Client) Set(ctx context.Context, handle, attr string, value interface{}) error {
	_, err := c.Invoke(ctx, handle, module.Request{Action: module.ActionSet, Name: attr, Value: value})
	return err
}

// Release drops a handle. The module behind it is not affected.
func (c *Client) Release(ctx context.Context, handle string) error {
	_, err := c.call(ctx, OpRelease, handle, nil)
	return err
}

// Ping checks the session is alive and refreshes its idle deadline.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, OpPing, "", nil)
	return err
}

// List returns the remote-accessible modules and their states.
func (c *Client) List(ctx context.Context) ([]ModuleInfo, error) {
	res, err := c.call(ctx, OpList, "", nil)
	if err != nil {
		return nil, err
	}
	var infos []ModuleInfo
	if err := mapstructure.Decode(res, &infos); err != nil {
		return nil, errors.Wrap(err, "bad list response")
	}
	return infos, nil
}

// Close ends the session. Requests still waiting fail with connection-lost.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		err := c.stream.CloseSend()
		c.sendMu.Unlock()
		c.cancel()
		c.activeBackgroundWorkers.Wait()
		c.closeErr = multierr.Combine(err, c.conn.Close())
	})
	return c.closeErr
}

// A Handle is a session-scoped reference to a remote module. It implements module.Invoker.
type Handle struct {
	client *Client
	id     string
	name   string
}

// ID returns the opaque handle the gateway issued.
func (h *Handle) ID() string {
	return h.id
}

// Name returns the module name the handle was resolved from.
func (h *Handle) Name() string {
	return h.name
}

// Invoke forwards req through the handle.
func (h *Handle) Invoke(ctx context.Context, req module.Request) (interface{}, error) {
	return h.client.Invoke(ctx, h.id, req)
}

// Release drops the handle.
func (h *Handle) Release(ctx context.Context) error {
	return h.client.Release(ctx, h.id)
}
