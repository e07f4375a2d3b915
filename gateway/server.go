// Package gateway serves a kernel's remote-accessible modules over gRPC and provides the client
// and the remote module proxy that talk to it.
//
// A client opens one bidirectional Session stream per session. Every message in either direction
// is a google.protobuf.Struct: requests carry {id, session_id, op, target, payload} and responses
// {id, status, result | error}. Responses may arrive out of order; ids pair them up.
package gateway

import (
	"context"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	goutils "go.viam.com/utils"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"go.labforge.io/labkernel/logging"
	"go.labforge.io/labkernel/module"
	"go.labforge.io/labkernel/operation"
	"go.labforge.io/labkernel/utils"
)

// SessionIDHeader is the response header metadata key carrying the session id.
const SessionIDHeader = "session-id"

const (
	serviceName      = "labkernel.gateway.v1.GatewayService"
	sessionMethod    = "/" + serviceName + "/Session"
	keepaliveTime    = 30 * time.Second
	keepaliveTimeout = 10 * time.Second
)

var (
	errSessionIdle   = errors.New("session idle timeout")
	errSessionClosed = errors.New("session closed")
)

type sessionServer interface {
	serveSession(stream grpc.ServerStream) error
}

func sessionHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(sessionServer).serveSession(stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*sessionServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "labkernel/gateway/v1/gateway.proto",
}

// Backend is the view of the module registry the gateway serves. *kernel.Kernel implements it.
type Backend interface {
	module.Resolver
	RemoteAccessible(name string) (bool, error)
	RemoteModules() []string
}

// ModuleInfo is one entry of a list response.
type ModuleInfo struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Server is the remote access gateway.
type Server struct {
	backend Backend
	logger  logging.Logger
	opts    options

	grpcServer *grpc.Server
	tracker    *operation.Tracker
	workers    utils.StoppableWorkers

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// NewServer returns a gateway serving backend. Call Serve to accept connections.
func NewServer(backend Backend, logger logging.Logger, opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt.apply(&o)
	}
	s := &Server{
		backend:  backend,
		logger:   logger,
		opts:     o,
		tracker:  operation.NewTracker(),
		sessions: map[uuid.UUID]*Session{},
	}

	streams := []grpc.StreamServerInterceptor{
		grpc_recovery.StreamServerInterceptor(grpc_recovery.WithRecoveryHandlerContext(s.recoverPanic)),
		grpc_zap.StreamServerInterceptor(logger.Desugar()),
		logging.StreamServerInterceptor,
	}
	s.grpcServer = grpc.NewServer(
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(streams...)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    keepaliveTime,
			Timeout: keepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             keepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WaitForHandlers(true),
	)
	s.grpcServer.RegisterService(&serviceDesc, s)
	ticker := o.clock.Ticker(o.interval())
	s.workers = utils.NewStoppableWorkers(func(ctx context.Context) {
		defer ticker.Stop()
		s.reap(ctx, ticker)
	})
	return s
}

// Serve accepts connections on lis until Close is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Infow("gateway listening", "address", lis.Addr().String())
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Close ends every session and stops accepting connections, then waits for in-flight
// invocations to finish or ctx to be done. Modules are never touched.
func (s *Server) Close(ctx context.Context) error {
	s.grpcServer.Stop()
	s.workers.Stop()
	return s.tracker.Wait(ctx)
}

// Sessions returns the open sessions.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID().String() < out[j].ID().String()
	})
	return out
}

// Operations returns the invocations in flight, including those whose session is gone.
func (s *Server) Operations() []operation.Operation {
	return s.tracker.Current()
}

func (s *Server) recoverPanic(ctx context.Context, p interface{}) error {
	s.logger.CErrorw(ctx, "panic in gateway session", "panic", p)
	return status.Errorf(codes.Internal, "%v", p)
}

func (s *Server) reap(ctx context.Context, ticker *clock.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := s.opts.clock.Now()
		// a session waiting on a module is not idle, however long the call takes
		busy := map[string]struct{}{}
		for _, op := range s.tracker.Current() {
			busy[op.Session] = struct{}{}
		}
		for _, sess := range s.Sessions() {
			if _, ok := busy[sess.ID().String()]; ok {
				continue
			}
			if sess.Idle(now, s.opts.idleTimeout) {
				s.logger.Infow("reaping idle session", "session", sess.ID().String(), "last_seen", sess.LastSeen())
				sess.cancel(errSessionIdle)
			}
		}
	}
}

// sessionStream serializes sends on a stream and refuses them once the session is over.
type sessionStream struct {
	mu     sync.Mutex
	stream grpc.ServerStream
	closed bool
}

func (ss *sessionStream) send(msg *structpb.Struct) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return errSessionClosed
	}
	return ss.stream.SendMsg(msg)
}

func (ss *sessionStream) close() {
	ss.mu.Lock()
	ss.closed = true
	ss.mu.Unlock()
}

func (s *Server) serveSession(stream grpc.ServerStream) error {
	ctx, cancel := context.WithCancelCause(stream.Context())
	defer cancel(nil)

	sess := newSession(s.opts.clock.Now(), cancel)
	logger := s.logger.WithFields("session", sess.ID().String())
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	out := &sessionStream{stream: stream}
	defer func() {
		out.close()
		sess.clear()
		s.mu.Lock()
		delete(s.sessions, sess.ID())
		s.mu.Unlock()
		logger.CInfow(ctx, "session closed", "reason", context.Cause(ctx))
	}()

	if err := stream.SendHeader(metadata.Pairs(SessionIDHeader, sess.ID().String())); err != nil {
		return err
	}
	logger.CInfow(ctx, "session opened")

	msgs := make(chan *structpb.Struct)
	recvErr := make(chan error, 1)
	goutils.PanicCapturingGo(func() {
		for {
			msg := &structpb.Struct{}
			if err := stream.RecvMsg(msg); err != nil {
				recvErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	})

	for {
		select {
		case <-ctx.Done():
			if cause := context.Cause(ctx); errors.Is(cause, errSessionIdle) {
				return status.Error(codes.DeadlineExceeded, cause.Error())
			}
			return ctx.Err()
		case err := <-recvErr:
			if errors.Is(err, io.EOF) {
				cancel(errSessionClosed)
				return nil
			}
			cancel(err)
			return err
		case msg := <-msgs:
			sess.Touch(s.opts.clock.Now())
			s.handle(ctx, sess, out, msg)
		}
	}
}

func (s *Server) handle(ctx context.Context, sess *Session, out *sessionStream, msg *structpb.Struct) {
	req, err := decodeRequest(msg)
	if err != nil {
		s.reply(ctx, out, response{ID: req.ID, Err: newRemoteError(KindInvalidRequest, "%s", err.Error())})
		return
	}
	if req.SessionID != "" && req.SessionID != sess.ID().String() {
		s.reply(ctx, out, response{ID: req.ID, Err: newRemoteError(KindInvalidRequest, "request for session %q", req.SessionID)})
		return
	}

	switch req.Op {
	case OpResolve:
		s.reply(ctx, out, s.resolve(sess, req))
	case OpInvoke:
		s.invoke(ctx, sess, out, req)
	case OpRelease:
		if !sess.release(req.Target) {
			s.reply(ctx, out, response{ID: req.ID, Err: newRemoteError(KindUnknownHandle, "no handle %q", req.Target)})
			return
		}
		s.reply(ctx, out, response{ID: req.ID})
	case OpPing:
		s.reply(ctx, out, response{ID: req.ID, Result: map[string]interface{}{
			fieldSessionID: sess.ID().String(),
		}})
	case OpList:
		s.reply(ctx, out, response{ID: req.ID, Result: s.list()})
	}
}

func (s *Server) resolve(sess *Session, req request) response {
	name := req.Target
	allowed, err := s.backend.RemoteAccessible(name)
	if err != nil {
		return response{ID: req.ID, Err: newRemoteError(KindUnknownModule, "no module %q", name)}
	}
	if state, err := s.backend.State(name); err != nil || state == module.StateUnloaded {
		return response{ID: req.ID, Err: newRemoteError(KindUnknownModule, "module %q is not loaded", name)}
	}
	if !allowed {
		return response{ID: req.ID, Err: newRemoteError(KindNotRemoteAccessible, "module %q is not remote accessible", name)}
	}
	return response{ID: req.ID, Result: sess.resolve(name)}
}

func (s *Server) list() []ModuleInfo {
	names := s.backend.RemoteModules()
	out := make([]ModuleInfo, 0, len(names))
	for _, name := range names {
		state, err := s.backend.State(name)
		if err != nil {
			continue
		}
		out = append(out, ModuleInfo{Name: name, State: state.String()})
	}
	return out
}

// invoke runs the request on its own goroutine, detached from the session. When the session is
// gone by the time the module answers, the result is dropped.
func (s *Server) invoke(ctx context.Context, sess *Session, out *sessionStream, req request) {
	name, ok := sess.lookup(req.Target)
	if !ok {
		s.reply(ctx, out, response{ID: req.ID, Err: newRemoteError(KindUnknownHandle, "no handle %q", req.Target)})
		return
	}
	modReq, err := invokeRequest(req.Payload)
	if err != nil {
		s.reply(ctx, out, response{ID: req.ID, Err: newRemoteError(KindInvalidRequest, "%s", err.Error())})
		return
	}

	opCtx, done := s.tracker.Create(context.WithoutCancel(ctx), sess.ID().String(), name, modReq.Name)
	goutils.PanicCapturingGo(func() {
		defer done()
		opCtx, span := trace.StartSpan(opCtx, "gateway::Invoke")
		defer span.End()

		res, err := s.backend.Invoke(opCtx, name, modReq)
		resp := response{ID: req.ID, Result: res}
		switch {
		case err == nil:
		case module.IsModuleNotFoundError(err):
			resp.Err = newRemoteError(KindUnknownModule, "%s", err.Error())
		default:
			resp.Err = targetFault(err)
		}
		sess.Touch(s.opts.clock.Now())
		s.reply(opCtx, out, resp)
	})
}

func (s *Server) reply(ctx context.Context, out *sessionStream, resp response) {
	msg, err := encodeResponse(resp)
	if err != nil {
		msg, err = encodeResponse(response{ID: resp.ID, Err: targetFault(err)})
		if err != nil {
			s.logger.CErrorw(ctx, "cannot encode response", "id", resp.ID, "error", err)
			return
		}
	}
	if err := out.send(msg); err != nil {
		s.logger.CDebugw(ctx, "discarding response", "id", resp.ID, "error", err)
	}
}
