package logging

import (
	"context"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	"go.viam.com/utils"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

type debugKey struct{}

// DebugMetadataKey is the gateway stream metadata key carrying the debug key.
const DebugMetadataKey = "dtname"

// EnableDebugMode returns a context on which the C-prefixed logging methods log at every level.
// key tags the entries so one session's trace can be found in the logs; an empty key generates a
// random one.
func EnableDebugMode(ctx context.Context, key string) context.Context {
	if key == "" {
		key = utils.RandomAlphaString(6)
	}
	return context.WithValue(ctx, debugKey{}, key)
}

// DebugKey returns the key ctx was put in debug mode with.
func DebugKey(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(debugKey{}).(string)
	return key, ok && key != ""
}

// IsDebugMode reports whether ctx is in debug mode.
func IsDebugMode(ctx context.Context) bool {
	_, ok := DebugKey(ctx)
	return ok
}

// StreamClientInterceptor forwards the debug key of the dialing context to the gateway.
func StreamClientInterceptor(
	ctx context.Context,
	desc *grpc.StreamDesc,
	cc *grpc.ClientConn,
	method string,
	streamer grpc.Streamer,
	opts ...grpc.CallOption,
) (grpc.ClientStream, error) {
	if key, ok := DebugKey(ctx); ok {
		ctx = metadata.AppendToOutgoingContext(ctx, DebugMetadataKey, key)
	}
	return streamer(ctx, desc, cc, method, opts...)
}

// StreamServerInterceptor puts a session stream in debug mode when the client sent a debug key.
func StreamServerInterceptor(
	srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	meta, ok := metadata.FromIncomingContext(ss.Context())
	if !ok {
		return handler(srv, ss)
	}
	keys := meta.Get(DebugMetadataKey)
	if len(keys) != 1 {
		return handler(srv, ss)
	}
	wrapped := grpc_middleware.WrapServerStream(ss)
	wrapped.WrappedContext = EnableDebugMode(ss.Context(), keys[0])
	return handler(srv, wrapped)
}
