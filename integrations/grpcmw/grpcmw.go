// Package grpcmw adapts the teacher SDK's gRPC interceptor wiring into a
// unary server interceptor that recovers panics through the agent.
package grpcmw

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/aivorynet/agent-go/agent"
)

// UnaryServerInterceptor returns a grpc.UnaryServerInterceptor that recovers
// panics in handler execution and reports them through a. It does not
// re-panic: the recovered panic is returned as the handler's error rather
// than crashing the server, since gRPC handlers do not get the benefit of an
// outer recover the way an HTTP middleware chain does.
func UnaryServerInterceptor(a *agent.Agent) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				capturedErr := toError(r)
				a.Capture(ctx, capturedErr, map[string]any{"origin": "grpc_panic", "method": info.FullMethod})
				err = capturedErr
			}
		}()
		return handler(ctx, req)
	}
}

func toError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicError{value: r}
}

type panicError struct{ value any }

func (p *panicError) Error() string { return "panic recovered in grpc handler" }

// ServerOptions returns the grpc.ServerOption pair a service normally
// installs together: OTel span instrumentation (otelgrpc) as the stats
// handler, and UnaryServerInterceptor for agent panic recovery.
func ServerOptions(a *agent.Agent) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor(a)),
	}
}
