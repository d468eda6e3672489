// Package echo adapts the teacher SDK's Echo middleware to wire agent panic
// recovery and request-context extraction around handler execution.
package echo

import (
	echolib "github.com/labstack/echo/v4"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/aivorynet/agent-go/agent"
)

// Middleware returns an Echo middleware that recovers panics through a,
// reporting them with request context attached.
func Middleware(a *agent.Agent) echolib.MiddlewareFunc {
	return func(next echolib.HandlerFunc) echolib.HandlerFunc {
		return func(c echolib.Context) error {
			req := c.Request()
			requestContext := map[string]any{
				"method":     req.Method,
				"path":       req.URL.Path,
				"remote_addr": c.RealIP(),
				"user_agent": req.UserAgent(),
			}
			a.SetContext("request", requestContext)

			defer func() {
				if r := recover(); r != nil {
					err := toError(r)
					a.Capture(req.Context(), err, map[string]any{"origin": "echo_panic", "request": requestContext})
					panic(r)
				}
			}()

			return next(c)
		}
	}
}

func toError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicError{value: r}
}

type panicError struct{ value any }

func (p *panicError) Error() string { return "panic recovered in echo handler" }

// Middlewares returns the OTel span instrumentation middleware (otelecho)
// followed by Middleware, mirroring the gin integration's pairing.
func Middlewares(a *agent.Agent, serviceName string) []echolib.MiddlewareFunc {
	return []echolib.MiddlewareFunc{otelecho.Middleware(serviceName), Middleware(a)}
}
