// Package gin adapts the teacher SDK's Gin middleware: request-context
// extraction is kept, but it now feeds the agent's panic recovery and
// per-request context instead of only annotating OTel spans.
package gin

import (
	ginlib "github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/aivorynet/agent-go/agent"
)

type contextKey string

const requestContextKey contextKey = "aivory.request_context"

// Middleware returns a Gin middleware that recovers panics through a,
// reports them with request context attached, and extracts the inbound
// request's context for later Checkpoint/Capture calls.
func Middleware(a *agent.Agent) ginlib.HandlerFunc {
	return func(c *ginlib.Context) {
		requestContext := extractRequestContext(c)
		c.Set(string(requestContextKey), requestContext)
		a.SetContext("request", requestContext)

		defer func() {
			if r := recover(); r != nil {
				a.Capture(c.Request.Context(), asError(r), map[string]any{"origin": "gin_panic", "request": requestContext})
				panic(r)
			}
		}()

		c.Next()
	}
}

// Middlewares returns the OTel span instrumentation middleware (otelgin)
// followed by Middleware, the pairing a service normally installs together:
// every request gets a span, and every panic inside it gets captured with
// the request context that produced it.
func Middlewares(a *agent.Agent, serviceName string) []ginlib.HandlerFunc {
	return []ginlib.HandlerFunc{otelgin.Middleware(serviceName), Middleware(a)}
}

func asError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicError{value: r}
}

type panicError struct{ value any }

func (p *panicError) Error() string { return "panic recovered in gin handler" }

// extractRequestContext extracts HTTP request details from the Gin context,
// kept verbatim in spirit from the teacher's extractGinRequestContext,
// redacting sensitive headers the same way.
func extractRequestContext(c *ginlib.Context) map[string]any {
	ctx := make(map[string]any)
	ctx["method"] = c.Request.Method
	ctx["path"] = c.Request.URL.Path
	ctx["remote_addr"] = c.ClientIP()
	ctx["user_agent"] = c.Request.UserAgent()

	if len(c.Request.URL.RawQuery) > 0 {
		params := make(map[string]string)
		for key, values := range c.Request.URL.Query() {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}
		ctx["query_params"] = params
	}

	headers := make(map[string]string)
	for key, values := range c.Request.Header {
		if key == "Authorization" || key == "Cookie" || key == "X-Api-Key" {
			headers[key] = "[REDACTED]"
			continue
		}
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}
	ctx["headers"] = headers

	return ctx
}

// RequestContext retrieves the request context stored by Middleware.
func RequestContext(c *ginlib.Context) map[string]any {
	if ctx, exists := c.Get(string(requestContextKey)); exists {
		if requestCtx, ok := ctx.(map[string]any); ok {
			return requestCtx
		}
	}
	return nil
}
