// Package nethttp adapts the teacher SDK's plain net/http instrumentation
// (otelhttp wrapping + client-IP extraction + peer.service tagging) into a
// middleware that also recovers panics through the agent, for services that
// don't use gin/echo.
package nethttp

import (
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aivorynet/agent-go/agent"
)

// Middleware wraps an http.Handler, extracting request context for the
// agent and recovering any panic raised during handler execution.
func Middleware(a *agent.Agent, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestContext := map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote_addr": ExtractClientIP(r),
			"user_agent":  r.UserAgent(),
		}
		a.SetContext("request", requestContext)

		defer func() {
			if rec := recover(); rec != nil {
				a.Capture(r.Context(), toError(rec), map[string]any{"origin": "http_panic", "request": requestContext})
				panic(rec)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// Handler wraps next with OTel span instrumentation (otelhttp) and then with
// Middleware, so every request gets both a span and panic recovery.
func Handler(a *agent.Agent, next http.Handler, operation string) http.Handler {
	return otelhttp.NewHandler(Middleware(a, next), operation)
}

func toError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicError{value: r}
}

type panicError struct{ value any }

func (p *panicError) Error() string { return "panic recovered in http handler" }

// ExtractClientIP extracts the client IP address from an HTTP request,
// kept verbatim from the teacher's helper of the same name.
func ExtractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			clientIP := strings.TrimSpace(ips[0])
			if net.ParseIP(clientIP) != nil {
				return clientIP
			}
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		xri = strings.TrimSpace(xri)
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	if net.ParseIP(ip) != nil {
		return ip
	}

	return ""
}
