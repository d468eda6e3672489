package exception

import (
	"context"
	"sync/atomic"

	"github.com/aivorynet/agent-go/obslog"
	"github.com/aivorynet/agent-go/tracing"
)

// Sink receives a finished ExceptionCapture for transport, implemented by
// transport.Transport.SendException in production and a recording fake in tests.
type Sink interface {
	SendException(ExceptionCapture)
}

// Sampler decides whether a given capture attempt should be reported,
// implemented by config.Config.ShouldSample.
type Sampler interface {
	ShouldSample() bool
}

// ContextSource supplies the context maps merged into every capture.
type ContextSource interface {
	CustomContext() map[string]any
	User() map[string]any
}

// Hook is the C4 exception hook: it builds captures from panics/reported
// errors and hands them to a Sink, gated by a Sampler and enriched from a
// ContextSource. When a tracer is attached, every capture is also annotated
// onto the ambient trace active in the reporting ctx, if any.
type Hook struct {
	builder *Builder
	sink    Sink
	sampler Sampler
	ctxSrc  ContextSource
	tracer  *tracing.Provider
	debug   bool
}

// NewHook constructs a Hook bound to its collaborators. tracer may be nil,
// in which case captures are never trace-annotated.
func NewHook(builder *Builder, sink Sink, sampler Sampler, ctxSrc ContextSource, tracer *tracing.Provider, debug bool) *Hook {
	return &Hook{builder: builder, sink: sink, sampler: sampler, ctxSrc: ctxSrc, tracer: tracer, debug: debug}
}

// Capture is the direct entry point for application-reported errors (§4.3,
// steps a-d, shared with Recover). ctx carries the ambient span (if any) the
// capture is annotated onto.
func (h *Hook) Capture(ctx context.Context, err error, contextOverrides map[string]any) {
	h.report(ctx, err, "capture", contextOverrides, nil)
}

// Recover must be deferred at a goroutine root: `defer agentInstance.Recover(ctx)`.
// On a panic in scope it reports the failure with context.origin="uncaught"
// and then re-panics with the original value, chain-calling any outer
// recover the way the source always chain-calls its saved previous hook.
func (h *Hook) Recover(ctx context.Context) {
	r := recover()
	if r == nil {
		return
	}
	err := toError(r)
	h.report(ctx, err, "uncaught", nil, CaptureStack(2))
	panic(r)
}

// RecoverUnraisable is the auxiliary path for failures discovered outside
// normal control flow (e.g. a finalizer), mirroring sys.unraisablehook.
func (h *Hook) RecoverUnraisable(ctx context.Context, err error, objectRepr string) {
	h.report(ctx, err, "unraisable", map[string]any{"object": objectRepr}, CaptureStack(2))
}

func (h *Hook) report(ctx context.Context, err error, origin string, extraContext map[string]any, frames []StackFrame) {
	defer func() {
		if r := recover(); r != nil {
			if h.debug {
				obslog.Debug("exception hook: internal failure", obslog.Any("panic", r))
			}
		}
	}()

	if !h.sampler.ShouldSample() {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if frames == nil {
		frames = CaptureStack(2)
	}

	overrides := map[string]any{"origin": origin}
	for k, v := range extraContext {
		overrides[k] = v
	}

	traceID, spanID := tracing.TraceIDFromContext(ctx)

	capture := h.builder.Build(
		excTypeOf(err),
		err.Error(),
		frames,
		locals(err),
		h.ctxSrc.CustomContext(),
		overrides,
		h.ctxSrc.User(),
		traceID,
		spanID,
	)
	h.sink.SendException(capture)

	if h.tracer != nil {
		h.tracer.RecordExceptionCapture(ctx, capture.ExceptionType, capture.Fingerprint)
	}
}

func excTypeOf(err error) string {
	if err == nil {
		return "error"
	}
	return typeOf(err)
}

func locals(err error) map[string]any {
	return map[string]any{"error": err}
}

// --- global recover slot -----------------------------------------------

var globalHook atomic.Pointer[Hook]

// InstallGlobalRecover stores h in the package-level slot if none is
// installed yet; double-install is idempotent (a second call is a no-op),
// matching the install/uninstall idempotence invariant.
func InstallGlobalRecover(h *Hook) {
	globalHook.CompareAndSwap(nil, h)
}

// UninstallGlobalRecover clears the package-level slot; uninstall after
// uninstall is a no-op.
func UninstallGlobalRecover() {
	globalHook.Store(nil)
}

// GlobalRecover is the package-level deferred recover helper for code that
// cannot thread an *Agent/*Hook reference (or a ctx) to every goroutine root;
// it reports without trace annotation since no ctx is available here.
func GlobalRecover() {
	h := globalHook.Load()
	if h == nil {
		return
	}
	h.Recover(context.Background())
}
