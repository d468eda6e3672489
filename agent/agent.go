// Package agent implements the agent coordinator (C7): the primary Agent
// type that boots the exception hook, breakpoint registry, and backend
// transport in dependency order, and tears them down in reverse.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/aivorynet/agent-go/breakpoint"
	"github.com/aivorynet/agent-go/capture"
	"github.com/aivorynet/agent-go/config"
	"github.com/aivorynet/agent-go/exception"
	"github.com/aivorynet/agent-go/metrics"
	"github.com/aivorynet/agent-go/obslog"
	"github.com/aivorynet/agent-go/tracing"
	"github.com/aivorynet/agent-go/transport"
)

// ErrAlreadyStarted is returned by Start when the agent is already running,
// making the double-start case observable rather than a silent no-op (see
// SPEC_FULL.md §9, "Singleton timing invariant, fixed").
var ErrAlreadyStarted = errors.New("agent: already started")

// ErrNotStarted reports that the agent has not been started. Stop and
// Capture do not return it: Stop before Start returns nil and Capture before
// Start does nothing.
var ErrNotStarted = errors.New("agent: not started")

// Agent is the primary API surface: construct with New, then Start/Stop.
type Agent struct {
	cfg *config.Config

	transport *transport.Transport
	hook      *exception.Hook
	registry  *breakpoint.Registry
	builder   *exception.Builder
	metrics   *metrics.Registry
	tracer    *tracing.Provider

	started atomic.Bool
	cancel  context.CancelFunc
}

// New constructs an Agent from the given options, wiring C2-C6 together.
// It returns a non-nil error for configuration problems (missing API key,
// unparseable tunables) without partially starting anything.
func New(opts config.Options) (*Agent, error) {
	cfg, err := config.New(opts)
	if err != nil {
		return nil, err
	}
	obslog.Configure(cfg.Debug)

	bounds := capture.Bounds{
		MaxDepth:          cfg.MaxCaptureDepth,
		MaxStringLength:   cfg.MaxStringLength,
		MaxCollectionSize: cfg.MaxCollectionSize,
	}

	var tracerProvider *tracing.Provider
	if cfg.EnableTracing {
		var err error
		tracerProvider, err = tracing.New(tracing.Config{
			ServiceName: cfg.TracingServiceName,
			Environment: cfg.Environment,
			APIKey:      cfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("agent: tracing: %w", err)
		}
	}

	tr := transport.New(cfg.BackendURL, cfg.APIKey, cfg.AgentID, cfg.Environment, cfg.Debug)
	builder := exception.NewBuilder(bounds)
	hook := exception.NewHook(builder, tr, cfg, cfg, tracerProvider, cfg.Debug)
	registry := breakpoint.NewRegistry(bounds, tr, tracerProvider, cfg.Debug)
	tr.SetBreakpointCallback(registry.HandleCommand)

	var metricsRegistry *metrics.Registry
	if cfg.EnableMetrics {
		metricsRegistry = metrics.New(cfg.MetricsEndpoint, cfg.APIKey, "aivory-agent")
		tr.SetMetrics(metricsRegistry)
	}

	return &Agent{
		cfg:       cfg,
		transport: tr,
		hook:      hook,
		registry:  registry,
		builder:   builder,
		metrics:   metricsRegistry,
		tracer:    tracerProvider,
	}, nil
}

// Start boots the transport worker, installs the exception hook, enables
// the checkpoint engine (if configured), and registers signal-driven
// cleanup. Start is idempotent: a second call returns ErrAlreadyStarted
// rather than silently no-op'ing.
func (a *Agent) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.transport.Start(runCtx)
	exception.InstallGlobalRecover(a.hook)
	if a.cfg.EnableBreakpoints {
		a.registry.Enable()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-sigCh:
			_ = a.Stop()
		case <-runCtx.Done():
		}
	}()

	if a.cfg.Debug {
		obslog.Debug("agent started", obslog.String("agent_id", a.cfg.AgentID))
	}
	return nil
}

// Stop disables the checkpoint engine, uninstalls the exception hook, and
// closes the transport, in reverse order of Start. Stop is idempotent.
func (a *Agent) Stop() error {
	if !a.started.CompareAndSwap(true, false) {
		return nil
	}

	a.registry.Disable()
	exception.UninstallGlobalRecover()
	if a.metrics != nil {
		a.metrics.Shutdown()
	}
	if a.tracer != nil {
		_ = a.tracer.Shutdown(context.Background())
	}
	if a.cancel != nil {
		a.cancel()
	}
	err := a.transport.Close()

	if a.cfg.Debug {
		obslog.Debug("agent stopped")
	}
	return err
}

// Capture manually reports err with the given context overrides, sharing
// the sampling/build/transmit path used by panics. ctx carries the ambient
// span (if any) the report is annotated onto when tracing is enabled.
func (a *Agent) Capture(ctx context.Context, err error, contextOverrides map[string]any) {
	if !a.started.Load() {
		return
	}
	a.hook.Capture(ctx, err, contextOverrides)
}

// Recover must be deferred at a goroutine root to catch panics:
// `defer agentInstance.Recover(ctx)`. It reports the panic then re-panics.
func (a *Agent) Recover(ctx context.Context) {
	a.hook.Recover(ctx)
}

// Checkpoint is the explicit breakpoint checkpoint call placed at
// instrumented source lines, carrying the variables that should be visible
// to a live breakpoint condition and snapshot. ctx carries the ambient span
// (if any) a hit is annotated onto when tracing is enabled.
func (a *Agent) Checkpoint(ctx context.Context, vars map[string]any) {
	a.registry.Checkpoint(ctx, vars)
}

// SetContext merges a key/value pair into the global custom context
// attached to every subsequent capture.
func (a *Agent) SetContext(key string, value any) {
	a.cfg.SetContext(key, value)
}

// SetUser replaces the user-identity map attached to every subsequent
// capture's context.
func (a *Agent) SetUser(user map[string]any) {
	a.cfg.SetUser(user)
}

// IsStarted reports whether Start has succeeded and Stop has not yet run.
func (a *Agent) IsStarted() bool {
	return a.started.Load()
}

// Config exposes the resolved configuration, primarily for integrations
// that need capture bounds or the agent ID.
func (a *Agent) Config() *config.Config {
	return a.cfg
}
