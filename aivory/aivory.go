// Package aivory is the top-level global-singleton façade, a thin wrapper
// over agent.Agent for callers who want free-function entry points instead
// of threading an *Agent reference through their program. Per SPEC_FULL.md
// §9, double-init is observable (returns ErrAlreadyInitialized) rather than
// silently no-op'ing, fixing the flagged defect in the original façade.
package aivory

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/aivorynet/agent-go/agent"
	"github.com/aivorynet/agent-go/config"
)

// ErrAlreadyInitialized is returned by Init when the singleton is already
// active.
var ErrAlreadyInitialized = errors.New("aivory: already initialized")

// ErrNotInitialized is returned by operations attempted before Init.
var ErrNotInitialized = errors.New("aivory: not initialized")

var globalAgent atomic.Pointer[agent.Agent]

// Init constructs and starts the process-wide agent singleton. A second
// call before Shutdown returns ErrAlreadyInitialized.
func Init(ctx context.Context, opts config.Options) error {
	if globalAgent.Load() != nil {
		return ErrAlreadyInitialized
	}
	a, err := agent.New(opts)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	if !globalAgent.CompareAndSwap(nil, a) {
		_ = a.Stop()
		return ErrAlreadyInitialized
	}
	return nil
}

// Shutdown stops and clears the singleton. A no-op if not initialized.
func Shutdown() error {
	a := globalAgent.Load()
	if a == nil {
		return nil
	}
	if !globalAgent.CompareAndSwap(a, nil) {
		return nil
	}
	return a.Stop()
}

// IsInitialized reports whether Init has succeeded and Shutdown has not yet
// run.
func IsInitialized() bool {
	return globalAgent.Load() != nil
}

// CaptureException reports err through the singleton agent.
func CaptureException(ctx context.Context, err error, contextOverrides map[string]any) error {
	a := globalAgent.Load()
	if a == nil {
		return ErrNotInitialized
	}
	a.Capture(ctx, err, contextOverrides)
	return nil
}

// SetContext merges a key/value pair into the singleton's global context.
func SetContext(key string, value any) error {
	a := globalAgent.Load()
	if a == nil {
		return ErrNotInitialized
	}
	a.SetContext(key, value)
	return nil
}

// SetUser replaces the singleton's user-identity map.
func SetUser(user map[string]any) error {
	a := globalAgent.Load()
	if a == nil {
		return ErrNotInitialized
	}
	a.SetUser(user)
	return nil
}

// Checkpoint forwards to the singleton agent's breakpoint checkpoint.
func Checkpoint(ctx context.Context, vars map[string]any) error {
	a := globalAgent.Load()
	if a == nil {
		return ErrNotInitialized
	}
	a.Checkpoint(ctx, vars)
	return nil
}
