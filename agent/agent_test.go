package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aivorynet/agent-go/config"
)

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	a, err := New(config.Options{
		APIKey:     "test-key",
		BackendURL: "wss://127.0.0.1:1/agent", // unreachable, never dials successfully
	})
	require.NoError(t, err)
	return a
}

func TestNewRequiresValidConfig(t *testing.T) {
	_, err := New(config.Options{})
	require.Error(t, err)
}

func TestStartStopLifecycle(t *testing.T) {
	a := newTestAgent(t)
	assert.False(t, a.IsStarted())

	err := a.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, a.IsStarted())

	err = a.Stop()
	require.NoError(t, err)
	assert.False(t, a.IsStarted())
}

func TestDoubleStartReturnsErrAlreadyStarted(t *testing.T) {
	a := newTestAgent(t)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	err := a.Start(context.Background())
	assert.True(t, errors.Is(err, ErrAlreadyStarted))
}

func TestStopIsIdempotent(t *testing.T) {
	a := newTestAgent(t)
	require.NoError(t, a.Start(context.Background()))

	assert.NoError(t, a.Stop())
	assert.NoError(t, a.Stop())
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	a := newTestAgent(t)
	assert.NoError(t, a.Stop())
}

func TestCaptureIsNoopBeforeStart(t *testing.T) {
	a := newTestAgent(t)
	assert.NotPanics(t, func() {
		a.Capture(context.Background(), errors.New("boom"), nil)
	})
}

func TestCaptureDelegatesToHookWhenStarted(t *testing.T) {
	a := newTestAgent(t)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	assert.NotPanics(t, func() {
		a.Capture(context.Background(), errors.New("boom"), map[string]any{"k": "v"})
	})
}

func TestCheckpointIsSafeBeforeStart(t *testing.T) {
	a := newTestAgent(t)
	assert.NotPanics(t, func() {
		a.Checkpoint(context.Background(), map[string]any{"x": 1})
	})
}

func TestNewWithTracingEnabledConstructsTracer(t *testing.T) {
	enable := true
	a, err := New(config.Options{
		APIKey:        "test-key",
		BackendURL:    "wss://127.0.0.1:1/agent",
		EnableTracing: &enable,
	})
	require.NoError(t, err)
	require.NotNil(t, a.tracer)

	require.NoError(t, a.Start(context.Background()))
	assert.NotPanics(t, func() {
		a.Checkpoint(context.Background(), map[string]any{"x": 1})
	})
	assert.NoError(t, a.Stop())
}

func TestSetContextAndUserDelegateToConfig(t *testing.T) {
	a := newTestAgent(t)
	a.SetContext("tenant", "acme")
	assert.Equal(t, "acme", a.Config().CustomContext()["tenant"])

	a.SetUser(map[string]any{"id": "u1"})
	assert.Equal(t, "u1", a.Config().User()["id"])
}
