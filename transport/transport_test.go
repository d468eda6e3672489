package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aivorynet/agent-go/breakpoint"
	"github.com/aivorynet/agent-go/exception"
)

func newTestTransport() *Transport {
	return New("wss://example.invalid/agent", "test-key", "agent-1", "test", false)
}

func TestBackoffDelayDoublesUpToMax(t *testing.T) {
	assert.Equal(t, 1*time.Second, backoffDelay(1))
	assert.Equal(t, 2*time.Second, backoffDelay(2))
	assert.Equal(t, 4*time.Second, backoffDelay(3))
	assert.Equal(t, 8*time.Second, backoffDelay(4))
}

func TestBackoffDelayCapsAtSixtySeconds(t *testing.T) {
	d := backoffDelay(20)
	assert.Equal(t, 60*time.Second, d)
}

func TestInitialStateDisconnected(t *testing.T) {
	tr := newTestTransport()
	assert.Equal(t, StateDisconnected, tr.State())
}

func TestSendWhenNotAuthenticatedEnqueues(t *testing.T) {
	tr := newTestTransport()
	tr.SendException(exception.ExceptionCapture{ID: "e1", Message: "boom"})

	tr.mu.Lock()
	depth := len(tr.queue)
	tr.mu.Unlock()
	assert.Equal(t, 1, depth)
}

func TestSendExceptionCarriesTraceAndSpanIDs(t *testing.T) {
	tr := newTestTransport()
	tr.SendException(exception.ExceptionCapture{ID: "e1", Message: "boom", TraceID: "trace-abc", SpanID: "span-def"})

	tr.mu.Lock()
	require.Len(t, tr.queue, 1)
	raw := tr.queue[0]
	tr.mu.Unlock()

	var frame Frame
	require.NoError(t, json.Unmarshal(raw, &frame))
	payload, ok := frame.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "trace-abc", payload["trace_id"])
	assert.Equal(t, "span-def", payload["span_id"])
}

func TestSendBreakpointHitCarriesTraceAndSpanIDs(t *testing.T) {
	tr := newTestTransport()
	tr.SendBreakpointHit(breakpoint.Hit{BreakpointID: "bp1", TraceID: "trace-abc", SpanID: "span-def"})

	tr.mu.Lock()
	require.Len(t, tr.queue, 1)
	raw := tr.queue[0]
	tr.mu.Unlock()

	var frame Frame
	require.NoError(t, json.Unmarshal(raw, &frame))
	payload, ok := frame.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "trace-abc", payload["trace_id"])
	assert.Equal(t, "span-def", payload["span_id"])
}

func TestEnqueueDropsOldestOverCapacity(t *testing.T) {
	tr := newTestTransport()
	for i := 0; i < queueCapacity+10; i++ {
		tr.enqueue([]byte("frame"))
	}

	tr.mu.Lock()
	depth := len(tr.queue)
	tr.mu.Unlock()
	assert.Equal(t, queueCapacity, depth)
}

func TestFlushQueueWithNoConnReQueues(t *testing.T) {
	tr := newTestTransport()
	tr.enqueue([]byte("a"))
	tr.enqueue([]byte("b"))

	tr.flushQueue() // conn is nil, so frames go right back onto the queue

	tr.mu.Lock()
	depth := len(tr.queue)
	tr.mu.Unlock()
	assert.Equal(t, 2, depth)
}

func TestDispatchRegisteredTransitionsToAuthenticated(t *testing.T) {
	tr := newTestTransport()
	tr.setState(StateConnected)

	tr.dispatch(Frame{Type: "registered"})

	assert.Equal(t, StateAuthenticated, tr.State())
}

func TestDispatchAuthErrorDisablesReconnect(t *testing.T) {
	tr := newTestTransport()
	tr.setState(StateConnected)

	tr.dispatch(Frame{Type: "error", Payload: map[string]any{"code": "auth_error", "message": "bad key"}})

	assert.Equal(t, StateClosed, tr.State())
	tr.mu.Lock()
	disabled := tr.reconnectDisabled
	tr.mu.Unlock()
	assert.True(t, disabled)
}

func TestDispatchOtherErrorKeepsReconnectEnabled(t *testing.T) {
	tr := newTestTransport()
	tr.setState(StateConnected)

	tr.dispatch(Frame{Type: "error", Payload: map[string]any{"code": "rate_limited"}})

	tr.mu.Lock()
	disabled := tr.reconnectDisabled
	tr.mu.Unlock()
	assert.False(t, disabled)
}

func TestDispatchBreakpointCommandsInvokeCallback(t *testing.T) {
	tr := newTestTransport()

	var gotCommand string
	var gotPayload map[string]any
	tr.SetBreakpointCallback(func(command string, payload map[string]any) {
		gotCommand = command
		gotPayload = payload
	})

	tr.dispatch(Frame{Type: "set_breakpoint", Payload: map[string]any{"id": "bp1"}})

	require.Equal(t, "set", gotCommand)
	assert.Equal(t, "bp1", gotPayload["id"])

	tr.dispatch(Frame{Type: "remove_breakpoint", Payload: map[string]any{"id": "bp1"}})
	assert.Equal(t, "remove", gotCommand)
}

func TestDispatchUnknownTypeIgnored(t *testing.T) {
	tr := newTestTransport()
	tr.setState(StateConnected)

	assert.NotPanics(t, func() {
		tr.dispatch(Frame{Type: "something_new", Payload: map[string]any{}})
	})
	assert.Equal(t, StateConnected, tr.State())
}

func TestScheduleReconnectStopsAfterMaxAttempts(t *testing.T) {
	tr := newTestTransport()
	tr.mu.Lock()
	tr.reconnectAttempts = maxReconnectAttempts
	tr.mu.Unlock()

	ok := tr.scheduleReconnect(nil) //nolint:staticcheck // no I/O occurs on this path
	assert.False(t, ok)
	assert.Equal(t, StateDisconnected, tr.State())
}

func TestScheduleReconnectNoopWhenDisabled(t *testing.T) {
	tr := newTestTransport()
	tr.mu.Lock()
	tr.reconnectDisabled = true
	tr.mu.Unlock()

	ok := tr.scheduleReconnect(nil) //nolint:staticcheck // reconnectDisabled short-circuits before ctx use
	assert.False(t, ok)
}

func TestCloseIsIdempotent(t *testing.T) {
	tr := newTestTransport()
	assert.NotPanics(t, func() {
		_ = tr.Close()
		_ = tr.Close()
	})
	assert.Equal(t, StateClosed, tr.State())
}
