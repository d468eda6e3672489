// Package transport implements the backend transport (C6): a persistent
// bidirectional WebSocket channel with registration/authentication handshake,
// exponential-backoff reconnection, a bounded offline queue, heartbeats, and
// inbound command dispatch. Grounded on the state-machine shape of
// BaSui01-agentflow's WebSocketTransport, with wire semantics (register
// frame, queue drain, backoff formula, auth-error permanent-disable) taken
// from the original connection.py.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/aivorynet/agent-go/breakpoint"
	"github.com/aivorynet/agent-go/exception"
	"github.com/aivorynet/agent-go/metrics"
	"github.com/aivorynet/agent-go/obslog"
)

// State is one of the five connection states of §4.5.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateAuthenticated State = "authenticated"
	StateClosed        State = "closed"
)

const (
	queueCapacity        = 100
	maxReconnectAttempts = 10
	heartbeatInterval    = 30 * time.Second
	receiveTimeout       = 1 * time.Second
	reconnectBaseDelay   = 1 * time.Second
	reconnectMaxDelay    = 60 * time.Second
)

// Frame is the wire envelope: { type, payload, timestamp }.
type Frame struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// BreakpointCallback receives set_breakpoint/remove_breakpoint commands
// demultiplexed from inbound frames.
type BreakpointCallback func(command string, payload map[string]any)

// Transport is the C6 backend transport: one connect/receive worker
// goroutine plus, per successful connect, one heartbeat goroutine.
type Transport struct {
	url         string
	apiKey      string
	agentID     string
	environment string
	debug       bool

	mu                sync.Mutex
	state             State
	conn              *websocket.Conn
	reconnectAttempts int
	reconnectDisabled bool
	queue             [][]byte
	done              chan struct{}
	closeOnce         sync.Once
	heartbeatDone     chan struct{}

	breakpointCb BreakpointCallback
	metrics      *metrics.Registry
}

// SetMetrics attaches an optional metrics registry. When set, the transport
// reports reconnect attempts and offline queue depth alongside the
// exceptions/breakpoint hits it already carries over the wire.
func (t *Transport) SetMetrics(r *metrics.Registry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = r
}

func (t *Transport) reconnectCounter() metrics.Counter {
	t.mu.Lock()
	r := t.metrics
	t.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Counter("aivory.transport.reconnects", nil)
}

func (t *Transport) queueDepthGauge() metrics.Gauge {
	t.mu.Lock()
	r := t.metrics
	t.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Gauge("aivory.transport.queue_depth", nil)
}

// New constructs a Transport in the Disconnected state.
func New(url, apiKey, agentID, environment string, debug bool) *Transport {
	return &Transport{
		url:         url,
		apiKey:      apiKey,
		agentID:     agentID,
		environment: environment,
		debug:       debug,
		state:       StateDisconnected,
		done:        make(chan struct{}),
	}
}

// SetBreakpointCallback registers the callback invoked for set_breakpoint /
// remove_breakpoint inbound commands. Typically breakpoint.Registry.HandleCommand.
func (t *Transport) SetBreakpointCallback(cb BreakpointCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.breakpointCb = cb
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// State returns the transport's current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start launches the connect/receive worker goroutine. It returns
// immediately; connection happens asynchronously.
func (t *Transport) Start(ctx context.Context) {
	go t.run(ctx)
}

// Close shuts down the transport: both workers exit within one
// receive-timeout window, and the connection is closed.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		close(t.done)
		conn := t.conn
		t.mu.Unlock()
		t.setState(StateClosed)
		if conn != nil {
			err = conn.Close(websocket.StatusNormalClosure, "closing")
		}
	})
	return err
}

func (t *Transport) run(ctx context.Context) {
	t.setState(StateConnecting)
	for {
		select {
		case <-t.done:
			return
		default:
		}

		conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
			HTTPHeader: authHeader(t.apiKey),
		})
		if err != nil {
			obslog.Warn("transport: dial failed", obslog.Err(err))
			if !t.scheduleReconnect(ctx) {
				return
			}
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.reconnectAttempts = 0
		t.mu.Unlock()
		t.setState(StateConnected)

		t.sendRegister(ctx)

		hbDone := make(chan struct{})
		t.mu.Lock()
		t.heartbeatDone = hbDone
		t.mu.Unlock()
		go t.heartbeatLoop(ctx, hbDone)

		t.receiveLoop(ctx)

		close(hbDone)

		select {
		case <-t.done:
			return
		default:
		}

		t.mu.Lock()
		disabled := t.reconnectDisabled
		t.mu.Unlock()
		if disabled {
			return
		}
		if !t.scheduleReconnect(ctx) {
			return
		}
	}
}

func authHeader(apiKey string) map[string][]string {
	return map[string][]string{"Authorization": {"Bearer " + apiKey}}
}

func (t *Transport) scheduleReconnect(ctx context.Context) bool {
	t.mu.Lock()
	if t.reconnectDisabled {
		t.mu.Unlock()
		return false
	}
	t.reconnectAttempts++
	attempt := t.reconnectAttempts
	t.mu.Unlock()

	if c := t.reconnectCounter(); c != nil {
		c.Inc()
	}

	if attempt > maxReconnectAttempts {
		obslog.Warn("transport: max reconnect attempts reached, giving up")
		t.setState(StateDisconnected)
		return false
	}

	delay := backoffDelay(attempt)
	t.setState(StateDisconnected)
	select {
	case <-time.After(delay):
		return true
	case <-t.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// backoffDelay implements min(1s * 2^(i-1), 60s) for attempt i, expressed
// via cenkalti/backoff/v4's exponential strategy configured to those exact
// bounds (invariant 10, §8).
func backoffDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectBaseDelay
	b.Multiplier = 2
	b.MaxInterval = reconnectMaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > reconnectMaxDelay {
		d = reconnectMaxDelay
	}
	return d
}

func (t *Transport) heartbeatLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.State() != StateAuthenticated {
				continue
			}
			t.send("heartbeat", map[string]any{
				"agent_id":  t.agentID,
				"timestamp": time.Now().UnixMilli(),
			})
		}
	}
}

func (t *Transport) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-t.done:
			return
		default:
		}

		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		readCtx, cancel := context.WithTimeout(ctx, receiveTimeout)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			obslog.Warn("transport: receive failed", obslog.Err(err))
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			obslog.Warn("transport: malformed frame", obslog.Err(err))
			continue
		}
		t.dispatch(frame)
	}
}

func (t *Transport) dispatch(frame Frame) {
	payload, _ := frame.Payload.(map[string]any)
	switch frame.Type {
	case "registered":
		t.setState(StateAuthenticated)
		t.flushQueue()
	case "error":
		code, _ := payload["code"].(string)
		message, _ := payload["message"].(string)
		obslog.Warn("transport: backend error", obslog.String("code", code), obslog.String("message", message))
		if code == "auth_error" || code == "invalid_api_key" {
			t.mu.Lock()
			t.reconnectDisabled = true
			t.mu.Unlock()
			t.setState(StateClosed)
		}
	case "set_breakpoint":
		t.dispatchBreakpointCommand("set", payload)
	case "remove_breakpoint":
		t.dispatchBreakpointCommand("remove", payload)
	default:
		// unknown types ignored for forward-compatibility
	}
}

func (t *Transport) dispatchBreakpointCommand(command string, payload map[string]any) {
	t.mu.Lock()
	cb := t.breakpointCb
	t.mu.Unlock()
	if cb == nil {
		return
	}
	cb(command, payload)
}

func (t *Transport) sendRegister(ctx context.Context) {
	payload := map[string]any{
		"api_key":         t.apiKey,
		"agent_id":        t.agentID,
		"hostname":        hostname(),
		"environment":     t.environment,
		"agent_version":   "1.0.0",
		"runtime":         "go",
		"runtime_version": runtime.Version(),
		"platform":        runtime.GOOS,
		"arch":            runtime.GOARCH,
		"implementation":  "gc",
	}
	data, err := json.Marshal(Frame{Type: "register", Payload: payload, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		obslog.Warn("transport: marshal failed", obslog.Err(err))
		return
	}
	conn := t.conn
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		obslog.Warn("transport: register write failed", obslog.Err(err))
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// SendException serializes and transmits (or enqueues) an exception capture
// as an "exception" frame, implementing exception.Sink.
func (t *Transport) SendException(c exception.ExceptionCapture) {
	t.send("exception", map[string]any{
		"id":              c.ID,
		"exception_type":  c.ExceptionType,
		"message":         c.Message,
		"fingerprint":     c.Fingerprint,
		"stack_trace":     c.StackTrace,
		"local_variables": c.LocalVariables,
		"context":         c.Context,
		"captured_at":     c.CapturedAt.Format(time.RFC3339Nano),
		"agent_id":        t.agentID,
		"environment":     t.environment,
		"runtime":         "go",
		"runtime_version": runtime.Version(),
		"platform":        runtime.GOOS,
		"arch":            runtime.GOARCH,
		"implementation":  "gc",
		"trace_id":        c.TraceID,
		"span_id":         c.SpanID,
	})
}

// SendBreakpointHit serializes and transmits (or enqueues) a breakpoint hit
// as a "breakpoint_hit" frame, implementing breakpoint.Sink.
func (t *Transport) SendBreakpointHit(h breakpoint.Hit) {
	t.send("breakpoint_hit", map[string]any{
		"breakpoint_id":   h.BreakpointID,
		"agent_id":        t.agentID,
		"captured_at":     h.CapturedAt.Format(time.RFC3339Nano),
		"file_path":       h.FilePath,
		"line_number":     h.LineNumber,
		"stack_trace":     h.StackTrace,
		"local_variables": h.LocalVariables,
		"hit_count":       h.HitCount,
		"trace_id":        h.TraceID,
		"span_id":         h.SpanID,
	})
}

// send serializes msgType/payload into a Frame and either transmits
// immediately (Authenticated) or enqueues (any other state), per §4.5. It
// never blocks on I/O.
func (t *Transport) send(msgType string, payload any) {
	frame := Frame{Type: msgType, Payload: payload, Timestamp: time.Now().UnixMilli()}
	data, err := json.Marshal(frame)
	if err != nil {
		obslog.Warn("transport: marshal failed", obslog.Err(err))
		return
	}

	if t.State() != StateAuthenticated {
		t.enqueue(data)
		return
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		t.enqueue(data)
		return
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		obslog.Warn("transport: write failed, re-queuing", obslog.Err(err))
		t.enqueue(data)
	}
}

// enqueue appends data to the bounded offline queue, dropping the oldest
// frame on overflow (invariant 9, §8).
func (t *Transport) enqueue(data []byte) {
	t.mu.Lock()
	t.queue = append(t.queue, data)
	if len(t.queue) > queueCapacity {
		overflow := len(t.queue) - queueCapacity
		t.queue = t.queue[overflow:]
	}
	depth := len(t.queue)
	t.mu.Unlock()

	if g := t.queueDepthGauge(); g != nil {
		g.Set(float64(depth))
	}
}

// flushQueue drains the offline queue in FIFO order once Authenticated.
func (t *Transport) flushQueue() {
	t.mu.Lock()
	pending := t.queue
	t.queue = nil
	conn := t.conn
	t.mu.Unlock()

	for _, data := range pending {
		if conn == nil {
			t.enqueue(data)
			continue
		}
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			obslog.Warn("transport: flush write failed, re-queuing", obslog.Err(err))
			t.enqueue(data)
		}
	}
}
