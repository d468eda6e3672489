// Package breakpoint implements the breakpoint registry and checkpoint hook
// (C5): an indexed breakpoint table hit by explicit Checkpoint calls placed
// at instrumented source lines, since Go has no per-line trace facility
// analogous to sys.settrace (see SPEC_FULL.md §9).
package breakpoint

import (
	"context"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/aivorynet/agent-go/capture"
	"github.com/aivorynet/agent-go/exception"
	"github.com/aivorynet/agent-go/obslog"
	"github.com/aivorynet/agent-go/tracing"
	"github.com/expr-lang/expr"
)

const (
	minMaxHits = 1
	maxMaxHits = 50
	maxFrames  = 50
)

// Breakpoint is one active live-debugging directive.
type Breakpoint struct {
	BackendID      string
	FilePath       string
	LineNumber     int
	Condition      *string
	MaxHits        int
	HitCount       int
	NormalizedPath string
}

func normalize(path string) string {
	return strings.ToLower(filepath.Clean(path))
}

func clampMaxHits(maxHits int) int {
	if maxHits < minMaxHits {
		return minMaxHits
	}
	if maxHits > maxMaxHits {
		return maxMaxHits
	}
	return maxHits
}

// Hit is the payload emitted when a checkpoint crossing satisfies all gates.
type Hit struct {
	BreakpointID   string
	CapturedAt     time.Time
	FilePath       string
	LineNumber     int
	StackTrace     []exception.StackFrame
	LocalVariables map[string]*capture.CapturedValue
	HitCount       int
	TraceID        string
	SpanID         string
}

// Sink receives breakpoint hits for transport.
type Sink interface {
	SendBreakpointHit(Hit)
}

// Registry holds the by-id and by-file indexes and the enabled/disabled
// state of the checkpoint hook.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Breakpoint
	byFile  map[string][]*Breakpoint
	enabled bool

	bounds capture.Bounds
	sink   Sink
	tracer *tracing.Provider
	debug  bool
}

// NewRegistry constructs an empty, disabled Registry. tracer may be nil, in
// which case hits are never trace-annotated.
func NewRegistry(bounds capture.Bounds, sink Sink, tracer *tracing.Provider, debug bool) *Registry {
	return &Registry{
		byID:   make(map[string]*Breakpoint),
		byFile: make(map[string][]*Breakpoint),
		bounds: bounds,
		sink:   sink,
		tracer: tracer,
		debug:  debug,
	}
}

// Enable turns on checkpoint processing; Checkpoint calls are no-ops while
// disabled.
func (r *Registry) Enable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = true
}

// Disable turns off checkpoint processing and clears both indexes.
func (r *Registry) Disable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = false
	r.byID = make(map[string]*Breakpoint)
	r.byFile = make(map[string][]*Breakpoint)
}

// Set installs or replaces a breakpoint. Re-using a BackendID replaces the
// previous breakpoint and resets its hit count.
func (r *Registry) Set(backendID, filePath string, lineNumber int, condition *string, maxHits int) {
	bp := &Breakpoint{
		BackendID:      backendID,
		FilePath:       filePath,
		LineNumber:     lineNumber,
		Condition:      condition,
		MaxHits:        clampMaxHits(maxHits),
		NormalizedPath: normalize(filePath),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byID[backendID]; ok {
		r.removeFromFileIndexLocked(old)
	}
	r.byID[backendID] = bp
	r.byFile[bp.NormalizedPath] = append(r.byFile[bp.NormalizedPath], bp)

	if r.debug {
		obslog.Debug("breakpoint set", obslog.String("id", backendID), obslog.String("file", filePath), obslog.Int("line", lineNumber))
	}
}

// Remove deletes a breakpoint by BackendID; a no-op if it does not exist.
func (r *Registry) Remove(backendID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bp, ok := r.byID[backendID]
	if !ok {
		return
	}
	delete(r.byID, backendID)
	r.removeFromFileIndexLocked(bp)
}

func (r *Registry) removeFromFileIndexLocked(bp *Breakpoint) {
	list := r.byFile[bp.NormalizedPath]
	filtered := list[:0]
	for _, b := range list {
		if b.BackendID != bp.BackendID {
			filtered = append(filtered, b)
		}
	}
	if len(filtered) == 0 {
		delete(r.byFile, bp.NormalizedPath)
	} else {
		r.byFile[bp.NormalizedPath] = filtered
	}
}

// HandleCommand dispatches a "set"/"remove" command received from the
// backend transport's set_breakpoint/remove_breakpoint inbound frames.
func (r *Registry) HandleCommand(command string, payload map[string]any) {
	switch command {
	case "set":
		id, _ := payload["id"].(string)
		filePath, _ := payload["file_path"].(string)
		line := intFromAny(payload["line_number"])
		maxHits := 1
		if mh, ok := payload["max_hits"]; ok {
			maxHits = intFromAny(mh)
		}
		var cond *string
		if c, ok := payload["condition"].(string); ok && c != "" {
			cond = &c
		}
		r.Set(id, filePath, line, cond, maxHits)
	case "remove":
		id, _ := payload["id"].(string)
		r.Remove(id)
	}
}

func intFromAny(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}

// Checkpoint is called at an instrumented source line with the bound
// variables in scope. It recovers the call site via runtime.Caller, matches
// against the file index (exact then suffix), evaluates conditions, and
// emits hits under each breakpoint's budget. It never panics into the
// caller. ctx carries the ambient span (if any) hits are annotated onto.
func (r *Registry) Checkpoint(ctx context.Context, vars map[string]any) {
	defer func() {
		if rec := recover(); rec != nil && r.debug {
			obslog.Debug("checkpoint: internal failure", obslog.Any("panic", rec))
		}
	}()

	_, file, line, ok := runtime.Caller(1)
	if !ok {
		return
	}
	r.checkpointAt(ctx, file, line, vars)
}

func (r *Registry) checkpointAt(ctx context.Context, file string, line int, vars map[string]any) {
	r.mu.RLock()
	if !r.enabled || len(r.byFile) == 0 {
		r.mu.RUnlock()
		return
	}
	normalized := normalize(file)
	matches := r.matchingBreakpointsLocked(normalized, line)
	r.mu.RUnlock()

	if len(matches) == 0 {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	for _, bp := range matches {
		r.tryHit(ctx, bp, vars)
	}
}

// matchingBreakpointsLocked returns every indexed breakpoint whose path
// exact-matches or suffix-matches normalized and whose line matches,
// implementing the "match all colliding breakpoints independently"
// resolution of SPEC_FULL.md §9.
func (r *Registry) matchingBreakpointsLocked(normalized string, line int) []*Breakpoint {
	var out []*Breakpoint
	if list, ok := r.byFile[normalized]; ok {
		out = append(out, filterByLine(list, line)...)
	}
	for bpPath, list := range r.byFile {
		if bpPath == normalized {
			continue
		}
		if strings.HasSuffix(normalized, bpPath) || strings.HasSuffix(bpPath, normalized) {
			out = append(out, filterByLine(list, line)...)
		}
	}
	return out
}

func filterByLine(list []*Breakpoint, line int) []*Breakpoint {
	var out []*Breakpoint
	for _, bp := range list {
		if bp.LineNumber == line {
			out = append(out, bp)
		}
	}
	return out
}

func (r *Registry) tryHit(ctx context.Context, bp *Breakpoint, vars map[string]any) {
	r.mu.Lock()
	if bp.HitCount >= bp.MaxHits {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if bp.Condition != nil {
		ok, err := evalCondition(*bp.Condition, vars)
		if err != nil {
			if r.debug {
				obslog.Debug("breakpoint condition eval failed", obslog.String("id", bp.BackendID), obslog.Err(err))
			}
			return
		}
		if !ok {
			return
		}
	}

	r.mu.Lock()
	if bp.HitCount >= bp.MaxHits {
		r.mu.Unlock()
		return
	}
	bp.HitCount++
	hitCount := bp.HitCount
	r.mu.Unlock()

	locals := make(map[string]*capture.CapturedValue, len(vars))
	for name, v := range vars {
		locals[name] = capture.Value(name, v, r.bounds)
	}

	traceID, spanID := tracing.TraceIDFromContext(ctx)

	r.sink.SendBreakpointHit(Hit{
		BreakpointID:   bp.BackendID,
		CapturedAt:     time.Now().UTC(),
		FilePath:       bp.FilePath,
		LineNumber:     bp.LineNumber,
		StackTrace:     exception.CaptureStack(3),
		LocalVariables: locals,
		HitCount:       hitCount,
		TraceID:        traceID,
		SpanID:         spanID,
	})

	if r.tracer != nil {
		r.tracer.RecordBreakpointHit(ctx, bp.BackendID, hitCount)
	}
}

func evalCondition(condition string, vars map[string]any) (bool, error) {
	program, err := expr.Compile(condition, expr.Env(vars))
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, vars)
	if err != nil {
		return false, err
	}
	truth, _ := out.(bool)
	return truth, nil
}
