// Package exception implements the exception capture builder (C3) and the
// process-wide recover hook (C4).
package exception

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/aivorynet/agent-go/capture"
	"github.com/google/uuid"
)

// StackFrame is one entry of a captured call chain, innermost first.
type StackFrame struct {
	MethodName     string  `json:"method_name"`
	FileName       string  `json:"file_name"`
	FilePath       string  `json:"file_path"`
	LineNumber     int     `json:"line_number"`
	ClassName      *string `json:"class_name,omitempty"`
	IsNative       bool    `json:"is_native"`
	SourceAvailable bool   `json:"source_available"`
}

// ExceptionCapture is one failure report, ready to be serialized onto the
// wire as an OutboundMessage payload (plus agent_id/environment/runtime-info,
// added by the caller per §6).
type ExceptionCapture struct {
	ID             string                            `json:"id"`
	ExceptionType  string                            `json:"exception_type"`
	Message        string                            `json:"message"`
	Fingerprint    string                             `json:"fingerprint"`
	StackTrace     []StackFrame                       `json:"stack_trace"`
	LocalVariables map[string]*capture.CapturedValue `json:"local_variables"`
	Context        map[string]any                    `json:"context"`
	CapturedAt     time.Time                          `json:"captured_at"`
	TraceID        string                             `json:"trace_id,omitempty"`
	SpanID         string                             `json:"span_id,omitempty"`
}

const maxFrames = 50
const fingerprintFrames = 5

// thirdPartyMarkers are path fragments that mark a frame as vendor/module
// cache code rather than the application's own source.
var thirdPartyMarkers = []string{"/pkg/mod/", "/vendor/", "GOROOT", "go/src/runtime"}

// Builder walks frame chains and locals into ExceptionCaptures.
type Builder struct {
	bounds capture.Bounds
}

// NewBuilder constructs a Builder bound to the given capture bounds (from
// config.Config.MaxCaptureDepth/MaxStringLength/MaxCollectionSize).
func NewBuilder(bounds capture.Bounds) *Builder {
	return &Builder{bounds: bounds}
}

// Build constructs an ExceptionCapture from a recovered panic value or a
// reported error, a pre-walked frame chain (innermost first, produced by
// CaptureStack), a locals/bound-variable bag, and context overrides merged
// per §4.2 step 5. traceID/spanID annotate the capture with the ambient
// trace it occurred under, if any (empty when no span is active).
func (b *Builder) Build(excType, message string, frames []StackFrame, locals map[string]any, customContext, contextOverrides, user map[string]any, traceID, spanID string) ExceptionCapture {
	localVars := make(map[string]*capture.CapturedValue, len(locals))
	for name, v := range locals {
		localVars[name] = capture.Value(name, v, b.bounds)
	}

	merged := make(map[string]any, len(customContext)+len(contextOverrides)+1)
	for k, v := range customContext {
		merged[k] = v
	}
	for k, v := range contextOverrides {
		merged[k] = v
	}
	merged["user"] = user

	return ExceptionCapture{
		ID:             uuid.NewString(),
		ExceptionType:  excType,
		Message:        message,
		Fingerprint:    Fingerprint(excType, frames),
		StackTrace:     frames,
		LocalVariables: localVars,
		Context:        merged,
		CapturedAt:     time.Now().UTC(),
		TraceID:        traceID,
		SpanID:         spanID,
	}
}

// Fingerprint implements the deterministic fingerprint rule of §3:
// SHA-256(exception_type : f1 : f2 : ...) hex-truncated to 16 chars, where
// f_i is "method_name:line_number" from the first up to 5 non-native frames.
func Fingerprint(excType string, frames []StackFrame) string {
	parts := []string{excType}
	count := 0
	for _, f := range frames {
		if f.IsNative {
			continue
		}
		line := f.LineNumber
		parts = append(parts, fmt.Sprintf("%s:%d", f.MethodName, line))
		count++
		if count >= fingerprintFrames {
			break
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])[:16]
}

// CaptureStack walks the current goroutine's call stack starting `skip`
// frames above the caller, producing up to 50 StackFrame entries innermost
// first — the Go substitute for re-walking a live traceback object, since
// Go exposes no such object after recover().
func CaptureStack(skip int) []StackFrame {
	pcs := make([]uintptr, maxFrames+skip+2)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}
	framesIter := runtime.CallersFrames(pcs[:n])

	out := make([]StackFrame, 0, n)
	for {
		f, more := framesIter.Next()
		out = append(out, toStackFrame(f))
		if len(out) >= maxFrames || !more {
			break
		}
	}
	return out
}

func toStackFrame(f runtime.Frame) StackFrame {
	fileName := f.File
	if idx := strings.LastIndexByte(fileName, '/'); idx >= 0 {
		fileName = fileName[idx+1:]
	}
	isNative := f.File == "" || isThirdParty(f.File) && strings.Contains(f.File, "GOROOT")
	sourceAvailable := f.File != "" && !isThirdParty(f.File)

	methodName, className := splitFunction(f.Function)

	var classPtr *string
	if className != "" {
		classPtr = &className
	}

	return StackFrame{
		MethodName:      methodName,
		FileName:        fileName,
		FilePath:        f.File,
		LineNumber:      f.Line,
		ClassName:       classPtr,
		IsNative:        isNative,
		SourceAvailable: sourceAvailable,
	}
}

func isThirdParty(path string) bool {
	for _, marker := range thirdPartyMarkers {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}

// splitFunction derives MethodName and ClassName from a fully qualified
// runtime.Frame.Function such as "pkg.(*Receiver).Method" or "pkg.Method".
func splitFunction(fq string) (method, class string) {
	lastDot := strings.LastIndexByte(fq, '.')
	if lastDot < 0 {
		return fq, ""
	}
	method = fq[lastDot+1:]
	rest := fq[:lastDot]

	lastSlash := strings.LastIndexByte(rest, '/')
	pkgAndRecv := rest
	if lastSlash >= 0 {
		pkgAndRecv = rest[lastSlash+1:]
	}
	dot := strings.IndexByte(pkgAndRecv, '.')
	if dot < 0 {
		return method, ""
	}
	recv := pkgAndRecv[dot+1:]
	recv = strings.TrimPrefix(recv, "(*")
	recv = strings.TrimSuffix(recv, ")")
	if recv == "" {
		return method, ""
	}
	return method, recv
}

// sortedKeys is a small helper kept for callers building deterministic
// locals bags from maps (used by tests).
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
