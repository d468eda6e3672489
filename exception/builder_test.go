package exception

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aivorynet/agent-go/capture"
)

func testBounds() capture.Bounds {
	return capture.Bounds{MaxDepth: 10, MaxStringLength: 1000, MaxCollectionSize: 100}
}

func TestFingerprintDeterministic(t *testing.T) {
	frames := []StackFrame{
		{MethodName: "handle", LineNumber: 10},
		{MethodName: "serve", LineNumber: 20},
	}
	a := Fingerprint("ValueError", frames)
	b := Fingerprint("ValueError", frames)
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestFingerprintSkipsNativeFrames(t *testing.T) {
	frames := []StackFrame{
		{MethodName: "native", LineNumber: 1, IsNative: true},
		{MethodName: "handle", LineNumber: 10},
	}
	withNative := Fingerprint("ValueError", frames)
	withoutNative := Fingerprint("ValueError", frames[1:])
	assert.Equal(t, withoutNative, withNative)
}

func TestFingerprintDiffersOnType(t *testing.T) {
	frames := []StackFrame{{MethodName: "handle", LineNumber: 10}}
	a := Fingerprint("ValueError", frames)
	b := Fingerprint("TypeError", frames)
	assert.NotEqual(t, a, b)
}

func TestFingerprintLimitsToFiveFrames(t *testing.T) {
	var many []StackFrame
	for i := 0; i < 10; i++ {
		many = append(many, StackFrame{MethodName: "f", LineNumber: i})
	}
	limited := Fingerprint("E", many[:5])
	full := Fingerprint("E", many)
	assert.Equal(t, limited, full)
}

func TestBuildMergesContextAndUser(t *testing.T) {
	b := NewBuilder(testBounds())
	locals := map[string]any{"x": 1, "y": "two"}
	custom := map[string]any{"tenant": "acme"}
	overrides := map[string]any{"origin": "test"}
	user := map[string]any{"id": "u1"}

	capOut := b.Build("RuntimeError", "boom", nil, locals, custom, overrides, user, "trace-abc", "span-def")

	assert.Equal(t, "trace-abc", capOut.TraceID)
	assert.Equal(t, "span-def", capOut.SpanID)

	require.NotEmpty(t, capOut.ID)
	assert.Equal(t, "RuntimeError", capOut.ExceptionType)
	assert.Equal(t, "acme", capOut.Context["tenant"])
	assert.Equal(t, "test", capOut.Context["origin"])
	assert.Equal(t, user, capOut.Context["user"])
	assert.Len(t, capOut.LocalVariables, 2)
	for _, k := range sortedKeys(locals) {
		_, ok := capOut.LocalVariables[k]
		assert.True(t, ok, "missing local %q", k)
	}
}

func TestCaptureStackNonEmpty(t *testing.T) {
	frames := CaptureStack(0)
	require.NotEmpty(t, frames)
	assert.Equal(t, "TestCaptureStackNonEmpty", frames[0].MethodName)
}

func TestSplitFunctionMethodReceiver(t *testing.T) {
	method, class := splitFunction("github.com/aivorynet/agent-go/exception.(*Builder).Build")
	assert.Equal(t, "Build", method)
	assert.Equal(t, "Builder", class)
}

func TestSplitFunctionPlainFunc(t *testing.T) {
	method, class := splitFunction("github.com/aivorynet/agent-go/exception.Fingerprint")
	assert.Equal(t, "Fingerprint", method)
	assert.Empty(t, class)
}
