package breakpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/aivorynet/agent-go/capture"
	"github.com/aivorynet/agent-go/tracing"
)

type recordingSink struct {
	hits []Hit
}

func (s *recordingSink) SendBreakpointHit(h Hit) { s.hits = append(s.hits, h) }

func testBounds() capture.Bounds {
	return capture.Bounds{MaxDepth: 10, MaxStringLength: 1000, MaxCollectionSize: 100}
}

func TestSetAndCheckpointHit(t *testing.T) {
	sink := &recordingSink{}
	r := NewRegistry(testBounds(), sink, nil, false)
	r.Enable()

	r.Set("bp1", "/app/handler.go", 42, nil, 10)
	r.checkpointAt(context.Background(), "/app/handler.go", 42, map[string]any{"x": 1})

	require.Len(t, sink.hits, 1)
	assert.Equal(t, "bp1", sink.hits[0].BreakpointID)
	assert.Equal(t, 1, sink.hits[0].HitCount)
}

// A hit raised under an active span is annotated with that span's trace and
// span IDs.
func TestCheckpointHitAnnotatedWithActiveSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	sink := &recordingSink{}
	r := NewRegistry(testBounds(), sink, nil, false)
	r.Enable()
	r.Set("bp1", "f.go", 1, nil, 10)

	r.checkpointAt(ctx, "f.go", 1, nil)

	require.Len(t, sink.hits, 1)
	sc := span.SpanContext()
	assert.Equal(t, sc.TraceID().String(), sink.hits[0].TraceID)
	assert.Equal(t, sc.SpanID().String(), sink.hits[0].SpanID)
	assert.NotEmpty(t, sink.hits[0].TraceID)
}

// A Registry with an attached tracer adds a breakpoint-hit event to the
// active span, exercised end-to-end through a real tracing.Provider rather
// than a fake.
func TestCheckpointWithAttachedTracerRecordsSpanEvent(t *testing.T) {
	provider, err := tracing.New(tracing.Config{ServiceName: "test-service"})
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	sink := &recordingSink{}
	r := NewRegistry(testBounds(), sink, provider, false)
	r.Enable()
	r.Set("bp1", "f.go", 1, nil, 10)

	ctx, span := provider.StartSpan(context.Background(), "op")
	defer span.End()

	assert.NotPanics(t, func() {
		r.checkpointAt(ctx, "f.go", 1, nil)
	})

	require.Len(t, sink.hits, 1)
	sc := span.SpanContext()
	assert.Equal(t, sc.TraceID().String(), sink.hits[0].TraceID)
}

func TestCheckpointHitNoSpanLeavesTraceIDsEmpty(t *testing.T) {
	sink := &recordingSink{}
	r := NewRegistry(testBounds(), sink, nil, false)
	r.Enable()
	r.Set("bp1", "f.go", 1, nil, 10)

	r.checkpointAt(context.Background(), "f.go", 1, nil)

	require.Len(t, sink.hits, 1)
	assert.Empty(t, sink.hits[0].TraceID)
	assert.Empty(t, sink.hits[0].SpanID)
}

func TestCheckpointWrongLineNoHit(t *testing.T) {
	sink := &recordingSink{}
	r := NewRegistry(testBounds(), sink, nil, false)
	r.Enable()

	r.Set("bp1", "/app/handler.go", 42, nil, 10)
	r.checkpointAt(context.Background(), "/app/handler.go", 43, nil)

	assert.Empty(t, sink.hits)
}

func TestCheckpointDisabledNoHit(t *testing.T) {
	sink := &recordingSink{}
	r := NewRegistry(testBounds(), sink, nil, false)
	// not enabled
	r.Set("bp1", "/app/handler.go", 42, nil, 10)
	r.checkpointAt(context.Background(), "/app/handler.go", 42, nil)

	assert.Empty(t, sink.hits)
}

func TestSuffixMatchHitsAllColliding(t *testing.T) {
	sink := &recordingSink{}
	r := NewRegistry(testBounds(), sink, nil, false)
	r.Enable()

	r.Set("bp-short", "handler.go", 10, nil, 10)
	r.Set("bp-long", "/srv/app/handler.go", 10, nil, 10)

	r.checkpointAt(context.Background(), "/srv/app/handler.go", 10, nil)

	require.Len(t, sink.hits, 2)
}

func TestMaxHitsClamped(t *testing.T) {
	sink := &recordingSink{}
	r := NewRegistry(testBounds(), sink, nil, false)
	r.Enable()

	r.Set("bp1", "f.go", 1, nil, 1000) // above maxMaxHits
	bp := r.byID["bp1"]
	assert.Equal(t, maxMaxHits, bp.MaxHits)

	r.Set("bp2", "f.go", 1, nil, -5) // below minMaxHits
	bp2 := r.byID["bp2"]
	assert.Equal(t, minMaxHits, bp2.MaxHits)
}

func TestHitBudgetStopsAfterMax(t *testing.T) {
	sink := &recordingSink{}
	r := NewRegistry(testBounds(), sink, nil, false)
	r.Enable()

	r.Set("bp1", "f.go", 1, nil, 2)
	for i := 0; i < 5; i++ {
		r.checkpointAt(context.Background(), "f.go", 1, nil)
	}
	assert.Len(t, sink.hits, 2)
}

func TestConditionGatesHit(t *testing.T) {
	sink := &recordingSink{}
	r := NewRegistry(testBounds(), sink, nil, false)
	r.Enable()

	cond := "x > 10"
	r.Set("bp1", "f.go", 1, &cond, 10)

	r.checkpointAt(context.Background(), "f.go", 1, map[string]any{"x": 5})
	assert.Empty(t, sink.hits)

	r.checkpointAt(context.Background(), "f.go", 1, map[string]any{"x": 20})
	require.Len(t, sink.hits, 1)
}

func TestRemoveBreakpoint(t *testing.T) {
	sink := &recordingSink{}
	r := NewRegistry(testBounds(), sink, nil, false)
	r.Enable()

	r.Set("bp1", "f.go", 1, nil, 10)
	r.Remove("bp1")
	r.checkpointAt(context.Background(), "f.go", 1, nil)

	assert.Empty(t, sink.hits)
	_, exists := r.byFile[normalize("f.go")]
	assert.False(t, exists)
}

func TestHandleCommandSetAndRemove(t *testing.T) {
	sink := &recordingSink{}
	r := NewRegistry(testBounds(), sink, nil, false)
	r.Enable()

	r.HandleCommand("set", map[string]any{
		"id":          "bp1",
		"file_path":   "f.go",
		"line_number": float64(7),
		"max_hits":    float64(3),
	})
	r.checkpointAt(context.Background(), "f.go", 7, nil)
	require.Len(t, sink.hits, 1)

	r.HandleCommand("remove", map[string]any{"id": "bp1"})
	r.checkpointAt(context.Background(), "f.go", 7, nil)
	assert.Len(t, sink.hits, 1) // no new hit after removal
}

func TestDisableClearsIndexes(t *testing.T) {
	sink := &recordingSink{}
	r := NewRegistry(testBounds(), sink, nil, false)
	r.Enable()
	r.Set("bp1", "f.go", 1, nil, 10)
	r.Disable()

	r.Enable()
	r.checkpointAt(context.Background(), "f.go", 1, nil)
	assert.Empty(t, sink.hits)
}
