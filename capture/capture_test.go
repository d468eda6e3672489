package capture

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func defaultBounds() Bounds {
	return Bounds{MaxDepth: 10, MaxStringLength: 1000, MaxCollectionSize: 100}
}

func TestValuePrimitives(t *testing.T) {
	b := defaultBounds()

	tests := []struct {
		name    string
		in      any
		wantTyp string
		wantVal string
	}{
		{"bool", true, "bool", "true"},
		{"int", 42, "int", "42"},
		{"float", 3.5, "float64", "3.5"},
		{"string", "hello", "string", "hello"},
		{"nil", nil, "nil", "nil"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Value(tt.name, tt.in, b)
			assert.Equal(t, tt.wantTyp, got.Type)
			assert.Equal(t, tt.wantVal, got.Value)
		})
	}
}

func TestValueNilPointer(t *testing.T) {
	var p *int
	got := Value("p", p, defaultBounds())
	assert.True(t, got.IsNull)
	assert.Equal(t, "nil", got.Value)
}

func TestCaptureStringTruncation(t *testing.T) {
	b := Bounds{MaxDepth: 10, MaxStringLength: 5, MaxCollectionSize: 100}
	got := Value("s", "abcdefgh", b)
	assert.True(t, got.IsTruncated)
	assert.Equal(t, "abcde", got.Value)
}

func TestCaptureSequenceTruncation(t *testing.T) {
	b := Bounds{MaxDepth: 10, MaxStringLength: 1000, MaxCollectionSize: 3}
	got := Value("s", []int{1, 2, 3, 4, 5}, b)
	assert.True(t, got.IsTruncated)
	require.Len(t, got.ArrayElements, 3)
	require.NotNil(t, got.ArrayLength)
	assert.Equal(t, 5, *got.ArrayLength)
}

func TestCaptureMaxDepth(t *testing.T) {
	type node struct{ Next *node }
	root := &node{}
	cur := root
	for i := 0; i < 20; i++ {
		cur.Next = &node{}
		cur = cur.Next
	}

	b := Bounds{MaxDepth: 3, MaxStringLength: 1000, MaxCollectionSize: 100}
	got := Value("root", root, b)

	hitBound := false
	cv := got
	for i := 0; i < 10; i++ {
		child, ok := cv.Children["Next"]
		if !ok || child == nil {
			break
		}
		if child.Value == "<max depth exceeded>" {
			hitBound = true
			break
		}
		cv = child
	}
	assert.True(t, hitBound, "expected to hit the max-depth placeholder within MaxDepth+a few levels")
}

func TestCaptureNeverPanics(t *testing.T) {
	b := defaultBounds()
	panicky := &panickyStringer{}
	assert.NotPanics(t, func() {
		got := Value("p", panicky, b)
		assert.Contains(t, got.Value, "capture failed")
	})
}

type panickyStringer struct{}

func (p *panickyStringer) String() string { panic("boom") }

// Capturable opt-in is honored over reflection.
func TestCapturableOverride(t *testing.T) {
	v := capturableValue{secret: "shh"}
	got := Value("v", v, defaultBounds())
	child, ok := got.Children["visible"]
	require.True(t, ok)
	assert.Equal(t, "yes", child.Value)
	_, hasSecret := got.Children["secret"]
	assert.False(t, hasSecret)
}

type capturableValue struct{ secret string }

func (c capturableValue) CaptureFields() map[string]any {
	return map[string]any{"visible": "yes"}
}

// Property: captured collection/array-element counts never exceed
// MaxCollectionSize, for any slice length and any bound.
func TestPropertyCollectionBounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxColl := rapid.IntRange(1, 20).Draw(rt, "maxColl")
		length := rapid.IntRange(0, 50).Draw(rt, "length")

		b := Bounds{MaxDepth: 10, MaxStringLength: 1000, MaxCollectionSize: maxColl}
		s := make([]int, length)
		got := Value("s", s, b)

		if len(got.ArrayElements) > maxColl {
			rt.Fatalf("captured %d elements, bound was %d", len(got.ArrayElements), maxColl)
		}
		if length > maxColl {
			if !got.IsTruncated {
				rt.Fatalf("expected truncation for length=%d maxColl=%d", length, maxColl)
			}
		}
	})
}

// Property: captured string length never exceeds MaxStringLength runes.
func TestPropertyStringBounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxLen := rapid.IntRange(1, 50).Draw(rt, "maxLen")
		s := rapid.StringN(0, 200, -1).Draw(rt, "s")

		b := Bounds{MaxDepth: 10, MaxStringLength: maxLen, MaxCollectionSize: 100}
		got := Value("s", s, b)

		if len([]rune(got.Value)) > maxLen {
			rt.Fatalf("captured string of rune-length %d, bound was %d", len([]rune(got.Value)), maxLen)
		}
	})
}

func TestByteSliceHexEncoded(t *testing.T) {
	got := Value("b", []byte{0xde, 0xad, 0xbe, 0xef}, defaultBounds())
	assert.Equal(t, "[]byte", got.Type)
	assert.True(t, strings.EqualFold(got.Value, "deadbeef"))
}

// Struct fields holding a callable value are skipped entirely rather than
// rendered as a placeholder child.
func TestCaptureStructSkipsFuncFields(t *testing.T) {
	type withCallback struct {
		Name     string
		OnChange func()
	}
	v := withCallback{Name: "x", OnChange: func() {}}
	got := Value("v", v, defaultBounds())

	_, hasName := got.Children["Name"]
	assert.True(t, hasName)
	_, hasCallback := got.Children["OnChange"]
	assert.False(t, hasCallback)
	assert.NotContains(t, got.ChildOrder, "OnChange")
}
