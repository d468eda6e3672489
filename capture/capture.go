// Package capture implements the value capture engine (C2): a recursive,
// bounded reflection-based walk that turns any in-process value into a
// serializable CapturedValue tree without ever panicking into the caller.
package capture

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// CapturedValue is one node of the snapshot tree. Either Children or
// ArrayElements is populated for composite nodes; a leaf has neither.
type CapturedValue struct {
	Name        string                    `json:"name"`
	Type        string                    `json:"type"`
	Value       string                    `json:"value"`
	IsNull      bool                      `json:"is_null,omitempty"`
	IsTruncated bool                      `json:"is_truncated,omitempty"`
	Children    map[string]*CapturedValue `json:"children,omitempty"`
	ChildOrder  []string                  `json:"-"`
	ArrayElements []*CapturedValue        `json:"array_elements,omitempty"`
	ArrayLength *int                      `json:"array_length,omitempty"`
}

// Bounds carries the three tunables the engine enforces; it is the capture
// package's view of config.Config, kept separate to avoid an import cycle.
type Bounds struct {
	MaxDepth          int
	MaxStringLength   int
	MaxCollectionSize int
}

// Capturable lets a type override the default reflection-based rendering by
// supplying its own field set, the Go analogue of an opt-in capture hook.
type Capturable interface {
	CaptureFields() map[string]any
}

// Value captures v under name at depth 0. It never panics: a panic raised
// during the walk (for example by a Capturable's CaptureFields method) is
// recovered and rendered as a typed placeholder for the enclosing scope,
// satisfying the capture-under-fault-safety invariant. Struct values are
// walked by their exported fields; their String()/Error() methods are not
// called.
func Value(name string, v any, b Bounds) (result *CapturedValue) {
	defer func() {
		if r := recover(); r != nil {
			result = &CapturedValue{
				Name:  name,
				Type:  "unknown",
				Value: fmt.Sprintf("<capture failed: %v>", r),
			}
		}
	}()
	return capture(name, reflect.ValueOf(v), 0, b)
}

func capture(name string, rv reflect.Value, depth int, b Bounds) *CapturedValue {
	if depth > b.MaxDepth {
		return &CapturedValue{
			Name:        name,
			Type:        typeName(rv),
			Value:       "<max depth exceeded>",
			IsTruncated: true,
		}
	}

	if !rv.IsValid() {
		return &CapturedValue{Name: name, Type: "nil", Value: "nil", IsNull: true}
	}

	// Unwrap interfaces and single-level pointers for dispatch while
	// retaining the original nil-ness.
	orig := rv
	for rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return &CapturedValue{Name: name, Type: typeName(orig), Value: "nil", IsNull: true}
		}
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return &CapturedValue{Name: name, Type: typeName(orig), Value: "nil", IsNull: true}
		}
		rv = rv.Elem()
	}

	if cap, ok := asCapturable(rv); ok {
		return captureFields(name, typeName(orig), cap.CaptureFields(), depth, b)
	}

	switch rv.Kind() {
	case reflect.Bool:
		return &CapturedValue{Name: name, Type: "bool", Value: strconv.FormatBool(rv.Bool())}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return &CapturedValue{Name: name, Type: rv.Type().String(), Value: strconv.FormatInt(rv.Int(), 10)}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return &CapturedValue{Name: name, Type: rv.Type().String(), Value: strconv.FormatUint(rv.Uint(), 10)}

	case reflect.Float32, reflect.Float64:
		return &CapturedValue{Name: name, Type: rv.Type().String(), Value: strconv.FormatFloat(rv.Float(), 'g', -1, 64)}

	case reflect.String:
		return captureString(name, rv.String(), b)

	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return captureBytes(name, rv.Bytes(), b)
		}
		return captureSequence(name, rv, depth, b)

	case reflect.Array:
		return captureSequence(name, rv, depth, b)

	case reflect.Map:
		return captureMap(name, rv, depth, b)

	case reflect.Struct:
		return captureStruct(name, rv, depth, b)

	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Invalid:
		return &CapturedValue{Name: name, Type: typeName(orig), Value: fmt.Sprintf("<%s>", typeName(orig))}

	default:
		return &CapturedValue{Name: name, Type: typeName(orig), Value: fmt.Sprintf("<%s>", typeName(orig))}
	}
}

func asCapturable(rv reflect.Value) (Capturable, bool) {
	if !rv.CanInterface() {
		return nil, false
	}
	if cap, ok := rv.Interface().(Capturable); ok {
		return cap, true
	}
	if rv.CanAddr() && rv.Addr().CanInterface() {
		if cap, ok := rv.Addr().Interface().(Capturable); ok {
			return cap, true
		}
	}
	return nil, false
}

func captureFields(name, typ string, fields map[string]any, depth int, b Bounds) *CapturedValue {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	children := make(map[string]*CapturedValue, len(keys))
	order := make([]string, 0, len(keys))
	truncated := len(keys) > b.MaxCollectionSize
	if truncated {
		keys = keys[:b.MaxCollectionSize]
	}
	for _, k := range keys {
		children[k] = capture(k, reflect.ValueOf(fields[k]), depth+1, b)
		order = append(order, k)
	}
	return &CapturedValue{
		Name:        name,
		Type:        typ,
		Value:       fmt.Sprintf("%s{%d}", typ, len(fields)),
		Children:    children,
		ChildOrder:  order,
		IsTruncated: truncated,
	}
}

func captureString(name, s string, b Bounds) *CapturedValue {
	runes := []rune(s)
	truncated := len(runes) > b.MaxStringLength
	display := s
	if truncated {
		display = string(runes[:b.MaxStringLength])
	}
	return &CapturedValue{Name: name, Type: "string", Value: display, IsTruncated: truncated}
}

func captureBytes(name string, raw []byte, b Bounds) *CapturedValue {
	truncated := len(raw) > b.MaxStringLength
	display := raw
	if truncated {
		display = raw[:b.MaxStringLength]
	}
	return &CapturedValue{Name: name, Type: "[]byte", Value: hex.EncodeToString(display), IsTruncated: truncated}
}

func captureSequence(name string, rv reflect.Value, depth int, b Bounds) *CapturedValue {
	total := rv.Len()
	limit := total
	truncated := total > b.MaxCollectionSize
	if truncated {
		limit = b.MaxCollectionSize
	}
	elements := make([]*CapturedValue, 0, limit)
	for i := 0; i < limit; i++ {
		elements = append(elements, capture(fmt.Sprintf("[%d]", i), rv.Index(i), depth+1, b))
	}
	length := total
	return &CapturedValue{
		Name:          name,
		Type:          rv.Type().String(),
		Value:         fmt.Sprintf("%s[%d]", rv.Type().String(), total),
		ArrayElements: elements,
		ArrayLength:   &length,
		IsTruncated:   truncated,
	}
}

func captureMap(name string, rv reflect.Value, depth int, b Bounds) *CapturedValue {
	if rv.IsNil() {
		return &CapturedValue{Name: name, Type: rv.Type().String(), Value: "nil", IsNull: true}
	}
	total := rv.Len()
	iter := rv.MapRange()
	children := make(map[string]*CapturedValue)
	order := make([]string, 0)
	count := 0
	for iter.Next() {
		if count >= b.MaxCollectionSize {
			break
		}
		keyStr := truncateASCII(fmt.Sprint(iter.Key().Interface()), 100)
		children[keyStr] = capture(keyStr, iter.Value(), depth+1, b)
		order = append(order, keyStr)
		count++
	}
	return &CapturedValue{
		Name:        name,
		Type:        "map",
		Value:       fmt.Sprintf("map[%d]", total),
		Children:    children,
		ChildOrder:  order,
		IsTruncated: total > b.MaxCollectionSize,
	}
}

func captureStruct(name string, rv reflect.Value, depth int, b Bounds) *CapturedValue {
	t := rv.Type()
	children := make(map[string]*CapturedValue)
	order := make([]string, 0, t.NumField())
	exportedCount := 0
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		fv := rv.Field(i)
		if fv.Kind() == reflect.Func {
			continue
		}
		exportedCount++
		if exportedCount > b.MaxCollectionSize {
			continue
		}
		children[field.Name] = capture(field.Name, fv, depth+1, b)
		order = append(order, field.Name)
	}
	return &CapturedValue{
		Name:        name,
		Type:        t.String(),
		Value:       fmt.Sprintf("<%s>", t.String()),
		Children:    children,
		ChildOrder:  order,
		IsTruncated: exportedCount > b.MaxCollectionSize,
	}
}

func typeName(rv reflect.Value) string {
	if !rv.IsValid() {
		return "nil"
	}
	return rv.Type().String()
}

func truncateASCII(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
