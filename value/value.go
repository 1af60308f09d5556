// Package value provides the typed value sum used for step parameters,
// execution variables, and event payloads.
//
// Values form a closed sum over the JSON-shaped kinds:
//
//	null | bool | int64 | float64 | string | bytes | list | map[string]Value
//
// Every hash, signature, and cache key in the engine is computed over the
// canonical byte form of a Value (see Canonical), so cross-node key equality
// reduces to value equality.
package value

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind identifies the dynamic type of a Value.
type Kind int

// Value kinds, in canonical ordering.
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// Value is an immutable tagged union. The zero Value is null.
//
// Values are cheap to copy; list and map kinds share their backing storage,
// so callers that need an independent copy must use Clone.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	raw  []byte
	list []Value
	m    map[string]Value
}

// Null returns the null Value.
func Null() Value { return Value{} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns an int64 Value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a float64 Value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Bytes returns a binary Value. The slice is not copied.
func Bytes(b []byte) Value { return Value{kind: KindBytes, raw: b} }

// List returns a list Value over the given elements. The slice is not copied.
func List(elems ...Value) Value {
	if elems == nil {
		elems = []Value{}
	}
	return Value{kind: KindList, list: elems}
}

// Map returns a map Value. The map is not copied.
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

// ErrUnsupported is returned by From for Go values outside the sum.
var ErrUnsupported = errors.New("value: unsupported Go type")

// From converts a JSON-shaped Go value into a Value.
//
// Accepted inputs: nil, bool, all integer widths, float32/64, string,
// []byte, json.Number, []any, map[string]any, map[string]Value, []Value,
// and Value itself. Anything else returns ErrUnsupported.
func From(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Int(int64(t)), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("value: bad number %q: %w", t.String(), err)
		}
		return Float(f), nil
	case []Value:
		return List(t...), nil
	case []any:
		elems := make([]Value, len(t))
		for idx, e := range t {
			ev, err := From(e)
			if err != nil {
				return Value{}, err
			}
			elems[idx] = ev
		}
		return List(elems...), nil
	case map[string]Value:
		return Map(t), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := From(e)
			if err != nil {
				return Value{}, err
			}
			m[k] = ev
		}
		return Map(m), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

// MustFrom is From that panics on error. Intended for literals in tests
// and bootstrap code.
func MustFrom(v any) Value {
	val, err := From(v)
	if err != nil {
		panic(err)
	}
	return val
}

// Kind reports the dynamic kind of v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null Value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the boolean payload; false if v is not a bool.
func (v Value) Bool() bool { return v.kind == KindBool && v.b }

// Int returns the int64 payload; 0 if v is not an int.
func (v Value) Int() int64 {
	if v.kind != KindInt {
		return 0
	}
	return v.i
}

// Float returns the float64 payload. Ints are widened so numeric reads
// do not care which of the two number kinds the document used.
func (v Value) Float() float64 {
	switch v.kind {
	case KindFloat:
		return v.f
	case KindInt:
		return float64(v.i)
	default:
		return 0
	}
}

// Str returns the string payload; "" if v is not a string.
func (v Value) Str() string {
	if v.kind != KindString {
		return ""
	}
	return v.s
}

// BytesVal returns the binary payload; nil if v is not bytes.
func (v Value) BytesVal() []byte {
	if v.kind != KindBytes {
		return nil
	}
	return v.raw
}

// ListVal returns the element slice; nil if v is not a list.
func (v Value) ListVal() []Value {
	if v.kind != KindList {
		return nil
	}
	return v.list
}

// MapVal returns the underlying map; nil if v is not a map.
func (v Value) MapVal() map[string]Value {
	if v.kind != KindMap {
		return nil
	}
	return v.m
}

// Get returns the map entry for key. ok is false when v is not a map or
// the key is absent.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	e, ok := v.m[key]
	return e, ok
}

// Len returns the element count for lists and maps, and the byte length
// for strings and bytes. All other kinds return 0.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindMap:
		return len(v.m)
	case KindString:
		return len(v.s)
	case KindBytes:
		return len(v.raw)
	default:
		return 0
	}
}

// Equal reports deep equality. Int and float never compare equal even when
// numerically identical; they canonicalize differently.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindString:
		return a.s == b.s
	case KindBytes:
		return string(a.raw) == string(b.raw)
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.m) != len(b.m) {
			return false
		}
		for k, av := range a.m {
			bv, ok := b.m[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Clone returns a deep copy that shares no storage with v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindBytes:
		cp := make([]byte, len(v.raw))
		copy(cp, v.raw)
		return Bytes(cp)
	case KindList:
		elems := make([]Value, len(v.list))
		for i, e := range v.list {
			elems[i] = e.Clone()
		}
		return List(elems...)
	case KindMap:
		m := make(map[string]Value, len(v.m))
		for k, e := range v.m {
			m[k] = e.Clone()
		}
		return Map(m)
	default:
		return v
	}
}

// Interface converts v back into plain Go values (inverse of From).
// Bytes surface as []byte, ints as int64.
func (v Value) Interface() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return v.raw
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler. Bytes encode as base64 strings
// wrapped in a {"$bytes": "..."} envelope so they survive a round-trip
// without being confused with plain strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindBytes:
		return json.Marshal(map[string]string{"$bytes": base64.StdEncoding.EncodeToString(v.raw)})
	case KindList:
		return json.Marshal(v.list)
	case KindMap:
		return json.Marshal(v.m)
	default:
		return nil, fmt.Errorf("value: cannot marshal kind %v", v.kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler. Numbers without a fraction or
// exponent parse as int64; everything else follows JSON shape. A single-key
// {"$bytes": base64} object decodes to a bytes Value.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := fromDecoded(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Decode converts a decoded document tree (the output of a YAML or JSON
// unmarshal into interface{} values) into a Value. Unlike From it
// recognizes the {"$bytes": base64} envelope produced by MarshalJSON, so
// documents round-trip through either codec. Map keys of type any
// (produced by yaml) must be strings.
func Decode(raw any) (Value, error) {
	switch t := raw.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			ks, ok := k.(string)
			if !ok {
				return Value{}, fmt.Errorf("value: non-string map key %v", k)
			}
			m[ks] = e
		}
		return fromDecoded(m)
	default:
		return fromDecoded(raw)
	}
}

func fromDecoded(raw any) (Value, error) {
	switch t := raw.(type) {
	case map[string]any:
		if len(t) == 1 {
			if enc, ok := t["$bytes"].(string); ok {
				b, err := base64.StdEncoding.DecodeString(enc)
				if err != nil {
					return Value{}, fmt.Errorf("value: bad $bytes payload: %w", err)
				}
				return Bytes(b), nil
			}
		}
		m := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := fromDecoded(e)
			if err != nil {
				return Value{}, err
			}
			m[k] = ev
		}
		return Map(m), nil
	case []any:
		elems := make([]Value, len(t))
		for i, e := range t {
			ev, err := fromDecoded(e)
			if err != nil {
				return Value{}, err
			}
			elems[i] = ev
		}
		return List(elems...), nil
	default:
		return From(raw)
	}
}

// String renders v as compact JSON for diagnostics. Not canonical; use
// Canonical for hashing.
func (v Value) String() string {
	b, err := json.Marshal(v)
	if err != nil {
		return "<invalid value>"
	}
	return string(b)
}

// sortedKeys returns map keys in ascending order. Shared by Canonical and
// the schema validator so both walk maps identically.
func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
