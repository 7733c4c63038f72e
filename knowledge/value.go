package knowledge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"unique"
)

// Kind identifies the concrete type stored in a Value.
type Kind uint8

const (
	// KindInvalid represents an invalid kind.
	KindInvalid Kind = iota
	// KindNull represents a null value.
	KindNull
	// KindInt represents an integer value.
	KindInt
	// KindFloat represents a float value.
	KindFloat
	// KindString represents a string value.
	KindString
	// KindBool represents a boolean value.
	KindBool
)

// Value is a small typed scalar used for entry metadata and search filters.
//
// The representation is designed to make filtering fast and predictable:
// no reflection and no fmt-based stringification. On the wire a Value is a
// bare JSON scalar ("AI", 3, 2.5, true), never a tagged envelope.
//
// NOTE: This is also used for persistence; keep it stable.
type Value struct {
	Kind Kind
	I64  int64
	F64  float64
	s    unique.Handle[string] // interned string payload
	B    bool
}

// Null returns a null Value.
func Null() Value { return Value{Kind: KindNull} }

// Int returns an int64 Value.
func Int(v int64) Value { return Value{Kind: KindInt, I64: v} }

// Float returns a float64 Value.
func Float(v float64) Value { return Value{Kind: KindFloat, F64: v} }

// String returns a string Value.
func String(v string) Value { return Value{Kind: KindString, s: unique.Make(v)} }

// Bool returns a boolean Value.
func Bool(v bool) Value { return Value{Kind: KindBool, B: v} }

// AsInt64 returns the int64 value if Kind is KindInt.
func (v Value) AsInt64() (int64, bool) {
	if v.Kind != KindInt {
		return 0, false
	}
	return v.I64, true
}

// AsFloat64 returns the float64 value if Kind is KindFloat.
func (v Value) AsFloat64() (float64, bool) {
	if v.Kind != KindFloat {
		return 0, false
	}
	return v.F64, true
}

// AsString returns the string value if Kind is KindString.
func (v Value) AsString() (string, bool) {
	if v.Kind != KindString {
		return "", false
	}
	return v.s.Value(), true
}

// AsBool returns the boolean value if Kind is KindBool.
func (v Value) AsBool() (bool, bool) {
	if v.Kind != KindBool {
		return false, false
	}
	return v.B, true
}

// StringValue returns the string value if Kind is KindString, otherwise empty string.
func (v Value) StringValue() string {
	if v.Kind == KindString {
		return v.s.Value()
	}
	return ""
}

// Key returns a stable string representation for use in maps.
//
// It is intended for internal indexing (inverted indexes) and must remain
// stable across versions for persisted metadata usage. Integral floats share
// the key of the equivalent int so that 3 and 3.0 filter identically.
func (v Value) Key() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindInt:
		return "i:" + strconv.FormatInt(v.I64, 10)
	case KindFloat:
		if f := v.F64; f == math.Trunc(f) && f >= math.MinInt64 && f <= math.MaxInt64 {
			return "i:" + strconv.FormatInt(int64(f), 10)
		}
		return "f:" + strconv.FormatUint(math.Float64bits(v.F64), 16)
	case KindString:
		return "s:" + v.s.Value()
	case KindBool:
		if v.B {
			return "b:1"
		}
		return "b:0"
	default:
		return "invalid"
	}
}

// Equal reports whether two values compare equal under filter semantics.
// Numeric values compare across kinds: Int(3) equals Float(3.0).
func (v Value) Equal(o Value) bool {
	return v.Key() == o.Key()
}

// MarshalJSON implements json.Marshaler. Values serialize as bare scalars.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull, KindInvalid:
		return []byte("null"), nil
	case KindInt:
		return strconv.AppendInt(nil, v.I64, 10), nil
	case KindFloat:
		return appendFloat(nil, v.F64)
	case KindString:
		return json.Marshal(v.s.Value())
	case KindBool:
		return strconv.AppendBool(nil, v.B), nil
	default:
		return nil, fmt.Errorf("metadata value: cannot marshal kind %d", v.Kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler. Any JSON scalar is accepted;
// non-scalar values (objects, arrays) are rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("metadata value: empty input")
	}

	switch data[0] {
	case 'n':
		if string(data) != "null" {
			return fmt.Errorf("metadata value: invalid literal %q", data)
		}
		*v = Null()
		return nil
	case 't', 'f':
		b, err := strconv.ParseBool(string(data))
		if err != nil {
			return fmt.Errorf("metadata value: invalid literal %q", data)
		}
		*v = Bool(b)
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("metadata value: invalid string %q", data)
		}
		*v = String(s)
		return nil
	case '{', '[':
		return fmt.Errorf("metadata value: scalar required, got %c", data[0])
	default:
		if !bytes.ContainsAny(data, ".eE") {
			if i, err := strconv.ParseInt(string(data), 10, 64); err == nil {
				*v = Int(i)
				return nil
			}
		}
		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("metadata value: invalid number %q", data)
		}
		*v = Float(f)
		return nil
	}
}

// Metadata is a scalar-valued metadata document attached to an entry.
type Metadata map[string]Value

// Clone creates a copy of the metadata document.
//
// This is the safe default to prevent external mutation after Add().
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	clone := make(Metadata, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

func appendFloat(dst []byte, f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("metadata value: unsupported float %v", f)
	}
	return strconv.AppendFloat(dst, f, 'g', -1, 64), nil
}
