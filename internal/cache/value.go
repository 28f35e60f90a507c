package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// referenceField is the JSON object key used to encode reference values.
const referenceField = "$reference"

// Kind classifies a field value for merge compatibility.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindReference
	KindList
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindReference:
		return "reference"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// CompatibleWith reports whether a field of kind k may be overwritten by a value
// of kind other. Null is compatible with every kind.
func (k Kind) CompatibleWith(other Kind) bool {
	return k == other || k == KindNull || other == KindNull
}

// Value is one immutable field value: a scalar, a reference to another record,
// or a list of values. The zero Value is null.
type Value struct {
	kind  Kind
	str   string
	num   float64
	i     int64
	exact bool // number held in i
	b     bool
	list  []Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric value. JSON has no NaN or infinities, so those
// become null.
func Number(n float64) Value {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return Null()
	}
	return Value{kind: KindNumber, num: n}
}

// Int returns an integer value. It keeps full int64 precision.
func Int(n int64) Value { return Value{kind: KindNumber, i: n, num: float64(n), exact: true} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Ref returns a reference to the record stored at key.
func Ref(key CacheKey) Value { return Value{kind: KindReference, str: string(key)} }

// List returns a list value holding copies of items.
func List(items ...Value) Value {
	list := make([]Value, len(items))
	for i, item := range items {
		list[i] = item.Clone()
	}
	return Value{kind: KindList, list: list}
}

// RefList returns a list of references.
func RefList(keys ...CacheKey) Value {
	list := make([]Value, len(keys))
	for i, k := range keys {
		list[i] = Ref(k)
	}
	return Value{kind: KindList, list: list}
}

// Kind returns the value kind.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsString returns the string payload.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsNumber returns the numeric payload.
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

// AsInt returns the payload of a number that holds an exact integer.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	if v.exact {
		return v.i, true
	}
	return floatToInt(v.num)
}

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsReference returns the referenced key.
func (v Value) AsReference() (CacheKey, bool) { return CacheKey(v.str), v.kind == KindReference }

// Items returns a copy of the list elements.
func (v Value) Items() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.Clone().list, true
}

// References returns every key referenced by v, including inside lists.
func (v Value) References() []CacheKey {
	switch v.kind {
	case KindReference:
		return []CacheKey{CacheKey(v.str)}
	case KindList:
		var keys []CacheKey
		for _, item := range v.list {
			keys = append(keys, item.References()...)
		}
		return keys
	default:
		return nil
	}
}

// Equal reports deep equality.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString, KindReference:
		return v.str == other.str
	case KindNumber:
		return numbersEqual(v, other)
	case KindBool:
		return v.b == other.b
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func numbersEqual(a, b Value) bool {
	switch {
	case a.exact && b.exact:
		return a.i == b.i
	case a.exact:
		n, ok := floatToInt(b.num)
		return ok && n == a.i
	case b.exact:
		n, ok := floatToInt(a.num)
		return ok && n == b.i
	default:
		return a.num == b.num
	}
}

// floatToInt converts f when it is a whole number inside the int64 range.
func floatToInt(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	if v.kind != KindList {
		return v
	}
	list := make([]Value, len(v.list))
	for i, item := range v.list {
		list[i] = item.Clone()
	}
	v.list = list
	return v
}

// sizeInBytes approximates the memory footprint of v.
func (v Value) sizeInBytes() int {
	switch v.kind {
	case KindString, KindReference:
		return len(v.str)
	case KindNumber:
		return 8
	case KindBool:
		return 1
	case KindList:
		n := 0
		for _, item := range v.list {
			n += item.sizeInBytes()
		}
		return n
	default:
		return 0
	}
}

// String renders v for logs and CLI output.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindString:
		return strconv.Quote(v.str)
	case KindNumber:
		if v.exact {
			return strconv.FormatInt(v.i, 10)
		}
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindReference:
		return "->" + v.str
	case KindList:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(item.String())
		}
		buf.WriteByte(']')
		return buf.String()
	}
	return "?"
}

// MarshalJSON encodes scalars natively, references as {"$reference": key}
// and lists as arrays.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		if v.exact {
			return []byte(strconv.FormatInt(v.i, 10)), nil
		}
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindReference:
		return json.Marshal(map[string]string{referenceField: v.str})
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	}
	return nil, fmt.Errorf("unknown value kind %d", v.kind)
}

// UnmarshalJSON decodes the encoding produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := valueFromJSON(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func valueFromJSON(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return Int(n), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return Number(f), nil
	case float64:
		return Number(t), nil
	case []any:
		list := make([]Value, len(t))
		for i, item := range t {
			parsed, err := valueFromJSON(item)
			if err != nil {
				return Value{}, err
			}
			list[i] = parsed
		}
		return Value{kind: KindList, list: list}, nil
	case map[string]any:
		ref, ok := t[referenceField].(string)
		if !ok || len(t) != 1 {
			return Value{}, fmt.Errorf("nested objects are not normalized; expected {%q: key}", referenceField)
		}
		return Ref(CacheKey(ref)), nil
	}
	return Value{}, fmt.Errorf("unsupported JSON value %T", raw)
}
