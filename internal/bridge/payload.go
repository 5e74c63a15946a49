package bridge

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"

	"github.com/nerrad567/meshbridge/internal/mesh"
)

// Kind tags the variant held by a Value.
type Kind uint8

// Value kinds.
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindNumber
	KindString
	KindBytes
	KindList
	KindObject
	KindOpaque
)

var kindNames = [...]string{
	KindNull:   "null",
	KindBool:   "bool",
	KindInt:    "int",
	KindUint:   "uint",
	KindFloat:  "float",
	KindNumber: "number",
	KindString: "string",
	KindBytes:  "bytes",
	KindList:   "list",
	KindObject: "object",
	KindOpaque: "opaque",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a payload document node.
//
// Strings, numbers, booleans, lists and objects map onto JSON directly.
// Bytes are rendered as lowercase hex. Anything else is Opaque and rendered
// as its string form.
type Value struct {
	kind Kind
	b    bool
	i    int64
	u    uint64
	f    float64
	s    string // String, Number and Opaque text
	raw  []byte
	list []Value
	obj  map[string]Value
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{kind: KindString, s: s} }

// BytesValue wraps a byte slice.
func BytesValue(b []byte) Value { return Value{kind: KindBytes, raw: b} }

// OpaqueValue wraps the string form of a value the serializer does not model.
func OpaqueValue(text string) Value { return Value{kind: KindOpaque, s: text} }

// ValueOf classifies an arbitrary Go value.
func ValueOf(x any) Value {
	switch t := x.(type) {
	case nil:
		return Value{kind: KindNull}
	case Value:
		return t
	case bool:
		return Value{kind: KindBool, b: t}
	case string:
		return StringValue(t)
	case []byte:
		return BytesValue(t)
	case json.Number:
		return Value{kind: KindNumber, s: t.String()}
	case int:
		return Value{kind: KindInt, i: int64(t)}
	case int8:
		return Value{kind: KindInt, i: int64(t)}
	case int16:
		return Value{kind: KindInt, i: int64(t)}
	case int32:
		return Value{kind: KindInt, i: int64(t)}
	case int64:
		return Value{kind: KindInt, i: t}
	case uint:
		return Value{kind: KindUint, u: uint64(t)}
	case uint8:
		return Value{kind: KindUint, u: uint64(t)}
	case uint16:
		return Value{kind: KindUint, u: uint64(t)}
	case uint32:
		return Value{kind: KindUint, u: uint64(t)}
	case uint64:
		return Value{kind: KindUint, u: t}
	case float32:
		return Value{kind: KindFloat, f: float64(t)}
	case float64:
		return Value{kind: KindFloat, f: t}
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, e := range t {
			obj[k] = ValueOf(e)
		}
		return Value{kind: KindObject, obj: obj}
	case []any:
		list := make([]Value, len(t))
		for i, e := range t {
			list[i] = ValueOf(e)
		}
		return Value{kind: KindList, list: list}
	case fmt.Stringer:
		return OpaqueValue(t.String())
	case error:
		return OpaqueValue(t.Error())
	}
	return valueOfReflect(reflect.ValueOf(x))
}

// valueOfReflect handles typed maps, slices and pointers. Everything else
// falls back to Opaque.
func valueOfReflect(rv reflect.Value) Value {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Value{kind: KindNull}
		}
		return ValueOf(rv.Elem().Interface())
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		obj := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			obj[iter.Key().String()] = ValueOf(iter.Value().Interface())
		}
		return Value{kind: KindObject, obj: obj}
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return BytesValue(b)
		}
		list := make([]Value, rv.Len())
		for i := range list {
			list[i] = ValueOf(rv.Index(i).Interface())
		}
		return Value{kind: KindList, list: list}
	case reflect.String:
		return StringValue(rv.String())
	}
	return OpaqueValue(fmt.Sprintf("%v", rv.Interface()))
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return strconv.AppendBool(nil, v.b), nil
	case KindInt:
		return strconv.AppendInt(nil, v.i, 10), nil
	case KindUint:
		return strconv.AppendUint(nil, v.u, 10), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("%w: non-finite float %v", ErrSerialize, v.f)
		}
		return json.Marshal(v.f)
	case KindNumber:
		return []byte(v.s), nil
	case KindString, KindOpaque:
		return json.Marshal(v.s)
	case KindBytes:
		return json.Marshal(hex.EncodeToString(v.raw))
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindObject:
		return v.marshalObject()
	default:
		return nil, fmt.Errorf("%w: unknown kind %s", ErrSerialize, v.kind)
	}
}

// marshalObject writes keys in sorted order.
func (v Value) marshalObject() ([]byte, error) {
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := v.obj[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		out = append(out, key...)
		out = append(out, ':')
		out = append(out, val...)
	}
	return append(out, '}'), nil
}

// Encode produces the publish payload: strings as raw UTF-8, everything
// else as a JSON document.
func (v Value) Encode() ([]byte, error) {
	if v.kind == KindString {
		return []byte(v.s), nil
	}
	out, err := v.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialize, err)
	}
	return out, nil
}

// shapePayload selects and encodes the part of a packet a policy publishes.
func shapePayload(policy PayloadPolicy, packet mesh.Packet) ([]byte, error) {
	var v Value
	switch policy {
	case PayloadDecodedOnly:
		v = ValueOf(packet.Decoded.Map())
	case PayloadTextOnly:
		if packet.Decoded.IsText() {
			v = StringValue(*packet.Decoded.Text)
		} else {
			v = ValueOf(packet.Decoded.Map())
		}
	default:
		v = ValueOf(packet.Map())
	}
	return v.Encode()
}
