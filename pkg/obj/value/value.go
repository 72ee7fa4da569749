// Package value implements the Value Model shared by the KO reader and the
// KSM writer: the in-memory representation of primitive operand values,
// their tag bytes, their canonical widths, and their equality/serialization
// rules.
package value

import (
	"fmt"

	"github.com/kerboscript/ksmlink/pkg/utils"
)

// Kind identifies the tag byte of a Data Entry, shared verbatim between the
// KO and KSM container formats (§6).
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindByte
	KindInt16
	KindInt32
	KindFloat
	KindDouble
	KindString
	KindArgMarker
	KindScalarInt
	KindScalarDouble
	KindBoolValue
	KindStringValue

	totalKinds
)

var kindNames = map[Kind]string{
	KindNull:         "Null",
	KindBool:         "Bool",
	KindByte:         "Byte",
	KindInt16:        "Int16",
	KindInt32:        "Int32",
	KindFloat:        "Float",
	KindDouble:       "Double",
	KindString:       "String",
	KindArgMarker:    "ArgMarker",
	KindScalarInt:    "ScalarInt",
	KindScalarDouble: "ScalarDouble",
	KindBoolValue:    "BoolValue",
	KindStringValue:  "StringValue",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	panic(fmt.Sprintf("unreachable: unknown value kind %d", uint8(k)))
}

// Valid reports whether k is one of the thirteen recognized kinds.
func (k Kind) Valid() bool {
	return k < totalKinds
}

// IsVariableWidth reports whether the kind's serialized width depends on its
// payload (the two string kinds) rather than being fixed.
func (k Kind) IsVariableWidth() bool {
	return k == KindString || k == KindStringValue
}

// FixedWidth returns the serialized width in bytes for kinds whose width
// does not depend on the payload, per §6's width table. It panics for the
// two variable-width string kinds; use Value.Width for those.
func (k Kind) FixedWidth() int {
	switch k {
	case KindNull:
		return 0
	case KindBool:
		return 1
	case KindByte:
		return 1
	case KindInt16:
		return 2
	case KindInt32:
		return 4
	case KindFloat:
		return 4
	case KindDouble:
		return 8
	case KindArgMarker:
		return 0
	case KindScalarInt:
		return 4
	case KindScalarDouble:
		return 8
	case KindBoolValue:
		return 1
	default:
		panic(fmt.Sprintf("unreachable: %v has no fixed width", k))
	}
}

// AllKinds returns the thirteen recognized kinds in tag-byte order.
func AllKinds() []Kind {
	return utils.Iota(int(totalKinds), func(i int) Kind { return Kind(i) })
}

// Value is a single primitive operand value: a Data Entry in KO/KSM terms.
// Exactly one of the payload fields is meaningful, selected by Kind.
type Value struct {
	Kind Kind

	i   int64
	f   float64
	str string
}

func Null() Value         { return Value{Kind: KindNull} }
func ArgMarker() Value    { return Value{Kind: KindArgMarker} }
func Bool(b bool) Value   { return Value{Kind: KindBool, i: boolToInt(b)} }
func Byte(b byte) Value   { return Value{Kind: KindByte, i: int64(b)} }
func Int16(v int16) Value { return Value{Kind: KindInt16, i: int64(v)} }
func Int32(v int32) Value { return Value{Kind: KindInt32, i: int64(v)} }
func Float(v float32) Value {
	return Value{Kind: KindFloat, f: float64(v)}
}
func Double(v float64) Value     { return Value{Kind: KindDouble, f: v} }
func String(s string) Value      { return Value{Kind: KindString, str: s} }
func ScalarInt(v int32) Value    { return Value{Kind: KindScalarInt, i: int64(v)} }
func ScalarDouble(v float64) Value {
	return Value{Kind: KindScalarDouble, f: v}
}
func BoolValue(b bool) Value     { return Value{Kind: KindBoolValue, i: boolToInt(b)} }
func StringValue(s string) Value { return Value{Kind: KindStringValue, str: s} }

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Int returns the integer payload of Bool/Byte/Int16/Int32/ScalarInt/BoolValue
// kinds. It panics for any other kind.
func (v Value) Int() int64 {
	switch v.Kind {
	case KindBool, KindByte, KindInt16, KindInt32, KindScalarInt, KindBoolValue:
		return v.i
	default:
		panic(fmt.Sprintf("value of kind %v has no integer payload", v.Kind))
	}
}

// Float64 returns the floating-point payload of Float/Double/ScalarDouble
// kinds. It panics for any other kind.
func (v Value) Float64() float64 {
	switch v.Kind {
	case KindFloat, KindDouble, KindScalarDouble:
		return v.f
	default:
		panic(fmt.Sprintf("value of kind %v has no float payload", v.Kind))
	}
}

// Str returns the string payload of String/StringValue kinds. It panics for
// any other kind.
func (v Value) Str() string {
	switch v.Kind {
	case KindString, KindStringValue:
		return v.str
	default:
		panic(fmt.Sprintf("value of kind %v has no string payload", v.Kind))
	}
}

// Width returns the serialized width in bytes of this value's payload,
// excluding the tag byte.
func (v Value) Width() int {
	if v.Kind.IsVariableWidth() {
		return 1 + len(v.str)
	}
	return v.Kind.FixedWidth()
}

// Equal implements the dedup-correctness equality rule of §8: two entries
// are equal iff their kind and semantic value coincide.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNull, KindArgMarker:
		return true
	case KindFloat, KindDouble, KindScalarDouble:
		return v.f == other.f
	case KindString, KindStringValue:
		return v.str == other.str
	default:
		return v.i == other.i
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull, KindArgMarker:
		return v.Kind.String()
	case KindFloat, KindDouble, KindScalarDouble:
		return fmt.Sprintf("%v(%v)", v.Kind, v.f)
	case KindString, KindStringValue:
		return fmt.Sprintf("%v(%q)", v.Kind, v.str)
	default:
		return fmt.Sprintf("%v(%v)", v.Kind, v.i)
	}
}
