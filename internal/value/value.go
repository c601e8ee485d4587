// Package value implements the tagged value universe IEC 61131-3 Structured
// Text programs operate over, plus the storage that holds global, retained,
// and per-instance variables across scan cycles.
package value

import "fmt"

// Kind is the closed set of value tags. Mirrors the teacher's closed-enum
// pattern (parse/valid/canonicalize trio) used for StageStatus, scaled up to
// the full IEC scalar + composite type universe.
type Kind string

const (
	KindBool Kind = "bool"

	KindSInt  Kind = "sint"
	KindInt   Kind = "int"
	KindDInt  Kind = "dint"
	KindLInt  Kind = "lint"
	KindUSInt Kind = "usint"
	KindUInt  Kind = "uint"
	KindUDInt Kind = "udint"
	KindULInt Kind = "ulint"

	KindReal  Kind = "real"
	KindLReal Kind = "lreal"

	KindTime  Kind = "time"
	KindLTime Kind = "ltime"

	KindDate Kind = "date"
	KindLDate Kind = "ldate"
	KindTod  Kind = "tod"
	KindLTod Kind = "ltod"
	KindDT   Kind = "dt"
	KindLDT  Kind = "ldt"

	KindByte  Kind = "byte"
	KindWord  Kind = "word"
	KindDWord Kind = "dword"
	KindLWord Kind = "lword"

	KindChar  Kind = "char"
	KindWChar Kind = "wchar"
	KindString  Kind = "string"
	KindWString Kind = "wstring"

	KindArray     Kind = "array"
	KindStruct    Kind = "struct"
	KindEnum      Kind = "enum"
	KindReference Kind = "reference"
	KindInstance  Kind = "instance"
	KindNull      Kind = "null"
)

// InstanceID is an opaque key into a Storage's instance table. Instances are
// represented as keys, never owning pointers, so the table alone owns
// lifetimes and supports non-structural sharing of cyclic references.
type InstanceID uint64

// EnumVariant names a declared enumeration value: its type, its variant
// name, and the underlying numeric ordinal.
type EnumVariant struct {
	TypeName string
	Variant  string
	Ordinal  int64
}

// Array is an ordered composite with explicit dimensions. Elements are
// stored in row-major flattened order.
type Array struct {
	ElementKind Kind
	Dims        []int
	Elems       []Value
}

// Struct is a named-field composite preserving declaration order.
type Struct struct {
	TypeName string
	Fields   []StructField
}

// StructField is one named field of a Struct, in declaration order.
type StructField struct {
	Name  string
	Value Value
}

// FieldByName returns the value of the named field, and whether it exists.
func (s Struct) FieldByName(name string) (Value, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Value is a tagged sum over the IEC scalar types plus the composite types.
// Exactly one of the typed fields is meaningful for a given Kind; Kind is
// the discriminant. This mirrors a Rust-style tagged enum using Go's
// nearest idiom: a discriminant plus narrowly-typed payload fields, rather
// than an `any` blob, so conversions stay exhaustive-checkable at the
// switch sites in flatten.go and the executor.
type Value struct {
	Kind Kind

	Bool bool

	// Signed integer payload for SInt/Int/DInt/LInt, widened to int64.
	Int int64
	// Unsigned integer payload for USInt/UInt/UDInt/ULInt plus
	// Byte/Word/DWord/LWord, widened to uint64.
	Uint uint64
	// Float payload for Real/LReal.
	Float float64

	// Str payload for String/WString/Char/WChar (single-rune strings for
	// the Char variants).
	Str string

	// DurationNS is nanoseconds for Time/LTime.
	DurationNS int64
	// DateTimeNS is a type-appropriate tick count for
	// Date/LDate/Tod/LTod/DT/LDT; the exact epoch/resolution is carried by
	// Kind alone, matching the reference implementation's per-variant
	// tick semantics.
	DateTimeNS int64

	Array     *Array
	Struct    *Struct
	Enum      *EnumVariant
	Reference *InstanceID // nil reference is a null reference, not KindNull
	Instance  InstanceID
}

// Null is the absence of a value.
func Null() Value { return Value{Kind: KindNull} }

// Bool constructs a boolean value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Int constructs a signed integer value of the given width kind.
func Int(kind Kind, v int64) Value { return Value{Kind: kind, Int: v} }

// Uint constructs an unsigned integer or bit-string value of the given
// width kind.
func Uint(kind Kind, v uint64) Value { return Value{Kind: kind, Uint: v} }

// Float constructs a Real/LReal value.
func Float(kind Kind, v float64) Value { return Value{Kind: kind, Float: v} }

// Str constructs a String/WString/Char/WChar value.
func Str(kind Kind, v string) Value { return Value{Kind: kind, Str: v} }

// IsScalar reports whether the value is a leaf (non-composite, non-null,
// non-reference) value eligible for historian flattening.
func (v Value) IsScalar() bool {
	switch v.Kind {
	case KindArray, KindStruct, KindReference, KindInstance, KindNull:
		return false
	default:
		return true
	}
}

// AsFloat64 returns the value's numeric reading as a float64, as the
// executor's load_global uses it. ok is false for non-numeric kinds.
func (v Value) AsFloat64() (float64, bool) {
	switch v.Kind {
	case KindSInt, KindInt, KindDInt, KindLInt:
		return float64(v.Int), true
	case KindUSInt, KindUInt, KindUDInt, KindULInt, KindByte, KindWord, KindDWord, KindLWord:
		return float64(v.Uint), true
	case KindReal, KindLReal:
		return v.Float, true
	case KindTime, KindLTime:
		return float64(v.DurationNS), true
	default:
		return 0, false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindSInt, KindInt, KindDInt, KindLInt:
		return fmt.Sprintf("%d", v.Int)
	case KindUSInt, KindUInt, KindUDInt, KindULInt, KindByte, KindWord, KindDWord, KindLWord:
		return fmt.Sprintf("%d", v.Uint)
	case KindReal, KindLReal:
		return fmt.Sprintf("%g", v.Float)
	case KindString, KindWString, KindChar, KindWChar:
		return v.Str
	case KindEnum:
		if v.Enum != nil {
			return v.Enum.Variant
		}
		return "<enum>"
	default:
		return fmt.Sprintf("<%s>", v.Kind)
	}
}
