// Package machine implements the virtual machine that executes the
// bytecode-compiled form of the source code. It also provides the runtime
// representation of the language values, the native and syscall registries,
// and the snapshot serializer used to suspend and resume execution across
// process boundaries.
package machine

import (
	"strconv"
	"strings"

	"github.com/erenyenigul/esc-lang/lang/compiler"
)

// Type tags a runtime value. Display, equality and arithmetic all dispatch
// on the tag.
type Type uint8

const (
	TypeNull Type = iota
	TypeBool
	TypeNumber
	TypeString
	TypeTuple
	TypeList
	TypeFunction
	TypeNative
	TypeSyscall
)

var typeNames = [...]string{
	TypeNull:     "Null",
	TypeBool:     "Boolean",
	TypeNumber:   "Number",
	TypeString:   "String",
	TypeTuple:    "Tuple",
	TypeList:     "List",
	TypeFunction: "Function",
	TypeNative:   "Native",
	TypeSyscall:  "Syscall",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown type"
}

// Value is the interface implemented by any value manipulated by the
// machine. It deliberately exposes only the type tag; behavior lives in the
// standalone Truth, Equal, Str and Repr functions.
type Value interface {
	Type() Type
}

// NullType is the type of null. Its only legal value is Null.
type NullType byte

// Null is the sole value of NullType.
const Null = NullType(0)

// Bool is the type of true and false.
type Bool bool

const (
	True  = Bool(true)
	False = Bool(false)
)

// Number is the type of all numbers, a double-precision float.
type Number float64

// String is the type of text values.
type String string

// A Tuple is an immutable ordered sequence of values. Only the sequence is
// immutable, not the values it holds.
type Tuple struct {
	elems []Value
}

// NewTuple returns a tuple of the specified elements. Callers must not
// subsequently modify elems.
func NewTuple(elems []Value) *Tuple { return &Tuple{elems: elems} }

// Len returns the number of elements.
func (t *Tuple) Len() int { return len(t.elems) }

// Index returns the element at i, which must satisfy 0 <= i < Len().
func (t *Tuple) Index(i int) Value { return t.elems[i] }

// A List is a mutable ordered sequence of values, shared by reference:
// mutating a list through one alias is observed through every other.
type List struct {
	Elems []Value
}

// NewList returns a list of the specified elements.
func NewList(elems []Value) *List { return &List{Elems: elems} }

// A Function is a user-defined function: its compiled code travels with the
// value, so functions survive a snapshot round trip.
type Function struct {
	Funcode *compiler.Funcode
}

// Name returns the declared function name.
func (f *Function) Name() string { return f.Funcode.Name }

// Native is an opaque key into the host's native-function registry.
type Native string

// Syscall is an opaque key into the host's syscall registry.
type Syscall string

func (NullType) Type() Type     { return TypeNull }
func (Bool) Type() Type         { return TypeBool }
func (Number) Type() Type       { return TypeNumber }
func (String) Type() Type       { return TypeString }
func (*Tuple) Type() Type       { return TypeTuple }
func (*List) Type() Type        { return TypeList }
func (*Function) Type() Type    { return TypeFunction }
func (Native) Type() Type       { return TypeNative }
func (Syscall) Type() Type      { return TypeSyscall }

// Truth returns the truthiness of v: false, null, 0 and "" are falsy, every
// other value is truthy.
func Truth(v Value) bool {
	switch v := v.(type) {
	case NullType:
		return false
	case Bool:
		return bool(v)
	case Number:
		return v != 0
	case String:
		return v != ""
	default:
		return true
	}
}

// Equal reports structural equality of x and y. Values of distinct types are
// never equal.
func Equal(x, y Value) bool {
	if x.Type() != y.Type() {
		return false
	}
	switch x := x.(type) {
	case NullType:
		return true
	case Bool:
		return x == y.(Bool)
	case Number:
		return x == y.(Number)
	case String:
		return x == y.(String)
	case *Tuple:
		yt := y.(*Tuple)
		if len(x.elems) != len(yt.elems) {
			return false
		}
		for i, xv := range x.elems {
			if !Equal(xv, yt.elems[i]) {
				return false
			}
		}
		return true
	case *List:
		yl := y.(*List)
		if len(x.Elems) != len(yl.Elems) {
			return false
		}
		for i, xv := range x.Elems {
			if !Equal(xv, yl.Elems[i]) {
				return false
			}
		}
		return true
	case *Function:
		return x.Funcode == y.(*Function).Funcode
	case Native:
		return x == y.(Native)
	case Syscall:
		return x == y.(Syscall)
	}
	return false
}

// Str returns the display form of v with strings raw.
func Str(v Value) string {
	if s, ok := v.(String); ok {
		return string(s)
	}
	return Repr(v)
}

// Repr returns the display form of v with strings quoted.
func Repr(v Value) string {
	switch v := v.(type) {
	case NullType:
		return "null"
	case Bool:
		if v {
			return "true"
		}
		return "false"
	case Number:
		return strconv.FormatFloat(float64(v), 'g', -1, 64)
	case String:
		return strconv.Quote(string(v))
	case *Tuple:
		return "(" + joinRepr(v.elems) + ")"
	case *List:
		return "[" + joinRepr(v.Elems) + "]"
	case *Function:
		return "<function " + v.Name() + ">"
	case Native:
		return "<native " + string(v) + ">"
	case Syscall:
		return "<syscall " + string(v) + ">"
	}
	return "<unknown>"
}

func joinRepr(elems []Value) string {
	var b strings.Builder
	for i, e := range elems {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(Repr(e))
	}
	return b.String()
}
