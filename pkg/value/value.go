// Package value defines the runtime value universe of the OMG language.
//
// A Value is one of a small, closed set of tagged variants:
//
//	Int      signed 64-bit integer
//	Str      immutable UTF-8 string
//	Bool     true / false
//	None     the unit value
//	List     ordered, mutable sequence (reference semantics)
//	Dict     string-keyed, insertion-ordered mapping (reference semantics);
//	         a frozen Dict rejects all mutation
//	FuncRef  reference into a program's function table
//
// Lists and Dicts are shared by reference: mutation through one reference is
// visible through every other. Nothing in the instruction set constructs a
// reference cycle, but the canonical formatter still guards against them with
// an identity-tracking visited set so that printing can never diverge.
package value

import (
	"fmt"
	"sort"
	"strings"
)

// Type identifies which variant a Value is.
type Type uint8

const (
	TypeInt Type = iota
	TypeStr
	TypeBool
	TypeNone
	TypeList
	TypeDict
	TypeFuncRef
)

// String returns the user-facing name of the type, as it appears in
// runtime error messages.
func (t Type) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeStr:
		return "str"
	case TypeBool:
		return "bool"
	case TypeNone:
		return "none"
	case TypeList:
		return "list"
	case TypeDict:
		return "dict"
	case TypeFuncRef:
		return "fn"
	default:
		return "unknown"
	}
}

// Value is the sealed interface implemented by every runtime value.
type Value interface {
	Type() Type
}

// Int is a signed 64-bit integer.
type Int int64

func (Int) Type() Type { return TypeInt }

// Str is an immutable UTF-8 string.
type Str string

func (Str) Type() Type { return TypeStr }

// Bool is a boolean.
type Bool bool

func (Bool) Type() Type { return TypeBool }

// NoneType is the unit value. Use the None singleton rather than
// constructing new instances.
type NoneType struct{}

func (NoneType) Type() Type { return TypeNone }

// None is the distinguished unit value.
var None = NoneType{}

// List is an ordered sequence of values, mutable in place.
type List struct {
	Items []Value
}

func (*List) Type() Type { return TypeList }

// NewList builds a list from the given items.
func NewList(items ...Value) *List {
	return &List{Items: items}
}

// Globals is a module's top-level name binding table. FuncRefs carry the
// Globals of the module that defined them, so imported functions keep
// access to their own module's bindings.
type Globals map[string]Value

// FuncRef is a reference to an entry in a program's function table.
// Equality on FuncRefs is identity.
type FuncRef struct {
	Index   int
	Name    string
	Globals Globals
}

func (*FuncRef) Type() Type { return TypeFuncRef }

// Dict is a mapping from string keys to values, preserving insertion
// order. A frozen Dict rejects every mutation with ErrFrozen.
type Dict struct {
	keys    []string
	entries map[string]Value
	frozen  bool
}

func (*Dict) Type() Type { return TypeDict }

// ErrFrozen is returned by Set on a frozen Dict.
var ErrFrozen = fmt.Errorf("dict is frozen")

// NewDict returns an empty, mutable dict.
func NewDict() *Dict {
	return &Dict{entries: make(map[string]Value)}
}

// Len returns the number of entries.
func (d *Dict) Len() int { return len(d.keys) }

// Frozen reports whether the dict rejects mutation.
func (d *Dict) Frozen() bool { return d.frozen }

// Get returns the value bound to key, if present.
func (d *Dict) Get(key string) (Value, bool) {
	v, ok := d.entries[key]
	return v, ok
}

// Set binds key to v, appending key to the iteration order on first
// insertion. Fails with ErrFrozen on a frozen dict.
func (d *Dict) Set(key string, v Value) error {
	if d.frozen {
		return ErrFrozen
	}
	if _, ok := d.entries[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.entries[key] = v
	return nil
}

// Keys returns the keys in insertion order. The returned slice is a copy.
func (d *Dict) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Freeze returns a frozen snapshot of the dict. The receiver is left
// untouched and stays mutable; the snapshot shares the values (reference
// semantics) but not the key bookkeeping. Freezing an already-frozen dict
// returns the receiver itself.
func (d *Dict) Freeze() *Dict {
	if d.frozen {
		return d
	}
	entries := make(map[string]Value, len(d.entries))
	for k, v := range d.entries {
		entries[k] = v
	}
	keys := make([]string, len(d.keys))
	copy(keys, d.keys)
	return &Dict{keys: keys, entries: entries, frozen: true}
}

// Truthy reports the falsiness rule of the language: zero, the empty
// string, false, none and empty containers are falsy; everything else,
// including every FuncRef, is truthy.
func Truthy(v Value) bool {
	switch x := v.(type) {
	case Int:
		return x != 0
	case Str:
		return x != ""
	case Bool:
		return bool(x)
	case NoneType:
		return false
	case *List:
		return len(x.Items) > 0
	case *Dict:
		return x.Len() > 0
	case *FuncRef:
		return true
	default:
		return false
	}
}

// Equal implements the == relation. Ints, Strs and Bools compare by
// payload; None equals None; Lists and Dicts compare structurally; a
// frozen Dict compares equal to an identical mutable Dict; FuncRefs
// compare by identity. Any cross-type pair is unequal.
//
// Equality assumes acyclic containers (the instruction set cannot build a
// cycle); only the formatter guards against them.
func Equal(a, b Value) bool {
	switch x := a.(type) {
	case Int:
		y, ok := b.(Int)
		return ok && x == y
	case Str:
		y, ok := b.(Str)
		return ok && x == y
	case Bool:
		y, ok := b.(Bool)
		return ok && x == y
	case NoneType:
		_, ok := b.(NoneType)
		return ok
	case *List:
		y, ok := b.(*List)
		if !ok || len(x.Items) != len(y.Items) {
			return false
		}
		for i := range x.Items {
			if !Equal(x.Items[i], y.Items[i]) {
				return false
			}
		}
		return true
	case *Dict:
		y, ok := b.(*Dict)
		if !ok || x.Len() != y.Len() {
			return false
		}
		// Frozenness is not part of the value: freeze(d) == d.
		for k, xv := range x.entries {
			yv, ok := y.entries[k]
			if !ok || !Equal(xv, yv) {
				return false
			}
		}
		return true
	case *FuncRef:
		y, ok := b.(*FuncRef)
		return ok && x == y
	default:
		return false
	}
}

// Compare orders two Ints or two Strs, returning -1, 0 or 1. The second
// result is false for any other pairing; the caller raises the type
// error.
func Compare(a, b Value) (int, bool) {
	switch x := a.(type) {
	case Int:
		if y, ok := b.(Int); ok {
			switch {
			case x < y:
				return -1, true
			case x > y:
				return 1, true
			}
			return 0, true
		}
	case Str:
		if y, ok := b.(Str); ok {
			return strings.Compare(string(x), string(y)), true
		}
	}
	return 0, false
}

// Format renders a value with the canonical formatter: Int in decimal,
// Bool as true/false, None as none, Str as-is, List as "[a, b]", Dict as
// "{k: v}" in insertion order, FuncRef as "<fn name>". Reentering a List
// or Dict already being formatted emits "[...]" or "{...}" instead of
// recursing.
func Format(v Value) string {
	var b strings.Builder
	formatInto(&b, v, make(map[Value]bool))
	return b.String()
}

func formatInto(b *strings.Builder, v Value, visited map[Value]bool) {
	switch x := v.(type) {
	case Int:
		fmt.Fprintf(b, "%d", int64(x))
	case Str:
		b.WriteString(string(x))
	case Bool:
		if x {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case NoneType:
		b.WriteString("none")
	case *List:
		if visited[x] {
			b.WriteString("[...]")
			return
		}
		visited[x] = true
		b.WriteByte('[')
		for i, item := range x.Items {
			if i > 0 {
				b.WriteString(", ")
			}
			formatInto(b, item, visited)
		}
		b.WriteByte(']')
		delete(visited, x)
	case *Dict:
		if visited[x] {
			b.WriteString("{...}")
			return
		}
		visited[x] = true
		b.WriteByte('{')
		for i, k := range x.keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteString(": ")
			formatInto(b, x.entries[k], visited)
		}
		b.WriteByte('}')
		delete(visited, x)
	case *FuncRef:
		fmt.Fprintf(b, "<fn %s>", x.Name)
	default:
		fmt.Fprintf(b, "<%v>", v)
	}
}

// SortedKeys returns a dict's keys in lexical order. The runtime itself
// always iterates in insertion order; this is for deterministic dumps in
// tools and tests.
func (d *Dict) SortedKeys() []string {
	out := d.Keys()
	sort.Strings(out)
	return out
}
