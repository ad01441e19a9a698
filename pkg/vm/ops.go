// Arithmetic, comparison and structural instruction handlers.
package vm

import (
	"github.com/sentrychris/omglang/pkg/bytecode"
	"github.com/sentrychris/omglang/pkg/value"
)

// execAdd implements ADD with the language's coercion rules:
//
//	Int + Int    -> Int
//	List + List  -> concatenation (a new list)
//	Str + any    -> Str, stringifying the right operand canonically
func (vm *VM) execAdd() *RuntimeError {
	a, b, err := vm.pop2()
	if err != nil {
		return err
	}
	switch x := a.(type) {
	case value.Int:
		if y, ok := b.(value.Int); ok {
			vm.push(x + y)
			return nil
		}
	case *value.List:
		if y, ok := b.(*value.List); ok {
			items := make([]value.Value, 0, len(x.Items)+len(y.Items))
			items = append(items, x.Items...)
			items = append(items, y.Items...)
			vm.push(value.NewList(items...))
			return nil
		}
	case value.Str:
		vm.push(x + value.Str(value.Format(b)))
		return nil
	}
	return vm.errf(KindType, "cannot add %s and %s", a.Type(), b.Type())
}

// execArith implements the Int-only SUB/MUL/DIV/MOD group.
func (vm *VM) execArith(op bytecode.Opcode) *RuntimeError {
	a, b, err := vm.pop2()
	if err != nil {
		return err
	}
	x, ok1 := a.(value.Int)
	y, ok2 := b.(value.Int)
	if !ok1 || !ok2 {
		return vm.errf(KindType, "%s requires int operands, got %s and %s",
			op, a.Type(), b.Type())
	}
	switch op {
	case bytecode.OpSub:
		vm.push(x - y)
	case bytecode.OpMul:
		vm.push(x * y)
	case bytecode.OpDiv:
		if y == 0 {
			return vm.errf(KindZeroDivision, "division by zero")
		}
		vm.push(x / y)
	case bytecode.OpMod:
		if y == 0 {
			return vm.errf(KindZeroDivision, "modulo by zero")
		}
		vm.push(x % y)
	}
	return nil
}

// execBitwise implements the Int-only BAND/BOR/BXOR/SHL/SHR group. A
// negative shift count is a Value error; other counts are taken modulo 64.
func (vm *VM) execBitwise(op bytecode.Opcode) *RuntimeError {
	a, b, err := vm.pop2()
	if err != nil {
		return err
	}
	x, ok1 := a.(value.Int)
	y, ok2 := b.(value.Int)
	if !ok1 || !ok2 {
		return vm.errf(KindType, "%s requires int operands, got %s and %s",
			op, a.Type(), b.Type())
	}
	switch op {
	case bytecode.OpBand:
		vm.push(x & y)
	case bytecode.OpBor:
		vm.push(x | y)
	case bytecode.OpBxor:
		vm.push(x ^ y)
	case bytecode.OpShl:
		if y < 0 {
			return vm.errf(KindValue, "negative shift count %d", int64(y))
		}
		vm.push(x << (uint64(y) & 63))
	case bytecode.OpShr:
		if y < 0 {
			return vm.errf(KindValue, "negative shift count %d", int64(y))
		}
		vm.push(x >> (uint64(y) & 63))
	}
	return nil
}

func (vm *VM) execBnot() *RuntimeError {
	v, err := vm.pop()
	if err != nil {
		return err
	}
	x, ok := v.(value.Int)
	if !ok {
		return vm.errf(KindType, "BNOT requires an int operand, got %s", v.Type())
	}
	vm.push(^x)
	return nil
}

// execEquality implements EQ and NE, defined across any pair of values.
func (vm *VM) execEquality(op bytecode.Opcode) *RuntimeError {
	a, b, err := vm.pop2()
	if err != nil {
		return err
	}
	eq := value.Equal(a, b)
	if op == bytecode.OpNe {
		eq = !eq
	}
	vm.push(value.Bool(eq))
	return nil
}

// execOrdered implements LT/LE/GT/GE, defined only on two Ints or two
// Strs.
func (vm *VM) execOrdered(op bytecode.Opcode) *RuntimeError {
	a, b, err := vm.pop2()
	if err != nil {
		return err
	}
	c, ok := value.Compare(a, b)
	if !ok {
		return vm.errf(KindType, "cannot compare %s and %s", a.Type(), b.Type())
	}
	var res bool
	switch op {
	case bytecode.OpLt:
		res = c < 0
	case bytecode.OpLe:
		res = c <= 0
	case bytecode.OpGt:
		res = c > 0
	case bytecode.OpGe:
		res = c >= 0
	}
	vm.push(value.Bool(res))
	return nil
}

func (vm *VM) execBuildList(n int) *RuntimeError {
	items := make([]value.Value, n)
	for i := n - 1; i >= 0; i-- {
		v, err := vm.pop()
		if err != nil {
			return err
		}
		items[i] = v
	}
	vm.push(value.NewList(items...))
	return nil
}

func (vm *VM) execBuildDict(n int) *RuntimeError {
	// The stack holds n key/value pairs pushed in source order. Pop them
	// into a scratch slice so the dict preserves source insertion order.
	pairs := make([]value.Value, 2*n)
	for i := 2*n - 1; i >= 0; i-- {
		v, err := vm.pop()
		if err != nil {
			return err
		}
		pairs[i] = v
	}
	d := value.NewDict()
	for i := 0; i < n; i++ {
		k, ok := pairs[2*i].(value.Str)
		if !ok {
			return vm.errf(KindType, "dict key must be str, got %s", pairs[2*i].Type())
		}
		d.Set(string(k), pairs[2*i+1])
	}
	vm.push(d)
	return nil
}

// indexValue looks up target[key]; ATTR routes through this with a Str
// key, so string keys against a List fail the same way either path.
func (vm *VM) indexValue(target, key value.Value) (value.Value, *RuntimeError) {
	switch t := target.(type) {
	case *value.List:
		i, ok := key.(value.Int)
		if !ok {
			return nil, vm.errf(KindType, "list index must be int, got %s", key.Type())
		}
		if i < 0 || int(i) >= len(t.Items) {
			return nil, vm.errf(KindIndex, "list index out of range: %d (length %d)",
				int64(i), len(t.Items))
		}
		return t.Items[i], nil
	case *value.Dict:
		k, ok := key.(value.Str)
		if !ok {
			return nil, vm.errf(KindType, "dict key must be str, got %s", key.Type())
		}
		v, ok := t.Get(string(k))
		if !ok {
			return nil, vm.errf(KindKey, "key not found: %s", string(k))
		}
		return v, nil
	case value.Str:
		i, ok := key.(value.Int)
		if !ok {
			return nil, vm.errf(KindType, "string index must be int, got %s", key.Type())
		}
		runes := []rune(string(t))
		if i < 0 || int(i) >= len(runes) {
			return nil, vm.errf(KindIndex, "string index out of range: %d (length %d)",
				int64(i), len(runes))
		}
		return value.Str(runes[i]), nil
	default:
		return nil, vm.errf(KindType, "cannot index %s", target.Type())
	}
}

func (vm *VM) execIndex() *RuntimeError {
	target, key, err := vm.pop2()
	if err != nil {
		return err
	}
	v, err := vm.indexValue(target, key)
	if err != nil {
		return err
	}
	vm.push(v)
	return nil
}

func (vm *VM) execAttr(name string) *RuntimeError {
	target, err := vm.pop()
	if err != nil {
		return err
	}
	v, err := vm.indexValue(target, value.Str(name))
	if err != nil {
		return err
	}
	vm.push(v)
	return nil
}

func (vm *VM) indexSet(target, key, v value.Value) *RuntimeError {
	switch t := target.(type) {
	case *value.List:
		i, ok := key.(value.Int)
		if !ok {
			return vm.errf(KindType, "list index must be int, got %s", key.Type())
		}
		if i < 0 || int(i) >= len(t.Items) {
			return vm.errf(KindIndex, "list index out of range: %d (length %d)",
				int64(i), len(t.Items))
		}
		t.Items[i] = v
		return nil
	case *value.Dict:
		k, ok := key.(value.Str)
		if !ok {
			return vm.errf(KindType, "dict key must be str, got %s", key.Type())
		}
		if err := t.Set(string(k), v); err != nil {
			return vm.errf(KindType, "cannot mutate frozen dict")
		}
		return nil
	default:
		return vm.errf(KindType, "cannot assign into %s", target.Type())
	}
}

func (vm *VM) execIndexSet() *RuntimeError {
	v, err := vm.pop()
	if err != nil {
		return err
	}
	target, key, err := vm.pop2()
	if err != nil {
		return err
	}
	return vm.indexSet(target, key, v)
}

func (vm *VM) execAttrSet(name string) *RuntimeError {
	target, v, err := vm.pop2()
	if err != nil {
		return err
	}
	return vm.indexSet(target, value.Str(name), v)
}

// execSlice implements SLICE on Str and List targets. Bounds are
// inclusive-exclusive and must satisfy 0 <= start <= end <= length.
func (vm *VM) execSlice() *RuntimeError {
	endV, err := vm.pop()
	if err != nil {
		return err
	}
	target, startV, err := vm.pop2()
	if err != nil {
		return err
	}
	start, ok1 := startV.(value.Int)
	end, ok2 := endV.(value.Int)
	if !ok1 || !ok2 {
		return vm.errf(KindType, "slice bounds must be int, got %s and %s",
			startV.Type(), endV.Type())
	}
	switch t := target.(type) {
	case *value.List:
		if start < 0 || end < start || int(end) > len(t.Items) {
			return vm.errf(KindIndex, "slice bounds out of range: [%d:%d] (length %d)",
				int64(start), int64(end), len(t.Items))
		}
		items := make([]value.Value, end-start)
		copy(items, t.Items[start:end])
		vm.push(value.NewList(items...))
		return nil
	case value.Str:
		runes := []rune(string(t))
		if start < 0 || end < start || int(end) > len(runes) {
			return vm.errf(KindIndex, "slice bounds out of range: [%d:%d] (length %d)",
				int64(start), int64(end), len(runes))
		}
		vm.push(value.Str(runes[start:end]))
		return nil
	default:
		return vm.errf(KindType, "cannot slice %s", target.Type())
	}
}
