// Builtin dispatch.
//
// All builtins funnel through a single dispatcher keyed by name. It is
// reachable from the BUILTIN instruction, from native function-table
// trampolines, and from the call_builtin meta-builtin, which forwards its
// remaining arguments to the builtin named by its first.
package vm

import (
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/sentrychris/omglang/pkg/value"
)

// callBuiltin dispatches one builtin invocation. The returned error is
// catchable by OMG handler blocks unless a VM invariant broke.
func (vm *VM) callBuiltin(name string, args []value.Value) (value.Value, *RuntimeError) {
	switch name {
	case "length":
		if err := vm.arity(name, args, 1); err != nil {
			return nil, err
		}
		switch t := args[0].(type) {
		case value.Str:
			return value.Int(utf8.RuneCountInString(string(t))), nil
		case *value.List:
			return value.Int(len(t.Items)), nil
		case *value.Dict:
			return value.Int(t.Len()), nil
		default:
			return nil, vm.errf(KindType, "length: unsupported type %s", args[0].Type())
		}

	case "chr":
		if err := vm.arity(name, args, 1); err != nil {
			return nil, err
		}
		n, ok := args[0].(value.Int)
		if !ok {
			return nil, vm.errf(KindType, "chr: expected int, got %s", args[0].Type())
		}
		if n < 0 || n > 0x10FFFF {
			return nil, vm.errf(KindValue, "chr: codepoint out of range: %d", int64(n))
		}
		return value.Str(rune(n)), nil

	case "ascii":
		if err := vm.arity(name, args, 1); err != nil {
			return nil, err
		}
		s, ok := args[0].(value.Str)
		if !ok {
			return nil, vm.errf(KindType, "ascii: expected str, got %s", args[0].Type())
		}
		runes := []rune(string(s))
		if len(runes) != 1 {
			return nil, vm.errf(KindType, "ascii: expected a 1-character str, got %d characters", len(runes))
		}
		return value.Int(runes[0]), nil

	case "hex":
		if err := vm.arity(name, args, 1); err != nil {
			return nil, err
		}
		n, ok := args[0].(value.Int)
		if !ok {
			return nil, vm.errf(KindType, "hex: expected int, got %s", args[0].Type())
		}
		return value.Str(fmt.Sprintf("%#x", int64(n))), nil

	case "binary":
		return vm.builtinBinary(args)

	case "freeze":
		if err := vm.arity(name, args, 1); err != nil {
			return nil, err
		}
		d, ok := args[0].(*value.Dict)
		if !ok {
			return nil, vm.errf(KindType, "freeze: expected dict, got %s", args[0].Type())
		}
		return d.Freeze(), nil

	case "panic":
		if err := vm.arity(name, args, 1); err != nil {
			return nil, err
		}
		return nil, vm.errf(KindGeneric, "%s", value.Format(args[0]))

	case "raise":
		return vm.builtinRaise(args)

	case "read_file":
		if err := vm.arity(name, args, 1); err != nil {
			return nil, err
		}
		path, ok := args[0].(value.Str)
		if !ok {
			return nil, vm.errf(KindType, "read_file: expected str path, got %s", args[0].Type())
		}
		data, err := vm.fs.ReadFile(string(path))
		if err != nil {
			return nil, vm.errf(KindGeneric, "io: %v", err)
		}
		return value.Str(data), nil

	case "file_exists":
		if err := vm.arity(name, args, 1); err != nil {
			return nil, err
		}
		path, ok := args[0].(value.Str)
		if !ok {
			return nil, vm.errf(KindType, "file_exists: expected str path, got %s", args[0].Type())
		}
		return value.Bool(vm.fs.Exists(string(path))), nil

	case "file_open":
		return vm.builtinFileOpen(args)

	case "file_read":
		return vm.builtinFileRead(args)

	case "file_write":
		return vm.builtinFileWrite(args)

	case "file_close":
		return vm.builtinFileClose(args)

	case "call_builtin":
		if len(args) < 1 {
			return nil, vm.errf(KindType, "call_builtin expects at least 1 argument")
		}
		target, ok := args[0].(value.Str)
		if !ok {
			return nil, vm.errf(KindType, "call_builtin: builtin name must be str, got %s", args[0].Type())
		}
		return vm.callBuiltin(string(target), args[1:])

	default:
		return nil, vm.errf(KindUndefinedIdent, "unknown builtin %q", name)
	}
}

func (vm *VM) arity(name string, args []value.Value, want int) *RuntimeError {
	if len(args) != want {
		return vm.errf(KindType, "%s expects %d arguments, got %d", name, want, len(args))
	}
	return nil
}

// builtinBinary implements binary(n) and binary(n, width).
//
//	binary(n)        signed binary with a leading '-' for negatives
//	binary(n, w)     n masked to its w low bits, zero-padded to width w
func (vm *VM) builtinBinary(args []value.Value) (value.Value, *RuntimeError) {
	if len(args) != 1 && len(args) != 2 {
		return nil, vm.errf(KindType, "binary expects 1 or 2 arguments, got %d", len(args))
	}
	n, ok := args[0].(value.Int)
	if !ok {
		return nil, vm.errf(KindType, "binary: expected int, got %s", args[0].Type())
	}
	if len(args) == 1 {
		return value.Str(fmt.Sprintf("%b", int64(n))), nil
	}
	w, ok := args[1].(value.Int)
	if !ok {
		return nil, vm.errf(KindType, "binary: width must be int, got %s", args[1].Type())
	}
	if w < 1 || w > 64 {
		return nil, vm.errf(KindValue, "binary: width out of range: %d", int64(w))
	}
	var mask uint64
	if w == 64 {
		mask = ^uint64(0)
	} else {
		mask = (uint64(1) << uint(w)) - 1
	}
	return value.Str(fmt.Sprintf("%0*b", int(w), uint64(n)&mask)), nil
}

// builtinRaise implements the 1- and 2-argument raise forms. The
// two-argument form maps the kind name to the matching error kind.
func (vm *VM) builtinRaise(args []value.Value) (value.Value, *RuntimeError) {
	switch len(args) {
	case 1:
		return nil, vm.errf(KindGeneric, "%s", value.Format(args[0]))
	case 2:
		kindName, ok := args[0].(value.Str)
		if !ok {
			return nil, vm.errf(KindType, "raise: kind must be str, got %s", args[0].Type())
		}
		msg, ok := args[1].(value.Str)
		if !ok {
			return nil, vm.errf(KindType, "raise: message must be str, got %s", args[1].Type())
		}
		kind, ok := KindFromName(string(kindName))
		if !ok {
			return nil, vm.errf(KindValue, "raise: unknown error kind %q", string(kindName))
		}
		return nil, vm.errf(kind, "%s", string(msg))
	default:
		return nil, vm.errf(KindType, "raise expects 1 or 2 arguments, got %d", len(args))
	}
}

// ---- File handle table -------------------------------------------------
//
// Handles are Ints issued by a monotone counter, scoped to one VM
// instance. Close flushes the table.

func (vm *VM) builtinFileOpen(args []value.Value) (value.Value, *RuntimeError) {
	if err := vm.arity("file_open", args, 2); err != nil {
		return nil, err
	}
	path, ok1 := args[0].(value.Str)
	mode, ok2 := args[1].(value.Str)
	if !ok1 || !ok2 {
		return nil, vm.errf(KindType, "file_open: expected (str path, str mode)")
	}
	f, err := vm.fs.Open(string(path), string(mode))
	if err != nil {
		return nil, vm.errf(KindGeneric, "io: %v", err)
	}
	handle := vm.nextFile
	vm.nextFile++
	vm.files[handle] = f
	return value.Int(handle), nil
}

func (vm *VM) fileHandle(name string, v value.Value) (File, int64, *RuntimeError) {
	h, ok := v.(value.Int)
	if !ok {
		return nil, 0, vm.errf(KindType, "%s: expected int handle, got %s", name, v.Type())
	}
	f, ok := vm.files[int64(h)]
	if !ok {
		return nil, 0, vm.errf(KindValue, "%s: invalid file handle %d", name, int64(h))
	}
	return f, int64(h), nil
}

// builtinFileRead reads the handle's remaining contents; at EOF it
// returns the empty string.
func (vm *VM) builtinFileRead(args []value.Value) (value.Value, *RuntimeError) {
	if err := vm.arity("file_read", args, 1); err != nil {
		return nil, err
	}
	f, _, rerr := vm.fileHandle("file_read", args[0])
	if rerr != nil {
		return nil, rerr
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, vm.errf(KindGeneric, "io: %v", err)
	}
	return value.Str(data), nil
}

func (vm *VM) builtinFileWrite(args []value.Value) (value.Value, *RuntimeError) {
	if err := vm.arity("file_write", args, 2); err != nil {
		return nil, err
	}
	f, _, rerr := vm.fileHandle("file_write", args[0])
	if rerr != nil {
		return nil, rerr
	}
	data, ok := args[1].(value.Str)
	if !ok {
		return nil, vm.errf(KindType, "file_write: expected str data, got %s", args[1].Type())
	}
	if _, err := f.Write([]byte(data)); err != nil {
		return nil, vm.errf(KindGeneric, "io: %v", err)
	}
	return value.None, nil
}

// builtinFileClose closes a handle. Closing an unknown or already-closed
// handle is a no-op.
func (vm *VM) builtinFileClose(args []value.Value) (value.Value, *RuntimeError) {
	if err := vm.arity("file_close", args, 1); err != nil {
		return nil, err
	}
	h, ok := args[0].(value.Int)
	if !ok {
		return nil, vm.errf(KindType, "file_close: expected int handle, got %s", args[0].Type())
	}
	if f, ok := vm.files[int64(h)]; ok {
		delete(vm.files, int64(h))
		if err := f.Close(); err != nil {
			return nil, vm.errf(KindGeneric, "io: %v", err)
		}
	}
	return value.None, nil
}
