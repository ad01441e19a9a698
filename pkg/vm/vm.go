// Package vm implements the bytecode virtual machine for OMG.
//
// The VM is a stack-based interpreter over a verified program image. It is
// the final stage in the execution pipeline:
//
//	Source -> (external compiler) -> .omgb image -> VM -> Execution
//
// Virtual Machine Architecture:
//
//	1. Operand Stack: intermediate values during computation
//	2. Call-Frame Stack: one frame per active function invocation,
//	   carrying a locals mapping and the caller's return coordinates
//	3. Block Stack: active exception handlers
//	4. Globals: top-level name bindings, seeded with the program's args
//	   and one FuncRef per function-table entry
//	5. Program Counter: byte offset into the image's code vector
//
// Execution Model:
//
// The dispatcher fetches one opcode at a time, decodes its operands, and
// executes it against the state above. Execution ends when a HALT runs,
// when the program counter walks off the end of the code vector (an
// implicit HALT), or when an error escapes the outermost handler block.
//
// Stack discipline: operand underflow and corrupt frame accounting are
// VmInvariant faults. They are bugs in the image or the machine, not in
// the program, so they skip unwinding entirely and abort.
//
// Error Handling:
//
// Every instruction either succeeds or produces a *RuntimeError. A
// catchable error starts unwinding: the topmost handler block is popped,
// the operand stack is truncated to the block's recorded depth, frames
// above the block's recorded frame depth are discarded, a {kind, message}
// dict is pushed, and dispatch resumes at the handler. With no block on
// the stack the error surfaces to the embedder.
//
// Tail Calls:
//
// TCALL rebinds the current frame in place instead of stacking a new one,
// so accumulator-style recursion runs in constant frame space. The VM
// trusts the compiler to only place TCALL in tail position.
package vm

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/sentrychris/omglang/pkg/bytecode"
	"github.com/sentrychris/omglang/pkg/value"
)

// frame records one active function invocation.
type frame struct {
	fnName string
	locals map[string]value.Value
	// returnPC is the byte after the CALL instruction.
	returnPC uint32
	// stackDepth is the caller's operand depth after the arguments were
	// popped. RETURN truncates to it before pushing the return value,
	// which is what makes a balanced CALL/RETURN indistinguishable from a
	// single push in the caller.
	stackDepth int
	// blockDepth is the handler-block depth at call time, the unwind
	// boundary for this frame.
	blockDepth int
	// callOffset is where the CALL instruction lives, kept for traces.
	callOffset uint32
}

// handlerBlock is one SETUP_EXCEPT record.
type handlerBlock struct {
	handler    uint32
	stackDepth int
	frameDepth int
}

// Options configures a VM instance.
type Options struct {
	// Stdout receives EMIT output, one line per EMIT. Defaults to the
	// process stdout.
	Stdout io.Writer
	// FS is the filesystem capability for the file builtins. Defaults to
	// the host filesystem.
	FS FS
	// Args seeds the program-visible `args` global.
	Args []string
	// FuelLimit, when nonzero, bounds the number of executed
	// instructions; exceeding it aborts with ErrOutOfFuel.
	FuelLimit uint64
	// Debugger, when set, is consulted before every instruction.
	Debugger *Debugger
}

// VM is a single-threaded OMG interpreter over one loaded image. A VM is
// not safe for concurrent use; independent VM instances share nothing
// except the (read-only) image.
type VM struct {
	img     *bytecode.Image
	stack   []value.Value
	frames  []frame
	blocks  []handlerBlock
	globals value.Globals
	pc      uint32
	curOff  uint32
	halted  bool

	stdout   io.Writer
	fs       FS
	files    map[int64]File
	nextFile int64

	fuelUsed  uint64
	fuelLimit uint64
	debugger  *Debugger
}

// New constructs a VM for the image. Globals are seeded with `args` (the
// embedder's argument vector as a List of Str) and one FuncRef per
// function-table entry, carrying this module's globals reference.
func New(img *bytecode.Image, opts Options) *VM {
	vm := &VM{
		img:       img,
		stack:     make([]value.Value, 0, 64),
		frames:    make([]frame, 0, 16),
		globals:   make(value.Globals),
		stdout:    opts.Stdout,
		fs:        opts.FS,
		files:     make(map[int64]File),
		nextFile:  1,
		fuelLimit: opts.FuelLimit,
		debugger:  opts.Debugger,
	}
	if vm.stdout == nil {
		vm.stdout = os.Stdout
	}
	if vm.fs == nil {
		vm.fs = OSFS{}
	}

	argItems := make([]value.Value, len(opts.Args))
	for i, a := range opts.Args {
		argItems[i] = value.Str(a)
	}
	vm.globals["args"] = value.NewList(argItems...)

	for i := range img.Funcs {
		f := &img.Funcs[i]
		vm.globals[f.Name] = &value.FuncRef{
			Index:   i,
			Name:    f.Name,
			Globals: vm.globals,
		}
	}
	return vm
}

// FuelUsed returns the number of instructions executed so far.
func (vm *VM) FuelUsed() uint64 { return vm.fuelUsed }

// Globals exposes the VM's global bindings (shared by reference with
// every FuncRef the VM issued).
func (vm *VM) Globals() value.Globals { return vm.globals }

// Close releases VM-owned resources: every file handle still open in the
// handle table is closed. Close is idempotent.
func (vm *VM) Close() error {
	var first error
	for h, f := range vm.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(vm.files, h)
	}
	return first
}

// Run executes the image from its entry offset until normal termination
// or an uncaught error. The result is the value left on top of the
// operand stack (None if the stack is empty at halt).
func (vm *VM) Run() (value.Value, error) {
	code := vm.img.Code
	vm.pc = vm.img.Entry
	vm.halted = false

	for !vm.halted {
		if vm.pc >= uint32(len(code)) {
			// Off the end of the code vector: implicit HALT.
			break
		}
		if vm.debugger != nil {
			if err := vm.debugger.pause(vm, vm.pc); err != nil {
				return value.None, err
			}
		}
		if vm.fuelLimit > 0 && vm.fuelUsed >= vm.fuelLimit {
			return value.None, ErrOutOfFuel
		}
		vm.fuelUsed++

		vm.curOff = vm.pc
		op := bytecode.Opcode(code[vm.pc])
		vm.pc++

		var err *RuntimeError
		switch op {

		// ---- Literals ----

		case bytecode.OpPushInt:
			vm.push(value.Int(vm.readI64()))

		case bytecode.OpPushStr:
			s, _ := vm.img.StrConst(vm.readU16())
			vm.push(value.Str(s))

		case bytecode.OpPushBool:
			vm.push(value.Bool(vm.readU8() != 0))

		case bytecode.OpPushNone:
			vm.push(value.None)

		// ---- Variables ----

		case bytecode.OpLoad:
			name, _ := vm.img.StrConst(vm.readU16())
			err = vm.load(name)

		case bytecode.OpStore:
			name, _ := vm.img.StrConst(vm.readU16())
			err = vm.store(name, false)

		case bytecode.OpStoreGlobal:
			name, _ := vm.img.StrConst(vm.readU16())
			err = vm.store(name, true)

		// ---- Arithmetic ----

		case bytecode.OpAdd:
			err = vm.execAdd()

		case bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
			err = vm.execArith(op)

		// ---- Bitwise ----

		case bytecode.OpBand, bytecode.OpBor, bytecode.OpBxor,
			bytecode.OpShl, bytecode.OpShr:
			err = vm.execBitwise(op)

		case bytecode.OpBnot:
			err = vm.execBnot()

		// ---- Comparison ----

		case bytecode.OpEq, bytecode.OpNe:
			err = vm.execEquality(op)

		case bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
			err = vm.execOrdered(op)

		case bytecode.OpNot:
			var v value.Value
			if v, err = vm.pop(); err == nil {
				vm.push(value.Bool(!value.Truthy(v)))
			}

		// ---- Structures ----

		case bytecode.OpBuildList:
			err = vm.execBuildList(int(vm.readU16()))

		case bytecode.OpBuildDict:
			err = vm.execBuildDict(int(vm.readU16()))

		case bytecode.OpIndex:
			err = vm.execIndex()

		case bytecode.OpSlice:
			err = vm.execSlice()

		case bytecode.OpIndexSet:
			err = vm.execIndexSet()

		case bytecode.OpAttr:
			name, _ := vm.img.StrConst(vm.readU16())
			err = vm.execAttr(name)

		case bytecode.OpAttrSet:
			name, _ := vm.img.StrConst(vm.readU16())
			err = vm.execAttrSet(name)

		// ---- Control flow ----

		case bytecode.OpJmp:
			vm.pc = vm.readU32()

		case bytecode.OpJmpIfFalse:
			target := vm.readU32()
			var v value.Value
			if v, err = vm.pop(); err == nil && !value.Truthy(v) {
				vm.pc = target
			}

		case bytecode.OpCall:
			err = vm.execCall(false)

		case bytecode.OpTCall:
			err = vm.execCall(true)

		case bytecode.OpReturn:
			err = vm.execReturn()

		case bytecode.OpHalt:
			vm.halted = true

		// ---- Exceptions ----

		case bytecode.OpSetupExcept:
			vm.blocks = append(vm.blocks, handlerBlock{
				handler:    vm.readU32(),
				stackDepth: len(vm.stack),
				frameDepth: len(vm.frames),
			})

		case bytecode.OpPopBlock:
			if len(vm.blocks) == 0 {
				err = vm.fatal("POP_BLOCK on empty block stack")
			} else {
				vm.blocks = vm.blocks[:len(vm.blocks)-1]
			}

		case bytecode.OpRaise:
			err = vm.execRaise(ErrorKind(vm.readU8()))

		case bytecode.OpRaiseGenericLegacy, bytecode.OpRaiseTypeLegacy,
			bytecode.OpRaiseValueLegacy, bytecode.OpRaiseIndexLegacy,
			bytecode.OpRaiseKeyLegacy:
			kind, _ := bytecode.LegacyRaiseKind(op)
			err = vm.execRaise(ErrorKind(kind))

		case bytecode.OpAssert:
			var v value.Value
			if v, err = vm.pop(); err == nil && !value.Truthy(v) {
				err = vm.errf(KindAssertion, "assertion failed")
			}

		// ---- I/O ----

		case bytecode.OpEmit:
			var v value.Value
			if v, err = vm.pop(); err == nil {
				io.WriteString(vm.stdout, value.Format(v)+"\n")
			}

		// ---- Builtins ----

		case bytecode.OpBuiltin:
			name, _ := vm.img.StrConst(vm.readU16())
			argc := int(vm.readU8())
			var args []value.Value
			if args, err = vm.popArgs(argc); err == nil {
				var res value.Value
				if res, err = vm.callBuiltin(name, args); err == nil {
					vm.push(res)
				}
			}

		default:
			// Verification rejects unknown opcodes, so reaching this
			// means the machine itself went wrong.
			err = vm.fatal("invalid opcode 0x%02x", byte(op))
		}

		if err != nil {
			if err.Catchable() && vm.unwind(err) {
				continue
			}
			return value.None, err
		}
	}

	if len(vm.stack) > 0 {
		return vm.stack[len(vm.stack)-1], nil
	}
	return value.None, nil
}

// ---- Operand fetch -----------------------------------------------------
//
// Operand widths were validated at load time, so these read without
// bounds checks and advance the program counter.

func (vm *VM) readU8() byte {
	b := vm.img.Code[vm.pc]
	vm.pc++
	return b
}

func (vm *VM) readU16() uint16 {
	v := binary.LittleEndian.Uint16(vm.img.Code[vm.pc:])
	vm.pc += 2
	return v
}

func (vm *VM) readU32() uint32 {
	v := binary.LittleEndian.Uint32(vm.img.Code[vm.pc:])
	vm.pc += 4
	return v
}

func (vm *VM) readI64() int64 {
	v := int64(binary.LittleEndian.Uint64(vm.img.Code[vm.pc:]))
	vm.pc += 8
	return v
}

// ---- Stack helpers -----------------------------------------------------

func (vm *VM) push(v value.Value) {
	vm.stack = append(vm.stack, v)
}

func (vm *VM) pop() (value.Value, *RuntimeError) {
	if len(vm.stack) == 0 {
		return nil, vm.fatal("operand stack underflow")
	}
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v, nil
}

// pop2 pops b then a (a was pushed first).
func (vm *VM) pop2() (a, b value.Value, err *RuntimeError) {
	if b, err = vm.pop(); err != nil {
		return
	}
	a, err = vm.pop()
	return
}

// popArgs pops argc values pushed left-to-right, returning them in
// declaration order.
func (vm *VM) popArgs(argc int) ([]value.Value, *RuntimeError) {
	args := make([]value.Value, argc)
	for i := argc - 1; i >= 0; i-- {
		v, err := vm.pop()
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// ---- Errors ------------------------------------------------------------

func (vm *VM) errf(kind ErrorKind, format string, args ...interface{}) *RuntimeError {
	e := &RuntimeError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Offset:  vm.curOff,
	}
	for _, fr := range vm.frames {
		e.Trace = append(e.Trace, TraceFrame{Function: fr.fnName, Offset: fr.callOffset})
	}
	return e
}

func (vm *VM) fatal(format string, args ...interface{}) *RuntimeError {
	return vm.errf(KindVmInvariant, format, args...)
}

// unwind delivers err to the topmost handler block. It returns false when
// no block is installed, in which case the caller surfaces the error.
func (vm *VM) unwind(err *RuntimeError) bool {
	if len(vm.blocks) == 0 {
		return false
	}
	b := vm.blocks[len(vm.blocks)-1]
	vm.blocks = vm.blocks[:len(vm.blocks)-1]

	if b.frameDepth < len(vm.frames) {
		vm.frames = vm.frames[:b.frameDepth]
	}
	if b.stackDepth < len(vm.stack) {
		vm.stack = vm.stack[:b.stackDepth]
	}

	errVal := value.NewDict()
	errVal.Set("kind", value.Str(err.Kind.String()))
	errVal.Set("message", value.Str(err.Message))
	vm.push(errVal)

	vm.pc = b.handler
	return true
}

// ---- Variables ---------------------------------------------------------

func (vm *VM) load(name string) *RuntimeError {
	if len(vm.frames) > 0 {
		if v, ok := vm.frames[len(vm.frames)-1].locals[name]; ok {
			vm.push(v)
			return nil
		}
	}
	if v, ok := vm.globals[name]; ok {
		vm.push(v)
		return nil
	}
	return vm.errf(KindUndefinedIdent, "undefined identifier %q", name)
}

func (vm *VM) store(name string, global bool) *RuntimeError {
	v, err := vm.pop()
	if err != nil {
		return err
	}
	if !global && len(vm.frames) > 0 {
		vm.frames[len(vm.frames)-1].locals[name] = v
	} else {
		vm.globals[name] = v
	}
	return nil
}

// ---- Calls -------------------------------------------------------------

func (vm *VM) execCall(tail bool) *RuntimeError {
	fidx := vm.readU16()
	argc := int(vm.readU8())
	f := &vm.img.Funcs[fidx]

	if f.Native() {
		// A call that resolves to a builtin trampoline executes the
		// builtin in the caller's frame. For a tail call this is BUILTIN
		// followed by RETURN of the result.
		args, err := vm.popArgs(argc)
		if err != nil {
			return err
		}
		res, err := vm.callBuiltin(f.Name, args)
		if err != nil {
			return err
		}
		if tail && len(vm.frames) > 0 {
			return vm.returnValue(res)
		}
		vm.push(res)
		return nil
	}

	if argc != f.ParamCount {
		return vm.errf(KindType, "Function expects %d arguments", f.ParamCount)
	}
	args, err := vm.popArgs(argc)
	if err != nil {
		return err
	}
	locals := make(map[string]value.Value, len(f.LocalNames))
	for i := 0; i < f.ParamCount; i++ {
		locals[f.LocalNames[i]] = args[i]
	}

	if tail && len(vm.frames) > 0 {
		// Replace the current frame: the locals are rebound and control
		// moves to the callee, while the return coordinates and caller
		// depths recorded at the original CALL stay in place.
		fr := &vm.frames[len(vm.frames)-1]
		fr.fnName = f.Name
		fr.locals = locals
	} else {
		vm.frames = append(vm.frames, frame{
			fnName:     f.Name,
			locals:     locals,
			returnPC:   vm.pc,
			stackDepth: len(vm.stack),
			blockDepth: len(vm.blocks),
			callOffset: vm.curOff,
		})
	}
	vm.pc = f.Entry
	return nil
}

func (vm *VM) execReturn() *RuntimeError {
	ret, err := vm.pop()
	if err != nil {
		return err
	}
	return vm.returnValue(ret)
}

// returnValue unwinds the current frame and delivers ret to the caller.
// A top-level RETURN halts with ret as the program result.
func (vm *VM) returnValue(ret value.Value) *RuntimeError {
	if len(vm.frames) == 0 {
		vm.push(ret)
		vm.halted = true
		return nil
	}
	fr := vm.frames[len(vm.frames)-1]
	vm.frames = vm.frames[:len(vm.frames)-1]

	if len(vm.stack) < fr.stackDepth {
		return vm.fatal("operand stack below caller depth at RETURN (%d < %d)",
			len(vm.stack), fr.stackDepth)
	}
	vm.stack = vm.stack[:fr.stackDepth]
	if fr.blockDepth < len(vm.blocks) {
		vm.blocks = vm.blocks[:fr.blockDepth]
	}
	vm.push(ret)
	vm.pc = fr.returnPC
	return nil
}

// ---- Raise -------------------------------------------------------------

func (vm *VM) execRaise(kind ErrorKind) *RuntimeError {
	v, err := vm.pop()
	if err != nil {
		return err
	}
	return vm.errf(kind, "%s", value.Format(v))
}
