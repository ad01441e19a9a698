// Package bytecode defines the OMG instruction set, the immutable program
// image, and the .omgb binary container the virtual machine consumes.
//
// The instruction stream is byte-oriented and variable-width: a single
// opcode byte followed by zero or more little-endian operands. Operand
// shapes:
//
//	u8    one byte
//	u16   two bytes (constant pool index, function index, counts)
//	u32   four bytes (absolute code offsets for jumps and handlers)
//	i64   eight bytes (inline integer literal)
//
// NAME operands are u16 constant pool indices that must reference a Str
// constant; the loader verifies this at decode time so the VM can trust
// every operand it fetches.
package bytecode

// Opcode is a single-byte instruction operation.
type Opcode byte

// The instruction set. The numbering is part of the on-disk format and
// must not be reordered.
const (
	// === Literals ===

	// OpPushInt pushes an inline Int literal. Operand: i64.
	OpPushInt Opcode = 0

	// OpPushStr pushes a Str from the constant pool. Operand: KIDX (u16).
	OpPushStr Opcode = 1

	// OpPushBool pushes a Bool. Operand: u8 (0 or 1). The operand is
	// required; images carrying the ancient bare-opcode form fail
	// verification rather than defaulting.
	OpPushBool Opcode = 2

	// OpPushNone pushes the unit value. No operand.
	OpPushNone Opcode = 3

	// === Variables ===

	// OpLoad pushes a local if the name is bound in the current frame,
	// else a global. Operand: NAME (u16). Neither bound is an
	// UndefinedIdent error.
	OpLoad Opcode = 4

	// OpStore pops into a local inside a frame, or into globals at top
	// level. Operand: NAME (u16).
	OpStore Opcode = 5

	// OpStoreGlobal pops into globals unconditionally. Operand: NAME (u16).
	OpStoreGlobal Opcode = 6

	// === Arithmetic ===

	OpAdd Opcode = 7
	OpSub Opcode = 8
	OpMul Opcode = 9
	OpDiv Opcode = 10
	OpMod Opcode = 11

	// === Bitwise (Int-only) ===

	OpBand Opcode = 12
	OpBor  Opcode = 13
	OpBxor Opcode = 14
	OpShl  Opcode = 15
	OpShr  Opcode = 16
	OpBnot Opcode = 17

	// === Comparison ===

	OpEq Opcode = 18
	OpNe Opcode = 19
	OpLt Opcode = 20
	OpLe Opcode = 21
	OpGt Opcode = 22
	OpGe Opcode = 23

	// OpNot pushes the Bool negation of the popped value's truthiness.
	OpNot Opcode = 24

	// === Structures ===

	// OpBuildList pops n values and pushes a List. Operand: u16 n.
	OpBuildList Opcode = 25

	// OpBuildDict pops 2n values (alternating key, value) and pushes a
	// Dict. Operand: u16 n.
	OpBuildDict Opcode = 26

	// OpIndex pops key then target and pushes target[key].
	OpIndex Opcode = 27

	// OpSlice pops end, start, target and pushes target[start:end] for
	// Str and List targets.
	OpSlice Opcode = 28

	// OpIndexSet pops value, key, target and mutates the target.
	OpIndexSet Opcode = 29

	// OpAttr is OpIndex with a fixed Str key. Operand: NAME (u16).
	OpAttr Opcode = 30

	// OpAttrSet is OpIndexSet with a fixed Str key. Operand: NAME (u16).
	OpAttrSet Opcode = 31

	// === Control flow ===

	// OpJmp sets pc to the target. Operand: JTGT (u32).
	OpJmp Opcode = 32

	// OpJmpIfFalse pops a value and jumps if it is falsy. Operand: JTGT.
	OpJmpIfFalse Opcode = 33

	// OpCall enters a new frame. Operands: FIDX (u16), argc (u8).
	OpCall Opcode = 34

	// OpTCall replaces the current frame (tail call). Operands: FIDX, argc.
	OpTCall Opcode = 35

	// OpReturn pops the return value, unwinds the frame and pushes the
	// value on the caller's stack.
	OpReturn Opcode = 36

	// OpHalt terminates execution normally.
	OpHalt Opcode = 37

	// === Exceptions ===

	// OpSetupExcept pushes a handler block. Operand: JTGT (u32).
	OpSetupExcept Opcode = 38

	// OpPopBlock pops the topmost handler block with no other effect.
	OpPopBlock Opcode = 39

	// OpRaise pops a message value and raises. Operand: u8 error kind.
	OpRaise Opcode = 40

	// OpAssert pops a value and raises Assertion if it is falsy.
	OpAssert Opcode = 41

	// === I/O ===

	// OpEmit pops a value, stringifies it canonically, and appends it to
	// the stdout sink as one line.
	OpEmit Opcode = 42

	// === Builtins ===

	// OpBuiltin pops argc arguments in reverse and dispatches the named
	// builtin. Operands: NAME (u16), argc (u8).
	OpBuiltin Opcode = 43
)

// Legacy single-purpose raise opcodes from before the RAISE consolidation.
// They are accepted for one compatibility window and decode to the
// equivalent OpRaise kind. Each pops a message value, like OpRaise, but
// carries no operand.
const (
	OpRaiseGenericLegacy Opcode = 47
	OpRaiseTypeLegacy    Opcode = 48
	OpRaiseValueLegacy   Opcode = 49
	OpRaiseIndexLegacy   Opcode = 50
	OpRaiseKeyLegacy     Opcode = 51
)

// Raise kind operands for OpRaise. The numbering is part of the format.
const (
	RaiseGeneric      byte = 0
	RaiseSyntax       byte = 1
	RaiseType         byte = 2
	RaiseUndefined    byte = 3
	RaiseValue        byte = 4
	RaiseModuleImport byte = 5
	RaiseAssertion    byte = 6
	RaiseIndex        byte = 7
	RaiseKey          byte = 8
	RaiseZeroDivision byte = 9
	RaiseVmInvariant  byte = 255
)

// LegacyRaiseKind maps a legacy raise opcode to its OpRaise kind operand.
// The second result is false for non-legacy opcodes.
func LegacyRaiseKind(op Opcode) (byte, bool) {
	switch op {
	case OpRaiseGenericLegacy:
		return RaiseGeneric, true
	case OpRaiseTypeLegacy:
		return RaiseType, true
	case OpRaiseValueLegacy:
		return RaiseValue, true
	case OpRaiseIndexLegacy:
		return RaiseIndex, true
	case OpRaiseKeyLegacy:
		return RaiseKey, true
	}
	return 0, false
}

// ValidRaiseKind reports whether k is a kind byte OpRaise accepts.
func ValidRaiseKind(k byte) bool {
	return k <= RaiseZeroDivision || k == RaiseVmInvariant
}

// OperandWidth returns the number of operand bytes following op, or -1 if
// the opcode is unknown. Widths are fixed per opcode, which is what makes
// the two-pass load-time verification possible.
func OperandWidth(op Opcode) int {
	switch op {
	case OpPushInt:
		return 8
	case OpPushStr, OpLoad, OpStore, OpStoreGlobal,
		OpBuildList, OpBuildDict, OpAttr, OpAttrSet:
		return 2
	case OpPushBool, OpRaise:
		return 1
	case OpJmp, OpJmpIfFalse, OpSetupExcept:
		return 4
	case OpCall, OpTCall, OpBuiltin:
		return 3
	case OpPushNone, OpAdd, OpSub, OpMul, OpDiv, OpMod,
		OpBand, OpBor, OpBxor, OpShl, OpShr, OpBnot,
		OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpNot,
		OpIndex, OpSlice, OpIndexSet,
		OpReturn, OpHalt, OpPopBlock, OpAssert, OpEmit,
		OpRaiseGenericLegacy, OpRaiseTypeLegacy, OpRaiseValueLegacy,
		OpRaiseIndexLegacy, OpRaiseKeyLegacy:
		return 0
	default:
		return -1
	}
}

// String returns the mnemonic for an opcode, for disassembly and errors.
func (op Opcode) String() string {
	switch op {
	case OpPushInt:
		return "PUSH_INT"
	case OpPushStr:
		return "PUSH_STR"
	case OpPushBool:
		return "PUSH_BOOL"
	case OpPushNone:
		return "PUSH_NONE"
	case OpLoad:
		return "LOAD"
	case OpStore:
		return "STORE"
	case OpStoreGlobal:
		return "STORE_GLOBAL"
	case OpAdd:
		return "ADD"
	case OpSub:
		return "SUB"
	case OpMul:
		return "MUL"
	case OpDiv:
		return "DIV"
	case OpMod:
		return "MOD"
	case OpBand:
		return "BAND"
	case OpBor:
		return "BOR"
	case OpBxor:
		return "BXOR"
	case OpShl:
		return "SHL"
	case OpShr:
		return "SHR"
	case OpBnot:
		return "BNOT"
	case OpEq:
		return "EQ"
	case OpNe:
		return "NE"
	case OpLt:
		return "LT"
	case OpLe:
		return "LE"
	case OpGt:
		return "GT"
	case OpGe:
		return "GE"
	case OpNot:
		return "NOT"
	case OpBuildList:
		return "BUILD_LIST"
	case OpBuildDict:
		return "BUILD_DICT"
	case OpIndex:
		return "INDEX"
	case OpSlice:
		return "SLICE"
	case OpIndexSet:
		return "INDEX_SET"
	case OpAttr:
		return "ATTR"
	case OpAttrSet:
		return "ATTR_SET"
	case OpJmp:
		return "JMP"
	case OpJmpIfFalse:
		return "JMP_IF_FALSE"
	case OpCall:
		return "CALL"
	case OpTCall:
		return "TCALL"
	case OpReturn:
		return "RETURN"
	case OpHalt:
		return "HALT"
	case OpSetupExcept:
		return "SETUP_EXCEPT"
	case OpPopBlock:
		return "POP_BLOCK"
	case OpRaise:
		return "RAISE"
	case OpAssert:
		return "ASSERT"
	case OpEmit:
		return "EMIT"
	case OpBuiltin:
		return "BUILTIN"
	case OpRaiseGenericLegacy:
		return "RAISE_GENERIC"
	case OpRaiseTypeLegacy:
		return "RAISE_TYPE"
	case OpRaiseValueLegacy:
		return "RAISE_VALUE"
	case OpRaiseIndexLegacy:
		return "RAISE_INDEX"
	case OpRaiseKeyLegacy:
		return "RAISE_KEY"
	default:
		return "UNKNOWN"
	}
}
