package bytecode

// Constant pool entry tags, as written in the .omgb container.
const (
	ConstInt byte = 0
	ConstStr byte = 1
)

// Const is one deduplicated literal in the constant pool.
type Const struct {
	Tag byte
	Int int64  // valid when Tag == ConstInt
	Str string // valid when Tag == ConstStr
}

// NativeEntry is the entry-offset sentinel marking a function-table record
// as a native builtin trampoline. Calling such a record dispatches the
// builtin of the same name in the caller's frame instead of entering
// bytecode; this is what makes a defensively-emitted TCALL to a builtin
// behave like BUILTIN followed by RETURN.
const NativeEntry uint32 = 0xFFFFFFFF

// Function is one record of the function table.
type Function struct {
	Name       string
	ParamCount int
	Entry      uint32
	// LocalNames lists the function's declared names; the first
	// ParamCount entries are the parameters, bound left-to-right at call
	// time. The remainder start unbound.
	LocalNames []string
}

// Native reports whether the record is a builtin trampoline.
func (f *Function) Native() bool { return f.Entry == NativeEntry }

// Image is a loaded, verified program. It is immutable after load: the VM
// only ever reads it, and multiple VM instances may share one Image.
type Image struct {
	Version uint16
	Flags   uint16
	Consts  []Const
	Funcs   []Function
	Code    []byte
	Entry   uint32

	// starts indexes the first byte of every decoded instruction;
	// populated by verification. Jump targets and entry offsets have all
	// been checked against it, so the dispatcher can trust any pc it
	// computes from verified operands.
	starts map[uint32]bool
}

// IsInstructionStart reports whether off addresses the first byte of an
// instruction. The end of the code vector counts as a valid resume point
// (falling off the end is an implicit HALT).
func (img *Image) IsInstructionStart(off uint32) bool {
	if off == uint32(len(img.Code)) {
		return true
	}
	return img.starts[off]
}

// StrConst returns the Str constant at idx. The second result is false if
// the index is out of range or the constant is not a Str; verified images
// never trip this for NAME operands.
func (img *Image) StrConst(idx uint16) (string, bool) {
	if int(idx) >= len(img.Consts) || img.Consts[idx].Tag != ConstStr {
		return "", false
	}
	return img.Consts[idx].Str, true
}
