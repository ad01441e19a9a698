package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Assembler builds images programmatically: it interns constants, emits
// instructions with label-based control flow, and registers function-table
// records. It exists for embedders that generate code, for the
// disassembler's round-trip tests, and for the VM test suite; it is not a
// source compiler.
//
// Typical use:
//
//	a := NewAssembler()
//	a.SetEntryHere()
//	a.PushInt(2)
//	a.PushInt(3)
//	a.Op(OpAdd)
//	a.Op(OpEmit)
//	a.Op(OpHalt)
//	img, err := a.Image()
//
// Jumps reference labels, which may be defined before or after the jump:
//
//	a.JmpIfFalse("done")
//	...
//	a.Label("done")
type Assembler struct {
	consts   []Const
	intIdx   map[int64]uint16
	strIdx   map[string]uint16
	funcs    []Function
	code     []byte
	entry    uint32
	entrySet bool
	labels   map[string]uint32
	patches  []patch
}

// patch records a jump operand to resolve once its label is defined.
type patch struct {
	at    int // offset of the u32 operand within code
	label string
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		intIdx: make(map[int64]uint16),
		strIdx: make(map[string]uint16),
		labels: make(map[string]uint32),
	}
}

// Int interns an Int constant and returns its pool index.
func (a *Assembler) Int(v int64) uint16 {
	if idx, ok := a.intIdx[v]; ok {
		return idx
	}
	idx := uint16(len(a.consts))
	a.consts = append(a.consts, Const{Tag: ConstInt, Int: v})
	a.intIdx[v] = idx
	return idx
}

// Str interns a Str constant and returns its pool index.
func (a *Assembler) Str(s string) uint16 {
	if idx, ok := a.strIdx[s]; ok {
		return idx
	}
	idx := uint16(len(a.consts))
	a.consts = append(a.consts, Const{Tag: ConstStr, Str: s})
	a.strIdx[s] = idx
	return idx
}

// Here returns the current code offset.
func (a *Assembler) Here() uint32 { return uint32(len(a.code)) }

// SetEntryHere marks the current offset as the image entry point.
func (a *Assembler) SetEntryHere() {
	a.entry = a.Here()
	a.entrySet = true
}

// Label defines name at the current offset.
func (a *Assembler) Label(name string) {
	a.labels[name] = a.Here()
}

// BeginFunc registers a function whose body starts at the current offset.
// The params are bound left-to-right at call time; extraLocals declares
// additional frame names. Returns the function-table index for Call/TCall.
func (a *Assembler) BeginFunc(name string, params []string, extraLocals ...string) uint16 {
	a.Str(name)
	locals := append(append([]string{}, params...), extraLocals...)
	for _, l := range locals {
		a.Str(l)
	}
	idx := uint16(len(a.funcs))
	a.funcs = append(a.funcs, Function{
		Name:       name,
		ParamCount: len(params),
		Entry:      a.Here(),
		LocalNames: locals,
	})
	return idx
}

// NativeFunc registers a builtin trampoline record (entry = NativeEntry).
func (a *Assembler) NativeFunc(name string, paramCount int) uint16 {
	a.Str(name)
	idx := uint16(len(a.funcs))
	a.funcs = append(a.funcs, Function{
		Name:       name,
		ParamCount: paramCount,
		Entry:      NativeEntry,
	})
	return idx
}

func (a *Assembler) emit(op Opcode)      { a.code = append(a.code, byte(op)) }
func (a *Assembler) emitU8(v byte)       { a.code = append(a.code, v) }
func (a *Assembler) emitU16(v uint16)    { a.code = binary.LittleEndian.AppendUint16(a.code, v) }
func (a *Assembler) emitU32(v uint32)    { a.code = binary.LittleEndian.AppendUint32(a.code, v) }
func (a *Assembler) emitI64(v int64)     { a.code = binary.LittleEndian.AppendUint64(a.code, uint64(v)) }

func (a *Assembler) emitJump(op Opcode, label string) {
	a.emit(op)
	a.patches = append(a.patches, patch{at: len(a.code), label: label})
	a.emitU32(0)
}

// Op emits a no-operand instruction.
func (a *Assembler) Op(op Opcode) { a.emit(op) }

// PushInt emits PUSH_INT with an inline literal.
func (a *Assembler) PushInt(v int64) {
	a.emit(OpPushInt)
	a.emitI64(v)
}

// PushStr emits PUSH_STR, interning the string.
func (a *Assembler) PushStr(s string) {
	a.emit(OpPushStr)
	a.emitU16(a.Str(s))
}

// PushBool emits PUSH_BOOL.
func (a *Assembler) PushBool(v bool) {
	a.emit(OpPushBool)
	if v {
		a.emitU8(1)
	} else {
		a.emitU8(0)
	}
}

// PushNone emits PUSH_NONE.
func (a *Assembler) PushNone() { a.emit(OpPushNone) }

// Load emits LOAD name.
func (a *Assembler) Load(name string) {
	a.emit(OpLoad)
	a.emitU16(a.Str(name))
}

// Store emits STORE name.
func (a *Assembler) Store(name string) {
	a.emit(OpStore)
	a.emitU16(a.Str(name))
}

// StoreGlobal emits STORE_GLOBAL name.
func (a *Assembler) StoreGlobal(name string) {
	a.emit(OpStoreGlobal)
	a.emitU16(a.Str(name))
}

// BuildList emits BUILD_LIST n.
func (a *Assembler) BuildList(n uint16) {
	a.emit(OpBuildList)
	a.emitU16(n)
}

// BuildDict emits BUILD_DICT n (n key/value pairs).
func (a *Assembler) BuildDict(n uint16) {
	a.emit(OpBuildDict)
	a.emitU16(n)
}

// Attr emits ATTR name.
func (a *Assembler) Attr(name string) {
	a.emit(OpAttr)
	a.emitU16(a.Str(name))
}

// AttrSet emits ATTR_SET name.
func (a *Assembler) AttrSet(name string) {
	a.emit(OpAttrSet)
	a.emitU16(a.Str(name))
}

// Jmp emits JMP to a label.
func (a *Assembler) Jmp(label string) { a.emitJump(OpJmp, label) }

// JmpIfFalse emits JMP_IF_FALSE to a label.
func (a *Assembler) JmpIfFalse(label string) { a.emitJump(OpJmpIfFalse, label) }

// SetupExcept emits SETUP_EXCEPT with a handler label.
func (a *Assembler) SetupExcept(label string) { a.emitJump(OpSetupExcept, label) }

// Call emits CALL fidx argc.
func (a *Assembler) Call(fidx uint16, argc uint8) {
	a.emit(OpCall)
	a.emitU16(fidx)
	a.emitU8(argc)
}

// TCall emits TCALL fidx argc.
func (a *Assembler) TCall(fidx uint16, argc uint8) {
	a.emit(OpTCall)
	a.emitU16(fidx)
	a.emitU8(argc)
}

// Raise emits RAISE kind.
func (a *Assembler) Raise(kind byte) {
	a.emit(OpRaise)
	a.emitU8(kind)
}

// Builtin emits BUILTIN name argc.
func (a *Assembler) Builtin(name string, argc uint8) {
	a.emit(OpBuiltin)
	a.emitU16(a.Str(name))
	a.emitU8(argc)
}

// RawByte appends one raw byte to the code stream, bypassing instruction
// encoding. Tests use it to manufacture corrupt images.
func (a *Assembler) RawByte(b byte) { a.code = append(a.code, b) }

// Image resolves labels, assembles the image, and runs it through the
// same verification as Decode. Every label referenced by a jump must be
// defined.
func (a *Assembler) Image() (*Image, error) {
	code := make([]byte, len(a.code))
	copy(code, a.code)
	for _, p := range a.patches {
		target, ok := a.labels[p.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", p.label)
		}
		binary.LittleEndian.PutUint32(code[p.at:], target)
	}

	img := &Image{
		Version: FormatVersion,
		Consts:  append([]Const{}, a.consts...),
		Funcs:   append([]Function{}, a.funcs...),
		Code:    code,
		Entry:   a.entry,
	}
	if !a.entrySet {
		img.Entry = 0
	}
	if err := verify(img); err != nil {
		return nil, err
	}
	return img, nil
}

// Bytes assembles the image and encodes it to .omgb container bytes.
func (a *Assembler) Bytes() ([]byte, error) {
	img, err := a.Image()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := Encode(img, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
