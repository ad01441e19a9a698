// .omgb container encoding and decoding.
//
// Binary Format Layout (all integers little-endian):
//
//	[Header]
//	  Magic (4 bytes): "OMGB"
//	  Version (u16): format version (currently 1)
//	  Flags (u16): reserved, must round-trip
//
//	[Constant Pool]
//	  Count (u32)
//	  For each constant:
//	    Tag (1 byte): 0 = Int, 1 = Str
//	    Int payload: i64
//	    Str payload: u32 byte length + UTF-8 bytes
//
//	[Function Table]
//	  Count (u32)
//	  For each function:
//	    Name (u16): constant pool index of a Str
//	    ParamCount (u8)
//	    Entry (u32): code offset, or 0xFFFFFFFF for a native trampoline
//	    LocalCount (u16) + LocalCount name indices (u16 each)
//
//	[Code]
//	  ByteLength (u32) + opcode stream
//
//	[Entry]
//	  Entry (u32): initial program counter
//
// The stream is self-terminating at the end of Code; reaching it without a
// prior HALT is equivalent to HALT.
//
// Decoding is a two-pass verification: pass one walks the opcode stream,
// rejecting unknown opcodes and truncated operands and checking that every
// pool and table index is in range, while indexing every instruction
// start; pass two checks that every jump target, handler target and entry
// offset lands on an indexed start. A decoded Image is therefore safe to
// execute without per-instruction bounds paranoia.
package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic is the .omgb file signature, "OMGB".
const Magic uint32 = 0x42474D4F

// FormatVersion is the current container version.
const FormatVersion uint16 = 1

// Image errors. Decode wraps one of these sentinels in every failure, so
// callers can classify the corruption with errors.Is while still seeing
// the specific offset or index in the message.
var (
	ErrBadMagic      = errors.New("omgb: bad magic")
	ErrBadVersion    = errors.New("omgb: unsupported version")
	ErrTruncated     = errors.New("omgb: truncated image")
	ErrBadOpcode     = errors.New("omgb: invalid opcode")
	ErrBadConstTag   = errors.New("omgb: invalid constant tag")
	ErrBadConstIndex = errors.New("omgb: constant index out of range")
	ErrBadFuncIndex  = errors.New("omgb: function index out of range")
	ErrBadTarget     = errors.New("omgb: jump target not an instruction start")
	ErrBadEntry      = errors.New("omgb: entry offset not an instruction start")
	ErrBadRaiseKind  = errors.New("omgb: invalid raise kind")
)

// IsImageError reports whether err is any load-time image error.
func IsImageError(err error) bool {
	for _, sentinel := range []error{
		ErrBadMagic, ErrBadVersion, ErrTruncated, ErrBadOpcode,
		ErrBadConstTag, ErrBadConstIndex, ErrBadFuncIndex,
		ErrBadTarget, ErrBadEntry, ErrBadRaiseKind,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// Encode serializes an image to the .omgb container format.
func Encode(img *Image, w io.Writer) error {
	// Header.
	if err := binary.Write(w, binary.LittleEndian, Magic); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, img.Version); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, img.Flags); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	// Constant pool.
	if err := binary.Write(w, binary.LittleEndian, uint32(len(img.Consts))); err != nil {
		return fmt.Errorf("failed to write constant pool: %w", err)
	}
	for i, c := range img.Consts {
		if err := encodeConst(w, c); err != nil {
			return fmt.Errorf("failed to write constant %d: %w", i, err)
		}
	}

	// Function table. Function names are written as pool indices, so every
	// name must already be interned as a Str constant.
	if err := binary.Write(w, binary.LittleEndian, uint32(len(img.Funcs))); err != nil {
		return fmt.Errorf("failed to write function table: %w", err)
	}
	for i := range img.Funcs {
		if err := encodeFunc(w, img, &img.Funcs[i]); err != nil {
			return fmt.Errorf("failed to write function %d: %w", i, err)
		}
	}

	// Code.
	if err := binary.Write(w, binary.LittleEndian, uint32(len(img.Code))); err != nil {
		return fmt.Errorf("failed to write code: %w", err)
	}
	if _, err := w.Write(img.Code); err != nil {
		return fmt.Errorf("failed to write code: %w", err)
	}

	// Entry.
	if err := binary.Write(w, binary.LittleEndian, img.Entry); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	return nil
}

func encodeConst(w io.Writer, c Const) error {
	if err := binary.Write(w, binary.LittleEndian, c.Tag); err != nil {
		return err
	}
	switch c.Tag {
	case ConstInt:
		return binary.Write(w, binary.LittleEndian, c.Int)
	case ConstStr:
		if err := binary.Write(w, binary.LittleEndian, uint32(len(c.Str))); err != nil {
			return err
		}
		_, err := w.Write([]byte(c.Str))
		return err
	default:
		return fmt.Errorf("%w: 0x%02x", ErrBadConstTag, c.Tag)
	}
}

func encodeFunc(w io.Writer, img *Image, f *Function) error {
	nameIdx, err := strIndex(img, f.Name)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, nameIdx); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(f.ParamCount)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, f.Entry); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(f.LocalNames))); err != nil {
		return err
	}
	for _, name := range f.LocalNames {
		idx, err := strIndex(img, name)
		if err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, idx); err != nil {
			return err
		}
	}
	return nil
}

func strIndex(img *Image, s string) (uint16, error) {
	for i, c := range img.Consts {
		if c.Tag == ConstStr && c.Str == s {
			return uint16(i), nil
		}
	}
	return 0, fmt.Errorf("name %q not interned in constant pool", s)
}

// reader is a bounds-checked cursor over the raw image bytes.
type reader struct {
	data []byte
	off  int
}

func (r *reader) u8() (byte, error) {
	if r.off+1 > len(r.data) {
		return 0, fmt.Errorf("%w: at offset %d", ErrTruncated, r.off)
	}
	b := r.data[r.off]
	r.off++
	return b, nil
}

func (r *reader) u16() (uint16, error) {
	if r.off+2 > len(r.data) {
		return 0, fmt.Errorf("%w: at offset %d", ErrTruncated, r.off)
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.off+4 > len(r.data) {
		return 0, fmt.Errorf("%w: at offset %d", ErrTruncated, r.off)
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) i64() (int64, error) {
	if r.off+8 > len(r.data) {
		return 0, fmt.Errorf("%w: at offset %d", ErrTruncated, r.off)
	}
	v := int64(binary.LittleEndian.Uint64(r.data[r.off:]))
	r.off += 8
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.data) {
		return nil, fmt.Errorf("%w: at offset %d", ErrTruncated, r.off)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Decode parses and verifies a .omgb image. On success the returned Image
// is immutable and safe to execute; on corruption the error wraps one of
// the image error sentinels with the specific sub-reason.
func Decode(data []byte) (*Image, error) {
	r := &reader{data: data}

	magic, err := r.u32()
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: 0x%08X", ErrBadMagic, magic)
	}
	version, err := r.u16()
	if err != nil {
		return nil, err
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: %d (expected %d)", ErrBadVersion, version, FormatVersion)
	}
	flags, err := r.u16()
	if err != nil {
		return nil, err
	}

	img := &Image{Version: version, Flags: flags}

	// Constant pool.
	constCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	img.Consts = make([]Const, 0, constCount)
	for i := uint32(0); i < constCount; i++ {
		tag, err := r.u8()
		if err != nil {
			return nil, err
		}
		switch tag {
		case ConstInt:
			v, err := r.i64()
			if err != nil {
				return nil, err
			}
			img.Consts = append(img.Consts, Const{Tag: ConstInt, Int: v})
		case ConstStr:
			n, err := r.u32()
			if err != nil {
				return nil, err
			}
			b, err := r.bytes(int(n))
			if err != nil {
				return nil, err
			}
			img.Consts = append(img.Consts, Const{Tag: ConstStr, Str: string(b)})
		default:
			return nil, fmt.Errorf("%w: 0x%02x in constant %d", ErrBadConstTag, tag, i)
		}
	}

	// Function table.
	funcCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	img.Funcs = make([]Function, 0, funcCount)
	for i := uint32(0); i < funcCount; i++ {
		f, err := decodeFunc(r, img, i)
		if err != nil {
			return nil, err
		}
		img.Funcs = append(img.Funcs, f)
	}

	// Code.
	codeLen, err := r.u32()
	if err != nil {
		return nil, err
	}
	code, err := r.bytes(int(codeLen))
	if err != nil {
		return nil, err
	}
	img.Code = code

	// Entry.
	entry, err := r.u32()
	if err != nil {
		return nil, err
	}
	img.Entry = entry

	if err := verify(img); err != nil {
		return nil, err
	}
	return img, nil
}

func decodeFunc(r *reader, img *Image, i uint32) (Function, error) {
	nameIdx, err := r.u16()
	if err != nil {
		return Function{}, err
	}
	name, ok := img.StrConst(nameIdx)
	if !ok {
		return Function{}, fmt.Errorf("%w: function %d name %d", ErrBadConstIndex, i, nameIdx)
	}
	paramCount, err := r.u8()
	if err != nil {
		return Function{}, err
	}
	entry, err := r.u32()
	if err != nil {
		return Function{}, err
	}
	localCount, err := r.u16()
	if err != nil {
		return Function{}, err
	}
	if int(paramCount) > int(localCount) {
		return Function{}, fmt.Errorf("%w: function %q declares %d params but %d locals",
			ErrBadConstIndex, name, paramCount, localCount)
	}
	locals := make([]string, 0, localCount)
	for j := uint16(0); j < localCount; j++ {
		idx, err := r.u16()
		if err != nil {
			return Function{}, err
		}
		local, ok := img.StrConst(idx)
		if !ok {
			return Function{}, fmt.Errorf("%w: function %q local %d index %d",
				ErrBadConstIndex, name, j, idx)
		}
		locals = append(locals, local)
	}
	return Function{
		Name:       name,
		ParamCount: int(paramCount),
		Entry:      entry,
		LocalNames: locals,
	}, nil
}

// verify performs the two-pass instruction check described in the package
// comment and populates img.starts.
func verify(img *Image) error {
	code := img.Code
	starts := make(map[uint32]bool)
	type target struct {
		from uint32
		to   uint32
	}
	var jumps []target

	// Pass 1: enumerate instructions, checking opcode validity, operand
	// completeness, and every operand that can be range-checked locally.
	for off := 0; off < len(code); {
		op := Opcode(code[off])
		width := OperandWidth(op)
		if width < 0 {
			return fmt.Errorf("%w: 0x%02x at offset %d", ErrBadOpcode, byte(op), off)
		}
		if off+1+width > len(code) {
			return fmt.Errorf("%w: %s at offset %d is missing operands", ErrTruncated, op, off)
		}
		starts[uint32(off)] = true
		operands := code[off+1 : off+1+width]

		switch op {
		case OpPushStr:
			idx := binary.LittleEndian.Uint16(operands)
			if _, ok := img.StrConst(idx); !ok {
				return fmt.Errorf("%w: PUSH_STR %d at offset %d", ErrBadConstIndex, idx, off)
			}
		case OpLoad, OpStore, OpStoreGlobal, OpAttr, OpAttrSet:
			idx := binary.LittleEndian.Uint16(operands)
			if _, ok := img.StrConst(idx); !ok {
				return fmt.Errorf("%w: %s name %d at offset %d", ErrBadConstIndex, op, idx, off)
			}
		case OpBuiltin:
			idx := binary.LittleEndian.Uint16(operands)
			if _, ok := img.StrConst(idx); !ok {
				return fmt.Errorf("%w: BUILTIN name %d at offset %d", ErrBadConstIndex, idx, off)
			}
		case OpCall, OpTCall:
			fidx := binary.LittleEndian.Uint16(operands)
			if int(fidx) >= len(img.Funcs) {
				return fmt.Errorf("%w: %s %d at offset %d", ErrBadFuncIndex, op, fidx, off)
			}
		case OpJmp, OpJmpIfFalse, OpSetupExcept:
			to := binary.LittleEndian.Uint32(operands)
			jumps = append(jumps, target{from: uint32(off), to: to})
		case OpRaise:
			if !ValidRaiseKind(operands[0]) {
				return fmt.Errorf("%w: %d at offset %d", ErrBadRaiseKind, operands[0], off)
			}
		}

		off += 1 + width
	}

	// Pass 2: every recorded control-flow target must land on an
	// instruction start; so must every function entry and the image
	// entry. The end of the code vector is a valid target (implicit
	// HALT).
	validTarget := func(to uint32) bool {
		return to == uint32(len(code)) || starts[to]
	}
	for _, j := range jumps {
		if !validTarget(j.to) {
			return fmt.Errorf("%w: %d (from offset %d)", ErrBadTarget, j.to, j.from)
		}
	}
	for i := range img.Funcs {
		f := &img.Funcs[i]
		if f.Native() {
			continue
		}
		if !validTarget(f.Entry) {
			return fmt.Errorf("%w: function %q entry %d", ErrBadEntry, f.Name, f.Entry)
		}
	}
	if !validTarget(img.Entry) {
		return fmt.Errorf("%w: %d", ErrBadEntry, img.Entry)
	}

	img.starts = starts
	return nil
}
