package bytecode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

// buildSimpleImage assembles a small program exercising most operand
// shapes: constants, a function, jumps, and a builtin call.
func buildSimpleImage(t *testing.T) *Image {
	t.Helper()
	a := NewAssembler()

	double := a.BeginFunc("double", []string{"n"})
	a.Load("n")
	a.PushInt(2)
	a.Op(OpMul)
	a.Op(OpReturn)

	a.SetEntryHere()
	a.PushInt(21)
	a.Call(double, 1)
	a.Op(OpEmit)
	a.PushStr("done")
	a.Builtin("length", 1)
	a.JmpIfFalse("end")
	a.PushBool(true)
	a.Op(OpAssert)
	a.Label("end")
	a.Op(OpHalt)

	img, err := a.Image()
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	return img
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := buildSimpleImage(t)

	var buf bytes.Buffer
	if err := Encode(original, &buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("no data was encoded")
	}

	decoded, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.Version != original.Version {
		t.Errorf("version mismatch: got %d, want %d", decoded.Version, original.Version)
	}
	if decoded.Entry != original.Entry {
		t.Errorf("entry mismatch: got %d, want %d", decoded.Entry, original.Entry)
	}
	if !bytes.Equal(decoded.Code, original.Code) {
		t.Error("code vector mismatch after round trip")
	}
	if len(decoded.Consts) != len(original.Consts) {
		t.Fatalf("constant count mismatch: got %d, want %d",
			len(decoded.Consts), len(original.Consts))
	}
	for i, c := range decoded.Consts {
		if c != original.Consts[i] {
			t.Errorf("constant %d mismatch: got %+v, want %+v", i, c, original.Consts[i])
		}
	}
	if len(decoded.Funcs) != 1 {
		t.Fatalf("function count mismatch: got %d, want 1", len(decoded.Funcs))
	}
	f := decoded.Funcs[0]
	if f.Name != "double" || f.ParamCount != 1 || len(f.LocalNames) != 1 {
		t.Errorf("function record mismatch: %+v", f)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	img := buildSimpleImage(t)
	var buf bytes.Buffer
	Encode(img, &buf)
	data := buf.Bytes()
	data[0] ^= 0xFF

	_, err := Decode(data)
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	img := buildSimpleImage(t)
	var buf bytes.Buffer
	Encode(img, &buf)
	data := buf.Bytes()
	binary.LittleEndian.PutUint16(data[4:], 99)

	_, err := Decode(data)
	if !errors.Is(err, ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}

func TestDecodeRejectsTruncation(t *testing.T) {
	img := buildSimpleImage(t)
	var buf bytes.Buffer
	Encode(img, &buf)
	data := buf.Bytes()

	// Chop the container at several points; every prefix must fail with
	// a truncation error, never panic.
	for _, n := range []int{3, 7, 9, 15, len(data) / 2, len(data) - 1} {
		if _, err := Decode(data[:n]); !errors.Is(err, ErrTruncated) {
			t.Errorf("Decode of %d-byte prefix: expected ErrTruncated, got %v", n, err)
		}
	}
}

func TestVerifyRejectsInvalidOpcode(t *testing.T) {
	a := NewAssembler()
	a.SetEntryHere()
	a.RawByte(0xEE)
	_, err := a.Image()
	if !errors.Is(err, ErrBadOpcode) {
		t.Fatalf("expected ErrBadOpcode, got %v", err)
	}
}

// A PUSH_BOOL with no operand byte (the legacy bare form) must be
// rejected as truncated rather than silently defaulted.
func TestVerifyRejectsBareBool(t *testing.T) {
	a := NewAssembler()
	a.SetEntryHere()
	a.RawByte(byte(OpPushBool))
	_, err := a.Image()
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestVerifyRejectsJumpIntoOperands(t *testing.T) {
	a := NewAssembler()
	a.SetEntryHere()
	a.emitJump(OpJmp, "mid")
	a.PushInt(1) // 9 bytes starting at offset 5
	a.labels["mid"] = a.Here() - 4
	a.Op(OpHalt)

	_, err := a.Image()
	if !errors.Is(err, ErrBadTarget) {
		t.Fatalf("expected ErrBadTarget, got %v", err)
	}
}

func TestVerifyRejectsJumpPastEnd(t *testing.T) {
	a := NewAssembler()
	a.SetEntryHere()
	a.emitJump(OpJmp, "far")
	a.labels["far"] = 1000
	a.Op(OpHalt)

	_, err := a.Image()
	if !errors.Is(err, ErrBadTarget) {
		t.Fatalf("expected ErrBadTarget, got %v", err)
	}
}

func TestVerifyAcceptsJumpToCodeEnd(t *testing.T) {
	// A jump to exactly the end of code is an implicit HALT.
	a := NewAssembler()
	a.SetEntryHere()
	a.Jmp("end")
	a.Label("end")

	if _, err := a.Image(); err != nil {
		t.Fatalf("jump to code end should verify: %v", err)
	}
}

func TestVerifyRejectsBadConstIndex(t *testing.T) {
	a := NewAssembler()
	a.SetEntryHere()
	a.RawByte(byte(OpPushStr))
	a.RawByte(0xFF)
	a.RawByte(0xFF)
	_, err := a.Image()
	if !errors.Is(err, ErrBadConstIndex) {
		t.Fatalf("expected ErrBadConstIndex, got %v", err)
	}
}

// A NAME operand referencing an Int constant is as invalid as an
// out-of-range index.
func TestVerifyRejectsIntConstAsName(t *testing.T) {
	a := NewAssembler()
	idx := a.Int(42)
	a.SetEntryHere()
	a.RawByte(byte(OpLoad))
	a.RawByte(byte(idx))
	a.RawByte(byte(idx >> 8))
	_, err := a.Image()
	if !errors.Is(err, ErrBadConstIndex) {
		t.Fatalf("expected ErrBadConstIndex, got %v", err)
	}
}

func TestVerifyRejectsBadFuncIndex(t *testing.T) {
	a := NewAssembler()
	a.SetEntryHere()
	a.RawByte(byte(OpCall))
	a.RawByte(3)
	a.RawByte(0)
	a.RawByte(1)
	_, err := a.Image()
	if !errors.Is(err, ErrBadFuncIndex) {
		t.Fatalf("expected ErrBadFuncIndex, got %v", err)
	}
}

func TestVerifyRejectsBadFunctionEntry(t *testing.T) {
	img := buildSimpleImage(t)
	var buf bytes.Buffer
	Encode(img, &buf)
	decoded, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}

	// Point the function's entry into the middle of an operand.
	decoded.Funcs[0].Entry = 2
	if err := verify(decoded); !errors.Is(err, ErrBadEntry) {
		t.Fatalf("expected ErrBadEntry, got %v", err)
	}
}

func TestVerifyRejectsBadRaiseKind(t *testing.T) {
	a := NewAssembler()
	a.SetEntryHere()
	a.RawByte(byte(OpRaise))
	a.RawByte(77)
	_, err := a.Image()
	if !errors.Is(err, ErrBadRaiseKind) {
		t.Fatalf("expected ErrBadRaiseKind, got %v", err)
	}
}

func TestLegacyRaiseOpcodesVerify(t *testing.T) {
	for _, op := range []Opcode{
		OpRaiseGenericLegacy, OpRaiseTypeLegacy, OpRaiseValueLegacy,
		OpRaiseIndexLegacy, OpRaiseKeyLegacy,
	} {
		a := NewAssembler()
		a.SetEntryHere()
		a.PushStr("boom")
		a.Op(op)
		if _, err := a.Image(); err != nil {
			t.Errorf("legacy opcode %s should verify: %v", op, err)
		}

		kind, ok := LegacyRaiseKind(op)
		if !ok {
			t.Errorf("LegacyRaiseKind(%s) not defined", op)
		}
		if !ValidRaiseKind(kind) {
			t.Errorf("LegacyRaiseKind(%s) = %d is not a valid kind", op, kind)
		}
	}

	if _, ok := LegacyRaiseKind(OpRaise); ok {
		t.Error("OpRaise itself must not be treated as legacy")
	}
}

func TestNativeFunctionSkipsEntryCheck(t *testing.T) {
	a := NewAssembler()
	fidx := a.NativeFunc("length", 1)
	a.SetEntryHere()
	a.PushStr("abc")
	a.Call(fidx, 1)
	a.Op(OpHalt)

	img, err := a.Image()
	if err != nil {
		t.Fatalf("native trampoline should verify: %v", err)
	}
	if !img.Funcs[fidx].Native() {
		t.Error("expected a native function record")
	}
}

func TestOperandWidthCoversAllOpcodes(t *testing.T) {
	known := []Opcode{
		OpPushInt, OpPushStr, OpPushBool, OpPushNone,
		OpLoad, OpStore, OpStoreGlobal,
		OpAdd, OpSub, OpMul, OpDiv, OpMod,
		OpBand, OpBor, OpBxor, OpShl, OpShr, OpBnot,
		OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpNot,
		OpBuildList, OpBuildDict, OpIndex, OpSlice, OpIndexSet,
		OpAttr, OpAttrSet,
		OpJmp, OpJmpIfFalse, OpCall, OpTCall, OpReturn, OpHalt,
		OpSetupExcept, OpPopBlock, OpRaise, OpAssert, OpEmit, OpBuiltin,
		OpRaiseGenericLegacy, OpRaiseTypeLegacy, OpRaiseValueLegacy,
		OpRaiseIndexLegacy, OpRaiseKeyLegacy,
	}
	for _, op := range known {
		if OperandWidth(op) < 0 {
			t.Errorf("OperandWidth(%s) reports unknown", op)
		}
		if op.String() == "UNKNOWN" {
			t.Errorf("opcode %d has no mnemonic", byte(op))
		}
	}
	if OperandWidth(Opcode(0xEE)) != -1 {
		t.Error("unknown opcode must report width -1")
	}
}

func TestDisassembleListsProgram(t *testing.T) {
	img := buildSimpleImage(t)
	var buf bytes.Buffer
	if err := Disassemble(img, &buf); err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"double", "PUSH_INT", "CALL", "BUILTIN", "HALT", "\"done\""} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}

func TestLoadFileRoundTrip(t *testing.T) {
	img := buildSimpleImage(t)
	path := t.TempDir() + "/prog.omgb"
	if err := WriteFile(path, img); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if !bytes.Equal(loaded.Code, img.Code) {
		t.Error("code mismatch after file round trip")
	}
}

func TestIsImageError(t *testing.T) {
	if !IsImageError(ErrBadMagic) {
		t.Error("ErrBadMagic should classify as an image error")
	}
	if IsImageError(errors.New("something else")) {
		t.Error("unrelated errors must not classify as image errors")
	}
}
