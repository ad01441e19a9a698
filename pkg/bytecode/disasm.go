package bytecode

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
)

// Disassemble writes a human-readable listing of the image: constant
// pool, function table, and the decoded code stream with resolved names
// and targets.
func Disassemble(img *Image, w io.Writer) error {
	fmt.Fprintf(w, "omgb v%d  flags=0x%04x  entry=%d  code=%d bytes\n\n",
		img.Version, img.Flags, img.Entry, len(img.Code))

	if len(img.Consts) > 0 {
		fmt.Fprintln(w, "Constants:")
		t := newTable(w, []string{"IDX", "TYPE", "VALUE"})
		for i, c := range img.Consts {
			switch c.Tag {
			case ConstInt:
				t.Append([]string{fmt.Sprint(i), "int", fmt.Sprint(c.Int)})
			case ConstStr:
				t.Append([]string{fmt.Sprint(i), "str", fmt.Sprintf("%q", c.Str)})
			}
		}
		t.Render()
		fmt.Fprintln(w)
	}

	if len(img.Funcs) > 0 {
		fmt.Fprintln(w, "Functions:")
		t := newTable(w, []string{"IDX", "NAME", "PARAMS", "ENTRY", "LOCALS"})
		for i := range img.Funcs {
			f := &img.Funcs[i]
			entry := fmt.Sprint(f.Entry)
			if f.Native() {
				entry = "native"
			}
			t.Append([]string{
				fmt.Sprint(i), f.Name, fmt.Sprint(f.ParamCount),
				entry, fmt.Sprint(len(f.LocalNames)),
			})
		}
		t.Render()
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "Code:")
	t := newTable(w, []string{"OFFSET", "OP", "OPERANDS", ""})
	for off := 0; off < len(img.Code); {
		op := Opcode(img.Code[off])
		width := OperandWidth(op)
		if width < 0 || off+1+width > len(img.Code) {
			t.Append([]string{fmt.Sprint(off), "??", fmt.Sprintf("0x%02x", byte(op)), ""})
			break
		}
		operandStr, comment := renderOperands(img, op, img.Code[off+1:off+1+width])
		t.Append([]string{fmt.Sprint(off), op.String(), operandStr, comment})
		off += 1 + width
	}
	t.Render()
	return nil
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetBorder(false)
	t.SetAutoFormatHeaders(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	return t
}

func renderOperands(img *Image, op Opcode, operands []byte) (string, string) {
	name := func(idx uint16) string {
		if s, ok := img.StrConst(idx); ok {
			return fmt.Sprintf("%q", s)
		}
		return "?"
	}
	switch op {
	case OpPushInt:
		return fmt.Sprint(int64(binary.LittleEndian.Uint64(operands))), ""
	case OpPushStr:
		idx := binary.LittleEndian.Uint16(operands)
		return fmt.Sprint(idx), name(idx)
	case OpPushBool:
		if operands[0] != 0 {
			return "1", "true"
		}
		return "0", "false"
	case OpLoad, OpStore, OpStoreGlobal, OpAttr, OpAttrSet:
		idx := binary.LittleEndian.Uint16(operands)
		return fmt.Sprint(idx), name(idx)
	case OpBuildList, OpBuildDict:
		return fmt.Sprint(binary.LittleEndian.Uint16(operands)), ""
	case OpJmp, OpJmpIfFalse, OpSetupExcept:
		return fmt.Sprint(binary.LittleEndian.Uint32(operands)), ""
	case OpCall, OpTCall:
		fidx := binary.LittleEndian.Uint16(operands)
		argc := operands[2]
		comment := ""
		if int(fidx) < len(img.Funcs) {
			comment = img.Funcs[fidx].Name
		}
		return fmt.Sprintf("%d, %d", fidx, argc), comment
	case OpRaise:
		return fmt.Sprint(operands[0]), raiseKindName(operands[0])
	case OpBuiltin:
		idx := binary.LittleEndian.Uint16(operands)
		return fmt.Sprintf("%d, %d", idx, operands[2]), name(idx)
	default:
		return "", ""
	}
}

func raiseKindName(k byte) string {
	switch k {
	case RaiseGeneric:
		return "Generic"
	case RaiseSyntax:
		return "Syntax"
	case RaiseType:
		return "Type"
	case RaiseUndefined:
		return "UndefinedIdent"
	case RaiseValue:
		return "Value"
	case RaiseModuleImport:
		return "ModuleImport"
	case RaiseAssertion:
		return "Assertion"
	case RaiseIndex:
		return "Index"
	case RaiseKey:
		return "Key"
	case RaiseZeroDivision:
		return "ZeroDivision"
	case RaiseVmInvariant:
		return "VmInvariant"
	default:
		return ""
	}
}
