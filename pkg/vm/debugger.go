// Interactive debugger.
//
// The debugger hooks the dispatch loop before each instruction. When
// stepping, or when the program counter hits a breakpoint, it opens a
// line-edited prompt and accepts simple inspection commands. It costs
// nothing when no debugger is attached.
package vm

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/sentrychris/omglang/pkg/bytecode"
	"github.com/sentrychris/omglang/pkg/value"
)

// Debugger drives an interactive session over a running VM.
type Debugger struct {
	line        *liner.State
	out         io.Writer
	breakpoints map[uint32]bool
	stepping    bool
}

// NewDebugger returns a debugger that pauses before the first
// instruction and steps until told to continue.
func NewDebugger() *Debugger {
	return &Debugger{
		out:         os.Stdout,
		breakpoints: make(map[uint32]bool),
		stepping:    true,
	}
}

// Break sets a breakpoint at a code offset.
func (d *Debugger) Break(off uint32) {
	d.breakpoints[off] = true
}

// Close releases the terminal state. Safe to call when no prompt was
// ever opened.
func (d *Debugger) Close() {
	if d.line != nil {
		d.line.Close()
		d.line = nil
	}
}

// pause is called by the VM before each instruction. It returns
// ErrDebugQuit when the user ends the session.
func (d *Debugger) pause(vm *VM, off uint32) error {
	if !d.stepping && !d.breakpoints[off] {
		return nil
	}
	if d.line == nil {
		d.line = liner.NewLiner()
		d.line.SetCtrlCAborts(true)
	}

	op := bytecode.Opcode(vm.img.Code[off])
	fmt.Fprintf(d.out, "at %d: %s  [stack %d, frames %d, blocks %d]\n",
		off, op, len(vm.stack), len(vm.frames), len(vm.blocks))

	for {
		input, err := d.line.Prompt("omg-dbg> ")
		if err != nil {
			// EOF or interrupt ends the session.
			return ErrDebugQuit
		}
		input = strings.TrimSpace(input)
		if input != "" {
			d.line.AppendHistory(input)
		}

		fields := strings.Fields(input)
		cmd := ""
		if len(fields) > 0 {
			cmd = fields[0]
		}

		switch cmd {
		case "", "s", "step":
			d.stepping = true
			return nil
		case "c", "continue":
			d.stepping = false
			return nil
		case "b", "break":
			if len(fields) != 2 {
				fmt.Fprintln(d.out, "usage: break <offset>")
				continue
			}
			n, err := strconv.ParseUint(fields[1], 10, 32)
			if err != nil {
				fmt.Fprintf(d.out, "bad offset %q\n", fields[1])
				continue
			}
			d.breakpoints[uint32(n)] = true
			fmt.Fprintf(d.out, "breakpoint at %d\n", n)
		case "stack":
			if len(vm.stack) == 0 {
				fmt.Fprintln(d.out, "  (empty)")
			}
			for i := len(vm.stack) - 1; i >= 0; i-- {
				fmt.Fprintf(d.out, "  [%d] %s\n", i, value.Format(vm.stack[i]))
			}
		case "locals":
			if len(vm.frames) == 0 {
				fmt.Fprintln(d.out, "  (top level)")
				continue
			}
			fr := &vm.frames[len(vm.frames)-1]
			for name, v := range fr.locals {
				fmt.Fprintf(d.out, "  %s = %s\n", name, value.Format(v))
			}
		case "globals":
			for name, v := range vm.globals {
				fmt.Fprintf(d.out, "  %s = %s\n", name, value.Format(v))
			}
		case "frames":
			if len(vm.frames) == 0 {
				fmt.Fprintln(d.out, "  (top level)")
			}
			for i := len(vm.frames) - 1; i >= 0; i-- {
				fr := &vm.frames[i]
				fmt.Fprintf(d.out, "  #%d %s (return %d)\n", i, fr.fnName, fr.returnPC)
			}
		case "q", "quit":
			return ErrDebugQuit
		case "h", "help":
			fmt.Fprintln(d.out, "commands: step (s), continue (c), break <off>, stack, locals, globals, frames, quit (q)")
		default:
			fmt.Fprintf(d.out, "unknown command %q (try help)\n", cmd)
		}
	}
}
