package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sentrychris/omglang/pkg/bytecode"
	"github.com/sentrychris/omglang/pkg/value"
	"github.com/sentrychris/omglang/pkg/vm"
)

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func assemble(t *testing.T, build func(a *bytecode.Assembler)) []byte {
	t.Helper()
	a := bytecode.NewAssembler()
	build(a)
	data, err := a.Bytes()
	require.NoError(t, err)
	return data
}

// Scenario 1: emit 2 + 3 * 4 -> stdout ["14"].
func TestRunArithmeticEmit(t *testing.T) {
	e := newEngine(t, Options{})
	data := assemble(t, func(a *bytecode.Assembler) {
		a.SetEntryHere()
		a.PushInt(3)
		a.PushInt(4)
		a.Op(bytecode.OpMul)
		a.PushInt(2)
		a.Op(bytecode.OpAdd)
		a.Op(bytecode.OpEmit)
		a.Op(bytecode.OpHalt)
	})

	res, err := e.RunBytes(data, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"14"}, res.Stdout)
	require.Equal(t, 0, ExitCode(err))
	require.Greater(t, res.FuelUsed, uint64(0))
}

// Scenario 3: catch and recover -> stdout ["bad"], exit 0.
func TestRunCatchAndRecover(t *testing.T) {
	e := newEngine(t, Options{})
	data := assemble(t, func(a *bytecode.Assembler) {
		a.SetEntryHere()
		a.SetupExcept("handler")
		a.PushStr("bad")
		a.Raise(bytecode.RaiseValue)
		a.Op(bytecode.OpPopBlock)
		a.Jmp("end")
		a.Label("handler")
		a.Attr("message")
		a.Op(bytecode.OpEmit)
		a.Label("end")
		a.Op(bytecode.OpHalt)
	})

	res, err := e.RunBytes(data, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"bad"}, res.Stdout)
}

// Scenario 4: mutating a frozen dict terminates with an uncaught Type
// error and a nonzero exit code.
func TestRunFrozenDictMutation(t *testing.T) {
	e := newEngine(t, Options{})
	data := assemble(t, func(a *bytecode.Assembler) {
		a.SetEntryHere()
		a.PushStr("a")
		a.PushInt(1)
		a.BuildDict(1)
		a.Builtin("freeze", 1)
		a.Store("d")
		a.Load("d")
		a.PushInt(2)
		a.AttrSet("a")
		a.Op(bytecode.OpHalt)
	})

	res, err := e.RunBytes(data, nil)
	require.Error(t, err)
	require.Equal(t, ExitRuntime, ExitCode(err))
	require.Len(t, res.Diagnostics, 1)
	require.Contains(t, res.Diagnostics[0].Message, "frozen")

	var rerr *vm.RuntimeError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, vm.KindType, rerr.Kind)
}

// Scenario 5: division by zero -> nonzero exit, empty stdout.
func TestRunDivisionByZero(t *testing.T) {
	e := newEngine(t, Options{})
	data := assemble(t, func(a *bytecode.Assembler) {
		a.SetEntryHere()
		a.PushInt(10)
		a.PushInt(0)
		a.Op(bytecode.OpDiv)
		a.Op(bytecode.OpEmit)
		a.Op(bytecode.OpHalt)
	})

	res, err := e.RunBytes(data, nil)
	require.Error(t, err)
	require.Empty(t, res.Stdout)
	require.Equal(t, ExitRuntime, ExitCode(err))
}

func TestRunReturnValueAndArgs(t *testing.T) {
	e := newEngine(t, Options{})
	data := assemble(t, func(a *bytecode.Assembler) {
		a.SetEntryHere()
		a.Load("args")
		a.Builtin("length", 1)
		a.Op(bytecode.OpHalt)
	})

	res, err := e.RunBytes(data, []string{"x", "y", "z"})
	require.NoError(t, err)
	require.True(t, value.Equal(res.ReturnValue, value.Int(3)))
}

func TestLoadImageRejectsCorruption(t *testing.T) {
	e := newEngine(t, Options{})
	_, err := e.LoadImage([]byte("not an image at all"))
	require.Error(t, err)
	require.Equal(t, ExitImage, ExitCode(err))
}

// The digest cache returns the identical verified image for identical
// bytes.
func TestLoadImageCaching(t *testing.T) {
	e := newEngine(t, Options{CacheSize: 4})
	data := assemble(t, func(a *bytecode.Assembler) {
		a.SetEntryHere()
		a.PushInt(1)
		a.Op(bytecode.OpHalt)
	})

	img1, err := e.LoadImage(data)
	require.NoError(t, err)
	img2, err := e.LoadImage(data)
	require.NoError(t, err)
	require.Same(t, img1, img2)

	// A different program decodes to a different image.
	other := assemble(t, func(a *bytecode.Assembler) {
		a.SetEntryHere()
		a.PushInt(2)
		a.Op(bytecode.OpHalt)
	})
	img3, err := e.LoadImage(other)
	require.NoError(t, err)
	require.NotSame(t, img1, img3)
}

// Two runs of the same image each start on a fresh VM: an identifier that
// neither run defines fails the same way in both, with no output carried
// over.
func TestRunsAreIsolated(t *testing.T) {
	e := newEngine(t, Options{})
	data := assemble(t, func(a *bytecode.Assembler) {
		a.SetEntryHere()
		a.Load("counter")
		a.Op(bytecode.OpEmit)
		a.Op(bytecode.OpHalt)
	})

	img, err := e.LoadImage(data)
	require.NoError(t, err)

	// "counter" is never defined; both runs fail identically rather than
	// one observing the other's state.
	for i := 0; i < 2; i++ {
		res, err := e.Run(img, nil)
		require.Error(t, err)
		require.Empty(t, res.Stdout)
	}
}

func TestFuelLimitSurfaces(t *testing.T) {
	e := newEngine(t, Options{FuelLimit: 50})
	data := assemble(t, func(a *bytecode.Assembler) {
		a.SetEntryHere()
		a.Label("spin")
		a.Jmp("spin")
	})

	res, err := e.RunBytes(data, nil)
	require.ErrorIs(t, err, vm.ErrOutOfFuel)
	require.Equal(t, uint64(50), res.FuelUsed)
	require.Equal(t, ExitRuntime, ExitCode(err))
}

func TestDiagnosticsCarryOffset(t *testing.T) {
	e := newEngine(t, Options{})
	data := assemble(t, func(a *bytecode.Assembler) {
		a.SetEntryHere()
		a.PushInt(1)
		a.PushInt(0)
		a.Op(bytecode.OpMod)
		a.Op(bytecode.OpHalt)
	})

	res, err := e.RunBytes(data, nil)
	require.Error(t, err)
	require.Len(t, res.Diagnostics, 1)
	// The MOD instruction sits after two 9-byte pushes.
	require.Equal(t, uint32(18), res.Diagnostics[0].Offset)
}

func TestLineSinkSplitsLines(t *testing.T) {
	s := &lineSink{}
	s.Write([]byte("one\ntw"))
	s.Write([]byte("o\nthree"))
	require.Equal(t, []string{"one", "two", "three"}, s.Lines())
	// Lines is non-destructive over completed lines.
	require.Equal(t, []string{"one", "two", "three"}, s.Lines())
}
