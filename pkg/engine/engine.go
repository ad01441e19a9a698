// Package engine is the embedding surface of the OMG runtime. It loads
// and verifies program images, runs them on fresh VM instances, and
// reports the outcome — captured stdout, the program's result value,
// diagnostics, and fuel spent — in one Result.
//
// Image verification is not free, so the engine keeps a small LRU cache
// of verified images keyed by the SHA3-256 digest of the raw bytes.
// Embedders that evaluate the same program repeatedly (a host
// application's session loop, a test harness) load once and replay.
package engine

import (
	"bytes"
	"errors"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/sha3"

	"github.com/sentrychris/omglang/pkg/bytecode"
	"github.com/sentrychris/omglang/pkg/value"
	"github.com/sentrychris/omglang/pkg/vm"
)

// Exit codes for CLI embedders.
const (
	ExitOK      = 0
	ExitRuntime = 1
	ExitImage   = 2
)

// Diag is one diagnostic attached to a run.
type Diag struct {
	Offset  uint32
	Message string
}

// Result is the outcome of one program run. Stdout holds one entry per
// EMIT line, in emission order, even when the run ends in an error.
type Result struct {
	Stdout      []string
	ReturnValue value.Value
	Diagnostics []Diag
	FuelUsed    uint64
}

// Options configures an Engine.
type Options struct {
	// FS is the filesystem capability handed to every VM. Defaults to
	// the host filesystem.
	FS vm.FS
	// FuelLimit, when nonzero, bounds each run's instruction count.
	FuelLimit uint64
	// Debugger, when set, is attached to every VM the engine starts.
	Debugger *vm.Debugger
	// CacheSize is the number of verified images kept hot. Defaults to 16.
	CacheSize int
}

// Engine runs OMG images. One Engine may run many images and many
// instances of the same image; the VMs it creates share nothing with
// each other beyond the read-only images.
type Engine struct {
	opts  Options
	cache *lru.Cache
}

// New constructs an engine.
func New(opts Options) (*Engine, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 16
	}
	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{opts: opts, cache: cache}, nil
}

// LoadImage decodes and verifies a .omgb image, consulting the digest
// cache first. The returned image is immutable and shared; callers must
// not retain the input bytes' aliasing assumptions (the image owns its
// own copies).
func (e *Engine) LoadImage(data []byte) (*bytecode.Image, error) {
	digest := sha3.Sum256(data)
	if cached, ok := e.cache.Get(digest); ok {
		return cached.(*bytecode.Image), nil
	}
	img, err := bytecode.Decode(bytes.Clone(data))
	if err != nil {
		return nil, err
	}
	e.cache.Add(digest, img)
	return img, nil
}

// LoadFile loads and verifies an image from disk.
func (e *Engine) LoadFile(path string) (*bytecode.Image, error) {
	return bytecode.LoadFile(path)
}

// Run executes an image on a fresh VM with the given program arguments.
// The Result is always non-nil: on a runtime error it still carries the
// stdout produced before the fault and a diagnostic describing it, along
// with the non-nil error.
func (e *Engine) Run(img *bytecode.Image, args []string) (*Result, error) {
	sink := &lineSink{}
	machine := vm.New(img, vm.Options{
		Stdout:    sink,
		FS:        e.opts.FS,
		Args:      args,
		FuelLimit: e.opts.FuelLimit,
		Debugger:  e.opts.Debugger,
	})
	defer machine.Close()

	ret, err := machine.Run()
	res := &Result{
		Stdout:      sink.Lines(),
		ReturnValue: ret,
		FuelUsed:    machine.FuelUsed(),
	}
	if err != nil {
		var rerr *vm.RuntimeError
		if errors.As(err, &rerr) {
			res.Diagnostics = append(res.Diagnostics, Diag{
				Offset:  rerr.Offset,
				Message: rerr.Error(),
			})
		} else {
			res.Diagnostics = append(res.Diagnostics, Diag{Message: err.Error()})
		}
		return res, err
	}
	return res, nil
}

// RunBytes is LoadImage followed by Run.
func (e *Engine) RunBytes(data []byte, args []string) (*Result, error) {
	img, err := e.LoadImage(data)
	if err != nil {
		return nil, err
	}
	return e.Run(img, args)
}

// ExitCode maps a Run or LoadImage error to the CLI exit convention:
// 0 normal, 1 unhandled runtime error, 2 image/load error.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case bytecode.IsImageError(err):
		return ExitImage
	default:
		return ExitRuntime
	}
}

// lineSink collects EMIT output as one string per line.
type lineSink struct {
	buf   bytes.Buffer
	lines []string
}

func (s *lineSink) Write(p []byte) (int, error) {
	s.buf.Write(p)
	for {
		data := s.buf.String()
		i := strings.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		s.lines = append(s.lines, data[:i])
		s.buf.Reset()
		s.buf.WriteString(data[i+1:])
	}
	return len(p), nil
}

// Lines returns the completed lines, including a trailing partial line
// if the program emitted one without a newline.
func (s *lineSink) Lines() []string {
	out := append([]string{}, s.lines...)
	if s.buf.Len() > 0 {
		out = append(out, s.buf.String())
	}
	return out
}
