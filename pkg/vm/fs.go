package vm

import (
	"fmt"
	"io"
	"os"
)

// File is the handle type issued to OMG programs by file_open. The
// concrete capability decides which operations actually work; writing to
// a read-only handle fails at the operation, not at open.
type File interface {
	io.ReadWriteCloser
}

// FS is the filesystem capability the embedder supplies to the VM. The
// file-oriented builtins never touch the host filesystem directly; they
// go through this interface, so an embedder can confine the program to a
// sandbox, a virtual tree, or nothing at all.
type FS interface {
	ReadFile(path string) ([]byte, error)
	Exists(path string) bool
	Open(path, mode string) (File, error)
}

// OSFS is the default capability backed by the host filesystem.
type OSFS struct{}

func (OSFS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (OSFS) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Open maps the language-level mode strings onto host open flags:
// "r" read, "w" truncate-write, "a" append, "rw" read-write (creating
// if absent).
func (OSFS) Open(path, mode string) (File, error) {
	switch mode {
	case "r":
		return os.Open(path)
	case "w":
		return os.Create(path)
	case "a":
		return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	case "rw":
		return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	default:
		return nil, fmt.Errorf("invalid file mode %q", mode)
	}
}
