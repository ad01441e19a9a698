package bytecode

import (
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// LoadFile reads and verifies a .omgb image from disk. The file is
// memory-mapped while decoding; the returned Image owns copies of every
// section it keeps, so the mapping is released before returning.
func LoadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat image: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrTruncated)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		// Mapping can fail on exotic filesystems; fall back to a plain read.
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil, fmt.Errorf("failed to read image: %w", rerr)
		}
		return Decode(data)
	}
	defer m.Unmap()

	// Decode keeps sub-slices of its input alive in the Image, which must
	// not outlive the mapping. Copy once up front.
	data := make([]byte, len(m))
	copy(data, m)
	return Decode(data)
}

// WriteFile encodes an image to disk.
func WriteFile(path string, img *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}
	defer f.Close()
	if err := Encode(img, f); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	return nil
}
