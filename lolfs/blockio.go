package lolfs

import (
	"fmt"

	"github.com/hodgesds/lolelffs/backend"
)

// readBlockAt and writeBlockAt implement §4.1 over the backing byte array.
// The image's byte offset within its container (zero for raw images) is
// applied once, at Format/Open time, by wrapping the caller's
// backend.Storage in a backend.Sub view (see lolfs.go); every block access
// here is relative to that view, so this component never interprets block
// contents or reasons about container offsets itself.
func readBlockAt(b backend.Storage, phys uint64) ([]byte, error) {
	buf := make([]byte, BlockSize)
	off := int64(phys) * BlockSize
	n, err := b.ReadAt(buf, off)
	if err != nil && n < BlockSize {
		return nil, fmt.Errorf("%w: read block %d: %v", ErrIO, phys, err)
	}
	return buf, nil
}

func writeBlockAt(b backend.Storage, phys uint64, data []byte) error {
	if len(data) != BlockSize {
		return fmt.Errorf("%w: write block %d: expected %d bytes, got %d", ErrIO, phys, BlockSize, len(data))
	}
	w, err := b.Writable()
	if err != nil {
		return fmt.Errorf("%w: write block %d: %v", ErrIO, phys, err)
	}
	off := int64(phys) * BlockSize
	n, err := w.WriteAt(data, off)
	if err != nil || n != BlockSize {
		return fmt.Errorf("%w: write block %d: %v", ErrIO, phys, err)
	}
	return nil
}

func (fs *FileSystem) readBlock(phys uint64) ([]byte, error) {
	return readBlockAt(fs.backend, phys)
}

func (fs *FileSystem) writeBlock(phys uint64, data []byte) error {
	return writeBlockAt(fs.backend, phys, data)
}
