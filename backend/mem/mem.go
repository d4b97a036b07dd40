// Package mem provides a backend.Storage backed by a plain in-memory byte
// slice, rather than an OS file or device. It is the natural backend for
// ELF-embedded images, where the backing bytes already live in a loaded
// container, and for tests that want to exercise the filesystem without
// touching disk.
package mem

import (
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/hodgesds/lolelffs/backend"
)

// Storage is a backend.Storage implementation over a resizable in-memory
// byte slice.
type Storage struct {
	data []byte
	pos  int64
}

// New creates a Storage of the given size, zero-filled.
func New(size int64) *Storage {
	if size < 0 {
		size = 0
	}
	return &Storage{data: make([]byte, size)}
}

// NewFromBytes wraps an existing byte slice without copying it. Writes
// through the returned Storage mutate b directly.
func NewFromBytes(b []byte) *Storage {
	return &Storage{data: b}
}

// Bytes returns the underlying byte slice.
func (s *Storage) Bytes() []byte {
	return s.data
}

var _ backend.Storage = (*Storage)(nil)

func (s *Storage) Stat() (fs.FileInfo, error) {
	return memFileInfo{size: int64(len(s.data))}, nil
}

func (s *Storage) Read(b []byte) (int, error) {
	n, err := s.ReadAt(b, s.pos)
	s.pos += int64(n)
	return n, err
}

func (s *Storage) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, os.ErrInvalid
	}
	if off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(b, s.data[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (s *Storage) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, os.ErrInvalid
	}
	end := off + int64(len(b))
	if end > int64(len(s.data)) {
		grown := make([]byte, end)
		copy(grown, s.data)
		s.data = grown
	}
	return copy(s.data[off:end], b), nil
}

func (s *Storage) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = s.pos + offset
	case io.SeekEnd:
		pos = int64(len(s.data)) + offset
	default:
		return -1, backend.ErrNotSuitable
	}
	if pos < 0 {
		return -1, os.ErrInvalid
	}
	s.pos = pos
	return pos, nil
}

func (s *Storage) Close() error {
	return nil
}

func (s *Storage) Sys() (*os.File, error) {
	return nil, backend.ErrNotSuitable
}

func (s *Storage) Writable() (backend.WritableFile, error) {
	return s, nil
}

type memFileInfo struct {
	size int64
}

func (m memFileInfo) Name() string       { return "" }
func (m memFileInfo) Size() int64        { return m.size }
func (m memFileInfo) Mode() fs.FileMode  { return 0o600 }
func (m memFileInfo) ModTime() time.Time { return time.Time{} }
func (m memFileInfo) IsDir() bool        { return false }
func (m memFileInfo) Sys() any           { return nil }
