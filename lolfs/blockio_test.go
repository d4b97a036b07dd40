package lolfs

import (
	"errors"
	"io"
	"os"
	"testing"

	"github.com/hodgesds/lolelffs/backend"
	"github.com/hodgesds/lolelffs/testhelper"
)

// injectedStorage adapts testhelper.FileImpl's fault-injecting Read/Write
// hooks to the full backend.Storage contract so readBlockAt/writeBlockAt
// can be exercised against engineered short reads and write failures
// without a real file or memory backing.
type injectedStorage struct {
	*testhelper.FileImpl
}

func (s injectedStorage) Sys() (*os.File, error) { return nil, backend.ErrNotSuitable }
func (s injectedStorage) Writable() (backend.WritableFile, error) {
	return s, nil
}

func TestReadBlockAtWrapsShortReadAsIO(t *testing.T) {
	st := injectedStorage{&testhelper.FileImpl{
		Reader: func(b []byte, offset int64) (int, error) {
			return BlockSize / 2, io.ErrUnexpectedEOF
		},
	}}
	_, err := readBlockAt(st, 3)
	if !errors.Is(err, ErrIO) {
		t.Fatalf("readBlockAt error = %v, want wrapping ErrIO", err)
	}
}

func TestReadBlockAtPassesThroughFullRead(t *testing.T) {
	want := byte(0x42)
	st := injectedStorage{&testhelper.FileImpl{
		Reader: func(b []byte, offset int64) (int, error) {
			for i := range b {
				b[i] = want
			}
			return len(b), nil
		},
	}}
	got, err := readBlockAt(st, 0)
	if err != nil {
		t.Fatalf("readBlockAt: %v", err)
	}
	if len(got) != BlockSize {
		t.Fatalf("readBlockAt returned %d bytes, want %d", len(got), BlockSize)
	}
	for i, b := range got {
		if b != want {
			t.Fatalf("byte %d = %#x, want %#x", i, b, want)
		}
	}
}

func TestWriteBlockAtRejectsWrongSizedPayload(t *testing.T) {
	st := injectedStorage{&testhelper.FileImpl{}}
	err := writeBlockAt(st, 0, make([]byte, BlockSize-1))
	if !errors.Is(err, ErrIO) {
		t.Fatalf("writeBlockAt error = %v, want wrapping ErrIO", err)
	}
}

func TestWriteBlockAtWrapsInjectedFailure(t *testing.T) {
	st := injectedStorage{&testhelper.FileImpl{
		Writer: func(b []byte, offset int64) (int, error) {
			return 0, errors.New("injected write failure")
		},
	}}
	err := writeBlockAt(st, 0, make([]byte, BlockSize))
	if !errors.Is(err, ErrIO) {
		t.Fatalf("writeBlockAt error = %v, want wrapping ErrIO", err)
	}
}

func TestWriteBlockAtAddressesPhysicalBlock(t *testing.T) {
	var gotOffset int64
	st := injectedStorage{&testhelper.FileImpl{
		Writer: func(b []byte, offset int64) (int, error) {
			gotOffset = offset
			return len(b), nil
		},
	}}
	if err := writeBlockAt(st, 2, make([]byte, BlockSize)); err != nil {
		t.Fatalf("writeBlockAt: %v", err)
	}
	if want := int64(2 * BlockSize); gotOffset != want {
		t.Fatalf("writeBlockAt wrote at offset %d, want %d", gotOffset, want)
	}
}
