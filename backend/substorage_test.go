package backend_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/hodgesds/lolelffs/backend"
	"github.com/hodgesds/lolelffs/backend/mem"
)

func TestSubStorageReadAtIsOffsetIntoUnderlying(t *testing.T) {
	under := mem.NewFromBytes([]byte("0123456789ABCDEF"))
	sub := backend.Sub(under, 4, 8)

	got := make([]byte, 4)
	if _, err := sub.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, []byte("4567")) {
		t.Fatalf("ReadAt(0) through a SubStorage = %q, want %q", got, "4567")
	}
}

func TestSubStorageWritableWriteAtIsOffsetIntoUnderlying(t *testing.T) {
	under := mem.New(16)
	sub := backend.Sub(under, 4, 8)

	w, err := sub.Writable()
	if err != nil {
		t.Fatalf("Writable: %v", err)
	}
	if _, err := w.WriteAt([]byte("host never sees this prefix")[:4], 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	raw := under.Bytes()
	if !bytes.Equal(raw[0:4], make([]byte, 4)) {
		t.Fatal("a write through a SubStorage touched bytes before its offset")
	}
	if !bytes.Equal(raw[4:8], []byte("host")) {
		t.Fatalf("bytes at the sub-storage offset = %q, want %q", raw[4:8], "host")
	}
}

func TestSubStorageSeekEndIsRelativeToSubstorageSize(t *testing.T) {
	under := mem.New(32)
	sub := backend.Sub(under, 8, 8)

	pos, err := sub.Seek(0, io.SeekEnd)
	if err != nil {
		t.Fatalf("Seek(0, SeekEnd): %v", err)
	}
	if pos != 8 {
		t.Fatalf("Seek(0, SeekEnd) = %d, want 8 (the sub-storage's own size, not the underlying one)", pos)
	}
}

func TestSubStorageStatDelegatesToUnderlying(t *testing.T) {
	under := mem.New(100)
	sub := backend.Sub(under, 10, 20)

	info, err := sub.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 100 {
		t.Fatalf("Stat().Size() = %d, want the underlying storage's size 100 (SubStorage does not override Stat)", info.Size())
	}
}
