package mem

import (
	"bytes"
	"io"
	"testing"
)

func TestNewIsZeroFilled(t *testing.T) {
	s := New(16)
	got := make([]byte, 16)
	if _, err := s.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, make([]byte, 16)) {
		t.Fatal("New(16) is not zero-filled")
	}
}

func TestWriteAtThenReadAtRoundTrip(t *testing.T) {
	s := New(32)
	payload := []byte("hello storage")
	if n, err := s.WriteAt(payload, 4); err != nil || n != len(payload) {
		t.Fatalf("WriteAt = (%d, %v), want (%d, nil)", n, err, len(payload))
	}
	got := make([]byte, len(payload))
	if n, err := s.ReadAt(got, 4); err != nil || n != len(payload) {
		t.Fatalf("ReadAt = (%d, %v), want (%d, nil)", n, err, len(payload))
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadAt = %q, want %q", got, payload)
	}
}

func TestWriteAtGrowsUnderlyingBuffer(t *testing.T) {
	s := New(4)
	payload := []byte("grows past the original size")
	if _, err := s.WriteAt(payload, 10); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if len(s.Bytes()) != 10+len(payload) {
		t.Fatalf("underlying buffer is %d bytes, want %d", len(s.Bytes()), 10+len(payload))
	}
	got := make([]byte, len(payload))
	if _, err := s.ReadAt(got, 10); err != nil {
		t.Fatalf("ReadAt after growth: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("data written past the original size did not round trip")
	}
}

func TestReadAtPastEndReturnsEOF(t *testing.T) {
	s := New(4)
	buf := make([]byte, 4)
	if _, err := s.ReadAt(buf, 4); err != io.EOF {
		t.Fatalf("ReadAt at exactly the end = %v, want io.EOF", err)
	}
}

func TestReadAtShortReadReturnsEOFWithPartialData(t *testing.T) {
	s := NewFromBytes([]byte("abc"))
	buf := make([]byte, 8)
	n, err := s.ReadAt(buf, 0)
	if err != io.EOF {
		t.Fatalf("short ReadAt error = %v, want io.EOF", err)
	}
	if n != 3 || string(buf[:n]) != "abc" {
		t.Fatalf("short ReadAt returned (%d, %q), want (3, \"abc\")", n, buf[:n])
	}
}

func TestSeekAndSequentialRead(t *testing.T) {
	s := NewFromBytes([]byte("0123456789"))
	if pos, err := s.Seek(3, io.SeekStart); err != nil || pos != 3 {
		t.Fatalf("Seek(3, SeekStart) = (%d, %v), want (3, nil)", pos, err)
	}
	buf := make([]byte, 4)
	n, err := s.Read(buf)
	if err != nil || n != 4 {
		t.Fatalf("Read = (%d, %v), want (4, nil)", n, err)
	}
	if string(buf) != "3456" {
		t.Fatalf("Read after Seek = %q, want %q", buf, "3456")
	}
	if pos, err := s.Seek(-2, io.SeekCurrent); err != nil || pos != 5 {
		t.Fatalf("Seek(-2, SeekCurrent) = (%d, %v), want (5, nil)", pos, err)
	}
}

func TestSeekEndAndRejectsNegativeResult(t *testing.T) {
	s := NewFromBytes([]byte("0123456789"))
	if pos, err := s.Seek(0, io.SeekEnd); err != nil || pos != 10 {
		t.Fatalf("Seek(0, SeekEnd) = (%d, %v), want (10, nil)", pos, err)
	}
	if _, err := s.Seek(-100, io.SeekStart); err == nil {
		t.Fatal("expected Seek to reject a negative resulting position")
	}
}

func TestBytesReflectsInPlaceMutation(t *testing.T) {
	backing := []byte("mutate me")
	s := NewFromBytes(backing)
	if _, err := s.WriteAt([]byte("X"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if backing[0] != 'X' {
		t.Fatal("NewFromBytes should wrap the slice without copying")
	}
}

func TestStatReportsCurrentSize(t *testing.T) {
	s := New(8)
	if _, err := s.WriteAt([]byte("grown"), 20); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	info, err := s.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != int64(len(s.Bytes())) {
		t.Fatalf("Stat().Size() = %d, want %d", info.Size(), len(s.Bytes()))
	}
}
