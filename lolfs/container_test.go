package lolfs

import "testing"

func TestBaseOffsetNilFinderIsZero(t *testing.T) {
	if got := BaseOffset([]byte("anything"), nil); got != 0 {
		t.Fatalf("BaseOffset with a nil finder = %d, want 0", got)
	}
}

func TestBaseOffsetUsesFinderResult(t *testing.T) {
	finder := func(b []byte) (int64, bool) { return 4096, true }
	if got := BaseOffset([]byte("elf bytes"), finder); got != 4096 {
		t.Fatalf("BaseOffset = %d, want 4096", got)
	}
}

func TestBaseOffsetFallsBackToZeroWhenNotFound(t *testing.T) {
	finder := func(b []byte) (int64, bool) { return 0, false }
	if got := BaseOffset([]byte("elf bytes"), finder); got != 0 {
		t.Fatalf("BaseOffset = %d, want 0 when the finder reports not found", got)
	}
}
