package lolfs

import (
	"testing"

	"github.com/go-test/deep"
)

func TestExtentRoundTrip(t *testing.T) {
	e := extent{block: 12, len: 4, start: 9001, compAlgo: CompressionLZ4, encAlgo: EncryptionAES256XTS, flags: extentFlagCompressed | extentFlagEncrypted, meta: 77}
	b := make([]byte, ExtentSize)
	e.toBytes(b)
	got := extentFromBytes(b)
	if diff := deep.Equal(got, e); diff != nil {
		t.Errorf("extent round trip mismatch: %v", diff)
	}
}

func TestIndexBlockRoundTrip(t *testing.T) {
	ib := newIndexBlock()
	ib.count = 3
	ib.aux = 555
	ib.extents[0] = extent{block: 0, len: 2, start: 100}
	ib.extents[1] = extent{block: 2, len: 2, start: 102}

	got, err := indexBlockFromBytes(ib.toBytes())
	if err != nil {
		t.Fatalf("indexBlockFromBytes: %v", err)
	}
	if diff := deep.Equal(got, ib); diff != nil {
		t.Errorf("indexBlock round trip mismatch: %v", diff)
	}
}

func TestIndexBlockUsedCount(t *testing.T) {
	ib := newIndexBlock()
	if ib.usedCount() != 0 {
		t.Fatalf("usedCount = %d, want 0 for a fresh index block", ib.usedCount())
	}
	ib.extents[0] = extent{block: 0, len: 4, start: 10}
	ib.extents[1] = extent{block: 4, len: 4, start: 20}
	if ib.usedCount() != 2 {
		t.Fatalf("usedCount = %d, want 2", ib.usedCount())
	}
}

func TestSearchExtent(t *testing.T) {
	ib := newIndexBlock()
	ib.extents[0] = extent{block: 0, len: 4, start: 10}
	ib.extents[1] = extent{block: 4, len: 4, start: 20}
	ib.extents[2] = extent{block: 8, len: 4, start: 30}

	tests := []struct {
		name        string
		logical     uint32
		wantIdx     int
		wantFound   bool
		wantNoSpace bool
	}{
		{"first extent", 0, 0, true, false},
		{"middle of second extent", 5, 1, true, false},
		{"last block of third extent", 11, 2, true, false},
		{"beyond allocated range, slot free", 12, 3, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, found, noSpace := ib.searchExtent(tt.logical)
			if idx != tt.wantIdx || found != tt.wantFound || noSpace != tt.wantNoSpace {
				t.Errorf("searchExtent(%d) = (%d, %v, %v), want (%d, %v, %v)", tt.logical, idx, found, noSpace, tt.wantIdx, tt.wantFound, tt.wantNoSpace)
			}
		})
	}
}

func TestSearchExtentNoSpaceWhenFull(t *testing.T) {
	ib := newIndexBlock()
	for i := range ib.extents {
		ib.extents[i] = extent{block: uint32(i), len: 1, start: uint64(i) + 1}
	}
	_, found, noSpace := ib.searchExtent(uint32(len(ib.extents)) + 5)
	if found || !noSpace {
		t.Fatalf("searchExtent on a full index = found %v noSpace %v, want found=false noSpace=true", found, noSpace)
	}
}

func TestSearchExtentHintFastPath(t *testing.T) {
	ib := newIndexBlock()
	ib.extents[0] = extent{block: 0, len: 4, start: 10}
	ib.extents[1] = extent{block: 4, len: 4, start: 20}

	idx, found, _ := ib.searchExtentHint(5, 0)
	if !found || idx != 1 {
		t.Fatalf("searchExtentHint(5, lastIdx=0) = (%d, %v), want (1, true) via the next-slot fast path", idx, found)
	}
	idx, found, _ = ib.searchExtentHint(1, 0)
	if !found || idx != 0 {
		t.Fatalf("searchExtentHint(1, lastIdx=0) = (%d, %v), want (0, true) via the hit-last-slot fast path", idx, found)
	}
}

func TestAllocateForGrowsSequentially(t *testing.T) {
	a := newAllocator(1, 4096)
	ib := newIndexBlock()

	e1, err := ib.allocateFor(a, 0, CompressionNone, EncryptionNone, 8192)
	if err != nil {
		t.Fatalf("allocateFor(0): %v", err)
	}
	if e1.block != 0 {
		t.Fatalf("first extent logical start = %d, want 0", e1.block)
	}

	// A logical block within the first extent returns the same extent.
	e1again, err := ib.allocateFor(a, e1.len-1, CompressionNone, EncryptionNone, 8192)
	if err != nil {
		t.Fatalf("allocateFor(last block of first extent): %v", err)
	}
	if diff := deep.Equal(e1again, e1); diff != nil {
		t.Errorf("re-requesting a covered block should return the same extent: %v", diff)
	}

	// A logical block past the first extent forces a new one, contiguous
	// in the logical address space.
	next := e1.block + e1.len
	e2, err := ib.allocateFor(a, next, CompressionNone, EncryptionNone, 8192)
	if err != nil {
		t.Fatalf("allocateFor(%d): %v", next, err)
	}
	if e2.block != next {
		t.Fatalf("second extent logical start = %d, want %d", e2.block, next)
	}
	if e2.start == e1.start {
		t.Fatalf("second extent reused the first extent's physical start %d", e1.start)
	}
}

func TestAllocateForRejectsNonContiguousRequest(t *testing.T) {
	a := newAllocator(1, 4096)
	ib := newIndexBlock()
	if _, err := ib.allocateFor(a, 0, CompressionNone, EncryptionNone, 8192); err != nil {
		t.Fatalf("allocateFor(0): %v", err)
	}
	// Skipping far ahead of the next contiguous logical block must fail.
	if _, err := ib.allocateFor(a, 999, CompressionNone, EncryptionNone, 8192); err == nil {
		t.Fatal("expected allocateFor to reject a non-contiguous logical block request")
	}
}

func TestAllocateForNoSpaceWhenIndexFull(t *testing.T) {
	a := newAllocator(1, 4096)
	ib := newIndexBlock()
	for i := range ib.extents {
		ib.extents[i] = extent{block: uint32(i), len: 1, start: uint64(i) + 1}
	}
	if _, err := ib.allocateFor(a, uint32(len(ib.extents))+10, CompressionNone, EncryptionNone, 8192); err == nil {
		t.Fatal("expected allocateFor to fail once the index is full")
	}
}

func TestTruncateFromFreesBlocks(t *testing.T) {
	a := newAllocator(1, 4096)
	ib := newIndexBlock()
	if _, err := ib.allocateFor(a, 0, CompressionNone, EncryptionNone, 8192); err != nil {
		t.Fatalf("allocateFor: %v", err)
	}
	freeBefore := a.freeBlocks
	ib.truncateFrom(a, 0)
	if a.freeBlocks <= freeBefore {
		t.Fatalf("freeBlocks did not increase after truncateFrom(0): before %d, after %d", freeBefore, a.freeBlocks)
	}
	if ib.usedCount() != 0 {
		t.Fatalf("usedCount = %d after truncating to zero, want 0", ib.usedCount())
	}
}

func TestIndexBlockValidateDetectsOutOfRangeExtent(t *testing.T) {
	ib := newIndexBlock()
	ib.extents[0] = extent{block: 0, len: 1, start: 0} // start 0 is never a valid physical block
	errs := ib.validate(10, 4096, 8192)
	if len(errs) == 0 {
		t.Fatal("expected validate to flag an extent whose physical start is outside the data region")
	}
}

func TestIndexBlockValidateDetectsGap(t *testing.T) {
	ib := newIndexBlock()
	ib.extents[0] = extent{block: 0, len: 4, start: 100}
	ib.extents[1] = extent{block: 10, len: 4, start: 200} // should start at 4, not 10
	errs := ib.validate(10, 4096, 8192)
	if len(errs) == 0 {
		t.Fatal("expected validate to flag a logical-range gap between extents")
	}
}
