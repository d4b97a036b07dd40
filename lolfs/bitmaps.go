package lolfs

import (
	"sync"

	"github.com/hodgesds/lolelffs/internal/bitmap"
)

// allocator holds the two bitmaps described in §4.2: one bit per inode,
// one bit per block, 1 = free, 0 = used. It is the sole owner of bitmap
// mutation; §5 requires callers to serialize on this mutex before any
// path that may change a metadata block.
type allocator struct {
	mu sync.Mutex

	inodeBitmap *bitmap.Bitmap
	blockBitmap *bitmap.Bitmap

	inodeCount int
	blockCount int

	freeInodes uint32
	freeBlocks uint64

	lastBlockHint uint64

	// persistInodeBitmap and persistBlockBitmap, when set, flush the
	// corresponding bitmap to its on-disk region. They are invoked with
	// the allocator's mutex held, so that the bitmap a mutating call
	// persists is published to disk before that call returns and before
	// any extent index write the caller makes afterward (§5 ordering
	// guarantee: bitmap visible before extent index write).
	persistInodeBitmap func() error
	persistBlockBitmap func() error
	lastErr            error
}

// err returns and clears the most recent persistence failure, if any.
func (a *allocator) err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.lastErr
	a.lastErr = nil
	return e
}

func (a *allocator) syncInodeBitmap() {
	if a.persistInodeBitmap == nil {
		return
	}
	if err := a.persistInodeBitmap(); err != nil {
		a.lastErr = err
	}
}

func (a *allocator) syncBlockBitmap() {
	if a.persistBlockBitmap == nil {
		return
	}
	if err := a.persistBlockBitmap(); err != nil {
		a.lastErr = err
	}
}

// newAllFreeBitmap builds a bitmap of nbits entries, all marked free (1).
// Bits beyond nbits within the final byte are left at 0 (used) since they
// address no real inode or block and must never be handed out.
func newAllFreeBitmap(nbits int) *bitmap.Bitmap {
	bm := bitmap.NewBits(nbits)
	for i := 0; i < nbits; i++ {
		_ = bm.Set(i)
	}
	return bm
}

func newAllocator(inodeCount, blockCount int) *allocator {
	return &allocator{
		inodeBitmap: newAllFreeBitmap(inodeCount),
		blockBitmap: newAllFreeBitmap(blockCount),
		inodeCount:  inodeCount,
		blockCount:  blockCount,
		freeInodes:  uint32(inodeCount),
		freeBlocks:  uint64(blockCount),
	}
}

// reserveBlocks marks the first n blocks used directly, bypassing the
// persist hooks (not yet wired at the point Format calls this); the
// caller flushes the block bitmap once after the whole metadata layout
// is reserved.
func (a *allocator) reserveBlocks(n int) {
	if n > a.blockCount {
		n = a.blockCount
	}
	for i := 0; i < n; i++ {
		_ = markUsed(a.blockBitmap, i)
	}
	if uint64(n) <= a.freeBlocks {
		a.freeBlocks -= uint64(n)
	} else {
		a.freeBlocks = 0
	}
}

// markUsed clears bit location (0 = used); markFree sets it (1 = free).
func markUsed(bm *bitmap.Bitmap, location int) error { return bm.Clear(location) }
func markFree(bm *bitmap.Bitmap, location int) error { return bm.Set(location) }

// allocInode returns the lowest free inode number and marks it used.
func (a *allocator) allocInode() (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	loc, ok := a.inodeBitmap.FirstFreeFast(a.inodeCount, 0)
	if !ok {
		return 0, false
	}
	_ = markUsed(a.inodeBitmap, loc)
	a.freeInodes--
	a.syncInodeBitmap()
	return uint32(loc), true
}

// freeInode sets the inode's bit back to free. Out-of-range numbers are
// ignored, matching §4.2's failure semantics for free operations.
func (a *allocator) freeInode(ino uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(ino) >= a.inodeCount {
		return
	}
	used, err := a.inodeBitmap.IsSet(int(ino))
	if err != nil {
		return
	}
	if !used {
		// already free: nothing to account for
		return
	}
	_ = markFree(a.inodeBitmap, int(ino))
	a.freeInodes++
	a.syncInodeBitmap()
}

// allocBlocksHint finds the lowest run of length consecutive free bits at
// or after hint, wrapping around to the start of the bitmap if needed,
// and marks them used. length == 1 takes the find-first-bit fast path;
// length > 1 uses a linear scan with a rolling counter of consecutive
// free bits, per §4.2.
func (a *allocator) allocBlocksHint(length int, hint uint64) (uint64, bool) {
	if length <= 0 {
		return 0, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if length == 1 {
		loc, ok := a.blockBitmap.FirstFreeFast(a.blockCount, int(hint))
		if !ok {
			return 0, false
		}
		_ = markUsed(a.blockBitmap, loc)
		a.freeBlocks--
		a.lastBlockHint = uint64(loc) + 1
		a.syncBlockBitmap()
		return uint64(loc), true
	}

	if first, ok := a.scanRun(length, int(hint), a.blockCount); ok {
		a.takeRun(first, length)
		a.syncBlockBitmap()
		return uint64(first), true
	}
	if hint > 0 {
		if first, ok := a.scanRun(length, 0, int(hint)+length-1); ok {
			a.takeRun(first, length)
			a.syncBlockBitmap()
			return uint64(first), true
		}
	}
	return 0, false
}

// allocBlocks is allocBlocksHint seeded from the allocator's last
// allocation, the locality hint described in §4.2.
func (a *allocator) allocBlocks(length int) (uint64, bool) {
	return a.allocBlocksHint(length, a.lastBlockHint)
}

// scanRun performs the linear, rolling-counter scan for a run of length
// consecutive free bits within [from, upTo).
func (a *allocator) scanRun(length, from, upTo int) (int, bool) {
	if from < 0 {
		from = 0
	}
	if upTo > a.blockCount {
		upTo = a.blockCount
	}
	run := 0
	for i := from; i < upTo; i++ {
		free, err := a.blockBitmap.IsSet(i)
		if err != nil {
			break
		}
		if free {
			run++
			if run >= length {
				return i - length + 1, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

func (a *allocator) takeRun(first, length int) {
	for i := first; i < first+length; i++ {
		_ = markUsed(a.blockBitmap, i)
	}
	a.freeBlocks -= uint64(length)
	a.lastBlockHint = uint64(first) + uint64(length)
}

// freeBlocksRange sets [first, first+length) back to free. Ranges that
// fall outside the bitmap are ignored without changing counters.
func (a *allocator) freeBlocksRange(first uint64, length int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if first >= uint64(a.blockCount) || length <= 0 {
		return
	}
	end := first + uint64(length)
	if end > uint64(a.blockCount) {
		end = uint64(a.blockCount)
	}
	for i := first; i < end; i++ {
		used, err := a.blockBitmap.IsSet(int(i))
		if err != nil {
			continue
		}
		if used {
			continue
		}
		_ = markFree(a.blockBitmap, int(i))
		a.freeBlocks++
	}
	a.syncBlockBitmap()
}

// optimalRun implements §4.2's adaptive run-size policy: 2 blocks for
// files under 8 blocks, 4 for files under 32 blocks, otherwise the
// configured extent-size limit, clamped to the blocks actually free.
func optimalRun(currentFileBlocks uint64, maxExtentBlocks uint32, freeBlocks uint64) uint32 {
	var ideal uint32
	switch {
	case currentFileBlocks < 8:
		ideal = 2
	case currentFileBlocks < 32:
		ideal = 4
	default:
		ideal = maxExtentBlocks
	}
	if freeBlocks == 0 {
		return 0
	}
	if uint64(ideal) > freeBlocks {
		ideal = uint32(freeBlocks)
	}
	if ideal < 1 {
		ideal = 1
	}
	return ideal
}
