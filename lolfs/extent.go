package lolfs

import (
	"encoding/binary"
	"fmt"
)

// Extent flag bits (§3).
const (
	extentFlagCompressed uint8 = 1 << iota
	extentFlagEncrypted
	extentFlagHasMeta
	extentFlagMixed
)

// extent describes one contiguous run of physical blocks backing a
// contiguous range of an inode's logical blocks, with per-run codec
// metadata (§3).
type extent struct {
	block    uint32 // first logical block covered
	len      uint32 // number of blocks covered
	start    uint64 // first physical block (0 = unused slot)
	compAlgo uint8
	encAlgo  uint8
	flags    uint8
	meta     uint32 // optional per-block metadata block pointer, 0 = none
}

func (e extent) used() bool { return e.start != 0 }

func (e extent) covers(logical uint32) bool {
	return e.used() && logical >= e.block && logical < e.block+e.len
}

func (e extent) toBytes(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], e.block)
	binary.LittleEndian.PutUint32(b[4:8], e.len)
	binary.LittleEndian.PutUint64(b[8:16], e.start)
	b[16] = e.compAlgo
	b[17] = e.encAlgo
	b[18] = e.flags
	b[19] = 0
	binary.LittleEndian.PutUint32(b[20:24], e.meta)
}

func extentFromBytes(b []byte) extent {
	return extent{
		block:    binary.LittleEndian.Uint32(b[0:4]),
		len:      binary.LittleEndian.Uint32(b[4:8]),
		start:    binary.LittleEndian.Uint64(b[8:16]),
		compAlgo: b[16],
		encAlgo:  b[17],
		flags:    b[18],
		meta:     binary.LittleEndian.Uint32(b[20:24]),
	}
}

// indexBlock is the one-block table an inode (or xattr pointer) refers
// to: a small header followed by a flat, ascending array of extents
// (§3, §4.5). The same shape backs file/directory extent indexes (where
// count holds a directory's nr_files and aux is unused) and xattr
// indexes (where count holds the xattr entry count and aux holds total
// stored bytes, §4.9).
type indexBlock struct {
	count   uint32
	aux     uint64
	extents [MaxExtentsPerIndex]extent
}

func newIndexBlock() *indexBlock {
	return &indexBlock{}
}

func (ib *indexBlock) toBytes() []byte {
	b := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(b[0:4], SuperblockMagic) // block tag, not re-validated on read
	binary.LittleEndian.PutUint32(b[4:8], ib.count)
	binary.LittleEndian.PutUint64(b[8:16], ib.aux)
	for i, e := range ib.extents {
		off := indexHeaderSize + i*ExtentSize
		e.toBytes(b[off : off+ExtentSize])
	}
	return b
}

func indexBlockFromBytes(b []byte) (*indexBlock, error) {
	if len(b) < BlockSize {
		return nil, fmt.Errorf("%w: short extent index block", ErrInvalidImage)
	}
	ib := &indexBlock{
		count: binary.LittleEndian.Uint32(b[4:8]),
		aux:   binary.LittleEndian.Uint64(b[8:16]),
	}
	for i := range ib.extents {
		off := indexHeaderSize + i*ExtentSize
		ib.extents[i] = extentFromBytes(b[off : off+ExtentSize])
	}
	return ib, nil
}

// usedCount is the number of leading entries with nonzero start (§4.5).
func (ib *indexBlock) usedCount() int {
	for i, e := range ib.extents {
		if !e.used() {
			return i
		}
	}
	return len(ib.extents)
}

// searchExtent implements §4.5 search: binary search over the used
// prefix for the extent covering logical. If none covers it, the
// smallest free slot is returned for allocation, or noSpace if the index
// is full.
func (ib *indexBlock) searchExtent(logical uint32) (idx int, found bool, noSpace bool) {
	n := ib.usedCount()
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		e := ib.extents[mid]
		switch {
		case logical < e.block:
			hi = mid
		case logical >= e.block+e.len:
			lo = mid + 1
		default:
			return mid, true, false
		}
	}
	if n >= len(ib.extents) {
		return 0, false, true
	}
	return n, false, false
}

// searchExtentHint is the O(1)-for-sequential-access variant of
// searchExtent: it tests the last-returned slot and the immediate next
// one before falling back to the full binary search.
func (ib *indexBlock) searchExtentHint(logical uint32, lastIdx int) (idx int, found bool, noSpace bool) {
	n := ib.usedCount()
	if lastIdx >= 0 && lastIdx < n && ib.extents[lastIdx].covers(logical) {
		return lastIdx, true, false
	}
	if lastIdx+1 >= 0 && lastIdx+1 < n && ib.extents[lastIdx+1].covers(logical) {
		return lastIdx + 1, true, false
	}
	return ib.searchExtent(logical)
}

// allocateFor implements §4.5 allocate_for: if logical lies in an
// existing extent, it is returned as-is; otherwise new extents are
// appended (each sized via the adaptive run policy of §4.2) until one
// covers logical.
func (ib *indexBlock) allocateFor(a *allocator, logical uint32, defaultComp, defaultEnc uint8, maxExtentBlocks uint32) (extent, error) {
	for {
		if i, found, _ := ib.searchExtent(logical); found {
			return ib.extents[i], nil
		}
		n := ib.usedCount()
		if n >= len(ib.extents) {
			return extent{}, fmt.Errorf("%w: extent index full", ErrNoSpace)
		}
		var nextLogical uint32
		var currentFileBlocks uint64
		if n > 0 {
			last := ib.extents[n-1]
			nextLogical = last.block + last.len
			currentFileBlocks = uint64(nextLogical)
		}
		if logical < nextLogical {
			return extent{}, fmt.Errorf("%w: non-contiguous extent allocation requested", ErrInvalidImage)
		}
		runLen := optimalRun(currentFileBlocks, maxExtentBlocks, a.freeBlocks)
		if runLen == 0 {
			return extent{}, fmt.Errorf("%w: no free blocks for extent allocation", ErrNoSpace)
		}
		first, ok := a.allocBlocks(int(runLen))
		if !ok {
			return extent{}, fmt.Errorf("%w: could not allocate %d blocks", ErrNoSpace, runLen)
		}
		if err := a.err(); err != nil {
			return extent{}, err
		}
		ib.extents[n] = extent{
			block:    nextLogical,
			len:      runLen,
			start:    first,
			compAlgo: defaultComp,
			encAlgo:  defaultEnc,
		}
	}
}

// truncateFrom implements §4.5 truncate: the extent covering
// newBlockCount-1 is shortened to end at newBlockCount (its blocks past
// that are freed), and every later extent has its physical blocks freed
// and its entry cleared.
func (ib *indexBlock) truncateFrom(a *allocator, newBlockCount uint32) {
	n := ib.usedCount()
	start := 0
	if newBlockCount > 0 {
		i, found, _ := ib.searchExtent(newBlockCount - 1)
		if !found {
			// nothing beyond the current range to free
			return
		}
		e := &ib.extents[i]
		if keep := newBlockCount - e.block; keep < e.len {
			a.freeBlocksRange(e.start+uint64(keep), int(e.len-keep))
			e.len = keep
		}
		start = i + 1
	}
	for i := start; i < n; i++ {
		e := ib.extents[i]
		if e.used() {
			a.freeBlocksRange(e.start, int(e.len))
		}
		ib.extents[i] = extent{}
	}
}

// validate checks ordering, contiguity, bounded lengths, and flag
// consistency across the used prefix (§3, §8).
func (ib *indexBlock) validate(dataStart, totalBlocks uint64, maxExtentBlocks uint32) []error {
	var errs []error
	n := ib.usedCount()
	var prevEnd uint32
	for i := 0; i < n; i++ {
		e := ib.extents[i]
		if i > 0 && e.block != prevEnd {
			errs = append(errs, fmt.Errorf("%w: extent %d logical range does not follow extent %d", ErrInvalidImage, i, i-1))
		}
		if e.len < 1 || e.len > maxExtentBlocks {
			errs = append(errs, fmt.Errorf("%w: extent %d length %d out of range", ErrInvalidImage, i, e.len))
		}
		if e.start == 0 || e.start < dataStart || e.start >= totalBlocks {
			errs = append(errs, fmt.Errorf("%w: extent %d physical start %d out of data region", ErrInvalidImage, i, e.start))
		}
		if e.flags&extentFlagCompressed != 0 && e.compAlgo == CompressionNone {
			errs = append(errs, fmt.Errorf("%w: extent %d marked compressed with algorithm none", ErrInvalidImage, i))
		}
		if e.flags&extentFlagEncrypted != 0 && e.encAlgo == EncryptionNone {
			errs = append(errs, fmt.Errorf("%w: extent %d marked encrypted with algorithm none", ErrInvalidImage, i))
		}
		prevEnd = e.block + e.len
	}
	return errs
}

// readIndexBlock and writeIndexBlock load/store an extent index block by
// its physical block number, shared by the inode, directory, and xattr
// components.
func (fs *FileSystem) readIndexBlock(phys uint32) (*indexBlock, error) {
	data, err := fs.readBlock(uint64(phys))
	if err != nil {
		return nil, err
	}
	return indexBlockFromBytes(data)
}

func (fs *FileSystem) writeIndexBlock(phys uint32, ib *indexBlock) error {
	return fs.writeBlock(uint64(phys), ib.toBytes())
}

// ensureIndexBlock returns the inode's extent index block, allocating
// and zeroing one if it does not yet have one. Ordering guarantee #1 of
// §5: the new block's allocation is visible in the bitmap before any
// extent referencing a physical block inside it is written, since the
// index block itself is zeroed (no extents) at allocation time.
func (fs *FileSystem) ensureIndexBlock(ptr *uint32) (*indexBlock, error) {
	if *ptr != 0 {
		return fs.readIndexBlock(*ptr)
	}
	phys, ok := fs.alloc.allocBlocks(1)
	if !ok {
		return nil, fmt.Errorf("%w: no block for extent index", ErrNoSpace)
	}
	if err := fs.alloc.err(); err != nil {
		return nil, err
	}
	ib := newIndexBlock()
	if err := fs.writeIndexBlock(uint32(phys), ib); err != nil {
		fs.alloc.freeBlocksRange(phys, 1)
		return nil, err
	}
	*ptr = uint32(phys)
	return ib, nil
}
