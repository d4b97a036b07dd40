package lolfs

import (
	"encoding/binary"
	"fmt"
)

// Directory layout constants (§4.7). A name entry is a 4-byte inode
// number, a 1-byte name length, and a 255-byte name field: 260 bytes,
// already 4-byte aligned.
const (
	dirNameMax         = 255
	dirEntrySize       = 4 + 1 + dirNameMax
	dirFilesPerBlock   = BlockSize / dirEntrySize
	dirBlocksPerExtent = 4
	dirFilesPerExtent  = dirFilesPerBlock * dirBlocksPerExtent
)

// DirEntry is one name visible to a caller of iterate/list_dir (§6).
type DirEntry struct {
	Name string
	Ino  uint32
}

type dirEntry struct {
	ino  uint32
	name string
}

func (e dirEntry) toBytes(b []byte) {
	if len(e.name) > dirNameMax {
		panic("lolfs: directory entry name too long")
	}
	binary.LittleEndian.PutUint32(b[0:4], e.ino)
	b[4] = byte(len(e.name))
	copy(b[5:5+len(e.name)], e.name)
	for i := 5 + len(e.name); i < dirEntrySize; i++ {
		b[i] = 0
	}
}

func dirEntryFromBytes(b []byte) dirEntry {
	ino := binary.LittleEndian.Uint32(b[0:4])
	n := int(b[4])
	if n > dirNameMax {
		n = dirNameMax
	}
	return dirEntry{ino: ino, name: string(b[5 : 5+n])}
}

// dirLocation is the §4.7 position triple for the n'th name entry.
type dirLocation struct {
	extentIdx int
	blockIdx  int
	entryIdx  int
}

func dirLocationFor(n int) dirLocation {
	return dirLocation{
		extentIdx: n / dirFilesPerExtent,
		blockIdx:  (n % dirFilesPerExtent) / dirFilesPerBlock,
		entryIdx:  n % dirFilesPerBlock,
	}
}

// dirPhysicalBlock resolves loc to a physical block number, given the
// extent at loc.extentIdx is already allocated.
func dirPhysicalBlock(ib *indexBlock, loc dirLocation) (uint64, error) {
	if loc.extentIdx >= ib.usedCount() {
		return 0, fmt.Errorf("%w: directory extent %d not allocated", ErrInvalidImage, loc.extentIdx)
	}
	e := ib.extents[loc.extentIdx]
	if loc.blockIdx >= int(e.len) {
		return 0, fmt.Errorf("%w: directory block index %d out of extent range", ErrInvalidImage, loc.blockIdx)
	}
	return e.start + uint64(loc.blockIdx), nil
}

// ensureDirExtent allocates the extentIdx'th directory extent (a fixed
// dirBlocksPerExtent run) if it is the next sequential one, per §4.7's
// insertion formula.
func (fs *FileSystem) ensureDirExtent(ib *indexBlock, extentIdx int) error {
	n := ib.usedCount()
	if extentIdx < n {
		return nil
	}
	if extentIdx != n {
		return fmt.Errorf("%w: non-sequential directory extent allocation", ErrInvalidImage)
	}
	if n >= len(ib.extents) {
		return fmt.Errorf("%w: directory extent index full", ErrNoSpace)
	}
	first, ok := fs.alloc.allocBlocks(dirBlocksPerExtent)
	if !ok {
		return fmt.Errorf("%w: no space for directory extent", ErrNoSpace)
	}
	if err := fs.alloc.err(); err != nil {
		return err
	}
	zero := make([]byte, BlockSize)
	for i := 0; i < dirBlocksPerExtent; i++ {
		if err := fs.writeBlock(first+uint64(i), zero); err != nil {
			fs.alloc.freeBlocksRange(first, dirBlocksPerExtent)
			return err
		}
	}
	ib.extents[n] = extent{
		block: uint32(extentIdx * dirBlocksPerExtent),
		len:   dirBlocksPerExtent,
		start: first,
	}
	return nil
}

// lookupDir implements §4.7 lookup: scan used extents in order, scanning
// each 4 KiB block's entries until one matches or a zero-inode entry
// terminates the block.
func (fs *FileSystem) lookupDir(parent *inodeRecord, name string) (uint32, bool, error) {
	if parent.eiBlock == 0 {
		return 0, false, nil
	}
	ib, err := fs.readIndexBlock(parent.eiBlock)
	if err != nil {
		return 0, false, err
	}
	n := ib.usedCount()
	for ei := 0; ei < n; ei++ {
		e := ib.extents[ei]
		for bi := 0; bi < int(e.len); bi++ {
			data, err := fs.readBlock(e.start + uint64(bi))
			if err != nil {
				return 0, false, err
			}
			for off := 0; off+dirEntrySize <= BlockSize; off += dirEntrySize {
				ent := dirEntryFromBytes(data[off : off+dirEntrySize])
				if ent.ino == 0 {
					break
				}
				if ent.name == name {
					return ent.ino, true, nil
				}
			}
		}
	}
	return 0, false, nil
}

// insertDir implements §4.7 insert.
func (fs *FileSystem) insertDir(parentIno uint32, parent *inodeRecord, name string, ino uint32) error {
	if len(name) == 0 || len(name) > dirNameMax {
		return fmt.Errorf("%w: directory name length %d invalid", ErrTooBig, len(name))
	}
	ib, err := fs.ensureIndexBlock(&parent.eiBlock)
	if err != nil {
		return err
	}
	if _, found, _ := fs.lookupDir(parent, name); found {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}

	n := int(ib.count)
	loc := dirLocationFor(n)
	if err := fs.ensureDirExtent(ib, loc.extentIdx); err != nil {
		return err
	}
	phys, err := dirPhysicalBlock(ib, loc)
	if err != nil {
		return err
	}
	data, err := fs.readBlock(phys)
	if err != nil {
		return err
	}
	off := loc.entryIdx * dirEntrySize
	dirEntry{ino: ino, name: name}.toBytes(data[off : off+dirEntrySize])
	if err := fs.writeBlock(phys, data); err != nil {
		return err
	}
	ib.count++
	if err := fs.writeIndexBlock(parent.eiBlock, ib); err != nil {
		return err
	}
	return fs.writeInode(parentIno, parent)
}

// removeDir implements §4.7 remove via compaction: the last entry is
// moved into the removed slot so that a zero-inode entry still
// correctly terminates every block's scan.
func (fs *FileSystem) removeDir(parentIno uint32, parent *inodeRecord, name string) error {
	if parent.eiBlock == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	ib, err := fs.readIndexBlock(parent.eiBlock)
	if err != nil {
		return err
	}
	targetN, found, err := fs.findDirIndex(ib, name)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	lastN := int(ib.count) - 1
	if lastN < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	lastLoc := dirLocationFor(lastN)
	lastPhys, err := dirPhysicalBlock(ib, lastLoc)
	if err != nil {
		return err
	}
	lastData, err := fs.readBlock(lastPhys)
	if err != nil {
		return err
	}
	lastOff := lastLoc.entryIdx * dirEntrySize
	lastEntryBytes := make([]byte, dirEntrySize)
	copy(lastEntryBytes, lastData[lastOff:lastOff+dirEntrySize])

	if targetN != lastN {
		targetLoc := dirLocationFor(targetN)
		targetPhys, err := dirPhysicalBlock(ib, targetLoc)
		if err != nil {
			return err
		}
		targetData, err := fs.readBlock(targetPhys)
		if err != nil {
			return err
		}
		targetOff := targetLoc.entryIdx * dirEntrySize
		copy(targetData[targetOff:targetOff+dirEntrySize], lastEntryBytes)
		if err := fs.writeBlock(targetPhys, targetData); err != nil {
			return err
		}
	}

	for i := range lastData[lastOff : lastOff+dirEntrySize] {
		lastData[lastOff+i] = 0
	}
	if err := fs.writeBlock(lastPhys, lastData); err != nil {
		return err
	}
	ib.count--
	if err := fs.writeIndexBlock(parent.eiBlock, ib); err != nil {
		return err
	}
	return fs.writeInode(parentIno, parent)
}

// findDirIndex returns the linear position (0-based, matching nr_files
// ordering) of name within the directory, used by remove to locate the
// entry it must compact away.
func (fs *FileSystem) findDirIndex(ib *indexBlock, name string) (int, bool, error) {
	n := int(ib.count)
	idx := 0
	used := ib.usedCount()
	for ei := 0; ei < used && idx < n; ei++ {
		e := ib.extents[ei]
		for bi := 0; bi < int(e.len) && idx < n; bi++ {
			data, err := fs.readBlock(e.start + uint64(bi))
			if err != nil {
				return 0, false, err
			}
			for off := 0; off+dirEntrySize <= BlockSize && idx < n; off += dirEntrySize {
				ent := dirEntryFromBytes(data[off : off+dirEntrySize])
				if ent.name == name && ent.ino != 0 {
					return idx, true, nil
				}
				idx++
			}
		}
	}
	return 0, false, nil
}

// iterateDir implements §4.7 iterate: synthetic "." and ".." come first
// (cursor 0 and 1), then real entries in on-disk order (cursor 2+, mapped
// to nr_files position cursor-2). The returned nextCursor is always valid
// to resume from.
func (fs *FileSystem) iterateDir(selfIno uint32, parentOfIno uint32, parent *inodeRecord, cursor uint64) (entry DirEntry, nextCursor uint64, done bool, err error) {
	if cursor == 0 {
		return DirEntry{Name: ".", Ino: selfIno}, 1, false, nil
	}
	if cursor == 1 {
		return DirEntry{Name: "..", Ino: parentOfIno}, 2, false, nil
	}
	if parent.eiBlock == 0 {
		return DirEntry{}, cursor, true, nil
	}
	ib, err := fs.readIndexBlock(parent.eiBlock)
	if err != nil {
		return DirEntry{}, cursor, false, err
	}
	n := int(ib.count)
	pos := int(cursor - 2)
	if pos >= n {
		return DirEntry{}, cursor, true, nil
	}
	loc := dirLocationFor(pos)
	phys, err := dirPhysicalBlock(ib, loc)
	if err != nil {
		return DirEntry{}, cursor, false, err
	}
	data, err := fs.readBlock(phys)
	if err != nil {
		return DirEntry{}, cursor, false, err
	}
	off := loc.entryIdx * dirEntrySize
	ent := dirEntryFromBytes(data[off : off+dirEntrySize])
	return DirEntry{Name: ent.name, Ino: ent.ino}, cursor + 1, false, nil
}
