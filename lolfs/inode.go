package lolfs

import (
	"encoding/binary"
	"fmt"
)

// Unix file-type bits within mode, conventional encoding (§9 Design
// Notes: "mode bits follow the conventional Unix encoding").
const (
	modeTypeMask    uint16 = 0xF000
	modeTypeRegular uint16 = 0x8000
	modeTypeDir     uint16 = 0x4000
	modeTypeSymlink uint16 = 0xA000
	modePermMask    uint16 = 0x0FFF
)

// InodeType is the tagged variant lifted from the raw mode bits at the
// API boundary (§9).
type InodeType int

const (
	TypeRegular InodeType = iota
	TypeDirectory
	TypeSymlink
)

// maxInlineSymlink is the largest symlink target storable inline: 28
// bytes of inline data, minus one byte for the null terminator (§4.6).
const maxInlineSymlink = 28 - 1

// inodeRecord is the fixed 72-byte on-disk inode (§3).
type inodeRecord struct {
	mode       uint16
	uid        uint32
	gid        uint32
	size       uint64
	ctime      uint32
	atime      uint32
	mtime      uint32
	blocks     uint32
	links      uint16
	eiBlock    uint32 // pointer to this inode's extent index block
	xattrBlock uint32 // pointer to xattr extent index block, 0 = none
	inline     [maxInlineSymlink + 1]byte
}

func (r *inodeRecord) rawType() uint16 { return r.mode & modeTypeMask }

func (r *inodeRecord) Type() InodeType {
	switch r.rawType() {
	case modeTypeDir:
		return TypeDirectory
	case modeTypeSymlink:
		return TypeSymlink
	default:
		return TypeRegular
	}
}

func (r *inodeRecord) IsDir() bool     { return r.rawType() == modeTypeDir }
func (r *inodeRecord) IsSymlink() bool { return r.rawType() == modeTypeSymlink }
func (r *inodeRecord) IsRegular() bool { return r.rawType() == modeTypeRegular }

func (r *inodeRecord) Perm() uint16 { return r.mode & modePermMask }

func modeFor(t InodeType, perm uint16) uint16 {
	var bits uint16
	switch t {
	case TypeDirectory:
		bits = modeTypeDir
	case TypeSymlink:
		bits = modeTypeSymlink
	default:
		bits = modeTypeRegular
	}
	return bits | (perm & modePermMask)
}

// setSymlinkTarget stores a short symlink target inline, per §4.6: targets
// of length <= 27 bytes are stored with a null terminator in the 28-byte
// inline area; longer targets are rejected.
func (r *inodeRecord) setSymlinkTarget(target string) error {
	if len(target) > maxInlineSymlink {
		return fmt.Errorf("%w: symlink target %d bytes exceeds inline limit %d", ErrTooBig, len(target), maxInlineSymlink)
	}
	var buf [maxInlineSymlink + 1]byte
	copy(buf[:], target)
	r.inline = buf
	r.size = uint64(len(target))
	return nil
}

func (r *inodeRecord) symlinkTarget() string {
	n := 0
	for n < len(r.inline) && r.inline[n] != 0 {
		n++
	}
	return string(r.inline[:n])
}

func (r *inodeRecord) toBytes() []byte {
	b := make([]byte, InodeSize)
	binary.LittleEndian.PutUint16(b[0:2], r.mode)
	binary.LittleEndian.PutUint32(b[2:6], r.uid)
	binary.LittleEndian.PutUint32(b[6:10], r.gid)
	binary.LittleEndian.PutUint64(b[10:18], r.size)
	binary.LittleEndian.PutUint32(b[18:22], r.ctime)
	binary.LittleEndian.PutUint32(b[22:26], r.atime)
	binary.LittleEndian.PutUint32(b[26:30], r.mtime)
	binary.LittleEndian.PutUint32(b[30:34], r.blocks)
	binary.LittleEndian.PutUint16(b[34:36], r.links)
	binary.LittleEndian.PutUint32(b[36:40], r.eiBlock)
	binary.LittleEndian.PutUint32(b[40:44], r.xattrBlock)
	copy(b[44:72], r.inline[:])
	return b
}

func inodeFromBytes(b []byte) *inodeRecord {
	r := &inodeRecord{}
	r.mode = binary.LittleEndian.Uint16(b[0:2])
	r.uid = binary.LittleEndian.Uint32(b[2:6])
	r.gid = binary.LittleEndian.Uint32(b[6:10])
	r.size = binary.LittleEndian.Uint64(b[10:18])
	r.ctime = binary.LittleEndian.Uint32(b[18:22])
	r.atime = binary.LittleEndian.Uint32(b[22:26])
	r.mtime = binary.LittleEndian.Uint32(b[26:30])
	r.blocks = binary.LittleEndian.Uint32(b[30:34])
	r.links = binary.LittleEndian.Uint16(b[34:36])
	r.eiBlock = binary.LittleEndian.Uint32(b[36:40])
	r.xattrBlock = binary.LittleEndian.Uint32(b[40:44])
	copy(r.inline[:], b[44:72])
	return r
}

// readInode loads inode number ino from the flat inode store.
func (fs *FileSystem) readInode(ino uint32) (*inodeRecord, error) {
	if ino >= uint32(fs.superblock.inodeCount) {
		return nil, fmt.Errorf("%w: inode %d out of range", ErrInvalidImage, ino)
	}
	block, offset := fs.superblock.inodeBlock(ino)
	data, err := fs.readBlock(block)
	if err != nil {
		return nil, err
	}
	return inodeFromBytes(data[offset : offset+InodeSize]), nil
}

// writeInode stores record at inode number ino.
func (fs *FileSystem) writeInode(ino uint32, record *inodeRecord) error {
	if ino >= uint32(fs.superblock.inodeCount) {
		return fmt.Errorf("%w: inode %d out of range", ErrInvalidImage, ino)
	}
	block, offset := fs.superblock.inodeBlock(ino)
	data, err := fs.readBlock(block)
	if err != nil {
		return err
	}
	copy(data[offset:offset+InodeSize], record.toBytes())
	return fs.writeBlock(block, data)
}

// allocateInode reserves a free inode number and writes a zeroed record
// for it (§4.6).
func (fs *FileSystem) allocateInode() (uint32, *inodeRecord, error) {
	ino, ok := fs.alloc.allocInode()
	if !ok {
		return 0, nil, fmt.Errorf("%w: no free inodes", ErrNoSpace)
	}
	if err := fs.alloc.err(); err != nil {
		return 0, nil, err
	}
	record := &inodeRecord{links: 0}
	if err := fs.writeInode(ino, record); err != nil {
		fs.alloc.freeInode(ino)
		return 0, nil, err
	}
	return ino, record, nil
}

// freeInodeRecord clears the record, frees blocks reachable from its
// extent index and xattr index, then releases the inode bit (§4.6).
func (fs *FileSystem) freeInodeRecord(ino uint32, record *inodeRecord) error {
	if record.eiBlock != 0 {
		ib, err := fs.readIndexBlock(record.eiBlock)
		if err == nil {
			ib.truncateFrom(fs.alloc, 0)
			fs.alloc.freeBlocksRange(uint64(record.eiBlock), 1)
		}
	}
	if record.xattrBlock != 0 {
		ib, err := fs.readIndexBlock(record.xattrBlock)
		if err == nil {
			ib.truncateFrom(fs.alloc, 0)
			fs.alloc.freeBlocksRange(uint64(record.xattrBlock), 1)
		}
	}
	if err := fs.writeInode(ino, &inodeRecord{}); err != nil {
		return err
	}
	fs.alloc.freeInode(ino)
	return nil
}
