package lolfs

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hodgesds/lolelffs/backend"
	"github.com/hodgesds/lolelffs/internal/bitmap"
)

// defaultMaxExtentBlocks bounds a single extent run (§4.2): 8192 blocks
// is 32 MiB at the fixed 4 KiB block size.
const defaultMaxExtentBlocks = 8192

const formatVersion = 1

// FormatOptions configures format (§6).
type FormatOptions struct {
	Compression     uint8
	Encryption      uint8
	Password        string
	KDFIterations   uint32
	InodeRatio      uint64
	MaxExtentBlocks uint32
}

// FileSystem is an open handle on a lolfs image (§4.1, §6). backend is
// always a view already biased to the image's base offset within its
// container (see Format and Open, which wrap the caller's raw
// backend.Storage in a backend.Sub); every other method on FileSystem
// addresses blocks relative to that view and never sees the offset.
type FileSystem struct {
	backend backend.Storage

	superblock *superblock
	alloc      *allocator
	keys       *keyManager

	// mu serializes metadata-mutating operations; §5 requires a single
	// writer to hold it across read-modify-write sequences that touch
	// more than one metadata block (e.g. allocate-then-link).
	mu sync.Mutex
}

func (fs *FileSystem) wireAllocatorPersistence() {
	fs.alloc.persistInodeBitmap = fs.syncInodeBitmapRegion
	fs.alloc.persistBlockBitmap = fs.syncBlockBitmapRegion
}

// syncInodeBitmapRegion and syncBlockBitmapRegion flush the in-memory
// bitmap to its on-disk region, called by the allocator immediately
// after each mutation (§5 ordering guarantee: bitmap visible before
// extent index write).
func (fs *FileSystem) syncInodeBitmapRegion() error {
	return fs.writeBitmapRegion(fs.superblock.inodeBitmapStart(), fs.superblock.inodeBitmapBlocks, fs.alloc.inodeBitmap.ToBytes())
}

func (fs *FileSystem) syncBlockBitmapRegion() error {
	return fs.writeBitmapRegion(fs.superblock.blockBitmapStart(), fs.superblock.blockBitmapBlocks, fs.alloc.blockBitmap.ToBytes())
}

func (fs *FileSystem) writeBitmapRegion(start uint64, nblocks uint32, raw []byte) error {
	pos := 0
	for i := uint32(0); i < nblocks; i++ {
		block := make([]byte, BlockSize)
		if pos < len(raw) {
			n := copy(block, raw[pos:])
			pos += n
		}
		if err := fs.writeBlock(start+uint64(i), block); err != nil {
			return err
		}
	}
	return nil
}

func (fs *FileSystem) readBitmapRegion(start uint64, nblocks uint32, byteLen int) ([]byte, error) {
	out := make([]byte, 0, int(nblocks)*BlockSize)
	for i := uint32(0); i < nblocks; i++ {
		data, err := fs.readBlock(start + uint64(i))
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	if byteLen < len(out) {
		out = out[:byteLen]
	}
	return out, nil
}

func (fs *FileSystem) writeSuperblock() error {
	fs.superblock.freeInodes = fs.alloc.freeInodes
	fs.superblock.freeBlocks = fs.alloc.freeBlocks
	return fs.writeBlock(0, fs.superblock.toBytes())
}

// Format lays out a fresh image on b starting at byte offset base, per
// §4.10 and §6's format operation. base is the contract described in
// container.go (zero for a raw image, BaseOffset's result for one
// embedded in a host container); it is applied once here by wrapping b in
// a backend.Sub view sized to the image, so every subsequent block access
// this package performs is relative to that view.
func Format(b backend.Storage, base int64, sizeBytes uint64, opts FormatOptions) (*FileSystem, error) {
	if !validCompressionAlgo(opts.Compression) {
		return nil, fmt.Errorf("%w: unknown compression algorithm %d", ErrInvalidImage, opts.Compression)
	}
	if !validEncryptionAlgo(opts.Encryption) {
		return nil, fmt.Errorf("%w: unknown encryption algorithm %d", ErrInvalidImage, opts.Encryption)
	}
	if opts.Encryption == EncryptionChaCha20Poly1305 {
		return nil, fmt.Errorf("%w: chacha20-poly1305 needs out-of-band tag storage not provided by this layout", ErrNotSupported)
	}

	totalBlocks := sizeBytes / BlockSize
	inodeRatio := opts.InodeRatio
	if inodeRatio == 0 {
		inodeRatio = defaultInodeRatio
	}
	inodeCount := uint32(sizeBytes / inodeRatio)
	if inodeCount == 0 {
		inodeCount = 1
	}

	inodeStoreBlocks, inodeBitmapBlocks, blockBitmapBlocks := layoutFor(totalBlocks, inodeCount)
	dataStart := 1 + uint64(inodeStoreBlocks) + uint64(inodeBitmapBlocks) + uint64(blockBitmapBlocks)
	if dataStart >= totalBlocks {
		return nil, fmt.Errorf("%w: image too small for metadata regions", ErrNoSpace)
	}

	maxExtentBlocks := opts.MaxExtentBlocks
	if maxExtentBlocks == 0 {
		maxExtentBlocks = defaultMaxExtentBlocks
	}

	sb := &superblock{
		magic:               SuperblockMagic,
		version:             formatVersion,
		totalBlocks:         totalBlocks,
		inodeCount:          inodeCount,
		inodeStoreBlocks:    inodeStoreBlocks,
		inodeBitmapBlocks:   inodeBitmapBlocks,
		blockBitmapBlocks:   blockBitmapBlocks,
		compressionAlgo:     opts.Compression,
		compressionEnabled:  opts.Compression != CompressionNone,
		compressionMinBlock: 1,
		maxExtentBlocks:     maxExtentBlocks,
		volumeUUID:          uuid.New(),
	}

	if opts.Encryption == EncryptionAES256XTS {
		iterations := opts.KDFIterations
		if iterations == 0 {
			iterations = DefaultKDFIterations
		}
		salt, err := generateSalt()
		if err != nil {
			return nil, err
		}
		masterKey, err := generateMasterKey()
		if err != nil {
			return nil, err
		}
		userKey := deriveUserKey(opts.Password, salt, iterations)
		wrapped, err := wrapMasterKey(userKey, masterKey)
		if err != nil {
			return nil, err
		}
		sb.encryptionEnabled = true
		sb.encryptionAlgo = EncryptionAES256XTS
		sb.kdfAlgo = KDFPBKDF2
		sb.kdfIterations = iterations
		sb.salt = salt
		sb.wrappedMasterKey = wrapped
	}

	alloc := newAllocator(int(inodeCount), int(totalBlocks))
	alloc.reserveBlocks(int(dataStart))

	view := backend.Sub(b, base, int64(sizeBytes))
	fs := &FileSystem{backend: view, superblock: sb, alloc: alloc}
	fs.keys = newKeyManager(sb)
	fs.wireAllocatorPersistence()

	if err := fs.writeSuperblock(); err != nil {
		return nil, err
	}
	zero := make([]byte, BlockSize)
	for i := uint64(0); i < uint64(inodeStoreBlocks); i++ {
		if err := fs.writeBlock(sb.inodeStoreStart()+i, zero); err != nil {
			return nil, err
		}
	}
	if err := fs.syncInodeBitmapRegion(); err != nil {
		return nil, err
	}
	if err := fs.syncBlockBitmapRegion(); err != nil {
		return nil, err
	}

	if sb.encryptionEnabled {
		if err := fs.keys.unlock(opts.Password); err != nil {
			return nil, err
		}
	}

	ino, record, err := fs.allocateInode()
	if err != nil {
		return nil, err
	}
	if ino != RootInode {
		return nil, fmt.Errorf("%w: root did not receive inode 0", ErrInvalidImage)
	}
	record.mode = modeFor(TypeDirectory, 0o755)
	record.links = 2
	if err := fs.writeInode(ino, record); err != nil {
		return nil, err
	}

	if err := fs.writeSuperblock(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Open loads an existing image's superblock and bitmaps into a handle
// (§6). The filesystem starts locked if encryption is enabled. base is
// the same contract Format takes; the superblock's own totalBlocks isn't
// known until it's read, so the backend.Sub view is built in two steps:
// once to read block 0, and once more, correctly sized, once totalBlocks
// is known.
func Open(b backend.Storage, base int64) (*FileSystem, error) {
	probe := backend.Sub(b, base, 0)
	raw, err := readBlockAt(probe, 0)
	if err != nil {
		return nil, err
	}
	sb, err := superblockFromBytes(raw)
	if err != nil {
		return nil, err
	}

	view := backend.Sub(b, base, int64(sb.totalBlocks)*BlockSize)
	fs := &FileSystem{backend: view, superblock: sb}

	inodeBitmapLen := int(ceilDiv(uint64(sb.inodeCount), 8))
	inodeBitmapBytes, err := fs.readBitmapRegion(sb.inodeBitmapStart(), sb.inodeBitmapBlocks, inodeBitmapLen)
	if err != nil {
		return nil, err
	}
	blockBitmapLen := int(ceilDiv(sb.totalBlocks, 8))
	blockBitmapBytes, err := fs.readBitmapRegion(sb.blockBitmapStart(), sb.blockBitmapBlocks, blockBitmapLen)
	if err != nil {
		return nil, err
	}

	alloc := newAllocator(int(sb.inodeCount), int(sb.totalBlocks))
	alloc.inodeBitmap.FromBytes(inodeBitmapBytes)
	alloc.blockBitmap.FromBytes(blockBitmapBytes)
	alloc.freeInodes = sb.freeInodes
	alloc.freeBlocks = sb.freeBlocks

	fs.alloc = alloc
	fs.keys = newKeyManager(sb)
	fs.wireAllocatorPersistence()
	return fs, nil
}

// Close flushes accounting fields to the superblock. Bitmap regions are
// already current on disk, synced incrementally by every allocator
// mutation.
func (fs *FileSystem) Close() error {
	return fs.writeSuperblock()
}

// Unlock implements §6's unlock(handle, password).
func (fs *FileSystem) Unlock(password string) error {
	return fs.keys.unlock(password)
}

// Lock zeros the in-memory master key.
func (fs *FileSystem) Lock() {
	fs.keys.lock()
}

// EncryptionStatus implements §6's encryption_status(handle).
func (fs *FileSystem) EncryptionStatus() EncryptionStatus {
	return fs.keys.status()
}

// VolumeUUID returns the image's identity, used only for human-facing
// fsck-style reporting (§9 supplement); the engine never interprets it.
func (fs *FileSystem) VolumeUUID() uuid.UUID {
	return fs.superblock.volumeUUID
}

// splitPath normalizes a "/"-separated path into its components.
func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// lookupPath implements §6's lookup, walking every component from the
// root.
func (fs *FileSystem) lookupPath(path string) (uint32, *inodeRecord, error) {
	parts := splitPath(path)
	ino := RootInode
	record, err := fs.readInode(ino)
	if err != nil {
		return 0, nil, err
	}
	for _, name := range parts {
		if !record.IsDir() {
			return 0, nil, fmt.Errorf("%w: %s", ErrNotDirectory, name)
		}
		next, found, err := fs.lookupDir(record, name)
		if err != nil {
			return 0, nil, err
		}
		if !found {
			return 0, nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		ino = next
		record, err = fs.readInode(ino)
		if err != nil {
			return 0, nil, err
		}
	}
	return ino, record, nil
}

// resolveParent walks all but the last path component, returning the
// parent directory's inode/record and the final component's name.
func (fs *FileSystem) resolveParent(path string) (uint32, *inodeRecord, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return 0, nil, "", fmt.Errorf("%w: empty path", ErrInvalidImage)
	}
	name := parts[len(parts)-1]
	parentPath := "/" + strings.Join(parts[:len(parts)-1], "/")
	parentIno, parent, err := fs.lookupPath(parentPath)
	if err != nil {
		return 0, nil, "", err
	}
	if !parent.IsDir() {
		return 0, nil, "", fmt.Errorf("%w: %s", ErrNotDirectory, parentPath)
	}
	return parentIno, parent, name, nil
}

func (fs *FileSystem) createNamed(path string, t InodeType, perm uint16) (uint32, *inodeRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parentIno, parent, name, err := fs.resolveParent(path)
	if err != nil {
		return 0, nil, err
	}
	if _, found, err := fs.lookupDir(parent, name); err != nil {
		return 0, nil, err
	} else if found {
		return 0, nil, fmt.Errorf("%w: %s", ErrExists, path)
	}

	ino, record, err := fs.allocateInode()
	if err != nil {
		return 0, nil, err
	}
	record.mode = modeFor(t, perm)
	if t == TypeDirectory {
		record.links = 2
	} else {
		record.links = 1
	}
	if err := fs.writeInode(ino, record); err != nil {
		return 0, nil, err
	}
	if err := fs.insertDir(parentIno, parent, name, ino); err != nil {
		fs.freeInodeRecord(ino, record)
		return 0, nil, err
	}
	return ino, record, nil
}

// CreateFile implements §6's create_file.
func (fs *FileSystem) CreateFile(path string) (uint32, error) {
	ino, _, err := fs.createNamed(path, TypeRegular, 0o644)
	return ino, err
}

// CreateDir implements §6's create_dir.
func (fs *FileSystem) CreateDir(path string) (uint32, error) {
	ino, _, err := fs.createNamed(path, TypeDirectory, 0o755)
	return ino, err
}

// CreateSymlink implements §6's create_symlink.
func (fs *FileSystem) CreateSymlink(path, target string) (uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parentIno, parent, name, err := fs.resolveParent(path)
	if err != nil {
		return 0, err
	}
	if _, found, err := fs.lookupDir(parent, name); err != nil {
		return 0, err
	} else if found {
		return 0, fmt.Errorf("%w: %s", ErrExists, path)
	}
	ino, record, err := fs.allocateInode()
	if err != nil {
		return 0, err
	}
	record.mode = modeFor(TypeSymlink, 0o777)
	record.links = 1
	if err := record.setSymlinkTarget(target); err != nil {
		fs.freeInodeRecord(ino, record)
		return 0, err
	}
	if err := fs.writeInode(ino, record); err != nil {
		return 0, err
	}
	if err := fs.insertDir(parentIno, parent, name, ino); err != nil {
		fs.freeInodeRecord(ino, record)
		return 0, err
	}
	return ino, nil
}

// ReadSymlink returns a symlink's stored target.
func (fs *FileSystem) ReadSymlink(path string) (string, error) {
	_, record, err := fs.lookupPath(path)
	if err != nil {
		return "", err
	}
	if !record.IsSymlink() {
		return "", fmt.Errorf("%w: %s is not a symlink", ErrInvalidImage, path)
	}
	return record.symlinkTarget(), nil
}

// Lookup implements §6's lookup.
func (fs *FileSystem) Lookup(path string) (uint32, InodeType, error) {
	ino, record, err := fs.lookupPath(path)
	if err != nil {
		return 0, 0, err
	}
	return ino, record.Type(), nil
}

// ListDir implements §6's list_dir by draining iterate from cursor 0.
func (fs *FileSystem) ListDir(path string) ([]DirEntry, error) {
	ino, record, err := fs.lookupPath(path)
	if err != nil {
		return nil, err
	}
	if !record.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, path)
	}
	parentOf := ino
	if parentIno, _, _, perr := fs.resolveParent(path); perr == nil {
		parentOf = parentIno
	}

	var out []DirEntry
	cursor := uint64(0)
	for {
		entry, next, done, err := fs.iterateDir(ino, parentOf, record, cursor)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
		out = append(out, entry)
		cursor = next
	}
	return out, nil
}

// Iterate implements §6/§4.7's restartable iterate(parent, cursor).
func (fs *FileSystem) Iterate(path string, cursor uint64) (DirEntry, uint64, bool, error) {
	ino, record, err := fs.lookupPath(path)
	if err != nil {
		return DirEntry{}, cursor, false, err
	}
	if !record.IsDir() {
		return DirEntry{}, cursor, false, fmt.Errorf("%w: %s", ErrNotDirectory, path)
	}
	parentIno, _, _, perr := fs.resolveParent(path)
	parentOf := ino
	if perr == nil {
		parentOf = parentIno
	}
	return fs.iterateDir(ino, parentOf, record, cursor)
}

// Read implements §6's read.
func (fs *FileSystem) Read(path string, off int64, p []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	_, record, err := fs.lookupPath(path)
	if err != nil {
		return 0, err
	}
	if record.IsDir() {
		return 0, fmt.Errorf("%w: %s", ErrIsDirectory, path)
	}
	return fs.ReadAt(record, p, off)
}

// Write implements §6's write.
func (fs *FileSystem) Write(path string, off int64, p []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, record, err := fs.lookupPath(path)
	if err != nil {
		return 0, err
	}
	if record.IsDir() {
		return 0, fmt.Errorf("%w: %s", ErrIsDirectory, path)
	}
	n, err := fs.WriteAt(ino, record, p, off)
	if err != nil {
		return n, err
	}
	if err := fs.writeInode(ino, record); err != nil {
		return n, err
	}
	return n, nil
}

// TruncateFile implements §6's truncate.
func (fs *FileSystem) TruncateFile(path string, size uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, record, err := fs.lookupPath(path)
	if err != nil {
		return err
	}
	if record.IsDir() {
		return fmt.Errorf("%w: %s", ErrIsDirectory, path)
	}
	if err := fs.Truncate(record, size); err != nil {
		return err
	}
	return fs.writeInode(ino, record)
}

// Unlink implements §6's unlink. Directories must go through Rmdir.
func (fs *FileSystem) Unlink(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parentIno, parent, name, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	ino, found, err := fs.lookupDir(parent, name)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	record, err := fs.readInode(ino)
	if err != nil {
		return err
	}
	if record.IsDir() {
		return fmt.Errorf("%w: %s", ErrIsDirectory, path)
	}
	if err := fs.removeDir(parentIno, parent, name); err != nil {
		return err
	}
	record.links--
	if record.links == 0 {
		return fs.freeInodeRecord(ino, record)
	}
	return fs.writeInode(ino, record)
}

// Rmdir removes an empty directory.
func (fs *FileSystem) Rmdir(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parentIno, parent, name, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	ino, found, err := fs.lookupDir(parent, name)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	record, err := fs.readInode(ino)
	if err != nil {
		return err
	}
	if !record.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, path)
	}
	childCount := uint32(0)
	if record.eiBlock != 0 {
		ib, err := fs.readIndexBlock(record.eiBlock)
		if err != nil {
			return err
		}
		childCount = ib.count
	}
	if childCount != 0 {
		return fmt.Errorf("%w: %s", ErrNotEmpty, path)
	}
	if err := fs.removeDir(parentIno, parent, name); err != nil {
		return err
	}
	return fs.freeInodeRecord(ino, record)
}

// Rename implements §6's rename: unlink-then-relink within (or across)
// directories, refusing to clobber an existing destination name.
func (fs *FileSystem) Rename(oldPath, newPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	oldParentIno, oldParent, oldName, err := fs.resolveParent(oldPath)
	if err != nil {
		return err
	}
	ino, found, err := fs.lookupDir(oldParent, oldName)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, oldPath)
	}

	newParentIno, newParent, newName, err := fs.resolveParent(newPath)
	if err != nil {
		return err
	}
	if _, found, err := fs.lookupDir(newParent, newName); err != nil {
		return err
	} else if found {
		return fmt.Errorf("%w: %s", ErrExists, newPath)
	}

	if err := fs.removeDir(oldParentIno, oldParent, oldName); err != nil {
		return err
	}
	if err := fs.insertDir(newParentIno, newParent, newName, ino); err != nil {
		_ = fs.insertDir(oldParentIno, oldParent, oldName, ino)
		return err
	}
	return nil
}

// Link implements §6's link: an additional directory entry for an
// existing non-directory inode.
func (fs *FileSystem) Link(path, newPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, record, err := fs.lookupPath(path)
	if err != nil {
		return err
	}
	if record.IsDir() {
		return fmt.Errorf("%w: %s", ErrIsDirectory, path)
	}
	newParentIno, newParent, newName, err := fs.resolveParent(newPath)
	if err != nil {
		return err
	}
	if _, found, err := fs.lookupDir(newParent, newName); err != nil {
		return err
	} else if found {
		return fmt.Errorf("%w: %s", ErrExists, newPath)
	}
	record.links++
	if err := fs.writeInode(ino, record); err != nil {
		return err
	}
	return fs.insertDir(newParentIno, newParent, newName, ino)
}

func splitXattrName(full string) (XattrNamespace, string, error) {
	for ns, prefix := range namespacePrefix {
		if strings.HasPrefix(full, prefix) {
			return ns, strings.TrimPrefix(full, prefix), nil
		}
	}
	return 0, "", fmt.Errorf("%w: xattr name %q has no recognized namespace prefix", ErrInvalidImage, full)
}

// GetXattr implements §6's get_xattr.
func (fs *FileSystem) GetXattr(path, fullName string) ([]byte, error) {
	_, record, err := fs.lookupPath(path)
	if err != nil {
		return nil, err
	}
	ns, name, err := splitXattrName(fullName)
	if err != nil {
		return nil, err
	}
	return fs.getXattr(record.xattrBlock, ns, name)
}

// SetXattr implements §6's set_xattr.
func (fs *FileSystem) SetXattr(path, fullName string, value []byte, flags uint8) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, record, err := fs.lookupPath(path)
	if err != nil {
		return err
	}
	ns, name, err := splitXattrName(fullName)
	if err != nil {
		return err
	}
	if err := fs.setXattr(&record.xattrBlock, ns, name, value, flags); err != nil {
		return err
	}
	return fs.writeInode(ino, record)
}

// ListXattr implements §6's list_xattr.
func (fs *FileSystem) ListXattr(path string) ([]string, error) {
	_, record, err := fs.lookupPath(path)
	if err != nil {
		return nil, err
	}
	return fs.listXattr(record.xattrBlock)
}

// RemoveXattr implements §6's remove_xattr.
func (fs *FileSystem) RemoveXattr(path, fullName string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	_, record, err := fs.lookupPath(path)
	if err != nil {
		return err
	}
	ns, name, err := splitXattrName(fullName)
	if err != nil {
		return err
	}
	return fs.removeXattr(record.xattrBlock, ns, name)
}

// Check implements §6's check(image): validates the superblock, walks
// the directory tree from root cross-checking every referenced inode
// and block against the bitmaps, and compares the bitmaps' live free
// counts against the superblock's recorded counts.
func (fs *FileSystem) Check() CheckReport {
	var report CheckReport
	report.Errors = append(report.Errors, fs.superblock.validate()...)

	liveFreeInodes := fs.countFreeBits(fs.alloc.inodeBitmap, fs.alloc.inodeCount)
	if uint32(liveFreeInodes) != fs.superblock.freeInodes {
		report.Warnings = append(report.Warnings, fmt.Errorf("free inode count drifted: bitmap has %d, superblock recorded %d", liveFreeInodes, fs.superblock.freeInodes))
	}
	liveFreeBlocks := fs.countFreeBits(fs.alloc.blockBitmap, fs.alloc.blockCount)
	if uint64(liveFreeBlocks) != fs.superblock.freeBlocks {
		report.Warnings = append(report.Warnings, fmt.Errorf("free block count drifted: bitmap has %d, superblock recorded %d", liveFreeBlocks, fs.superblock.freeBlocks))
	}

	seenInodes := map[uint32]bool{}
	seenBlocks := map[uint64]bool{}
	fs.checkWalk(RootInode, seenInodes, seenBlocks, &report)
	return report
}

func (fs *FileSystem) countFreeBits(bm *bitmap.Bitmap, n int) int {
	count := 0
	for i := 0; i < n; i++ {
		free, err := bm.IsSet(i)
		if err == nil && free {
			count++
		}
	}
	return count
}

func (fs *FileSystem) checkWalk(ino uint32, seenInodes map[uint32]bool, seenBlocks map[uint64]bool, report *CheckReport) {
	if seenInodes[ino] {
		report.Errors = append(report.Errors, fmt.Errorf("%w: inode %d reached more than once while walking directories", ErrInvalidImage, ino))
		return
	}
	seenInodes[ino] = true

	record, err := fs.readInode(ino)
	if err != nil {
		report.Errors = append(report.Errors, err)
		return
	}
	if used, err := fs.alloc.inodeBitmap.IsSet(int(ino)); err != nil || used {
		report.Errors = append(report.Errors, fmt.Errorf("%w: inode %d is referenced but marked free", ErrInvalidImage, ino))
	}

	if record.eiBlock != 0 {
		fs.checkBlockOnce(uint64(record.eiBlock), seenBlocks, report)
		ib, err := fs.readIndexBlock(record.eiBlock)
		if err != nil {
			report.Errors = append(report.Errors, err)
			return
		}
		for _, e := range ib.validate(fs.superblock.dataStart(), fs.superblock.totalBlocks, fs.superblock.maxExtentBlocks) {
			report.Errors = append(report.Errors, e)
		}
		n := ib.usedCount()
		for i := 0; i < n; i++ {
			e := ib.extents[i]
			for bi := uint32(0); bi < e.len; bi++ {
				fs.checkBlockOnce(e.start+uint64(bi), seenBlocks, report)
			}
		}
		if record.IsDir() {
			for i := 0; i < n; i++ {
				e := ib.extents[i]
				for bi := uint32(0); bi < e.len; bi++ {
					data, err := fs.readBlock(e.start + uint64(bi))
					if err != nil {
						report.Errors = append(report.Errors, err)
						continue
					}
					for off := 0; off+dirEntrySize <= BlockSize; off += dirEntrySize {
						ent := dirEntryFromBytes(data[off : off+dirEntrySize])
						if ent.ino == 0 {
							break
						}
						fs.checkWalk(ent.ino, seenInodes, seenBlocks, report)
					}
				}
			}
		}
	}
	if record.xattrBlock != 0 {
		fs.checkBlockOnce(uint64(record.xattrBlock), seenBlocks, report)
		xib, err := fs.readIndexBlock(record.xattrBlock)
		if err != nil {
			report.Errors = append(report.Errors, err)
			return
		}
		for i := 0; i < xib.usedCount(); i++ {
			e := xib.extents[i]
			for bi := uint32(0); bi < e.len; bi++ {
				fs.checkBlockOnce(e.start+uint64(bi), seenBlocks, report)
			}
		}
	}
}

func (fs *FileSystem) checkBlockOnce(phys uint64, seen map[uint64]bool, report *CheckReport) {
	if seen[phys] {
		report.Errors = append(report.Errors, fmt.Errorf("%w: physical block %d referenced more than once", ErrInvalidImage, phys))
		return
	}
	seen[phys] = true
	if used, err := fs.alloc.blockBitmap.IsSet(int(phys)); err != nil || used {
		report.Errors = append(report.Errors, fmt.Errorf("%w: block %d is referenced but marked free", ErrInvalidImage, phys))
	}
}
