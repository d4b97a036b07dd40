package lolfs

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// BlockSize is the fixed logical block size used throughout the image.
const BlockSize = 4096

// SuperblockMagic identifies a lolfs image at block 0.
const SuperblockMagic uint32 = 0x101E1FF5

// InodeSize is the fixed on-disk size of one inode record (§3).
const InodeSize = 72

// ExtentSize is the fixed on-disk size of one extent entry (§3).
const ExtentSize = 24

// indexHeaderSize is the header prefix of an extent index block, shared
// by file/directory extent indexes and xattr indexes (§3, §4.9).
const indexHeaderSize = 16

// MaxExtentsPerIndex is how many extent entries fit after the header in
// one 4 KiB extent index block: (4096-16)/24 = 170.
const MaxExtentsPerIndex = (BlockSize - indexHeaderSize) / ExtentSize

// RootInode is the inode number of the filesystem root directory. Per
// §4.10, mkfs marks inode 0 used for the root, so inode numbering starts
// at 0 rather than the traditional 1.
const RootInode uint32 = 0

// defaultInodeRatio is bytes-of-filesystem-per-inode used to size the
// inode store when FormatOptions.InodeRatio is zero. See DESIGN.md.
const defaultInodeRatio = 8192

// Compression algorithm ids (§3, §4.3).
const (
	CompressionNone uint8 = iota
	CompressionLZ4
	CompressionZlib
	CompressionZstd
)

// Encryption algorithm ids (§3, §4.3).
const (
	EncryptionNone uint8 = iota
	EncryptionAES256XTS
	EncryptionChaCha20Poly1305
)

// KDF algorithm ids (§4.4). Only KDFPBKDF2 is implemented; KDFArgon2id is
// recognized as a superblock field value, but Format always writes
// KDFPBKDF2 and the key manager derives keys with PBKDF2 only.
const (
	KDFPBKDF2 uint8 = iota
	KDFArgon2id
)

func validCompressionAlgo(a uint8) bool {
	return a <= CompressionZstd
}

func validEncryptionAlgo(a uint8) bool {
	return a <= EncryptionChaCha20Poly1305
}

// superblock is the block-0 layout descriptor (§3).
type superblock struct {
	magic   uint32
	version uint32

	totalBlocks uint64
	inodeCount  uint32

	inodeStoreBlocks  uint32
	inodeBitmapBlocks uint32
	blockBitmapBlocks uint32

	freeInodes uint32
	freeBlocks uint64

	// compression defaults
	compressionAlgo     uint8
	compressionEnabled  bool
	compressionMinBlock uint32
	compressionFeatures uint32
	maxExtentBlocks     uint32

	// encryption defaults
	encryptionEnabled  bool
	encryptionAlgo     uint8
	kdfAlgo            uint8
	kdfIterations      uint32
	kdfMemory          uint32
	kdfParallelism     uint32
	salt               [32]byte
	wrappedMasterKey   [32]byte
	encryptionFeatures uint32

	// volumeUUID identifies the image for Check's fsck-style reporting
	// (§9 supplement); it is cosmetic and never interpreted by the
	// engine itself.
	volumeUUID uuid.UUID
}

// region block offsets, derived, not stored.
func (sb *superblock) inodeStoreStart() uint64 { return 1 }
func (sb *superblock) inodeBitmapStart() uint64 {
	return sb.inodeStoreStart() + uint64(sb.inodeStoreBlocks)
}
func (sb *superblock) blockBitmapStart() uint64 {
	return sb.inodeBitmapStart() + uint64(sb.inodeBitmapBlocks)
}
func (sb *superblock) dataStart() uint64 {
	return sb.blockBitmapStart() + uint64(sb.blockBitmapBlocks)
}

// inodeBlock returns the physical block holding inode number ino, and the
// byte offset of that inode's record within the block.
func (sb *superblock) inodeBlock(ino uint32) (block uint64, offset int) {
	perBlock := BlockSize / InodeSize
	block = sb.inodeStoreStart() + uint64(ino)/uint64(perBlock)
	offset = int(uint64(ino) % uint64(perBlock) * InodeSize)
	return
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// layoutFor computes the region sizes for a filesystem of totalBlocks
// blocks and inodeCount inodes, via ceiling division (§4.10).
func layoutFor(totalBlocks uint64, inodeCount uint32) (inodeStoreBlocks, inodeBitmapBlocks, blockBitmapBlocks uint32) {
	inodeStoreBytes := uint64(inodeCount) * InodeSize
	inodeStoreBlocks = uint32(ceilDiv(inodeStoreBytes, BlockSize))
	inodeBitmapBlocks = uint32(ceilDiv(uint64(inodeCount), BlockSize*8))
	blockBitmapBlocks = uint32(ceilDiv(totalBlocks, BlockSize*8))
	return
}

func (sb *superblock) toBytes() []byte {
	b := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(b[0:4], sb.magic)
	binary.LittleEndian.PutUint32(b[4:8], sb.version)
	binary.LittleEndian.PutUint64(b[8:16], sb.totalBlocks)
	binary.LittleEndian.PutUint32(b[16:20], sb.inodeCount)
	binary.LittleEndian.PutUint32(b[20:24], sb.inodeStoreBlocks)
	binary.LittleEndian.PutUint32(b[24:28], sb.inodeBitmapBlocks)
	binary.LittleEndian.PutUint32(b[28:32], sb.blockBitmapBlocks)
	binary.LittleEndian.PutUint32(b[32:36], sb.freeInodes)
	binary.LittleEndian.PutUint64(b[36:44], sb.freeBlocks)

	b[44] = sb.compressionAlgo
	if sb.compressionEnabled {
		b[45] = 1
	}
	binary.LittleEndian.PutUint32(b[46:50], sb.compressionMinBlock)
	binary.LittleEndian.PutUint32(b[50:54], sb.compressionFeatures)
	binary.LittleEndian.PutUint32(b[54:58], sb.maxExtentBlocks)

	if sb.encryptionEnabled {
		b[58] = 1
	}
	b[59] = sb.encryptionAlgo
	b[60] = sb.kdfAlgo
	binary.LittleEndian.PutUint32(b[61:65], sb.kdfIterations)
	binary.LittleEndian.PutUint32(b[65:69], sb.kdfMemory)
	binary.LittleEndian.PutUint32(b[69:73], sb.kdfParallelism)
	copy(b[73:105], sb.salt[:])
	copy(b[105:137], sb.wrappedMasterKey[:])
	binary.LittleEndian.PutUint32(b[137:141], sb.encryptionFeatures)
	copy(b[141:157], sb.volumeUUID[:])

	return b
}

func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) < BlockSize {
		return nil, fmt.Errorf("%w: short superblock block", ErrInvalidImage)
	}
	sb := &superblock{}
	sb.magic = binary.LittleEndian.Uint32(b[0:4])
	if sb.magic != SuperblockMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrInvalidImage, sb.magic)
	}
	sb.version = binary.LittleEndian.Uint32(b[4:8])
	sb.totalBlocks = binary.LittleEndian.Uint64(b[8:16])
	sb.inodeCount = binary.LittleEndian.Uint32(b[16:20])
	sb.inodeStoreBlocks = binary.LittleEndian.Uint32(b[20:24])
	sb.inodeBitmapBlocks = binary.LittleEndian.Uint32(b[24:28])
	sb.blockBitmapBlocks = binary.LittleEndian.Uint32(b[28:32])
	sb.freeInodes = binary.LittleEndian.Uint32(b[32:36])
	sb.freeBlocks = binary.LittleEndian.Uint64(b[36:44])

	sb.compressionAlgo = b[44]
	sb.compressionEnabled = b[45] != 0
	sb.compressionMinBlock = binary.LittleEndian.Uint32(b[46:50])
	sb.compressionFeatures = binary.LittleEndian.Uint32(b[50:54])
	sb.maxExtentBlocks = binary.LittleEndian.Uint32(b[54:58])

	sb.encryptionEnabled = b[58] != 0
	sb.encryptionAlgo = b[59]
	sb.kdfAlgo = b[60]
	sb.kdfIterations = binary.LittleEndian.Uint32(b[61:65])
	sb.kdfMemory = binary.LittleEndian.Uint32(b[65:69])
	sb.kdfParallelism = binary.LittleEndian.Uint32(b[69:73])
	copy(sb.salt[:], b[73:105])
	copy(sb.wrappedMasterKey[:], b[105:137])
	sb.encryptionFeatures = binary.LittleEndian.Uint32(b[137:141])
	copy(sb.volumeUUID[:], b[141:157])

	if !validCompressionAlgo(sb.compressionAlgo) {
		return nil, fmt.Errorf("%w: unknown compression algorithm %d", ErrInvalidImage, sb.compressionAlgo)
	}
	if !validEncryptionAlgo(sb.encryptionAlgo) {
		return nil, fmt.Errorf("%w: unknown encryption algorithm %d", ErrInvalidImage, sb.encryptionAlgo)
	}
	return sb, nil
}

// CheckReport is the result of Check: a formatted image's invariant
// violations (errors) and non-fatal anomalies (warnings).
type CheckReport struct {
	Errors   []error
	Warnings []error
}

// OK reports whether the checked image had no errors. Warnings do not
// affect OK.
func (r CheckReport) OK() bool {
	return len(r.Errors) == 0
}

func (sb *superblock) validate() []error {
	var errs []error
	if sb.magic != SuperblockMagic {
		errs = append(errs, fmt.Errorf("%w: bad magic", ErrInvalidImage))
	}
	if !validCompressionAlgo(sb.compressionAlgo) {
		errs = append(errs, fmt.Errorf("%w: compression algorithm %d out of range", ErrInvalidImage, sb.compressionAlgo))
	}
	if !validEncryptionAlgo(sb.encryptionAlgo) {
		errs = append(errs, fmt.Errorf("%w: encryption algorithm %d out of range", ErrInvalidImage, sb.encryptionAlgo))
	}
	wantInodeStore, wantInodeBitmap, wantBlockBitmap := layoutFor(sb.totalBlocks, sb.inodeCount)
	if sb.inodeStoreBlocks != wantInodeStore {
		errs = append(errs, fmt.Errorf("%w: inode store region size mismatch: have %d want %d", ErrInvalidImage, sb.inodeStoreBlocks, wantInodeStore))
	}
	if sb.inodeBitmapBlocks != wantInodeBitmap {
		errs = append(errs, fmt.Errorf("%w: inode bitmap region size mismatch: have %d want %d", ErrInvalidImage, sb.inodeBitmapBlocks, wantInodeBitmap))
	}
	if sb.blockBitmapBlocks != wantBlockBitmap {
		errs = append(errs, fmt.Errorf("%w: block bitmap region size mismatch: have %d want %d", ErrInvalidImage, sb.blockBitmapBlocks, wantBlockBitmap))
	}
	if sb.dataStart() > sb.totalBlocks {
		errs = append(errs, fmt.Errorf("%w: metadata regions exceed total block count", ErrInvalidImage))
	}
	return errs
}
