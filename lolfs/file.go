package lolfs

import (
	"fmt"
)

// maxFileBlocks bounds a file (or directory/xattr index) extent index to
// the too-big failure described in §4.8: max_extent_blocks * max_extents
// * 4 KiB.
func (fs *FileSystem) maxFileBlocks() uint64 {
	return uint64(fs.superblock.maxExtentBlocks) * uint64(MaxExtentsPerIndex)
}

// resolveBlock implements §4.8 step 1-2: map a logical block index to its
// physical block and codec ids, or report it unallocated.
func (fs *FileSystem) resolveBlock(ib *indexBlock, logical uint32, lastHint int) (phys uint64, compAlgo, encAlgo uint8, flags uint8, allocated bool, hintIdx int) {
	idx, found, _ := ib.searchExtentHint(logical, lastHint)
	if !found {
		return 0, 0, 0, 0, false, idx
	}
	e := ib.extents[idx]
	offset := uint64(logical - e.block)
	return e.start + offset, e.compAlgo, e.encAlgo, e.flags, true, idx
}

// readBlockDecoded implements §4.8 read steps 2-5 for one logical block.
func (fs *FileSystem) readBlockDecoded(ib *indexBlock, logical uint32, lastHint int) (plain []byte, hintIdx int, err error) {
	phys, compAlgo, encAlgo, _, allocated, hintIdx := fs.resolveBlock(ib, logical, lastHint)
	if !allocated {
		return make([]byte, BlockSize), hintIdx, nil
	}
	raw, err := fs.readBlock(phys)
	if err != nil {
		return nil, hintIdx, err
	}
	data := raw
	if encAlgo != EncryptionNone {
		key, ok := fs.keys.key()
		if !ok {
			return nil, hintIdx, fmt.Errorf("%w: block %d is encrypted and the filesystem is locked", ErrPermissionDenied, logical)
		}
		data, err = decryptBlock(encAlgo, key, uint64(logical), data)
		if err != nil {
			return nil, hintIdx, err
		}
	}
	if compAlgo != CompressionNone {
		data, err = decompressBlock(compAlgo, data, BlockSize)
		if err != nil {
			return nil, hintIdx, err
		}
	}
	return data, hintIdx, nil
}

// ReadAt implements §4.8's read path over an arbitrary byte range of the
// file backed by record, whose extent index is rooted at record.eiBlock.
func (fs *FileSystem) ReadAt(record *inodeRecord, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrInvalidImage)
	}
	if off >= int64(record.size) || len(p) == 0 {
		return 0, nil
	}
	end := off + int64(len(p))
	if end > int64(record.size) {
		end = int64(record.size)
	}

	var ib *indexBlock
	if record.eiBlock != 0 {
		var err error
		ib, err = fs.readIndexBlock(record.eiBlock)
		if err != nil {
			return 0, err
		}
	} else {
		ib = newIndexBlock()
	}

	n := 0
	hint := -1
	cur := off
	for cur < end {
		logical := uint32(cur / BlockSize)
		blockOff := int(cur % BlockSize)
		want := int(end - cur)
		if want > BlockSize-blockOff {
			want = BlockSize - blockOff
		}
		data, newHint, err := fs.readBlockDecoded(ib, logical, hint)
		if err != nil {
			return n, err
		}
		hint = newHint
		copy(p[n:n+want], data[blockOff:blockOff+want])
		n += want
		cur += int64(want)
	}
	return n, nil
}

// WriteAt implements §4.8's write path, extending allocations as needed
// and updating record in place (caller persists it with writeInode).
func (fs *FileSystem) WriteAt(ino uint32, record *inodeRecord, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrInvalidImage)
	}
	if len(p) == 0 {
		return 0, nil
	}
	end := off + int64(len(p))
	if uint64(end) > fs.maxFileBlocks()*BlockSize {
		return 0, fmt.Errorf("%w: write range exceeds maximum file size", ErrTooBig)
	}

	encEnabled := fs.superblock.encryptionEnabled
	if encEnabled {
		if _, ok := fs.keys.key(); !ok {
			return 0, fmt.Errorf("%w: filesystem is locked", ErrPermissionDenied)
		}
	}

	ib, err := fs.ensureIndexBlock(&record.eiBlock)
	if err != nil {
		return 0, err
	}

	defaultComp := uint8(CompressionNone)
	if fs.superblock.compressionEnabled {
		defaultComp = fs.superblock.compressionAlgo
	}
	defaultEnc := uint8(EncryptionNone)
	if encEnabled {
		defaultEnc = fs.superblock.encryptionAlgo
	}

	n := 0
	cur := off
	indexDirty := false
	for cur < end {
		logical := uint32(cur / BlockSize)
		blockOff := int(cur % BlockSize)
		want := int(end - cur)
		if want > BlockSize-blockOff {
			want = BlockSize - blockOff
		}

		e, err := ib.allocateFor(fs.alloc, logical, uint8(defaultComp), uint8(defaultEnc), fs.superblock.maxExtentBlocks)
		if err != nil {
			return n, err
		}
		phys := e.start + uint64(logical-e.block)

		plain := make([]byte, BlockSize)
		partial := blockOff != 0 || want != BlockSize
		// A block starting at or past the old end of file holds no data
		// yet, so it is merged into zeros rather than read and decoded.
		if partial && uint64(logical)*BlockSize < record.size {
			existing, _, err := fs.readBlockDecoded(ib, logical, -1)
			if err != nil {
				return n, err
			}
			copy(plain, existing)
		}
		copy(plain[blockOff:blockOff+want], p[n:n+want])

		newFlags, compAlgo, encAlgo, encoded, err := fs.encodeBlock(uint8(defaultComp), uint8(defaultEnc), uint64(logical), plain)
		if err != nil {
			return n, err
		}
		if err := fs.writeBlock(phys, encoded); err != nil {
			return n, err
		}

		idx, found, _ := ib.searchExtent(logical)
		if found {
			slot := &ib.extents[idx]
			if slot.compAlgo != compAlgo || slot.encAlgo != encAlgo || slot.flags != newFlags {
				slot.compAlgo = compAlgo
				slot.encAlgo = encAlgo
				slot.flags = newFlags
				indexDirty = true
			}
		}

		n += want
		cur += int64(want)
	}

	if indexDirty {
		if err := fs.writeIndexBlock(record.eiBlock, ib); err != nil {
			return n, err
		}
	}

	if uint64(end) > record.size {
		record.size = uint64(end)
	}
	record.blocks = uint32(ib.usedCount())
	return n, nil
}

// encodeBlock implements §4.8 write step 3: compress then encrypt, with
// the ineffective-compression fallback of §4.3.
func (fs *FileSystem) encodeBlock(defaultComp, defaultEnc uint8, logical uint64, plain []byte) (flags uint8, compAlgo, encAlgo uint8, out []byte, err error) {
	data := plain
	compAlgo = CompressionNone
	if defaultComp != CompressionNone {
		comp, effective, cerr := compressBlock(defaultComp, plain)
		if cerr != nil {
			return 0, 0, 0, nil, cerr
		}
		if effective {
			data = comp
			compAlgo = defaultComp
			flags |= extentFlagCompressed
		}
	}

	// Pad the (possibly shorter, compressed) plaintext up to BlockSize
	// before encryption, not after: AES-256-XTS applies ciphertext
	// stealing whenever its input isn't a multiple of 16 bytes, so
	// encrypting a short buffer and padding the ciphertext afterward
	// produces different tail bytes than decrypting the full padded
	// block on the read side. Encrypting exactly one fixed BlockSize
	// buffer every time keeps both directions identical.
	if len(data) < BlockSize {
		padded := make([]byte, BlockSize)
		copy(padded, data)
		data = padded
	}

	encAlgo = EncryptionNone
	if defaultEnc != EncryptionNone {
		key, ok := fs.keys.key()
		if !ok {
			return 0, 0, 0, nil, fmt.Errorf("%w: filesystem is locked", ErrPermissionDenied)
		}
		enc, eerr := encryptBlock(defaultEnc, key, logical, data)
		if eerr != nil {
			return 0, 0, 0, nil, eerr
		}
		data = enc
		encAlgo = defaultEnc
		flags |= extentFlagEncrypted
	}

	return flags, compAlgo, encAlgo, data, nil
}

// Truncate implements §4.8's truncate: shrinking frees trailing extents
// and resets their entries to zero; growing only changes the recorded
// size (blocks materialize lazily on the next write, consistent with the
// read path's zero-fill for unallocated logical blocks).
func (fs *FileSystem) Truncate(record *inodeRecord, newSize uint64) error {
	if newSize >= record.size {
		record.size = newSize
		return nil
	}
	if record.eiBlock != 0 {
		ib, err := fs.readIndexBlock(record.eiBlock)
		if err != nil {
			return err
		}
		newBlockCount := uint32(ceilDiv(newSize, BlockSize))
		ib.truncateFrom(fs.alloc, newBlockCount)
		if err := fs.writeIndexBlock(record.eiBlock, ib); err != nil {
			return err
		}
		record.blocks = uint32(ib.usedCount())
	}
	record.size = newSize
	return nil
}
