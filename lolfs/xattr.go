package lolfs

import (
	"encoding/binary"
	"fmt"
)

// Xattr namespaces (§4.9), named the way the four conventional Linux
// xattr namespaces are: user, trusted, system, security.
type XattrNamespace uint8

const (
	NamespaceUser XattrNamespace = iota
	NamespaceTrusted
	NamespaceSystem
	NamespaceSecurity
)

var namespacePrefix = map[XattrNamespace]string{
	NamespaceUser:     "user.",
	NamespaceTrusted:  "trusted.",
	NamespaceSystem:   "system.",
	NamespaceSecurity: "security.",
}

func (ns XattrNamespace) String() string {
	if p, ok := namespacePrefix[ns]; ok {
		return p[:len(p)-1]
	}
	return "unknown"
}

// Xattr set flags (§4.9): create-only vs replace-only.
const (
	XattrCreate uint8 = 1 << iota
	XattrReplace
)

const (
	xattrNameMax  = 255
	xattrValueMax = 65535
	xattrHeader   = 1 + 1 + 2 // nameLen, namespace, valueLen
)

func align4(n int) int { return (n + 3) &^ 3 }

// xattrEntry is one packed, variable-width record (§4.9).
type xattrEntry struct {
	namespace XattrNamespace
	name      string
	value     []byte
}

func (e xattrEntry) rawSize() int    { return xattrHeader + len(e.name) + len(e.value) }
func (e xattrEntry) packedSize() int { return align4(e.rawSize()) }

func (e xattrEntry) toBytes(b []byte) {
	b[0] = byte(len(e.name))
	b[1] = byte(e.namespace)
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(e.value)))
	off := xattrHeader
	copy(b[off:off+len(e.name)], e.name)
	off += len(e.name)
	copy(b[off:off+len(e.value)], e.value)
	for i := off + len(e.value); i < len(b); i++ {
		b[i] = 0
	}
}

// xattrEntryFromBytes parses one entry starting at b[0], returning the
// entry and its packed (4-byte aligned) size.
func xattrEntryFromBytes(b []byte) (xattrEntry, int, error) {
	if len(b) < xattrHeader {
		return xattrEntry{}, 0, fmt.Errorf("%w: truncated xattr entry", ErrInvalidImage)
	}
	nameLen := int(b[0])
	ns := XattrNamespace(b[1])
	valueLen := int(binary.LittleEndian.Uint16(b[2:4]))
	need := xattrHeader + nameLen + valueLen
	if len(b) < need {
		return xattrEntry{}, 0, fmt.Errorf("%w: truncated xattr entry body", ErrInvalidImage)
	}
	name := string(b[xattrHeader : xattrHeader+nameLen])
	value := make([]byte, valueLen)
	copy(value, b[xattrHeader+nameLen:need])
	return xattrEntry{namespace: ns, name: name, value: value}, align4(need), nil
}

// readXattrFlat concatenates the bytes of every block across the xattr
// index's used extents into one flat buffer, the packed-entry stream of
// §4.9.
func (fs *FileSystem) readXattrFlat(ib *indexBlock) ([]byte, error) {
	var out []byte
	n := ib.usedCount()
	for i := 0; i < n; i++ {
		e := ib.extents[i]
		for bi := 0; bi < int(e.len); bi++ {
			data, err := fs.readBlock(e.start + uint64(bi))
			if err != nil {
				return nil, err
			}
			out = append(out, data...)
		}
	}
	return out, nil
}

// writeXattrFlat writes data back across the xattr index's used extents,
// zero-padding the final block.
func (fs *FileSystem) writeXattrFlat(ib *indexBlock, data []byte) error {
	n := ib.usedCount()
	pos := 0
	for i := 0; i < n; i++ {
		e := ib.extents[i]
		for bi := 0; bi < int(e.len); bi++ {
			block := make([]byte, BlockSize)
			if pos < len(data) {
				copy(block, data[pos:])
			}
			if err := fs.writeBlock(e.start+uint64(bi), block); err != nil {
				return err
			}
			pos += BlockSize
		}
	}
	return nil
}

func (ib *indexBlock) xattrCapacity() int {
	total := 0
	n := ib.usedCount()
	for i := 0; i < n; i++ {
		total += int(ib.extents[i].len) * BlockSize
	}
	return total
}

// growXattrStore appends a new extent to ib sized to hold at least
// extraBytes more of packed entries (§4.9's storage never compacts
// extents away, only the byte stream within them).
func (fs *FileSystem) growXattrStore(ib *indexBlock, extraBytes int) error {
	n := ib.usedCount()
	if n >= len(ib.extents) {
		return fmt.Errorf("%w: xattr extent index full", ErrNoSpace)
	}
	blocksNeeded := uint32(ceilDiv(uint64(extraBytes), BlockSize))
	if blocksNeeded < 1 {
		blocksNeeded = 1
	}
	first, ok := fs.alloc.allocBlocks(int(blocksNeeded))
	if !ok {
		return fmt.Errorf("%w: no space to grow xattr store", ErrNoSpace)
	}
	if err := fs.alloc.err(); err != nil {
		return err
	}
	var nextLogical uint32
	if n > 0 {
		last := ib.extents[n-1]
		nextLogical = last.block + last.len
	}
	ib.extents[n] = extent{block: nextLogical, len: blocksNeeded, start: first}
	return nil
}

// parseXattrEntries decodes the ib.count packed entries from flat.
func parseXattrEntries(flat []byte, count int) ([]xattrEntry, []int, error) {
	entries := make([]xattrEntry, 0, count)
	offsets := make([]int, 0, count)
	pos := 0
	for i := 0; i < count; i++ {
		if pos >= len(flat) {
			return nil, nil, fmt.Errorf("%w: xattr stream shorter than entry count", ErrInvalidImage)
		}
		e, size, err := xattrEntryFromBytes(flat[pos:])
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, e)
		offsets = append(offsets, pos)
		pos += size
	}
	return entries, offsets, nil
}

func fullXattrName(ns XattrNamespace, name string) string {
	return namespacePrefix[ns] + name
}

// getXattr implements §4.9 get(name).
func (fs *FileSystem) getXattr(inodeXattrBlock uint32, ns XattrNamespace, name string) ([]byte, error) {
	if inodeXattrBlock == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fullXattrName(ns, name))
	}
	ib, err := fs.readIndexBlock(inodeXattrBlock)
	if err != nil {
		return nil, err
	}
	flat, err := fs.readXattrFlat(ib)
	if err != nil {
		return nil, err
	}
	entries, _, err := parseXattrEntries(flat, int(ib.count))
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.namespace == ns && e.name == name {
			out := make([]byte, len(e.value))
			copy(out, e.value)
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, fullXattrName(ns, name))
}

// listXattr implements §4.9 list().
func (fs *FileSystem) listXattr(inodeXattrBlock uint32) ([]string, error) {
	if inodeXattrBlock == 0 {
		return nil, nil
	}
	ib, err := fs.readIndexBlock(inodeXattrBlock)
	if err != nil {
		return nil, err
	}
	flat, err := fs.readXattrFlat(ib)
	if err != nil {
		return nil, err
	}
	entries, _, err := parseXattrEntries(flat, int(ib.count))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = fullXattrName(e.namespace, e.name)
	}
	return names, nil
}

// setXattr implements §4.9 set(name, value, flags). xattrBlock is
// read-modify-written through the pointer so the inode can be updated
// with a freshly allocated block on the first set.
func (fs *FileSystem) setXattr(xattrBlock *uint32, ns XattrNamespace, name string, value []byte, flags uint8) error {
	if len(name) == 0 || len(name) > xattrNameMax {
		return fmt.Errorf("%w: xattr name length %d invalid", ErrTooBig, len(name))
	}
	if len(value) > xattrValueMax {
		return fmt.Errorf("%w: xattr value length %d exceeds limit", ErrTooBig, len(value))
	}

	ib, err := fs.ensureIndexBlock(xattrBlock)
	if err != nil {
		return err
	}
	flat, err := fs.readXattrFlat(ib)
	if err != nil {
		return err
	}
	entries, offsets, err := parseXattrEntries(flat, int(ib.count))
	if err != nil {
		return err
	}

	existingIdx := -1
	for i, e := range entries {
		if e.namespace == ns && e.name == name {
			existingIdx = i
			break
		}
	}
	if existingIdx >= 0 && flags&XattrCreate != 0 {
		return fmt.Errorf("%w: %s", ErrExists, fullXattrName(ns, name))
	}
	if existingIdx < 0 && flags&XattrReplace != 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, fullXattrName(ns, name))
	}

	newEntry := xattrEntry{namespace: ns, name: name, value: value}
	newPacked := newEntry.packedSize()

	if existingIdx >= 0 {
		oldPacked := entries[existingIdx].packedSize()
		tail := flat[offsets[existingIdx]+oldPacked:]
		head := flat[:offsets[existingIdx]]
		if newPacked > oldPacked {
			needed := offsets[existingIdx] + newPacked + len(tail)
			if needed > ib.xattrCapacity() {
				if err := fs.growXattrStore(ib, needed-ib.xattrCapacity()); err != nil {
					return err
				}
			}
		}
		buf := make([]byte, offsets[existingIdx]+newPacked+len(tail))
		copy(buf, head)
		newEntry.toBytes(buf[offsets[existingIdx] : offsets[existingIdx]+newPacked])
		copy(buf[offsets[existingIdx]+newPacked:], tail)
		flat = buf
	} else {
		needed := len(flat) + newPacked
		if needed > ib.xattrCapacity() {
			if err := fs.growXattrStore(ib, needed-ib.xattrCapacity()); err != nil {
				return err
			}
		}
		buf := make([]byte, needed)
		copy(buf, flat)
		newEntry.toBytes(buf[len(flat):needed])
		flat = buf
		ib.count++
	}

	ib.aux = uint64(len(flat))
	if err := fs.writeXattrFlat(ib, flat); err != nil {
		return err
	}
	return fs.writeIndexBlock(*xattrBlock, ib)
}

// removeXattr implements §4.9 remove(name): deletion shifts entries to
// fill the gap.
func (fs *FileSystem) removeXattr(xattrBlock uint32, ns XattrNamespace, name string) error {
	if xattrBlock == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, fullXattrName(ns, name))
	}
	ib, err := fs.readIndexBlock(xattrBlock)
	if err != nil {
		return err
	}
	flat, err := fs.readXattrFlat(ib)
	if err != nil {
		return err
	}
	entries, offsets, err := parseXattrEntries(flat, int(ib.count))
	if err != nil {
		return err
	}
	idx := -1
	for i, e := range entries {
		if e.namespace == ns && e.name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, fullXattrName(ns, name))
	}
	packed := entries[idx].packedSize()
	buf := make([]byte, 0, len(flat)-packed)
	buf = append(buf, flat[:offsets[idx]]...)
	buf = append(buf, flat[offsets[idx]+packed:]...)
	ib.count--
	ib.aux = uint64(len(buf))
	if err := fs.writeXattrFlat(ib, buf); err != nil {
		return err
	}
	return fs.writeIndexBlock(xattrBlock, ib)
}
