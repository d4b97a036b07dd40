package lolfs

import (
	"io"
	iofs "io/fs"
	"time"
)

// FS adapts a FileSystem to the standard io/fs.FS, io/fs.ReadDirFS, and
// io/fs.StatFS interfaces (§9 supplement: a read-only fs.FS view on top
// of the raw operational surface). Writers should use FileSystem's own
// methods; FS is for read-only callers that want to range over an image
// with the standard library's directory-walking helpers.
type FS struct {
	fs *FileSystem
}

// NewFS wraps fs for io/fs consumption.
func NewFS(fs *FileSystem) FS { return FS{fs: fs} }

var (
	_ iofs.FS        = FS{}
	_ iofs.ReadDirFS = FS{}
	_ iofs.StatFS    = FS{}
)

func cleanFSPath(name string) string {
	if name == "." {
		return "/"
	}
	return "/" + name
}

// Open implements io/fs.FS.
func (f FS) Open(name string) (iofs.File, error) {
	if !iofs.ValidPath(name) {
		return nil, &iofs.PathError{Op: "open", Path: name, Err: iofs.ErrInvalid}
	}
	ino, record, err := f.fs.lookupPath(cleanFSPath(name))
	if err != nil {
		return nil, &iofs.PathError{Op: "open", Path: name, Err: err}
	}
	if record.IsDir() {
		entries, err := f.fs.ListDir(cleanFSPath(name))
		if err != nil {
			return nil, &iofs.PathError{Op: "open", Path: name, Err: err}
		}
		return &openDir{fs: f.fs, info: fileInfoFor(name, record), entries: entries}, nil
	}
	return &openFile{fs: f.fs, ino: ino, record: record, info: fileInfoFor(name, record)}, nil
}

// Stat implements io/fs.StatFS.
func (f FS) Stat(name string) (iofs.FileInfo, error) {
	if !iofs.ValidPath(name) {
		return nil, &iofs.PathError{Op: "stat", Path: name, Err: iofs.ErrInvalid}
	}
	_, record, err := f.fs.lookupPath(cleanFSPath(name))
	if err != nil {
		return nil, &iofs.PathError{Op: "stat", Path: name, Err: err}
	}
	return fileInfoFor(name, record), nil
}

// ReadDir implements io/fs.ReadDirFS.
func (f FS) ReadDir(name string) ([]iofs.DirEntry, error) {
	if !iofs.ValidPath(name) {
		return nil, &iofs.PathError{Op: "readdir", Path: name, Err: iofs.ErrInvalid}
	}
	entries, err := f.fs.ListDir(cleanFSPath(name))
	if err != nil {
		return nil, &iofs.PathError{Op: "readdir", Path: name, Err: err}
	}
	out := make([]iofs.DirEntry, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		_, record, err := f.fs.readInodeInfo(e.Ino)
		if err != nil {
			return nil, err
		}
		out = append(out, dirEntryInfo{name: e.Name, info: fileInfoFor(e.Name, record)})
	}
	return out, nil
}

// readInodeInfo is a thin export-free wrapper so fsadapter.go stays in
// the lolfs package without reaching into unexported internals from
// outside it.
func (fs *FileSystem) readInodeInfo(ino uint32) (uint32, *inodeRecord, error) {
	record, err := fs.readInode(ino)
	return ino, record, err
}

type fileInfo struct {
	name  string
	size  int64
	mode  iofs.FileMode
	mtime time.Time
	dir   bool
}

func fileInfoFor(name string, record *inodeRecord) fileInfo {
	mode := iofs.FileMode(record.Perm())
	if record.IsDir() {
		mode |= iofs.ModeDir
	} else if record.IsSymlink() {
		mode |= iofs.ModeSymlink
	}
	return fileInfo{
		name:  baseName(name),
		size:  int64(record.size),
		mode:  mode,
		mtime: time.Unix(int64(record.mtime), 0),
		dir:   record.IsDir(),
	}
}

func baseName(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[i+1:]
		}
	}
	return name
}

func (fi fileInfo) Name() string        { return fi.name }
func (fi fileInfo) Size() int64         { return fi.size }
func (fi fileInfo) Mode() iofs.FileMode { return fi.mode }
func (fi fileInfo) ModTime() time.Time  { return fi.mtime }
func (fi fileInfo) IsDir() bool         { return fi.dir }
func (fi fileInfo) Sys() any            { return nil }

type dirEntryInfo struct {
	name string
	info fileInfo
}

func (d dirEntryInfo) Name() string                 { return d.name }
func (d dirEntryInfo) IsDir() bool                  { return d.info.IsDir() }
func (d dirEntryInfo) Type() iofs.FileMode          { return d.info.Mode().Type() }
func (d dirEntryInfo) Info() (iofs.FileInfo, error) { return d.info, nil }

// openFile implements io/fs.File for a regular file or symlink opened
// read-only through FS.
type openFile struct {
	fs     *FileSystem
	ino    uint32
	record *inodeRecord
	info   fileInfo
	pos    int64
}

func (f *openFile) Stat() (iofs.FileInfo, error) { return f.info, nil }

func (f *openFile) Read(p []byte) (int, error) {
	if f.pos >= int64(f.record.size) {
		return 0, io.EOF
	}
	n, err := f.fs.ReadAt(f.record, p, f.pos)
	f.pos += int64(n)
	if err == nil && n == 0 {
		return 0, io.EOF
	}
	return n, err
}

func (f *openFile) Close() error { return nil }

// openDir implements io/fs.File (a directory handle satisfies fs.File
// without Read, and fs.ReadDirFile for os.ReadDir-style consumers).
type openDir struct {
	fs      *FileSystem
	info    fileInfo
	entries []DirEntry
	pos     int
}

func (d *openDir) Stat() (iofs.FileInfo, error) { return d.info, nil }
func (d *openDir) Read([]byte) (int, error) {
	return 0, &iofs.PathError{Op: "read", Path: d.info.name, Err: iofs.ErrInvalid}
}
func (d *openDir) Close() error { return nil }

func (d *openDir) ReadDir(n int) ([]iofs.DirEntry, error) {
	var out []iofs.DirEntry
	for (n <= 0 || len(out) < n) && d.pos < len(d.entries) {
		e := d.entries[d.pos]
		d.pos++
		if e.Name == "." || e.Name == ".." {
			continue
		}
		_, record, err := d.fs.readInodeInfo(e.Ino)
		if err != nil {
			return out, err
		}
		out = append(out, dirEntryInfo{name: e.Name, info: fileInfoFor(e.Name, record)})
	}
	if n > 0 && len(out) == 0 {
		return nil, io.EOF
	}
	return out, nil
}
