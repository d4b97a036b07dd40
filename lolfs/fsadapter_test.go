package lolfs

import (
	"bytes"
	"errors"
	iofs "io/fs"
	"testing"

	"github.com/hodgesds/lolelffs/backend/mem"
	"github.com/hodgesds/lolelffs/internal/testutil"
)

func newTestFSAdapter(t *testing.T) (*FileSystem, FS) {
	t.Helper()
	b := mem.New(2 * 1024 * 1024)
	fs, err := Format(b, 0, 2*1024*1024, FormatOptions{})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	return fs, NewFS(fs)
}

func TestFSStatRegularFile(t *testing.T) {
	fs, iofsys := newTestFSAdapter(t)
	if _, err := fs.CreateFile("/a.txt"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := fs.Write("/a.txt", 0, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	info, err := iofsys.Stat("a.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Name() != "a.txt" {
		t.Errorf("Name() = %q, want %q", info.Name(), "a.txt")
	}
	if info.Size() != 5 {
		t.Errorf("Size() = %d, want 5", info.Size())
	}
	if info.IsDir() {
		t.Error("IsDir() = true for a regular file")
	}
	if info.Mode()&iofs.ModeDir != 0 {
		t.Error("Mode() has ModeDir set for a regular file")
	}
}

func TestFSStatDirectory(t *testing.T) {
	fs, iofsys := newTestFSAdapter(t)
	if _, err := fs.CreateDir("/sub"); err != nil {
		t.Fatalf("CreateDir: %v", err)
	}
	info, err := iofsys.Stat("sub")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.IsDir() {
		t.Error("IsDir() = false for a directory")
	}
	if info.Mode()&iofs.ModeDir == 0 {
		t.Error("Mode() missing ModeDir for a directory")
	}
}

func TestFSStatSymlink(t *testing.T) {
	fs, iofsys := newTestFSAdapter(t)
	if _, err := fs.CreateFile("/target"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := fs.CreateSymlink("/link", "target"); err != nil {
		t.Fatalf("CreateSymlink: %v", err)
	}
	info, err := iofsys.Stat("link")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode()&iofs.ModeSymlink == 0 {
		t.Error("Mode() missing ModeSymlink for a symlink")
	}
}

func TestFSStatRoot(t *testing.T) {
	_, iofsys := newTestFSAdapter(t)
	info, err := iofsys.Stat(".")
	if err != nil {
		t.Fatalf("Stat(.): %v", err)
	}
	if !info.IsDir() {
		t.Error("root is not reported as a directory")
	}
}

func TestFSStatRejectsInvalidPath(t *testing.T) {
	_, iofsys := newTestFSAdapter(t)
	if _, err := iofsys.Stat("../escape"); err == nil {
		t.Fatal("expected Stat to reject a path escaping the tree")
	}
}

func TestFSOpenAndReadFile(t *testing.T) {
	fs, iofsys := newTestFSAdapter(t)
	if _, err := fs.CreateFile("/data"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	payload := bytes.Repeat([]byte("x"), BlockSize+17)
	if _, err := fs.Write("/data", 0, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := iofsys.Open("data")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 512)
	for {
		n, err := f.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			break
		}
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Open/Read round trip mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestFSOpenDirectoryReturnsReadDirFile(t *testing.T) {
	fs, iofsys := newTestFSAdapter(t)
	if _, err := fs.CreateDir("/d"); err != nil {
		t.Fatalf("CreateDir: %v", err)
	}
	if _, err := fs.CreateFile("/d/one"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := fs.CreateFile("/d/two"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	f, err := iofsys.Open("d")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	rd, ok := f.(iofs.ReadDirFile)
	if !ok {
		t.Fatal("directory handle does not implement io/fs.ReadDirFile")
	}
	entries, err := rd.ReadDir(-1)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
		if e.IsDir() {
			t.Errorf("entry %q unexpectedly reported as a directory", e.Name())
		}
		info, err := e.Info()
		if err != nil {
			t.Fatalf("Info(): %v", err)
		}
		if info.Name() != e.Name() {
			t.Errorf("Info().Name() = %q, want %q", info.Name(), e.Name())
		}
	}
	if !names["one"] || !names["two"] {
		t.Fatalf("ReadDir entries = %v, want one and two", names)
	}
}

func TestFSReadDirSkipsDotEntries(t *testing.T) {
	fs, iofsys := newTestFSAdapter(t)
	if _, err := fs.CreateFile("/only"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	entries, err := iofsys.ReadDir(".")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "only" {
		t.Fatalf("ReadDir(.) = %v, want exactly [only]", entries)
	}
}

func TestFSReadFileViaStdlibHelper(t *testing.T) {
	fs, iofsys := newTestFSAdapter(t)
	if _, err := fs.CreateFile("/greeting"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := fs.Write("/greeting", 0, []byte("hi there")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := iofs.ReadFile(iofsys, "greeting")
	if err != nil {
		t.Fatalf("fs.ReadFile: %v", err)
	}
	if string(got) != "hi there" {
		t.Fatalf("fs.ReadFile = %q, want %q", got, "hi there")
	}
}

func TestFSWalkDirVisitsWholeTree(t *testing.T) {
	fs, iofsys := newTestFSAdapter(t)
	if _, err := fs.CreateDir("/a"); err != nil {
		t.Fatalf("CreateDir: %v", err)
	}
	if _, err := fs.CreateFile("/a/leaf"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := fs.CreateFile("/root-leaf"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	var visited []string
	err := iofs.WalkDir(iofsys, ".", func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		visited = append(visited, path)
		return nil
	})
	if err != nil {
		t.Fatalf("fs.WalkDir: %v", err)
	}

	want := map[string]bool{".": true, "a": true, "a/leaf": true, "root-leaf": true}
	if len(visited) != len(want) {
		t.Fatalf("WalkDir visited %v, want keys of %v", visited, want)
	}
	for _, p := range visited {
		if !want[p] {
			t.Errorf("WalkDir visited unexpected path %q", p)
		}
	}
}

func TestFSOpenMissingFileReturnsPathError(t *testing.T) {
	_, iofsys := newTestFSAdapter(t)
	_, err := iofsys.Open("nope")
	if err == nil {
		t.Fatal("expected Open of a missing file to fail")
	}
	var pathErr *iofs.PathError
	if !errors.As(err, &pathErr) {
		t.Fatalf("Open error %v is not an *fs.PathError", err)
	}
}

func TestFSTreeHasNoCyclesOrDotEntries(t *testing.T) {
	fs, iofsys := newTestFSAdapter(t)
	if _, err := fs.CreateDir("/a"); err != nil {
		t.Fatalf("CreateDir(/a): %v", err)
	}
	if _, err := fs.CreateDir("/a/b"); err != nil {
		t.Fatalf("CreateDir(/a/b): %v", err)
	}
	if _, err := fs.CreateFile("/a/b/leaf"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	testutil.TestFSTree(t, iofsys)
}
