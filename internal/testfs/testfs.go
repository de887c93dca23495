// Package testfs provides filesystem test fixtures for bdstorage's
// integration tests: chunked content generation for duplicate files, and
// inode/content assertions for verifying the replace protocol's outcome.
//
// Adapted from the teacher's FileTree sow/assert harness. The teacher's
// Volume/Symlink types and its Docker+tmpfs multi-device E2E harness are
// dropped — bdstorage never produces symlinks, and its only cross-device
// behavior (vault-vs-state and vault-vs-root rejection at startup) is a
// stat comparison, unit-testable without real separate mounts (see DESIGN.md).
package testfs

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/dustin/go-humanize"
)

// Chunk defines a region of file content filled with a pattern byte.
type Chunk struct {
	Pattern rune
	Size    string // IEC units, e.g. "1KiB", "1MiB"
}

// File describes one file to create, optionally hardlinked under multiple
// paths so the scanner observes it as a single inode with several names.
type File struct {
	Path   []string
	Chunks []Chunk
}

// TotalSize sums the file's chunk sizes in bytes.
func (f *File) TotalSize() int64 {
	var total int64
	for _, c := range f.Chunks {
		size, _ := humanize.ParseBytes(c.Size)
		total += int64(size)
	}
	return total
}

// Sow creates every file under root, writing Path[0]'s content and
// hardlinking any further paths onto it.
func Sow(root string, files []File) error {
	for _, f := range files {
		if err := sowFile(root, f); err != nil {
			return fmt.Errorf("sow %v: %w", f.Path, err)
		}
	}
	return nil
}

func sowFile(root string, f File) error {
	if len(f.Path) == 0 {
		return nil
	}
	firstPath := filepath.Join(root, f.Path[0])
	if err := WriteChunkedFile(firstPath, f.Chunks); err != nil {
		return err
	}
	for _, p := range f.Path[1:] {
		linkPath := filepath.Join(root, p)
		if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
			return err
		}
		if err := os.Link(firstPath, linkPath); err != nil {
			return fmt.Errorf("hardlink %s -> %s: %w", linkPath, firstPath, err)
		}
	}
	return nil
}

// WriteChunkedFile streams content directly to disk, efficient for both
// tiny and huge chunk sizes.
func WriteChunkedFile(path string, chunks []Chunk) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for _, c := range chunks {
		if err := writeChunk(f, c); err != nil {
			return err
		}
	}
	return nil
}

func writeChunk(f *os.File, c Chunk) error {
	const maxBufSize = 1 << 20

	size, err := humanize.ParseBytes(c.Size)
	if err != nil {
		return fmt.Errorf("parse chunk size %q: %w", c.Size, err)
	}

	bufSize := int(size)
	if bufSize > maxBufSize {
		bufSize = maxBufSize
	}
	buf := bytes.Repeat([]byte{byte(c.Pattern)}, bufSize)

	remaining := int64(size)
	for remaining > 0 {
		toWrite := int64(len(buf))
		if remaining < toWrite {
			toWrite = remaining
		}
		if _, err := f.Write(buf[:toWrite]); err != nil {
			return err
		}
		remaining -= toWrite
	}
	return nil
}

// WriteSparseFile creates a file of the given total size containing one
// data run of dataSize bytes at dataOffset, the rest left as a hole (or
// zero-filled on filesystems without real hole support — the test only
// asserts on hash equivalence, which holds either way).
func WriteSparseFile(path string, totalSize, dataOffset, dataSize int64, pattern byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if err := f.Truncate(totalSize); err != nil {
		return err
	}
	if dataSize > 0 {
		buf := bytes.Repeat([]byte{pattern}, int(dataSize))
		if _, err := f.WriteAt(buf, dataOffset); err != nil {
			return err
		}
	}
	return f.Sync()
}

// Inode returns the (dev, ino) pair for path, failing the test on error.
func Inode(t *testing.T, path string) (dev, ino uint64) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		t.Fatalf("stat %s: not a syscall.Stat_t", path)
	}
	return uint64(st.Dev), st.Ino
}

// AssertSameInode fails the test unless every path shares one (dev, ino).
func AssertSameInode(t *testing.T, paths ...string) {
	t.Helper()
	if len(paths) < 2 {
		return
	}
	wantDev, wantIno := Inode(t, paths[0])
	for _, p := range paths[1:] {
		dev, ino := Inode(t, p)
		if dev != wantDev || ino != wantIno {
			t.Errorf("%s and %s do not share an inode: (%d,%d) vs (%d,%d)",
				paths[0], p, wantDev, wantIno, dev, ino)
		}
	}
}

// AssertRegularFile fails the test unless path exists, is a regular file,
// and has the expected size.
func AssertRegularFile(t *testing.T, path string, wantSize int64) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if !info.Mode().IsRegular() {
		t.Fatalf("%s is not a regular file", path)
	}
	if info.Size() != wantSize {
		t.Errorf("%s: got size %d, want %d", path, info.Size(), wantSize)
	}
}

// VaultEntryCount counts the regular files under a vault directory's
// xx/yy/<hex> fan-out layout.
func VaultEntryCount(t *testing.T, vaultDir string) int {
	t.Helper()
	count := 0
	err := filepath.WalkDir(vaultDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("walk vault dir %s: %v", vaultDir, err)
	}
	return count
}

// ReadFile reads a file's full content, failing the test on error.
func ReadFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return b
}
