package reflink

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestClonePathOrUnsupported(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src")
	dstPath := filepath.Join(dir, "dst")

	content := bytes.Repeat([]byte{0x7A}, 64*1024)
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dstPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	err := ClonePath(dstPath, srcPath)
	if err != nil {
		if !errors.Is(err, ErrUnsupported) {
			t.Fatalf("ClonePath: unexpected error %v", err)
		}
		t.Skip("reflink unsupported on this filesystem, as reported correctly")
	}

	got, readErr := os.ReadFile(dstPath)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if !bytes.Equal(got, content) {
		t.Error("cloned content does not match source")
	}
}

func TestClonePathMissingSource(t *testing.T) {
	dir := t.TempDir()
	err := ClonePath(filepath.Join(dir, "dst"), filepath.Join(dir, "does-not-exist"))
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}
