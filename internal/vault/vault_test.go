package vault

import (
	"bytes"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bdstorage/bdstorage/internal/state"
	"github.com/bdstorage/bdstorage/internal/testfs"
	"github.com/bdstorage/bdstorage/internal/types"
)

func digestOf(content []byte) types.Digest {
	return sha256.Sum256(content)
}

func TestRelPathFanOut(t *testing.T) {
	d := digestOf([]byte("hello"))
	rel := RelPath(d)
	hex := d.String()
	want := filepath.Join(hex[0:2], hex[2:4], hex)
	if rel != want {
		t.Errorf("RelPath() = %q, want %q", rel, want)
	}
}

func TestIngestCreatesReadOnlyVaultFile(t *testing.T) {
	dir := t.TempDir()
	v, err := New(filepath.Join(dir, "vault"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	content := []byte("duplicate content")
	srcPath := filepath.Join(dir, "src")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	d := digestOf(content)
	relPath, err := v.Ingest(srcPath, d, int64(len(content)))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	absPath := v.AbsPath(d)
	if filepath.Join(v.Root(), relPath) != absPath {
		t.Errorf("relPath %q does not resolve to AbsPath %q under root %q", relPath, absPath, v.Root())
	}

	testfs.AssertRegularFile(t, absPath, int64(len(content)))

	got := testfs.ReadFile(t, absPath)
	if !bytes.Equal(got, content) {
		t.Error("vault file content mismatch")
	}

	info, err := os.Stat(absPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o444 {
		t.Errorf("vault file mode = %o, want 0444", info.Mode().Perm())
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	v, err := New(filepath.Join(dir, "vault"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	content := []byte("same content twice")
	srcPath := filepath.Join(dir, "src")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatal(err)
	}
	d := digestOf(content)

	rel1, err := v.Ingest(srcPath, d, int64(len(content)))
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	rel2, err := v.Ingest(srcPath, d, int64(len(content)))
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if rel1 != rel2 {
		t.Errorf("Ingest not idempotent: %q != %q", rel1, rel2)
	}
}

func TestIngestMismatchedSizeIsError(t *testing.T) {
	dir := t.TempDir()
	v, err := New(filepath.Join(dir, "vault"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	content := []byte("content a")
	srcPath := filepath.Join(dir, "src")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatal(err)
	}
	d := digestOf(content)

	if _, err := v.Ingest(srcPath, d, int64(len(content))); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	otherSrc := filepath.Join(dir, "other")
	if err := os.WriteFile(otherSrc, []byte("different length content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Ingest(otherSrc, d, 999); err == nil {
		t.Error("expected error ingesting mismatched size under an existing digest")
	}
}

func TestReleaseDecrementsRefcountViaState(t *testing.T) {
	dir := t.TempDir()
	v, err := New(filepath.Join(dir, "vault"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st, err := state.Open(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	defer func() { _ = st.Close() }()

	content := []byte("referenced content")
	srcPath := filepath.Join(dir, "src")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatal(err)
	}
	d := digestOf(content)

	relPath, err := v.Ingest(srcPath, d, int64(len(content)))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := st.CreateEntry(d, relPath, int64(len(content)), time.Now()); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if err := st.IncrefEntry(d); err != nil {
		t.Fatalf("IncrefEntry: %v", err)
	}

	entry, err := st.Lookup(d)
	if err != nil || entry == nil {
		t.Fatalf("Lookup before Release: entry=%v err=%v", entry, err)
	}
	if entry.Refcount != 2 {
		t.Fatalf("refcount before Release = %d, want 2", entry.Refcount)
	}

	if err := v.Release(st, d); err != nil {
		t.Fatalf("Release: %v", err)
	}

	entry, err = st.Lookup(d)
	if err != nil || entry == nil {
		t.Fatalf("Lookup after Release: entry=%v err=%v", entry, err)
	}
	if entry.Refcount != 1 {
		t.Errorf("refcount after Release = %d, want 1", entry.Refcount)
	}

	testfs.AssertRegularFile(t, v.AbsPath(d), int64(len(content)))
}
