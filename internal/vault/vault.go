// Package vault implements the content-addressed physical store: one
// canonical copy of each unique content, fanned out under
// <vault>/xx/yy/<64-hex> (spec §4.3/§6).
package vault

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bdstorage/bdstorage/internal/reflink"
	"github.com/bdstorage/bdstorage/internal/state"
	"github.com/bdstorage/bdstorage/internal/types"
)

// Vault is a content-addressed directory of canonical file copies.
type Vault struct {
	root string
}

// New returns a Vault rooted at dir. The directory is created if absent.
func New(dir string) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve vault dir: %w", err)
	}
	return &Vault{root: abs}, nil
}

// Root returns the vault's absolute root directory.
func (v *Vault) Root() string { return v.root }

// RelPath returns the fan-out relative path for a digest:
// xx/yy/<64-hex>, where xx and yy are the first two bytes of the digest.
func RelPath(d types.Digest) string {
	hex := d.String()
	return filepath.Join(hex[0:2], hex[2:4], hex)
}

// AbsPath returns the absolute vault path for a digest.
func (v *Vault) AbsPath(d types.Digest) string {
	return filepath.Join(v.root, RelPath(d))
}

// Ingest materializes srcPath's content into the vault under digest d,
// preferring a reflink clone and falling back to a full byte copy. The
// destination directory structure is created as needed. Returns the
// relative vault path. Idempotent: if another process already created the
// same digest's file (same content ⇒ byte-identical), Ingest succeeds
// without re-copying.
func (v *Vault) Ingest(srcPath string, d types.Digest, size int64) (relPath string, err error) {
	relPath = RelPath(d)
	absPath := filepath.Join(v.root, relPath)

	if info, statErr := os.Stat(absPath); statErr == nil {
		if info.Size() == size {
			return relPath, nil // already ingested by this or a prior run
		}
		return "", fmt.Errorf("vault entry %s exists with mismatched size", relPath)
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", fmt.Errorf("create vault fan-out dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(absPath), ".ingest-*")
	if err != nil {
		return "", fmt.Errorf("create temp vault file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(tmpPath) }() // no-op once renamed away

	if err := materialize(tmpPath, srcPath); err != nil {
		return "", fmt.Errorf("materialize vault content: %w", err)
	}

	if err := os.Chmod(tmpPath, 0o444); err != nil {
		return "", fmt.Errorf("chmod vault file read-only: %w", err)
	}

	if err := os.Rename(tmpPath, absPath); err != nil {
		// rename(2) replaces an existing destination, so a concurrent
		// ingest of the same digest normally just leaves one
		// byte-identical file in place. If the rename fails but a file
		// already sits at the final path, that file is accepted.
		if _, statErr := os.Stat(absPath); statErr == nil {
			return relPath, nil
		}
		return "", fmt.Errorf("rename into vault: %w", err)
	}

	return relPath, nil
}

// Release decrements digest d's refcount, via st, by one reference (spec
// §4.3: "Decrement refcount; if it reaches 1 (only the vault copy remains)
// the entry is retained"). The physical vault file is never removed here —
// pruning unreferenced entries is left to a separate gc command, out of
// core scope.
func (v *Vault) Release(st *state.State, d types.Digest) error {
	return st.DecrefEntry(d)
}

// materialize writes src's content into dst (already created as an empty
// temp file), preferring reflink and falling back to a byte copy.
func materialize(dst, src string) error {
	if err := reflink.ClonePath(dst, src); err == nil {
		return nil
	}
	return byteCopy(dst, src)
}

func byteCopy(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open dest: %w", err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return out.Sync()
}
