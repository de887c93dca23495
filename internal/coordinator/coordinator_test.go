package coordinator

import (
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bdstorage/bdstorage/internal/reflink"
	"github.com/bdstorage/bdstorage/internal/state"
	"github.com/bdstorage/bdstorage/internal/testfs"
	"github.com/bdstorage/bdstorage/internal/types"
	"github.com/bdstorage/bdstorage/internal/vault"
)

func setup(t *testing.T) (dir string, v *vault.Vault, st *state.State) {
	t.Helper()
	dir = t.TempDir()
	var err error
	v, err = vault.New(filepath.Join(dir, "vault"))
	require.NoError(t, err)
	st, err = state.Open(filepath.Join(dir, "state"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return dir, v, st
}

func writeFile(t *testing.T, path string, content []byte) *types.FileCandidate {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)
	stat := info.Sys().(*syscall.Stat_t)
	return &types.FileCandidate{
		Path: path, Size: info.Size(), ModTime: info.ModTime(),
		Dev: uint64(stat.Dev), Ino: stat.Ino, Mode: uint32(info.Mode().Perm()),
	}
}

func TestProcessGroupHardlinksAllMembers(t *testing.T) {
	dir, v, st := setup(t)

	content := []byte("duplicate payload")
	a := writeFile(t, filepath.Join(dir, "a"), content)
	b := writeFile(t, filepath.Join(dir, "b"), content)
	c := writeFile(t, filepath.Join(dir, "c"), content)

	digest := types.Digest(sha256.Sum256(content))
	group := types.DigestGroup{Digest: digest, Class: types.NewEquivalenceClass([]*types.FileCandidate{a, b, c})}

	errCh := make(chan error, 10)
	coord := New(v.Root(), v, st, Config{Mode: ModeHardlink}, errCh)
	results := coord.Run(context.Background(), []types.DigestGroup{group})
	close(errCh)
	for err := range errCh {
		t.Errorf("unexpected error: %v", err)
	}

	require.Len(t, results, 3)
	for _, r := range results {
		require.NoErrorf(t, r.Err, "result for %s", r.Path)
		require.Equalf(t, ActionHardlink, r.Action, "result for %s", r.Path)
	}

	entry, err := st.Lookup(digest)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.EqualValuesf(t, 4, entry.Refcount,
		"want 1 at creation + 1 per successful relink across all 3 members")

	testfs.AssertSameInode(t, a.Path, b.Path, c.Path)

	for _, p := range []string{a.Path, b.Path, c.Path} {
		require.Equal(t, content, testfs.ReadFile(t, p))
	}
}

// TestCoordinatorAutoModeFallsBackToHardlink exercises spec §8 scenario 5
// ("reflink-unsupported fallback"): with Mode: ModeAuto, if reflink cloning
// fails the coordinator must still succeed by hardlinking instead.
func TestCoordinatorAutoModeFallsBackToHardlink(t *testing.T) {
	original := reflinkClonePath
	reflinkClonePath = func(dstPath, srcPath string) error { return reflink.ErrUnsupported }
	t.Cleanup(func() { reflinkClonePath = original })

	dir, v, st := setup(t)

	content := []byte("duplicate payload")
	a := writeFile(t, filepath.Join(dir, "a"), content)
	b := writeFile(t, filepath.Join(dir, "b"), content)

	digest := types.Digest(sha256.Sum256(content))
	group := types.DigestGroup{Digest: digest, Class: types.NewEquivalenceClass([]*types.FileCandidate{a, b})}

	errCh := make(chan error, 10)
	coord := New(v.Root(), v, st, Config{Mode: ModeAuto}, errCh)
	results := coord.Run(context.Background(), []types.DigestGroup{group})
	close(errCh)
	for err := range errCh {
		t.Errorf("unexpected error: %v", err)
	}

	require.Len(t, results, 2)
	for _, r := range results {
		require.NoErrorf(t, r.Err, "result for %s", r.Path)
		require.Equalf(t, ActionHardlink, r.Action, "result for %s should have fallen back to hardlink", r.Path)
	}
	testfs.AssertSameInode(t, a.Path, b.Path)
}

// TestCoordinatorReflinkOnlyModeFailsWithoutFallback confirms ModeReflink
// never falls back silently: a forced reflink failure must surface as a
// skip, not a hardlink.
func TestCoordinatorReflinkOnlyModeFailsWithoutFallback(t *testing.T) {
	original := reflinkClonePath
	reflinkClonePath = func(dstPath, srcPath string) error { return reflink.ErrUnsupported }
	t.Cleanup(func() { reflinkClonePath = original })

	dir, v, st := setup(t)

	content := []byte("duplicate payload")
	a := writeFile(t, filepath.Join(dir, "a"), content)
	b := writeFile(t, filepath.Join(dir, "b"), content)

	digest := types.Digest(sha256.Sum256(content))
	group := types.DigestGroup{Digest: digest, Class: types.NewEquivalenceClass([]*types.FileCandidate{a, b})}

	errCh := make(chan error, 10)
	coord := New(v.Root(), v, st, Config{Mode: ModeReflink}, errCh)
	results := coord.Run(context.Background(), []types.DigestGroup{group})
	close(errCh)

	for _, r := range results {
		require.Error(t, r.Err, "reflink-only mode must not fall back to hardlink")
		require.Truef(t, errors.Is(r.Err, reflink.ErrUnsupported), "result for %s: %v", r.Path, r.Err)
	}
}

func TestProcessGroupSkipsModifiedFile(t *testing.T) {
	dir, v, st := setup(t)

	content := []byte("duplicate payload")
	a := writeFile(t, filepath.Join(dir, "a"), content)
	b := writeFile(t, filepath.Join(dir, "b"), content)

	// Simulate a concurrent modification after scan/hash observed b.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(b.Path, append(content, '!'), 0o644))

	digest := types.Digest(sha256.Sum256(content))
	group := types.DigestGroup{Digest: digest, Class: types.NewEquivalenceClass([]*types.FileCandidate{a, b})}

	errCh := make(chan error, 10)
	coord := New(v.Root(), v, st, Config{Mode: ModeHardlink}, errCh)
	results := coord.Run(context.Background(), []types.DigestGroup{group})
	close(errCh)

	var sawSkip bool
	for _, r := range results {
		if r.Path == b.Path {
			require.Error(t, r.Err, "modified file should have been skipped, not replaced")
			sawSkip = true
		}
	}
	require.True(t, sawSkip, "expected a result for the modified file")

	got, err := os.ReadFile(b.Path)
	require.NoError(t, err)
	require.Equal(t, string(content)+"!", string(got))
}

func TestProcessGroupDedupesRepresentativeAgainstPreExistingEntry(t *testing.T) {
	dir, v, st := setup(t)

	content := []byte("seen in a prior run")
	digest := types.Digest(sha256.Sum256(content))

	// Simulate a vault entry left behind by a prior run: some file outside
	// this group's class was already ingested and vaulted, but nothing in
	// the state's inode table points at the two new files below.
	seed := writeFile(t, filepath.Join(dir, "seed"), content)
	relPath, err := v.Ingest(seed.Path, digest, seed.Size)
	require.NoError(t, err)
	require.NoError(t, st.CreateEntry(digest, relPath, seed.Size, time.Now()))

	x := writeFile(t, filepath.Join(dir, "x"), content)
	y := writeFile(t, filepath.Join(dir, "y"), content)
	group := types.DigestGroup{Digest: digest, Class: types.NewEquivalenceClass([]*types.FileCandidate{x, y})}

	errCh := make(chan error, 10)
	coord := New(v.Root(), v, st, Config{Mode: ModeHardlink}, errCh)
	results := coord.Run(context.Background(), []types.DigestGroup{group})
	close(errCh)
	for err := range errCh {
		t.Errorf("unexpected error: %v", err)
	}

	require.Len(t, results, 2, "both the representative and the follower of the new class must be processed")
	for _, r := range results {
		require.NoErrorf(t, r.Err, "result for %s", r.Path)
		require.Equalf(t, ActionHardlink, r.Action, "result for %s", r.Path)
	}

	entry, err := st.Lookup(digest)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.EqualValuesf(t, 3, entry.Refcount,
		"want 1 from the pre-existing entry + 1 per relinked member of the new class")

	testfs.AssertSameInode(t, v.AbsPath(digest), x.Path, y.Path)

	for _, f := range []*types.FileCandidate{x, y} {
		digestFound, found, err := st.LookupInode(f.Key())
		require.NoError(t, err)
		require.True(t, found, "expected %s to be recorded in the inode index", f.Path)
		require.Equal(t, digest, digestFound)
	}
}

func TestSkipAlreadyDeduped(t *testing.T) {
	dir, v, st := setup(t)

	content := []byte("already deduped")
	a := writeFile(t, filepath.Join(dir, "a"), content)
	digest := types.Digest(sha256.Sum256(content))

	_, err := v.Ingest(a.Path, digest, a.Size)
	require.NoError(t, err)
	require.NoError(t, st.CreateEntry(digest, vault.RelPath(digest), a.Size, time.Now()))
	require.NoError(t, st.RecordInode(a.Key(), digest))

	b := writeFile(t, filepath.Join(dir, "b"), []byte("brand new"))
	b2 := writeFile(t, filepath.Join(dir, "b2"), []byte("brand new"))

	errCh := make(chan error, 10)
	coord := New(v.Root(), v, st, Config{Mode: ModeHardlink}, errCh)
	close(errCh)

	groups := map[int64][]*types.FileCandidate{
		a.Size: {a},
		b.Size: {b, b2},
	}
	filtered := coord.SkipAlreadyDeduped(groups)

	_, ok := filtered[a.Size]
	require.False(t, ok, "already-deduped file's size bucket should be dropped")
	_, ok = filtered[b.Size]
	require.True(t, ok, "untouched file's size bucket should remain")
}

func TestDryRunMakesNoChanges(t *testing.T) {
	dir, v, st := setup(t)

	content := []byte("dry run content")
	a := writeFile(t, filepath.Join(dir, "a"), content)
	b := writeFile(t, filepath.Join(dir, "b"), content)

	digest := types.Digest(sha256.Sum256(content))
	group := types.DigestGroup{Digest: digest, Class: types.NewEquivalenceClass([]*types.FileCandidate{a, b})}

	errCh := make(chan error, 10)
	coord := New(v.Root(), v, st, Config{Mode: ModeHardlink, DryRun: true}, errCh)
	results := coord.Run(context.Background(), []types.DigestGroup{group})
	close(errCh)

	for _, r := range results {
		require.NoErrorf(t, r.Err, "dry-run result for %s", r.Path)
	}

	devA, inoA := testfs.Inode(t, a.Path)
	devB, inoB := testfs.Inode(t, b.Path)
	require.False(t, devA == devB && inoA == inoB, "dry-run must not actually link files together")

	entry, err := st.Lookup(digest)
	require.NoError(t, err)
	require.Nil(t, entry, "dry-run must not create a state entry")
}

func TestRecoverRollsBackIncompleteReplace(t *testing.T) {
	dir, _, _ := setup(t)
	root := filepath.Join(dir, "root")
	require.NoError(t, os.MkdirAll(root, 0o755))

	original := filepath.Join(root, "a")
	backup := original + ".bd-backup-999-aaaaaaaa"
	require.NoError(t, os.WriteFile(backup, []byte("pre-replace content"), 0o644))
	// original does not exist: the crash happened before the link step.

	c := &Coordinator{}
	require.NoError(t, c.recoverEntry(backup))

	_, err := os.Stat(backup)
	require.True(t, os.IsNotExist(err), "backup file should have been renamed away")

	got, err := os.ReadFile(original)
	require.NoError(t, err)
	require.Equal(t, "pre-replace content", string(got))
}

func TestRecoverCommitsCompletedReplace(t *testing.T) {
	dir, _, _ := setup(t)
	root := filepath.Join(dir, "root")
	require.NoError(t, os.MkdirAll(root, 0o755))

	original := filepath.Join(root, "a")
	backup := original + ".bd-backup-999-bbbbbbbb"
	content := []byte("already relinked")
	require.NoError(t, os.WriteFile(original, content, 0o644))
	require.NoError(t, os.WriteFile(backup, content, 0o644))

	c := &Coordinator{}
	require.NoError(t, c.recoverEntry(backup))

	_, err := os.Stat(backup)
	require.True(t, os.IsNotExist(err), "stale backup should have been removed")

	got, err := os.ReadFile(original)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"auto", "reflink", "hardlink"} {
		_, err := ParseMode(s)
		require.NoErrorf(t, err, "ParseMode(%q)", s)
	}
	_, err := ParseMode("bogus")
	require.Error(t, err)
}
