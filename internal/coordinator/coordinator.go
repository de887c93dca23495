// Package coordinator orchestrates hasher -> vault -> state and performs
// the atomic replace protocol that turns a duplicate into a reflink (or
// hardlink) to the vault's canonical copy (spec §4.5).
//
// Grounded on the teacher's internal/deduper: selectSource/containsFile
// become Representative()/equivalence-class splitting (internal/types), and
// the link-then-rename atomicity idiom of internal/deduper/links.go becomes
// the backup-rename-then-relink protocol below.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/bdstorage/bdstorage/internal/bderrors"
	"github.com/bdstorage/bdstorage/internal/progress"
	"github.com/bdstorage/bdstorage/internal/reflink"
	"github.com/bdstorage/bdstorage/internal/scanner"
	"github.com/bdstorage/bdstorage/internal/state"
	"github.com/bdstorage/bdstorage/internal/types"
	"github.com/bdstorage/bdstorage/internal/xattr"
)

// Mode selects the replacement strategy.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeReflink  Mode = "reflink"
	ModeHardlink Mode = "hardlink"
)

// Config configures the Coordinator.
type Config struct {
	Mode         Mode
	DryRun       bool
	Verbose      bool
	ShowProgress bool
}

// Coordinator drives the replace protocol for confirmed equivalence classes.
type Coordinator struct {
	vaultRoot string
	ingest    Ingester
	st        *state.State
	cfg       Config
	errCh     chan<- error
}

// Ingester is the subset of *vault.Vault the Coordinator needs, so tests
// can substitute a fake without a real filesystem vault.
type Ingester interface {
	Ingest(srcPath string, d types.Digest, size int64) (relPath string, err error)
	AbsPath(d types.Digest) string
}

// New creates a Coordinator.
func New(vaultRoot string, ingest Ingester, st *state.State, cfg Config, errCh chan<- error) *Coordinator {
	return &Coordinator{vaultRoot: vaultRoot, ingest: ingest, st: st, cfg: cfg, errCh: errCh}
}

// ReplaceAction describes what happened to one file.
type ReplaceAction int

const (
	ActionReflink ReplaceAction = iota
	ActionHardlink
	ActionSkipped
)

// ReplaceResult describes the outcome of replacing one target path.
type ReplaceResult struct {
	Path       string
	Action     ReplaceAction
	BytesSaved int64
	Err        error
}

func (r ReplaceResult) String() string {
	switch r.Action {
	case ActionReflink:
		return fmt.Sprintf("reflinked %s", r.Path)
	case ActionHardlink:
		return fmt.Sprintf("hardlinked %s", r.Path)
	default:
		return fmt.Sprintf("skipped %s: %v", r.Path, r.Err)
	}
}

type stats struct {
	processedFiles int64
	totalFiles     int64
	processedSets  int64
	totalSets      int64
	savedBytes     int64
	startTime      time.Time
	mu             sync.Mutex
}

func (s *stats) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("deduplicated %d/%d files in %d/%d sets, saved %s in %.1fs",
		s.processedFiles, s.totalFiles, s.processedSets, s.totalSets,
		humanize.IBytes(uint64(s.savedBytes)), time.Since(s.startTime).Seconds())
}

// SkipAlreadyDeduped removes candidates whose (dev, ino) is already mapped
// to a live vault entry, short-circuiting the pipeline for already-deduped
// files on idempotent re-runs (spec §4.4). Size buckets that drop below two
// members are removed entirely, matching the Scanner's own bucketing rule.
func (c *Coordinator) SkipAlreadyDeduped(groups map[int64][]*types.FileCandidate) map[int64][]*types.FileCandidate {
	out := make(map[int64][]*types.FileCandidate, len(groups))
	for size, files := range groups {
		var kept []*types.FileCandidate
		for _, f := range files {
			if c.isAlreadyDeduped(f) {
				continue
			}
			kept = append(kept, f)
		}
		if len(kept) >= 2 {
			out[size] = kept
		}
	}
	return out
}

func (c *Coordinator) isAlreadyDeduped(f *types.FileCandidate) bool {
	digest, found, err := c.st.LookupInode(f.Key())
	if err != nil || !found {
		return false
	}
	entry, err := c.st.Lookup(digest)
	if err != nil || entry == nil {
		return false
	}
	return true
}

// Run processes each confirmed digest group: one representative is ingested
// (if not already in the vault) and relinked, and every follower is relinked
// to the same vault entry.
func (c *Coordinator) Run(ctx context.Context, groups []types.DigestGroup) []ReplaceResult {
	bar := progress.New(c.cfg.ShowProgress, -1)
	st := &stats{totalSets: int64(len(groups)), startTime: time.Now()}
	for _, g := range groups {
		st.totalFiles += int64(g.Class.Len())
	}
	bar.Describe(st)

	var results []ReplaceResult
	for _, g := range groups {
		select {
		case <-ctx.Done():
			bar.Finish(st)
			return results
		default:
		}

		rs := c.processGroup(ctx, g)
		results = append(results, rs...)
		for _, r := range rs {
			if r.Err == nil {
				st.mu.Lock()
				st.savedBytes += r.BytesSaved
				st.processedFiles++
				st.mu.Unlock()
			}
			if c.cfg.Verbose && r.Err == nil {
				fmt.Fprintln(os.Stdout, r.String())
			}
		}
		st.mu.Lock()
		st.processedSets++
		st.mu.Unlock()
		bar.Describe(st)
	}

	bar.Finish(st)
	return results
}

func (c *Coordinator) processGroup(ctx context.Context, g types.DigestGroup) []ReplaceResult {
	var results []ReplaceResult

	if c.cfg.DryRun {
		// Preview only: no vault ingest, no state writes, no relinks.
		for _, f := range g.Class.Items() {
			results = append(results, c.replaceOne(ctx, f, ""))
		}
		return results
	}

	entry, err := c.st.Lookup(g.Digest)
	if err != nil {
		c.sendError(bderrors.FatalRuntime(fmt.Errorf("state lookup %s: %w", g.Digest, err)))
		return nil
	}

	rep := types.Representative(g.Class)
	vaultPath := ""

	if entry != nil {
		vaultPath = filepath.Join(c.vaultRoot, entry.RelPath)
	} else {
		relPath, err := c.ingest.Ingest(rep.Path, g.Digest, rep.Size)
		if err != nil {
			c.sendError(bderrors.FatalRuntime(fmt.Errorf("vault ingest %s: %w", rep.Path, err)))
			return nil
		}
		if err := c.st.CreateEntry(g.Digest, relPath, rep.Size, time.Now()); err != nil {
			c.sendError(bderrors.FatalRuntime(fmt.Errorf("state create entry %s: %w", g.Digest, err)))
			return nil
		}
		vaultPath = filepath.Join(c.vaultRoot, relPath)
	}

	// Relink the representative itself onto the vault copy, whether the
	// entry was just created above or already existed from a prior run
	// (spec §4.5 steps 2/3 apply to the representative either way).
	res := c.replaceOne(ctx, rep, vaultPath)
	results = append(results, res)
	if res.Err == nil {
		if err := c.st.IncrefEntry(g.Digest); err != nil {
			c.sendError(bderrors.Warning(fmt.Errorf("incref %s: %w", g.Digest, err)))
		}
		_ = c.st.RecordInode(rep.Key(), g.Digest)
	}

	for _, f := range g.Class.Items() {
		if f == rep {
			continue
		}
		res := c.replaceOne(ctx, f, vaultPath)
		results = append(results, res)
		if res.Err == nil {
			if err := c.st.IncrefEntry(g.Digest); err != nil {
				c.sendError(bderrors.Warning(fmt.Errorf("incref %s: %w", g.Digest, err)))
			}
			_ = c.st.RecordInode(f.Key(), g.Digest)
		}
	}

	return results
}

// replaceOne runs the atomic replace protocol of spec §4.5 for one path
// against the vault file at vaultPath.
func (c *Coordinator) replaceOne(ctx context.Context, f *types.FileCandidate, vaultPath string) ReplaceResult {
	if c.cfg.DryRun {
		return ReplaceResult{Path: f.Path, Action: previewAction(c.cfg.Mode), BytesSaved: f.Size}
	}

	// Pre-replace re-stat: detect concurrent modification (spec §7/§8
	// scenario 6) before touching anything.
	info, err := os.Lstat(f.Path)
	if err != nil {
		return ReplaceResult{Path: f.Path, Action: ActionSkipped, Err: bderrors.Skippable(fmt.Errorf("vanished since scan: %w", err))}
	}
	if !info.ModTime().Equal(f.ModTime) || info.Size() != f.Size {
		return ReplaceResult{Path: f.Path, Action: ActionSkipped, Err: bderrors.Skippable(errors.New("file changed since scan"))}
	}

	// Step 1: snapshot metadata.
	snap, err := snapshotMeta(f.Path)
	if err != nil {
		return ReplaceResult{Path: f.Path, Action: ActionSkipped, Err: bderrors.Skippable(fmt.Errorf("snapshot metadata: %w", err))}
	}

	// Step 2: rename to backup (atomic, same directory).
	backupPath := backupName(f.Path)
	if err := os.Rename(f.Path, backupPath); err != nil {
		return ReplaceResult{Path: f.Path, Action: ActionSkipped, Err: bderrors.Skippable(fmt.Errorf("backup rename: %w", err))}
	}

	action, err := c.link(f.Path, vaultPath)
	if err != nil {
		// Step 3 failed entirely: rollback.
		if rerr := os.Rename(backupPath, f.Path); rerr != nil {
			c.sendError(bderrors.FatalRuntime(fmt.Errorf("rollback %s after failed link: %w", f.Path, rerr)))
		}
		return ReplaceResult{Path: f.Path, Action: ActionSkipped, Err: bderrors.Skippable(fmt.Errorf("link: %w", err))}
	}

	// Step 4: restore metadata (best-effort; failures warn, never roll back).
	if err := restoreMeta(f.Path, snap); err != nil {
		c.sendError(bderrors.Warning(fmt.Errorf("restore metadata %s: %w", f.Path, err)))
	}

	// Step 5: verify.
	if err := verifyLink(f.Path, vaultPath, action); err != nil {
		c.sendError(bderrors.FatalRuntime(fmt.Errorf("verify %s: %w", f.Path, err)))
		return ReplaceResult{Path: f.Path, Action: ActionSkipped, Err: err}
	}

	// Step 6: unlink backup — commit point.
	if err := os.Remove(backupPath); err != nil {
		c.sendError(bderrors.Warning(fmt.Errorf("unlink backup %s: %w", backupPath, err)))
	}

	return ReplaceResult{Path: f.Path, Action: action, BytesSaved: f.Size}
}

func previewAction(mode Mode) ReplaceAction {
	if mode == ModeHardlink {
		return ActionHardlink
	}
	return ActionReflink
}

// link creates path pointing at vaultPath's content, per the configured
// mode. Returns which strategy actually succeeded.
func (c *Coordinator) link(path, vaultPath string) (ReplaceAction, error) {
	if c.cfg.Mode != ModeHardlink {
		if err := tryReflink(path, vaultPath); err == nil {
			return ActionReflink, nil
		} else if c.cfg.Mode == ModeReflink {
			return ActionSkipped, err
		}
	}

	if err := os.Link(vaultPath, path); err != nil {
		return ActionSkipped, fmt.Errorf("hardlink: %w", err)
	}
	return ActionHardlink, nil
}

// reflinkClonePath is a package-level indirection over reflink.ClonePath so
// tests can force a reflink failure without a real filesystem that lacks
// FICLONE support.
var reflinkClonePath = reflink.ClonePath

func tryReflink(path, vaultPath string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create target: %w", err)
	}
	_ = f.Close()

	if err := reflinkClonePath(path, vaultPath); err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}

// verifyLink confirms path resolves to vaultPath's content (spec §4.5 step 5).
func verifyLink(path, vaultPath string, action ReplaceAction) error {
	switch action {
	case ActionHardlink:
		pInfo, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		vInfo, err := os.Stat(vaultPath)
		if err != nil {
			return fmt.Errorf("stat %s: %w", vaultPath, err)
		}
		pStat := pInfo.Sys().(*syscall.Stat_t)
		vStat := vInfo.Sys().(*syscall.Stat_t)
		if pStat.Dev != vStat.Dev || pStat.Ino != vStat.Ino {
			return fmt.Errorf("hardlink verify: (dev,ino) mismatch for %s", path)
		}
	case ActionReflink:
		pInfo, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		vInfo, err := os.Stat(vaultPath)
		if err != nil {
			return fmt.Errorf("stat %s: %w", vaultPath, err)
		}
		if pInfo.Size() != vInfo.Size() {
			return fmt.Errorf("reflink verify: size mismatch for %s", path)
		}
	}
	return nil
}

func (c *Coordinator) sendError(err error) {
	if c.errCh != nil {
		c.errCh <- err
	}
}

// backupName builds the reserved backup-file name of spec §6.
func backupName(path string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%s%d-%s", path, scanner.BackupPattern, os.Getpid(), suffix)
}

// originalFromBackup strips the backup suffix, recovering the original path.
func originalFromBackup(backupPath string) (string, bool) {
	idx := strings.Index(backupPath, scanner.BackupPattern)
	if idx < 0 {
		return "", false
	}
	return backupPath[:idx], true
}

// Recover performs the startup crash-recovery scan of spec §4.5: every
// *.bd-backup-* file found under roots is resolved before any new work is
// scheduled.
func (c *Coordinator) Recover(roots []string) error {
	for _, root := range roots {
		if err := filepathWalkShallow(root, c.recoverEntry); err != nil {
			return fmt.Errorf("recovery scan %s: %w", root, err)
		}
	}
	return nil
}

func (c *Coordinator) recoverEntry(path string) error {
	if !strings.Contains(filepath.Base(path), scanner.BackupPattern) {
		return nil
	}
	original, ok := originalFromBackup(path)
	if !ok {
		return nil
	}

	backupInfo, err := os.Lstat(path)
	if err != nil {
		return nil // backup vanished concurrently; nothing to recover
	}

	if origInfo, err := os.Stat(original); err == nil && origInfo.Size() == backupInfo.Size() {
		// The replace already reached its commit point in a prior run;
		// this backup is stale evidence only.
		if err := os.Remove(path); err != nil {
			c.sendError(bderrors.Warning(fmt.Errorf("cleanup stale backup %s: %w", path, err)))
		}
		return nil
	}

	// The replace never completed: restore the original content.
	if err := os.Rename(path, original); err != nil {
		return fmt.Errorf("rollback %s -> %s: %w", path, original, err)
	}
	return nil
}

// filepathWalkShallow recursively visits every regular file under root,
// calling visit(path) for each. It does not follow symlinks into
// directories, matching the Scanner's own traversal rule.
func filepathWalkShallow(root string, visit func(path string) error) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		full := filepath.Join(root, e.Name())
		if e.IsDir() {
			if err := filepathWalkShallow(full, visit); err != nil {
				return err
			}
			continue
		}
		if !e.Type().IsRegular() {
			continue
		}
		if err := visit(full); err != nil {
			return err
		}
	}
	return nil
}

type metaSnapshot struct {
	mode    os.FileMode
	uid     uint32
	gid     uint32
	modTime time.Time
	xattrs  []types.Xattr
}

func snapshotMeta(path string) (metaSnapshot, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return metaSnapshot{}, err
	}
	st := info.Sys().(*syscall.Stat_t)

	xattrs, err := xattr.Snapshot(path)
	if err != nil {
		// xattr support varies by filesystem; treat as empty rather than
		// aborting the whole snapshot (best-effort per spec §7).
		xattrs = nil
	}

	return metaSnapshot{
		mode:    info.Mode(),
		uid:     st.Uid,
		gid:     st.Gid,
		modTime: info.ModTime(),
		xattrs:  xattrs,
	}, nil
}

// restoreMeta restores permissions, ownership, xattrs, and timestamps onto
// path (spec §4.5 step 4). Ownership and xattr failures are best-effort.
func restoreMeta(path string, snap metaSnapshot) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(os.Chmod(path, snap.mode.Perm()))
	record(os.Chown(path, int(snap.uid), int(snap.gid)))
	if len(snap.xattrs) > 0 {
		record(xattr.Restore(path, snap.xattrs))
	}
	record(os.Chtimes(path, snap.modTime, snap.modTime))

	return firstErr
}

// ParseMode converts a CLI --mode flag value.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAuto, ModeReflink, ModeHardlink:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid mode %q (want reflink, hardlink, or auto)", s)
	}
}
