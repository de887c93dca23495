// Package scanner walks root directories and groups regular files by exact
// byte size for the hasher stage.
//
// # Architecture Overview
//
// The scanner uses the same concurrent fan-out/fan-in architecture as the
// teacher it's grounded on: one walker goroutine per directory, bounded by a
// semaphore, feeding a single collector goroutine over a buffered channel.
//
// # Concurrency Model
//
//  1. WALKER GOROUTINES (fan-out) — one per directory, semaphore-limited.
//  2. COLLECTOR GOROUTINE (fan-in) — single consumer, groups by size.
//  3. MAIN GOROUTINE (orchestrator) — spawns initial walkers, waits, returns.
//
// Size-bucketing (which the teacher does in a separate screener stage) is
// folded directly into the collector here, since this spec treats grouping
// as part of the Scanner's own responsibility (spec §4.1).
package scanner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bdstorage/bdstorage/internal/progress"
	"github.com/bdstorage/bdstorage/internal/types"
)

// BackupPattern is the reserved glob fragment for in-flight replace backups
// (spec §6); any entry whose base name contains it is never scanned as user
// data — it is instead handled by the coordinator's startup recovery pass.
const BackupPattern = ".bd-backup-"

// Scanner discovers regular files under one or more roots and groups them by
// size. Single-use: create with New, call Run once.
type Scanner struct {
	paths        []string
	minSize      int64
	excludes     []string
	vaultDir     string
	stateDir     string
	workers      int
	showProgress bool
	errCh        chan<- error

	walkerWg  sync.WaitGroup
	walkerSem types.Semaphore
	resultCh  chan *types.FileCandidate
	stats     *stats
	bar       *progress.Bar
}

// Config bundles the exclusion parameters that don't vary per scan.
type Config struct {
	MinSize      int64
	Excludes     []string
	VaultDir     string // made absolute by New; entries under this dir are never scanned
	StateDir     string // made absolute by New; entries under this dir are never scanned
	Workers      int
	ShowProgress bool
}

// New creates a Scanner for the given root paths.
func New(paths []string, cfg Config, errCh chan<- error) *Scanner {
	return &Scanner{
		paths:        paths,
		minSize:      cfg.MinSize,
		excludes:     cfg.Excludes,
		vaultDir:     cleanDir(cfg.VaultDir),
		stateDir:     cleanDir(cfg.StateDir),
		workers:      cfg.Workers,
		showProgress: cfg.ShowProgress,
		errCh:        errCh,
	}
}

func cleanDir(p string) string {
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

type stats struct {
	scannedFiles atomic.Int64
	matchedFiles atomic.Int64
	scannedBytes atomic.Int64
	matchedBytes atomic.Int64
	startTime    time.Time
}

func (s *stats) String() string {
	return fmt.Sprintf("scanned %d (%s), matched %d files (%s) in %.1fs",
		s.scannedFiles.Load(), humanize.IBytes(uint64(s.scannedBytes.Load())),
		s.matchedFiles.Load(), humanize.IBytes(uint64(s.matchedBytes.Load())),
		time.Since(s.startTime).Seconds())
}

// Run walks all roots and returns files grouped by exact size, with
// single-member groups already dropped (spec §4.1: "Single-member buckets
// are dropped").
func (s *Scanner) Run(ctx context.Context) (map[int64][]*types.FileCandidate, error) {
	s.walkerSem = types.NewSemaphore(s.workers)
	s.bar = progress.New(s.showProgress, -1)
	s.stats = &stats{startTime: time.Now()}
	s.bar.Describe(s.stats)
	s.resultCh = make(chan *types.FileCandidate, 1000)

	bySize := make(map[int64][]*types.FileCandidate)
	collectorWg := sync.WaitGroup{}
	collectorWg.Add(1)
	go func() {
		defer collectorWg.Done()
		for f := range s.resultCh {
			bySize[f.Size] = append(bySize[f.Size], f)
		}
	}()

	for _, p := range s.paths {
		absPath, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve root %s: %w", p, err)
		}
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("open root %s: %w", p, err)
		}
		s.walkDirectory(ctx, absPath)
	}

	s.walkerWg.Wait()
	close(s.resultCh)
	collectorWg.Wait()

	s.bar.Finish(s.stats)

	for size, files := range bySize {
		if len(files) < 2 {
			delete(bySize, size)
		}
	}
	return bySize, nil
}

func (s *Scanner) walkDirectory(ctx context.Context, dir string) {
	s.walkerWg.Add(1)
	go func() {
		defer s.walkerWg.Done()

		select {
		case <-ctx.Done():
			return
		default:
		}

		s.walkerSem.Acquire()
		files, subdirs, err := s.listDirectory(dir)
		s.walkerSem.Release()
		if err != nil {
			s.sendError(fmt.Errorf("list %s: %w", dir, err))
			return
		}

		for _, f := range files {
			s.stats.scannedFiles.Add(1)
			s.stats.scannedBytes.Add(f.Size)
			if f.Size >= s.minSize {
				select {
				case s.resultCh <- f:
					s.stats.matchedFiles.Add(1)
					s.stats.matchedBytes.Add(f.Size)
				case <-ctx.Done():
					return
				}
			}
		}
		s.bar.Describe(s.stats)

		for _, sub := range subdirs {
			s.walkDirectory(ctx, sub)
		}
	}()
}

func (s *Scanner) listDirectory(dirPath string) (files []*types.FileCandidate, subdirs []string, err error) {
	dir, err := os.Open(dirPath)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = dir.Close() }()

	const batchSize = 1000
	for {
		entries, err := dir.ReadDir(batchSize)
		if len(entries) == 0 {
			if err != nil && err != io.EOF {
				return files, subdirs, err
			}
			break
		}

		for _, entry := range entries {
			f, sub := s.processEntry(dirPath, entry)
			if f != nil {
				files = append(files, f)
			}
			if sub != "" {
				subdirs = append(subdirs, sub)
			}
		}
	}

	return files, subdirs, nil
}

func (s *Scanner) processEntry(dirPath string, entry os.DirEntry) (file *types.FileCandidate, subdir string) {
	fullPath := filepath.Join(dirPath, entry.Name())

	if s.isExcludedDir(fullPath) {
		return nil, ""
	}

	if entry.IsDir() {
		return nil, fullPath
	}

	if !entry.Type().IsRegular() {
		return nil, "" // symlinks, devices, sockets: never followed or emitted
	}

	if strings.Contains(entry.Name(), BackupPattern) {
		return nil, "" // reserved name; handled by coordinator recovery, not scan
	}

	info, err := entry.Info()
	if err != nil {
		return nil, ""
	}

	return newFileCandidate(fullPath, info), ""
}

// isExcludedDir reports whether fullPath is the vault dir, the state dir, or
// matches a user exclude glob, or lies under the vault/state dir.
func (s *Scanner) isExcludedDir(fullPath string) bool {
	if s.vaultDir != "" && withinDir(fullPath, s.vaultDir) {
		return true
	}
	if s.stateDir != "" && withinDir(fullPath, s.stateDir) {
		return true
	}
	if len(s.excludes) == 0 {
		return false
	}
	base := filepath.Base(fullPath)
	for _, pattern := range s.excludes {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

func withinDir(path, dir string) bool {
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}

func (s *Scanner) sendError(err error) {
	if s.errCh != nil {
		s.errCh <- err
	}
}

func newFileCandidate(path string, info os.FileInfo) *types.FileCandidate {
	stat := info.Sys().(*syscall.Stat_t)
	return &types.FileCandidate{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Mode:    uint32(info.Mode().Perm()),
		Dev:     uint64(stat.Dev), //nolint:unconvert // platform-dependent type
		Ino:     stat.Ino,
		UID:     stat.Uid,
		GID:     stat.Gid,
	}
}
