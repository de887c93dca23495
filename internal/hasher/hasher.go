// Package hasher computes the two-tier content fingerprint described in
// spec §4.2: a cheap sparse-sample digest to prune within a size group, then
// a full content digest for the survivors.
//
// # Concurrency Model
//
// Grounded on the teacher's verifier worker pool: a fixed pool of workers
// consumes hash jobs from a channel, each file is hashed by exactly one
// worker, and a semaphore bounds concurrent file descriptors. Unlike the
// teacher's adaptive head/tail/chunk state machine, this package runs
// exactly the two fixed stages spec.md mandates — there is no job-resumption
// state to carry between stages, so the worker pool is a plain parallel-map
// over each stage rather than a job queue with requeueing.
package hasher

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bdstorage/bdstorage/internal/progress"
	"github.com/bdstorage/bdstorage/internal/sparsefile"
	"github.com/bdstorage/bdstorage/internal/types"
)

// Config tunes the sparse-sample stage (spec §4.2 defaults).
type Config struct {
	SparseThreshold int64 // files at or below this size skip Stage 1 entirely
	SparseWindows   int   // number of fixed windows sampled
	WindowSize      int64 // bytes per window
	Workers         int
	ShowProgress    bool
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		SparseThreshold: 4 << 20,  // 4 MiB
		SparseWindows:   4,
		WindowSize:      64 << 10, // 64 KiB
		Workers:         1,
	}
}

// Hasher computes ContentDigests for size-grouped file candidates.
type Hasher struct {
	cfg   Config
	errCh chan<- error
	sem   types.Semaphore
	bar   *progress.Bar
	stats *stats
}

type stats struct {
	hashedFiles  int64
	hashedBytes  int64
	skippedBytes int64
	mu           sync.Mutex
	startTime    time.Time
}

func (s *stats) addHashed(files int64, bytes int64) {
	s.mu.Lock()
	s.hashedFiles += files
	s.hashedBytes += bytes
	s.mu.Unlock()
}

func (s *stats) addSkipped(bytes int64) {
	s.mu.Lock()
	s.skippedBytes += bytes
	s.mu.Unlock()
}

func (s *stats) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("hashed %d files (%s), pruned %s in %.1fs",
		s.hashedFiles, humanize.IBytes(uint64(s.hashedBytes)),
		humanize.IBytes(uint64(s.skippedBytes)), time.Since(s.startTime).Seconds())
}

// New creates a Hasher.
func New(cfg Config, errCh chan<- error) *Hasher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Hasher{
		cfg:   cfg,
		errCh: errCh,
		sem:   types.NewSemaphore(cfg.Workers),
	}
}

// Run computes equivalence classes (by full ContentDigest) for every size
// group, pruning via the sparse-sample digest first when the group's file
// size is strictly above the sparse threshold.
func (h *Hasher) Run(ctx context.Context, sizeGroups map[int64][]*types.FileCandidate) []types.DigestGroup {
	h.bar = progress.New(h.cfg.ShowProgress, -1)
	h.stats = &stats{startTime: time.Now()}
	h.bar.Describe(h.stats)

	var groups []types.DigestGroup
	var mu sync.Mutex
	var wg sync.WaitGroup

	for size, files := range sizeGroups {
		subGroups := [][]*types.FileCandidate{files}
		// Boundary: a file exactly at the threshold uses Stage 2 only
		// (spec §8 Boundaries); only sizes strictly above it get Stage 1.
		if size > h.cfg.SparseThreshold {
			subGroups = h.stage1(ctx, files)
		}

		for _, sub := range subGroups {
			if len(sub) < 2 {
				continue
			}
			wg.Add(1)
			go func(sub []*types.FileCandidate) {
				defer wg.Done()
				dg := h.stage2(ctx, sub)
				mu.Lock()
				groups = append(groups, dg...)
				mu.Unlock()
			}(sub)
		}
	}
	wg.Wait()

	h.bar.Finish(h.stats)
	return groups
}

// stage1 computes the sparse-sample digest for each file and groups by it,
// dropping singleton sub-groups (spec §4.2).
func (h *Hasher) stage1(ctx context.Context, files []*types.FileCandidate) [][]*types.FileCandidate {
	type result struct {
		file   *types.FileCandidate
		digest types.Digest
		err    error
	}

	results := make(chan result, len(files))
	var wg sync.WaitGroup
	for _, f := range files {
		wg.Add(1)
		go func(f *types.FileCandidate) {
			defer wg.Done()
			h.sem.Acquire()
			defer h.sem.Release()

			select {
			case <-ctx.Done():
				results <- result{file: f, err: ctx.Err()}
				return
			default:
			}

			d, err := h.sparseDigest(f)
			results <- result{file: f, digest: d, err: err}
		}(f)
	}
	wg.Wait()
	close(results)

	byDigest := make(map[types.Digest][]*types.FileCandidate)
	for r := range results {
		if r.err != nil {
			h.sendError(fmt.Errorf("sparse hash %s: %w", r.file.Path, r.err))
			continue
		}
		byDigest[r.digest] = append(byDigest[r.digest], r.file)
	}

	out := make([][]*types.FileCandidate, 0, len(byDigest))
	for _, sub := range byDigest {
		out = append(out, sub)
	}
	return out
}

// stage2 computes the full ContentDigest for each file and groups by it,
// dropping singleton equivalence classes (spec §4.2).
func (h *Hasher) stage2(ctx context.Context, files []*types.FileCandidate) []types.DigestGroup {
	type result struct {
		file   *types.FileCandidate
		digest types.Digest
		err    error
	}

	results := make(chan result, len(files))
	var wg sync.WaitGroup
	for _, f := range files {
		wg.Add(1)
		go func(f *types.FileCandidate) {
			defer wg.Done()
			h.sem.Acquire()
			defer h.sem.Release()

			select {
			case <-ctx.Done():
				results <- result{file: f, err: ctx.Err()}
				return
			default:
			}

			d, n, err := h.contentDigest(f)
			if err == nil {
				h.stats.addHashed(1, n)
			}
			results <- result{file: f, digest: d, err: err}
		}(f)
	}
	wg.Wait()
	close(results)

	byDigest := make(map[types.Digest][]*types.FileCandidate)
	for r := range results {
		if r.err != nil {
			h.sendError(fmt.Errorf("content hash %s: %w", r.file.Path, r.err))
			continue
		}
		byDigest[r.digest] = append(byDigest[r.digest], r.file)
	}

	var groups []types.DigestGroup
	for digest, sub := range byDigest {
		if len(sub) < 2 {
			h.stats.addSkipped(sub[0].Size)
			continue
		}
		groups = append(groups, types.DigestGroup{Digest: digest, Class: types.NewEquivalenceClass(sub)})
	}
	return groups
}

// sparseDigest hashes length-prefix(size) followed by the fixed-width
// windows at the deterministic offsets chosen by windowOffsets, hole-aware. Sharing this digest within a size group implies (with
// cryptographic probability) identical content at those sampled offsets;
// Stage 2 catches the rare collision.
func (h *Hasher) sparseDigest(f *types.FileCandidate) (types.Digest, error) {
	hasher := sha256.New()

	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], uint64(f.Size))
	hasher.Write(sizeBuf[:])

	for _, off := range windowOffsets(f.Size, h.cfg.SparseWindows, h.cfg.WindowSize) {
		size := h.cfg.WindowSize
		if off+size > f.Size {
			size = f.Size - off
		}
		if _, err := sparsefile.HashRange(hasher, f.Path, off, size); err != nil {
			return types.Digest{}, err
		}
	}

	return toDigest(hasher), nil
}

// windowOffsets returns the start offsets of the first n of four fixed
// windows, in the order first, 1/3, 2/3, last (n <= 0 means all four; n > 4
// still yields at most four). Offsets are capped at the last window's start
// and de-duplicated for small files so the same byte range is never hashed
// twice within one sparseDigest call.
func windowOffsets(size int64, n int, windowSize int64) []int64 {
	if n <= 0 {
		n = 4
	}
	lastStart := size - windowSize
	if lastStart < 0 {
		lastStart = 0
	}

	raw := []int64{
		0,
		size / 3,
		(2 * size) / 3,
		lastStart,
	}
	if n < len(raw) {
		raw = raw[:n]
	}

	seen := make(map[int64]bool, len(raw))
	out := make([]int64, 0, len(raw))
	for _, off := range raw {
		if off < 0 {
			off = 0
		}
		if off > lastStart {
			off = lastStart
		}
		if !seen[off] {
			seen[off] = true
			out = append(out, off)
		}
	}
	return out
}

// contentDigest hashes the full file content, hole-aware, returning the
// digest and the number of physical (non-hole) bytes actually read.
func (h *Hasher) contentDigest(f *types.FileCandidate) (types.Digest, int64, error) {
	hasher := sha256.New()
	n, err := sparsefile.HashRange(hasher, f.Path, 0, f.Size)
	if err != nil {
		return types.Digest{}, 0, err
	}
	return toDigest(hasher), n, nil
}

func toDigest(h hash.Hash) types.Digest {
	var d types.Digest
	copy(d[:], h.Sum(nil))
	return d
}

func (h *Hasher) sendError(err error) {
	if h.errCh != nil {
		h.errCh <- err
	}
}
