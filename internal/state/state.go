// Package state is the durable, asynchronous index of vault entries and
// refcounts (spec §4.4). A single embedded bbolt database holds two
// buckets: entries (ContentDigest -> {vault_relpath, size, refcount,
// created_unix_s}) and inodes ((device, inode) -> ContentDigest), matching
// the on-disk schema of spec §6.
//
// All durable mutations pass through one dedicated writer goroutine; reads
// are served directly from bbolt's concurrent-reader support. Mutations are
// batched by draining the request channel up to a size bound or a short
// timer bound, committing the whole batch in one transaction — this is
// what collapses per-file fsync cost into one fsync per batch (spec §4.4).
package state

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/bdstorage/bdstorage/internal/types"
)

var (
	entriesBucket = []byte("entries")
	inodesBucket  = []byte("inodes")
)

const (
	// DefaultBatchSize is the max number of mutations committed per
	// transaction (spec §4.4 default).
	DefaultBatchSize = 512
	// DefaultBatchWindow is the max time a batch waits to fill before
	// committing anyway (spec §4.4 default).
	DefaultBatchWindow = 5 * time.Millisecond
)

// Entry mirrors one StateRecord (spec §3).
type Entry struct {
	Digest    types.Digest
	RelPath   string
	Size      int64
	Refcount  uint64
	CreatedAt time.Time
}

// mutation is one pending durable write, acknowledged via reply.
type mutation struct {
	apply func(tx *bolt.Tx) error
	reply chan error
}

// State is the durable index. Single-use per process: Open once, Close once.
type State struct {
	db          *bolt.DB
	dbPath      string
	batchSize   int
	batchWindow time.Duration

	mutCh  chan mutation
	doneCh chan struct{}
}

// Open opens (creating if absent) the state database at <dir>/imprint.db.
func Open(dir string) (*State, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(dir, "imprint.db")

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(inodesBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	s := &State{
		db:          db,
		dbPath:      path,
		batchSize:   DefaultBatchSize,
		batchWindow: DefaultBatchWindow,
		mutCh:       make(chan mutation, 4*DefaultBatchSize),
		doneCh:      make(chan struct{}),
	}
	go s.writerLoop()
	return s, nil
}

// Path returns the database file path, for the cross-filesystem check in
// the run command (spec §3: "the vault directory and the State database
// reside on the same filesystem").
func (s *State) Path() string { return s.dbPath }

// Close stops the writer and closes the database, flushing any pending
// batch first (spec §5 cancellation: "the State writer flushes its pending
// batch").
func (s *State) Close() error {
	close(s.mutCh)
	<-s.doneCh
	return s.db.Close()
}

// writerLoop is the single dedicated writer goroutine (spec §4.4).
func (s *State) writerLoop() {
	defer close(s.doneCh)

	var batch []mutation
	timer := time.NewTimer(s.batchWindow)
	if !timer.Stop() {
		<-timer.C
	}
	timerActive := false

	flush := func() {
		if len(batch) == 0 {
			return
		}
		err := s.db.Update(func(tx *bolt.Tx) error {
			for _, m := range batch {
				if err := m.apply(tx); err != nil {
					return err
				}
			}
			return nil
		})
		for _, m := range batch {
			m.reply <- err
		}
		batch = batch[:0]
	}

	for {
		if !timerActive && len(batch) > 0 {
			timer.Reset(s.batchWindow)
			timerActive = true
		}

		select {
		case m, ok := <-s.mutCh:
			if !ok {
				if timerActive && !timer.Stop() {
					<-timer.C
				}
				flush()
				return
			}
			batch = append(batch, m)
			if len(batch) >= s.batchSize {
				if timerActive && !timer.Stop() {
					<-timer.C
				}
				timerActive = false
				flush()
			}
		case <-timer.C:
			timerActive = false
			flush()
		}
	}
}

// enqueue submits a mutation and blocks until it's acknowledged.
func (s *State) enqueue(apply func(tx *bolt.Tx) error) error {
	reply := make(chan error, 1)
	s.mutCh <- mutation{apply: apply, reply: reply}
	return <-reply
}

// Lookup returns the entry for digest d, or (nil, nil) if absent. Reads
// bypass the writer and go straight to bbolt's concurrent View (spec §4.4).
func (s *State) Lookup(d types.Digest) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		v := b.Get(d[:])
		if v == nil {
			return nil
		}
		e, err := decodeEntry(d, v)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", d, err)
	}
	return entry, nil
}

// LookupInode returns the digest previously recorded for (dev, ino), or
// (zero digest, false, nil) if absent. Used for idempotent re-runs (spec
// §4.4: "a matching (device, inode) -> digest whose target vault entry
// still exists short-circuits the pipeline for that file").
func (s *State) LookupInode(key types.DevIno) (types.Digest, bool, error) {
	var d types.Digest
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(inodesBucket)
		v := b.Get(encodeDevIno(key))
		if v == nil {
			return nil
		}
		copy(d[:], v)
		found = true
		return nil
	})
	if err != nil {
		return types.Digest{}, false, fmt.Errorf("lookup inode: %w", err)
	}
	return d, found, nil
}

// CreateEntry registers a brand-new vault entry with refcount 1 (spec
// §4.5 step 2) and blocks until durably committed.
func (s *State) CreateEntry(d types.Digest, relPath string, size int64, createdAt time.Time) error {
	return s.enqueue(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		return b.Put(d[:], encodeEntry(Entry{
			Digest: d, RelPath: relPath, Size: size, Refcount: 1, CreatedAt: createdAt,
		}))
	})
}

// IncrefEntry increments the refcount for digest d by 1 and blocks until
// durably committed (spec §4.5: enqueued after a replacement's step 6).
func (s *State) IncrefEntry(d types.Digest) error {
	return s.enqueue(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		v := b.Get(d[:])
		if v == nil {
			return fmt.Errorf("incref: no entry for %s", d)
		}
		e, err := decodeEntry(d, v)
		if err != nil {
			return err
		}
		e.Refcount++
		return b.Put(d[:], encodeEntry(*e))
	})
}

// DecrefEntry decrements the refcount for digest d by 1, floored at 1: the
// vault's own canonical copy always counts as one reference, so a Release
// never drops an entry's count to zero (spec §4.3 — vault never
// garbage-collects implicitly; a separate, out-of-scope gc command would
// prune unreferenced entries later).
func (s *State) DecrefEntry(d types.Digest) error {
	return s.enqueue(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		v := b.Get(d[:])
		if v == nil {
			return fmt.Errorf("decref: no entry for %s", d)
		}
		e, err := decodeEntry(d, v)
		if err != nil {
			return err
		}
		if e.Refcount > 1 {
			e.Refcount--
		}
		return b.Put(d[:], encodeEntry(*e))
	})
}

// RecordInode links (dev, ino) to digest d, idempotent-rerun bookkeeping
// (spec §3/§4.4).
func (s *State) RecordInode(key types.DevIno, d types.Digest) error {
	return s.enqueue(func(tx *bolt.Tx) error {
		b := tx.Bucket(inodesBucket)
		return b.Put(encodeDevIno(key), d[:])
	})
}

// --- encoding: little-endian per spec §6 ---

func encodeDevIno(k types.DevIno) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], k.Dev)
	binary.LittleEndian.PutUint64(buf[8:16], k.Ino)
	return buf
}

func encodeEntry(e Entry) []byte {
	pathBytes := []byte(e.RelPath)
	buf := make([]byte, 2+len(pathBytes)+8+8+8)
	off := 0
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(pathBytes)))
	off += 2
	copy(buf[off:], pathBytes)
	off += len(pathBytes)
	binary.LittleEndian.PutUint64(buf[off:], uint64(e.Size))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], e.Refcount)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(e.CreatedAt.Unix()))
	return buf
}

func decodeEntry(d types.Digest, buf []byte) (*Entry, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("corrupt entry record (too short)")
	}
	pathLen := int(binary.LittleEndian.Uint16(buf[0:2]))
	off := 2
	if len(buf) < off+pathLen+24 {
		return nil, fmt.Errorf("corrupt entry record (length mismatch)")
	}
	relPath := string(buf[off : off+pathLen])
	off += pathLen
	size := int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	refcount := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	createdUnix := int64(binary.LittleEndian.Uint64(buf[off:]))

	return &Entry{
		Digest:    d,
		RelPath:   relPath,
		Size:      size,
		Refcount:  refcount,
		CreatedAt: time.Unix(createdUnix, 0),
	}, nil
}
