//go:build linux

// Package sparsefile reads sparse files hole-aware: unallocated regions are
// fed to the caller as implicit zero bytes without a physical read, using
// the SEEK_DATA/SEEK_HOLE extent-mapping primitive. This must produce the
// same byte stream a naive full read would produce (spec §4.2) — the
// optimization is invisible to the caller's hash.
package sparsefile

import (
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// blockSize is the read buffer size for data extents.
const blockSize = 64 * 1024

// HashRange hashes the byte range [start, start+size) of the file at path,
// treating holes as zero bytes, and writes the bytes read into h. It
// returns the number of real (non-hole) bytes physically read from disk —
// used by callers to report I/O savings.
func HashRange(h hash.Hash, path string, start, size int64) (physicalBytesRead int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	end := start + size
	buf := make([]byte, blockSize)
	pos := start

	for pos < end {
		dataStart, holeStart, eof := nextExtent(f, pos, end)
		if eof {
			// Remainder of the requested range lies past EOF; treat the
			// tail of a sparse file's final hole as zeros, consistent
			// with how SEEK_HOLE reports the implicit hole to EOF.
			if err := hashZeros(h, end-pos); err != nil {
				return 0, err
			}
			break
		}

		if dataStart > pos {
			// [pos, dataStart) is a hole.
			holeLen := dataStart - pos
			if err := hashZeros(h, holeLen); err != nil {
				return 0, err
			}
			pos = dataStart
		}

		// [pos, holeStart) is data (holeStart may be capped at end).
		dataEnd := holeStart
		if dataEnd > end {
			dataEnd = end
		}
		n, err := hashData(h, f, buf, pos, dataEnd)
		if err != nil {
			return physicalBytesRead, err
		}
		physicalBytesRead += n
		pos = dataEnd
	}

	return physicalBytesRead, nil
}

// nextExtent finds the next data extent at or after pos, bounded by limit.
// Returns the start of the next data region (dataStart), the start of the
// following hole (holeStart), and eof=true if no data starts before limit:
// pos is at or past the logical end of file (SEEK_DATA returns ENXIO), or
// the next data region starts at or past limit.
func nextExtent(f *os.File, pos, limit int64) (dataStart, holeStart int64, eof bool) {
	ds, err := unix.Seek(int(f.Fd()), pos, unix.SEEK_DATA)
	if err != nil {
		if errors.Is(err, unix.ENXIO) {
			return 0, 0, true
		}
		// Filesystem doesn't support SEEK_DATA (e.g. tmpfs on some
		// kernels): treat the whole remaining range as data.
		return pos, limit, false
	}
	if ds >= limit {
		return 0, 0, true
	}

	hs, err := unix.Seek(int(f.Fd()), ds, unix.SEEK_HOLE)
	if err != nil {
		return ds, limit, false
	}
	return ds, hs, false
}

func hashZeros(h hash.Hash, n int64) error {
	if n <= 0 {
		return nil
	}
	zero := make([]byte, min64(n, blockSize))
	for n > 0 {
		chunk := min64(n, int64(len(zero)))
		if _, err := h.Write(zero[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func hashData(h hash.Hash, f *os.File, buf []byte, start, end int64) (int64, error) {
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek: %w", err)
	}
	n, err := io.CopyBuffer(h, io.LimitReader(f, end-start), buf)
	if err != nil {
		return n, fmt.Errorf("read: %w", err)
	}
	return n, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
