//go:build !linux

// Package sparsefile: non-Linux fallback using a plain sequential read.
// SEEK_DATA/SEEK_HOLE is a Linux (and some BSD) extension; elsewhere every
// byte is read physically and the result is still byte-identical to the
// Linux hole-aware path since a "hole" is just a run of zero bytes either
// way.
package sparsefile

import (
	"fmt"
	"hash"
	"io"
	"os"
)

const blockSize = 64 * 1024

// HashRange hashes [start, start+size) of path by physically reading every
// byte (no hole detection available on this platform).
func HashRange(h hash.Hash, path string, start, size int64) (physicalBytesRead int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek: %w", err)
	}

	buf := make([]byte, blockSize)
	n, err := io.CopyBuffer(h, io.LimitReader(f, size), buf)
	if err != nil {
		return n, fmt.Errorf("read: %w", err)
	}
	return n, nil
}
