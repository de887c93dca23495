//go:build unix

// Package xattr snapshots and restores a file's extended attribute set.
//
// Preconditions: the path passed to each function must name a regular file
// the caller has permission to read (Snapshot) or write (Restore). Platform
// errno values are converted to plain errors; callers classify them with
// internal/bderrors (xattr failures are best-effort per spec §4.5/§7).
package xattr

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/bdstorage/bdstorage/internal/types"
)

// listSizeGuess is the initial buffer size for Listxattr and Getxattr;
// grown on ERANGE.
const listSizeGuess = 4096

// Snapshot reads the full extended attribute set of path.
func Snapshot(path string) ([]types.Xattr, error) {
	names, err := listNames(path)
	if err != nil {
		return nil, fmt.Errorf("listxattr %s: %w", path, err)
	}

	out := make([]types.Xattr, 0, len(names))
	for _, name := range names {
		val, err := getValue(path, name)
		if err != nil {
			return nil, fmt.Errorf("getxattr %s %s: %w", path, name, err)
		}
		out = append(out, types.Xattr{Name: name, Value: val})
	}
	return out, nil
}

// Restore applies xattrs onto path in order and stops at the first failure,
// which it returns; earlier entries remain applied and later ones are not
// attempted (metadata restore failures log warnings but do not roll back).
func Restore(path string, xattrs []types.Xattr) error {
	for _, x := range xattrs {
		if err := unix.Setxattr(path, x.Name, x.Value, 0); err != nil {
			return fmt.Errorf("setxattr %s %s: %w", path, x.Name, err)
		}
	}
	return nil
}

func listNames(path string) ([]string, error) {
	buf := make([]byte, listSizeGuess)
	for {
		n, err := unix.Listxattr(path, buf)
		if err == unix.ERANGE {
			buf = make([]byte, len(buf)*2)
			continue
		}
		if err != nil {
			return nil, err
		}
		return splitNames(buf[:n]), nil
	}
}

func splitNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}

func getValue(path, name string) ([]byte, error) {
	buf := make([]byte, listSizeGuess)
	for {
		n, err := unix.Getxattr(path, name, buf)
		if err == unix.ERANGE {
			buf = make([]byte, len(buf)*2)
			continue
		}
		if err != nil {
			return nil, err
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		return out, nil
	}
}
