//go:build !linux

// Package reflink: non-Linux fallback. FICLONE is Linux-specific (btrfs,
// XFS, overlayfs, network filesystems with server-side copy); on every other
// platform reflink is simply unsupported and callers always fall back to a
// hardlink or byte copy.
package reflink

import (
	"errors"
	"os"
)

// ErrUnsupported is returned unconditionally on non-Linux platforms.
var ErrUnsupported = errors.New("reflink: unsupported on this platform")

// Clone always returns ErrUnsupported outside Linux.
func Clone(dst, src *os.File) error { return ErrUnsupported }

// ClonePath always returns ErrUnsupported outside Linux.
func ClonePath(dstPath, srcPath string) error { return ErrUnsupported }
