//go:build linux

// Package reflink isolates the copy-on-write clone ioctl behind a narrow
// wrapper. Precondition: both src and dst must be open on the same
// filesystem; dst must be empty (freshly created, zero length) before the
// call, matching the FICLONE contract.
package reflink

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrUnsupported is returned when the filesystem or kernel does not support
// reflink cloning, or the two files live on different devices. Callers fall
// back to a hardlink or byte copy per spec §4.3/§4.5.
var ErrUnsupported = errors.New("reflink: unsupported on this filesystem")

// Clone clones the entire contents of src into dst via FICLONE.
// dst must already be open for writing and empty.
func Clone(dst, src *os.File) error {
	err := unix.IoctlFileClone(int(dst.Fd()), int(src.Fd()))
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, unix.ENOTTY),
		errors.Is(err, unix.EOPNOTSUPP),
		errors.Is(err, unix.EXDEV),
		errors.Is(err, unix.EINVAL):
		return ErrUnsupported
	default:
		return fmt.Errorf("ioctl FICLONE: %w", err)
	}
}

// ClonePath opens src and dst by path and clones src's content into dst.
// dst must already exist (e.g. created via os.OpenFile with O_CREATE) and
// be empty.
func ClonePath(dstPath, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open src: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open dst: %w", err)
	}
	defer func() { _ = dst.Close() }()

	return Clone(dst, src)
}
