package main

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
)

// parseSize parses a human-readable size string into bytes.
// Supports formats: "100", "1K", "1MiB", "1GB", etc.
func parseSize(s string) (int64, error) {
	bytes, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(bytes), nil
}

// validateGlobPatterns checks that all patterns are valid filepath.Match patterns.
func validateGlobPatterns(patterns []string) error {
	for _, pattern := range patterns {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// exitError carries the specific process exit code of spec §6's four
// non-zero outcomes (1 generic fatal, 2 config, 3 cross-filesystem, 130
// interrupted).
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func newExitError(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// resolveDir applies the flag > environment variable > default precedence
// of spec §6.
func resolveDir(flagVal, envVar, def string) string {
	if flagVal != "" {
		return flagVal
	}
	if v, ok := os.LookupEnv(envVar); ok && v != "" {
		return v
	}
	return def
}

func defaultVaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".imprint", "store")
}

// sameFilesystem reports whether two paths reside on the same device,
// creating each directory first if absent so both can be stat'd.
func sameFilesystem(a, b string) (bool, error) {
	if err := os.MkdirAll(a, 0o755); err != nil {
		return false, err
	}
	if err := os.MkdirAll(b, 0o755); err != nil {
		return false, err
	}
	aInfo, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bInfo, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	aStat, ok := aInfo.Sys().(*syscall.Stat_t)
	if !ok {
		return true, nil
	}
	bStat, ok := bInfo.Sys().(*syscall.Stat_t)
	if !ok {
		return true, nil
	}
	return aStat.Dev == bStat.Dev, nil
}
