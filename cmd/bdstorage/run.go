package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bdstorage/bdstorage/internal/bderrors"
	"github.com/bdstorage/bdstorage/internal/coordinator"
	"github.com/bdstorage/bdstorage/internal/hasher"
	"github.com/bdstorage/bdstorage/internal/scanner"
	"github.com/bdstorage/bdstorage/internal/state"
	"github.com/bdstorage/bdstorage/internal/vault"
)

// runOptions holds the CLI flags of spec §6.
type runOptions struct {
	minSizeStr          string
	sparseThresholdStr  string
	sparseWindows       int
	windowSizeStr       string
	excludes            []string
	vaultDir            string
	stateDir            string
	mode                string
	dryRun              bool
	jobs                int
	noProgress          bool
	verbose             bool
}

// newRunCmd creates the run subcommand: scan -> hash -> dedupe (spec §2).
func newRunCmd() *cobra.Command {
	opts := &runOptions{
		minSizeStr:         "1",
		sparseThresholdStr: "4MiB",
		sparseWindows:      4,
		windowSizeStr:      "64KiB",
		mode:               string(coordinator.ModeAuto),
		jobs:               runtime.NumCPU(),
	}

	cmd := &cobra.Command{
		Use:   "run [paths...]",
		Short: "Scan paths and deduplicate identical files into the vault",
		Long: `Walks the given directories, groups files by content, and replaces
duplicates with reflinks (or hardlinks as fallback) to a single canonical
copy held in the content-addressed vault.

Use --dry-run to preview the space that would be saved without changing
anything.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDedupe(cmd, args, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.minSizeStr, "min-size", "m", opts.minSizeStr, "Minimum file size to consider (e.g. 100, 1K, 10M)")
	flags.StringVar(&opts.sparseThresholdStr, "sparse-threshold", opts.sparseThresholdStr, "File size above which the sparse-sample pre-filter runs before full hashing")
	flags.IntVar(&opts.sparseWindows, "sparse-windows", opts.sparseWindows, "Number of fixed sample windows for the sparse pre-filter")
	flags.StringVar(&opts.windowSizeStr, "window-size", opts.windowSizeStr, "Size of each sparse-sample window")
	flags.StringSliceVarP(&opts.excludes, "exclude", "e", nil, "Glob patterns to exclude")
	flags.StringVar(&opts.vaultDir, "vault", "", "Vault directory (default $HOME/.imprint/store, or $BDSTORAGE_VAULT)")
	flags.StringVar(&opts.stateDir, "state", "", "State directory (default alongside vault, or $BDSTORAGE_STATE)")
	flags.StringVar(&opts.mode, "mode", opts.mode, "Replacement strategy: reflink, hardlink, or auto")
	flags.BoolVarP(&opts.dryRun, "dry-run", "n", false, "Preview changes without executing")
	flags.IntVarP(&opts.jobs, "jobs", "j", opts.jobs, "Number of parallel hashing workers")
	flags.BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Show individual file operations")

	return cmd
}

// drainErrors consumes the shared error channel and prints each error
// classified per internal/bderrors, clearing the progress bar line first.
func drainErrors(errs <-chan error) {
	for err := range errs {
		class := bderrors.ClassOf(err)
		fmt.Fprintf(os.Stderr, "\r\033[K%s: %v\n", class, err)
	}
}

func runDedupe(cmd *cobra.Command, paths []string, opts *runOptions) error {
	minSize, err := parseSize(opts.minSizeStr)
	if err != nil {
		return newExitError(2, fmt.Errorf("invalid --min-size: %w", err))
	}
	sparseThreshold, err := parseSize(opts.sparseThresholdStr)
	if err != nil {
		return newExitError(2, fmt.Errorf("invalid --sparse-threshold: %w", err))
	}
	windowSize, err := parseSize(opts.windowSizeStr)
	if err != nil {
		return newExitError(2, fmt.Errorf("invalid --window-size: %w", err))
	}
	if err := validateGlobPatterns(opts.excludes); err != nil {
		return newExitError(2, fmt.Errorf("invalid --exclude: %w", err))
	}
	mode, err := coordinator.ParseMode(opts.mode)
	if err != nil {
		return newExitError(2, err)
	}

	vaultDir := resolveDir(opts.vaultDir, "BDSTORAGE_VAULT", defaultVaultDir())
	stateDir := resolveDir(opts.stateDir, "BDSTORAGE_STATE", filepath.Join(filepath.Dir(vaultDir), "state"))

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return newExitError(2, fmt.Errorf("root %s: %w", p, err))
		}
	}

	v, err := vault.New(vaultDir)
	if err != nil {
		return newExitError(2, fmt.Errorf("open vault: %w", err))
	}

	st, err := state.Open(stateDir)
	if err != nil {
		return newExitError(2, fmt.Errorf("open state: %w", err))
	}
	defer func() { _ = st.Close() }()

	// Fatal-config: vault and state must share a filesystem (spec §3/§7),
	// otherwise an atomic rename between them could never be relied on.
	if same, err := sameFilesystem(vaultDir, filepath.Dir(st.Path())); err != nil {
		return newExitError(2, fmt.Errorf("check vault/state filesystem: %w", err))
	} else if !same {
		return newExitError(3, fmt.Errorf("vault %s and state %s are on different filesystems", vaultDir, stateDir))
	}

	// Fatal-config: every root must share the vault's filesystem, since
	// neither a reflink nor a hardlink can cross devices.
	for _, p := range paths {
		if same, err := sameFilesystem(vaultDir, p); err != nil {
			return newExitError(2, fmt.Errorf("check vault/root filesystem: %w", err))
		} else if !same {
			return newExitError(3, fmt.Errorf("vault %s and root %s are on different filesystems", vaultDir, p))
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	showProgress := !opts.noProgress
	errCh := make(chan error, 100)
	go drainErrors(errCh)
	defer close(errCh)

	coordCfg := coordinator.Config{
		Mode:         mode,
		DryRun:       opts.dryRun,
		Verbose:      opts.verbose,
		ShowProgress: showProgress,
	}
	coord := coordinator.New(v.Root(), v, st, coordCfg, errCh)

	// Crash recovery: resolve any leftover *.bd-backup-* files from a
	// previous run before scheduling new work (spec §4.5).
	if err := coord.Recover(paths); err != nil {
		return newExitError(1, fmt.Errorf("recovery scan: %w", err))
	}

	scanCfg := scanner.Config{
		MinSize:      minSize,
		Excludes:     opts.excludes,
		VaultDir:     vaultDir,
		StateDir:     stateDir,
		Workers:      opts.jobs,
		ShowProgress: showProgress,
	}
	sizeGroups, err := scanner.New(paths, scanCfg, errCh).Run(ctx)
	if err != nil {
		return newExitError(1, fmt.Errorf("scan: %w", err))
	}

	sizeGroups = coord.SkipAlreadyDeduped(sizeGroups)
	if len(sizeGroups) == 0 {
		return checkInterrupted(ctx)
	}

	hashCfg := hasher.Config{
		SparseThreshold: sparseThreshold,
		SparseWindows:   opts.sparseWindows,
		WindowSize:      windowSize,
		Workers:         opts.jobs,
		ShowProgress:    showProgress,
	}
	groups := hasher.New(hashCfg, errCh).Run(ctx, sizeGroups)
	if len(groups) == 0 {
		return checkInterrupted(ctx)
	}

	coord.Run(ctx, groups)

	return checkInterrupted(ctx)
}

func checkInterrupted(ctx context.Context) error {
	if ctx.Err() != nil {
		return newExitError(130, ctx.Err())
	}
	return nil
}
