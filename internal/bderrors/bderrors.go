// Package bderrors classifies errors per the four-way taxonomy of the run's
// error handling design: fatal-config, fatal-runtime, per-file-skippable,
// and best-effort warnings.
package bderrors

import "errors"

// Class identifies which of the four error kinds an error belongs to.
type Class int

const (
	// ClassFatalConfig aborts the run before any work begins.
	ClassFatalConfig Class = iota
	// ClassFatalRuntime marks a failure of the state, vault or rollback
	// machinery. The run command prints it like any other class; it does
	// not cancel the run or change the exit code.
	ClassFatalRuntime
	// ClassSkippable logs and skips one file; the run continues.
	ClassSkippable
	// ClassWarning is a best-effort failure; data is still correct.
	ClassWarning
)

// String renders the class name for log lines.
func (c Class) String() string {
	switch c {
	case ClassFatalConfig:
		return "fatal-config"
	case ClassFatalRuntime:
		return "fatal-runtime"
	case ClassSkippable:
		return "skip"
	case ClassWarning:
		return "warn"
	default:
		return "unknown"
	}
}

// classified wraps an error with its classification, so a single drain loop
// can prefix each line with the class name without re-deriving intent.
type classified struct {
	class Class
	err   error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Classify annotates err with the given class.
func Classify(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: class, err: err}
}

// ClassOf returns the class an error was annotated with, defaulting to
// ClassSkippable for unannotated errors (the common per-file case).
func ClassOf(err error) Class {
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	return ClassSkippable
}

// FatalConfig wraps err as a fatal-config error.
func FatalConfig(err error) error { return Classify(ClassFatalConfig, err) }

// FatalRuntime wraps err as a fatal-runtime error.
func FatalRuntime(err error) error { return Classify(ClassFatalRuntime, err) }

// Skippable wraps err as a per-file-skippable error.
func Skippable(err error) error { return Classify(ClassSkippable, err) }

// Warning wraps err as a best-effort warning.
func Warning(err error) error { return Classify(ClassWarning, err) }

// IsFatal reports whether err's class should abort the run.
func IsFatal(err error) bool {
	c := ClassOf(err)
	return c == ClassFatalConfig || c == ClassFatalRuntime
}
