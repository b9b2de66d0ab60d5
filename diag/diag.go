// Package diag provides the progname-prefixed diagnostics every jormungandr
// front-end uses for errors, usage banners and optional debug tracing.
package diag

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Exit codes shared by all three front-ends.
const (
	ExitSuccess = 0
	ExitUsage   = 64 // EX_USAGE
	ExitFailure = 1
)

// Diag is the per-invocation diagnostics sink. Every cmd/* front-end
// constructs exactly one of these before doing anything else.
type Diag struct {
	Prog  string
	RunID string

	mu     sync.Mutex
	debug  *os.File
	usage  func() string
}

// New creates a diagnostics sink for prog. debugLog, if non-empty, is opened
// (created, append) and every Debugf call is additionally timestamped into
// it, mirroring the teacher's multi-file Logger but collapsed to the single
// stream a one-shot CLI tool needs instead of a build-farm's eight logs.
func New(prog string, debugLog string) (*Diag, error) {
	d := &Diag{
		Prog:  prog,
		RunID: uuid.New().String(),
	}

	if debugLog != "" {
		if err := os.MkdirAll(filepath.Dir(debugLog), 0700); err != nil {
			return nil, fmt.Errorf("diag: creating debug log directory: %w", err)
		}
		f, err := os.OpenFile(debugLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("diag: opening debug log: %w", err)
		}
		d.debug = f
	}

	return d, nil
}

// SetUsage registers the usage-banner printer invoked by Usagef.
func (d *Diag) SetUsage(usage func() string) {
	d.usage = usage
}

// Close releases the debug log file, if any.
func (d *Diag) Close() error {
	if d.debug == nil {
		return nil
	}
	return d.debug.Close()
}

func (d *Diag) timestamp() string {
	return time.Now().Format("15:04:05")
}

// Warnf prints a non-fatal diagnostic to stderr, prefixed with the progname.
func (d *Diag) Warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s: %s\n", d.Prog, fmt.Sprintf(format, args...))
	d.logDebug("WARN", format, args...)
}

// Fatalf prints a diagnostic and returns the exit code a runtime error
// should produce. Callers do os.Exit(d.Fatalf(...)) at their top level so
// deferred cleanup still runs.
func (d *Diag) Fatalf(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "%s: %s\n", d.Prog, fmt.Sprintf(format, args...))
	d.logDebug("ERROR", format, args...)
	return ExitFailure
}

// usageError marks an error as a malformed-invocation failure (missing
// argument, bad flag, ...) rather than a runtime one, so the top-level
// dispatch in each cmd/* main knows to report it with Usagef instead of
// Fatalf.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// UsageError marks err so that IsUsageError reports true for it.
func UsageError(err error) error {
	return &usageError{err: err}
}

// IsUsageError reports whether err, or something it wraps, was marked with
// UsageError.
func IsUsageError(err error) bool {
	var ue *usageError
	return errors.As(err, &ue)
}

// Usagef prints a diagnostic followed by the usage banner and returns the
// usage exit code.
func (d *Diag) Usagef(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "%s: %s\n", d.Prog, fmt.Sprintf(format, args...))
	if d.usage != nil {
		fmt.Fprint(os.Stderr, d.usage())
	}
	d.logDebug("USAGE", format, args...)
	return ExitUsage
}

// Debugf records a trace line to the debug log, if one is configured. It is
// a no-op on stderr: debug tracing never pollutes the CLI's normal output.
func (d *Diag) Debugf(format string, args ...any) {
	d.logDebug("DEBUG", format, args...)
}

func (d *Diag) logDebug(level, format string, args ...any) {
	if d.debug == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.debug, "[%s] [%s] (%s) %s\n", d.timestamp(), level, d.RunID, fmt.Sprintf(format, args...))
	d.debug.Sync()
}
