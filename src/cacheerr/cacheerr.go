// Package cacheerr defines the typed error kinds used throughout the cache.
//
// The cache never panics or swallows an error; every recoverable failure is
// returned as one of the kinds below so callers can decide how to degrade
// (fall back to a fresh build, skip a save, fail the module) without
// inspecting error strings.
package cacheerr

import (
	"errors"
	"fmt"
)

// Kind identifies which of the cache's failure modes an Error represents.
type Kind int

const (
	// None is the catch-all zero value; it is never produced by this package.
	None Kind = iota
	// Configuration indicates invalid or unsupported configuration, e.g. an
	// unknown hash algorithm or a malformed execution-control rule. Fatal at
	// initialize time.
	Configuration
	// InputIO indicates a module's inputs could not be read. Degrades the
	// module to miss-and-force-execute.
	InputIO
	// Integrity indicates an on-disk digest mismatch while restoring an
	// artifact. Fatal; the offending record is deleted.
	Integrity
	// StoreIO indicates a transport or filesystem failure in a BlobStore.
	// Reads degrade to "absent"; writes degrade to save-skipped.
	StoreIO
	// Reconciliation indicates a tracked property differs from the baseline.
	// Fails the module only when failFast is configured.
	Reconciliation
	// CacheDisabled is signalled once at initialize when caching is turned
	// off; every other operation becomes a no-op afterwards.
	CacheDisabled
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case InputIO:
		return "input-io"
	case Integrity:
		return "integrity"
	case StoreIO:
		return "store-io"
	case Reconciliation:
		return "reconciliation"
	case CacheDisabled:
		return "cache-disabled"
	default:
		return "unknown"
	}
}

// Error wraps an underlying failure with the Kind of cache behaviour it
// should trigger, plus whatever context is useful for a log line.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "hash", "find", "save".
	Op string
	// Path is the file or store path involved, if any.
	Path string
	// Err is the underlying cause. May be nil for CacheDisabled.
	Err error
}

func (e *Error) Error() string {
	if e.Path != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s (%s): %s", e.Kind, e.Op, e.Path, e.Err)
	} else if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two Errors by Kind, so errors.Is can compare against a
// kind-only sentinel like New(Integrity, "", "", nil).
func (e *Error) Is(target error) bool {
	if other, ok := target.(*Error); ok {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs an Error of the given kind.
func New(kind Kind, op string, path string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: cause}
}

// ConfigurationError constructs a Configuration error.
func ConfigurationError(op string, cause error) *Error {
	return New(Configuration, op, "", cause)
}

// InputIOError constructs an InputIO error for the given path.
func InputIOError(path string, cause error) *Error {
	return New(InputIO, "scan", path, cause)
}

// IntegrityError constructs an Integrity error for the given path.
func IntegrityError(path string, cause error) *Error {
	return New(Integrity, "restore", path, cause)
}

// StoreIOError constructs a StoreIO error for the given op and path.
func StoreIOError(op, path string, cause error) *Error {
	return New(StoreIO, op, path, cause)
}

// ReconciliationError constructs a Reconciliation error carrying a description.
func ReconciliationError(description string) *Error {
	return New(Reconciliation, "reconcile", "", errors.New(description))
}

// Disabled constructs the single CacheDisabled sentinel error.
func Disabled() *Error {
	return New(CacheDisabled, "initialize", "", nil)
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return None, false
}
