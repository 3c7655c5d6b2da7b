package firewall

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrApply is returned when a ruleset transaction is rejected. The kernel
	// state is left as it was before the transaction.
	ErrApply = errors.New("filter apply failed")

	// ErrNotFound is returned by incremental operations whose target set,
	// element or rule does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBusy is returned when another writer holds the filter lock or the
	// kernel reports the ruleset as busy.
	ErrBusy = errors.New("filter store busy")

	// ErrNotLoaded is returned by operations that need the table in place.
	ErrNotLoaded = errors.New("filter table not loaded")

	// ErrNothingParked is returned by Enable when Disable left no ruleset
	// behind.
	ErrNothingParked = errors.New("no parked ruleset")
)

// ApplyError carries the nft diagnostics of a failed transaction.
type ApplyError struct {
	Stage  string // "validate" or "apply"
	Stderr string
	Err    error
}

func (e *ApplyError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrApply, e.Stage)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ApplyError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrApply}
	}
	return []error{ErrApply, e.Err}
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
