//go:build linux

package firewall

import (
	"context"
	"errors"
	"fmt"
)

// AtomicApplier feeds scripts to nft -f. nft runs a script as one kernel
// transaction, so a script either applies completely or not at all.
type AtomicApplier struct {
	runner CommandRunner
	table  string
}

// NewAtomicApplier creates a new atomic applier for table.
func NewAtomicApplier(runner CommandRunner, table string) *AtomicApplier {
	return &AtomicApplier{runner: runner, table: table}
}

// ValidateScript checks an nft script without applying it.
func (a *AtomicApplier) ValidateScript(ctx context.Context, script string) error {
	if err := a.runner.RunInput(ctx, script, "nft", "-c", "-f", "-"); err != nil {
		return applyError("validate", err)
	}
	return nil
}

// ApplyScript applies an nft script.
func (a *AtomicApplier) ApplyScript(ctx context.Context, script string) error {
	if err := a.runner.RunInput(ctx, script, "nft", "-f", "-"); err != nil {
		return applyError("apply", err)
	}
	return nil
}

// BuildAtomicSwapScript prefixes a table script with the removal of the
// current table, so the old ruleset is replaced in the same transaction.
func (a *AtomicApplier) BuildAtomicSwapScript(newTableScript string) string {
	sb := NewScriptBuilder(a.table, "inet")
	sb.DeleteTable()
	return sb.Build() + newTableScript
}

// ApplyAtomically validates and applies a script.
func (a *AtomicApplier) ApplyAtomically(ctx context.Context, script string) error {
	if err := a.ValidateScript(ctx, script); err != nil {
		return err
	}
	return a.ApplyScript(ctx, script)
}

func applyError(stage string, err error) error {
	ae := &ApplyError{Stage: stage, Err: err}
	var ce *CommandError
	if errors.As(err, &ce) {
		ae.Stderr = ce.Output
		ae.Err = ce.Err
	}
	if isBusy(err) {
		ae.Err = fmt.Errorf("%w: %w", ErrBusy, ae.Err)
	}
	return ae
}
