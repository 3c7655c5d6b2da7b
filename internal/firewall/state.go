//go:build linux

package firewall

import (
	"context"
	"errors"
	"fmt"
	"os"

	"grimm.is/geoblock/internal/fsutil"
)

// Disable removes the table, parking its contents so Enable can bring the
// same ruleset back. Disabling a disabled filter does nothing.
func (a *Adapter) Disable(ctx context.Context) error {
	return a.write(ctx, func(ctx context.Context) error {
		script, err := a.dump(ctx)
		if errors.Is(err, ErrNotLoaded) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fsutil.WriteFileAtomic(a.opts.ParkFile, []byte(script), 0o600); err != nil {
			return fmt.Errorf("failed to park ruleset: %w", err)
		}
		if err := a.runner.Run(ctx, "nft", "delete", "table", "inet", a.opts.Table); err != nil {
			return applyError("apply", err)
		}
		a.logger.Info("filter disabled", "parked", a.opts.ParkFile)
		return nil
	})
}

// Enable restores the ruleset parked by Disable. Enabling an enabled
// filter does nothing. Without a parked ruleset it fails with
// ErrNothingParked and the caller has to rebuild.
func (a *Adapter) Enable(ctx context.Context) error {
	return a.write(ctx, func(ctx context.Context) error {
		ok, err := a.tableExists(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		script, err := os.ReadFile(a.opts.ParkFile)
		if os.IsNotExist(err) {
			return ErrNothingParked
		}
		if err != nil {
			return fmt.Errorf("failed to read parked ruleset: %w", err)
		}
		if err := a.applier.ApplyAtomically(ctx, a.applier.BuildAtomicSwapScript(string(script))); err != nil {
			return err
		}
		if err := os.Remove(a.opts.ParkFile); err != nil && !os.IsNotExist(err) {
			a.logger.Warn("failed to remove parked ruleset", "error", err)
		}
		a.logger.Info("filter enabled")
		return nil
	})
}

// Parked reports whether Disable left a ruleset to restore.
func (a *Adapter) Parked() bool {
	_, err := os.Stat(a.opts.ParkFile)
	return err == nil
}

// DiscardParked drops the parked ruleset.
func (a *Adapter) DiscardParked() error {
	if err := os.Remove(a.opts.ParkFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CheckScript dry-runs a table script as Restore would apply it.
func (a *Adapter) CheckScript(ctx context.Context, script string) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	return a.applier.ValidateScript(ctx, a.applier.BuildAtomicSwapScript(script))
}

// Restore replaces the table with script after validating it. On any
// failure the current ruleset stays in force.
func (a *Adapter) Restore(ctx context.Context, script string) error {
	return a.write(ctx, func(ctx context.Context) error {
		if err := a.applier.ApplyAtomically(ctx, a.applier.BuildAtomicSwapScript(script)); err != nil {
			return err
		}
		a.logger.Info("ruleset restored")
		return nil
	})
}
