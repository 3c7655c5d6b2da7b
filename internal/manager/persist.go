package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/geoblock/internal/compiler"
	"grimm.is/geoblock/internal/firewall"
	"grimm.is/geoblock/internal/persist"
	"grimm.is/geoblock/internal/state"
)

// Snapshot saves the live ruleset to the snapshot file.
func (m *Manager) Snapshot(ctx context.Context) (*persist.Snapshot, error) {
	return m.snaps.Snapshot(ctx)
}

// Restore loads a snapshot file (the configured one when path is empty)
// after a dry run. The supervisor calls this at boot.
func (m *Manager) Restore(ctx context.Context, path string) (*persist.Snapshot, error) {
	snap, err := m.snaps.Restore(ctx, path)
	if err != nil {
		return nil, err
	}
	m.metrics.Enabled.Set(1)
	return snap, nil
}

// Diff compares the snapshot file with the live table and returns a unified
// diff, empty when they match.
func (m *Manager) Diff(ctx context.Context) (string, error) {
	var saved string
	snap, err := m.snaps.Load()
	switch {
	case err == nil:
		saved = snap.Script
	case errors.Is(err, persist.ErrNoSnapshot):
	default:
		return "", err
	}

	live, err := m.store.Dump(ctx)
	if err != nil && !errors.Is(err, firewall.ErrNotLoaded) {
		return "", err
	}

	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(saved),
		B:        difflib.SplitLines(live),
		FromFile: m.snaps.Path(),
		ToFile:   "live",
		Context:  3,
	})
}

// Export formats.
const (
	FormatNftables = "nftables"
	FormatIPTables = "iptables"
	FormatPF       = "pf"
)

// Export compiles the effective policy and writes it for another filter
// engine. Nothing is applied.
func (m *Manager) Export(ctx context.Context, w io.Writer, format string) error {
	prog, err := m.Compile(ctx)
	if err != nil {
		return err
	}
	switch strings.ToLower(format) {
	case FormatNftables, "nft", "":
		script, err := firewall.RenderProgram(prog)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, script)
		return err
	case FormatIPTables:
		return compiler.RenderIPTables(w, prog)
	case FormatPF:
		return compiler.RenderPF(w, prog)
	}
	return fmt.Errorf("unknown export format %q (want nftables, iptables or pf)", format)
}

// History returns the newest runtime policy edits first.
func (m *Manager) History(limit int) ([]state.Change, error) {
	return m.state.History(limit)
}
