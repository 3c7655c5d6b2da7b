package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"grimm.is/geoblock/internal/fsutil"
)

// RunSnapshot saves the live ruleset to the snapshot file.
func RunSnapshot(configFile string) error {
	s, err := openSession(configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := commandContext()
	defer cancel()

	snap, err := s.mgr.Snapshot(ctx)
	if err != nil {
		return err
	}
	Printer.Printf("Snapshot %s saved to %s\n", snap.Header.ID, s.cfg.SnapshotFile)
	return nil
}

// RunRestore loads a snapshot after a dry-run validation. An empty path
// restores the configured snapshot file.
func RunRestore(configFile, path string) error {
	s, err := openSession(configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := commandContext()
	defer cancel()

	snap, err := s.mgr.Restore(ctx, path)
	if err != nil {
		return err
	}
	Printer.Printf("Restored snapshot %s from %s\n", snap.Header.ID, snap.Header.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	return nil
}

// ErrDrift is returned by diff when the live ruleset no longer matches the
// snapshot.
var ErrDrift = errors.New("live ruleset differs from snapshot")

// RunDiff shows how the live ruleset drifted from the last snapshot.
func RunDiff(configFile string) error {
	s, err := openSession(configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := commandContext()
	defer cancel()

	diff, err := s.mgr.Diff(ctx)
	if err != nil {
		return err
	}
	if diff == "" {
		Printer.Println("No differences.")
		return nil
	}
	fmt.Print(diff)
	return ErrDrift
}

// RunExport renders the compiled policy for nftables, iptables-restore or pf.
func RunExport(configFile, format, output string) error {
	s, err := openSession(configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := commandContext()
	defer cancel()

	if output == "" || output == "-" {
		return s.mgr.Export(ctx, os.Stdout, format)
	}
	var buf bytes.Buffer
	if err := s.mgr.Export(ctx, &buf, format); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(output, buf.Bytes(), 0o644); err != nil {
		return err
	}
	Printer.Printf("Wrote %s\n", output)
	return nil
}
