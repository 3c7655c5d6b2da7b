package cmd

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"grimm.is/geoblock/internal/brand"
	"grimm.is/geoblock/internal/config"
	"grimm.is/geoblock/internal/fsutil"
	"grimm.is/geoblock/internal/scheduler"
)

// RunConfig handles "config init|check|show".
func RunConfig(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: %s config <init|check|show> [path]", brand.BinaryName)
	}

	fs := flag.NewFlagSet("config "+args[0], flag.ContinueOnError)
	force := fs.Bool("force", false, "Overwrite an existing file (init)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	path := brand.DefaultConfigPath()
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}

	switch args[0] {
	case "init":
		return configInit(path, *force)
	case "check":
		return configCheck(path)
	case "show":
		cfg, err := config.LoadFile(path)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(config.GenerateHCL(cfg))
		return err
	}
	return fmt.Errorf("unknown config command: %s", args[0])
}

// configInit writes a configuration with every default spelled out.
func configInit(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, config.GenerateHCL(config.DefaultConfig()), 0o640); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	Printer.Printf("Wrote %s\n", path)
	return nil
}

// configCheck parses and validates a configuration file.
func configCheck(path string) error {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	if _, err := scheduler.Parse(cfg.Refresh); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	doc := cfg.Policy.Document()
	Printer.Printf("%s: %s\n", path, paint(styleGood, "OK"))
	Printer.Printf("  table inet %s, chain %s (hook %s)\n", cfg.Table, cfg.Chain, cfg.Hook)
	Printer.Printf("  %d countries, %d attackers, %d ASNs, %d whitelisted\n",
		len(doc.Countries), len(doc.Attackers), len(doc.ASNs), len(doc.Whitelist))
	return nil
}
