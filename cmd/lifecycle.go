package cmd

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"grimm.is/geoblock/internal/manager"
)

// RunEnable loads the filter again after a disable.
func RunEnable(configFile string) error {
	s, err := openSession(configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := commandContext()
	defer cancel()

	if err := s.mgr.Enable(ctx); err != nil {
		return err
	}
	Printer.Printf("Filtering %s\n", paint(styleGood, "enabled"))
	return nil
}

// RunDisable stops filtering. The ruleset is parked so enable can bring it
// back without refetching.
func RunDisable(configFile string, yes bool) error {
	if !yes {
		ok, err := confirm("Disable geoblock?", "All traffic will be accepted until it is enabled again.")
		if err != nil {
			return err
		}
		if !ok {
			Printer.Println("Aborted.")
			return nil
		}
	}

	s, err := openSession(configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := commandContext()
	defer cancel()

	if err := s.mgr.Disable(ctx); err != nil {
		return err
	}
	Printer.Printf("Filtering %s\n", paint(styleWarn, "disabled"))
	return nil
}

// RunReload refetches every address source and applies the result. With
// dryRun it only prints what would change.
func RunReload(configFile string, dryRun bool, format string) error {
	s, err := openSession(configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := commandContext()
	defer cancel()

	if dryRun {
		return planReload(ctx, s, format)
	}

	res, err := s.mgr.Reload(ctx)
	if errors.Is(err, manager.ErrDisabled) {
		return errors.New("filtering is disabled; run enable first")
	}
	if err != nil {
		return err
	}
	if handled, err := writeStructured(os.Stdout, format, res); handled {
		return err
	}

	sum := res.Summary
	Printer.Printf("Reloaded (%s) in %s: %d countries, %d addresses, %d ASNs, whitelist %d\n",
		res.Mode, res.Took.Round(time.Millisecond), sum.Countries, sum.Attackers, sum.ASNs, sum.Whitelist)
	for _, c := range res.Changed {
		Printer.Printf("  %s\n", c)
	}
	return nil
}

func planReload(ctx context.Context, s *session, format string) error {
	_, plan, err := s.mgr.Plan(ctx)
	if err != nil {
		return err
	}
	changes := plan.Changed()
	out := struct {
		Rebuild bool     `json:"rebuild" yaml:"rebuild"`
		Changes []string `json:"changes" yaml:"changes"`
	}{plan.Rebuild, changes}
	if handled, err := writeStructured(os.Stdout, format, out); handled {
		return err
	}

	if plan.Empty() {
		Printer.Println("No changes.")
		return nil
	}
	if plan.Rebuild {
		Printer.Println(paint(styleWarn, "The table would be rebuilt."))
	}
	Printer.Printf("%d change(s):\n  %s\n", len(changes), strings.Join(changes, "\n  "))
	return nil
}
