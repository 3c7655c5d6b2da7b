package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"grimm.is/geoblock/internal/compiler"
	"grimm.is/geoblock/internal/i18n"
	"grimm.is/geoblock/internal/manager"
)

// RunStatus prints whether filtering is active and what it enforces.
// Status never fails because the filter is down; only an unreadable ruleset
// is an error.
func RunStatus(configFile string, quick bool, format string) error {
	s, err := openSession(configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := commandContext()
	defer cancel()

	st, err := s.mgr.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to read ruleset: %w", err)
	}
	if quick {
		Printer.Println(st.Quick())
		return nil
	}
	if handled, err := writeStructured(os.Stdout, format, st); handled {
		return err
	}
	printStatus(st)
	return nil
}

func printStatus(st *manager.Status) {
	Printer.Println(paint(styleTitle, "=== Geoblock Status ==="))
	switch {
	case st.Active:
		Printer.Printf("Status:    %s\n", paint(styleGood, "ACTIVE"))
	case st.Parked:
		Printer.Printf("Status:    %s (disabled, ruleset parked)\n", paint(styleBad, "INACTIVE"))
	default:
		Printer.Printf("Status:    %s\n", paint(styleBad, "INACTIVE"))
	}
	Printer.Printf("Table:     inet %s\n", st.Table)
	if st.Snapshot != nil {
		Printer.Printf("Snapshot:  %s (%s)\n", st.Snapshot.CreatedAt.Local().Format("2006-01-02 15:04:05"), st.Snapshot.ID)
	}
	if !st.Active {
		return
	}

	sum := st.Summary
	Printer.Printf("Blocking:  %d countries, %d addresses, %d ASNs\n", sum.Countries, sum.Attackers, sum.ASNs)
	Printer.Printf("Whitelist: %d addresses\n", sum.Whitelist)
	Printer.Printf("Rules:     %d rules over %d sets (%d ranges)\n", sum.Rules, sum.Sets, sum.Elements)
	Printer.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SET\tACTION\tRANGES\tDESCRIPTION")
	for _, set := range st.Sets {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", set.Name, set.Action, set.Elements, describeSet(set.Tag))
	}
	w.Flush()

	for _, set := range st.Sets {
		if len(set.Literals) == 0 {
			continue
		}
		Printer.Printf("\n%s:\n", paint(styleTitle, set.Tag))
		for _, l := range set.Literals {
			Printer.Printf("  %s\n", l)
		}
	}
}

// describeSet names what a set holds: the country for country sets, the
// AS number for AS sets.
func describeSet(raw string) string {
	tag, err := compiler.ParseTag(raw)
	if err != nil {
		return ""
	}
	switch tag.Kind {
	case compiler.KindCountry:
		return i18n.CountryName(tag.Key)
	case compiler.KindASN:
		return "AS" + tag.Key
	case compiler.KindWhitelist:
		return "always accepted"
	case compiler.KindAttackers:
		return "blocked addresses"
	}
	return ""
}
