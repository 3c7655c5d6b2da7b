package cmd

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"grimm.is/geoblock/internal/brand"
	"grimm.is/geoblock/internal/i18n"
	"grimm.is/geoblock/internal/manager"
)

// RunCountries handles "countries list|codes|add|remove". Country edits are
// recorded immediately and fetched by the next reload.
func RunCountries(configFile string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: %s countries <list|codes|add|remove> [codes...]", brand.BinaryName)
	}

	fs := flag.NewFlagSet("countries "+args[0], flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "Validate the codes without recording them")
	note := fs.String("note", "", "Note stored with the change")
	reload := fs.Bool("reload", false, "Reload immediately after the change")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	s, err := openSession(configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	opts := manager.MutateOptions{DryRun: *dryRun, Note: *note}
	var changed []string
	switch args[0] {
	case "list":
		return listCountries(s)
	case "codes":
		ccs, err := s.mgr.Countries()
		if err != nil {
			return err
		}
		for _, cc := range ccs {
			fmt.Println(cc)
		}
		return nil
	case "add":
		if fs.NArg() == 0 {
			return fmt.Errorf("usage: %s countries add <code>...", brand.BinaryName)
		}
		changed, err = s.mgr.AddCountries(fs.Args(), opts)
	case "remove":
		if fs.NArg() == 0 {
			return fmt.Errorf("usage: %s countries remove <code>...", brand.BinaryName)
		}
		changed, err = s.mgr.RemoveCountries(fs.Args(), opts)
	default:
		return fmt.Errorf("unknown countries command: %s", args[0])
	}
	if err != nil {
		return err
	}

	names := make([]string, len(changed))
	for i, cc := range changed {
		names[i] = fmt.Sprintf("%s (%s)", strings.ToUpper(cc), i18n.CountryName(cc))
	}
	switch {
	case *dryRun:
		Printer.Printf("Would %s: %s\n", args[0], strings.Join(names, ", "))
		return nil
	case args[0] == "add":
		Printer.Printf("Blocking %s\n", strings.Join(names, ", "))
	default:
		Printer.Printf("No longer blocking %s\n", strings.Join(names, ", "))
	}

	if !*reload {
		Printer.Println(paint(styleMuted, "Run reload to apply."))
		return nil
	}
	ctx, cancel := commandContext()
	defer cancel()
	res, err := s.mgr.Reload(ctx)
	if err != nil {
		return err
	}
	Printer.Printf("Reloaded (%s)\n", res.Mode)
	return nil
}

func listCountries(s *session) error {
	ccs, err := s.mgr.Countries()
	if err != nil {
		return err
	}
	if len(ccs) == 0 {
		Printer.Println("No countries blocked.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tCOUNTRY")
	for _, cc := range ccs {
		fmt.Fprintf(w, "%s\t%s\n", strings.ToUpper(cc), i18n.CountryName(cc))
	}
	return w.Flush()
}
