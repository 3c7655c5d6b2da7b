package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"grimm.is/geoblock/internal/metrics"
)

// StatsOptions selects how stats are reported.
type StatsOptions struct {
	Format string
	// Prometheus writes the metrics registry in text exposition format.
	Prometheus bool
	// Textfile writes the registry for the node_exporter textfile collector.
	Textfile string
}

// RunStats prints set sizes and per-rule counters.
func RunStats(configFile string, opts StatsOptions) error {
	s, err := openSession(configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := commandContext()
	defer cancel()

	st, err := s.mgr.Stats(ctx)
	if err != nil {
		return err
	}

	if opts.Textfile != "" {
		if err := metrics.Get().WriteTextfile(opts.Textfile); err != nil {
			return fmt.Errorf("failed to write textfile: %w", err)
		}
	}
	if opts.Prometheus {
		return metrics.Get().WriteText(os.Stdout)
	}
	if handled, err := writeStructured(os.Stdout, opts.Format, st); handled {
		return err
	}

	if !st.Active {
		Printer.Println("Filtering is inactive.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "SET\tACTION\tRANGES\tPACKETS\tBYTES\t")
	for _, row := range st.Sets {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t\n",
			row.Set, row.Action, row.Elements, humanize.Comma(int64(row.Packets)), humanize.Bytes(row.Bytes))
	}
	return w.Flush()
}
