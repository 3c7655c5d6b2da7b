package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"grimm.is/geoblock/cmd"
	"grimm.is/geoblock/internal/brand"
	"grimm.is/geoblock/internal/i18n"
	"grimm.is/geoblock/internal/manager"
)

var printer = i18n.NewCLIPrinter()

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

// run dispatches one command and returns the process exit code. status and
// stats only report, so their failures still exit 0.
func run(argv []string, stderr io.Writer) int {
	if len(argv) < 1 {
		printUsage(stderr)
		return 1
	}

	name, args := argv[0], argv[1:]
	fs, configFile := commandFlags(name, stderr)
	// flagExit is the exit code after a failed parse; -h is not a failure.
	flagExit := 1
	parse := func() bool {
		err := fs.Parse(args)
		if errors.Is(err, flag.ErrHelp) {
			flagExit = 0
		}
		return err == nil
	}
	fail := func(what string, err error) int {
		if err == nil {
			return 0
		}
		printer.Fprintf(stderr, "%s: %v\n", what, err)
		return 1
	}
	usage := func(args string) int {
		printer.Fprintf(stderr, "usage: %s %s [-c config] %s\n", brand.BinaryName, name, args)
		return 1
	}

	switch name {
	case "status":
		quick := fs.Bool("quick", false, "Print a one-line summary")
		fs.BoolVar(quick, "q", false, "Print a one-line summary (short)")
		format := formatFlag(fs)
		if !parse() {
			return flagExit
		}
		if err := cmd.RunStatus(*configFile, *quick, *format); err != nil {
			printer.Fprintf(stderr, "Status unavailable: %v\n", err)
		}
		return 0

	case "enable":
		if !parse() {
			return flagExit
		}
		return fail("Enable failed", cmd.RunEnable(*configFile))

	case "disable":
		yes := fs.Bool("y", false, "Do not ask for confirmation")
		if !parse() {
			return flagExit
		}
		return fail("Disable failed", cmd.RunDisable(*configFile, *yes))

	case "reload":
		dryRun := fs.Bool("dry-run", false, "Fetch and compile, print the changes, apply nothing")
		fs.BoolVar(dryRun, "n", false, "Dry run (short)")
		format := formatFlag(fs)
		if !parse() {
			return flagExit
		}
		return fail("Reload failed", cmd.RunReload(*configFile, *dryRun, *format))

	case "add-whitelist", "remove-whitelist", "block-address", "unblock", "block-asn", "unblock-asn":
		dryRun := fs.Bool("dry-run", false, "Validate and report without changing anything")
		fs.BoolVar(dryRun, "n", false, "Dry run (short)")
		note := fs.String("note", "", "Note stored with the change")
		format := formatFlag(fs)
		if !parse() {
			return flagExit
		}
		if fs.NArg() < 1 {
			if name == "block-asn" || name == "unblock-asn" {
				return usage("<asn>")
			}
			return usage("<address|cidr>")
		}
		opts := manager.MutateOptions{DryRun: *dryRun, Note: *note}
		return fail(name+" failed", cmd.RunListEdit(*configFile, cmd.ListOp(name), fs.Arg(0), opts, *format))

	case "countries":
		if !parse() {
			return flagExit
		}
		if fs.NArg() < 1 {
			return usage("<list|codes|add|remove> [-dry-run] [-reload] [codes...]")
		}
		return fail("Countries failed", cmd.RunCountries(*configFile, fs.Args()))

	case "stats":
		prom := fs.Bool("prom", false, "Print Prometheus text exposition format")
		textfile := fs.String("textfile", "", "Also write metrics for the node_exporter textfile collector")
		format := formatFlag(fs)
		if !parse() {
			return flagExit
		}
		err := cmd.RunStats(*configFile, cmd.StatsOptions{Format: *format, Prometheus: *prom, Textfile: *textfile})
		if err != nil {
			printer.Fprintf(stderr, "Stats unavailable: %v\n", err)
		}
		return 0

	case "snapshot":
		if !parse() {
			return flagExit
		}
		return fail("Snapshot failed", cmd.RunSnapshot(*configFile))

	case "restore":
		if !parse() {
			return flagExit
		}
		return fail("Restore failed", cmd.RunRestore(*configFile, fs.Arg(0)))

	case "diff":
		if !parse() {
			return flagExit
		}
		return fail("Diff", cmd.RunDiff(*configFile))

	case "export":
		format := fs.String("format", "nftables", "Output format: nftables, iptables or pf")
		output := fs.String("o", "", "Write to file instead of stdout")
		if !parse() {
			return flagExit
		}
		return fail("Export failed", cmd.RunExport(*configFile, *format, *output))

	case "check":
		asn := fs.Bool("asn", false, "Look up the origin AS of the address")
		format := formatFlag(fs)
		if !parse() {
			return flagExit
		}
		if fs.NArg() < 1 {
			return usage("[-asn] <address>")
		}
		return fail("Check failed", cmd.RunCheck(*configFile, fs.Arg(0), *asn, *format))

	case "history":
		limit := fs.Int("n", 20, "Number of entries")
		format := formatFlag(fs)
		if !parse() {
			return flagExit
		}
		return fail("History failed", cmd.RunHistory(*configFile, *limit, *format))

	case "run":
		if !parse() {
			return flagExit
		}
		return fail("Daemon failed", cmd.RunDaemon(*configFile))

	case "config":
		return fail("Config", cmd.RunConfig(args))

	case "version":
		printer.Printf("%s %s\n", brand.Name, brand.Version)
		return 0

	case "help", "-h", "--help":
		printUsage(stderr)
		return 0

	default:
		printer.Fprintf(stderr, "Unknown command: %s\n\n", name)
		printUsage(stderr)
		return 1
	}
}

func commandFlags(name string, output io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	configFile := fs.String("config", brand.DefaultConfigPath(), "Configuration file")
	fs.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
	return fs, configFile
}

func formatFlag(fs *flag.FlagSet) *string {
	return fs.String("format", "text", "Output format: text, json or yaml")
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s - %s

Usage: %s <command> [options]

Filter:
  status [-quick] [-format f]       Show whether filtering is active and what it blocks
  enable                            Load the filter again after disable
  disable [-y]                      Stop filtering; the ruleset is parked
  reload [-dry-run]                 Refetch address data and apply the policy
  check [-asn] <address>            Show the verdict for an address
  stats [-prom] [-textfile path]    Show set sizes and rule counters

Runtime lists:
  add-whitelist <address|cidr>      Always accept an address
  remove-whitelist <address|cidr>   Remove a whitelist entry
  block-address <address|cidr>      Drop traffic from an address
  unblock <address|cidr>            Remove a blocked address
  block-asn <asn>                   Drop every route announced by an AS
  unblock-asn <asn>                 Remove a blocked AS
  countries list|codes|add|remove   Manage blocked countries (applies on reload)
  history [-n count]                Show recent runtime changes

Persistence:
  snapshot                          Save the live ruleset
  restore [file]                    Validate and load a saved ruleset
  diff                              Compare the live ruleset with the snapshot
  export [-format nftables|iptables|pf] [-o file]

Daemon:
  run                               Refresh feeds on schedule, serve metrics

Configuration:
  config init|check|show [path]     Manage %s

Every filter command accepts -c <config> (default %s).
List edits accept -dry-run and -note <text>.
`, brand.Name, brand.Description, brand.BinaryName, brand.ConfigFileName, brand.DefaultConfigPath())
}
