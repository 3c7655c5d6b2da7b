package cmd

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"grimm.is/geoblock/internal/addrset"
	"grimm.is/geoblock/internal/compiler"
	"grimm.is/geoblock/internal/i18n"
	"grimm.is/geoblock/internal/logging"
	"grimm.is/geoblock/internal/manager"
	"grimm.is/geoblock/internal/policy"
)

// checkReport is what `check` prints.
type checkReport struct {
	manager.CheckResult `yaml:",inline"`
	Country             string          `json:"country,omitempty" yaml:"country,omitempty"`
	Origin              *addrset.Origin `json:"origin,omitempty" yaml:"origin,omitempty"`
}

// RunCheck tells whether the loaded ruleset would accept traffic from addr,
// and which rule decides.
func RunCheck(configFile, raw string, withOrigin bool, format string) error {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return fmt.Errorf("%w: %q is not an address", policy.ErrInvalidLiteral, raw)
	}
	addr = addr.Unmap()

	s, err := openSession(configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := commandContext()
	defer cancel()

	res, err := s.mgr.Check(ctx, addr)
	if err != nil {
		return err
	}
	report := checkReport{CheckResult: *res}

	if s.cfg.GeoIPDatabase != "" {
		if db, err := addrset.OpenGeoIP(s.cfg.GeoIPDatabase); err != nil {
			logging.Warn("geoip database unavailable", "path", s.cfg.GeoIPDatabase, "error", err)
		} else {
			report.Country, _ = db.Country(addr)
			db.Close()
		}
	}
	if withOrigin {
		lookup := addrset.NewOriginLookup(s.cfg.DNSResolver, s.cfg.Feed.TimeoutDuration())
		if report.Origin, err = lookup.Lookup(ctx, addr); err != nil {
			logging.Warn("origin lookup failed", "addr", addr, "error", err)
		}
	}

	if handled, err := writeStructured(os.Stdout, format, report); handled {
		return err
	}

	verdict := paint(styleGood, "ACCEPT")
	if res.Action == string(compiler.ActionDrop) {
		verdict = paint(styleBad, "DROP")
	}
	Printer.Printf("%s: %s\n", addr, verdict)
	switch {
	case !res.Active:
		Printer.Println("  filtering is inactive")
	case res.Rule == "":
		Printer.Println("  no rule matched (default accept)")
	default:
		Printer.Printf("  rule:  %s\n", res.Rule)
		Printer.Printf("  match: %s\n", res.Match)
	}
	if report.Country != "" {
		Printer.Printf("  country: %s (%s)\n", strings.ToUpper(report.Country), i18n.CountryName(report.Country))
	}
	if o := report.Origin; o != nil {
		Printer.Printf("  origin:  %s via %s (%s, %s)\n", o.ASN, o.Prefix, strings.ToUpper(o.Country), o.Registry)
	}
	return nil
}
