package config

import (
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// GenerateHCL renders cfg as an HCL document. Fields equal to their default
// are still written so the generated file documents every knob.
func GenerateHCL(cfg *Config) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	body.SetAttributeValue("table", cty.StringVal(cfg.Table))
	body.SetAttributeValue("chain", cty.StringVal(cfg.Chain))
	body.SetAttributeValue("hook", cty.StringVal(cfg.Hook))
	body.SetAttributeValue("priority", cty.NumberIntVal(int64(cfg.Priority)))
	body.SetAttributeValue("state_dir", cty.StringVal(cfg.StateDir))
	body.SetAttributeValue("snapshot_file", cty.StringVal(cfg.SnapshotFile))
	body.SetAttributeValue("operation_timeout", cty.StringVal(cfg.OperationTimeout))
	if cfg.GeoIPDatabase != "" {
		body.SetAttributeValue("geoip_database", cty.StringVal(cfg.GeoIPDatabase))
	}
	body.SetAttributeValue("dns_resolver", cty.StringVal(cfg.DNSResolver))
	body.SetAttributeValue("refresh", cty.StringVal(cfg.Refresh))
	if cfg.MetricsListen != "" {
		body.SetAttributeValue("metrics_listen", cty.StringVal(cfg.MetricsListen))
	}
	if cfg.MetricsTextfile != "" {
		body.SetAttributeValue("metrics_textfile", cty.StringVal(cfg.MetricsTextfile))
	}
	body.SetAttributeValue("log_level", cty.StringVal(cfg.LogLevel))
	if cfg.LogJSON {
		body.SetAttributeValue("log_json", cty.True)
	}

	if p := cfg.Policy; p != nil {
		body.AppendNewline()
		pb := body.AppendNewBlock("policy", nil).Body()
		pb.SetAttributeValue("countries", stringList(p.Countries))
		pb.SetAttributeValue("whitelist", stringList(p.Whitelist))
		pb.SetAttributeValue("attackers", stringList(p.Attackers))
		pb.SetAttributeValue("asns", stringList(p.ASNs))
	}

	if fc := cfg.Feed; fc != nil {
		body.AppendNewline()
		fb := body.AppendNewBlock("feed", nil).Body()
		fb.SetAttributeValue("country_v4_url", cty.StringVal(fc.CountryV4URL))
		fb.SetAttributeValue("country_v6_url", cty.StringVal(fc.CountryV6URL))
		if fc.DisableV6 {
			fb.SetAttributeValue("disable_v6", cty.True)
		}
		fb.SetAttributeValue("whois_server", cty.StringVal(fc.WhoisServer))
		fb.SetAttributeValue("timeout", cty.StringVal(fc.Timeout))
		fb.SetAttributeValue("max_attempts", cty.NumberIntVal(int64(fc.MaxAttempts)))
		fb.SetAttributeValue("cache_dir", cty.StringVal(fc.CacheDir))
		fb.SetAttributeValue("cache_max_age", cty.StringVal(fc.CacheMaxAge))
		fb.SetAttributeValue("parallelism", cty.NumberIntVal(int64(fc.Parallelism)))
	}

	return hclwrite.Format(f.Bytes())
}

func stringList(vals []string) cty.Value {
	if len(vals) == 0 {
		return cty.ListValEmpty(cty.String)
	}
	out := make([]cty.Value, len(vals))
	for i, s := range vals {
		out[i] = cty.StringVal(s)
	}
	return cty.ListVal(out)
}
