// Package config loads the geoblock HCL configuration.
//
// A minimal file only needs a policy block:
//
//	policy {
//	  countries = ["ro", "ru"]
//	  whitelist = ["10.0.0.5/32"]
//	}
//
// Every other setting has a default; see DefaultConfig.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"grimm.is/geoblock/internal/brand"
	"grimm.is/geoblock/internal/logging"
	"grimm.is/geoblock/internal/policy"
)

const (
	DefaultCountryV4URL = "https://www.ipdeny.com/ipblocks/data/aggregated/%s-aggregated.zone"
	DefaultCountryV6URL = "https://www.ipdeny.com/ipv6/ipaddresses/aggregated/%s-aggregated.zone"
	DefaultWhoisServer  = "whois.radb.net:43"
	DefaultResolver     = "1.1.1.1:53"
)

// Config is the root of geoblock.hcl.
type Config struct {
	// Table is the nftables inet table owned by geoblock.
	Table string `hcl:"table,optional" json:"table,omitempty"`
	// Chain is the base chain holding the ordered rules.
	Chain string `hcl:"chain,optional" json:"chain,omitempty"`
	// Hook is the netfilter hook of the base chain: input, forward or prerouting.
	Hook     string `hcl:"hook,optional" json:"hook,omitempty"`
	Priority int    `hcl:"priority,optional" json:"priority,omitempty"`

	StateDir     string `hcl:"state_dir,optional" json:"state_dir,omitempty"`
	SnapshotFile string `hcl:"snapshot_file,optional" json:"snapshot_file,omitempty"`
	// OperationTimeout bounds every filter store operation ("10s").
	OperationTimeout string `hcl:"operation_timeout,optional" json:"operation_timeout,omitempty"`

	// GeoIPDatabase is an optional MaxMind/DB-IP country database used by `check`.
	GeoIPDatabase string `hcl:"geoip_database,optional" json:"geoip_database,omitempty"`
	// DNSResolver answers origin-AS lookups for `check --asn`.
	DNSResolver string `hcl:"dns_resolver,optional" json:"dns_resolver,omitempty"`

	// Refresh is how often `run` refetches the feeds: a duration ("24h") or
	// a cron expression ("30 3 * * *").
	Refresh string `hcl:"refresh,optional" json:"refresh,omitempty"`
	// MetricsListen serves /metrics from `run` when set ("127.0.0.1:9469").
	MetricsListen string `hcl:"metrics_listen,optional" json:"metrics_listen,omitempty"`
	// MetricsTextfile is rewritten every minute by `run` for node_exporter.
	MetricsTextfile string `hcl:"metrics_textfile,optional" json:"metrics_textfile,omitempty"`

	LogLevel string `hcl:"log_level,optional" json:"log_level,omitempty"`
	LogJSON  bool   `hcl:"log_json,optional" json:"log_json,omitempty"`

	Policy *PolicyConfig `hcl:"policy,block" json:"policy,omitempty"`
	Feed   *FeedConfig   `hcl:"feed,block" json:"feed,omitempty"`
}

// PolicyConfig is the declarative base policy. Runtime additions made with
// add-whitelist or block-address are layered on top of it.
type PolicyConfig struct {
	Countries []string `hcl:"countries,optional" json:"countries,omitempty"`
	Whitelist []string `hcl:"whitelist,optional" json:"whitelist,omitempty"`
	Attackers []string `hcl:"attackers,optional" json:"attackers,omitempty"`
	ASNs      []string `hcl:"asns,optional" json:"asns,omitempty"`
}

// FeedConfig controls where address ranges come from and how they are cached.
type FeedConfig struct {
	// CountryV4URL and CountryV6URL are format strings taking the lower-case country code.
	CountryV4URL string `hcl:"country_v4_url,optional" json:"country_v4_url,omitempty"`
	CountryV6URL string `hcl:"country_v6_url,optional" json:"country_v6_url,omitempty"`
	// DisableV6 skips IPv6 country ranges.
	DisableV6   bool   `hcl:"disable_v6,optional" json:"disable_v6,omitempty"`
	WhoisServer string `hcl:"whois_server,optional" json:"whois_server,omitempty"`
	Timeout     string `hcl:"timeout,optional" json:"timeout,omitempty"`
	MaxAttempts int    `hcl:"max_attempts,optional" json:"max_attempts,omitempty"`
	CacheDir    string `hcl:"cache_dir,optional" json:"cache_dir,omitempty"`
	CacheMaxAge string `hcl:"cache_max_age,optional" json:"cache_max_age,omitempty"`
	Parallelism int    `hcl:"parallelism,optional" json:"parallelism,omitempty"`
}

// DefaultConfig returns a configuration with every default filled in and an
// empty policy.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Table == "" {
		c.Table = brand.TableName
	}
	if c.Chain == "" {
		c.Chain = "filter"
	}
	if c.Hook == "" {
		c.Hook = "input"
	}
	if c.StateDir == "" {
		c.StateDir = brand.GetStateDir()
	}
	if c.SnapshotFile == "" {
		c.SnapshotFile = filepath.Join(c.StateDir, "ruleset.nft")
	}
	if c.OperationTimeout == "" {
		c.OperationTimeout = "10s"
	}
	if c.DNSResolver == "" {
		c.DNSResolver = DefaultResolver
	}
	if c.Refresh == "" {
		c.Refresh = "24h"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Policy == nil {
		c.Policy = &PolicyConfig{}
	}
	if c.Feed == nil {
		c.Feed = &FeedConfig{}
	}

	f := c.Feed
	if f.CountryV4URL == "" {
		f.CountryV4URL = DefaultCountryV4URL
	}
	if f.CountryV6URL == "" {
		f.CountryV6URL = DefaultCountryV6URL
	}
	if f.WhoisServer == "" {
		f.WhoisServer = DefaultWhoisServer
	}
	if f.Timeout == "" {
		f.Timeout = "30s"
	}
	if f.MaxAttempts == 0 {
		f.MaxAttempts = 3
	}
	if f.CacheDir == "" {
		f.CacheDir = filepath.Join(c.StateDir, "cache")
	}
	if f.CacheMaxAge == "" {
		f.CacheMaxAge = "24h"
	}
	if f.Parallelism == 0 {
		f.Parallelism = 4
	}
}

// Validate checks the configuration after defaults have been applied.
func (c *Config) Validate() error {
	var errs []error

	if !isIdentifier(c.Table) {
		errs = append(errs, fmt.Errorf("table: invalid name %q", c.Table))
	}
	if !isIdentifier(c.Chain) {
		errs = append(errs, fmt.Errorf("chain: invalid name %q", c.Chain))
	}
	switch c.Hook {
	case "input", "forward", "prerouting":
	default:
		errs = append(errs, fmt.Errorf("hook: must be input, forward or prerouting, got %q", c.Hook))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if _, err := parseDuration("operation_timeout", c.OperationTimeout); err != nil {
		errs = append(errs, err)
	}

	if f := c.Feed; f != nil {
		if strings.Count(f.CountryV4URL, "%s") != 1 {
			errs = append(errs, errors.New("feed.country_v4_url: must contain exactly one %s placeholder"))
		}
		if strings.Count(f.CountryV6URL, "%s") != 1 {
			errs = append(errs, errors.New("feed.country_v6_url: must contain exactly one %s placeholder"))
		}
		if _, err := parseDuration("feed.timeout", f.Timeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := parseDuration("feed.cache_max_age", f.CacheMaxAge); err != nil {
			errs = append(errs, err)
		}
		if f.MaxAttempts < 1 {
			errs = append(errs, errors.New("feed.max_attempts: must be at least 1"))
		}
		if f.Parallelism < 1 {
			errs = append(errs, errors.New("feed.parallelism: must be at least 1"))
		}
	}

	if c.Policy != nil {
		if err := policy.Validate(c.Policy.Document()); err != nil {
			errs = append(errs, fmt.Errorf("policy: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Document returns the policy block in its untyped form.
func (p *PolicyConfig) Document() policy.Document {
	if p == nil {
		return policy.Document{}
	}
	return policy.Document{
		Countries: p.Countries,
		Whitelist: p.Whitelist,
		Attackers: p.Attackers,
		ASNs:      p.ASNs,
	}
}

// OpTimeout returns the parsed operation timeout.
func (c *Config) OpTimeout() time.Duration {
	d, _ := parseDuration("operation_timeout", c.OperationTimeout)
	return d
}

// TimeoutDuration returns the parsed per-fetch timeout.
func (f *FeedConfig) TimeoutDuration() time.Duration {
	d, _ := parseDuration("feed.timeout", f.Timeout)
	return d
}

// CacheMaxAgeDuration returns the parsed cache lifetime.
func (f *FeedConfig) CacheMaxAgeDuration() time.Duration {
	d, _ := parseDuration("feed.cache_max_age", f.CacheMaxAge)
	return d
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive", field)
	}
	return d, nil
}

func isIdentifier(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r == '-' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
