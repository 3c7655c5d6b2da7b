package addrset

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/geoblock/internal/config"
	"grimm.is/geoblock/internal/logging"
	"grimm.is/geoblock/internal/metrics"
	"grimm.is/geoblock/internal/policy"
	"grimm.is/geoblock/internal/retry"
)

// Fetcher downloads one literal list.
type Fetcher interface {
	Fetch(ctx context.Context, source, url string, family policy.Family) ([]policy.Literal, error)
}

// Resolver maps an AS number to its routes.
type Resolver interface {
	Resolve(ctx context.Context, asn policy.ASN) ([]policy.Literal, error)
}

// Options configures a Provider.
type Options struct {
	// CountryURLs are format strings taking the lower-case country code.
	CountryURLs map[policy.Family]string
	Parallelism int
}

// Provider resolves the symbolic parts of a policy (countries, AS numbers)
// into literals.
type Provider struct {
	opts     Options
	feed     Fetcher
	resolver Resolver
	logger   *logging.Logger
}

// NewProvider creates a provider from its collaborators.
func NewProvider(opts Options, feed Fetcher, resolver Resolver, logger *logging.Logger) *Provider {
	if logger == nil {
		logger = logging.WithComponent("addrset")
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	return &Provider{opts: opts, feed: feed, resolver: resolver, logger: logger}
}

// FromConfig wires a provider with the HTTP feed, disk cache and WHOIS
// resolver described by cfg.
func FromConfig(cfg *config.Config, logger *logging.Logger, reg *metrics.Registry) *Provider {
	if logger == nil {
		logger = logging.WithComponent("addrset")
	}
	if reg == nil {
		reg = metrics.Get()
	}
	fc := cfg.Feed
	timeout := fc.TimeoutDuration()

	rc := retry.DefaultConfig()
	rc.MaxAttempts = fc.MaxAttempts
	rc.RetryOn = nil

	cache := NewCache(fc.CacheDir, fc.CacheMaxAgeDuration())
	feed := NewHTTPFeed(timeout, cache, rc, logger).WithMetrics(reg)
	whois := NewWhoisResolver(fc.WhoisServer, timeout, rc, logger).WithMetrics(reg)

	urls := map[policy.Family]string{policy.FamilyV4: fc.CountryV4URL}
	if !fc.DisableV6 {
		urls[policy.FamilyV6] = fc.CountryV6URL
	}
	return NewProvider(Options{CountryURLs: urls, Parallelism: fc.Parallelism}, feed, whois, logger)
}

// Fetch returns the literals behind a set tag: "country:<cc>" or "asn:<n>".
func (p *Provider) Fetch(ctx context.Context, tag string) ([]policy.Literal, error) {
	kind, key, ok := strings.Cut(tag, ":")
	if !ok {
		return nil, fmt.Errorf("unknown source tag %q", tag)
	}
	switch kind {
	case "country":
		return p.FetchCountry(ctx, key)
	case "asn":
		asn, err := policy.ParseASN(key)
		if err != nil {
			return nil, err
		}
		return p.Resolve(ctx, asn)
	default:
		return nil, fmt.Errorf("unknown source tag %q", tag)
	}
}

// FetchCountry returns every range allocated to country, both families.
//
// A missing IPv6 list is tolerated: several countries have no IPv6
// allocation and the upstream answers 404 for them.
func (p *Provider) FetchCountry(ctx context.Context, country string) ([]policy.Literal, error) {
	cc, err := policy.NormalizeCountry(country)
	if err != nil {
		return nil, err
	}

	var out []policy.Literal
	for _, fam := range policy.Families {
		format, ok := p.opts.CountryURLs[fam]
		if !ok || format == "" {
			continue
		}
		url := fmt.Sprintf(format, cc)
		lits, err := p.feed.Fetch(ctx, "country:"+cc+":"+fam.String(), url, fam)
		if err != nil {
			if fam == policy.FamilyV6 && errors.Is(err, errNoFeed) {
				p.logger.Warn("No IPv6 ranges published", "country", cc)
				continue
			}
			return nil, err
		}
		out = append(out, lits...)
	}
	return out, nil
}

// Resolve returns the routes originated by asn.
func (p *Provider) Resolve(ctx context.Context, asn policy.ASN) ([]policy.Literal, error) {
	if p.resolver == nil {
		return nil, fmt.Errorf("%w: no AS resolver configured", ErrSourceUnavailable)
	}
	return p.resolver.Resolve(ctx, asn)
}

// FetchAll resolves every country and AS number of pol concurrently. It
// fails as a whole if any source fails, so a reload never proceeds with a
// partially fetched policy.
func (p *Provider) FetchAll(ctx context.Context, pol policy.Policy) (*Resolved, error) {
	start := time.Now()
	res := NewResolved()
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Parallelism)

	for _, cc := range pol.Countries {
		g.Go(func() error {
			lits, err := p.FetchCountry(ctx, cc)
			if err != nil {
				return fmt.Errorf("country %s: %w", cc, err)
			}
			mu.Lock()
			res.Countries[cc] = lits
			mu.Unlock()
			return nil
		})
	}
	for _, asn := range pol.ASNs {
		g.Go(func() error {
			lits, err := p.Resolve(ctx, asn)
			if err != nil {
				return fmt.Errorf("%s: %w", asn, err)
			}
			mu.Lock()
			res.ASNs[asn] = lits
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	p.logger.Info("Address sources resolved",
		"countries", len(res.Countries), "asns", len(res.ASNs),
		"literals", res.Count(), "took", time.Since(start).Round(time.Millisecond))
	return res, nil
}
