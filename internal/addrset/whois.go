package addrset

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"grimm.is/geoblock/internal/logging"
	"grimm.is/geoblock/internal/metrics"
	"grimm.is/geoblock/internal/policy"
	"grimm.is/geoblock/internal/retry"
)

// WhoisResolver maps an AS number to the routes registered for it, using
// the RIPE-style inverse query supported by RADb and most IRR mirrors:
//
//	-i origin AS64500
//
// The reply is treated as a line feed; only route: and route6: attributes
// are read.
type WhoisResolver struct {
	Server  string
	Timeout time.Duration
	Retry   retry.Config

	dialer  net.Dialer
	logger  *logging.Logger
	metrics *metrics.Registry
}

// NewWhoisResolver creates a resolver for server (host:port).
func NewWhoisResolver(server string, timeout time.Duration, rc retry.Config, logger *logging.Logger) *WhoisResolver {
	if logger == nil {
		logger = logging.WithComponent("whois")
	}
	return &WhoisResolver{
		Server:  server,
		Timeout: timeout,
		Retry:   rc,
		logger:  logger,
		metrics: metrics.Get(),
	}
}

// WithMetrics replaces the metrics registry.
func (w *WhoisResolver) WithMetrics(reg *metrics.Registry) *WhoisResolver {
	w.metrics = reg
	return w
}

// Resolve returns the deduplicated routes originated by asn. An AS with no
// registered routes yields an empty result, not an error.
func (w *WhoisResolver) Resolve(ctx context.Context, asn policy.ASN) ([]policy.Literal, error) {
	source := "whois:" + asn.String()

	lits, err := retry.DoWithResult(ctx, w.Retry, func(ctx context.Context) ([]policy.Literal, error) {
		return w.query(ctx, asn)
	})
	if err != nil {
		w.metrics.FetchTotal.WithLabelValues(source, "error").Inc()
		return nil, fmt.Errorf("%w: %s via %s: %v", ErrSourceUnavailable, asn, w.Server, err)
	}

	w.metrics.FetchTotal.WithLabelValues(source, "network").Inc()
	if len(lits) == 0 {
		w.logger.Warn("AS number resolved to no routes", "asn", asn.String(), "server", w.Server)
	}
	return lits, nil
}

func (w *WhoisResolver) query(ctx context.Context, asn policy.ASN) ([]policy.Literal, error) {
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	conn, err := w.dialer.DialContext(ctx, "tcp", w.Server)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "-i origin %s\r\n", asn); err != nil {
		return nil, fmt.Errorf("send query: %w", err)
	}

	lits, skipped, err := parseRoutes(io.LimitReader(conn, maxFeedSize))
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if len(skipped) > 0 {
		w.metrics.SkippedLines.WithLabelValues("whois:" + asn.String()).Add(float64(len(skipped)))
		w.logger.Warn("Skipping malformed routes", "asn", asn.String(), "count", len(skipped), "first", skipped[0])
	}
	return lits, nil
}

// parseRoutes collects route:/route6: values from an RPSL reply.
func parseRoutes(r io.Reader) (lits []policy.Literal, skipped []string, err error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key != "route" && key != "route6" {
			continue
		}
		value = stripComment(value)
		lit, err := policy.ParseLiteral(value)
		if err != nil {
			skipped = append(skipped, value)
			continue
		}
		lits = append(lits, lit)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, err
	}
	return policy.SortLiterals(lits), skipped, nil
}
