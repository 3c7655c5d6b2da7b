// Package addrset turns external address feeds into network literals.
//
// Country ranges come from per-country zone files served over HTTP
// (ipdeny.com by default) and are cached on disk. Autonomous system ranges
// come from a WHOIS route registry. Both are normalized into
// policy.Literal values, deduplicated and split by family before they reach
// the rule compiler.
package addrset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"grimm.is/geoblock/internal/policy"
)

var (
	// ErrSourceUnavailable means the upstream feed or registry could not be reached.
	ErrSourceUnavailable = errors.New("address source unavailable")
	// ErrMalformedData means a feed produced no usable network literal.
	ErrMalformedData = errors.New("malformed address data")
)

// maxFeedSize caps a single download. The largest aggregated country zone is
// well under a megabyte.
const maxFeedSize = 32 << 20

// ParseResult is the outcome of parsing one feed.
type ParseResult struct {
	Literals []policy.Literal
	// Skipped holds the raw lines that were not valid literals of the wanted family.
	Skipped []string
}

// ParseList reads newline-delimited CIDR literals. Blank lines and comments
// (# or ;) are ignored, invalid lines are collected in Skipped. When want is
// non-zero, literals of the other family count as invalid.
//
// Returns ErrMalformedData when no valid literal remains.
func ParseList(r io.Reader, want policy.Family) (ParseResult, error) {
	var res ParseResult
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := stripComment(scanner.Text())
		if line == "" {
			continue
		}

		lit, err := policy.ParseLiteral(line)
		if err != nil || (want != 0 && lit.Family() != want) {
			res.Skipped = append(res.Skipped, line)
			continue
		}
		res.Literals = append(res.Literals, lit)
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}

	res.Literals = policy.SortLiterals(res.Literals)
	if len(res.Literals) == 0 {
		return res, fmt.Errorf("%w: no valid literals (%d lines skipped)", ErrMalformedData, len(res.Skipped))
	}
	return res, nil
}

func stripComment(line string) string {
	if idx := strings.IndexAny(line, "#;"); idx != -1 {
		line = line[:idx]
	}
	return strings.TrimSpace(line)
}

// Resolved holds the address ranges behind a policy's symbolic entries.
type Resolved struct {
	Countries map[string][]policy.Literal
	ASNs      map[policy.ASN][]policy.Literal
}

// NewResolved returns an empty Resolved ready for use.
func NewResolved() *Resolved {
	return &Resolved{
		Countries: make(map[string][]policy.Literal),
		ASNs:      make(map[policy.ASN][]policy.Literal),
	}
}

// Count returns the total number of literals held.
func (r *Resolved) Count() int {
	n := 0
	for _, ls := range r.Countries {
		n += len(ls)
	}
	for _, ls := range r.ASNs {
		n += len(ls)
	}
	return n
}
