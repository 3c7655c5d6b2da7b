// Package policy is the declarative description of what the filter should
// enforce: which countries and autonomous systems are blocked, which networks
// are always allowed, and which individual attackers are dropped.
//
// The package never touches the network. Country codes and AS numbers are
// only checked for syntax here; turning them into address ranges is the job
// of internal/addrset.
package policy

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/language"
)

var (
	// ErrInvalidCountryCode is returned for anything but an ISO 3166-1 alpha-2 country.
	ErrInvalidCountryCode = errors.New("invalid country code")
	// ErrInvalidASN is returned for malformed autonomous system numbers.
	ErrInvalidASN = errors.New("invalid AS number")
)

// Document is the untyped form of a policy as written in configuration or
// stored as runtime overrides.
type Document struct {
	Countries []string `json:"countries,omitempty" yaml:"countries,omitempty"`
	Whitelist []string `json:"whitelist,omitempty" yaml:"whitelist,omitempty"`
	Attackers []string `json:"attackers,omitempty" yaml:"attackers,omitempty"`
	ASNs      []string `json:"asns,omitempty" yaml:"asns,omitempty"`
}

// Policy is a validated Document. Countries keep their first-seen order,
// every other list is sorted and deduplicated.
type Policy struct {
	Countries []string
	Whitelist []Literal
	Attackers []Literal
	ASNs      []ASN
}

// Validate checks every entry of doc and reports all problems at once.
// A document blocking no countries is valid.
func Validate(doc Document) error {
	_, err := Build(doc)
	return err
}

// Build validates doc and returns the normalized Policy.
func Build(doc Document) (Policy, error) {
	var (
		p    Policy
		errs []error
	)

	for _, raw := range doc.Countries {
		cc, err := NormalizeCountry(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !slices.Contains(p.Countries, cc) {
			p.Countries = append(p.Countries, cc)
		}
	}

	parseAll := func(list []string, kind string) []Literal {
		var out []Literal
		for _, raw := range list {
			l, err := ParseLiteral(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", kind, err))
				continue
			}
			out = append(out, l)
		}
		return SortLiterals(out)
	}
	p.Whitelist = parseAll(doc.Whitelist, "whitelist")
	p.Attackers = parseAll(doc.Attackers, "attackers")

	for _, raw := range doc.ASNs {
		asn, err := ParseASN(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.ASNs = append(p.ASNs, asn)
	}
	slices.Sort(p.ASNs)
	p.ASNs = slices.Compact(p.ASNs)

	if len(errs) > 0 {
		return Policy{}, errors.Join(errs...)
	}
	return p, nil
}

// Document converts p back to its untyped form.
func (p Policy) Document() Document {
	doc := Document{Countries: slices.Clone(p.Countries)}
	for _, l := range p.Whitelist {
		doc.Whitelist = append(doc.Whitelist, l.String())
	}
	for _, l := range p.Attackers {
		doc.Attackers = append(doc.Attackers, l.String())
	}
	for _, a := range p.ASNs {
		doc.ASNs = append(doc.ASNs, a.String())
	}
	return doc
}

// Empty reports whether the policy would compile to a program that accepts everything.
func (p Policy) Empty() bool {
	return len(p.Countries) == 0 && len(p.Whitelist) == 0 && len(p.Attackers) == 0 && len(p.ASNs) == 0
}

// NormalizeCountry lower-cases code and checks it names an ISO 3166-1 country.
func NormalizeCountry(code string) (string, error) {
	cc := strings.ToLower(strings.TrimSpace(code))
	if len(cc) != 2 || !isASCIILetters(cc) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCountryCode, code)
	}
	region, err := language.ParseRegion(cc)
	if err != nil || !region.IsCountry() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCountryCode, code)
	}
	return cc, nil
}

func isASCIILetters(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// ASN is an autonomous system number.
type ASN uint32

// ParseASN accepts "AS64500", "as64500" or "64500".
func ParseASN(s string) (ASN, error) {
	t := strings.TrimSpace(s)
	if len(t) > 2 && strings.EqualFold(t[:2], "as") {
		t = t[2:]
	}
	n, err := strconv.ParseUint(t, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidASN, s)
	}
	return ASN(n), nil
}

// String renders the canonical "AS<n>" form.
func (a ASN) String() string {
	return "AS" + strconv.FormatUint(uint64(a), 10)
}
