// Package compiler turns a policy and its resolved address data into an
// ordered rule program.
//
// Every program has the same shape: one set per tag, and one rule per set in
// tier order (whitelist accept, attacker drop, AS drop, country drop) ahead
// of the chain's default accept policy. The tier order is what makes a
// whitelisted address win over any block that also covers it, so nothing
// here ever deduplicates across sets.
package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"grimm.is/geoblock/internal/addrset"
	"grimm.is/geoblock/internal/policy"
)

var (
	// ErrDuplicateTag is returned when two sets of one program share a tag.
	ErrDuplicateTag = errors.New("duplicate set tag")
	// ErrMissingSource is returned when a country or AS has no resolved data.
	ErrMissingSource = errors.New("no address data")
)

// Options places the program in the filter store.
type Options struct {
	Table    string `json:"table" yaml:"table"`
	Chain    string `json:"chain" yaml:"chain"`
	Hook     string `json:"hook" yaml:"hook"`
	Priority int    `json:"priority" yaml:"priority"`
}

// SetDecl declares one typed address set.
type SetDecl struct {
	Tag      Tag
	Elements []policy.Literal
}

// Name returns the nftables set name.
func (s SetDecl) Name() string { return s.Tag.SetName() }

// Rule matches the source address against the set with the same tag.
type Rule struct {
	Tag Tag
}

// Action returns the rule verdict.
func (r Rule) Action() Action { return r.Tag.Action() }

// Program is a compiled rule program. Sets appear in the order of the rules
// that reference them.
type Program struct {
	Options Options
	Sets    []SetDecl
	Rules   []Rule
}

// Compile builds the program for p. src must hold data for every country and
// AS number of p; entries resolving to no ranges still get an empty set.
func Compile(p policy.Policy, src *addrset.Resolved, opts Options) (*Program, error) {
	if src == nil {
		src = addrset.NewResolved()
	}
	prog := &Program{Options: opts}

	if err := prog.declareFamilies(WhitelistTag, p.Whitelist); err != nil {
		return nil, err
	}
	if err := prog.declareFamilies(AttackersTag, p.Attackers); err != nil {
		return nil, err
	}

	asns := slices.Clone(p.ASNs)
	slices.Sort(asns)
	for _, asn := range asns {
		lits, ok := src.ASNs[asn]
		if !ok {
			return nil, fmt.Errorf("%w for %s", ErrMissingSource, asn)
		}
		tagFor := func(f policy.Family) Tag { return ASNTag(asn, f) }
		if err := prog.declareFamilies(tagFor, lits); err != nil {
			return nil, err
		}
	}

	for _, cc := range p.Countries {
		lits, ok := src.Countries[cc]
		if !ok {
			return nil, fmt.Errorf("%w for country %s", ErrMissingSource, cc)
		}
		tagFor := func(f policy.Family) Tag { return CountryTag(cc, f) }
		if err := prog.declareFamilies(tagFor, lits); err != nil {
			return nil, err
		}
	}
	return prog, nil
}

func (p *Program) declareFamilies(tagFor func(policy.Family) Tag, lits []policy.Literal) error {
	v4, v6 := policy.SplitFamilies(lits)
	if err := p.Declare(tagFor(policy.FamilyV4), v4); err != nil {
		return err
	}
	return p.Declare(tagFor(policy.FamilyV6), v6)
}

// Declare appends a set and its rule. Elements of the wrong family are
// rejected.
func (p *Program) Declare(tag Tag, elems []policy.Literal) error {
	if p.Set(tag) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateTag, tag)
	}
	for _, e := range elems {
		if e.Family() != tag.Family {
			return fmt.Errorf("%w: %s in %s set %s", policy.ErrInvalidLiteral, e, tag.Family, tag)
		}
	}
	p.Sets = append(p.Sets, SetDecl{Tag: tag, Elements: policy.SortLiterals(slices.Clone(elems))})
	p.Rules = append(p.Rules, Rule{Tag: tag})
	return nil
}

// Add declares tag like Declare but puts its rule where tier order wants
// it instead of at the end.
func (p *Program) Add(tag Tag, elems []policy.Literal) error {
	if err := p.Declare(tag, elems); err != nil {
		return err
	}
	p.Rules = p.Rules[:len(p.Rules)-1]
	p.Rules = slices.Insert(p.Rules, PositionFor(p.Rules, tag), Rule{Tag: tag})
	return nil
}

// Set returns the declaration for tag, or nil.
func (p *Program) Set(tag Tag) *SetDecl {
	for i := range p.Sets {
		if p.Sets[i].Tag == tag {
			return &p.Sets[i]
		}
	}
	return nil
}

// RuleIndex returns the position of tag's rule, or -1.
func (p *Program) RuleIndex(tag Tag) int {
	return slices.IndexFunc(p.Rules, func(r Rule) bool { return r.Tag == tag })
}

// Hash fingerprints the program. Equal programs hash equally.
func (p *Program) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s/%s/%s/%d\n", p.Options.Table, p.Options.Chain, p.Options.Hook, p.Options.Priority)
	for _, r := range p.Rules {
		fmt.Fprintf(h, "rule %s %s\n", r.Tag, r.Action())
	}
	for _, s := range p.Sets {
		fmt.Fprintf(h, "set %s", s.Tag)
		for _, e := range s.Elements {
			fmt.Fprintf(h, " %s", e)
		}
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Summary counts what a program enforces.
type Summary struct {
	Countries int `json:"countries" yaml:"countries"`
	ASNs      int `json:"asns" yaml:"asns"`
	Attackers int `json:"attackers" yaml:"attackers"`
	Whitelist int `json:"whitelist" yaml:"whitelist"`
	Sets      int `json:"sets" yaml:"sets"`
	Rules     int `json:"rules" yaml:"rules"`
	Elements  int `json:"elements" yaml:"elements"`
}

// Summarize counts groups (a country is one entry regardless of family) and
// list sizes.
func (p *Program) Summarize() Summary {
	s := Summary{Sets: len(p.Sets), Rules: len(p.Rules)}
	groups := make(map[string]bool)
	for _, set := range p.Sets {
		s.Elements += len(set.Elements)
		switch set.Tag.Kind {
		case KindWhitelist:
			s.Whitelist += len(set.Elements)
		case KindAttackers:
			s.Attackers += len(set.Elements)
		case KindASN, KindCountry:
			if !groups[set.Tag.Group()] {
				groups[set.Tag.Group()] = true
				if set.Tag.Kind == KindASN {
					s.ASNs++
				} else {
					s.Countries++
				}
			}
		}
	}
	return s
}

// PositionFor returns the index at which a rule for tag belongs among rules,
// keeping tier order. Country rules go to the end of their tier because
// countries keep the order they were added in.
func PositionFor(rules []Rule, tag Tag) int {
	for i, r := range rules {
		if tag.less(r.Tag) {
			return i
		}
	}
	return len(rules)
}

// CheckOrder verifies that rules respect tier order.
func CheckOrder(rules []Rule) error {
	for i := 1; i < len(rules); i++ {
		if rules[i].Tag.Tier() < rules[i-1].Tag.Tier() {
			return fmt.Errorf("rule %s (tier %d) after %s (tier %d)",
				rules[i].Tag, rules[i].Tag.Tier(), rules[i-1].Tag, rules[i-1].Tag.Tier())
		}
	}
	return nil
}
