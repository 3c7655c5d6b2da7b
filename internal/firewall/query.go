//go:build linux

package firewall

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/nftables"
	"golang.org/x/sys/unix"

	"grimm.is/geoblock/internal/compiler"
	"grimm.is/geoblock/internal/policy"
)

type liveSet struct {
	set    *nftables.Set
	tag    compiler.Tag
	ranges RangeSet
}

type liveRule struct {
	rule *nftables.Rule
	tag  compiler.Tag
}

var hookNames = map[uint32]string{
	unix.NF_INET_PRE_ROUTING:  "prerouting",
	unix.NF_INET_LOCAL_IN:     "input",
	unix.NF_INET_FORWARD:      "forward",
	unix.NF_INET_LOCAL_OUT:    "output",
	unix.NF_INET_POST_ROUTING: "postrouting",
}

func (a *Adapter) tableExists(ctx context.Context) (bool, error) {
	tables, err := call(ctx, a.conn.ListTables)
	if err != nil {
		return false, fmt.Errorf("failed to list tables: %w", err)
	}
	return slices.ContainsFunc(tables, func(t *nftables.Table) bool {
		return t.Name == a.opts.Table && t.Family == nftables.TableFamilyINet
	}), nil
}

// liveOptions reads the base chain's attachment. A missing chain yields
// options that never equal a compiled program's.
func (a *Adapter) liveOptions(ctx context.Context) (compiler.Options, error) {
	opts := compiler.Options{Table: a.opts.Table}
	chains, err := call(ctx, func() ([]*nftables.Chain, error) {
		return a.conn.ListChainsOfTableFamily(nftables.TableFamilyINet)
	})
	if err != nil {
		return opts, fmt.Errorf("failed to list chains: %w", err)
	}
	for _, c := range chains {
		if c.Table == nil || c.Table.Name != a.opts.Table || c.Name != a.opts.Chain {
			continue
		}
		opts.Chain = c.Name
		if c.Hooknum != nil {
			opts.Hook = hookNames[uint32(*c.Hooknum)]
		}
		if c.Priority != nil {
			opts.Priority = int(*c.Priority)
		}
	}
	return opts, nil
}

func (a *Adapter) liveSets(ctx context.Context) ([]liveSet, error) {
	sets, err := call(ctx, func() ([]*nftables.Set, error) { return a.conn.GetSets(a.table()) })
	if err != nil {
		return nil, fmt.Errorf("failed to list sets: %w", err)
	}
	var out []liveSet
	for _, s := range sets {
		tag, err := compiler.TagFromSetName(s.Name)
		if err != nil {
			continue
		}
		elems, err := call(ctx, func() ([]nftables.SetElement, error) { return a.conn.GetSetElements(s) })
		if err != nil {
			return nil, fmt.Errorf("failed to read set %s: %w", s.Name, err)
		}
		out = append(out, liveSet{set: s, tag: tag, ranges: elementsRangeSet(s, tag.Family, elems)})
	}
	return out, nil
}

func (a *Adapter) findSet(ctx context.Context, tag compiler.Tag) (liveSet, error) {
	ok, err := a.tableExists(ctx)
	if err != nil {
		return liveSet{}, err
	}
	if !ok {
		return liveSet{}, fmt.Errorf("set %s: %w: %w", tag, ErrNotFound, ErrNotLoaded)
	}
	sets, err := a.liveSets(ctx)
	if err != nil {
		return liveSet{}, err
	}
	for _, s := range sets {
		if s.tag == tag {
			return s, nil
		}
	}
	return liveSet{}, notFound("set %s", tag)
}

func (a *Adapter) liveRules(ctx context.Context) ([]liveRule, error) {
	rules, err := call(ctx, func() ([]*nftables.Rule, error) { return a.conn.GetRules(a.table(), a.chain()) })
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	var out []liveRule
	for _, r := range rules {
		if tag, ok := ruleTag(r); ok {
			out = append(out, liveRule{rule: r, tag: tag})
		}
	}
	return out, nil
}

// live reads the table back as a program plus the handle of every rule.
// It returns a nil program when the table does not exist.
func (a *Adapter) live(ctx context.Context) (*compiler.Program, map[compiler.Tag]uint64, error) {
	ok, err := a.tableExists(ctx)
	if err != nil || !ok {
		return nil, nil, err
	}
	opts, err := a.liveOptions(ctx)
	if err != nil {
		return nil, nil, err
	}
	prog := &compiler.Program{Options: opts}

	sets, err := a.liveSets(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, s := range sets {
		prog.Sets = append(prog.Sets, compiler.SetDecl{Tag: s.tag, Elements: s.ranges.Literals()})
	}

	if opts.Chain == "" {
		return prog, nil, nil
	}
	rules, err := a.liveRules(ctx)
	if err != nil {
		return nil, nil, err
	}
	handles := make(map[compiler.Tag]uint64, len(rules))
	for _, r := range rules {
		if _, dup := handles[r.tag]; dup {
			continue
		}
		handles[r.tag] = r.rule.Handle
		prog.Rules = append(prog.Rules, compiler.Rule{Tag: r.tag})
	}
	return prog, handles, nil
}

// LiveProgram returns what the kernel currently enforces, or nil when the
// table is not loaded.
func (a *Adapter) LiveProgram(ctx context.Context) (*compiler.Program, error) {
	return read(ctx, a, func(ctx context.Context) (*compiler.Program, error) {
		prog, _, err := a.live(ctx)
		return prog, err
	})
}

// Active reports whether the table is loaded.
func (a *Adapter) Active(ctx context.Context) (bool, error) {
	return read(ctx, a, a.tableExists)
}

// ListSets returns the managed sets in rule order. It is empty while the
// table is not loaded.
func (a *Adapter) ListSets(ctx context.Context) ([]SetInfo, error) {
	return read(ctx, a, func(ctx context.Context) ([]SetInfo, error) {
		if ok, err := a.tableExists(ctx); err != nil || !ok {
			return nil, err
		}
		sets, err := a.liveSets(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]SetInfo, 0, len(sets))
		for _, s := range sets {
			out = append(out, SetInfo{Tag: s.tag, Name: s.set.Name, Ranges: s.ranges})
		}
		slices.SortFunc(out, func(x, y SetInfo) int {
			if x.Tag.Tier() != y.Tag.Tier() {
				return int(x.Tag.Tier()) - int(y.Tag.Tier())
			}
			return strings.Compare(x.Name, y.Name)
		})
		return out, nil
	})
}

// ListRules returns the managed rules in evaluation order.
func (a *Adapter) ListRules(ctx context.Context) ([]RuleInfo, error) {
	return read(ctx, a, func(ctx context.Context) ([]RuleInfo, error) {
		if ok, err := a.tableExists(ctx); err != nil || !ok {
			return nil, err
		}
		rules, err := a.liveRules(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]RuleInfo, 0, len(rules))
		for _, r := range rules {
			packets, bytes := ruleCounters(r.rule)
			out = append(out, RuleInfo{
				Tag:     r.tag,
				Handle:  r.rule.Handle,
				Action:  ruleAction(r.rule),
				Packets: packets,
				Bytes:   bytes,
			})
		}
		return out, nil
	})
}

// IsMember reports whether every address of lit lies in the set of tag.
// Membership is range containment: 10.1.2.3 is a member of a set holding
// 10.0.0.0/8.
func (a *Adapter) IsMember(ctx context.Context, tag compiler.Tag, lit policy.Literal) (bool, error) {
	return read(ctx, a, func(ctx context.Context) (bool, error) {
		s, err := a.findSet(ctx, tag)
		if err != nil {
			return false, err
		}
		if lit.Family() != tag.Family {
			return false, nil
		}
		return s.ranges.Covers(RangeFromLiteral(lit)), nil
	})
}

// Dump returns the table as an nft script, without counters.
func (a *Adapter) Dump(ctx context.Context) (string, error) {
	return read(ctx, a, a.dump)
}

func (a *Adapter) dump(ctx context.Context) (string, error) {
	ok, err := a.tableExists(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotLoaded
	}
	out, err := a.runner.Output(ctx, "nft", "-s", "list", "table", "inet", a.opts.Table)
	if err != nil {
		return "", busy(fmt.Errorf("failed to list table: %w", err))
	}
	return string(out), nil
}
