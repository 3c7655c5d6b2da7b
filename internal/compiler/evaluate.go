package compiler

import (
	"net/netip"

	"github.com/gaissmai/cidrtree"

	"grimm.is/geoblock/internal/policy"
)

// Verdict is the outcome of running one address through a program.
type Verdict struct {
	Action Action
	// Rule is the matching rule's tag; nil when the default policy applied.
	Rule *Tag
	// Match is the most specific element of the matching set.
	Match netip.Prefix
}

// Evaluator answers verdicts for a program the way the filter store would:
// first matching rule wins, unmatched traffic is accepted.
type Evaluator struct {
	rules []Rule
	trees map[Tag]cidrtree.Tree
}

// NewEvaluator indexes every set of prog.
func NewEvaluator(prog *Program) *Evaluator {
	ev := &Evaluator{
		rules: prog.Rules,
		trees: make(map[Tag]cidrtree.Tree, len(prog.Sets)),
	}
	for _, s := range prog.Sets {
		prefixes := make([]netip.Prefix, 0, len(s.Elements))
		for _, e := range s.Elements {
			prefixes = append(prefixes, e.Prefix())
		}
		ev.trees[s.Tag] = cidrtree.New(prefixes...)
	}
	return ev
}

// Evaluate returns the verdict for addr.
func (ev *Evaluator) Evaluate(addr netip.Addr) Verdict {
	addr = addr.Unmap()
	for _, r := range ev.rules {
		if r.Tag.Family != familyOf(addr) {
			continue
		}
		tree, ok := ev.trees[r.Tag]
		if !ok {
			continue
		}
		if match, found := tree.Lookup(addr); found {
			tag := r.Tag
			return Verdict{Action: r.Action(), Rule: &tag, Match: match}
		}
	}
	return Verdict{Action: ActionAccept}
}

// Evaluate is a one-shot NewEvaluator(prog).Evaluate(addr).
func Evaluate(prog *Program, addr netip.Addr) Verdict {
	return NewEvaluator(prog).Evaluate(addr)
}

func familyOf(addr netip.Addr) policy.Family {
	if addr.Is4() {
		return policy.FamilyV4
	}
	return policy.FamilyV6
}
