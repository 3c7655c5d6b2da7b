package compiler

import (
	"slices"

	"grimm.is/geoblock/internal/policy"
)

// Insert places a new rule before an existing one. Before is nil when the
// rule goes to the end of the chain.
type Insert struct {
	Rule   Rule
	Before *Tag
}

// Plan is the set of changes turning one program into another while keeping
// every unchanged set and every surviving rule untouched.
type Plan struct {
	AddSets    []SetDecl
	UpdateSets []SetDecl
	DeleteSets []SetDecl
	AddRules   []Insert
	DropRules  []Rule
	// Rebuild is set when the chain definition changed or surviving rules
	// changed relative order. Such a change needs a full replacement.
	Rebuild bool
}

// Empty reports whether the plan changes nothing.
func (p Plan) Empty() bool {
	return !p.Rebuild && len(p.AddSets) == 0 && len(p.UpdateSets) == 0 &&
		len(p.DeleteSets) == 0 && len(p.AddRules) == 0 && len(p.DropRules) == 0
}

// Diff computes the changes from old to next. Rules are matched by tag, so
// a country added in the middle of the list produces one insert and no
// movement of the rules around it.
func Diff(old, next *Program) Plan {
	var plan Plan
	if old == nil {
		old = &Program{Options: next.Options}
	}
	if old.Options != next.Options {
		plan.Rebuild = true
	}

	for _, s := range next.Sets {
		prev := old.Set(s.Tag)
		switch {
		case prev == nil:
			plan.AddSets = append(plan.AddSets, s)
		case !slices.Equal(prev.Elements, s.Elements):
			plan.UpdateSets = append(plan.UpdateSets, s)
		}
	}
	for _, s := range old.Sets {
		if next.Set(s.Tag) == nil {
			plan.DeleteSets = append(plan.DeleteSets, s)
		}
	}

	var survivors []Tag
	for _, r := range old.Rules {
		if next.RuleIndex(r.Tag) < 0 {
			plan.DropRules = append(plan.DropRules, r)
			continue
		}
		survivors = append(survivors, r.Tag)
	}

	var order []Tag
	for i, r := range next.Rules {
		if old.RuleIndex(r.Tag) >= 0 {
			order = append(order, r.Tag)
			continue
		}
		ins := Insert{Rule: r}
		for _, after := range next.Rules[i+1:] {
			if old.RuleIndex(after.Tag) >= 0 {
				tag := after.Tag
				ins.Before = &tag
				break
			}
		}
		plan.AddRules = append(plan.AddRules, ins)
	}
	if !slices.Equal(order, survivors) {
		plan.Rebuild = true
	}
	return plan
}

// Changed returns the tags of every set the plan touches.
func (p Plan) Changed() []string {
	var out []string
	for _, group := range [][]SetDecl{p.AddSets, p.UpdateSets, p.DeleteSets} {
		for _, s := range group {
			out = append(out, s.Tag.String())
		}
	}
	return out
}

// ElementDelta returns the literals to add and remove to turn prev into next.
func ElementDelta(prev, next []policy.Literal) (add, remove []policy.Literal) {
	i, j := 0, 0
	for i < len(prev) && j < len(next) {
		switch c := prev[i].Compare(next[j]); {
		case c == 0:
			i++
			j++
		case c < 0:
			remove = append(remove, prev[i])
			i++
		default:
			add = append(add, next[j])
			j++
		}
	}
	remove = append(remove, prev[i:]...)
	add = append(add, next[j:]...)
	return add, remove
}
