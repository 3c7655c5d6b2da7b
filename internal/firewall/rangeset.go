package firewall

import (
	"net/netip"
	"slices"

	"grimm.is/geoblock/internal/compiler"
	"grimm.is/geoblock/internal/policy"
)

// Range is an inclusive address interval.
type Range struct {
	First netip.Addr
	Last  netip.Addr
}

// RangeFromLiteral returns the interval a literal covers.
func RangeFromLiteral(l policy.Literal) Range {
	return Range{First: l.First(), Last: l.Last()}
}

// Contains reports whether addr lies inside r.
func (r Range) Contains(addr netip.Addr) bool {
	return r.First.Compare(addr) <= 0 && addr.Compare(r.Last) <= 0
}

func (r Range) String() string {
	if r.First == r.Last {
		return r.First.String()
	}
	return r.First.String() + "-" + r.Last.String()
}

// touches reports whether r and o overlap or sit next to each other.
func (r Range) touches(o Range) bool {
	if r.First.Compare(o.First) > 0 {
		r, o = o, r
	}
	if o.First.Compare(r.Last) <= 0 {
		return true
	}
	next := r.Last.Next()
	return next.IsValid() && next == o.First
}

// RangeSet is a sorted list of disjoint, non-adjacent intervals. It is how
// interval sets look in the kernel once auto-merge has run, so two element
// lists enforce the same thing exactly when their RangeSets are equal.
type RangeSet struct {
	ranges []Range
}

// NewRangeSet builds the merged cover of lits.
func NewRangeSet(lits ...policy.Literal) RangeSet {
	rs := make([]Range, 0, len(lits))
	for _, l := range lits {
		if l.IsValid() {
			rs = append(rs, RangeFromLiteral(l))
		}
	}
	return mergeRanges(rs)
}

func mergeRanges(rs []Range) RangeSet {
	if len(rs) == 0 {
		return RangeSet{}
	}
	rs = slices.Clone(rs)
	slices.SortFunc(rs, func(a, b Range) int { return a.First.Compare(b.First) })

	out := []Range{rs[0]}
	for _, r := range rs[1:] {
		cur := &out[len(out)-1]
		if cur.touches(r) {
			if r.Last.Compare(cur.Last) > 0 {
				cur.Last = r.Last
			}
			continue
		}
		out = append(out, r)
	}
	return RangeSet{ranges: out}
}

// Ranges returns the intervals in ascending order.
func (s RangeSet) Ranges() []Range { return slices.Clone(s.ranges) }

// Len returns the number of intervals.
func (s RangeSet) Len() int { return len(s.ranges) }

// Contains reports whether addr falls inside any interval.
func (s RangeSet) Contains(addr netip.Addr) bool {
	_, ok := s.Find(addr)
	return ok
}

// Find returns the interval holding addr.
func (s RangeSet) Find(addr netip.Addr) (Range, bool) {
	i, _ := slices.BinarySearchFunc(s.ranges, addr, func(r Range, a netip.Addr) int {
		return r.First.Compare(a)
	})
	for _, j := range []int{i, i - 1} {
		if j >= 0 && j < len(s.ranges) && s.ranges[j].Contains(addr) {
			return s.ranges[j], true
		}
	}
	return Range{}, false
}

// Covers reports whether a single interval holds all of r.
func (s RangeSet) Covers(r Range) bool {
	got, ok := s.Find(r.First)
	return ok && r.Last.Compare(got.Last) <= 0
}

// Touching returns the intervals that overlap or border r.
func (s RangeSet) Touching(r Range) []Range {
	var out []Range
	for _, x := range s.ranges {
		if x.touches(r) {
			out = append(out, x)
		}
	}
	return out
}

// Add returns s with r merged in.
func (s RangeSet) Add(r Range) RangeSet {
	return mergeRanges(append(slices.Clone(s.ranges), r))
}

// Subtract returns s without the addresses of r.
func (s RangeSet) Subtract(r Range) RangeSet {
	var out []Range
	for _, x := range s.ranges {
		if x.Last.Compare(r.First) < 0 || x.First.Compare(r.Last) > 0 {
			out = append(out, x)
			continue
		}
		if x.First.Compare(r.First) < 0 {
			out = append(out, Range{First: x.First, Last: r.First.Prev()})
		}
		if r.Last.Compare(x.Last) < 0 {
			out = append(out, Range{First: r.Last.Next(), Last: x.Last})
		}
	}
	return RangeSet{ranges: out}
}

// Equal reports whether both sets cover the same addresses.
func (s RangeSet) Equal(o RangeSet) bool {
	return slices.Equal(s.ranges, o.ranges)
}

// Literals returns the minimal CIDR cover of the set.
func (s RangeSet) Literals() []policy.Literal {
	var out []policy.Literal
	for _, r := range s.ranges {
		out = append(out, policy.RangeLiterals(r.First, r.Last)...)
	}
	return out
}

// CanonicalLiterals rewrites lits into the form the kernel keeps them in:
// overlapping and adjacent networks merged, then split back into CIDRs.
func CanonicalLiterals(lits []policy.Literal) []policy.Literal {
	return NewRangeSet(lits...).Literals()
}

func maxAddr(f policy.Family) netip.Addr {
	if f == policy.FamilyV6 {
		var b [16]byte
		for i := range b {
			b[i] = 0xff
		}
		return netip.AddrFrom16(b)
	}
	return netip.AddrFrom4([4]byte{0xff, 0xff, 0xff, 0xff})
}

// Canonical returns prog with every set's elements in kernel form.
func Canonical(prog *compiler.Program) *compiler.Program {
	out := &compiler.Program{Options: prog.Options, Rules: slices.Clone(prog.Rules)}
	for _, s := range prog.Sets {
		out.Sets = append(out.Sets, compiler.SetDecl{Tag: s.Tag, Elements: CanonicalLiterals(s.Elements)})
	}
	return out
}
