//go:build linux
// +build linux

package firewall

import (
	"bytes"
	"net/netip"
	"slices"

	"github.com/google/nftables"

	"grimm.is/geoblock/internal/policy"
)

// rangeElements encodes r the way the kernel stores intervals: the first
// address, then the address after the last one flagged as interval end.
// A range reaching the top of the address space has no end element.
func rangeElements(r Range) []nftables.SetElement {
	elems := []nftables.SetElement{{Key: r.First.AsSlice()}}
	if next := r.Last.Next(); next.IsValid() {
		elems = append(elems, nftables.SetElement{Key: next.AsSlice(), IntervalEnd: true})
	}
	return elems
}

func rangesElements(rs []Range) []nftables.SetElement {
	var out []nftables.SetElement
	for _, r := range rs {
		out = append(out, rangeElements(r)...)
	}
	return out
}

// elementsRangeSet decodes the elements of a set of the given family.
// Elements that do not belong to the family are ignored, as are interval
// ends without a start.
func elementsRangeSet(set *nftables.Set, family policy.Family, elems []nftables.SetElement) RangeSet {
	size := 4
	if family == policy.FamilyV6 {
		size = 16
	}
	elems = slices.DeleteFunc(slices.Clone(elems), func(e nftables.SetElement) bool {
		return len(e.Key) != size
	})

	toAddr := func(key []byte) netip.Addr {
		a, _ := netip.AddrFromSlice(key)
		return a
	}

	var ranges []Range
	if !set.Interval {
		for _, e := range elems {
			a := toAddr(e.Key)
			ranges = append(ranges, Range{First: a, Last: a})
		}
		return mergeRanges(ranges)
	}

	slices.SortFunc(elems, func(a, b nftables.SetElement) int {
		if c := bytes.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		// An end closing one interval sorts before a start opening the next.
		switch {
		case a.IntervalEnd && !b.IntervalEnd:
			return -1
		case !a.IntervalEnd && b.IntervalEnd:
			return 1
		}
		return 0
	})

	var open *netip.Addr
	for _, e := range elems {
		a := toAddr(e.Key)
		if e.IntervalEnd {
			if open != nil {
				ranges = append(ranges, Range{First: *open, Last: a.Prev()})
				open = nil
			}
			continue
		}
		if open != nil {
			ranges = append(ranges, Range{First: *open, Last: *open})
		}
		open = &a
	}
	if open != nil {
		ranges = append(ranges, Range{First: *open, Last: maxAddr(family)})
	}
	return mergeRanges(ranges)
}
