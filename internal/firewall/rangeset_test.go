package firewall

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"grimm.is/geoblock/internal/policy"
)

func lits(ss ...string) []policy.Literal {
	out := make([]policy.Literal, len(ss))
	for i, s := range ss {
		out[i] = policy.MustParseLiteral(s)
	}
	return out
}

func litStrings(ls []policy.Literal) []string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.String()
	}
	return out
}

func TestRangeSet_Merge(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"empty", nil, nil},
		{"disjoint", []string{"10.0.2.0/24", "10.0.0.0/24"}, []string{"10.0.0.0/24", "10.0.2.0/24"}},
		{"adjacent", []string{"10.0.0.0/24", "10.0.1.0/24"}, []string{"10.0.0.0/23"}},
		{"nested", []string{"10.0.0.0/8", "10.1.2.3"}, []string{"10.0.0.0/8"}},
		{"overlapping run", []string{"10.0.0.0/25", "10.0.0.64/26", "10.0.0.128/25", "10.0.1.0/32"}, []string{"10.0.0.0/24", "10.0.1.0/32"}},
		{"v6", []string{"2001:db8::/33", "2001:db8:8000::/33"}, []string{"2001:db8::/32"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CanonicalLiterals(lits(tt.in...))
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, litStrings(got))
		})
	}
}

func TestRangeSet_Contains(t *testing.T) {
	rs := NewRangeSet(lits("10.0.0.0/8", "192.168.1.0/24", "203.0.113.7")...)

	for addr, want := range map[string]bool{
		"10.0.0.0":        true,
		"10.255.255.255":  true,
		"11.0.0.0":        false,
		"192.168.1.77":    true,
		"192.168.2.1":     false,
		"203.0.113.7":     true,
		"203.0.113.8":     false,
		"9.255.255.255":   false,
		"255.255.255.255": false,
	} {
		assert.Equal(t, want, rs.Contains(netip.MustParseAddr(addr)), addr)
	}
}

func TestRangeSet_Covers(t *testing.T) {
	rs := NewRangeSet(lits("10.0.0.0/24", "10.0.2.0/24")...)

	assert.True(t, rs.Covers(RangeFromLiteral(policy.MustParseLiteral("10.0.0.128/25"))))
	assert.False(t, rs.Covers(RangeFromLiteral(policy.MustParseLiteral("10.0.0.0/22"))), "gap at 10.0.1.0/24")
	assert.False(t, rs.Covers(RangeFromLiteral(policy.MustParseLiteral("10.0.3.0/32"))))
}

func TestRangeSet_Subtract(t *testing.T) {
	rs := NewRangeSet(lits("10.0.0.0/24")...)

	hole := rs.Subtract(RangeFromLiteral(policy.MustParseLiteral("10.0.0.128/26")))
	assert.Equal(t, []string{"10.0.0.0/25", "10.0.0.192/26"}, litStrings(hole.Literals()))

	head := rs.Subtract(RangeFromLiteral(policy.MustParseLiteral("10.0.0.0/25")))
	assert.Equal(t, []string{"10.0.0.128/25"}, litStrings(head.Literals()))

	all := rs.Subtract(RangeFromLiteral(policy.MustParseLiteral("10.0.0.0/16")))
	assert.Equal(t, 0, all.Len())
}

func TestRangeSet_TopOfAddressSpace(t *testing.T) {
	rs := NewRangeSet(lits("255.255.255.0/24", "255.255.254.0/24")...)
	assert.Equal(t, []string{"255.255.254.0/23"}, litStrings(rs.Literals()))
	assert.True(t, rs.Contains(netip.MustParseAddr("255.255.255.255")))

	rest := rs.Subtract(RangeFromLiteral(policy.MustParseLiteral("255.255.255.255")))
	assert.False(t, rest.Contains(netip.MustParseAddr("255.255.255.255")))
	assert.True(t, rest.Contains(netip.MustParseAddr("255.255.255.254")))
}

func TestRangeSet_Touching(t *testing.T) {
	rs := NewRangeSet(lits("10.0.0.0/24", "10.0.2.0/24", "10.0.9.0/24")...)
	got := rs.Touching(RangeFromLiteral(policy.MustParseLiteral("10.0.1.0/24")))
	assert.Len(t, got, 2)
}

func TestRangeSet_Equal(t *testing.T) {
	a := NewRangeSet(lits("10.0.0.0/25", "10.0.0.128/25")...)
	b := NewRangeSet(lits("10.0.0.0/24")...)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(NewRangeSet(lits("10.0.0.0/25")...)))
}
