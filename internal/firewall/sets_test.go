//go:build linux

package firewall

import (
	"net/netip"
	"testing"

	"github.com/google/nftables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/geoblock/internal/policy"
)

func intervalSet(name string) *nftables.Set {
	return &nftables.Set{
		Table:    &nftables.Table{Name: "geoblock", Family: nftables.TableFamilyINet},
		Name:     name,
		Interval: true,
	}
}

func TestRangeElements(t *testing.T) {
	r := RangeFromLiteral(policy.MustParseLiteral("10.0.0.0/24"))
	elems := rangeElements(r)
	require.Len(t, elems, 2)
	assert.Equal(t, []byte{10, 0, 0, 0}, elems[0].Key)
	assert.False(t, elems[0].IntervalEnd)
	assert.Equal(t, []byte{10, 0, 1, 0}, elems[1].Key)
	assert.True(t, elems[1].IntervalEnd)

	top := rangeElements(RangeFromLiteral(policy.MustParseLiteral("255.255.255.0/24")))
	assert.Len(t, top, 1, "a range ending at the last address has no end element")
}

func TestElementsRangeSet_RoundTrip(t *testing.T) {
	for _, family := range []policy.Family{policy.FamilyV4, policy.FamilyV6} {
		var in []policy.Literal
		if family == policy.FamilyV4 {
			in = lits("10.0.0.0/8", "192.168.1.7", "255.255.255.0/24")
		} else {
			in = lits("2001:db8::/32", "2a02:2f00::/24")
		}
		want := NewRangeSet(in...)
		got := elementsRangeSet(intervalSet("x"), family, rangesElements(want.Ranges()))
		assert.True(t, want.Equal(got), "family %s: got %v", family, got.Ranges())
	}
}

func TestElementsRangeSet_Unordered(t *testing.T) {
	// Dumps come back in kernel order, which is not ascending.
	elems := []nftables.SetElement{
		{Key: []byte{10, 0, 2, 0}, IntervalEnd: true},
		{Key: []byte{10, 0, 0, 0}, IntervalEnd: true},
		{Key: []byte{10, 0, 1, 0}},
		{Key: []byte{0, 0, 0, 0}, IntervalEnd: true},
	}
	rs := elementsRangeSet(intervalSet("x"), policy.FamilyV4, elems)
	assert.Equal(t, []string{"10.0.1.0/24"}, litStrings(rs.Literals()))
}

func TestElementsRangeSet_IgnoresOtherFamily(t *testing.T) {
	elems := []nftables.SetElement{
		{Key: netip.MustParseAddr("2001:db8::").AsSlice()},
		{Key: []byte{10, 0, 0, 1}},
		{Key: []byte{10, 0, 0, 2}, IntervalEnd: true},
	}
	rs := elementsRangeSet(intervalSet("x"), policy.FamilyV4, elems)
	assert.Equal(t, []string{"10.0.0.1/32"}, litStrings(rs.Literals()))
}

func TestElementsRangeSet_PlainSet(t *testing.T) {
	set := &nftables.Set{Name: "x"}
	elems := []nftables.SetElement{{Key: []byte{10, 0, 0, 1}}, {Key: []byte{10, 0, 0, 2}}}
	rs := elementsRangeSet(set, policy.FamilyV4, elems)
	assert.Equal(t, []string{"10.0.0.1/32", "10.0.0.2/32"}, litStrings(rs.Literals()))
}
