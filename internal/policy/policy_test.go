package policy

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLiteral(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		family Family
	}{
		{"203.0.113.7", "203.0.113.7/32", FamilyV4},
		{" 10.0.0.0/8 ", "10.0.0.0/8", FamilyV4},
		{"10.1.2.3/8", "10.0.0.0/8", FamilyV4},
		{"2001:db8::1", "2001:db8::1/128", FamilyV6},
		{"2001:db8::/32", "2001:db8::/32", FamilyV6},
		{"::ffff:192.0.2.1", "192.0.2.1/32", FamilyV4},
		{"::ffff:192.0.2.0/120", "192.0.2.0/24", FamilyV4},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			l, err := ParseLiteral(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, l.String())
			assert.Equal(t, tt.family, l.Family())
		})
	}
}

func TestParseLiteral_Invalid(t *testing.T) {
	for _, in := range []string{"", "banana", "10.0.0.0/33", "300.1.1.1", "fe80::1%eth0", "10.0.0.0/", "::ffff:1.2.3.4/64"} {
		_, err := ParseLiteral(in)
		assert.ErrorIs(t, err, ErrInvalidLiteral, "input %q", in)
	}
}

func TestLiteral_LastAndCovers(t *testing.T) {
	wide := MustParseLiteral("198.51.100.0/22")
	assert.Equal(t, "198.51.103.255", wide.Last().String())
	assert.Equal(t, "2001:db8:ffff:ffff:ffff:ffff:ffff:ffff", MustParseLiteral("2001:db8::/32").Last().String())
	assert.Equal(t, "10.0.0.5", MustParseLiteral("10.0.0.5").Last().String())

	assert.True(t, wide.Covers(MustParseLiteral("198.51.101.7")))
	assert.True(t, wide.Covers(wide))
	assert.False(t, wide.Covers(MustParseLiteral("198.51.100.0/21")))
	assert.False(t, wide.Covers(MustParseLiteral("198.51.104.1")))
	assert.False(t, MustParseLiteral("0.0.0.0/0").Covers(MustParseLiteral("::/0")))
}

func TestSortLiterals(t *testing.T) {
	in := []Literal{
		MustParseLiteral("2001:db8::/32"),
		MustParseLiteral("10.0.0.0/8"),
		MustParseLiteral("10.0.0.0/16"),
		MustParseLiteral("10.0.0.0/8"),
	}
	out := SortLiterals(in)
	require.Len(t, out, 3)
	assert.Equal(t, "10.0.0.0/8", out[0].String())
	assert.Equal(t, "10.0.0.0/16", out[1].String())
	assert.Equal(t, "2001:db8::/32", out[2].String())
}

func TestBuild(t *testing.T) {
	p, err := Build(Document{
		Countries: []string{"RO", "ru", "ro"},
		Whitelist: []string{"10.0.0.5/32"},
		Attackers: []string{"10.0.0.5", "2001:db8::bad"},
		ASNs:      []string{"as64500", "64500", "AS64501"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"ro", "ru"}, p.Countries)
	assert.Equal(t, []Literal{MustParseLiteral("10.0.0.5/32")}, p.Whitelist)
	assert.Len(t, p.Attackers, 2)
	assert.Equal(t, []ASN{64500, 64501}, p.ASNs)

	doc := p.Document()
	assert.Equal(t, []string{"AS64500", "AS64501"}, doc.ASNs)
	assert.Equal(t, []string{"10.0.0.5/32", "2001:db8::bad/128"}, doc.Attackers)
}

func TestBuild_EmptyIsValid(t *testing.T) {
	p, err := Build(Document{})
	require.NoError(t, err)
	assert.True(t, p.Empty())

	p, err = Build(Document{Whitelist: []string{"192.0.2.1"}})
	require.NoError(t, err)
	assert.Empty(t, p.Countries)
}

func TestValidate_ReportsEveryError(t *testing.T) {
	err := Validate(Document{
		Countries: []string{"xx", "r0", "eu", "ro"},
		Whitelist: []string{"nope"},
		ASNs:      []string{"AS0"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidCountryCode))
	assert.True(t, errors.Is(err, ErrInvalidLiteral))
	assert.True(t, errors.Is(err, ErrInvalidASN))
	assert.Contains(t, err.Error(), `"r0"`)
	assert.Contains(t, err.Error(), `"eu"`)
}

func TestNormalizeCountry(t *testing.T) {
	cc, err := NormalizeCountry(" DE ")
	require.NoError(t, err)
	assert.Equal(t, "de", cc)

	for _, bad := range []string{"", "d", "deu", "1a", "zz", "qq"} {
		_, err := NormalizeCountry(bad)
		assert.ErrorIs(t, err, ErrInvalidCountryCode, bad)
	}
}

func TestParseASN(t *testing.T) {
	for in, want := range map[string]ASN{"AS13335": 13335, "as1": 1, " 4200000000 ": 4200000000} {
		got, err := ParseASN(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	for _, bad := range []string{"AS", "ASX", "-1", "4294967296", "0"} {
		_, err := ParseASN(bad)
		assert.ErrorIs(t, err, ErrInvalidASN, bad)
	}
	assert.Equal(t, "AS13335", ASN(13335).String())
}

func TestRangeLiterals(t *testing.T) {
	tests := []struct {
		first, last string
		want        []string
	}{
		{"10.0.0.0", "10.0.0.255", []string{"10.0.0.0/24"}},
		{"10.0.0.5", "10.0.0.5", []string{"10.0.0.5/32"}},
		{"10.0.0.1", "10.0.0.6", []string{"10.0.0.1/32", "10.0.0.2/31", "10.0.0.4/31", "10.0.0.6/32"}},
		{"0.0.0.0", "255.255.255.255", []string{"0.0.0.0/0"}},
		{"2001:db8::", "2001:db8::ffff", []string{"2001:db8::/112"}},
		{"10.0.0.9", "10.0.0.1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.first+"-"+tt.last, func(t *testing.T) {
			got := RangeLiterals(netip.MustParseAddr(tt.first), netip.MustParseAddr(tt.last))
			var s []string
			for _, l := range got {
				s = append(s, l.String())
			}
			assert.Equal(t, tt.want, s)
		})
	}
}
