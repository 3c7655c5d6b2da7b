package compiler

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/geoblock/internal/addrset"
	"grimm.is/geoblock/internal/policy"
)

var testOpts = Options{Table: "geoblock", Chain: "filter", Hook: "input", Priority: -10}

func lits(ss ...string) []policy.Literal {
	out := make([]policy.Literal, len(ss))
	for i, s := range ss {
		out[i] = policy.MustParseLiteral(s)
	}
	return out
}

func tagStrings(rules []Rule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.Tag.String()
	}
	return out
}

func mustPolicy(t *testing.T, doc policy.Document) policy.Policy {
	t.Helper()
	p, err := policy.Build(doc)
	require.NoError(t, err)
	return p
}

func scenarioSources() *addrset.Resolved {
	src := addrset.NewResolved()
	src.Countries["ro"] = lits("5.2.128.0/17", "86.120.0.0/13", "2a02:2f00::/24")
	src.Countries["ru"] = lits("2.60.0.0/14", "95.24.0.0/13")
	return src
}

func TestCompile_Scenario(t *testing.T) {
	p := mustPolicy(t, policy.Document{
		Countries: []string{"ro", "ru"},
		Whitelist: []string{"10.0.0.5/32"},
		Attackers: []string{"10.0.0.5/32"},
	})

	prog, err := Compile(p, scenarioSources(), testOpts)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"whitelist:v4", "whitelist:v6",
		"attackers:v4", "attackers:v6",
		"country:ro:v4", "country:ro:v6",
		"country:ru:v4", "country:ru:v6",
	}, tagStrings(prog.Rules))
	require.NoError(t, CheckOrder(prog.Rules))

	ev := NewEvaluator(prog)

	v := ev.Evaluate(netip.MustParseAddr("10.0.0.5"))
	assert.Equal(t, ActionAccept, v.Action)
	require.NotNil(t, v.Rule)
	assert.Equal(t, "whitelist:v4", v.Rule.String())

	v = ev.Evaluate(netip.MustParseAddr("86.121.4.20"))
	assert.Equal(t, ActionDrop, v.Action)
	assert.Equal(t, "country:ro:v4", v.Rule.String())
	assert.Equal(t, netip.MustParsePrefix("86.120.0.0/13"), v.Match)

	v = ev.Evaluate(netip.MustParseAddr("198.51.100.10"))
	assert.Equal(t, ActionAccept, v.Action)
	assert.Nil(t, v.Rule, "unmatched traffic falls through to the default policy")
}

func TestCompile_WhitelistPrecedence(t *testing.T) {
	p := mustPolicy(t, policy.Document{
		Countries: []string{"ro"},
		Whitelist: []string{"5.2.130.0/24", "2001:db8::1"},
		Attackers: []string{"5.2.130.7", "2001:db8::/64"},
		ASNs:      []string{"AS64500"},
	})
	src := scenarioSources()
	src.ASNs[64500] = lits("5.2.128.0/17")

	prog, err := Compile(p, src, testOpts)
	require.NoError(t, err)

	for _, wl := range p.Whitelist {
		for _, addr := range []netip.Addr{wl.First(), wl.Last()} {
			v := Evaluate(prog, addr)
			assert.Equal(t, ActionAccept, v.Action, addr.String())
			assert.Equal(t, KindWhitelist, v.Rule.Kind, addr.String())
		}
	}

	assert.Equal(t, ActionDrop, Evaluate(prog, netip.MustParseAddr("2001:db8::2")).Action)
	assert.Equal(t, KindASN, Evaluate(prog, netip.MustParseAddr("5.2.129.1")).Rule.Kind,
		"AS rules are evaluated before country rules")
}

func TestCompile_Deterministic(t *testing.T) {
	doc := policy.Document{
		Countries: []string{"ru", "ro"},
		Whitelist: []string{"10.0.0.5/32", "192.0.2.0/24"},
		Attackers: []string{"203.0.113.7", "2001:db8::/32", "203.0.113.7/32"},
		ASNs:      []string{"AS64501", "as64500"},
	}
	src := scenarioSources()
	src.ASNs[64500] = lits("198.51.100.0/24")
	src.ASNs[64501] = nil

	a, err := Compile(mustPolicy(t, doc), src, testOpts)
	require.NoError(t, err)
	b, err := Compile(mustPolicy(t, doc), src, testOpts)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, a.Hash(), b.Hash())
	assert.True(t, Diff(a, b).Empty())

	// ASN tier is sorted numerically regardless of input order.
	assert.Equal(t, "asn:64500:v4", a.Rules[4].Tag.String())
	assert.Equal(t, "asn:64501:v4", a.Rules[6].Tag.String())
}

func TestCompile_EmptyPolicyDeclaresEmptySets(t *testing.T) {
	prog, err := Compile(policy.Policy{}, nil, testOpts)
	require.NoError(t, err)

	assert.Len(t, prog.Sets, 4)
	for _, s := range prog.Sets {
		assert.Empty(t, s.Elements, s.Tag.String())
	}
	assert.Equal(t, ActionAccept, Evaluate(prog, netip.MustParseAddr("10.0.0.1")).Action)
}

func TestCompile_MissingSource(t *testing.T) {
	p := mustPolicy(t, policy.Document{Countries: []string{"ro", "de"}})
	_, err := Compile(p, scenarioSources(), testOpts)
	assert.ErrorIs(t, err, ErrMissingSource)

	p = mustPolicy(t, policy.Document{ASNs: []string{"AS64500"}})
	_, err = Compile(p, scenarioSources(), testOpts)
	assert.ErrorIs(t, err, ErrMissingSource)
}

func TestProgram_Declare(t *testing.T) {
	prog := &Program{Options: testOpts}
	require.NoError(t, prog.Declare(AttackersTag(policy.FamilyV4), lits("203.0.113.7")))

	err := prog.Declare(AttackersTag(policy.FamilyV4), nil)
	assert.ErrorIs(t, err, ErrDuplicateTag)

	err = prog.Declare(WhitelistTag(policy.FamilyV4), lits("2001:db8::1"))
	assert.ErrorIs(t, err, policy.ErrInvalidLiteral)
}

func TestProgram_Add(t *testing.T) {
	prog, err := Compile(mustPolicy(t, policy.Document{Countries: []string{"ro"}}), scenarioSources(), testOpts)
	require.NoError(t, err)

	require.NoError(t, prog.Add(ASNTag(64500, policy.FamilyV4), lits("198.51.100.0/24")))
	assert.Equal(t, []string{
		"whitelist:v4", "whitelist:v6", "attackers:v4", "attackers:v6",
		"asn:64500:v4", "country:ro:v4", "country:ro:v6",
	}, tagStrings(prog.Rules))
	require.NoError(t, CheckOrder(prog.Rules))
	assert.NotNil(t, prog.Set(ASNTag(64500, policy.FamilyV4)))

	assert.ErrorIs(t, prog.Add(ASNTag(64500, policy.FamilyV4), nil), ErrDuplicateTag)
}

func TestProgram_Summarize(t *testing.T) {
	p := mustPolicy(t, policy.Document{
		Countries: []string{"ro", "ru"},
		Whitelist: []string{"10.0.0.5/32"},
		Attackers: []string{"203.0.113.7", "2001:db8::1"},
		ASNs:      []string{"AS64500"},
	})
	src := scenarioSources()
	src.ASNs[64500] = lits("198.51.100.0/24", "2001:db8:1::/48")

	prog, err := Compile(p, src, testOpts)
	require.NoError(t, err)

	s := prog.Summarize()
	assert.Equal(t, 2, s.Countries)
	assert.Equal(t, 1, s.ASNs)
	assert.Equal(t, 2, s.Attackers)
	assert.Equal(t, 1, s.Whitelist)
	assert.Equal(t, 10, s.Sets)
	assert.Equal(t, 10, s.Rules)
	assert.Equal(t, 1+2+2+3+2, s.Elements)
}

func TestPositionFor(t *testing.T) {
	p := mustPolicy(t, policy.Document{Countries: []string{"ro"}, ASNs: []string{"AS64500", "AS64510"}})
	src := scenarioSources()
	src.ASNs[64500] = nil
	src.ASNs[64510] = nil
	prog, err := Compile(p, src, testOpts)
	require.NoError(t, err)

	tests := []struct {
		tag  Tag
		want int
	}{
		{ASNTag(64505, policy.FamilyV4), 6},
		{ASNTag(64505, policy.FamilyV6), 6},
		{ASNTag(64520, policy.FamilyV4), 8},
		{ASNTag(64400, policy.FamilyV4), 4},
		{CountryTag("de", policy.FamilyV4), 10},
	}
	for _, tt := range tests {
		t.Run(tt.tag.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, PositionFor(prog.Rules, tt.tag))
		})
	}

	// Inserting at the returned position keeps tier order.
	rules := append([]Rule(nil), prog.Rules...)
	pos := PositionFor(rules, ASNTag(64505, policy.FamilyV4))
	rules = append(rules[:pos], append([]Rule{{Tag: ASNTag(64505, policy.FamilyV4)}}, rules[pos:]...)...)
	assert.NoError(t, CheckOrder(rules))
}

func TestCheckOrder(t *testing.T) {
	bad := []Rule{
		{Tag: CountryTag("ro", policy.FamilyV4)},
		{Tag: WhitelistTag(policy.FamilyV4)},
	}
	assert.Error(t, CheckOrder(bad))
}
