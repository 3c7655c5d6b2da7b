package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/geoblock/internal/policy"
)

func setTags(sets []SetDecl) []string {
	out := make([]string, len(sets))
	for i, s := range sets {
		out[i] = s.Tag.String()
	}
	return out
}

func TestDiff_FromNothing(t *testing.T) {
	next, err := Compile(mustPolicy(t, policy.Document{Countries: []string{"ro"}}), scenarioSources(), testOpts)
	require.NoError(t, err)

	plan := Diff(nil, next)
	assert.False(t, plan.Rebuild)
	assert.Len(t, plan.AddSets, 6)
	assert.Len(t, plan.AddRules, 6)
	for _, ins := range plan.AddRules {
		assert.Nil(t, ins.Before)
	}
}

func TestDiff_CountryAddedTouchesOnlyThatCountry(t *testing.T) {
	src := scenarioSources()
	src.Countries["de"] = lits("5.1.0.0/16")

	old, err := Compile(mustPolicy(t, policy.Document{
		Countries: []string{"ro", "ru"},
		Attackers: []string{"203.0.113.7"},
	}), src, testOpts)
	require.NoError(t, err)

	next, err := Compile(mustPolicy(t, policy.Document{
		Countries: []string{"ro", "ru", "de"},
		Attackers: []string{"203.0.113.7"},
	}), src, testOpts)
	require.NoError(t, err)

	plan := Diff(old, next)
	assert.False(t, plan.Rebuild)
	assert.Equal(t, []string{"country:de:v4", "country:de:v6"}, setTags(plan.AddSets))
	assert.Empty(t, plan.UpdateSets)
	assert.Empty(t, plan.DeleteSets)
	assert.Empty(t, plan.DropRules)
	require.Len(t, plan.AddRules, 2)
	assert.Nil(t, plan.AddRules[0].Before)
	assert.Nil(t, plan.AddRules[1].Before)
}

func TestDiff_CountryRemovedAndChanged(t *testing.T) {
	src := scenarioSources()
	old, err := Compile(mustPolicy(t, policy.Document{Countries: []string{"ro", "ru"}}), src, testOpts)
	require.NoError(t, err)

	src = scenarioSources()
	src.Countries["ro"] = lits("5.2.128.0/17", "86.120.0.0/13", "2a02:2f00::/24", "109.96.0.0/13")
	next, err := Compile(mustPolicy(t, policy.Document{Countries: []string{"ro"}}), src, testOpts)
	require.NoError(t, err)

	plan := Diff(old, next)
	assert.False(t, plan.Rebuild)
	assert.Equal(t, []string{"country:ro:v4"}, setTags(plan.UpdateSets))
	assert.Equal(t, []string{"country:ru:v4", "country:ru:v6"}, setTags(plan.DeleteSets))
	assert.Equal(t, []string{"country:ru:v4", "country:ru:v6"}, tagStrings(plan.DropRules))
	assert.Empty(t, plan.AddRules)
	assert.Equal(t, []string{"country:ro:v4", "country:ru:v4", "country:ru:v6"}, plan.Changed())
}

func TestDiff_InsertBeforeSurvivor(t *testing.T) {
	src := scenarioSources()
	src.ASNs[64500] = lits("198.51.100.0/24")

	old, err := Compile(mustPolicy(t, policy.Document{Countries: []string{"ro"}}), src, testOpts)
	require.NoError(t, err)
	next, err := Compile(mustPolicy(t, policy.Document{Countries: []string{"ro"}, ASNs: []string{"AS64500"}}), src, testOpts)
	require.NoError(t, err)

	plan := Diff(old, next)
	assert.False(t, plan.Rebuild)
	require.Len(t, plan.AddRules, 2)
	for _, ins := range plan.AddRules {
		require.NotNil(t, ins.Before)
		assert.Equal(t, "country:ro:v4", ins.Before.String())
	}
}

func TestDiff_ReorderNeedsRebuild(t *testing.T) {
	src := scenarioSources()
	old, err := Compile(mustPolicy(t, policy.Document{Countries: []string{"ro", "ru"}}), src, testOpts)
	require.NoError(t, err)
	next, err := Compile(mustPolicy(t, policy.Document{Countries: []string{"ru", "ro"}}), src, testOpts)
	require.NoError(t, err)

	assert.True(t, Diff(old, next).Rebuild)

	moved := *next
	moved.Options.Priority = 0
	assert.True(t, Diff(next, &moved).Rebuild)
}

func TestElementDelta(t *testing.T) {
	add, remove := ElementDelta(
		lits("10.0.0.0/8", "192.0.2.0/24", "203.0.113.7/32"),
		lits("10.0.0.0/8", "198.51.100.0/24", "203.0.113.7/32", "203.0.113.9/32"),
	)
	assert.Equal(t, lits("198.51.100.0/24", "203.0.113.9/32"), add)
	assert.Equal(t, lits("192.0.2.0/24"), remove)
}
