package compiler

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/geoblock/internal/policy"
)

func scenarioProgram(t *testing.T) *Program {
	t.Helper()
	prog, err := Compile(mustPolicy(t, policy.Document{
		Countries: []string{"ro"},
		Whitelist: []string{"10.0.0.5/32"},
		Attackers: []string{"10.0.0.5/32"},
	}), scenarioSources(), testOpts)
	require.NoError(t, err)
	return prog
}

func TestRenderIPTables(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderIPTables(&buf, scenarioProgram(t)))
	out := buf.String()

	assert.Contains(t, out, "create geoblock-whitelist_v4 hash:net family inet -exist\n")
	assert.Contains(t, out, "create geoblock-country_ro_v6 hash:net family inet6 -exist\n")
	assert.Contains(t, out, "add geoblock-country_ro_v4 86.120.0.0/13\n")
	assert.Contains(t, out, "-I INPUT -j GEOBLOCK\n")

	wl := bytes.Index(buf.Bytes(), []byte(`--match-set geoblock-whitelist_v4 src -m comment --comment "whitelist:v4" -j ACCEPT`))
	att := bytes.Index(buf.Bytes(), []byte(`--match-set geoblock-attackers_v4 src -m comment --comment "attackers:v4" -j DROP`))
	cc := bytes.Index(buf.Bytes(), []byte(`--match-set geoblock-country_ro_v4 src`))
	require.True(t, wl > 0 && att > 0 && cc > 0)
	assert.Less(t, wl, att)
	assert.Less(t, att, cc)
}

func TestRenderPF(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderPF(&buf, scenarioProgram(t)))
	out := buf.String()

	assert.Contains(t, out, "table <country_ro_v4> persist { 5.2.128.0/17 86.120.0.0/13 }\n")
	assert.Contains(t, out, "table <whitelist_v6> persist {  }\n")
	assert.Contains(t, out, `pass in quick inet from <whitelist_v4> label "whitelist:v4"`)
	assert.Contains(t, out, `block drop in quick inet6 from <country_ro_v6> label "country:ro:v6"`)
}
