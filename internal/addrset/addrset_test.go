package addrset

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/geoblock/internal/policy"
)

func TestParseList(t *testing.T) {
	input := `# ro aggregated
5.2.128.0/17
not-a-network
5.2.128.0/17
  86.120.0.0/13   ; trailing comment

2001:db8::/32
300.1.1.0/24
`
	res, err := ParseList(strings.NewReader(input), policy.FamilyV4)
	require.NoError(t, err)

	assert.Equal(t, []policy.Literal{
		policy.MustParseLiteral("5.2.128.0/17"),
		policy.MustParseLiteral("86.120.0.0/13"),
	}, res.Literals)
	assert.Equal(t, []string{"not-a-network", "2001:db8::/32", "300.1.1.0/24"}, res.Skipped)
}

func TestParseList_AnyFamily(t *testing.T) {
	res, err := ParseList(strings.NewReader("10.0.0.1\n2001:db8::1\n"), 0)
	require.NoError(t, err)
	assert.Len(t, res.Literals, 2)
	assert.Empty(t, res.Skipped)
}

func TestParseList_NoValidLines(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"only comments", "# nothing\n; here\n"},
		{"only garbage", "<html>\n<body>rate limited</body>\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseList(strings.NewReader(tt.input), policy.FamilyV4)
			assert.ErrorIs(t, err, ErrMalformedData)
		})
	}
}

func TestResolved_Count(t *testing.T) {
	r := NewResolved()
	r.Countries["ro"] = []policy.Literal{policy.MustParseLiteral("5.2.128.0/17")}
	r.ASNs[64500] = []policy.Literal{
		policy.MustParseLiteral("192.0.2.0/24"),
		policy.MustParseLiteral("2001:db8::/32"),
	}
	assert.Equal(t, 3, r.Count())
}
