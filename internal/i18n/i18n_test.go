package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		locale   string
		expected language.Tag
	}{
		{"en_US", language.English},
		{"de-DE", language.German},
		{"fr_FR", language.English},
		{"", language.English},
	}

	for _, tt := range tests {
		got := MatchLanguage(tt.locale)
		base, _ := got.Base()
		exp, _ := tt.expected.Base()
		assert.Equal(t, exp, base, "locale: %s", tt.locale)
	}
}

func TestNewCLIPrinter(t *testing.T) {
	t.Setenv("LC_ALL", "")
	t.Setenv("LANG", "en_US.UTF-8")

	p := NewCLIPrinter()
	assert.Equal(t, "1,234 sets", p.Sprintf("%d sets", 1234))
}

func TestCountryName(t *testing.T) {
	t.Setenv("LC_ALL", "C")

	assert.Equal(t, "Romania", CountryName("ro"))
	assert.Equal(t, "Russia", CountryName("RU"))
	assert.Equal(t, "ZZZ", CountryName("zzz"))
}
