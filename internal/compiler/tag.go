package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"grimm.is/geoblock/internal/policy"
)

// Kind is the role of a set in the rule program.
type Kind string

const (
	KindWhitelist Kind = "whitelist"
	KindAttackers Kind = "attackers"
	KindASN       Kind = "asn"
	KindCountry   Kind = "country"
)

// Tier is the evaluation band a rule belongs to. Lower tiers are evaluated first.
type Tier int

const (
	TierWhitelist Tier = iota
	TierAttackers
	TierASN
	TierCountry
)

// Action is the verdict of a matching rule.
type Action string

const (
	ActionAccept Action = "accept"
	ActionDrop   Action = "drop"
)

// Tag identifies a set and the single rule matching it. Tags are stable
// across recompiles: the same policy entry always yields the same tag, so
// rules can be found again without relying on their position.
//
// Text forms: "whitelist:v4", "attackers:v6", "asn:64500:v4", "country:ro:v6".
type Tag struct {
	Kind   Kind
	Key    string
	Family policy.Family
}

// WhitelistTag returns the whitelist tag of a family.
func WhitelistTag(f policy.Family) Tag { return Tag{Kind: KindWhitelist, Family: f} }

// AttackersTag returns the attacker blocklist tag of a family.
func AttackersTag(f policy.Family) Tag { return Tag{Kind: KindAttackers, Family: f} }

// ASNTag returns the tag of an autonomous system's ranges.
func ASNTag(asn policy.ASN, f policy.Family) Tag {
	return Tag{Kind: KindASN, Key: strconv.FormatUint(uint64(asn), 10), Family: f}
}

// CountryTag returns the tag of a country's ranges. cc must be normalized.
func CountryTag(cc string, f policy.Family) Tag {
	return Tag{Kind: KindCountry, Key: cc, Family: f}
}

func (t Tag) String() string {
	if t.Key == "" {
		return string(t.Kind) + ":" + t.Family.String()
	}
	return string(t.Kind) + ":" + t.Key + ":" + t.Family.String()
}

// SetName is the nftables identifier of the tag's set.
func (t Tag) SetName() string {
	return strings.ReplaceAll(t.String(), ":", "_")
}

// Group drops the family: "country:ro", "attackers".
func (t Tag) Group() string {
	if t.Key == "" {
		return string(t.Kind)
	}
	return string(t.Kind) + ":" + t.Key
}

// Tier returns the evaluation band of the tag's rule.
func (t Tag) Tier() Tier {
	switch t.Kind {
	case KindWhitelist:
		return TierWhitelist
	case KindAttackers:
		return TierAttackers
	case KindASN:
		return TierASN
	default:
		return TierCountry
	}
}

// Action returns the verdict of the tag's rule.
func (t Tag) Action() Action {
	if t.Kind == KindWhitelist {
		return ActionAccept
	}
	return ActionDrop
}

// ASN returns the AS number of an asn tag.
func (t Tag) ASN() (policy.ASN, bool) {
	if t.Kind != KindASN {
		return 0, false
	}
	n, err := strconv.ParseUint(t.Key, 10, 32)
	if err != nil {
		return 0, false
	}
	return policy.ASN(n), true
}

// ParseTag parses the text form of a tag.
func ParseTag(s string) (Tag, error) {
	parts := strings.Split(s, ":")
	var t Tag
	switch len(parts) {
	case 2:
		t = Tag{Kind: Kind(parts[0])}
	case 3:
		t = Tag{Kind: Kind(parts[0]), Key: parts[1]}
	default:
		return Tag{}, fmt.Errorf("invalid tag %q", s)
	}

	switch parts[len(parts)-1] {
	case "v4":
		t.Family = policy.FamilyV4
	case "v6":
		t.Family = policy.FamilyV6
	default:
		return Tag{}, fmt.Errorf("invalid tag %q: unknown family", s)
	}

	switch t.Kind {
	case KindWhitelist, KindAttackers:
		if t.Key != "" {
			return Tag{}, fmt.Errorf("invalid tag %q", s)
		}
	case KindASN:
		if _, ok := t.ASN(); !ok {
			return Tag{}, fmt.Errorf("invalid tag %q: bad AS number", s)
		}
	case KindCountry:
		cc, err := policy.NormalizeCountry(t.Key)
		if err != nil || cc != t.Key {
			return Tag{}, fmt.Errorf("invalid tag %q: bad country", s)
		}
	default:
		return Tag{}, fmt.Errorf("invalid tag %q: unknown kind", s)
	}
	return t, nil
}

// TagFromSetName reverses Tag.SetName.
func TagFromSetName(name string) (Tag, error) {
	return ParseTag(strings.ReplaceAll(name, "_", ":"))
}

// less orders rules the way Compile emits them within a tier: ASN rules by
// number, everything else by family only.
func (t Tag) less(o Tag) bool {
	if t.Tier() != o.Tier() {
		return t.Tier() < o.Tier()
	}
	if t.Kind == KindASN {
		a, _ := t.ASN()
		b, _ := o.ASN()
		if a != b {
			return a < b
		}
	}
	if t.Key == o.Key {
		return t.Family < o.Family
	}
	return false
}
