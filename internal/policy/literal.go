package policy

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
)

// ErrInvalidLiteral is returned for address or CIDR text that does not parse.
var ErrInvalidLiteral = errors.New("invalid network literal")

// Family is the address family of a literal or set.
type Family uint8

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

// Families lists both families in compile order.
var Families = []Family{FamilyV4, FamilyV6}

// String returns "v4" or "v6".
func (f Family) String() string {
	if f == FamilyV6 {
		return "v6"
	}
	return "v4"
}

// NftType returns the nftables set element type for the family.
func (f Family) NftType() string {
	if f == FamilyV6 {
		return "ipv6_addr"
	}
	return "ipv4_addr"
}

// NftMatch returns the nftables payload expression matching the source address.
func (f Family) NftMatch() string {
	if f == FamilyV6 {
		return "ip6 saddr"
	}
	return "ip saddr"
}

// Literal is a canonical CIDR network: host bits cleared, IPv4-mapped IPv6
// addresses unmapped.
type Literal struct {
	p netip.Prefix
}

// ParseLiteral parses "203.0.113.7", "203.0.113.0/24" or an IPv6 equivalent.
// A bare address becomes a host route. Host bits in a prefix are cleared.
func ParseLiteral(s string) (Literal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Literal{}, fmt.Errorf("%w: empty", ErrInvalidLiteral)
	}

	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil || addr.Zone() != "" {
			return Literal{}, fmt.Errorf("%w: %q", ErrInvalidLiteral, s)
		}
		addr = addr.Unmap()
		return Literal{p: netip.PrefixFrom(addr, addr.BitLen())}, nil
	}

	p, err := netip.ParsePrefix(s)
	if err != nil {
		return Literal{}, fmt.Errorf("%w: %q", ErrInvalidLiteral, s)
	}
	if p.Addr().Is4In6() {
		bits := p.Bits() - 96
		if bits < 0 {
			return Literal{}, fmt.Errorf("%w: %q mixes families", ErrInvalidLiteral, s)
		}
		p = netip.PrefixFrom(p.Addr().Unmap(), bits)
	}
	return Literal{p: p.Masked()}, nil
}

// MustParseLiteral is ParseLiteral for constants and tests.
func MustParseLiteral(s string) Literal {
	l, err := ParseLiteral(s)
	if err != nil {
		panic(err)
	}
	return l
}

// LiteralFromPrefix wraps an already parsed prefix.
func LiteralFromPrefix(p netip.Prefix) Literal {
	if p.Addr().Is4In6() && p.Bits() >= 96 {
		p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
	}
	return Literal{p: p.Masked()}
}

// Prefix returns the underlying prefix.
func (l Literal) Prefix() netip.Prefix { return l.p }

// IsValid reports whether l holds a network.
func (l Literal) IsValid() bool { return l.p.IsValid() }

// Family returns the literal's address family.
func (l Literal) Family() Family {
	if l.p.Addr().Is4() {
		return FamilyV4
	}
	return FamilyV6
}

// String renders the literal in CIDR form.
func (l Literal) String() string { return l.p.String() }

// First returns the lowest address in the network.
func (l Literal) First() netip.Addr { return l.p.Addr() }

// Last returns the highest address in the network.
func (l Literal) Last() netip.Addr {
	a := l.p.Addr().AsSlice()
	bits := l.p.Bits()
	for i := range a {
		hostBits := len(a)*8 - bits - (len(a)-1-i)*8
		switch {
		case hostBits >= 8:
			a[i] = 0xff
		case hostBits > 0:
			a[i] |= byte(1<<hostBits) - 1
		}
	}
	addr, _ := netip.AddrFromSlice(a)
	return addr
}

// Covers reports whether every address of other is inside l.
func (l Literal) Covers(other Literal) bool {
	return l.Family() == other.Family() && l.p.Bits() <= other.p.Bits() && l.p.Contains(other.p.Addr())
}

// Compare orders literals by family, then address, then prefix length.
func (l Literal) Compare(other Literal) int {
	if l.Family() != other.Family() {
		if l.Family() < other.Family() {
			return -1
		}
		return 1
	}
	if c := l.p.Addr().Compare(other.p.Addr()); c != 0 {
		return c
	}
	return l.p.Bits() - other.p.Bits()
}

// SortLiterals sorts in place and drops exact duplicates.
func SortLiterals(ls []Literal) []Literal {
	slices.SortFunc(ls, Literal.Compare)
	return slices.CompactFunc(ls, func(a, b Literal) bool { return a == b })
}

// SplitFamilies partitions literals into v4 and v6 slices.
func SplitFamilies(ls []Literal) (v4, v6 []Literal) {
	for _, l := range ls {
		if l.Family() == FamilyV4 {
			v4 = append(v4, l)
		} else {
			v6 = append(v6, l)
		}
	}
	return v4, v6
}

// MarshalText implements encoding.TextMarshaler.
func (l Literal) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Literal) UnmarshalText(b []byte) error {
	parsed, err := ParseLiteral(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// RangeLiterals returns the minimal list of literals exactly covering the
// inclusive address range [first, last]. Both ends must share a family.
func RangeLiterals(first, last netip.Addr) []Literal {
	first, last = first.Unmap(), last.Unmap()
	if !first.IsValid() || first.BitLen() != last.BitLen() || last.Less(first) {
		return nil
	}

	var out []Literal
	cur := first
	for {
		for bits := 0; bits <= cur.BitLen(); bits++ {
			l := Literal{p: netip.PrefixFrom(cur, bits).Masked()}
			if l.First() != cur || last.Less(l.Last()) {
				continue
			}
			out = append(out, l)
			cur = l.Last()
			break
		}
		if cur == last {
			return out
		}
		cur = cur.Next()
	}
}
