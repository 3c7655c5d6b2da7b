package addrset

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"grimm.is/geoblock/internal/policy"
)

const (
	cymruOriginV4 = "origin.asn.cymru.com."
	cymruOriginV6 = "origin6.asn.cymru.com."
)

// Origin describes the announcement covering an address.
type Origin struct {
	ASN      policy.ASN `json:"asn"`
	Prefix   string     `json:"prefix"`
	Country  string     `json:"country"`
	Registry string     `json:"registry"`
}

// OriginLookup finds the origin AS of an address through the Team Cymru
// IP-to-ASN DNS interface.
type OriginLookup struct {
	Resolver string
	client   *dns.Client
}

// NewOriginLookup creates a lookup that queries resolver (host:port).
func NewOriginLookup(resolver string, timeout time.Duration) *OriginLookup {
	c := new(dns.Client)
	c.Timeout = timeout
	return &OriginLookup{Resolver: resolver, client: c}
}

// Lookup returns the origin of addr.
func (o *OriginLookup) Lookup(ctx context.Context, addr netip.Addr) (*Origin, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(originName(addr), dns.TypeTXT)
	msg.RecursionDesired = true

	resp, _, err := o.client.ExchangeContext(ctx, msg, o.Resolver)
	if err != nil {
		return nil, fmt.Errorf("%w: origin lookup: %v", ErrSourceUnavailable, err)
	}
	if resp.Rcode == dns.RcodeNameError {
		return nil, fmt.Errorf("no origin announced for %s", addr)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%w: origin lookup: %s", ErrSourceUnavailable, dns.RcodeToString[resp.Rcode])
	}

	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		return parseOrigin(strings.Join(txt.Txt, ""))
	}
	return nil, fmt.Errorf("no origin announced for %s", addr)
}

// originName builds the reversed query name, e.g. 1.2.0.192.origin.asn.cymru.com.
func originName(addr netip.Addr) string {
	addr = addr.Unmap()
	var b strings.Builder
	if addr.Is4() {
		a := addr.As4()
		for i := len(a) - 1; i >= 0; i-- {
			b.WriteString(strconv.Itoa(int(a[i])))
			b.WriteByte('.')
		}
		b.WriteString(cymruOriginV4)
		return b.String()
	}

	const hex = "0123456789abcdef"
	a := addr.As16()
	for i := len(a) - 1; i >= 0; i-- {
		b.WriteByte(hex[a[i]&0x0f])
		b.WriteByte('.')
		b.WriteByte(hex[a[i]>>4])
		b.WriteByte('.')
	}
	b.WriteString(cymruOriginV6)
	return b.String()
}

// parseOrigin reads "13335 | 1.1.1.0/24 | AU | apnic | 2011-08-11". When an
// address is announced by several AS the first field lists all of them; the
// first is used.
func parseOrigin(txt string) (*Origin, error) {
	fields := strings.Split(txt, "|")
	if len(fields) < 4 {
		return nil, fmt.Errorf("%w: origin record %q", ErrMalformedData, txt)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	asFields := strings.Fields(fields[0])
	if len(asFields) == 0 {
		return nil, fmt.Errorf("%w: origin record %q", ErrMalformedData, txt)
	}
	asn, err := policy.ParseASN(asFields[0])
	if err != nil {
		return nil, fmt.Errorf("%w: origin record %q", ErrMalformedData, txt)
	}
	return &Origin{
		ASN:      asn,
		Prefix:   fields[1],
		Country:  strings.ToLower(fields[2]),
		Registry: fields[3],
	}, nil
}
