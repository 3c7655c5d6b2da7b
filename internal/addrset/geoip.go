package addrset

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP answers country lookups from a local MaxMind or DB-IP country database.
type GeoIP struct {
	mu     sync.RWMutex
	reader *geoip2.Reader
	path   string
}

// OpenGeoIP opens the database at path.
func OpenGeoIP(path string) (*GeoIP, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("GeoIP database not found at %s: %w", path, err)
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open GeoIP database: %w", err)
	}
	return &GeoIP{reader: reader, path: path}, nil
}

// Country returns the lower-case ISO 3166-1 alpha-2 code for addr, or ""
// when the database has no country for it.
func (g *GeoIP) Country(addr netip.Addr) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.reader == nil {
		return "", fmt.Errorf("GeoIP database not loaded")
	}
	record, err := g.reader.Country(net.IP(addr.AsSlice()))
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", addr, err)
	}
	return strings.ToLower(record.Country.IsoCode), nil
}

// Close releases the database.
func (g *GeoIP) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.reader == nil {
		return nil
	}
	err := g.reader.Close()
	g.reader = nil
	return err
}
