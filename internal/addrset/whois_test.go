package addrset

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/geoblock/internal/logging"
	"grimm.is/geoblock/internal/metrics"
	"grimm.is/geoblock/internal/policy"
	"grimm.is/geoblock/internal/retry"
)

const radbReply = `route:          192.0.2.0/24
descr:          Example
origin:         AS64500
source:         RADB

route:          198.51.100.0/24
origin:         AS64500

route:          192.0.2.0/24
origin:         AS64500
source:         ARIN

route6:         2001:db8::/32
origin:         AS64500

route:          999.0.0.0/8
`

// startWhois serves replies keyed by the query line and records the queries.
func startWhois(t *testing.T, replies map[string]string) (addr string, queries func() []string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var (
		mu   sync.Mutex
		seen []string
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				line, err := bufio.NewReader(c).ReadString('\n')
				if err != nil {
					return
				}
				q := strings.TrimSpace(line)
				mu.Lock()
				seen = append(seen, q)
				mu.Unlock()
				_, _ = c.Write([]byte(replies[q]))
			}(conn)
		}
	}()

	return ln.Addr().String(), func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
}

func newTestWhois(server string) *WhoisResolver {
	return NewWhoisResolver(server, 2*time.Second, retry.Config{MaxAttempts: 1}, logging.Discard()).
		WithMetrics(metrics.New())
}

func TestWhoisResolver_Resolve(t *testing.T) {
	addr, queries := startWhois(t, map[string]string{"-i origin AS64500": radbReply})
	w := newTestWhois(addr)

	lits, err := w.Resolve(context.Background(), 64500)
	require.NoError(t, err)

	assert.Equal(t, []policy.Literal{
		policy.MustParseLiteral("192.0.2.0/24"),
		policy.MustParseLiteral("198.51.100.0/24"),
		policy.MustParseLiteral("2001:db8::/32"),
	}, lits)
	assert.Equal(t, []string{"-i origin AS64500"}, queries())
}

func TestWhoisResolver_NoRoutesIsEmpty(t *testing.T) {
	addr, _ := startWhois(t, map[string]string{"-i origin AS64511": "%  No entries found\n"})
	w := newTestWhois(addr)

	lits, err := w.Resolve(context.Background(), 64511)
	require.NoError(t, err)
	assert.Empty(t, lits)
}

func TestWhoisResolver_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	w := newTestWhois(addr)
	_, err = w.Resolve(context.Background(), 64500)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestParseRoutes(t *testing.T) {
	lits, skipped, err := parseRoutes(strings.NewReader(radbReply))
	require.NoError(t, err)
	assert.Len(t, lits, 3)
	assert.Equal(t, []string{"999.0.0.0/8"}, skipped)
}
