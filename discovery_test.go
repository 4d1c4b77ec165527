package wsd

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/qa"
)

func TestProxyRouteResolvesHostName(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	d := New(DefaultConfig())
	d.lookup = func(_ context.Context, network, host string) ([]netip.Addr, error) {
		requireT.Equal("ip4", network)
		requireT.Equal("proxy.example", host)
		return []netip.Addr{netip.MustParseAddr("10.0.0.50")}, nil
	}

	r, ok := d.proxyRoute(ctx, "urn:uuid:proxy", "soap.udp://proxy.example:3702")
	requireT.True(ok)
	requireT.Equal(netip.MustParseAddrPort("10.0.0.50:3702"), r.Addr)
	requireT.Equal("soap.udp://proxy.example:3702", r.XAddr)
}

func TestProxyRouteLookupIsBounded(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	d := New(DefaultConfig())
	var deadlineSet bool
	d.lookup = func(ctx context.Context, _, _ string) ([]netip.Addr, error) {
		_, deadlineSet = ctx.Deadline()
		<-ctx.Done()
		return nil, ctx.Err()
	}

	started := time.Now()
	_, ok := d.proxyRoute(ctx, "urn:uuid:proxy", "soap.udp://slow.example:3702")
	requireT.False(ok)
	requireT.True(deadlineSet)
	requireT.Less(time.Since(started), 4*proxyLookupTimeout)
}

func TestProxyRouteSkipsLookupForLiteralAddress(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	d := New(DefaultConfig())
	d.lookup = func(context.Context, string, string) ([]netip.Addr, error) {
		requireT.Fail("lookup called for literal address")
		return nil, nil
	}

	r, ok := d.proxyRoute(ctx, "urn:uuid:proxy", "soap.udp://10.0.0.9:3702")
	requireT.True(ok)
	requireT.Equal(netip.MustParseAddrPort("10.0.0.9:3702"), r.Addr)
}
