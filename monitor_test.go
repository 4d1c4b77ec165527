package wsd

import (
	"context"
	"net/netip"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/qa"
)

type fakeSources struct {
	mu      sync.Mutex
	added   []netip.Addr
	removed []netip.Addr
	fail    map[netip.Addr]bool
}

func (s *fakeSources) AddSourceAddr(_ context.Context, addr netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail[addr] {
		return errors.New("interface is gone")
	}
	s.added = append(s.added, addr)
	return nil
}

func (s *fakeSources) RemoveSourceAddr(_ context.Context, addr netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removed = append(s.removed, addr)
	return nil
}

type addressList struct {
	mu    sync.Mutex
	addrs []netip.Addr
	err   error
}

func (l *addressList) Set(addrs ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.addrs = nil
	for _, a := range addrs {
		l.addrs = append(l.addrs, netip.MustParseAddr(a))
	}
}

func (l *addressList) Source() ([]netip.Addr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]netip.Addr(nil), l.addrs...), l.err
}

func newTestMonitor() (*monitor, *fakeSources, *addressList, *int) {
	sources := &fakeSources{fail: map[netip.Addr]bool{}}
	list := &addressList{}
	var announcements int

	config := DefaultConfig().withDefaults()
	config.AddressSource = list.Source
	return newMonitor(config, sources, func(context.Context) { announcements++ }), sources, list, &announcements
}

func TestMonitorAddsAndRemovesAddresses(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	m, sources, list, announcements := newTestMonitor()

	list.Set("10.0.0.1", "10.0.0.2")
	requireT.NoError(m.Update(ctx))
	requireT.ElementsMatch([]netip.Addr{
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("10.0.0.2"),
	}, sources.added)
	requireT.Equal(1, *announcements)
	requireT.Equal([]netip.Addr{
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("10.0.0.2"),
	}, m.Addresses())

	requireT.NoError(m.Update(ctx))
	requireT.Len(sources.added, 2)
	requireT.Equal(1, *announcements)

	list.Set("10.0.0.2")
	requireT.NoError(m.Update(ctx))
	requireT.Equal([]netip.Addr{netip.MustParseAddr("10.0.0.1")}, sources.removed)
	requireT.Equal(1, *announcements)

	list.Set("10.0.0.2", "10.0.0.3")
	requireT.NoError(m.Update(ctx))
	requireT.Equal(netip.MustParseAddr("10.0.0.3"), sources.added[2])
	requireT.Equal(2, *announcements)
}

func TestMonitorRetriesFailedAddress(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	m, sources, list, announcements := newTestMonitor()
	addr := netip.MustParseAddr("10.0.0.1")

	sources.fail[addr] = true
	list.Set("10.0.0.1")
	requireT.NoError(m.Update(ctx))
	requireT.Empty(m.Addresses())
	requireT.Zero(*announcements)

	sources.fail[addr] = false
	requireT.NoError(m.Update(ctx))
	requireT.Equal([]netip.Addr{addr}, m.Addresses())
	requireT.Equal(1, *announcements)
}

func TestMonitorKeepsSnapshotWhenEnumerationFails(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	m, sources, list, _ := newTestMonitor()

	list.Set("10.0.0.1")
	requireT.NoError(m.Update(ctx))

	list.err = errors.New("netlink unavailable")
	requireT.NoError(m.Update(ctx))
	requireT.Empty(sources.removed)
	requireT.Equal([]netip.Addr{netip.MustParseAddr("10.0.0.1")}, m.Addresses())
}
