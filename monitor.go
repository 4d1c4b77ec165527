package wsd

import (
	"context"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

type sourceManager interface {
	AddSourceAddr(ctx context.Context, addr netip.Addr) error
	RemoveSourceAddr(ctx context.Context, addr netip.Addr) error
}

// monitor keeps transport source addresses in sync with local interfaces.
type monitor struct {
	source   AddressSource
	sources  sourceManager
	onAdded  func(ctx context.Context)
	interval time.Duration
	clock    clock.Clock

	mu    sync.RWMutex
	addrs map[netip.Addr]struct{}
}

func newMonitor(
	config Config,
	sources sourceManager,
	onAdded func(ctx context.Context),
) *monitor {
	return &monitor{
		source:   config.AddressSource,
		sources:  sources,
		onAdded:  onAdded,
		interval: config.MonitorInterval,
		clock:    config.Clock,
		addrs:    map[netip.Addr]struct{}{},
	}
}

// Addresses returns the current snapshot of local addresses.
func (m *monitor) Addresses() []netip.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addrs := make([]netip.Addr, 0, len(m.addrs))
	for a := range m.addrs {
		addrs = append(addrs, a)
	}
	slices.SortFunc(addrs, netip.Addr.Compare)
	return addrs
}

// Run re-enumerates addresses periodically.
func (m *monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-m.clock.After(m.interval):
		}

		if err := m.Update(ctx); err != nil {
			if errors.Is(err, errTransportClosed) {
				<-ctx.Done()
				return errors.WithStack(ctx.Err())
			}
			return err
		}
	}
}

// Update diffs current addresses against the previous snapshot and applies the changes.
func (m *monitor) Update(ctx context.Context) error {
	log := logger.Get(ctx)

	list, err := m.source()
	if err != nil {
		log.Warn("Enumerating local addresses failed", zap.Error(err))
		return nil
	}

	current := make(map[netip.Addr]struct{}, len(list))
	for _, a := range list {
		current[a] = struct{}{}
	}

	m.mu.RLock()
	previous := m.addrs
	m.mu.RUnlock()

	for a := range previous {
		if _, exists := current[a]; exists {
			continue
		}
		if err := m.sources.RemoveSourceAddr(ctx, a); err != nil {
			if ctx.Err() != nil || errors.Is(err, errTransportClosed) {
				return err
			}
			log.Warn("Removing source address failed", zap.Stringer("address", a), zap.Error(err))
		}
	}

	var added bool
	for _, a := range list {
		if _, exists := previous[a]; exists {
			continue
		}
		if err := m.sources.AddSourceAddr(ctx, a); err != nil {
			if ctx.Err() != nil || errors.Is(err, errTransportClosed) {
				return err
			}
			// Retried on the next update.
			log.Warn("Adding source address failed", zap.Stringer("address", a), zap.Error(err))
			delete(current, a)
			continue
		}
		added = true
	}

	m.mu.Lock()
	m.addrs = current
	m.mu.Unlock()

	if added {
		m.onAdded(ctx)
	}
	return nil
}
