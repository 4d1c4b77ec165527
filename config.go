package wsd

import (
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/outofforest/wsd/wire"
)

// Config is the configuration of the discovery engine.
type Config struct {
	// EPR identifies services published by this node. Random urn:uuid is generated if empty.
	EPR wire.EPR

	// Group is the multicast group and port used for announcements and probes.
	Group netip.AddrPort

	// MonitorInterval is the period of local address re-enumeration.
	MonitorInterval time.Duration

	// DedupWindow is the time for which seen message IDs and message numbers are remembered.
	DedupWindow time.Duration

	// DedupCapacity bounds the number of entries kept in each dedup table.
	DedupCapacity int

	// Network opens sockets. UDPNetwork is used if nil.
	Network Network

	// AddressSource enumerates local addresses. LocalAddresses is used if nil.
	AddressSource AddressSource

	// Clock is the time source. Wall clock is used if nil.
	Clock clock.Clock

	// Registerer receives transport metrics. Metrics are not registered if nil.
	Registerer prometheus.Registerer
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Group:           netip.AddrPortFrom(netip.MustParseAddr("239.255.255.250"), wire.DefaultPort),
		MonitorInterval: 5 * time.Second,
		DedupWindow:     10 * time.Minute,
		DedupCapacity:   16384,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.EPR == "" {
		c.EPR = wire.EPR(newMessageID())
	}
	if !c.Group.IsValid() {
		c.Group = d.Group
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = d.DedupCapacity
	}
	if c.Network == nil {
		c.Network = UDPNetwork{}
	}
	if c.AddressSource == nil {
		c.AddressSource = LocalAddresses
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}
