package wsd

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/wsd/wire"
)

// proxyLookupTimeout bounds resolving proxy host name on the dispatcher.
const proxyLookupTimeout = 500 * time.Millisecond

var (
	// ErrNotStarted is returned when discovery is used before it is started.
	ErrNotStarted = errors.New("discovery not started")

	// ErrAlreadyStarted is returned by Start called on running discovery.
	ErrAlreadyStarted = errors.New("discovery already started")
)

type (
	// HelloFunc is called for every announced remote service passing the filter.
	// It runs on the receiving path, so it must return quickly.
	HelloFunc func(s Service)

	// ByeFunc is called for every remote service which went offline.
	// It runs on the receiving path, so it must return quickly.
	ByeFunc func(epr wire.EPR)
)

type helloObserver struct {
	Fn     HelloFunc
	Types  []wire.QName
	Scopes []wire.Scope
}

var _ Handler = &Discovery{}

// Discovery publishes local services and finds remote ones.
type Discovery struct {
	config  Config
	metrics *metrics
	local   *registry
	remote  *registry

	lifecycleMu sync.Mutex
	group       *parallel.Group

	mu        sync.RWMutex
	log       *zap.Logger
	transport *Transport
	monitor   *monitor
	route     route
	hello     helloObserver
	bye       ByeFunc

	lookup func(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// New creates discovery. Nothing touches the network until Start is called.
func New(config Config) *Discovery {
	config = config.withDefaults()
	return &Discovery{
		config:  config,
		metrics: newMetrics(config.Registerer),
		local:   newRegistry(),
		remote:  newRegistry(),
		log:     zap.NewNop(),
		route:   directRoute{},
		lookup:  net.DefaultResolver.LookupNetIP,
	}
}

// EPR returns the endpoint reference of services published by this node.
func (d *Discovery) EPR() wire.EPR {
	return d.config.EPR
}

// Start opens sockets, joins the multicast group on every local address and starts background tasks.
func (d *Discovery) Start(ctx context.Context) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.group != nil {
		return errors.WithStack(ErrAlreadyStarted)
	}

	t := newTransport(d.config, d, d.metrics)
	if err := t.Open(); err != nil {
		return err
	}
	m := newMonitor(d.config, t, d.announceAll)

	group := parallel.NewGroup(ctx)
	group.Spawn("transport", parallel.Exit, t.Run)

	d.mu.Lock()
	d.log = logger.Get(ctx)
	d.transport = t
	d.monitor = m
	d.mu.Unlock()

	if err := m.Update(ctx); err != nil {
		group.Exit(nil)
		if wErr := group.Wait(); wErr != nil {
			err = wErr
		}
		d.reset()
		return err
	}

	group.Spawn("monitor", parallel.Fail, m.Run)
	d.group = group

	d.log.Info("Discovery started", zap.String("epr", string(d.config.EPR)))
	return nil
}

// Stop sends Bye for every local service, clears both registries, waits until queued messages are sent
// and stops background tasks.
func (d *Discovery) Stop() error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.group == nil {
		return errors.WithStack(ErrNotStarted)
	}

	d.ClearRemoteServices()
	d.ClearLocalServices()

	d.mu.RLock()
	t := d.transport
	d.mu.RUnlock()
	t.Close()

	err := d.group.Wait()
	d.group = nil
	d.reset()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Discovery) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.transport = nil
	d.monitor = nil
	d.route = directRoute{}
}

// SetHelloCallback registers fn called when remote service matching types and scopes announces itself.
// Nil fn removes the callback.
func (d *Discovery) SetHelloCallback(fn HelloFunc, types []wire.QName, scopes []wire.Scope) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.hello = helloObserver{Fn: fn, Types: types, Scopes: scopes}
}

// SetByeCallback registers fn called when remote service goes offline. Nil fn removes the callback.
func (d *Discovery) SetByeCallback(fn ByeFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.bye = fn
}

// Publish announces service reachable at xAddrs. Entries containing IPPlaceholder are expanded
// to one entry per local address.
func (d *Discovery) Publish(types []wire.QName, scopes []wire.Scope, xAddrs []string) error {
	if d.currentTransport() == nil {
		return errors.WithStack(ErrNotStarted)
	}
	if err := wire.CheckScopes(scopes); err != nil {
		return err
	}

	d.local.Upsert(Service{
		EPR:             d.config.EPR,
		Types:           types,
		Scopes:          scopes,
		XAddrs:          xAddrs,
		InstanceID:      newInstanceID(),
		MetadataVersion: 1,
	})
	return d.sendHello(d.config.EPR)
}

// Search probes for services matching types and scopes and returns the matching remote services
// known once timeout elapses.
func (d *Discovery) Search(
	ctx context.Context,
	types []wire.QName,
	scopes []wire.Scope,
	timeout time.Duration,
) ([]Service, error) {
	if d.currentTransport() == nil {
		return nil, errors.WithStack(ErrNotStarted)
	}

	if err := d.sendProbe(types, scopes); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	case <-d.config.Clock.After(timeout):
	}

	return filterServices(d.RemoteServices(), types, scopes), nil
}

// ClearLocalServices sends Bye for every local service and removes them.
func (d *Discovery) ClearLocalServices() {
	d.mu.RLock()
	log := d.log
	d.mu.RUnlock()

	for _, s := range d.local.Clear() {
		if err := d.sendBye(s); err != nil && !errors.Is(err, ErrNotStarted) {
			log.Error("Sending bye failed", zap.String("epr", string(s.EPR)), zap.Error(err))
		}
	}
}

// ClearRemoteServices forgets all the discovered services.
func (d *Discovery) ClearRemoteServices() {
	d.remote.Clear()
}

// LocalServices returns published services.
func (d *Discovery) LocalServices() []Service {
	return d.expandAll(d.local.Snapshot())
}

// RemoteServices returns discovered services.
func (d *Discovery) RemoteServices() []Service {
	return d.remote.Snapshot()
}

func (d *Discovery) expandAll(services []Service) []Service {
	addrs := d.addresses()
	for i := range services {
		services[i] = services[i].expand(addrs)
	}
	return services
}

func (d *Discovery) addresses() []netip.Addr {
	d.mu.RLock()
	m := d.monitor
	d.mu.RUnlock()

	if m == nil {
		return nil
	}
	return m.Addresses()
}

func (d *Discovery) currentTransport() *Transport {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.transport
}

func (d *Discovery) currentRoute() route {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.route
}

// HandleEnvelope applies inbound envelope to registries and sends replies.
func (d *Discovery) HandleEnvelope(ctx context.Context, env *wire.Envelope, source netip.AddrPort) {
	log := logger.Get(ctx).With(zap.Stringer("action", env.Action), zap.Stringer("source", source))

	var err error
	switch env.Action {
	case wire.ActionProbeMatches:
		for _, m := range env.Matches {
			d.remote.Upsert(serviceFromMatch(m))
			if len(m.XAddrs) == 0 {
				err = multierr.Append(err, d.sendResolve(m.EPR))
			}
		}
	case wire.ActionResolveMatches:
		for _, m := range env.Matches {
			d.remote.Upsert(serviceFromMatch(m))
		}
	case wire.ActionProbe:
		if services := filterServices(d.local.Snapshot(), env.Types, env.Scopes); len(services) > 0 {
			err = d.sendProbeMatches(services, env.MessageID, source)
		}
	case wire.ActionResolve:
		err = d.sendResolveMatch(env.EPR, env.MessageID, source)
	case wire.ActionHello:
		d.handleHello(ctx, env)
	case wire.ActionBye:
		d.handleBye(ctx, env)
	default:
	}

	if err != nil {
		log.Debug("Sending reply failed", zap.Error(err))
	}
}

func (d *Discovery) handleHello(ctx context.Context, env *wire.Envelope) {
	if env.RelationshipType == wire.Suppression && len(env.XAddrs) > 0 {
		if r, ok := d.proxyRoute(ctx, env.EPR, env.XAddrs[0]); ok {
			d.mu.Lock()
			d.route = r
			d.mu.Unlock()

			logger.Get(ctx).Info("Discovery proxy detected",
				zap.String("epr", string(r.EPR)), zap.Stringer("address", r.Addr))
		}
	}

	s := Service{
		EPR:             env.EPR,
		Types:           env.Types,
		Scopes:          env.Scopes,
		XAddrs:          env.XAddrs,
		MetadataVersion: env.MetadataVersion,
	}
	d.remote.Upsert(s)

	d.mu.RLock()
	observer := d.hello
	d.mu.RUnlock()

	if observer.Fn != nil && matchesFilter(s, observer.Types, observer.Scopes) {
		observer.Fn(s)
	}
}

func (d *Discovery) proxyRoute(ctx context.Context, epr wire.EPR, xAddr string) (proxyRoute, bool) {
	host, port, err := wire.ExtractUnicastAddress(xAddr)
	if err != nil {
		return proxyRoute{}, false
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, proxyLookupTimeout)
		addrs, err := d.lookup(lookupCtx, "ip4", host)
		cancel()
		if err != nil || len(addrs) == 0 {
			logger.Get(ctx).Debug("Resolving discovery proxy failed", zap.String("host", host), zap.Error(err))
			return proxyRoute{}, false
		}
		addr = addrs[0]
	}

	return proxyRoute{
		Addr:  netip.AddrPortFrom(addr.Unmap(), port),
		EPR:   epr,
		XAddr: xAddr,
	}, true
}

func (d *Discovery) handleBye(ctx context.Context, env *wire.Envelope) {
	d.mu.Lock()
	if r, ok := d.route.(proxyRoute); ok && r.EPR == env.EPR {
		d.route = directRoute{}
		logger.Get(ctx).Info("Discovery proxy left", zap.String("epr", string(r.EPR)))
	}
	bye := d.bye
	d.mu.Unlock()

	d.remote.Remove(env.EPR)

	if bye != nil {
		bye(env.EPR)
	}
}

// announceAll sends Hello for every local service.
func (d *Discovery) announceAll(ctx context.Context) {
	for _, s := range d.local.Snapshot() {
		if err := d.sendHello(s.EPR); err != nil {
			logger.Get(ctx).Error("Sending hello failed", zap.String("epr", string(s.EPR)), zap.Error(err))
		}
	}
}

func (d *Discovery) sendProbe(types []wire.QName, scopes []wire.Scope) error {
	dest, mode, to := d.currentRoute().target(d.config.Group)
	return d.enqueue(&wire.Envelope{
		Action:    wire.ActionProbe,
		MessageID: newMessageID(),
		To:        to,
		Types:     types,
		Scopes:    scopes,
	}, dest, mode, 0)
}

func (d *Discovery) sendResolve(epr wire.EPR) error {
	dest, mode, to := d.currentRoute().target(d.config.Group)
	return d.enqueue(&wire.Envelope{
		Action:    wire.ActionResolve,
		MessageID: newMessageID(),
		To:        to,
		EPR:       epr,
	}, dest, mode, 0)
}

func (d *Discovery) sendHello(epr wire.EPR) error {
	var s Service
	if !d.local.Update(epr, func(service *Service) {
		service.MessageNumber++
		s = *service
	}) {
		return nil
	}
	s = s.expand(d.addresses())

	return d.enqueue(&wire.Envelope{
		Action:    wire.ActionHello,
		MessageID: newMessageID(),
		To:        wire.AddressAll,
		AppSequence: wire.AppSequence{
			InstanceID:    s.InstanceID,
			MessageNumber: s.MessageNumber,
		},
		EPR:             s.EPR,
		Types:           s.Types,
		Scopes:          s.Scopes,
		XAddrs:          s.XAddrs,
		MetadataVersion: s.MetadataVersion,
	}, d.config.Group, Multicast, appDelay())
}

// sendBye announces removal of the service which is no longer in the local registry.
func (d *Discovery) sendBye(s Service) error {
	return d.enqueue(&wire.Envelope{
		Action:    wire.ActionBye,
		MessageID: newMessageID(),
		To:        wire.AddressAll,
		AppSequence: wire.AppSequence{
			InstanceID:    s.InstanceID,
			MessageNumber: s.MessageNumber,
		},
		EPR: s.EPR,
	}, d.config.Group, Multicast, 0)
}

func (d *Discovery) sendProbeMatches(services []Service, relatesTo string, dest netip.AddrPort) error {
	addrs := d.addresses()
	matches := make([]wire.ProbeResolveMatch, 0, len(services))
	for _, s := range services {
		matches = append(matches, s.expand(addrs).match())
	}

	return d.enqueue(&wire.Envelope{
		Action:    wire.ActionProbeMatches,
		MessageID: newMessageID(),
		RelatesTo: relatesTo,
		To:        wire.AddressUnknown,
		AppSequence: wire.AppSequence{
			InstanceID:    newInstanceID(),
			MessageNumber: 1,
		},
		Matches: matches,
	}, dest, Unicast, appDelay())
}

func (d *Discovery) sendResolveMatch(epr wire.EPR, relatesTo string, dest netip.AddrPort) error {
	var s Service
	if !d.local.Update(epr, func(service *Service) {
		service.MessageNumber++
		s = *service
	}) {
		return nil
	}

	return d.enqueue(&wire.Envelope{
		Action:    wire.ActionResolveMatches,
		MessageID: newMessageID(),
		RelatesTo: relatesTo,
		To:        wire.AddressUnknown,
		AppSequence: wire.AppSequence{
			InstanceID:    s.InstanceID,
			MessageNumber: s.MessageNumber,
		},
		Matches: []wire.ProbeResolveMatch{s.expand(d.addresses()).match()},
	}, dest, Unicast, 0)
}

func (d *Discovery) enqueue(env *wire.Envelope, dest netip.AddrPort, mode Mode, initialDelay time.Duration) error {
	t := d.currentTransport()
	if t == nil {
		return errors.WithStack(ErrNotStarted)
	}
	if mode == Multicast {
		return t.EnqueueMulticast(env, dest, initialDelay)
	}
	return t.EnqueueUnicast(env, dest, initialDelay)
}
