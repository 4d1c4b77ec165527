package wsd

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/wsd/wire"
)

const (
	maxDatagramSize = 0xffff
	busyIdle        = 10 * time.Millisecond
	emptyIdle       = 100 * time.Millisecond
)

var errTransportClosed = errors.New("transport closed")

// Handler receives envelopes which passed decoding and deduplication.
// It is called from the transport's dispatcher and must not block indefinitely.
type Handler interface {
	HandleEnvelope(ctx context.Context, env *wire.Envelope, source netip.AddrPort)
}

type datagram struct {
	Data   []byte
	Source netip.AddrPort
}

type sourceCmd struct {
	Addr   netip.Addr
	Add    bool
	Result chan<- error
}

type sockets struct {
	Unicast   net.PacketConn
	Multicast MulticastConn
	Sources   map[netip.Addr]net.PacketConn
}

func (s *sockets) Close() error {
	err := multierr.Combine(s.Unicast.Close(), s.Multicast.Close())
	for _, conn := range s.Sources {
		err = multierr.Append(err, conn.Close())
	}
	return err
}

// Transport owns the sockets, sends queued jobs according to their schedules and
// passes received envelopes to the handler.
type Transport struct {
	group   netip.AddrPort
	network Network
	clock   clock.Clock
	dedup   *dedup
	metrics *metrics
	handler Handler

	mu    sync.Mutex
	queue []*Job

	sockets *sockets

	wakeCh    chan struct{}
	cmdCh     chan sourceCmd
	inboundCh chan datagram
	stopCh    chan struct{}
	stopOnce  sync.Once
	doneCh    chan struct{}
}

// NewTransport creates transport delivering received envelopes to handler.
func NewTransport(config Config, handler Handler) *Transport {
	config = config.withDefaults()
	return newTransport(config, handler, newMetrics(config.Registerer))
}

func newTransport(config Config, handler Handler, m *metrics) *Transport {
	return &Transport{
		group:     config.Group,
		network:   config.Network,
		clock:     config.Clock,
		dedup:     newDedup(config.DedupCapacity, config.DedupWindow),
		metrics:   m,
		handler:   handler,
		wakeCh:    make(chan struct{}, 1),
		cmdCh:     make(chan sourceCmd),
		inboundCh: make(chan datagram, 64),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// EnqueueUnicast schedules envelope for unicast delivery to dest.
func (t *Transport) EnqueueUnicast(env *wire.Envelope, dest netip.AddrPort, initialDelay time.Duration) error {
	return t.enqueue(env, dest, Unicast, initialDelay)
}

// EnqueueMulticast schedules envelope for delivery to multicast group dest through every source address.
func (t *Transport) EnqueueMulticast(env *wire.Envelope, dest netip.AddrPort, initialDelay time.Duration) error {
	return t.enqueue(env, dest, Multicast, initialDelay)
}

func (t *Transport) enqueue(env *wire.Envelope, dest netip.AddrPort, mode Mode, initialDelay time.Duration) error {
	payload, err := wire.Encode(env)
	if err != nil {
		return err
	}

	j := NewJob(env, dest, mode, t.clock.Now(), initialDelay)
	j.payload = payload
	t.dedup.MarkSeen(env.MessageID)

	t.mu.Lock()
	t.queue = append(t.queue, j)
	t.mu.Unlock()

	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

// AddSourceAddr joins the multicast group on the interface owning addr and opens multicast socket for it.
func (t *Transport) AddSourceAddr(ctx context.Context, addr netip.Addr) error {
	return t.command(ctx, addr, true)
}

// RemoveSourceAddr leaves the multicast group on the interface owning addr and closes its socket.
func (t *Transport) RemoveSourceAddr(ctx context.Context, addr netip.Addr) error {
	return t.command(ctx, addr, false)
}

func (t *Transport) command(ctx context.Context, addr netip.Addr, add bool) error {
	resultCh := make(chan error, 1)
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-t.doneCh:
		return errors.WithStack(errTransportClosed)
	case t.cmdCh <- sourceCmd{Addr: addr, Add: add, Result: resultCh}:
	}
	return <-resultCh
}

// Close requests transport to exit once all the queued jobs are sent.
func (t *Transport) Close() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
}

// Open opens unicast and multicast sockets. Run calls it if sockets are not open yet.
func (t *Transport) Open() error {
	if t.sockets != nil {
		return nil
	}

	unicast, err := t.network.ListenUnicast()
	if err != nil {
		return err
	}
	multicast, err := t.network.ListenMulticast(t.group)
	if err != nil {
		_ = unicast.Close()
		return err
	}
	t.sockets = &sockets{
		Unicast:   unicast,
		Multicast: multicast,
		Sources:   map[netip.Addr]net.PacketConn{},
	}
	return nil
}

// Run runs transport until it is closed and its queue is drained, or until ctx is canceled.
func (t *Transport) Run(ctx context.Context) error {
	defer close(t.doneCh)

	if err := t.Open(); err != nil {
		return err
	}
	s := t.sockets

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("sender", parallel.Exit, func(ctx context.Context) error {
			defer func() {
				if err := s.Close(); err != nil {
					logger.Get(ctx).Debug("Closing sockets failed", zap.Error(err))
				}
			}()

			return t.runSender(ctx, spawn, s)
		})
		spawn("dispatcher", parallel.Fail, t.runDispatcher)
		spawn("receiver", parallel.Continue, t.receiver(s.Unicast))
		spawn("receiver", parallel.Continue, t.receiver(s.Multicast))

		return nil
	})
}

func (t *Transport) runSender(ctx context.Context, spawn parallel.SpawnFn, s *sockets) error {
	stopCh := t.stopCh
	stopping := false
	for {
		select {
		case cmd := <-t.cmdCh:
			cmd.Result <- t.apply(ctx, spawn, s, cmd)
			continue
		default:
		}

		idle := t.sendPending(ctx, s)
		if idle == 0 {
			continue
		}
		if stopping && t.queueLen() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case cmd := <-t.cmdCh:
			cmd.Result <- t.apply(ctx, spawn, s, cmd)
		case <-t.wakeCh:
		case <-stopCh:
			stopping = true
			stopCh = nil
		case <-t.clock.After(idle):
		}
	}
}

// sendPending sends the head of the queue if it is due and returns the time to idle before the next attempt.
func (t *Transport) sendPending(ctx context.Context, s *sockets) time.Duration {
	t.mu.Lock()
	if len(t.queue) == 0 {
		t.mu.Unlock()
		return emptyIdle
	}
	j := t.queue[0]
	t.queue = t.queue[1:]
	t.mu.Unlock()

	now := t.clock.Now()
	if !j.CanSend(now) {
		t.requeue(j)
		return busyIdle
	}

	t.send(ctx, s, j)
	j.Refresh(now)
	if !j.Finished() {
		t.requeue(j)
	}
	return 0
}

func (t *Transport) requeue(j *Job) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.queue = append(t.queue, j)
}

func (t *Transport) queueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.queue)
}

func (t *Transport) send(ctx context.Context, s *sockets, j *Job) {
	log := logger.Get(ctx)
	dest := net.UDPAddrFromAddrPort(j.Destination)

	conns := []net.PacketConn{s.Unicast}
	if j.Mode == Multicast {
		conns = make([]net.PacketConn, 0, len(s.Sources))
		for _, conn := range s.Sources {
			conns = append(conns, conn)
		}
	}

	for _, conn := range conns {
		if _, err := conn.WriteTo(j.payload, dest); err != nil {
			t.metrics.Errors.WithLabelValues("send").Inc()
			log.Debug("Sending datagram failed",
				zap.Stringer("action", j.Envelope.Action),
				zap.Stringer("destination", j.Destination),
				zap.Error(err))
			continue
		}
		t.metrics.Sent.WithLabelValues(j.Mode.String()).Inc()
	}
}

func (t *Transport) apply(ctx context.Context, spawn parallel.SpawnFn, s *sockets, cmd sourceCmd) error {
	log := logger.Get(ctx).With(zap.Stringer("address", cmd.Addr))

	conn, exists := s.Sources[cmd.Addr]
	if cmd.Add {
		if exists {
			return nil
		}

		// Joining fails for the second address of an interface which already joined the group.
		if err := s.Multicast.JoinGroup(cmd.Addr); err != nil {
			log.Debug("Joining multicast group failed", zap.Error(err))
		}

		conn, err := t.network.ListenSource(cmd.Addr)
		if err != nil {
			return err
		}
		s.Sources[cmd.Addr] = conn
		spawn("receiver", parallel.Continue, t.receiver(conn))

		log.Info("Source address added")
		return nil
	}

	if !exists {
		return nil
	}
	if err := s.Multicast.LeaveGroup(cmd.Addr); err != nil {
		log.Debug("Leaving multicast group failed", zap.Error(err))
	}
	delete(s.Sources, cmd.Addr)

	log.Info("Source address removed")
	return errors.WithStack(conn.Close())
}

func (t *Transport) receiver(conn net.PacketConn) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		buf := make([]byte, maxDatagramSize)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
					return nil
				}

				t.metrics.Errors.WithLabelValues("receive").Inc()
				select {
				case <-ctx.Done():
					return nil
				case <-t.clock.After(busyIdle):
				}
				continue
			}

			select {
			case <-ctx.Done():
				return nil
			case t.inboundCh <- datagram{Data: bytes.Clone(buf[:n]), Source: addrPortOf(addr)}:
			}
		}
	}
}

func (t *Transport) runDispatcher(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case d := <-t.inboundCh:
			t.dispatch(ctx, d)
		}
	}
}

func (t *Transport) dispatch(ctx context.Context, d datagram) {
	t.metrics.Received.Inc()

	env, err := wire.Decode(d.Data)
	if err != nil {
		t.metrics.Dropped.WithLabelValues(string(dropMalformed)).Inc()
		logger.Get(ctx).Debug("Dropping undecodable datagram", zap.Stringer("source", d.Source), zap.Error(err))
		return
	}

	if reason := t.dedup.Admit(env, d.Source); reason != dropNone {
		t.metrics.Dropped.WithLabelValues(string(reason)).Inc()
		return
	}

	t.handler.HandleEnvelope(ctx, env, d.Source)
}
