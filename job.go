package wsd

import (
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/outofforest/wsd/wire"
)

// Mode selects how a job is delivered.
type Mode uint8

// Delivery modes.
const (
	Unicast Mode = iota
	Multicast
)

func (m Mode) String() string {
	if m == Multicast {
		return "multicast"
	}
	return "unicast"
}

type schedule struct {
	Repeat     int
	MinDelay   time.Duration
	MaxDelay   time.Duration
	UpperDelay time.Duration
}

var schedules = map[Mode]schedule{
	Unicast: {
		Repeat:     2,
		MinDelay:   50 * time.Millisecond,
		MaxDelay:   250 * time.Millisecond,
		UpperDelay: 500 * time.Millisecond,
	},
	Multicast: {
		Repeat:     4,
		MinDelay:   50 * time.Millisecond,
		MaxDelay:   250 * time.Millisecond,
		UpperDelay: 500 * time.Millisecond,
	},
}

// Job sends one envelope several times with growing spacing.
type Job struct {
	Envelope    *wire.Envelope
	Destination netip.AddrPort
	Mode        Mode

	remaining  int
	delay      time.Duration
	upperDelay time.Duration
	nextSend   time.Time
	payload    []byte
}

// NewJob creates job scheduled for the first send at now + initialDelay.
func NewJob(env *wire.Envelope, dest netip.AddrPort, mode Mode, now time.Time, initialDelay time.Duration) *Job {
	return newJob(env, dest, mode, now, initialDelay, rand.Float64())
}

func newJob(
	env *wire.Envelope,
	dest netip.AddrPort,
	mode Mode,
	now time.Time,
	initialDelay time.Duration,
	u float64,
) *Job {
	s := schedules[mode]
	return &Job{
		Envelope:    env,
		Destination: dest,
		Mode:        mode,
		remaining:   s.Repeat,
		delay:       (s.MinDelay + time.Duration(float64(s.MaxDelay-s.MinDelay)*u)) / 2,
		upperDelay:  s.UpperDelay,
		nextSend:    now.Add(initialDelay),
	}
}

// Finished reports whether all the sends were done.
func (j *Job) Finished() bool {
	return j.remaining <= 0
}

// CanSend reports whether job may be sent at now.
func (j *Job) CanSend(now time.Time) bool {
	return !now.Before(j.nextSend)
}

// Refresh records a send done at now and schedules the next one.
func (j *Job) Refresh(now time.Time) {
	j.delay *= 2
	if j.delay > j.upperDelay {
		j.delay = j.upperDelay
	}
	j.nextSend = now.Add(j.delay)
	j.remaining--
}

// Delay returns the current spacing between sends.
func (j *Job) Delay() time.Duration {
	return j.delay
}

// NextSend returns the earliest time of the next send.
func (j *Job) NextSend() time.Time {
	return j.nextSend
}
