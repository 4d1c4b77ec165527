package wsd

import (
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/wsd/wire"
)

var testDest = netip.MustParseAddrPort("10.0.0.1:3702")

func TestJobScheduleIsBoundedAndMonotonic(t *testing.T) {
	for _, mode := range []Mode{Unicast, Multicast} {
		t.Run(mode.String(), func(t *testing.T) {
			requireT := require.New(t)

			c := clock.NewMock()
			s := schedules[mode]
			j := NewJob(&wire.Envelope{}, testDest, mode, c.Now(), 0)

			requireT.GreaterOrEqual(j.Delay(), s.MinDelay/2)
			requireT.LessOrEqual(j.Delay(), s.MaxDelay/2)

			prev := j.Delay()
			for i := range s.Repeat {
				requireT.False(j.Finished(), "attempt %d", i)
				requireT.True(j.CanSend(c.Now()))

				j.Refresh(c.Now())
				requireT.GreaterOrEqual(j.Delay(), prev)
				requireT.LessOrEqual(j.Delay(), s.UpperDelay)
				prev = j.Delay()

				c.Add(j.Delay())
			}
			requireT.True(j.Finished())
		})
	}
}

func TestJobDelayIsClampedToUpperBound(t *testing.T) {
	requireT := require.New(t)

	c := clock.NewMock()
	j := newJob(&wire.Envelope{}, testDest, Multicast, c.Now(), 0, 1)
	requireT.Equal(125*time.Millisecond, j.Delay())

	j.Refresh(c.Now())
	requireT.Equal(250*time.Millisecond, j.Delay())
	j.Refresh(c.Now())
	requireT.Equal(500*time.Millisecond, j.Delay())
	j.Refresh(c.Now())
	requireT.Equal(500*time.Millisecond, j.Delay())
}

func TestJobHonorsInitialDelay(t *testing.T) {
	requireT := require.New(t)

	c := clock.NewMock()
	j := newJob(&wire.Envelope{}, testDest, Unicast, c.Now(), 300*time.Millisecond, 0)
	requireT.Equal(25*time.Millisecond, j.Delay())

	requireT.False(j.CanSend(c.Now()))
	c.Add(299 * time.Millisecond)
	requireT.False(j.CanSend(c.Now()))
	c.Add(time.Millisecond)
	requireT.True(j.CanSend(c.Now()))

	j.Refresh(c.Now())
	requireT.False(j.CanSend(c.Now()))
	requireT.Equal(c.Now().Add(50*time.Millisecond), j.NextSend())
	c.Add(50 * time.Millisecond)
	requireT.True(j.CanSend(c.Now()))

	j.Refresh(c.Now())
	requireT.True(j.Finished())
}
