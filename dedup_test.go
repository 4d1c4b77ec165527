package wsd

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/wsd/wire"
)

var testSource = netip.MustParseAddrPort("10.0.0.2:50000")

func TestDuplicateMessageIDIsDropped(t *testing.T) {
	requireT := require.New(t)

	d := newDedup(16, time.Minute)
	env := &wire.Envelope{Action: wire.ActionProbe, MessageID: "urn:uuid:1"}

	requireT.Equal(dropNone, d.Admit(env, testSource))
	requireT.Equal(dropDuplicate, d.Admit(env, testSource))
	requireT.Equal(dropDuplicate, d.Admit(env, netip.MustParseAddrPort("10.0.0.3:1")))
}

func TestOwnMessageIsDropped(t *testing.T) {
	requireT := require.New(t)

	d := newDedup(16, time.Minute)
	d.MarkSeen("urn:uuid:own")

	requireT.Equal(dropDuplicate, d.Admit(&wire.Envelope{MessageID: "urn:uuid:own"}, testSource))
}

func TestOnlyIncreasingMessageNumbersAreAdmitted(t *testing.T) {
	requireT := require.New(t)

	d := newDedup(16, time.Minute)
	announce := func(src netip.AddrPort, instanceID, number uint64) dropReason {
		return d.Admit(&wire.Envelope{
			Action: wire.ActionHello,
			AppSequence: wire.AppSequence{
				InstanceID:    instanceID,
				MessageNumber: number,
			},
		}, src)
	}

	requireT.Equal(dropNone, announce(testSource, 7, 2))
	requireT.Equal(dropStale, announce(testSource, 7, 2))
	requireT.Equal(dropStale, announce(testSource, 7, 1))
	requireT.Equal(dropNone, announce(testSource, 7, 3))
	requireT.Equal(dropNone, announce(testSource, 7, 10))
	requireT.Equal(dropStale, announce(testSource, 7, 9))

	// Other instance and other source are ordered independently.
	requireT.Equal(dropNone, announce(testSource, 8, 1))
	requireT.Equal(dropNone, announce(netip.MustParseAddrPort("10.0.0.3:50000"), 7, 1))

	// Envelopes without instance are not ordered.
	requireT.Equal(dropNone, announce(testSource, 0, 0))
	requireT.Equal(dropNone, announce(testSource, 0, 0))
}

func TestOrderingKeyIncludesMessageID(t *testing.T) {
	requireT := require.New(t)

	d := newDedup(16, time.Minute)
	env := func(messageID string, number uint64) *wire.Envelope {
		return &wire.Envelope{
			MessageID: messageID,
			AppSequence: wire.AppSequence{
				InstanceID:    7,
				MessageNumber: number,
			},
		}
	}

	requireT.Equal(dropNone, d.Admit(env("urn:uuid:a", 5), testSource))
	requireT.Equal(dropNone, d.Admit(env("urn:uuid:b", 1), testSource))
}

func TestDedupEntriesExpire(t *testing.T) {
	requireT := require.New(t)

	d := newDedup(16, 20*time.Millisecond)
	env := &wire.Envelope{MessageID: "urn:uuid:1"}

	requireT.Equal(dropNone, d.Admit(env, testSource))
	requireT.Equal(dropDuplicate, d.Admit(env, testSource))

	time.Sleep(100 * time.Millisecond)
	requireT.Equal(dropNone, d.Admit(env, testSource))
}

func TestDedupIsBounded(t *testing.T) {
	requireT := require.New(t)

	d := newDedup(2, time.Minute)
	for _, id := range []string{"urn:uuid:1", "urn:uuid:2", "urn:uuid:3"} {
		requireT.Equal(dropNone, d.Admit(&wire.Envelope{MessageID: id}, testSource))
	}

	requireT.Equal(2, d.seen.Len())
	requireT.Equal(dropNone, d.Admit(&wire.Envelope{MessageID: "urn:uuid:1"}, testSource))
}
