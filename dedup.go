package wsd

import (
	"net/netip"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/outofforest/wsd/wire"
)

type dropReason string

const (
	dropNone      dropReason = ""
	dropMalformed dropReason = "malformed"
	dropDuplicate dropReason = "duplicate"
	dropStale     dropReason = "stale"
)

type orderingKey struct {
	Source     netip.AddrPort
	InstanceID uint64
	MessageID  string
}

// dedup remembers seen message IDs and the highest message number per ordering key.
// Entries expire after the window, so suppression is guaranteed only within it.
type dedup struct {
	mu      sync.Mutex
	seen    *expirable.LRU[string, struct{}]
	numbers *expirable.LRU[orderingKey, uint64]
}

func newDedup(capacity int, window time.Duration) *dedup {
	return &dedup{
		seen:    expirable.NewLRU[string, struct{}](capacity, nil, window),
		numbers: expirable.NewLRU[orderingKey, uint64](capacity, nil, window),
	}
}

// MarkSeen records message ID of an outbound envelope, so its loopback copy is dropped.
func (d *dedup) MarkSeen(messageID string) {
	if messageID == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.seen.Add(messageID, struct{}{})
}

// Admit decides whether inbound envelope received from src is processed.
func (d *dedup) Admit(env *wire.Envelope, src netip.AddrPort) dropReason {
	d.mu.Lock()
	defer d.mu.Unlock()

	if env.MessageID != "" {
		if _, exists := d.seen.Peek(env.MessageID); exists {
			return dropDuplicate
		}
		d.seen.Add(env.MessageID, struct{}{})
	}

	if env.AppSequence.InstanceID == 0 {
		return dropNone
	}

	key := orderingKey{
		Source:     src,
		InstanceID: env.AppSequence.InstanceID,
		MessageID:  env.MessageID,
	}
	if last, exists := d.numbers.Peek(key); exists && env.AppSequence.MessageNumber <= last {
		return dropStale
	}
	d.numbers.Add(key, env.AppSequence.MessageNumber)

	return dropNone
}
