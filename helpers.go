package wsd

import (
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// appMaxDelay bounds the random delay applied to announcements and probe replies.
const appMaxDelay = 500 * time.Millisecond

func newMessageID() string {
	return uuid.New().URN()
}

func newInstanceID() uint64 {
	return uint64(rand.Uint32N(0xffffffff)) + 1
}

func appDelay() time.Duration {
	return rand.N(appMaxDelay + time.Millisecond)
}
