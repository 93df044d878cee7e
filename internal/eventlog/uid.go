package eventlog

import (
	"encoding/binary"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// UIDLength is the number of base-36 characters in a generated uid.
const UIDLength = 7

// UIDGenerator produces event uids.
type UIDGenerator interface {
	Generate() string
}

// RandomUID draws uids from the random bits of a UUIDv4.
//
// Thread-safety: RandomUID is stateless and safe for concurrent use.
type RandomUID struct{}

// Generate returns UIDLength lowercase base-36 characters.
func (RandomUID) Generate() string {
	u := uuid.New()
	n := binary.BigEndian.Uint64(u[8:])
	s := strconv.FormatUint(n, 36)
	for len(s) < UIDLength {
		s = "0" + s
	}
	return s[len(s)-UIDLength:]
}

// FixedUIDs returns predetermined uids for testing.
//
// Thread-safety: FixedUIDs is safe for concurrent use via internal mutex.
type FixedUIDs struct {
	mu   sync.Mutex
	uids []string
	idx  int
}

// NewFixedUIDs creates a generator that returns uids in order.
func NewFixedUIDs(uids ...string) *FixedUIDs {
	return &FixedUIDs{uids: uids}
}

// Generate returns the next predetermined uid.
//
// Panics if all uids have been consumed, to catch tests that log more
// events than they declared.
func (g *FixedUIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.uids) {
		panic("FixedUIDs: all uids exhausted")
	}
	uid := g.uids[g.idx]
	g.idx++
	return uid
}
