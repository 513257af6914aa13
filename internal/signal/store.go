package signal

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks transient store failures. Callers treat it as
// "no signals available yet" and retry on the next poll cycle; it is
// never surfaced to end users as a hard failure.
var ErrUnavailable = errors.New("signal store unavailable")

// Store persists pending offer/answer envelopes under their composite
// keys. Implementations must never overwrite on Put (the timestamp
// component keeps same-peer repeats distinct) and must exclude
// envelopes older than their TTL from List results even before an
// eviction sweep removes them.
type Store interface {
	Put(ctx context.Context, env Envelope) error

	// List returns all live envelopes in a room, optionally narrowed
	// to a single kind (KindAny matches both).
	List(ctx context.Context, roomID string, kind Kind) ([]Envelope, error)

	// Delete removes a single envelope. Used for one-time answer
	// consumption and room purges. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// EvictOlderThan removes every envelope whose embedded creation
	// timestamp predates cutoff, across all rooms.
	EvictOlderThan(ctx context.Context, cutoff time.Time) error
}
