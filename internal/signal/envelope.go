package signal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates stored signal envelopes.
type Kind string

const (
	KindOffer  Kind = "offer"
	KindAnswer Kind = "answer"

	// KindAny matches every kind in store listings.
	KindAny Kind = ""
)

// Envelope is one pending offer or answer brokered through the store.
// Offers are broadcast (no TargetUserID); answers are always targeted.
// Payload is an opaque session description blob - the store never
// inspects it.
type Envelope struct {
	Kind         Kind            `json:"kind"`
	RoomID       string          `json:"roomId"`
	FromUserID   string          `json:"fromUserId"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    int64           `json:"createdAt"` // unix milliseconds
}

// Key returns the composite storage key for the envelope:
//
//	offer:<roomId>:<fromUserId>:<createdAt>
//	answer:<roomId>:<fromUserId>:<targetUserId>:<createdAt>
//
// The trailing timestamp disambiguates repeats from the same peer and is
// what TTL eviction sorts on. Room and user ids must not contain ':';
// the HTTP layer rejects those before anything reaches the store.
func (e Envelope) Key() string {
	parts := []string{string(e.Kind), e.RoomID, e.FromUserID}
	if e.Kind == KindAnswer {
		parts = append(parts, e.TargetUserID)
	}
	parts = append(parts, strconv.FormatInt(e.CreatedAt, 10))
	return strings.Join(parts, ":")
}

// ParseKey decodes a composite key back into its envelope coordinates.
// Payload is not part of the key and is left nil.
func ParseKey(key string) (Envelope, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 4 {
		return Envelope{}, fmt.Errorf("malformed signal key %q", key)
	}

	ts, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return Envelope{}, fmt.Errorf("signal key %q: bad timestamp: %w", key, err)
	}

	env := Envelope{
		Kind:       Kind(parts[0]),
		RoomID:     parts[1],
		FromUserID: parts[2],
		CreatedAt:  ts,
	}

	switch env.Kind {
	case KindOffer:
		if len(parts) != 4 {
			return Envelope{}, fmt.Errorf("malformed offer key %q", key)
		}
	case KindAnswer:
		if len(parts) != 5 {
			return Envelope{}, fmt.Errorf("malformed answer key %q", key)
		}
		env.TargetUserID = parts[3]
	default:
		return Envelope{}, fmt.Errorf("signal key %q: unknown kind %q", key, parts[0])
	}

	return env, nil
}
