package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// OfferSignal is the wire shape a polling peer receives for a
// broadcast offer.
type OfferSignal struct {
	FromUserID string          `json:"fromUserId"`
	Offer      json.RawMessage `json:"offer"`
	Timestamp  int64           `json:"timestamp"`
}

// AnswerSignal is the wire shape for an answer targeted at the polling
// peer. Fetching one consumes it.
type AnswerSignal struct {
	FromUserID string          `json:"fromUserId"`
	Answer     json.RawMessage `json:"answer"`
	Timestamp  int64           `json:"timestamp"`
}

// Signals is one poll response.
type Signals struct {
	Offers  []OfferSignal
	Answers []AnswerSignal
}

// Service implements the stateless signaling operations on top of a
// Store. No operation blocks waiting for a counterpart; each is a pure
// request/response against the store.
type Service struct {
	store Store
	ttl   time.Duration
	log   zerolog.Logger

	now func() time.Time
}

func NewService(store Store, ttl time.Duration, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		ttl:   ttl,
		log:   log.With().Str("component", "signaling").Logger(),
		now:   time.Now,
	}
}

// StoreOffer records a broadcast offer for the room. The payload is an
// opaque blob; its semantics are never validated here.
func (s *Service) StoreOffer(ctx context.Context, roomID, userID string, offer json.RawMessage) error {
	env := Envelope{
		Kind:       KindOffer,
		RoomID:     roomID,
		FromUserID: userID,
		Payload:    offer,
		CreatedAt:  s.now().UnixMilli(),
	}
	if err := s.store.Put(ctx, env); err != nil {
		return err
	}
	s.log.Debug().Str("room", roomID).Str("from", userID).Msg("stored offer")
	s.cleanupAsync()
	return nil
}

// StoreAnswer records an answer targeted at a specific peer.
func (s *Service) StoreAnswer(ctx context.Context, roomID, userID, targetUserID string, answer json.RawMessage) error {
	env := Envelope{
		Kind:         KindAnswer,
		RoomID:       roomID,
		FromUserID:   userID,
		TargetUserID: targetUserID,
		Payload:      answer,
		CreatedAt:    s.now().UnixMilli(),
	}
	if err := s.store.Put(ctx, env); err != nil {
		return err
	}
	s.log.Debug().Str("room", roomID).Str("from", userID).Str("to", targetUserID).Msg("stored answer")
	s.cleanupAsync()
	return nil
}

// FetchSignals is the single read path for a polling peer: all live
// offers from other users, plus all answers targeted at userID. Each
// returned answer is deleted as part of the call (at-most-once
// delivery). Answer key spaces are disjoint by target user, so
// concurrent polls by different users never race on each other's
// deletions.
func (s *Service) FetchSignals(ctx context.Context, roomID, userID string) (Signals, error) {
	envs, err := s.store.List(ctx, roomID, KindAny)
	if err != nil {
		return Signals{}, err
	}

	var sigs Signals
	for _, env := range envs {
		switch env.Kind {
		case KindOffer:
			if env.FromUserID == userID {
				// A peer never answers its own offer.
				continue
			}
			sigs.Offers = append(sigs.Offers, OfferSignal{
				FromUserID: env.FromUserID,
				Offer:      env.Payload,
				Timestamp:  env.CreatedAt,
			})
		case KindAnswer:
			if env.TargetUserID != userID {
				continue
			}
			sigs.Answers = append(sigs.Answers, AnswerSignal{
				FromUserID: env.FromUserID,
				Answer:     env.Payload,
				Timestamp:  env.CreatedAt,
			})
			// One-time use: consume before any later poll can see it.
			// A failed delete is logged, not propagated - the client
			// discards duplicate answers, so at most one extra
			// in-flight read slips through.
			if err := s.store.Delete(ctx, env.Key()); err != nil {
				s.log.Warn().Err(err).Str("key", env.Key()).Msg("failed to consume answer")
			}
		}
	}
	return sigs, nil
}

// PurgeRoom drops every pending signal in a room. Operator surface,
// not part of the rendezvous itself.
func (s *Service) PurgeRoom(ctx context.Context, roomID string) (int, error) {
	envs, err := s.store.List(ctx, roomID, KindAny)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, env := range envs {
		if err := s.store.Delete(ctx, env.Key()); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// Evict runs a synchronous eviction sweep with the configured TTL.
func (s *Service) Evict(ctx context.Context) error {
	return s.store.EvictOlderThan(ctx, s.now().Add(-s.ttl))
}

// cleanupAsync runs TTL eviction opportunistically after a write.
// Fire-and-forget: failures are logged, never propagated to the
// request that triggered the sweep.
func (s *Service) cleanupAsync() {
	cutoff := s.now().Add(-s.ttl)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.store.EvictOlderThan(ctx, cutoff); err != nil {
			s.log.Warn().Err(err).Msg("signal cleanup failed")
		}
	}()
}
