package signal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore(5 * time.Minute)
	return NewService(store, 5*time.Minute, zerolog.Nop()), store
}

func TestOfferAnswerRendezvous(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0 a"}`)
	if err := svc.StoreOffer(ctx, "room-r", "alice", offer); err != nil {
		t.Fatalf("StoreOffer failed: %v", err)
	}

	// Bob polls: sees Alice's offer, no answers yet.
	sigs, err := svc.FetchSignals(ctx, "room-r", "bob")
	if err != nil {
		t.Fatalf("FetchSignals(bob) failed: %v", err)
	}
	if len(sigs.Offers) != 1 || len(sigs.Answers) != 0 {
		t.Fatalf("bob got %d offers, %d answers; want 1, 0", len(sigs.Offers), len(sigs.Answers))
	}
	if sigs.Offers[0].FromUserID != "alice" {
		t.Errorf("offer from %q, want alice", sigs.Offers[0].FromUserID)
	}
	if string(sigs.Offers[0].Offer) != string(offer) {
		t.Errorf("offer payload = %s, want %s", sigs.Offers[0].Offer, offer)
	}

	// Bob answers, targeted at Alice.
	answer := json.RawMessage(`{"type":"answer","sdp":"v=0 b"}`)
	if err := svc.StoreAnswer(ctx, "room-r", "bob", "alice", answer); err != nil {
		t.Fatalf("StoreAnswer failed: %v", err)
	}

	// Alice polls: picks up the answer.
	sigs, err = svc.FetchSignals(ctx, "room-r", "alice")
	if err != nil {
		t.Fatalf("FetchSignals(alice) failed: %v", err)
	}
	if len(sigs.Answers) != 1 {
		t.Fatalf("alice got %d answers, want 1", len(sigs.Answers))
	}
	if sigs.Answers[0].FromUserID != "bob" {
		t.Errorf("answer from %q, want bob", sigs.Answers[0].FromUserID)
	}
	// Alice never sees her own offer.
	if len(sigs.Offers) != 0 {
		t.Errorf("alice got %d offers, want 0", len(sigs.Offers))
	}

	// One-time consumption: a second poll returns no answer.
	sigs, err = svc.FetchSignals(ctx, "room-r", "alice")
	if err != nil {
		t.Fatalf("second FetchSignals(alice) failed: %v", err)
	}
	if len(sigs.Answers) != 0 {
		t.Errorf("answer delivered twice: got %d answers on second poll", len(sigs.Answers))
	}

	// Offers are multi-read: Bob still sees Alice's offer.
	sigs, err = svc.FetchSignals(ctx, "room-r", "bob")
	if err != nil {
		t.Fatalf("FetchSignals(bob) retry failed: %v", err)
	}
	if len(sigs.Offers) != 1 {
		t.Errorf("offer gone after reads: got %d offers, want 1", len(sigs.Offers))
	}
}

func TestAnswersOnlyReachTheirTarget(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	if err := svc.StoreAnswer(ctx, "room-r", "bob", "alice", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("StoreAnswer failed: %v", err)
	}

	sigs, err := svc.FetchSignals(ctx, "room-r", "carol")
	if err != nil {
		t.Fatalf("FetchSignals(carol) failed: %v", err)
	}
	if len(sigs.Answers) != 0 {
		t.Fatalf("carol received an answer targeted at alice")
	}

	// Carol's poll must not have consumed it either.
	sigs, err = svc.FetchSignals(ctx, "room-r", "alice")
	if err != nil {
		t.Fatalf("FetchSignals(alice) failed: %v", err)
	}
	if len(sigs.Answers) != 1 {
		t.Fatalf("alice got %d answers, want 1", len(sigs.Answers))
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	if err := svc.StoreOffer(ctx, "room-a", "alice", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("StoreOffer failed: %v", err)
	}

	sigs, err := svc.FetchSignals(ctx, "room-b", "bob")
	if err != nil {
		t.Fatalf("FetchSignals failed: %v", err)
	}
	if len(sigs.Offers) != 0 {
		t.Errorf("offer leaked across rooms")
	}
}

func TestExpiredEnvelopesAreNeverListed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(5 * time.Minute)
	svc := NewService(store, 5*time.Minute, zerolog.Nop())

	stale := Envelope{
		Kind:       KindOffer,
		RoomID:     "room-r",
		FromUserID: "alice",
		Payload:    json.RawMessage(`{}`),
		CreatedAt:  time.Now().Add(-10 * time.Minute).UnixMilli(),
	}
	if err := store.Put(ctx, stale); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	envs, err := store.List(ctx, "room-r", KindAny)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(envs) != 0 {
		t.Errorf("List returned %d expired envelopes, want 0", len(envs))
	}

	sigs, err := svc.FetchSignals(ctx, "room-r", "bob")
	if err != nil {
		t.Fatalf("FetchSignals failed: %v", err)
	}
	if len(sigs.Offers) != 0 {
		t.Errorf("FetchSignals returned an expired offer")
	}
}

func TestEvictOlderThanRemovesFreshOffers(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	if err := svc.StoreOffer(ctx, "room-r", "alice", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("StoreOffer failed: %v", err)
	}

	// A cutoff in the future sweeps everything, including the offer
	// that was just stored.
	if err := store.EvictOlderThan(ctx, time.Now().Add(6*time.Minute)); err != nil {
		t.Fatalf("EvictOlderThan failed: %v", err)
	}

	envs, err := store.List(ctx, "room-r", KindAny)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(envs) != 0 {
		t.Errorf("offer survived eviction: %d envelopes left", len(envs))
	}
}

func TestMemoryStorePutNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(5 * time.Minute)

	env := Envelope{
		Kind:       KindOffer,
		RoomID:     "room-r",
		FromUserID: "alice",
		Payload:    json.RawMessage(`"first"`),
		CreatedAt:  1700000000000,
	}
	if err := store.Put(ctx, env); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}

	env.Payload = json.RawMessage(`"second"`)
	if err := store.Put(ctx, env); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	envs, err := store.List(ctx, "room-r", KindOffer)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(envs) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(envs))
	}
	if string(envs[0].Payload) != `"first"` {
		t.Errorf("payload = %s; put overwrote an existing key", envs[0].Payload)
	}
}

func TestPurgeRoom(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	if err := svc.StoreOffer(ctx, "room-r", "alice", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("StoreOffer failed: %v", err)
	}
	if err := svc.StoreAnswer(ctx, "room-r", "bob", "alice", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("StoreAnswer failed: %v", err)
	}
	if err := svc.StoreOffer(ctx, "room-other", "carol", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("StoreOffer failed: %v", err)
	}

	purged, err := svc.PurgeRoom(ctx, "room-r")
	if err != nil {
		t.Fatalf("PurgeRoom failed: %v", err)
	}
	if purged != 2 {
		t.Errorf("purged %d envelopes, want 2", purged)
	}

	envs, err := store.List(ctx, "room-other", KindAny)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(envs) != 1 {
		t.Errorf("purge touched another room: %d envelopes left, want 1", len(envs))
	}
}
