package chatroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/scramble-chat/internal/chat"
	"github.com/mossy-p/scramble-chat/internal/peer"
	"github.com/mossy-p/scramble-chat/internal/rendezvous"
	"github.com/mossy-p/scramble-chat/internal/signal"
)

const testPollInterval = 10 * time.Millisecond

// pipeFabric pairs links in-process: offers and answers carry a link
// id, and applying an answer splices the two ends together. It stands
// in for the real connection engine so room tests exercise the whole
// rendezvous without a network.
type pipeFabric struct {
	mu    sync.Mutex
	links map[string]*pipeLink
	next  int
}

func newPipeFabric() *pipeFabric {
	return &pipeFabric{links: make(map[string]*pipeLink)}
}

func (f *pipeFabric) factory(events peer.LinkEvents) (peer.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	l := &pipeLink{fabric: f, id: fmt.Sprintf("link-%d", f.next), events: events}
	f.links[l.id] = l
	return l, nil
}

func (f *pipeFabric) get(id string) *pipeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[id]
}

// pair splices both ends and fires their connected/open events the way
// an engine would, from its own goroutines.
func (f *pipeFabric) pair(a, b *pipeLink) {
	a.mu.Lock()
	a.remote = b
	a.mu.Unlock()
	b.mu.Lock()
	b.remote = a
	b.mu.Unlock()

	for _, l := range []*pipeLink{a, b} {
		go func(l *pipeLink) {
			l.events.OnConnected()
			l.events.OnChannelOpen()
		}(l)
	}
}

type pipeLink struct {
	fabric *pipeFabric
	id     string
	events peer.LinkEvents

	mu     sync.Mutex
	remote *pipeLink
	closed bool
}

type pipePayload struct {
	Link string `json:"link"`
}

func (l *pipeLink) CreateOffer() (json.RawMessage, error) {
	return json.Marshal(pipePayload{Link: l.id})
}

func (l *pipeLink) AcceptOffer(json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(pipePayload{Link: l.id})
}

func (l *pipeLink) AcceptAnswer(answer json.RawMessage) error {
	var p pipePayload
	if err := json.Unmarshal(answer, &p); err != nil {
		return err
	}
	remote := l.fabric.get(p.Link)
	if remote == nil {
		return errors.New("unknown remote link")
	}
	l.fabric.pair(l, remote)
	return nil
}

func (l *pipeLink) Send(data []byte) error {
	l.mu.Lock()
	remote := l.remote
	closed := l.closed
	l.mu.Unlock()
	if closed || remote == nil {
		return errors.New("pipe not connected")
	}

	buf := append([]byte(nil), data...)
	go remote.events.OnMessage(buf)
	return nil
}

func (l *pipeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// testBench is one shared signaling service plus one shared fabric;
// every room joined through it can reach the others.
type testBench struct {
	api    *rendezvous.LocalSignalAPI
	fabric *pipeFabric
}

func newTestBench() *testBench {
	store := signal.NewMemoryStore(5 * time.Minute)
	svc := signal.NewService(store, 5*time.Minute, zerolog.Nop())
	return &testBench{
		api:    rendezvous.NewLocalSignalAPI(svc),
		fabric: newPipeFabric(),
	}
}

func (b *testBench) room(t *testing.T, userID, userName string, cb Callbacks) *Room {
	t.Helper()
	r := New(Config{
		RoomID:              "lobby",
		UserID:              userID,
		UserName:            userName,
		API:                 b.api,
		Links:               b.fabric.factory,
		PollInterval:        testPollInterval,
		HistoryRequestDelay: 20 * time.Millisecond,
		Logger:              zerolog.Nop(),
	}, cb)
	t.Cleanup(r.Leave)
	return r
}

func join(t *testing.T, r *Room) {
	t.Helper()
	r.Join(context.Background())
}

func TestTwoRoomsExchangeMessages(t *testing.T) {
	bench := newTestBench()

	var (
		mu       sync.Mutex
		bobGot   []chat.Envelope
		aliceGot []chat.Envelope
	)
	alice := bench.room(t, "alice", "Alice", Callbacks{
		OnMessageReceived: func(env chat.Envelope) {
			mu.Lock()
			aliceGot = append(aliceGot, env)
			mu.Unlock()
		},
	})
	bob := bench.room(t, "bob", "Bob", Callbacks{
		OnMessageReceived: func(env chat.Envelope) {
			mu.Lock()
			bobGot = append(bobGot, env)
			mu.Unlock()
		},
	})

	// Stagger the joins so bob finds alice's standing offer.
	join(t, alice)
	join(t, bob)
	waitFor(t, func() bool {
		return len(alice.ConnectedPeers()) == 1 && len(bob.ConnectedPeers()) == 1
	}, "rooms never connected")

	msg, err := alice.Send(context.Background(), "hello bob", "silly")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg.UserName != "Alice" || msg.Message != "hello bob" {
		t.Fatalf("sent message = %+v", msg)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bobGot) == 1 && bobGot[0].Message == "hello bob"
	}, "bob never received alice's message")

	// Both mirrors hold the message, by the same id.
	waitFor(t, func() bool {
		hist := bob.History()
		return len(hist) == 1 && hist[0].ID == msg.ID
	}, "bob's mirror missing the message")
	if hist := alice.History(); len(hist) != 1 || hist[0].ID != msg.ID {
		t.Fatalf("alice's mirror = %+v", hist)
	}

	if _, err := bob.Send(context.Background(), "hi alice", "plain"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(aliceGot) == 1 && aliceGot[0].Message == "hi alice"
	}, "alice never received bob's message")
}

// A joiner asks the room for its backlog and merges the response into
// its own mirror.
func TestJoinerReceivesHistory(t *testing.T) {
	bench := newTestBench()

	alice := bench.room(t, "alice", "Alice", Callbacks{})
	join(t, alice)

	// Alice talks to herself before anyone joins; the messages only
	// exist in her mirror.
	for i := 0; i < 3; i++ {
		if _, err := alice.Send(context.Background(), fmt.Sprintf("note %d", i), "plain"); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		time.Sleep(2 * time.Millisecond) // distinct timestamps, distinct ids
	}
	if got := len(alice.History()); got != 3 {
		t.Fatalf("alice's mirror has %d messages, want 3", got)
	}

	bob := bench.room(t, "bob", "Bob", Callbacks{})
	join(t, bob)

	waitFor(t, func() bool { return len(bob.History()) == 3 }, "bob never mirrored the backlog")

	hist := bob.History()
	for i := 1; i < len(hist); i++ {
		if hist[i-1].Timestamp > hist[i].Timestamp {
			t.Fatalf("history out of order: %+v", hist)
		}
	}
}

type transformerFunc func(ctx context.Context, text, mode string) (string, error)

func (f transformerFunc) Transform(ctx context.Context, text, mode string) (string, error) {
	return f(ctx, text, mode)
}

func TestSendAppliesTransformer(t *testing.T) {
	bench := newTestBench()
	r := New(Config{
		RoomID:       "lobby",
		UserID:       "alice",
		UserName:     "Alice",
		API:          bench.api,
		Links:        bench.fabric.factory,
		PollInterval: testPollInterval,
		Transformer: transformerFunc(func(_ context.Context, text, mode string) (string, error) {
			return "[" + mode + "] " + text, nil
		}),
		Logger: zerolog.Nop(),
	}, Callbacks{})
	t.Cleanup(r.Leave)
	r.Join(context.Background())

	msg, err := r.Send(context.Background(), "hello", "pirate")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg.Message != "[pirate] hello" {
		t.Errorf("message = %q, want rewritten text", msg.Message)
	}
	if msg.ScrambleMode != "pirate" {
		t.Errorf("scrambleMode = %q", msg.ScrambleMode)
	}
}

// Transform failure must not block delivery: the original text goes
// out and the error surfaces to the caller.
func TestSendFallsBackWhenTransformerFails(t *testing.T) {
	bench := newTestBench()
	r := New(Config{
		RoomID:       "lobby",
		UserID:       "alice",
		UserName:     "Alice",
		API:          bench.api,
		Links:        bench.fabric.factory,
		PollInterval: testPollInterval,
		Transformer: transformerFunc(func(context.Context, string, string) (string, error) {
			return "", errors.New("upstream down")
		}),
		Logger: zerolog.Nop(),
	}, Callbacks{})
	t.Cleanup(r.Leave)
	r.Join(context.Background())

	msg, err := r.Send(context.Background(), "hello", "silly")
	if err == nil {
		t.Fatal("Send swallowed the transform error")
	}
	if msg.Message != "hello" {
		t.Errorf("message = %q, want original text", msg.Message)
	}
	if got := r.History(); len(got) != 1 || got[0].Message != "hello" {
		t.Errorf("mirror = %+v, want the original message recorded", got)
	}
}

func TestHistoryUpdatedCallback(t *testing.T) {
	bench := newTestBench()

	var (
		mu      sync.Mutex
		updates int
	)
	r := bench.room(t, "alice", "Alice", Callbacks{
		OnHistoryUpdated: func([]chat.Message) {
			mu.Lock()
			updates++
			mu.Unlock()
		},
	})
	r.Join(context.Background())

	if _, err := r.Send(context.Background(), "one", "plain"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return updates == 1
	}, "OnHistoryUpdated never fired")
}

func TestLeaveIsIdempotent(t *testing.T) {
	bench := newTestBench()
	r := bench.room(t, "alice", "Alice", Callbacks{})
	r.Join(context.Background())
	r.Leave()
	r.Leave()

	if got := r.ConnectedPeers(); len(got) != 0 {
		t.Fatalf("peers after Leave: %v", got)
	}
}
