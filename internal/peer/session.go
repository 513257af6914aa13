// Package peer holds the per-remote-peer negotiation state machine.
// The underlying connection engine sits behind the Link interface so
// the state transitions stay independent of pion.
package peer

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConnState tracks negotiation progress for one remote peer.
type ConnState int

const (
	StateNew ConnState = iota
	StateOffering
	StateAnswering
	StateConnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelState tracks the data channel independently of negotiation:
// the connection may report connected while the channel is still
// finishing its own open handshake.
type ChannelState int

const (
	ChannelUnbound ChannelState = iota
	ChannelOpen
	ChannelClosed
)

// Role records which side of the offer/answer exchange this session
// took.
type Role int

const (
	RoleBroadcaster Role = iota
	RoleResponder
)

// Link is one underlying peer connection plus its message channel.
type Link interface {
	// CreateOffer builds the outbound data channel and returns the
	// local offer payload once candidate gathering settles.
	CreateOffer() (json.RawMessage, error)

	// AcceptOffer applies a remote offer and returns the local answer
	// payload.
	AcceptOffer(offer json.RawMessage) (json.RawMessage, error)

	// AcceptAnswer completes negotiation on a link that offered.
	AcceptAnswer(answer json.RawMessage) error

	Send(data []byte) error
	Close() error
}

// LinkEvents are the callbacks a Link implementation fires as the
// connection progresses. All of them may arrive from the engine's own
// goroutines.
type LinkEvents struct {
	OnChannelOpen  func()
	OnChannelClose func()
	OnMessage      func(data []byte)
	OnConnected    func()
	OnDisconnected func()
}

// LinkFactory builds a Link wired to the given events.
type LinkFactory func(events LinkEvents) (Link, error)

// Callbacks notify the session owner. The session pointer identifies
// which peer fired.
type Callbacks struct {
	OnMessage      func(s *Session, data []byte)
	OnConnected    func(s *Session)
	OnDisconnected func(s *Session)
}

// Session is the state machine for exactly one remote peer identity.
// Once closed it is never reused; reconnection builds a new session.
type Session struct {
	mu       sync.Mutex
	peerID   string
	role     Role
	state    ConnState
	channel  ChannelState
	link     Link
	started  time.Time
	applying bool

	cb  Callbacks
	log zerolog.Logger
}

// NewSession builds a session in StateNew with a fresh link.
func NewSession(peerID string, role Role, factory LinkFactory, cb Callbacks, log zerolog.Logger) (*Session, error) {
	s := &Session{
		peerID:  peerID,
		role:    role,
		state:   StateNew,
		channel: ChannelUnbound,
		started: time.Now(),
		cb:      cb,
		log:     log.With().Str("peer", peerID).Logger(),
	}

	link, err := factory(LinkEvents{
		OnChannelOpen:  s.handleChannelOpen,
		OnChannelClose: s.handleChannelClose,
		OnMessage:      s.handleMessage,
		OnConnected:    s.handleConnected,
		OnDisconnected: s.handleDisconnected,
	})
	if err != nil {
		return nil, fmt.Errorf("create link: %w", err)
	}
	s.link = link
	return s, nil
}

// Offer starts the initiator path: New -> Offering, returning the
// broadcast offer payload to post to the signaling service.
func (s *Session) Offer() (json.RawMessage, error) {
	s.mu.Lock()
	if s.state != StateNew {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("cannot offer in state %s", state)
	}
	link := s.link
	s.mu.Unlock()

	offer, err := link.CreateOffer()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}

	s.mu.Lock()
	if s.state == StateNew {
		s.state = StateOffering
	}
	s.mu.Unlock()
	return offer, nil
}

// Answer runs the responder path: New -> Answering, returning the
// answer payload to post back for the offering peer.
func (s *Session) Answer(offer json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	if s.state != StateNew {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("cannot answer in state %s", state)
	}
	link := s.link
	s.mu.Unlock()

	answer, err := link.AcceptOffer(offer)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("accept offer: %w", err)
	}

	s.mu.Lock()
	if s.state == StateNew {
		s.state = StateAnswering
	}
	s.mu.Unlock()
	return answer, nil
}

// ApplyAnswer completes the initiator path. Answers arriving in any
// state other than Offering are rejected; the caller drops them.
func (s *Session) ApplyAnswer(answer json.RawMessage) error {
	s.mu.Lock()
	if s.state != StateOffering {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("answer arrived in state %s", state)
	}
	link := s.link
	s.applying = true
	s.mu.Unlock()

	err := link.AcceptAnswer(answer)

	s.mu.Lock()
	s.applying = false
	if err != nil {
		s.mu.Unlock()
		s.Close()
		return fmt.Errorf("accept answer: %w", err)
	}
	if s.state == StateOffering {
		s.state = StateConnected
	}
	s.mu.Unlock()
	return nil
}

// Send transmits on the data channel. Fails when the channel is not
// open yet (or anymore).
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	if s.channel != ChannelOpen || s.state == StateClosed {
		channel := s.channel
		s.mu.Unlock()
		return fmt.Errorf("channel not open (channel state %d)", channel)
	}
	link := s.link
	s.mu.Unlock()

	return link.Send(data)
}

// Close is terminal and idempotent. The owner removes the session from
// its roster afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.channel = ChannelClosed
	link := s.link
	s.mu.Unlock()

	if err := link.Close(); err != nil {
		s.log.Debug().Err(err).Msg("link close")
	}
}

func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// SetPeerID re-keys the session. Used when the transient broadcast
// placeholder is claimed by the first answering peer. Claiming also
// restarts the negotiation clock: the time the round stood idle
// waiting for an answer does not count against the handshake deadline.
func (s *Session) SetPeerID(peerID string) {
	s.mu.Lock()
	s.peerID = peerID
	s.started = time.Now()
	s.log = s.log.With().Str("peer", peerID).Logger()
	s.mu.Unlock()
}

func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Channel() ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// StartedAt is when negotiation began; the roster sweeps sessions that
// sit in Offering/Answering too long.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Negotiating reports whether the session is stuck waiting for a
// counterpart. A session actively applying an answer is progressing,
// not stuck, so it reports false and the stale sweep leaves it alone.
func (s *Session) Negotiating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applying {
		return false
	}
	return s.state == StateOffering || s.state == StateAnswering || s.state == StateNew
}

func (s *Session) handleChannelOpen() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.channel = ChannelOpen
	// The responder only learns the handshake finished when the
	// inbound channel shows up.
	if s.state == StateAnswering {
		s.state = StateConnected
	}
	s.mu.Unlock()
	s.log.Debug().Msg("data channel open")
}

func (s *Session) handleChannelClose() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.channel = ChannelClosed
	s.mu.Unlock()
	s.log.Debug().Msg("data channel closed")
}

func (s *Session) handleMessage(data []byte) {
	if s.State() == StateClosed {
		return
	}
	if s.cb.OnMessage != nil {
		s.cb.OnMessage(s, data)
	}
}

func (s *Session) handleConnected() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.mu.Unlock()

	if s.cb.OnConnected != nil {
		s.cb.OnConnected(s)
	}
}

func (s *Session) handleDisconnected() {
	s.mu.Lock()
	alreadyClosed := s.state == StateClosed
	s.mu.Unlock()

	s.Close()
	if !alreadyClosed && s.cb.OnDisconnected != nil {
		s.cb.OnDisconnected(s)
	}
}
