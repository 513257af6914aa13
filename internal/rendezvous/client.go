// Package rendezvous orchestrates one client's full set of peer
// sessions: it polls the signaling service, dispatches offers and
// answers to the right session, and keeps the peer roster.
package rendezvous

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/scramble-chat/internal/chat"
	"github.com/mossy-p/scramble-chat/internal/peer"
	"github.com/mossy-p/scramble-chat/internal/signal"
)

// broadcastKey is the transient roster slot held between "offer sent"
// and "first answer received"; the first answer re-keys it to the real
// peer id.
const broadcastKey = "broadcast"

const (
	DefaultPollInterval       = 500 * time.Millisecond
	DefaultNegotiationTimeout = 30 * time.Second
)

// Config wires a client to one room membership. A client instance is
// constructed and destroyed with the join/leave lifecycle; there are
// no process-wide singletons.
type Config struct {
	RoomID string
	UserID string

	API   SignalAPI
	Links peer.LinkFactory

	// PollInterval is the fixed delay between signal polls. Polls are
	// single-flight: the next is scheduled only after the previous
	// response (or failure) is fully processed.
	PollInterval time.Duration

	// NegotiationTimeout closes sessions stuck mid-handshake so a
	// later broadcast round can retry them.
	NegotiationTimeout time.Duration

	Logger zerolog.Logger
}

// Events notify the surrounding application. Callbacks may fire from
// the poll goroutine or from the connection engine's goroutines.
type Events struct {
	OnPeerConnected    func(peerID string)
	OnPeerDisconnected func(peerID string)
	OnEnvelope         func(peerID string, env chat.Envelope)
}

// Client owns the polling loop and the peer roster.
type Client struct {
	cfg    Config
	events Events
	log    zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*peer.Session
	polling  bool
	stop     chan struct{}
}

func NewClient(cfg Config, events Events) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	return &Client{
		cfg:    cfg,
		events: events,
		log: cfg.Logger.With().
			Str("component", "rendezvous").
			Str("room", cfg.RoomID).
			Str("user", cfg.UserID).
			Logger(),
		sessions: make(map[string]*peer.Session),
	}
}

// Start announces presence with one broadcast offer and begins
// polling. Calling Start on a running client is a no-op.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.polling {
		c.mu.Unlock()
		return
	}
	c.polling = true
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	c.openBroadcastRound(ctx)
	go c.pollLoop(ctx, stop)
}

// Stop halts polling, closes every session and clears the roster.
// Idempotent. In-flight requests complete on their own; their results
// are discarded because the roster is already empty.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.polling {
		c.mu.Unlock()
		return
	}
	c.polling = false
	close(c.stop)
	sessions := c.sessions
	c.sessions = make(map[string]*peer.Session)
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	c.log.Debug().Msg("rendezvous stopped")
}

func (c *Client) stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.polling
}

// pollLoop re-arms a timer only after the previous poll is fully
// processed, capping signaling latency at one interval while keeping
// request volume independent of peer count.
func (c *Client) pollLoop(ctx context.Context, stop chan struct{}) {
	timer := time.NewTimer(c.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			c.Stop()
			return
		case <-timer.C:
		}

		c.pollOnce(ctx)
		c.sweepStale()
		// Failed or abandoned broadcast rounds are retried here; a
		// pending round makes this a no-op.
		c.openBroadcastRound(ctx)
		timer.Reset(c.cfg.PollInterval)
	}
}

func (c *Client) pollOnce(ctx context.Context) {
	sigs, err := c.cfg.API.FetchSignals(ctx, c.cfg.RoomID, c.cfg.UserID)
	if err != nil {
		// Transient by contract: the store may be unavailable, the
		// next cycle retries.
		c.log.Debug().Err(err).Msg("poll failed, will retry")
		return
	}
	if c.stopped() {
		return
	}

	// Answers first: when a peer's answer and its own broadcast offer
	// arrive in the same poll, the answer claims our pending round and
	// the now-redundant offer is dropped against the existing session.
	// The reverse order would spawn a second session toward the same
	// peer and strand the answer.
	for _, answer := range sigs.Answers {
		c.handleAnswer(ctx, answer)
	}
	for _, offer := range sigs.Offers {
		c.handleOffer(ctx, offer)
	}
}

// handleOffer runs the responder path for a broadcast offer from an
// unknown peer. The roster is checked and the session inserted
// synchronously before any negotiation step, so duplicate offers
// (retransmitted across polls) can never spawn a second session.
func (c *Client) handleOffer(ctx context.Context, offer signal.OfferSignal) {
	if offer.FromUserID == c.cfg.UserID {
		return
	}

	c.mu.Lock()
	if !c.polling {
		c.mu.Unlock()
		return
	}
	if _, exists := c.sessions[offer.FromUserID]; exists {
		c.mu.Unlock()
		c.log.Debug().Str("peer", offer.FromUserID).Msg("ignoring duplicate offer")
		return
	}

	s, err := peer.NewSession(offer.FromUserID, peer.RoleResponder, c.cfg.Links, c.sessionCallbacks(), c.log)
	if err != nil {
		c.mu.Unlock()
		c.log.Warn().Err(err).Str("peer", offer.FromUserID).Msg("failed to create responder session")
		return
	}
	c.sessions[offer.FromUserID] = s
	c.mu.Unlock()

	// Negotiation gathers candidates and can take seconds; it must
	// not hold up polling or other peers.
	go func() {
		answer, err := s.Answer(offer.Offer)
		if err != nil {
			c.log.Warn().Err(err).Str("peer", offer.FromUserID).Msg("responder negotiation failed")
			c.removeSession(s)
			return
		}
		if err := c.cfg.API.PostAnswer(ctx, c.cfg.RoomID, c.cfg.UserID, offer.FromUserID, answer); err != nil {
			c.log.Warn().Err(err).Str("peer", offer.FromUserID).Msg("failed to post answer")
			s.Close()
			c.removeSession(s)
			return
		}
		c.log.Debug().Str("peer", offer.FromUserID).Msg("answered offer")
	}()
}

// handleAnswer completes the initiator path. The first answer claims
// the pending broadcast session and re-keys it to the sender; answers
// with no pending broadcast round, or from peers that already hold a
// session, are dropped. After a round is consumed a fresh broadcast
// offer opens the next one, so a full mesh converges over successive
// rounds.
func (c *Client) handleAnswer(ctx context.Context, answer signal.AnswerSignal) {
	c.mu.Lock()
	if !c.polling {
		c.mu.Unlock()
		return
	}
	if _, exists := c.sessions[answer.FromUserID]; exists {
		c.mu.Unlock()
		c.log.Debug().Str("peer", answer.FromUserID).Msg("dropping answer for existing session")
		return
	}
	s, ok := c.sessions[broadcastKey]
	if !ok || s.State() != peer.StateOffering {
		c.mu.Unlock()
		c.log.Debug().Str("peer", answer.FromUserID).Msg("dropping answer with no pending offer")
		return
	}
	delete(c.sessions, broadcastKey)
	c.sessions[answer.FromUserID] = s
	s.SetPeerID(answer.FromUserID)
	c.mu.Unlock()

	go func() {
		if err := s.ApplyAnswer(answer.Answer); err != nil {
			c.log.Warn().Err(err).Str("peer", answer.FromUserID).Msg("failed to apply answer")
			c.removeSession(s)
			return
		}
		c.log.Debug().Str("peer", answer.FromUserID).Msg("answer applied, session connected")
		// This round is consumed; open the next one for any peer
		// still waiting to answer.
		c.openBroadcastRound(ctx)
	}()
}

// openBroadcastRound creates the placeholder session and posts its
// broadcast offer. No-op while a round is already pending; the poll
// loop calls it every cycle, so a round lost to a transient failure
// reopens on the next poll.
func (c *Client) openBroadcastRound(ctx context.Context) {
	c.mu.Lock()
	if !c.polling {
		c.mu.Unlock()
		return
	}
	if _, pending := c.sessions[broadcastKey]; pending {
		c.mu.Unlock()
		return
	}
	s, err := peer.NewSession(broadcastKey, peer.RoleBroadcaster, c.cfg.Links, c.sessionCallbacks(), c.log)
	if err != nil {
		c.mu.Unlock()
		c.log.Warn().Err(err).Msg("failed to create broadcast session")
		return
	}
	c.sessions[broadcastKey] = s
	c.mu.Unlock()

	go func() {
		offer, err := s.Offer()
		if err != nil {
			c.log.Warn().Err(err).Msg("failed to create broadcast offer")
			c.removeSession(s)
			return
		}
		if err := c.cfg.API.PostOffer(ctx, c.cfg.RoomID, c.cfg.UserID, offer); err != nil {
			// The offer never reached the store; close the round so
			// the sweep doesn't have to.
			c.log.Warn().Err(err).Msg("failed to post broadcast offer")
			s.Close()
			c.removeSession(s)
			return
		}
		c.log.Debug().Msg("broadcast offer posted")
	}()
}

// sweepStale closes sessions stuck mid-negotiation past the deadline.
// The standing broadcast offer is exempt: it legitimately waits in
// Offering until someone joins the room.
func (c *Client) sweepStale() {
	deadline := time.Now().Add(-c.cfg.NegotiationTimeout)

	c.mu.Lock()
	var stale []*peer.Session
	for key, s := range c.sessions {
		if key == broadcastKey {
			continue
		}
		if s.Negotiating() && s.StartedAt().Before(deadline) {
			stale = append(stale, s)
			delete(c.sessions, key)
		}
	}
	c.mu.Unlock()

	for _, s := range stale {
		c.log.Debug().Str("peer", s.PeerID()).Msg("closing stale negotiation")
		s.Close()
	}
}

// SendEnvelope fans an envelope out to every session whose channel is
// open. Best-effort: per-peer failures are logged and do not abort the
// remaining sends. Returns whether at least one peer received it.
func (c *Client) SendEnvelope(env chat.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode envelope")
		return false
	}

	sent := 0
	for _, s := range c.roster() {
		if err := s.Send(data); err != nil {
			c.log.Debug().Err(err).Str("peer", s.PeerID()).Msg("send failed")
			continue
		}
		sent++
	}
	return sent > 0
}

// SendEnvelopeTo sends to a single peer, used for history responses.
func (c *Client) SendEnvelopeTo(peerID string, env chat.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	s, ok := c.sessions[peerID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug().Str("peer", peerID).Msg("no session for targeted send")
		return nil
	}
	return s.Send(data)
}

// ConnectedPeers lists peers whose sessions completed negotiation.
func (c *Client) ConnectedPeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var peers []string
	for key, s := range c.sessions {
		if key == broadcastKey {
			continue
		}
		if s.State() == peer.StateConnected {
			peers = append(peers, key)
		}
	}
	return peers
}

func (c *Client) roster() []*peer.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*peer.Session, 0, len(c.sessions))
	for key, s := range c.sessions {
		if key == broadcastKey {
			continue
		}
		out = append(out, s)
	}
	return out
}

// removeSession deletes a session from the roster by identity; the
// key may have been re-keyed since insertion.
func (c *Client) removeSession(target *peer.Session) {
	c.mu.Lock()
	for key, s := range c.sessions {
		if s == target {
			delete(c.sessions, key)
		}
	}
	c.mu.Unlock()
}

func (c *Client) sessionCallbacks() peer.Callbacks {
	return peer.Callbacks{
		OnMessage: func(s *peer.Session, data []byte) {
			var env chat.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.log.Debug().Err(err).Str("peer", s.PeerID()).Msg("dropping undecodable message")
				return
			}
			if c.events.OnEnvelope != nil {
				c.events.OnEnvelope(s.PeerID(), env)
			}
		},
		OnConnected: func(s *peer.Session) {
			peerID := s.PeerID()
			if peerID == broadcastKey {
				return
			}
			c.log.Info().Str("peer", peerID).Msg("peer connected")
			if c.events.OnPeerConnected != nil {
				c.events.OnPeerConnected(peerID)
			}
		},
		OnDisconnected: func(s *peer.Session) {
			c.removeSession(s)
			peerID := s.PeerID()
			if peerID == broadcastKey {
				return
			}
			c.log.Info().Str("peer", peerID).Msg("peer disconnected")
			if c.events.OnPeerDisconnected != nil {
				c.events.OnPeerDisconnected(peerID)
			}
		},
	}
}
