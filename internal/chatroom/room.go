// Package chatroom ties one room membership together: the rendezvous
// client, the local history mirror and the rewrite collaborator. It is
// the layer the UI (or the CLI) talks to.
package chatroom

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/scramble-chat/internal/chat"
	"github.com/mossy-p/scramble-chat/internal/history"
	"github.com/mossy-p/scramble-chat/internal/peer"
	"github.com/mossy-p/scramble-chat/internal/rendezvous"
	"github.com/mossy-p/scramble-chat/internal/scramble"
)

// Config describes one membership. Room owns its rendezvous client and
// mirror; both live and die with the join/leave lifecycle.
type Config struct {
	RoomID   string
	UserID   string
	UserName string

	API   rendezvous.SignalAPI
	Links peer.LinkFactory

	// Transformer rewrites outgoing text. Nil disables rewriting.
	Transformer scramble.Transformer

	PollInterval       time.Duration
	NegotiationTimeout time.Duration

	// HistoryRequestDelay is how long after the first peer connects
	// the joiner waits before broadcasting its history request, giving
	// the data channel time to settle.
	HistoryRequestDelay time.Duration

	Logger zerolog.Logger
}

// Callbacks deliver room events to the UI layer.
type Callbacks struct {
	OnHistoryUpdated   func(messages []chat.Message)
	OnMessageReceived  func(env chat.Envelope)
	OnPeerConnected    func(peerID string)
	OnPeerDisconnected func(peerID string)
}

type Room struct {
	cfg    Config
	cb     Callbacks
	mirror *history.Mirror
	client *rendezvous.Client
	log    zerolog.Logger

	historyOnce sync.Once
}

func New(cfg Config, cb Callbacks) *Room {
	if cfg.HistoryRequestDelay <= 0 {
		cfg.HistoryRequestDelay = 2 * time.Second
	}

	r := &Room{
		cfg:    cfg,
		cb:     cb,
		mirror: history.NewMirror(history.DefaultCapacity),
		log:    cfg.Logger.With().Str("component", "chatroom").Str("room", cfg.RoomID).Logger(),
	}
	r.mirror.OnUpdate(func(messages []chat.Message) {
		if cb.OnHistoryUpdated != nil {
			cb.OnHistoryUpdated(messages)
		}
	})

	r.client = rendezvous.NewClient(rendezvous.Config{
		RoomID:             cfg.RoomID,
		UserID:             cfg.UserID,
		API:                cfg.API,
		Links:              cfg.Links,
		PollInterval:       cfg.PollInterval,
		NegotiationTimeout: cfg.NegotiationTimeout,
		Logger:             cfg.Logger,
	}, rendezvous.Events{
		OnPeerConnected:    r.handlePeerConnected,
		OnPeerDisconnected: r.handlePeerDisconnected,
		OnEnvelope:         r.handleEnvelope,
	})
	return r
}

// Join starts the rendezvous for this membership.
func (r *Room) Join(ctx context.Context) {
	r.client.Start(ctx)
}

// Leave tears the membership down. Idempotent.
func (r *Room) Leave() {
	r.client.Stop()
}

// Send rewrites the text in the given scramble mode, records the
// result locally and fans it out to connected peers. The rewrite is
// best-effort: on any transform failure the original text is sent
// unmodified and the error is returned for the UI to surface, never
// blocking delivery.
func (r *Room) Send(ctx context.Context, text, mode string) (chat.Message, error) {
	var transformErr error
	processed := text
	if r.cfg.Transformer != nil {
		rewritten, err := r.cfg.Transformer.Transform(ctx, text, mode)
		if err != nil {
			transformErr = fmt.Errorf("scramble failed, sending original: %w", err)
			r.log.Warn().Err(err).Msg("transform failed, falling back to original text")
		} else {
			processed = rewritten
		}
	}

	now := time.Now().UnixMilli()
	msg := chat.Message{
		ID:           fmt.Sprintf("%s-%d", r.cfg.UserID, now),
		UserName:     r.cfg.UserName,
		UserID:       r.cfg.UserID,
		Message:      processed,
		Timestamp:    now,
		ScrambleMode: mode,
	}

	r.mirror.Record(msg)
	r.client.SendEnvelope(chat.NewMessageEnvelope(msg))
	return msg, transformErr
}

// History returns the mirror's current snapshot.
func (r *Room) History() []chat.Message {
	return r.mirror.Messages()
}

// Mirror exposes the underlying history mirror for export/import.
func (r *Room) Mirror() *history.Mirror {
	return r.mirror
}

// ConnectedPeers lists the currently connected peer ids.
func (r *Room) ConnectedPeers() []string {
	return r.client.ConnectedPeers()
}

func (r *Room) handlePeerConnected(peerID string) {
	if r.cb.OnPeerConnected != nil {
		r.cb.OnPeerConnected(peerID)
	}

	// A joiner asks the room for its backlog once, shortly after the
	// first channel comes up. Merge is commutative and idempotent, so
	// redundant responses from multiple holders are harmless.
	r.historyOnce.Do(func() {
		time.AfterFunc(r.cfg.HistoryRequestDelay, func() {
			req := chat.NewHistoryRequest(r.cfg.RoomID, r.cfg.UserID, time.Now())
			if r.client.SendEnvelope(req) {
				r.log.Debug().Msg("history request broadcast")
			}
		})
	})
}

func (r *Room) handlePeerDisconnected(peerID string) {
	if r.cb.OnPeerDisconnected != nil {
		r.cb.OnPeerDisconnected(peerID)
	}
}

func (r *Room) handleEnvelope(peerID string, env chat.Envelope) {
	switch env.Type {
	case chat.EnvelopeMessage:
		if r.mirror.Record(env.ChatMessage()) {
			if r.cb.OnMessageReceived != nil {
				r.cb.OnMessageReceived(env)
			}
		}
	case chat.EnvelopeHistoryRequest:
		if env.RequesterID == r.cfg.UserID {
			return
		}
		resp := chat.NewHistoryResponse(r.cfg.RoomID, r.cfg.UserID, r.mirror.Messages(), time.Now())
		if err := r.client.SendEnvelopeTo(peerID, resp); err != nil {
			r.log.Debug().Err(err).Str("peer", peerID).Msg("failed to send history response")
		}
	case chat.EnvelopeHistoryResponse:
		r.mirror.Merge(env.Messages)
	default:
		r.log.Debug().Str("type", string(env.Type)).Msg("dropping unknown envelope type")
	}
}
