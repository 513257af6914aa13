package peer

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	dataChannelLabel = "messages"

	// gatherTimeout bounds non-trickle candidate gathering. On
	// timeout we proceed with whatever candidates the local
	// description already carries.
	gatherTimeout = 10 * time.Second
)

// Engine builds pion-backed links. STUN only: candidates beyond that
// are out of scope for this rendezvous.
type Engine struct {
	config webrtc.Configuration
}

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

func NewEngine(stunServers []string) *Engine {
	if len(stunServers) == 0 {
		stunServers = defaultSTUNServers
	}
	return &Engine{
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
		},
	}
}

// NewLink satisfies LinkFactory.
func (e *Engine) NewLink(events LinkEvents) (Link, error) {
	pc, err := webrtc.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	l := &pionLink{pc: pc, events: events}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if events.OnConnected != nil {
				events.OnConnected()
			}
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			if events.OnDisconnected != nil {
				events.OnDisconnected()
			}
		}
	})

	// Responder side: the initiator owns channel creation, we observe
	// the inbound one.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			return
		}
		l.bindChannel(dc)
	})

	return l, nil
}

type pionLink struct {
	pc     *webrtc.PeerConnection
	events LinkEvents

	mu sync.Mutex
	dc *webrtc.DataChannel
}

func (l *pionLink) bindChannel(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		if l.events.OnChannelOpen != nil {
			l.events.OnChannelOpen()
		}
	})
	dc.OnClose(func() {
		if l.events.OnChannelClose != nil {
			l.events.OnChannelClose()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if l.events.OnMessage == nil {
			return
		}
		// Copy because pion reuses internal buffers.
		data := append([]byte(nil), msg.Data...)
		l.events.OnMessage(data)
	})
}

func (l *pionLink) CreateOffer() (json.RawMessage, error) {
	ordered := true
	dc, err := l.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	l.bindChannel(dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	l.waitForGathering()

	return json.Marshal(l.pc.LocalDescription())
}

func (l *pionLink) AcceptOffer(offer json.RawMessage) (json.RawMessage, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(offer, &desc); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	l.waitForGathering()

	return json.Marshal(l.pc.LocalDescription())
}

func (l *pionLink) AcceptAnswer(answer json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(answer, &desc); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// waitForGathering blocks until ICE gathering completes so the local
// description carries all candidates. There is no trickle path: the
// store-and-forward rendezvous exchanges exactly one offer and one
// answer per session.
func (l *pionLink) waitForGathering() {
	gatherComplete := webrtc.GatheringCompletePromise(l.pc)
	select {
	case <-gatherComplete:
	case <-time.After(gatherTimeout):
	}
}

func (l *pionLink) Send(data []byte) error {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("data channel not bound")
	}
	// Text frames keep the wire readable by browser peers.
	return dc.SendText(string(data))
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}
