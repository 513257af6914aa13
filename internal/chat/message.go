// Package chat defines the messages that flow peer-to-peer over the
// data channel once the rendezvous has completed. Nothing here ever
// touches the signaling service.
package chat

import (
	"fmt"
	"time"
)

// Message is one chat message as mirrored in history. Uniqueness is by
// ID alone; ID defaults to "<userId>-<timestamp>" when absent.
type Message struct {
	ID           string `json:"id"`
	UserName     string `json:"userName"`
	UserID       string `json:"userId"`
	Message      string `json:"message"`
	Timestamp    int64  `json:"timestamp"` // unix milliseconds
	ScrambleMode string `json:"scrambleMode,omitempty"`
}

// WithDefaults fills the fields remote peers may omit.
func (m Message) WithDefaults(now time.Time) Message {
	if m.UserID == "" {
		m.UserID = "unknown"
	}
	if m.Timestamp == 0 {
		m.Timestamp = now.UnixMilli()
	}
	if m.ID == "" {
		m.ID = fmt.Sprintf("%s-%d", m.UserID, m.Timestamp)
	}
	if m.ScrambleMode == "" {
		m.ScrambleMode = "unknown"
	}
	return m
}

// EnvelopeType discriminates data-channel payloads.
type EnvelopeType string

const (
	EnvelopeMessage         EnvelopeType = "message"
	EnvelopeHistoryRequest  EnvelopeType = "history-request"
	EnvelopeHistoryResponse EnvelopeType = "history-response"
)

// Envelope is the single JSON shape sent over the data channel. Chat
// message fields are inlined at the top level; history exchange rides
// the same channel as ordinary traffic.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	RoomID    string       `json:"roomId,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty"`

	// Type "message"
	MessageID    string `json:"messageId,omitempty"`
	UserID       string `json:"userId,omitempty"`
	UserName     string `json:"userName,omitempty"`
	Message      string `json:"message,omitempty"`
	ScrambleMode string `json:"scrambleMode,omitempty"`

	// Type "history-request" / "history-response"
	RequesterID string    `json:"requesterId,omitempty"`
	ResponderID string    `json:"responderId,omitempty"`
	Messages    []Message `json:"messages,omitempty"`
}

func NewMessageEnvelope(msg Message) Envelope {
	return Envelope{
		Type:         EnvelopeMessage,
		Timestamp:    msg.Timestamp,
		MessageID:    msg.ID,
		UserID:       msg.UserID,
		UserName:     msg.UserName,
		Message:      msg.Message,
		ScrambleMode: msg.ScrambleMode,
	}
}

func NewHistoryRequest(roomID, requesterID string, now time.Time) Envelope {
	return Envelope{
		Type:        EnvelopeHistoryRequest,
		RoomID:      roomID,
		RequesterID: requesterID,
		Timestamp:   now.UnixMilli(),
	}
}

func NewHistoryResponse(roomID, responderID string, messages []Message, now time.Time) Envelope {
	return Envelope{
		Type:        EnvelopeHistoryResponse,
		RoomID:      roomID,
		ResponderID: responderID,
		Messages:    messages,
		Timestamp:   now.UnixMilli(),
	}
}

// ChatMessage extracts the mirrored message from a "message" envelope.
func (e Envelope) ChatMessage() Message {
	return Message{
		ID:           e.MessageID,
		UserName:     e.UserName,
		UserID:       e.UserID,
		Message:      e.Message,
		Timestamp:    e.Timestamp,
		ScrambleMode: e.ScrambleMode,
	}
}
