package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mossy-p/scramble-chat/internal/signal"
)

// SignalAPI is the client-side view of the signaling service. Errors
// are treated as "no signals available yet" by the poll loop - the
// rendezvous retries on the next cycle rather than failing.
type SignalAPI interface {
	PostOffer(ctx context.Context, roomID, userID string, offer json.RawMessage) error
	PostAnswer(ctx context.Context, roomID, userID, targetUserID string, answer json.RawMessage) error
	FetchSignals(ctx context.Context, roomID, userID string) (signal.Signals, error)
}

// HTTPSignalAPI talks to the server's JSON surface.
type HTTPSignalAPI struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSignalAPI(baseURL string, client *http.Client) *HTTPSignalAPI {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSignalAPI{baseURL: baseURL, client: client}
}

type offerRequest struct {
	RoomID string          `json:"roomId"`
	UserID string          `json:"userId"`
	Offer  json.RawMessage `json:"offer"`
}

type answerRequest struct {
	RoomID       string          `json:"roomId"`
	UserID       string          `json:"userId"`
	TargetUserID string          `json:"targetUserId"`
	Answer       json.RawMessage `json:"answer"`
}

type signalsResponse struct {
	Offers  []signal.OfferSignal  `json:"offers"`
	Answers []signal.AnswerSignal `json:"answers"`
}

func (a *HTTPSignalAPI) PostOffer(ctx context.Context, roomID, userID string, offer json.RawMessage) error {
	return a.post(ctx, "/offer", offerRequest{RoomID: roomID, UserID: userID, Offer: offer})
}

func (a *HTTPSignalAPI) PostAnswer(ctx context.Context, roomID, userID, targetUserID string, answer json.RawMessage) error {
	return a.post(ctx, "/answer", answerRequest{
		RoomID:       roomID,
		UserID:       userID,
		TargetUserID: targetUserID,
		Answer:       answer,
	})
}

func (a *HTTPSignalAPI) FetchSignals(ctx context.Context, roomID, userID string) (signal.Signals, error) {
	endpoint := fmt.Sprintf("%s/signals/%s/%s",
		a.baseURL, url.PathEscape(roomID), url.PathEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return signal.Signals{}, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return signal.Signals{}, fmt.Errorf("fetch signals: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return signal.Signals{}, fmt.Errorf("fetch signals: status %d", resp.StatusCode)
	}

	var body signalsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return signal.Signals{}, fmt.Errorf("decode signals: %w", err)
	}
	return signal.Signals{Offers: body.Offers, Answers: body.Answers}, nil
}

func (a *HTTPSignalAPI) post(ctx context.Context, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: status %d", path, resp.StatusCode)
	}
	return nil
}
