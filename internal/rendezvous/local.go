package rendezvous

import (
	"context"
	"encoding/json"

	"github.com/mossy-p/scramble-chat/internal/signal"
)

// LocalSignalAPI runs the signaling service in-process, skipping HTTP.
// Useful for loopback setups and tests where several clients share one
// store.
type LocalSignalAPI struct {
	svc *signal.Service
}

func NewLocalSignalAPI(svc *signal.Service) *LocalSignalAPI {
	return &LocalSignalAPI{svc: svc}
}

func (a *LocalSignalAPI) PostOffer(ctx context.Context, roomID, userID string, offer json.RawMessage) error {
	return a.svc.StoreOffer(ctx, roomID, userID, offer)
}

func (a *LocalSignalAPI) PostAnswer(ctx context.Context, roomID, userID, targetUserID string, answer json.RawMessage) error {
	return a.svc.StoreAnswer(ctx, roomID, userID, targetUserID, answer)
}

func (a *LocalSignalAPI) FetchSignals(ctx context.Context, roomID, userID string) (signal.Signals, error) {
	return a.svc.FetchSignals(ctx, roomID, userID)
}
