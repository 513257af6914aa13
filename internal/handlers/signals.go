package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/scramble-chat/internal/signal"
)

// SignalHandlers exposes the store-and-forward rendezvous over HTTP.
// Every operation is pure request/response; nothing here ever blocks
// waiting for a counterpart signal.
type SignalHandlers struct {
	svc *signal.Service
	log zerolog.Logger
}

func NewSignalHandlers(svc *signal.Service, log zerolog.Logger) *SignalHandlers {
	return &SignalHandlers{
		svc: svc,
		log: log.With().Str("component", "handlers").Logger(),
	}
}

type storeOfferRequest struct {
	RoomID string          `json:"roomId" binding:"required"`
	UserID string          `json:"userId" binding:"required"`
	Offer  json.RawMessage `json:"offer" binding:"required"`
}

type storeAnswerRequest struct {
	RoomID       string          `json:"roomId" binding:"required"`
	UserID       string          `json:"userId" binding:"required"`
	TargetUserID string          `json:"targetUserId" binding:"required"`
	Answer       json.RawMessage `json:"answer" binding:"required"`
}

// StoreOffer handles POST /offer.
func (h *SignalHandlers) StoreOffer(c *gin.Context) {
	var req storeOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields: roomId, userId, offer"})
		return
	}
	if err := validateIDs(req.RoomID, req.UserID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.svc.StoreOffer(c.Request.Context(), req.RoomID, req.UserID, req.Offer); err != nil {
		h.log.Error().Err(err).Str("room", req.RoomID).Msg("failed to store offer")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to store offer"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Offer stored successfully"})
}

// StoreAnswer handles POST /answer.
func (h *SignalHandlers) StoreAnswer(c *gin.Context) {
	var req storeAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields: roomId, userId, targetUserId, answer"})
		return
	}
	if err := validateIDs(req.RoomID, req.UserID, req.TargetUserID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.svc.StoreAnswer(c.Request.Context(), req.RoomID, req.UserID, req.TargetUserID, req.Answer); err != nil {
		h.log.Error().Err(err).Str("room", req.RoomID).Msg("failed to store answer")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to store answer"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Answer stored successfully"})
}

// FetchSignals handles GET /signals/:roomId/:userId. On internal
// failure the response still carries empty arrays so the client's
// poll/retry loop never has to special-case the body shape.
func (h *SignalHandlers) FetchSignals(c *gin.Context) {
	roomID := c.Param("roomId")
	userID := c.Param("userId")
	if err := validateIDs(roomID, userID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sigs, err := h.svc.FetchSignals(c.Request.Context(), roomID, userID)
	if err != nil {
		h.log.Warn().Err(err).Str("room", roomID).Str("user", userID).Msg("failed to fetch signals")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to retrieve signals",
			"offers":  []signal.OfferSignal{},
			"answers": []signal.AnswerSignal{},
		})
		return
	}

	// Empty arrays, never null: the polling client iterates both
	// unconditionally.
	offers := sigs.Offers
	if offers == nil {
		offers = []signal.OfferSignal{}
	}
	answers := sigs.Answers
	if answers == nil {
		answers = []signal.AnswerSignal{}
	}

	c.JSON(http.StatusOK, gin.H{
		"offers":  offers,
		"answers": answers,
		"roomId":  roomID,
		"userId":  userID,
	})
}

// validateIDs rejects ids that would corrupt the composite key
// encoding.
func validateIDs(ids ...string) error {
	for _, id := range ids {
		if id == "" {
			return errors.New("ids must not be empty")
		}
		if strings.Contains(id, ":") {
			return errors.New("ids must not contain ':'")
		}
	}
	return nil
}
