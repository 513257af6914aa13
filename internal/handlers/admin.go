package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/scramble-chat/internal/signal"
)

// AdminHandlers is the JWT-guarded operator surface: forced eviction
// sweeps and room purges. None of this is part of the rendezvous
// protocol itself.
type AdminHandlers struct {
	svc *signal.Service
	log zerolog.Logger
}

func NewAdminHandlers(svc *signal.Service, log zerolog.Logger) *AdminHandlers {
	return &AdminHandlers{
		svc: svc,
		log: log.With().Str("component", "admin").Logger(),
	}
}

// PurgeRoom handles POST /admin/rooms/:roomId/purge, dropping every
// pending signal in the room.
func (h *AdminHandlers) PurgeRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	if err := validateIDs(roomID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	purged, err := h.svc.PurgeRoom(c.Request.Context(), roomID)
	if err != nil {
		h.log.Error().Err(err).Str("room", roomID).Msg("purge failed")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to purge room"})
		return
	}

	operator, _ := c.Get("user_id")
	h.log.Info().Str("room", roomID).Int("purged", purged).Interface("operator", operator).Msg("room purged")
	c.JSON(http.StatusOK, gin.H{"success": true, "purged": purged})
}

// Evict handles POST /admin/evict, running a synchronous TTL sweep
// across all rooms.
func (h *AdminHandlers) Evict(c *gin.Context) {
	if err := h.svc.Evict(c.Request.Context()); err != nil {
		h.log.Error().Err(err).Msg("forced eviction failed")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Eviction failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
