package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/scramble-chat/internal/scramble"
)

type processMessageRequest struct {
	Message      string `json:"message" binding:"required"`
	ScrambleMode string `json:"scrambleMode" binding:"required"`
}

// ProcessMessage handles POST /process-message. The rewrite is
// best-effort: upstream failure or timeout returns the original text
// with an error field, always as a 200 - callers must never treat a
// degraded rewrite as fatal.
func ProcessMessage(transformer scramble.Transformer, timeout time.Duration, log zerolog.Logger) gin.HandlerFunc {
	log = log.With().Str("component", "process-message").Logger()

	return func(c *gin.Context) {
		var req processMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid message or scrambleMode parameter"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		processed, err := transformer.Transform(ctx, req.Message, req.ScrambleMode)
		if err != nil {
			log.Warn().Err(err).Msg("rewrite failed, returning original message")
			c.JSON(http.StatusOK, gin.H{
				"processedMessage": req.Message,
				"error":            "Processing failed, returned original message",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{"processedMessage": processed})
	}
}
