package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORS filters requests by origin and answers preflights. The
// signaling surface is CORS-open by default ("*"): browser peers poll
// it directly and it carries no secrets; a narrower origin list can be
// configured for locked-down deployments.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	wildcard := false
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
			break
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowed := wildcard
		if !allowed {
			for _, o := range allowedOrigins {
				if origin == o {
					allowed = true
					break
				}
			}
		}

		if !allowed && origin != "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Origin not allowed",
			})
			return
		}

		if wildcard {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if allowed && origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}
