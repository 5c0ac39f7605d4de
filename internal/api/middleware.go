// Package api provides the HTTP server: one inbound route per supported
// protocol, each bridged through the canonical model to whichever backend
// serves the requested model.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// corsMiddleware adds permissive CORS headers to every response.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authMiddleware enforces the configured gateway token. Clients of every
// protocol are accepted with their native credential header.
func authMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		if subtle.ConstantTimeCompare([]byte(clientToken(c)), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "invalid or missing credentials", "type": "authentication_error"},
			})
			return
		}
		c.Next()
	}
}

func clientToken(c *gin.Context) string {
	if v := c.GetHeader("Authorization"); v != "" {
		return strings.TrimPrefix(v, "Bearer ")
	}
	if v := c.GetHeader("x-api-key"); v != "" {
		return v
	}
	if v := c.GetHeader("x-goog-api-key"); v != "" {
		return v
	}
	return c.Query("key")
}
