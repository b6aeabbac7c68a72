package api

import (
	"net/http"

	"github.com/brightweave/aqrelay/internal/adminauth"
	"github.com/gin-gonic/gin"
)

// apiKeyMiddleware enforces spec §6's optional x-api-key check on the
// client-facing /v1 routes: a no-op when Config.APIKey is empty.
func apiKeyMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expected == "" {
			c.Next()
			return
		}
		if c.GetHeader("x-api-key") != expected {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: ErrorDetail{Type: "auth-error", Message: "invalid or missing x-api-key"},
			})
			return
		}
		c.Next()
	}
}

// sessionMiddleware enforces the X-Session-Token admin auth contract from
// spec §6.
func sessionMiddleware(auth *adminauth.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-Session-Token")
		if err := auth.Validate(c.Request.Context(), token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: ErrorDetail{Type: "auth-error", Message: "invalid or missing session token"},
			})
			return
		}
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, x-api-key, X-Account-ID, X-Test-Mode, X-Session-Token")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
