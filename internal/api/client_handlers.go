package api

import (
	"encoding/json"
	"net/http"

	"github.com/brightweave/aqrelay/internal/account"
	"github.com/brightweave/aqrelay/internal/claude"
	"github.com/brightweave/aqrelay/internal/router"
	"github.com/gin-gonic/gin"
)

// messagesHandler returns the gin handler for one of the three
// client-facing message routes, pinning forcedChannel for the
// channel-specific variants (empty for plain /v1/messages).
func (s *Server) messagesHandler(forcedChannel account.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{Type: "validation-error", Message: "invalid request body"}})
			return
		}

		var req claude.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{Type: "validation-error", Message: "malformed JSON: " + err.Error()}})
			return
		}

		opts := router.RequestOptions{
			ForcedAccountID: c.GetHeader("X-Account-ID"),
			TestMode:        c.GetHeader("X-Test-Mode") == "true",
			ForcedChannel:   forcedChannel,
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		if rerr := s.Router.Handle(c.Request.Context(), &req, opts, c.Writer); rerr != nil {
			c.JSON(rerr.Status, ErrorResponse{Error: ErrorDetail{Type: rerr.Type, Message: rerr.Message}})
		}
	}
}

// modelsHandler implements GET /v1/models, listing configured
// supported_models, defaulting to the bare amazonq target set.
func (s *Server) modelsHandler(c *gin.Context) {
	models := s.Config.SupportedModels
	if len(models) == 0 {
		models = []string{"claude-sonnet-4.5", "claude-opus-4.6", "claude-haiku-4.5"}
	}
	data := make([]ModelEntry, 0, len(models))
	for _, id := range models {
		data = append(data, ModelEntry{ID: id, Object: "model", OwnedBy: "aqrelay"})
	}
	c.JSON(http.StatusOK, ModelsResponse{Object: "list", Data: data})
}

// healthHandler implements GET /health.
func (s *Server) healthHandler(c *gin.Context) {
	accs, err := s.Store.ListAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusOK, HealthResponse{Status: "unhealthy"})
		return
	}
	enabled := 0
	for _, a := range accs {
		if a.Enabled {
			enabled++
		}
	}
	status := "healthy"
	if enabled == 0 && len(accs) > 0 {
		status = "unhealthy"
	}
	c.JSON(http.StatusOK, HealthResponse{Status: status, EnabledAccounts: enabled, TotalAccounts: len(accs)})
}
