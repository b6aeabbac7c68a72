package api

import (
	"net/http"
	"time"

	"github.com/brightweave/aqrelay/internal/account"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// accountView is the admin-facing account shape: it omits the refresh
// credential and bearer token so a /v2/accounts listing never leaks them.
type accountView struct {
	ID                string         `json:"id"`
	Label             string         `json:"label"`
	Kind              account.Kind   `json:"kind"`
	Enabled           bool           `json:"enabled"`
	Weight            int            `json:"weight"`
	RateLimitPerHour  int            `json:"rate_limit_per_hour"`
	Other             map[string]any `json:"other,omitempty"`
	LastRefreshTime   time.Time      `json:"last_refresh_time,omitempty"`
	LastRefreshStatus string         `json:"last_refresh_status,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func toAccountView(a *account.Account) accountView {
	return accountView{
		ID: a.ID, Label: a.Label, Kind: a.Kind, Enabled: a.Enabled,
		Weight: a.Weight, RateLimitPerHour: a.RateLimitPerHour, Other: a.Other,
		LastRefreshTime: a.LastRefreshTime, LastRefreshStatus: a.LastRefreshStatus,
		CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt,
	}
}

// accountCreateRequest is the POST /v2/accounts body: the fields an admin
// supplies directly, as opposed to ones the system computes (timestamps,
// bearer state).
type accountCreateRequest struct {
	Label            string         `json:"label"`
	Kind             account.Kind   `json:"kind"`
	ClientID         string         `json:"client_id"`
	ClientSecret     string         `json:"client_secret"`
	RefreshToken     string         `json:"refresh_token"`
	Other            map[string]any `json:"other"`
	Enabled          *bool          `json:"enabled"`
	Weight           int            `json:"weight"`
	RateLimitPerHour int            `json:"rate_limit_per_hour"`
}

func (s *Server) listAccounts(c *gin.Context) {
	accs, err := s.Store.ListAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrorDetail{Type: "server-error", Message: err.Error()}})
		return
	}
	views := make([]accountView, 0, len(accs))
	for _, a := range accs {
		views = append(views, toAccountView(a))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

func (s *Server) getAccount(c *gin.Context) {
	a, err := s.Store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrorDetail{Type: "not-found", Message: "unknown account"}})
		return
	}
	c.JSON(http.StatusOK, toAccountView(a))
}

func (s *Server) createAccount(c *gin.Context) {
	var in accountCreateRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{Type: "validation-error", Message: err.Error()}})
		return
	}
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	weight := in.Weight
	if weight <= 0 {
		weight = 50
	}
	now := time.Now()
	a := &account.Account{
		ID: "acc_" + uuid.NewString(), Label: in.Label, Kind: in.Kind,
		ClientID: in.ClientID, ClientSecret: in.ClientSecret, RefreshToken: in.RefreshToken,
		Other: in.Other, Enabled: enabled, Weight: weight, RateLimitPerHour: in.RateLimitPerHour,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.Store.Create(c.Request.Context(), a); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrorDetail{Type: "server-error", Message: err.Error()}})
		return
	}
	c.JSON(http.StatusCreated, toAccountView(a))
}

func (s *Server) updateAccount(c *gin.Context) {
	var in accountCreateRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{Type: "validation-error", Message: err.Error()}})
		return
	}
	updated, err := s.Store.Update(c.Request.Context(), c.Param("id"), func(a *account.Account) {
		if in.Label != "" {
			a.Label = in.Label
		}
		if in.Weight > 0 {
			a.Weight = in.Weight
		}
		if in.RateLimitPerHour > 0 {
			a.RateLimitPerHour = in.RateLimitPerHour
		}
		if in.Enabled != nil {
			a.Enabled = *in.Enabled
		}
		if in.Other != nil {
			a.Other = in.Other
		}
		if in.ClientSecret != "" {
			a.ClientSecret = in.ClientSecret
		}
		if in.RefreshToken != "" {
			a.RefreshToken = in.RefreshToken
		}
	})
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrorDetail{Type: "not-found", Message: "unknown account"}})
		return
	}
	c.JSON(http.StatusOK, toAccountView(updated))
}

func (s *Server) deleteAccount(c *gin.Context) {
	if err := s.Store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrorDetail{Type: "not-found", Message: "unknown account"}})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) refreshAccount(c *gin.Context) {
	a, err := s.Store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrorDetail{Type: "not-found", Message: "unknown account"}})
		return
	}
	fresh, err := s.Tokens.ForceRefresh(c.Request.Context(), a)
	if err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: ErrorDetail{Type: "upstream-server-error", Message: err.Error()}})
		return
	}
	c.JSON(http.StatusOK, toAccountView(fresh))
}

func (s *Server) refreshAllAccounts(c *gin.Context) {
	accs, err := s.Store.ListAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrorDetail{Type: "server-error", Message: err.Error()}})
		return
	}
	results := make(map[string]string, len(accs))
	for _, a := range accs {
		if a.Kind == account.KindCustomAPI {
			continue
		}
		if _, err := s.Tokens.ForceRefresh(c.Request.Context(), a); err != nil {
			results[a.ID] = "failed: " + err.Error()
			continue
		}
		results[a.ID] = "ok"
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// testAccount exercises EnsureFresh to verify the stored credential is
// still valid without dispatching a real upstream chat request.
func (s *Server) testAccount(c *gin.Context) {
	a, err := s.Store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrorDetail{Type: "not-found", Message: "unknown account"}})
		return
	}
	if _, err := s.Tokens.EnsureFresh(c.Request.Context(), a); err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) accountStats(c *gin.Context) {
	stats, err := s.Store.CallStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrorDetail{Type: "not-found", Message: "unknown account"}})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) accountQuota(c *gin.Context) {
	a, err := s.Store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrorDetail{Type: "not-found", Message: "unknown account"}})
		return
	}
	credits, _ := a.Other["creditsInfo"]
	c.JSON(http.StatusOK, gin.H{"credits_info": credits})
}

// getConfig/putConfig expose only the whitelisted keys from spec §6.
func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"gemini_only_models":  s.Config.GeminiOnlyModels,
		"amazonq_only_models": s.Config.AmazonQOnlyModels,
		"supported_models":    s.Config.SupportedModels,
		"model_mapping":       s.Config.ModelMapping,
	})
}

type configPatch struct {
	GeminiOnlyModels  []string          `json:"gemini_only_models"`
	AmazonQOnlyModels []string          `json:"amazonq_only_models"`
	SupportedModels   []string          `json:"supported_models"`
	ModelMapping      map[string]string `json:"model_mapping"`
}

func (s *Server) putConfig(c *gin.Context) {
	var in configPatch
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{Type: "validation-error", Message: err.Error()}})
		return
	}
	if in.GeminiOnlyModels != nil {
		s.Config.GeminiOnlyModels = in.GeminiOnlyModels
	}
	if in.AmazonQOnlyModels != nil {
		s.Config.AmazonQOnlyModels = in.AmazonQOnlyModels
	}
	if in.SupportedModels != nil {
		s.Config.SupportedModels = in.SupportedModels
	}
	if in.ModelMapping != nil {
		s.Config.ModelMapping = in.ModelMapping
	}
	c.Status(http.StatusNoContent)
}

// authStart/authStatus/authClaim are the device-authorization onboarding
// interface named at spec §6; the onboarding flow itself is an explicit
// Non-goal (spec §1), so these only carry the HTTP contract.
func (s *Server) authStart(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, ErrorResponse{Error: ErrorDetail{
		Type: "not-implemented", Message: "device-authorization onboarding is out of scope; create accounts via POST /v2/accounts",
	}})
}

func (s *Server) authStatus(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, ErrorResponse{Error: ErrorDetail{
		Type: "not-implemented", Message: "device-authorization onboarding is out of scope",
	}})
}

func (s *Server) authClaim(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, ErrorResponse{Error: ErrorDetail{
		Type: "not-implemented", Message: "device-authorization onboarding is out of scope",
	}})
}
