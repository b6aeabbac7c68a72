package api

import (
	"errors"
	"net/http"

	"github.com/brightweave/aqrelay/internal/adminauth"
	"github.com/gin-gonic/gin"
)

func (s *Server) adminStatus(c *gin.Context) {
	setUp, err := s.AdminAuth.IsSetUp(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrorDetail{Type: "server-error", Message: err.Error()}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"set_up": setUp})
}

type adminCredentials struct {
	Password string `json:"password"`
}

func (s *Server) adminSetup(c *gin.Context) {
	var in adminCredentials
	if err := c.ShouldBindJSON(&in); err != nil || in.Password == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{Type: "validation-error", Message: "password is required"}})
		return
	}
	if err := s.AdminAuth.Setup(c.Request.Context(), in.Password); err != nil {
		if errors.Is(err, adminauth.ErrAlreadySetUp) {
			c.JSON(http.StatusConflict, ErrorResponse{Error: ErrorDetail{Type: "already-set-up", Message: err.Error()}})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrorDetail{Type: "server-error", Message: err.Error()}})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) adminLogin(c *gin.Context) {
	var in adminCredentials
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{Type: "validation-error", Message: err.Error()}})
		return
	}
	token, err := s.AdminAuth.Login(c.Request.Context(), in.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: ErrorDetail{Type: "auth-error", Message: "invalid credentials"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_token": token})
}

func (s *Server) adminLogout(c *gin.Context) {
	token := c.GetHeader("X-Session-Token")
	if err := s.AdminAuth.Logout(c.Request.Context(), token); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrorDetail{Type: "server-error", Message: err.Error()}})
		return
	}
	c.Status(http.StatusNoContent)
}
