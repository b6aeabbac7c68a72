// Package api implements C10, the HTTP surface: the client-facing
// Anthropic-compatible message routes and the admin CRUD/config/auth
// routes named at spec §6.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/brightweave/aqrelay/internal/account"
	"github.com/brightweave/aqrelay/internal/adminauth"
	"github.com/brightweave/aqrelay/internal/config"
	"github.com/brightweave/aqrelay/internal/router"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Server wires the gin engine to the router and the account/config/admin
// state it exposes over HTTP.
type Server struct {
	Router    *router.Router
	Store     account.Store
	Tokens    tokenRefresher
	Config    *config.Config
	AdminAuth *adminauth.Store

	engine *gin.Engine
	http   *http.Server
}

// tokenRefresher is the narrow slice of *token.Manager the admin account
// endpoints need, kept as an interface so this package doesn't import
// token directly just to hold one field.
type tokenRefresher interface {
	ForceRefresh(ctx context.Context, a *account.Account) (*account.Account, error)
	EnsureFresh(ctx context.Context, a *account.Account) (*account.Account, error)
}

// New constructs a Server and registers every route.
func New(r *router.Router, store account.Store, tokens tokenRefresher, cfg *config.Config, adminAuth *adminauth.Store) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(ginLogrusLogger())
	engine.Use(corsMiddleware())

	s := &Server{Router: r, Store: store, Tokens: tokens, Config: cfg, AdminAuth: adminAuth, engine: engine}
	s.setupRoutes()
	s.http = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: engine}
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.engine.Group("/v1")
	v1.Use(apiKeyMiddleware(s.Config.APIKey))
	{
		v1.POST("/messages", s.messagesHandler(""))
		v1.POST("/gemini/messages", s.messagesHandler(account.KindGemini))
		v1.POST("/custom_api/messages", s.messagesHandler(account.KindCustomAPI))
		v1.GET("/models", s.modelsHandler)
	}
	s.engine.GET("/health", s.healthHandler)

	v2 := s.engine.Group("/v2")
	v2.Use(sessionMiddleware(s.AdminAuth))
	{
		v2.GET("/accounts", s.listAccounts)
		v2.POST("/accounts", s.createAccount)
		v2.GET("/accounts/:id", s.getAccount)
		v2.PATCH("/accounts/:id", s.updateAccount)
		v2.DELETE("/accounts/:id", s.deleteAccount)
		v2.POST("/accounts/:id/refresh", s.refreshAccount)
		v2.POST("/accounts/refresh-all", s.refreshAllAccounts)
		v2.POST("/accounts/:id/test", s.testAccount)
		v2.GET("/accounts/:id/stats", s.accountStats)
		v2.GET("/accounts/:id/quota", s.accountQuota)

		v2.POST("/auth/start", s.authStart)
		v2.GET("/auth/status/:authId", s.authStatus)
		v2.POST("/auth/claim/:authId", s.authClaim)

		v2.GET("/config", s.getConfig)
		v2.PUT("/config", s.putConfig)
	}

	adminGroup := s.engine.Group("/api/admin")
	{
		adminGroup.GET("/status", s.adminStatus)
		adminGroup.POST("/setup", s.adminSetup)
		adminGroup.POST("/login", s.adminLogin)
		adminGroup.POST("/logout", s.adminLogout)
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// down gracefully within 10s.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			log.Warnf("api: shutdown: %v", err)
			return err
		}
		return nil
	}
}

func ginLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Info("request")
	}
}
