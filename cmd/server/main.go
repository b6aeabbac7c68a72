// Command server runs the proxy: it loads configuration, opens the
// account store, and serves the client-facing and admin HTTP routes
// described in spec §6.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/brightweave/aqrelay/internal/account"
	"github.com/brightweave/aqrelay/internal/adminauth"
	"github.com/brightweave/aqrelay/internal/api"
	"github.com/brightweave/aqrelay/internal/cache"
	"github.com/brightweave/aqrelay/internal/config"
	"github.com/brightweave/aqrelay/internal/distributor"
	"github.com/brightweave/aqrelay/internal/rediscache"
	"github.com/brightweave/aqrelay/internal/router"
	"github.com/brightweave/aqrelay/internal/sessionbinding"
	"github.com/brightweave/aqrelay/internal/token"
	"github.com/brightweave/aqrelay/internal/usage"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorf("server: load config: %v", err)
		os.Exit(1)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Errorf("server: create data dir: %v", err)
		os.Exit(1)
	}

	store, err := account.OpenBoltStore(filepath.Join(cfg.DataDir, "accounts.db"))
	if err != nil {
		log.Errorf("server: open account store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	adminStore, err := adminauth.Open(filepath.Join(cfg.DataDir, "admin.db"))
	if err != nil {
		log.Errorf("server: open admin auth store: %v", err)
		os.Exit(1)
	}
	defer adminStore.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dist := distributor.New(store)
	tokens := token.New(store, nil)
	cacheMgr := cache.NewManager(cache.DefaultTTL, cache.DefaultMaxEntries)
	sessions := sessionbinding.New(sessionbinding.DefaultTTL, sessionbinding.DefaultMaxEntries)
	tracker := usage.New()

	if cfg.RedisAddr != "" {
		redisClient, err := rediscache.Connect(cfg.RedisAddr)
		if err != nil {
			log.Errorf("server: connect redis: %v", err)
			os.Exit(1)
		}
		if err := rediscache.Ping(ctx, redisClient); err != nil {
			log.Errorf("server: redis ping: %v", err)
			os.Exit(1)
		}
		cacheMgr.SetBackend(rediscache.NewCacheBackend(redisClient))
		dist.SetCooldownBackend(rediscache.NewCooldownBackend(redisClient))
		log.Info("server: cache and cooldown state backed by redis")
	}

	r := router.New(store, dist, tokens, cacheMgr, sessions, tracker, cfg, nil)
	server := api.New(r, store, tokens, cfg, adminStore)

	cacheMgr.StartCleanupLoop(0)
	defer cacheMgr.Stop()

	if cfg.EnableAutoRefresh {
		stopScheduler := tokens.StartBackgroundScheduler(ctx, cfg.TokenRefreshInterval())
		defer stopScheduler()
	}

	watcher, err := config.NewWatcher(*configPath, func(updated *config.Config) {
		server.Config.GeminiOnlyModels = updated.GeminiOnlyModels
		server.Config.AmazonQOnlyModels = updated.AmazonQOnlyModels
		server.Config.SupportedModels = updated.SupportedModels
		server.Config.ModelMapping = updated.ModelMapping
		log.Info("server: configuration reloaded")
	})
	if err != nil {
		log.Warnf("server: config watcher disabled: %v", err)
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	log.Infof("server: listening on :%d", cfg.Port)
	if err := server.Run(ctx); err != nil {
		log.Errorf("server: %v", err)
		os.Exit(1)
	}
}
