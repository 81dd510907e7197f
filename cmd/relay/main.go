package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/syncdrax/relay/internal/auth"
	"github.com/syncdrax/relay/internal/chat"
	"github.com/syncdrax/relay/internal/config"
	"github.com/syncdrax/relay/internal/messaging"
	"github.com/syncdrax/relay/internal/metrics"
	"github.com/syncdrax/relay/internal/presence"
	"github.com/syncdrax/relay/internal/ratelimit"
	"github.com/syncdrax/relay/internal/relay"
	"github.com/syncdrax/relay/internal/scheduler"
	"github.com/syncdrax/relay/internal/signaling"
	"github.com/syncdrax/relay/internal/store"
	"github.com/syncdrax/relay/internal/ws"
)

// messageStore is what the chat hub and the scheduler need from storage.
type messageStore interface {
	chat.Store
	scheduler.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Store ---
	var (
		msgStore messageStore
		db       *sql.DB
	)
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		if cfg.Database.Migrate {
			if err := store.Migrate(cfg.Database.URL); err != nil {
				fatal(logger, "failed to migrate database", err)
			}
		}
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		db, err = store.OpenPostgres(openCtx, cfg.Database.URL)
		cancel()
		if err != nil {
			fatal(logger, "failed to connect to Postgres", err)
		}
		msgStore = store.NewPostgres(db)
	default:
		logger.Warn("using in-memory store, messages are lost on restart")
		msgStore = store.NewMemory()
	}

	// --- Redis ---
	var (
		mirror    *presence.Store
		dirMirror presence.Mirror
	)
	if cfg.Redis.Addr != "" {
		mirror, err = presence.NewStore(cfg.Redis.Addr, cfg.Server.Name)
		if err != nil {
			fatal(logger, "failed to connect to Redis", err)
		}
		dirMirror = mirror
	}

	dir := presence.NewDirectory(dirMirror, logger)
	hub := chat.NewHub(dir, msgStore, logger)
	rooms := signaling.NewRegistry(cfg.Rooms.MaxPeers, logger)
	routes := relay.New(rooms, hub, auth.NewVerifier(cfg.Auth.JWTSecret), logger)

	if mirror != nil {
		limiter := ratelimit.NewLimiter(mirror.Client(), logger)
		if cfg.Chat.RateLimit {
			hub.SetLimiter(limiter, cfg.SendRule())
		}
		if cfg.Chat.ConnectRate {
			routes.SetConnectLimiter(limiter, ratelimit.RuleConnect)
		}
	} else if cfg.Chat.RateLimit {
		logger.Warn("chat rate limiting needs Redis, sends are not throttled")
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = cfg.Server.Name
		natsClient, err = messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			fatal(logger, "failed to connect to NATS", err)
		}
		if err := natsClient.SubscribeEvents(hub); err != nil {
			fatal(logger, "failed to subscribe to collaborator events", err)
		}
	}

	// --- Server ---
	server := ws.NewServer(cfg.WS(), logger)
	routes.Register(server)
	server.HandleFunc("GET /metrics", metrics.Handler().ServeHTTP)

	logger.Info("relay starting",
		"listen_addr", cfg.Server.ListenAddr,
		"server_name", cfg.Server.Name,
		"worker_pool", cfg.Server.WorkerPoolSize,
		"max_connections", cfg.Server.MaxConnections,
		"max_peers_per_room", cfg.Rooms.MaxPeers,
		"store", cfg.Database.Driver,
		"redis", cfg.Redis.Addr != "",
		"nats", cfg.NATS.URL != "",
		"scheduler_interval", cfg.Scheduler.Interval)

	if cfg.Scheduler.Enabled {
		go scheduler.NewLoop(msgStore, hub, cfg.Scheduler.Interval, logger).Run(ctx)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("received signal, initiating graceful shutdown")
	case err := <-serveErr:
		if err != nil {
			fatal(logger, "server error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if natsClient != nil {
		natsClient.Close()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	if mirror != nil {
		if err := mirror.Clear(shutdownCtx); err != nil {
			logger.Error("presence mirror clear error", "err", err)
		}
		if err := mirror.Close(); err != nil {
			logger.Error("presence mirror close error", "err", err)
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			logger.Error("database close error", "err", err)
		}
	}
	logger.Info("relay stopped")
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
