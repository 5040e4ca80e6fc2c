package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomsync/database"
	"roomsync/internal/chat/dispatcher"
	"roomsync/internal/chat/feed"
	"roomsync/internal/chat/messagelog"
	"roomsync/internal/chat/presence"
	"roomsync/internal/chat/reaction"
	"roomsync/internal/chat/repository"
	"roomsync/internal/config"
	"roomsync/internal/metrics"
	"roomsync/internal/microservices/http-api/handler"
	"roomsync/internal/microservices/http-api/middleware"
	"roomsync/internal/microservices/http-api/router"
	"roomsync/internal/microservices/websocket"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

func main() {
	// 1️⃣ Load config
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config_invalid", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server_failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// backends are the connections opened for the configured drivers.
type backends struct {
	db    *database.DB
	redis *redis.Client
	nats  *nats.Conn
}

func (b *backends) close(logger *slog.Logger) {
	if b.nats != nil {
		if err := b.nats.Drain(); err != nil {
			logger.Warn("nats_drain_failed", "error", err)
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			logger.Warn("redis_close_failed", "error", err)
		}
	}
	if b.db != nil {
		b.db.Close()
	}
}

func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}
	if cfg.StoreDriver == config.StoreDriverPostgres || cfg.FeedDriver == config.FeedDriverPostgres {
		db, err := database.ConnectDB(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		b.db = db
	}
	if cfg.FeedDriver == config.FeedDriverRedis || cfg.PresenceDriver == config.PresenceDriverRedis {
		client, err := database.ConnectRedis(ctx, cfg, logger)
		if err != nil {
			b.close(logger)
			return nil, err
		}
		b.redis = client
	}
	if cfg.FeedDriver == config.FeedDriverNATS {
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("roomsync"), nats.Timeout(5*time.Second))
		if err != nil {
			b.close(logger)
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		logger.Info("nats_connected", "url", conn.ConnectedUrlRedacted())
		b.nats = conn
	}
	return b, nil
}

// buildStore picks the repositories and the change feed. Only the Postgres
// feed sees store writes by itself (triggers); every other feed needs the
// repositories to announce their writes.
func buildStore(cfg *config.Config, b *backends) (repository.Store, feed.Feed) {
	var store repository.Store
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		store = repository.NewMemoryStore().Store()
	default:
		store = repository.Store{
			Messages:  repository.NewMessageRepository(b.db.Gorm),
			Presence:  repository.NewPresenceRepository(b.db.Gorm),
			Reactions: repository.NewReactionRepository(b.db.Gorm),
		}
	}

	var presenceRepo repository.PresenceRepository
	if cfg.PresenceDriver == config.PresenceDriverRedis {
		presenceRepo = repository.NewPresenceRedisRepo(b.redis, cfg.LivenessWindow)
	}

	var f feed.Feed
	switch cfg.FeedDriver {
	case config.FeedDriverRedis:
		f = feed.NewRedisFeed(b.redis)
	case config.FeedDriverNATS:
		f = feed.NewNATSFeed(b.nats)
	case config.FeedDriverMemory:
		f = feed.NewMemoryFeed()
	default:
		f = feed.NewPGFeed(b.db.Pool)
	}

	if cfg.FeedDriver != config.FeedDriverPostgres {
		store = repository.WithPublishing(store, f)
	}
	if presenceRepo != nil {
		store.Presence = repository.PublishingPresence(presenceRepo, f)
	}
	return store, f
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	b, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close(logger)

	store, changeFeed := buildStore(cfg, b)
	defer changeFeed.Close()

	m := metrics.New()
	chatLog := messagelog.New(store.Messages, cfg.PageSize)
	tracker := presence.NewTracker(store.Presence, cfg.LivenessWindow, cfg.TypingWindow)
	aggregator := reaction.NewAggregator(store.Reactions)

	engine := dispatcher.NewEngine(dispatcher.Deps{
		Log:       chatLog,
		Presence:  tracker,
		Reactions: aggregator,
		Feed:      changeFeed,
		Metrics:   m,
		Logger:    logger,
	}, dispatcher.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		ResyncInterval:    cfg.ResyncInterval,
		TypingThrottle:    cfg.TypingThrottle,
		TypingQuietPeriod: cfg.TypingQuietPeriod,
		EchoMatchWindow:   cfg.EchoMatchWindow,
		PageSize:          cfg.PageSize,
	})

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := websocket.NewHub()
	go hub.Run(hubCtx)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := router.New(router.Deps{
		Config:    cfg,
		Engine:    engine,
		Chat:      handler.NewChatHandler(chatLog, tracker, aggregator),
		Hub:       hub,
		Validator: middleware.NewTokenValidator(cfg.JWTSecret),
		Metrics:   m,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", cfg.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_starting", "addr", server.Addr,
			"store", cfg.StoreDriver, "feed", cfg.FeedDriver, "presence", cfg.PresenceDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown_failed", "error", err)
	}

	// sessions close before the store and feed connections they use
	stopHub()
	select {
	case <-hub.Stopped():
	case <-shutdownCtx.Done():
		logger.Warn("websocket_shutdown_timeout")
	}

	logger.Info("server_stopped")
	return nil
}
