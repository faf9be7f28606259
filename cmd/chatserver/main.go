package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley/chat-app/internal/api"
	"github.com/parley/chat-app/internal/attachment"
	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/config"
	"github.com/parley/chat-app/internal/logging"
	"github.com/parley/chat-app/internal/messaging"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/relay"
	"github.com/parley/chat-app/internal/session"
	"github.com/parley/chat-app/internal/store"
	"github.com/parley/chat-app/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("development", "info").Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel)

	ctx := context.Background()

	// --- Message store ---
	messages, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("message store unavailable")
	}
	defer messages.Close()

	// --- Redis (sessions and rate limits) ---
	var (
		sessions *session.Store
		limiter  *ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		client, err := session.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn().Err(err).Str("redis_addr", cfg.RedisAddr).Msg("redis unavailable, running without sessions and rate limits")
		} else {
			sessions = session.NewStore(client, cfg.ServerName)
			limiter = ratelimit.NewLimiter(client, logger)
			defer sessions.Close()
		}
	}

	// --- NATS (cross-instance fan-out) ---
	var bus messaging.Bus = messaging.NewLocalBus()
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = cfg.ServerName
		natsClient, err := messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("nats_url", cfg.NATSURL).Msg("failed to connect to NATS")
		}
		bus = messaging.NewNATSBus(natsClient)
	}
	defer bus.Close()

	files, err := attachment.NewDiskStore(cfg.UploadDir, cfg.MaxUploadBytes)
	if err != nil {
		logger.Fatal().Err(err).Msg("upload directory unavailable")
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)

	// --- Relay and socket transport ---
	rl := relay.New(bus, logger)
	handlers := relay.NewHandlers(rl, limiter, sessions, logger)
	dispatcher := ws.NewMessageDispatcher(logger)
	handlers.Register(dispatcher)

	socket := ws.NewServer(ws.ServerConfig{
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxFrameBytes:  ws.DefaultServerConfig().MaxFrameBytes,
	}, sessions, dispatcher.Dispatch, logger)
	socket.SetAuthenticator(verifier.Upgrade)
	socket.SetOnDisconnect(handlers.OnDisconnect)
	if err := socket.Start(); err != nil {
		logger.Fatal().Err(err).Msg("socket server failed to start")
	}
	if err := rl.Attach(socket); err != nil {
		logger.Fatal().Err(err).Msg("relay failed to subscribe")
	}

	router := api.NewRouter(api.Deps{
		Logger:         logger,
		Store:          store.Instrument(messages),
		Relay:          rl,
		Verifier:       verifier,
		Attachments:    files,
		Limiter:        limiter,
		Socket:         socket,
		CORSOrigins:    cfg.CORSOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("listen_addr", cfg.ListenAddr).
			Str("env", cfg.Env).
			Str("store", cfg.StoreDriver).
			Str("server_name", cfg.ServerName).
			Bool("redis", sessions != nil).
			Bool("nats", cfg.NATSURL != "").
			Msg("starting chat server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info().Str("signal", sig.String()).Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := socket.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("socket shutdown")
	}

	logger.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		logger.Info().Msg("connecting to PostgreSQL")
		return store.NewPostgresStore(ctx, cfg.DatabaseURL)
	case config.DriverMongo:
		logger.Info().Str("database", cfg.MongoDatabase).Msg("connecting to MongoDB")
		return store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		logger.Warn().Msg("using in-memory message store")
		return store.NewMemoryStore(), nil
	}
}
