package cmd

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

	"github.com/spf13/cobra"

	"github.com/frahmantamala/soko-payments/internal"
	"github.com/frahmantamala/soko-payments/internal/app"
	"github.com/frahmantamala/soko-payments/internal/notification"
	"github.com/frahmantamala/soko-payments/internal/transport/rest"
	"github.com/frahmantamala/soko-payments/pkg/logger"
	"github.com/frahmantamala/soko-payments/pkg/redis"
)

const shutdownTimeout = 30 * time.Second

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server that takes payment requests, gateway callbacks and notification subscribers`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

func startHTTPServer() {
	cfg := mustLoadConfig()
	log := logger.LoggerWrapper()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqlDB, gormDB, err := initDB(ctx, cfg.Database)
	if err != nil {
		log.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	health := map[string]rest.Pinger{"postgres": sqlDB}

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = redis.New(ctx, cfg.Redis, log)
		if err != nil {
			log.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		health["redis"] = rest.PingFunc(redisClient.Ping)
	}

	sink, err := newWebSocketSink(cfg, log)
	if err != nil {
		log.Error("failed to set up notifications", "error", err)
		os.Exit(1)
	}
	defer sink.Close()

	application, err := app.New(app.Params{
		Config:   cfg,
		DB:       gormDB,
		Commerce: sqlDB,
		Sink:     sink,
		Health:   health,
		Logger:   log,
	})
	if err != nil {
		log.Error("failed to assemble application", "error", err)
		os.Exit(1)
	}

	if redisClient != nil {
		relayed, closeRelay, err := redisClient.Subscribe(ctx, cfg.Notification.RelayChannel)
		if err != nil {
			log.Error("failed to subscribe to notification relay", "error", err)
			os.Exit(1)
		}
		defer closeRelay()
		go notification.Forward(ctx, relayed, sink, log.With("component", "relay"))
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           application.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", "address", server.Addr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("received signal, shutting down")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	application.Shutdown(shutdownCtx)
	log.Info("server stopped")
}

func newWebSocketSink(cfg *internal.Config, log *slog.Logger) (*notification.WebSocketSink, error) {
	if cfg.Notification.TokenSecret == "" {
		return nil, errors.New("notification.token_secret is required to accept websocket subscribers")
	}
	verifier := notification.NewTokenVerifier(cfg.Notification.TokenSecret)
	return notification.NewWebSocketSink(verifier, cfg.Server.Origins(), log.With("component", "websocket")), nil
}
