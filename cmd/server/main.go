// Command server runs the platform-to-upstream relay: it receives Telegram
// webhook updates, relays them through the processing pipeline to the
// upstream chat-completion service, and delivers the reply back to the chat.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-relay-backend/internal/audit"
	"github.com/tbourn/go-relay-backend/internal/config"
	"github.com/tbourn/go-relay-backend/internal/history"
	httpapi "github.com/tbourn/go-relay-backend/internal/http"
	"github.com/tbourn/go-relay-backend/internal/observability"
	"github.com/tbourn/go-relay-backend/internal/relay"
	"github.com/tbourn/go-relay-backend/internal/repo"
	"github.com/tbourn/go-relay-backend/internal/sysutil"
	"github.com/tbourn/go-relay-backend/internal/telegram"
	"github.com/tbourn/go-relay-backend/internal/upstream"
)

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	version := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), "dev")

	ctx := context.Background()
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(ctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database failed")
	}

	auditor := audit.NewLogger(db)

	pipeline := &relay.Pipeline{
		Upstream: upstream.New(upstream.Config{
			BaseURL: cfg.Upstream.BaseURL,
			Token:   cfg.Upstream.Token,
			Timeout: cfg.Upstream.Timeout,
		}),
		Audit: auditor,
		Model: cfg.Upstream.Model,
	}
	if cfg.History.Enabled {
		pipeline.History = history.New(cfg.History.MaxTurns, cfg.History.SessionTTL)
	}

	adapter := telegram.New(cfg.BotToken)
	adapter.Audit = auditor

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, adapter, pipeline, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("relay server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("stopped")
}
