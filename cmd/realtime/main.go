// Package main starts the realtime presence and fanout service.
//
// One process owns a hub worker, a Redis fanout link, a presence tracker and
// the HTTP/WebSocket server. Any number of processes can share the same
// Redis; a message sent on one reaches subscribers on every other.
//
// @title                      go-chat-realtime API
// @version                    1.0
// @description                Real-time presence, typing and message fanout for chat clients.
// @BasePath                   /
// @securityDefinitions.apikey BearerAuth
// @in                         header
// @name                       Authorization
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	_ "github.com/tbourn/go-chat-realtime/docs"
	"github.com/tbourn/go-chat-realtime/internal/auth"
	"github.com/tbourn/go-chat-realtime/internal/config"
	"github.com/tbourn/go-chat-realtime/internal/fanout"
	httpapi "github.com/tbourn/go-chat-realtime/internal/http"
	"github.com/tbourn/go-chat-realtime/internal/observability"
	"github.com/tbourn/go-chat-realtime/internal/presence"
	"github.com/tbourn/go-chat-realtime/internal/realtime"
	"github.com/tbourn/go-chat-realtime/internal/repo"
	"github.com/tbourn/go-chat-realtime/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownGrace = 15 * time.Second

func main() {
	devToken := flag.String("dev-token", "", "print a 24h token for this user id and exit")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	sysutil.SetLogLevel(cfg.LogLevel)
	log.Logger = sysutil.NewLogger(os.Stdout, cfg.LogPretty, cfg.Realtime.ProcessID)

	if *devToken != "" {
		tok, err := auth.Issue(cfg.JWTSecret, cfg.JWTIssuer, *devToken, "", 24*time.Hour)
		if err != nil {
			log.Fatal().Err(err).Msg("issue dev token")
		}
		fmt.Println(tok)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("realtime server failed")
	}
	log.Info().Msg("realtime server stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version, cfg.Realtime.ProcessID)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	rt := cfg.Realtime
	adapter := fanout.New(rdb, fanout.Config{
		Prefix:         cfg.Redis.ChannelPrefix,
		ProcessID:      rt.ProcessID,
		HealthInterval: rt.HealthInterval,
		PublishTimeout: rt.PublishTimeout,
	})
	tracker := presence.New(rdb, adapter, presence.Config{
		ProcessID: rt.ProcessID,
		Lease:     rt.PresenceLease,
		TypingTTL: rt.TypingTTL,
		Timeout:   rt.PublishTimeout,
	})
	hub := realtime.NewHub(realtime.HubConfig{
		QueueSize:       rt.SendQueueSize,
		MaxConnsPerUser: rt.MaxConnsPerUser,
		IdleTimeout:     rt.HeartbeatTimeout,
		SweepInterval:   rt.SweepInterval,
	}, adapter, tracker)

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	httpapi.RegisterRoutes(engine, httpapi.Runtime{
		DB:       db,
		Hub:      hub,
		Fanout:   adapter,
		Presence: tracker,
		Verifier: auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	// The tracker outlives the hub so the offline transitions queued by the
	// hub's shutdown still reach Redis.
	trackerCtx, stopTracker := context.WithCancel(context.Background())
	defer stopTracker()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return adapter.Run(gctx, hub.Deliver) })
	g.Go(func() error { return tracker.Run(trackerCtx) })
	g.Go(func() error {
		defer stopTracker()
		return hub.Run(gctx)
	})
	g.Go(func() error {
		log.Info().
			Str("addr", srv.Addr).
			Str("process_id", rt.ProcessID).
			Str("version", version).
			Msg("realtime server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
