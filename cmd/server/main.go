package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xtrntr/cryptodesk/internal/api"
	"github.com/xtrntr/cryptodesk/internal/auth"
	"github.com/xtrntr/cryptodesk/internal/config"
	"github.com/xtrntr/cryptodesk/internal/db"
	"github.com/xtrntr/cryptodesk/internal/logger"
	"github.com/xtrntr/cryptodesk/internal/prices"
	"github.com/xtrntr/cryptodesk/internal/settlement"
	"github.com/xtrntr/cryptodesk/internal/stream"
)

// Main entry point: sets up the ledger, settlement engine, P&L stream and HTTP server
func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		lg.Fatal("failed to open ledger", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}

	anchors := make(map[string]prices.Anchor, len(cfg.Prices))
	for currency, p := range cfg.Prices {
		anchors[currency] = prices.Anchor{Base: p.Base, Jitter: p.Jitter}
	}
	seed := uint64(time.Now().UnixNano())
	feed := prices.NewSimulatedFeed(anchors, rand.New(rand.NewPCG(seed, seed>>1)))

	authService := auth.NewAuthService(store, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.InitialBalance)

	streamServer := stream.NewServer(authService, store, feed, stream.NewRegistry(), lg.Named("stream"), stream.Config{
		Interval:       cfg.Stream.Interval,
		WriteTimeout:   cfg.Stream.WriteTimeout,
		PongTimeout:    cfg.Stream.PongTimeout,
		RequestRate:    cfg.Stream.RequestRate,
		RequestBurst:   cfg.Stream.RequestBurst,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	engine := settlement.NewEngine(store, settlement.Policy{
		EntryDiscount: cfg.Trading.EntryDiscount,
		FeeRate:       cfg.Trading.FeeRate,
	}, lg.Named("settlement"), settlement.WithNotifier(streamServer))

	handler := api.NewHandler(store, engine, authService, feed, lg.Named("api"))
	router := api.NewRouter(handler, streamServer, cfg.HTTP.AllowedOrigins)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go streamServer.Run(ctx)

	go func() {
		lg.Info("HTTP server listening",
			zap.String("addr", srv.Addr),
			zap.String("driver", cfg.Database.Driver),
			zap.Duration("stream_interval", cfg.Stream.Interval),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	lg.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// hijacked stream connections are not tracked by Shutdown
	streamServer.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("graceful shutdown failed", zap.Error(err))
	}

	if err := store.Close(); err != nil {
		lg.Error("ledger close failed", zap.Error(err))
	} else {
		lg.Info("ledger closed")
	}

	lg.Info("server stopped")
}
