package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"whyboard/api/internal/app"
	"whyboard/api/internal/collab"
	"whyboard/api/internal/config"
	"whyboard/api/internal/lockcache"
	"whyboard/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var cache *lockcache.Cache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err = lockcache.New(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer cache.Close()
		slog.Info("lock mirror enabled", "redis", cfg.RedisURL)
	}

	rooms := collab.NewRooms()
	coordinator := collab.NewCoordinator(dataStore, rooms, cache)
	debouncer := collab.NewDebouncer(dataStore, rooms, cfg.DebounceWindow)
	gateway := collab.NewGateway(dataStore, rooms, coordinator, debouncer, cfg.SessionSendBuffer)

	service := app.NewService(dataStore, coordinator, rooms, cache)
	httpServer := app.NewHTTPServer(service, gateway, cfg.CORSOrigin)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("whyboard api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	// Persist whatever the debouncer still holds before the process exits.
	debouncer.FlushAll()
}
