package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"reqorder/api/internal/app"
	"reqorder/api/internal/config"
	"reqorder/api/internal/search"
	"reqorder/api/internal/session"
	"reqorder/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	stop := make(chan struct{})
	defer close(stop)

	var service *app.Service
	redisStore, err := openRedis(cfg.RedisURL)
	if err == nil {
		log.Printf("Using Redis for iteration sessions")
		defer redisStore.Close()
		service = app.New(cfg, dataStore, redisStore, searchService)
	} else {
		log.Printf("Using PostgreSQL for iteration sessions: %v", err)
		go purgeSessions(dataStore, stop)
		service = app.New(cfg, dataStore, dataStore, searchService)
	}
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("reqorder API listening on %s", cfg.Addr)
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
		log.Printf("shutdown error: %v", err)
	}
}

func openRedis(url string) (*session.RedisStore, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errNoRedis
	}
	return session.NewRedisStore(url)
}

var errNoRedis = errors.New("REDIS_URL not set")

// purgeSessions drops expired Postgres iteration sessions. Redis expires its
// own keys.
func purgeSessions(dataStore *store.PostgresStore, stop <-chan struct{}) {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := dataStore.PurgeExpiredSessions(ctx, time.Now())
			cancel()
			if err != nil {
				log.Printf("sessions: purge failed: %v", err)
			} else if n > 0 {
				log.Printf("sessions: purged %d expired iteration sessions", n)
			}
		}
	}
}
