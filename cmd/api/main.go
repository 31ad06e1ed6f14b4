package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"planmark/internal/app"
	"planmark/internal/config"
	"planmark/internal/docsource"
	"planmark/internal/hub"
	"planmark/internal/search"
	"planmark/internal/store"
	"planmark/internal/syncclient"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var rdb *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("WARNING: redis unreachable, running single-instance: %v", err)
			_ = rdb.Close()
			rdb = nil
		}
	}
	if rdb != nil {
		defer rdb.Close()
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFallback(dataStore))

	var docs *docsource.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		docs, err = docsource.New(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioSecure, logger)
		if err != nil {
			log.Printf("WARNING: document source unavailable, page endpoints disabled: %v", err)
			docs = nil
		}
	}

	// The hub callback and the service reference each other; the closure
	// breaks the construction cycle.
	var service *app.Service
	h := hub.New(rdb, func(ctx context.Context, documentID string, ev syncclient.Event) error {
		return service.HandleSocketEvent(ctx, documentID, ev)
	}, logger)
	defer h.Close()
	service = app.NewService(dataStore, h, searchService, docs)

	if meiliClient != nil {
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			n, err := service.RebuildSearchIndex(rctx)
			if err != nil {
				log.Printf("WARNING: search reindex failed: %v", err)
				return
			}
			log.Printf("search index rebuilt with %d annotations", n)
		}()
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Planmark API listening on %s", cfg.Addr)
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
