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

	"cassandra/api/internal/app"
	"cassandra/api/internal/blob"
	"cassandra/api/internal/canvas"
	"cassandra/api/internal/config"
	"cassandra/api/internal/export"
	"cassandra/api/internal/llm"
	"cassandra/api/internal/search"
	"cassandra/api/internal/session"
	"cassandra/api/internal/store"
	"cassandra/api/internal/util"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	failures := store.NewPostgresStore(db)

	llmClient := llm.NewOpenAIClient(cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMBaseURL)

	var keyword search.KeywordSearcher
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		keyword = meiliClient
		defer meiliClient.Close()
	}
	searchService := search.NewService(keyword, search.NewPgFTS(db), search.NewVector(db, llmClient))

	redisStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer redisStore.Close()

	graph := canvas.NewGraph()
	sessions := session.NewManager(redisStore, graph, cfg.SessionDebounce, func() string {
		return util.NewID("sess")
	})

	var archiver app.AttachmentArchiver
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		blobStore, err := blob.NewStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Printf("WARNING: attachment archive disabled: %v", err)
		} else {
			archiver = blobStore
		}
	}

	service := app.NewService(
		graph,
		sessions,
		failures,
		searchService,
		searchService,
		llmClient,
		llmClient,
		llmClient,
		export.NewService(),
		archiver,
	)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, redisStore.Ping)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Analysis streams stay open well past a normal request.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Cassandra API listening on %s", cfg.Addr)
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
	if err := sessions.Close(shutdownCtx); err != nil {
		log.Printf("session flush error: %v", err)
	}
}
