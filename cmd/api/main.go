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

	"brickline/api/internal/app"
	"brickline/api/internal/audit"
	"brickline/api/internal/authpw"
	"brickline/api/internal/config"
	"brickline/api/internal/dispatch"
	"brickline/api/internal/docs"
	"brickline/api/internal/metrics"
	"brickline/api/internal/notify"
	"brickline/api/internal/objstore"
	"brickline/api/internal/search"
	"brickline/api/internal/session"
	"brickline/api/internal/store"
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

	storage, err := objstore.New(objstore.Options{
		Endpoint:  cfg.StorageEndpoint,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		Bucket:    cfg.StorageBucket,
		UseSSL:    cfg.StorageUseSSL,
	})
	if err != nil {
		log.Fatalf("object storage client failed: %v", err)
	}

	recorder := audit.NewRecorder(dataStore)
	defer recorder.Close()

	dispatcher := dispatch.New(cfg.DispatcherURL, cfg.DispatcherToken)
	uploads := docs.NewService(dataStore, dispatcher, storage, recorder)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		go searchService.ReindexAllFromPG()
	}

	authService := authpw.NewService(dataStore)

	// Refresh sessions live in Redis when it is configured; the
	// Postgres table is the fallback. The same connection carries the
	// realtime notification stream.
	var sessions app.SessionStore = dataStore
	var subscribe app.SubscribeFunc
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		sessions = redisStore

		redisClient := redisStore.Client()
		realtimeSecret := []byte(cfg.RealtimeSecret)
		// A Bridge holds one subscription, so each subscriber gets its
		// own.
		subscribe = func(ctx context.Context, token string, deliver func(notify.Notification)) error {
			return notify.NewBridge(redisClient, realtimeSecret).Subscribe(ctx, token, deliver)
		}
		log.Printf("Using Redis for refresh token storage")
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
	}

	service := app.New(cfg, dataStore, sessions, uploads, storage, recorder, searchService, authService, subscribe)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", metrics.Middleware(httpServer.Handler()))

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Brickline API listening on %s", cfg.Addr)
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
