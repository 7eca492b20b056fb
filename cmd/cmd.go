package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meal-lens-backend/internal/config"
	"meal-lens-backend/internal/estimation"
	"meal-lens-backend/internal/handlers"
	"meal-lens-backend/internal/ingest"
	"meal-lens-backend/internal/middleware"
	"meal-lens-backend/internal/queue"
	"meal-lens-backend/internal/repository"
	"meal-lens-backend/internal/services"
	"meal-lens-backend/internal/storage"
	"meal-lens-backend/internal/worker"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func Run() {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logger
	setupLogger(cfg.Log.Level)

	// Connect to database
	db, err := pgxpool.New(context.Background(), cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Ping(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping database")
	}
	log.Info().Msg("Database connection established")

	// Object storage
	objectStore, err := storage.NewS3Store(context.Background(),
		cfg.AWS.Region, cfg.AWS.S3Bucket, cfg.AWS.AccessKey, cfg.AWS.SecretKey, cfg.AWS.Endpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create object store")
	}

	// Group store: Redis when configured so multiple ingestion instances share
	// buffers, in-memory otherwise.
	var groupStore ingest.GroupStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatal().Err(err).Msg("Failed to ping redis")
		}
		defer rdb.Close()
		groupStore = ingest.NewRedisGroupStore(rdb, "meallens", cfg.Aggregator.MaxPhotos)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis group store")
	} else {
		groupStore = ingest.NewMemoryGroupStore(cfg.Aggregator.MaxPhotos)
		log.Info().Msg("Using in-memory group store")
	}

	// Initialize repositories
	mealRepo := repository.NewMealRepository(db)
	summaryRepo := repository.NewSummaryRepository(db)
	deviceRepo := repository.NewDeviceRepository(db)

	// Submission queue
	jobQueue := queue.NewPostgresQueue(db, cfg.Worker.PollInterval, cfg.Worker.LeaseDuration)

	// Notices: chat gateway always, push only when APNs is configured
	wsHub := services.NewWSHub()
	var pushService *services.PushService
	if cfg.APNs.CertFile != "" {
		pushService, err = services.NewPushService(
			cfg.APNs.CertFile, cfg.APNs.CertPassword, cfg.APNs.Topic, cfg.APNs.Production)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create push service")
		}
	}
	noticeService := services.NewNoticeService(
		cfg.Chat.GatewayURL, cfg.Chat.Token, wsHub, pushService, deviceRepo)

	// Initialize services
	mealService := services.NewMealService(mealRepo, summaryRepo, deviceRepo, objectStore, noticeService)
	aggregator := ingest.NewAggregator(groupStore, jobQueue, noticeService, cfg.Aggregator.FlushWindow)

	// Estimation worker pool
	estimationClient := estimation.NewClient(
		cfg.Estimation.BaseURL, cfg.Estimation.APIKey, cfg.Estimation.Model, cfg.Estimation.Timeout)
	fetcher := worker.NewPhotoFetcher(objectStore, cfg.Worker.FetchParallel, cfg.Worker.FetchTimeout)
	pool := worker.NewPool(jobQueue, fetcher, estimationClient, mealService, noticeService, worker.Config{
		PoolSize:    cfg.Worker.PoolSize,
		MaxAttempts: cfg.Worker.MaxAttempts,
		MaxJobAge:   cfg.Worker.MaxJobAge,
	})

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(workerCtx)
	}()

	if cfg.Retention.SweepEnabled {
		sweeper := services.NewRetentionSweeper(mealRepo, objectStore, cfg.Retention.SweepInterval)
		go sweeper.Run(workerCtx)
	}

	// Initialize handlers
	ingestHandler := handlers.NewIngestHandler(aggregator)
	mealHandler := handlers.NewMealHandler(mealService)
	wsHandler := handlers.NewWebSocketHandler(wsHub, cfg.JWT.Secret)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(corsMiddleware)

	// Routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.WebhookAuth(cfg.Webhook.Secret))
		r.Post("/webhook/photo-event", ingestHandler.PhotoEvent)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(cfg.JWT.Secret))
		r.Get("/meals", mealHandler.GetDay)
		r.Get("/meals/{meal_id}", mealHandler.GetMeal)
		r.Patch("/meals/{meal_id}", mealHandler.EditMeal)
		r.Delete("/meals/{meal_id}", mealHandler.DeleteMeal)
		r.Get("/summary", mealHandler.GetCalendar)
		r.Post("/devices", mealHandler.RegisterDevice)
	})

	// WebSocket route
	r.Get("/ws", wsHandler.HandleWebSocket)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("host", cfg.Server.Host).
			Int("port", cfg.Server.Port).
			Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Shutdown HTTP server first so no new jobs are enqueued, then drain the
	// worker pool.
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	stopWorkers()
	select {
	case <-poolDone:
	case <-ctx.Done():
		log.Warn().Msg("Worker pool did not drain in time")
	}

	log.Info().Msg("Server exited")
}

// setupLogger configures zerolog logger
func setupLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// corsMiddleware handles CORS for the mini-app
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
