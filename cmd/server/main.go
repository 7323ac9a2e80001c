package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/studysync-app/studysync/internal/api"
	"github.com/studysync-app/studysync/internal/config"
	"github.com/studysync-app/studysync/internal/database"
	"github.com/studysync-app/studysync/internal/logging"
	"github.com/studysync-app/studysync/internal/repositories"
	"github.com/studysync-app/studysync/internal/services"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create postgres pool")
	}
	defer postgresPool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create redis client")
	}
	defer redisClient.Close()

	// Repositories
	feed := repositories.NewRedisChangeFeed(redisClient, logger)
	records := repositories.NewPostgresRecordRepository(postgresPool, feed, logger)
	backups := repositories.NewPostgresBackupRepository(postgresPool)
	migrationRepo := repositories.NewPostgresMigrationRepository(postgresPool)

	if err := migrationRepo.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure migration schema")
	}

	// Services
	listener := services.NewChangeListener(feed, logger)
	syncService := services.NewSyncService(records, listener, cfg.StoreTimeout, logger)
	backupService := services.NewBackupService(records, backups, syncService, logger)
	migrationService, err := services.NewMigrationService(
		migrationRepo,
		records,
		services.StructuralSteps(postgresPool),
		services.UserDataMigrations(),
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid migration catalog")
	}

	// Bring the schema up to date before accepting traffic.
	if err := migrationService.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("startup migrations failed")
	}

	syncService.StartAutoFlush(ctx, cfg.FlushInterval)

	handler := api.NewHandler(syncService, backupService, migrationService, logger)
	auth := api.NewAuthenticator(cfg.JWTSecret)

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Mount("/api", handler.Routes(auth))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	// graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info().Msg("shutting down server")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("port", cfg.ServerPort).Msg("starting server")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server error")
	}

	logger.Info().Msg("server stopped gracefully")
}
