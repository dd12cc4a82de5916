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

	"gen-orchestrator/internal/artifact"
	"gen-orchestrator/internal/config"
	"gen-orchestrator/internal/dispatch"
	"gen-orchestrator/internal/events"
	"gen-orchestrator/internal/handler"
	"gen-orchestrator/internal/orchestrator"
	"gen-orchestrator/internal/quota"
	"gen-orchestrator/internal/repository"
	callbackauth "gen-orchestrator/internal/security"
	minioclient "gen-orchestrator/internal/storage/minio"
	"gen-orchestrator/pkg/database/postgres"
	redisclient "gen-orchestrator/pkg/database/redis"
	"gen-orchestrator/pkg/security"

	"github.com/gin-gonic/gin"
)

const callbackPath = "/callbacks/generation-result"

func main() {
	log.Println("Starting API Gateway...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	// Fail fast on missing or placeholder secrets instead of running insecurely.
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize PostgreSQL
	log.Println("Connecting to PostgreSQL...")
	pgPool, err := postgres.NewClient(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer pgPool.Close()

	// Run migrations
	if err := postgres.RunMigrations(ctx, pgPool); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize Minio
	log.Println("Connecting to Minio...")
	minioClient, err := minioclient.NewClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, false)
	if err != nil {
		log.Fatalf("Failed to connect to Minio: %v", err)
	}

	// Initialize Redis
	log.Println("Connecting to Redis...")
	redisClient, err := redisclient.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	// Initialize RabbitMQ
	log.Println("Connecting to RabbitMQ...")
	eventsClient, err := events.NewClient(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer eventsClient.Close()

	log.Println("✓ Successfully connected to all services")

	callbackURL := strings.TrimRight(cfg.CallbackBaseURL, "/") + callbackPath

	orch := orchestrator.New(
		cfg,
		repository.NewPostgresRequestRepository(pgPool),
		repository.NewPostgresArtifactRepository(pgPool),
		quota.NewRedisLedger(redisClient, cfg.MonthlyQuota),
		dispatch.NewClient(cfg.WorkflowWebhookURL, cfg.WorkflowAPIKey, callbackURL, cfg.CallbackToken),
		callbackauth.NewCallbackAuthenticator(cfg.CallbackToken),
		minioClient,
		artifact.NewFetcher(),
		eventsClient,
	)

	h := handler.NewHandler(orch, minioClient, redisClient)

	router := gin.Default()

	// The callback webhook authenticates with the shared-secret token, not JWT.
	router.POST(callbackPath, h.HandleGenerationCallback)

	api := router.Group("/api/v1")
	api.Use(security.AuthMiddleware(cfg.KeycloakJWKSURL, cfg.KeycloakClientID))
	{
		api.POST("/generations", h.SubmitGeneration)
		api.GET("/generations/:id", h.GetRequest)
		api.POST("/generations/:id/cancel", h.CancelRequest)
	}

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		log.Printf("API Gateway listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
}
