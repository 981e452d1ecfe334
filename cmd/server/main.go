package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"assetlens-go/config"
	"assetlens-go/internal/api/handlers"
	"assetlens-go/internal/cleanup"
	"assetlens-go/internal/core/processor"
	"assetlens-go/internal/db"
	"assetlens-go/internal/db/repository"
	"assetlens-go/internal/detect"
	"assetlens-go/internal/logger"
	"assetlens-go/internal/notifier"
	"assetlens-go/internal/pipeline"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const defaultConfigPath = "/config/config.yaml"

func main() {
	configPath := defaultConfigPath
	if envPath := os.Getenv("ASSETLENS_CONFIG"); envPath != "" {
		configPath = envPath
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	if err := logger.Init(cfg.Log); err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}

	// Initialize database connection
	log.Info("Initializing database...")
	gormDB, err := db.Initialize(cfg.DB)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	log.Info("Database initialization complete.")

	repo := repository.NewSQLiteRepository(gormDB)

	// Detection engine registry, shared by all runs
	registry := detect.NewRegistry()
	defer registry.Close()
	detector := detect.NewDetector(registry)

	// MQTT notifier (no-op when disabled)
	mqttClient := notifier.NewClient(cfg.MQTT)
	if err := mqttClient.Start(); err != nil {
		log.Warnf("Failed to start MQTT notifier: %v. Continuing without MQTT.", err)
	}
	defer mqttClient.Stop()

	// Pipeline executor and worker pool
	executor := pipeline.NewExecutor(repo, cfg, detector, mqttClient)
	pool := processor.NewWorkerPool(executor)
	defer pool.Shutdown()

	// Retention cleanup
	cleanupService := cleanup.NewService(gormDB, repo, cfg.Cleanup.RetentionDays, cfg.Server.DataDir, cfg.Server.OverlayDir, 24*time.Hour)
	if cleanupService != nil {
		cleanupService.StartBackgroundCleanup()
		defer cleanupService.StopBackgroundCleanup()
	}

	// HTTP router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	apiHandler := handlers.NewAPIHandler(cfg, repo, executor, pool)
	apiHandler.RegisterRoutes(router.Group("/api"))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Infof("Starting server on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutdown signal received, stopping server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Server shutdown error: %v", err)
	}
	log.Info("Server stopped.")
}
