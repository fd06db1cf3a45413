package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"gorm.io/gorm/logger"

	"github.com/sirenhq/siren/internal/cache"
	"github.com/sirenhq/siren/internal/config"
	"github.com/sirenhq/siren/internal/database"
	"github.com/sirenhq/siren/internal/handlers"
	"github.com/sirenhq/siren/internal/jobs"
	"github.com/sirenhq/siren/internal/provisioning"
	"github.com/sirenhq/siren/internal/services"
	slacksink "github.com/sirenhq/siren/internal/slack"
	"github.com/sirenhq/siren/internal/topology"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting Siren correlation core...")

	db, err := database.Connect(cfg.DatabaseURL, logger.Warn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(db)

	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	// Seed rules and windows from a provisioning file when one is given.
	if path := os.Getenv("PROVISIONING_FILE"); path != "" {
		file, err := provisioning.LoadFile(path)
		if err != nil {
			log.Fatalf("Failed to load provisioning file: %v", err)
		}
		if err := provisioning.Apply(db, file); err != nil {
			log.Fatalf("Failed to apply provisioning file: %v", err)
		}
		log.Printf("Provisioning applied from %s", path)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		log.Printf("Redis last-hash cache enabled at %s", cfg.RedisAddr)
	}
	hashes := cache.NewLastHashCache(redisClient, cfg.RedisCacheTTL, func(ctx context.Context, tenantID string, fingerprints []string) (map[string]string, error) {
		return database.GetLastAlertHashes(db, tenantID, fingerprints)
	})

	var sink services.WorkflowSink
	if cfg.SlackBotToken != "" {
		sink = slacksink.NewSink(cfg.SlackBotToken, cfg.SlackChannel)
		log.Printf("Slack workflow sink enabled for channel %s", cfg.SlackChannel)
	} else {
		sink = &services.LogSink{}
	}

	tenants := services.NewTenantService(db, *cfg)
	maintenance := services.NewMaintenanceService(db, cfg.MaintenanceStrategy)
	dedup := services.NewDedupService(db, hashes, cfg.DedupTrackingEnabled)
	correlation := services.NewCorrelationService(db, sink)
	pipeline := services.NewPipeline(db, maintenance, dedup, correlation, hashes)

	var provider topology.Provider
	if cfg.Neo4jURI != "" {
		neoProvider, err := topology.NewNeo4jProvider(context.Background(), cfg.Neo4jURI, cfg.Neo4jUsername, cfg.Neo4jPassword)
		if err != nil {
			log.Fatalf("Failed to connect to Neo4j topology provider: %v", err)
		}
		defer neoProvider.Close(context.Background())
		provider = neoProvider
		log.Printf("Topology provider: neo4j (%s)", cfg.Neo4jURI)
	} else {
		provider = topology.NewGormProvider(db)
		log.Printf("Topology provider: database")
	}

	topologyService := services.NewTopologyService(db, provider, tenants, sink, cfg.TopologyLookback)

	ingestHandler := handlers.NewIngestHandler(pipeline)
	mux := http.NewServeMux()
	ingestHandler.SetupRoutes(mux)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: mux,
	}
	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Background loops share one stop channel; each checks it during the
	// interval sleep.
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		jobs.NewTenantRefreshJob(tenants).Start(stop)
	}()

	if cfg.TopologyEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs.NewTopologyScanJob(topologyService, cfg.TopologyScanInterval).Start(stop)
		}()
		log.Printf("Topology scan job started (interval=%s)", cfg.TopologyScanInterval)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		jobs.NewMaintenanceReconcileJob(maintenance, cfg.MaintenanceReconcileInterval).Start(stop)
	}()
	log.Printf("Maintenance reconcile job started (interval=%s, strategy=%s)",
		cfg.MaintenanceReconcileInterval, cfg.MaintenanceStrategy)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("Received shutdown signal, cleaning up...")

	close(stop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}

	// Bounded join: give the loops a grace period, then exit regardless.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("Shutdown complete")
	case <-time.After(shutdownTimeout):
		log.Println("Shutdown timed out waiting for background jobs")
	}
}
