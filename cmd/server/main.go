package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"farm-market/config"
	"farm-market/internal/api"
	"farm-market/internal/broker"
	"farm-market/internal/redisclient"
	"farm-market/internal/service"
	"farm-market/internal/store"
	"farm-market/internal/util"
	"farm-market/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting farm market service",
		zap.String("store", cfg.Database.Driver),
		zap.String("placement_mode", string(cfg.Business.PlacementMode)))

	tp, err := util.InitTracer("farm-market", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	if tp != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	var (
		st     service.Store
		checks []api.ReadinessCheck
	)
	switch cfg.Database.Driver {
	case "memory":
		st = store.NewMemoryStore()
		logger.Warn("Using in-memory store, data is lost on restart")
	default:
		db, err := store.NewStore(cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		if cfg.Database.AutoMigrate {
			if err := db.Migrate(context.Background()); err != nil {
				log.Fatalf("Failed to migrate database: %v", err)
			}
		}
		st = db
		logger.Info("Database connected")
	}
	checks = append(checks, api.ReadinessCheck{Name: "store", Check: st.Ping})

	// left as nil interfaces when Redis is disabled
	var (
		idempotency service.IdempotencyStore
		cache       service.CatalogCache
		locker      service.Locker
	)
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()

		idempotency, cache, locker = redisClient, redisClient, redisClient
		checks = append(checks, api.ReadinessCheck{Name: "redis", Check: redisClient.Ping})
		logger.Info("Redis connected")
	}

	var (
		producer *broker.Producer
		consumer worker.EventConsumer
	)
	if cfg.Kafka.Enabled {
		producer = broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
		defer producer.Close()
		consumer = broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	}
	eventPublisher := broker.NewEventPublisher(producer)

	placement := service.NewPlacementCoordinator(st, eventPublisher, idempotency, cache, service.PlacementOptions{
		Mode:           cfg.Business.PlacementMode,
		MaxRetries:     cfg.Business.PlacementMaxRetries,
		IdempotencyTTL: cfg.Business.IdempotencyTTL,
	})
	orderService := service.NewOrderService(st, eventPublisher, cfg.Business.DefaultPageLimit)
	catalogService := service.NewCatalogService(st, cache, cfg.Business.ListingCacheTTL, cfg.Business.DefaultPageLimit)
	reconciler := service.NewStockReconciler(st, eventPublisher, cache, locker)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	reconcileWorker := worker.NewReconciliationWorker(reconciler, consumer, cfg.Business.ReconcileInterval, cfg.Business.ReconcileBatchSize)
	reconcileWorker.Start(workerCtx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(placement, orderService, catalogService, reconciler, checks...)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := reconcileWorker.Stop(); err != nil {
		logger.Error("Error stopping reconciliation worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
