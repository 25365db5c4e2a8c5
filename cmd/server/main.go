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

	"inventory-service/config"
	"inventory-service/internal/api"
	"inventory-service/internal/broker"
	"inventory-service/internal/ledger"
	"inventory-service/internal/redisclient"
	"inventory-service/internal/service"
	"inventory-service/internal/store"
	"inventory-service/internal/util"
	"inventory-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// backingStore is satisfied by both store implementations
type backingStore interface {
	ledger.RecordStore
	service.ReservationStore
}

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting inventory service", cfg.LogFields()...)

	if cfg.Observ.TracingEnabled {
		tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	checks := map[string]api.ReadinessCheck{}

	var st backingStore
	switch cfg.Database.Backend {
	case config.StoreBackendMemory:
		st = store.NewMemoryStore()
		logger.Warn("Using in-memory store, state is lost on restart")
	case config.StoreBackendPostgres:
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		if cfg.Database.Migrate {
			if err := db.Migrate(context.Background()); err != nil {
				logger.Fatal("Failed to apply schema", zap.Error(err))
			}
		}
		st = db
		checks["database"] = db.Ping
		logger.Info("Database connected")
	default:
		logger.Fatal("Unknown store backend", zap.String("backend", cfg.Database.Backend))
	}

	var cache ledger.SnapshotCache
	var locker service.Locker
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.CacheTTL)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		cache = redisClient
		locker = redisClient
		checks["redis"] = redisClient.Ping
		logger.Info("Redis connected")
	}

	inventoryLedger := ledger.NewLedger(st, cache, cfg.Reservation.LedgerMaxAttempts)

	var notifier service.ResultNotifier
	var publisher service.ResultPublisher
	switch cfg.Reservation.NotifierBackend {
	case config.NotifierKafka:
		if cfg.Kafka.Enabled {
			producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicReservationDone)
			defer producer.Close()
			publisher = broker.NewEventPublisher(producer)
			logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicReservationDone))
		}
	case config.NotifierRabbitMQ:
		rabbit, err := broker.NewRabbitPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.ResultsQueue)
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		defer rabbit.Close()
		publisher = rabbit
		logger.Info("RabbitMQ publisher initialized", zap.String("queue", cfg.RabbitMQ.ResultsQueue))
	case config.NotifierNone:
	default:
		logger.Fatal("Unknown notifier backend", zap.String("backend", cfg.Reservation.NotifierBackend))
	}

	var queueNotifier *service.QueueNotifier
	if publisher != nil {
		queueNotifier = service.NewQueueNotifier(publisher, cfg.Reservation.NotifyQueueSize)
		notifier = queueNotifier
	}

	engine := service.NewReservationEngine(st, inventoryLedger, notifier, locker, service.EngineConfig{
		DefaultLocationID: cfg.Reservation.DefaultLocationID,
		ReservationTTL:    cfg.Reservation.TTL,
		LockTTL:           cfg.Redis.LockTTL,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var intake *worker.OrderIntakeWorker
	intakeDone := make(chan struct{})
	if cfg.Kafka.Enabled {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrdersCreated, cfg.Kafka.ConsumerGroup)
		intake = worker.NewOrderIntakeWorker(consumer, engine, cfg.Intake.QueueSize, cfg.Intake.Workers)
		go func() {
			defer close(intakeDone)
			if err := intake.Start(workerCtx); err != nil {
				logger.Error("Order intake error", zap.Error(err))
			}
		}()
	} else {
		close(intakeDone)
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(inventoryLedger, engine, checks)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
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
	<-intakeDone
	if intake != nil {
		if err := intake.Stop(); err != nil {
			logger.Warn("Error closing order consumer", zap.Error(err))
		}
	}
	if queueNotifier != nil {
		queueNotifier.Close()
	}

	logger.Info("Server exited")
}
