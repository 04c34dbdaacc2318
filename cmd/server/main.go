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

	"payment-reconciler/config"
	"payment-reconciler/internal/api"
	"payment-reconciler/internal/broker"
	"payment-reconciler/internal/redisclient"
	"payment-reconciler/internal/service"
	"payment-reconciler/internal/util"
	"payment-reconciler/internal/worker"

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
	logger.Info("Starting payment reconciler")

	tp, err := util.InitTracer("payment-reconciler", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	ctx := context.Background()
	ready := map[string]api.Pinger{}

	repo, closeRepo, err := openRepository(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer closeRepo()
	ready["store"] = repo
	log.Printf("Store ready (%s)", cfg.Database.Mode)

	var (
		locker service.Locker = service.NewKeyedMutex()
		seen   service.SeenCache
	)
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		locker = service.NewDistributedLocker(redisClient, cfg.Redis.LockTTL, 0)
		seen = redisClient
		ready["redis"] = redisClient
		log.Println("Redis connected")
	}

	var (
		writer broker.EventWriter = broker.NewLogWriter()
		relay  api.CallbackRelay
	)
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments)
		defer producer.Close()
		writer = producer
		log.Println("Kafka producer initialized")
	}
	notifier := broker.NewEventPublisher(writer)

	reg, invoker, gw := newResilience(*cfg)

	client, sim, err := newProvider(*cfg, reg)
	if err != nil {
		log.Fatalf("Failed to configure provider: %v", err)
	}

	svc := newServices(*cfg, repo, client, gw, locker, seen, notifier)
	if sim != nil {
		sim.SetCallbackSink(simulatorSink(svc.reconciler, logger))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var callbackWorker *worker.CallbackWorker
	if cfg.Kafka.Enabled && cfg.Kafka.RelayCallbacks {
		callbackProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCallbacks)
		defer callbackProducer.Close()
		relay = broker.NewEventPublisher(callbackProducer)

		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCallbacks, cfg.Kafka.ConsumerGroup)
		callbackWorker = worker.NewCallbackWorker(consumer, repo, svc.reconciler)
		go func() {
			if err := callbackWorker.Start(workerCtx); err != nil {
				log.Printf("Callback worker error: %v", err)
			}
		}()
	}

	sweeper := worker.NewPendingSweeper(repo, svc.initiator, svc.reconciler, worker.SweeperConfig{
		Interval:  cfg.Reconciliation.SweepInterval,
		Age:       cfg.Reconciliation.SweepAge,
		BatchSize: cfg.Reconciliation.SweepBatch,
	}, nil)
	go func() {
		if err := sweeper.Start(workerCtx); err != nil {
			logger.Warn("Pending sweeper stopped", zap.Error(err))
		}
	}()

	prober := worker.NewHealthProber(reg, gw, &http.Client{Timeout: cfg.Gateway.ProbeHTTPTimeout}, cfg.Gateway.ProbeInterval)
	go func() {
		if err := prober.Start(workerCtx); err != nil {
			logger.Warn("Health prober stopped", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := newHandler(svc, gw, invoker, reg, relay, ready)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	if callbackWorker != nil {
		callbackWorker.Stop()
	}

	log.Println("Server exited")
}
