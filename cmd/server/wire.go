package main

import (
	"context"
	"fmt"
	"time"

	"payment-reconciler/config"
	"payment-reconciler/internal/api"
	"payment-reconciler/internal/gateway"
	"payment-reconciler/internal/models"
	"payment-reconciler/internal/provider"
	"payment-reconciler/internal/registry"
	"payment-reconciler/internal/resilience"
	"payment-reconciler/internal/service"
	"payment-reconciler/internal/store"
	"payment-reconciler/internal/worker"

	"go.uber.org/zap"
)

// repository is what both the Postgres store and the in-memory store provide
type repository interface {
	service.Repository
	service.OrderRepository
	worker.EventLog
	Ping(ctx context.Context) error
}

func openRepository(ctx context.Context, cfg config.DatabaseConfig) (repository, func(), error) {
	if cfg.Mode == "memory" {
		return store.NewMemory(), func() {}, nil
	}

	db, err := store.NewStore(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, func() { db.Close() }, nil
}

func newResilience(cfg config.Config) (*registry.Registry, *resilience.Invoker, *gateway.Gateway) {
	reg := registry.New(cfg.Endpoints...)
	if _, ok := reg.Get(registry.EndpointPayment); !ok {
		_ = reg.Register(registry.Endpoint{
			ID:      registry.EndpointPayment,
			BaseURL: cfg.Provider.BaseURL,
			Quality: registry.QualityGood,
		})
	}

	invoker := resilience.NewInvoker(reg, resilience.Config{
		MaxAttempts:      cfg.Resilience.MaxAttempts,
		AttemptTimeout:   cfg.Resilience.AttemptTimeout,
		BaseBackoff:      cfg.Resilience.BackoffBase,
		MaxBackoff:       cfg.Resilience.BackoffMax,
		MaxJitter:        250 * time.Millisecond,
		FailureThreshold: cfg.Resilience.BreakerThreshold,
		ResetTimeout:     cfg.Resilience.BreakerReset,
		HistorySize:      cfg.Resilience.HistorySize,
	}, resilience.WithJitter(newJitter(cfg.Resilience.JitterSeed)))

	gw := gateway.New(invoker, gateway.Config{
		Capacity: cfg.Gateway.Capacity,
		Window:   cfg.Gateway.Window,
		Shares: map[gateway.Class]float64{
			gateway.ClassPaymentCallback: cfg.Gateway.ShareCallback,
			gateway.ClassInteractive:     cfg.Gateway.ShareInteractive,
			gateway.ClassBulk:            cfg.Gateway.ShareBulk,
		},
		Partitions: partitions(cfg.Gateway.Partitions, reg),
	}, resilience.SystemClock{})

	return reg, invoker, gw
}

// partitions is the configured partition list plus every endpoint region
func partitions(configured []string, reg *registry.Registry) []string {
	out := append([]string(nil), configured...)
	for _, ep := range reg.List() {
		if ep.Region != "" {
			out = append(out, ep.Region)
		}
	}
	return out
}

// newJitter seeds retry jitter from the clock unless JITTER_SEED pins it
func newJitter(seed int64) *resilience.SeededJitter {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return resilience.NewSeededJitter(seed)
}

func newProvider(cfg config.Config, reg *registry.Registry) (provider.Client, *provider.SimulatedClient, error) {
	switch cfg.Provider.Mode {
	case "daraja":
		if cfg.Provider.ConsumerKey == "" || cfg.Provider.PassKey == "" {
			return nil, nil, fmt.Errorf("daraja mode needs DARAJA_CONSUMER_KEY and DARAJA_PASSKEY")
		}
		return provider.NewDarajaClient(provider.DarajaConfig{
			BaseURL:         cfg.Provider.BaseURL,
			ConsumerKey:     cfg.Provider.ConsumerKey,
			ConsumerSecret:  cfg.Provider.ConsumerSecret,
			ShortCode:       cfg.Provider.ShortCode,
			PassKey:         cfg.Provider.PassKey,
			CallbackURL:     cfg.Provider.CallbackURL,
			TransactionType: cfg.Provider.TransactionType,
			Timeout:         cfg.Provider.Timeout,
		}), nil, nil
	case "simulated", "":
		ep, _ := reg.Get(registry.EndpointPayment)
		sim := provider.NewSimulatedClient(provider.SimulatedConfig{
			Seed:          cfg.Provider.SimulatedSeed,
			Profile:       ep.Profile(),
			DeclineRate:   cfg.Provider.SimulatedDeclineRate,
			CallbackDelay: cfg.Provider.SimulatedCallbackDelay,
		}, nil)
		return sim, sim, nil
	default:
		return nil, nil, fmt.Errorf("unknown PROVIDER_MODE %q", cfg.Provider.Mode)
	}
}

// simulatorSink feeds simulated payment results straight into reconciliation
func simulatorSink(rec *service.CallbackReconciler, logger *zap.Logger) provider.CallbackSink {
	return func(ctx context.Context, n models.CallbackNotification) {
		outcome, err := rec.HandleCallback(ctx, n)
		if err != nil {
			logger.Warn("Simulated callback not reconciled",
				zap.String("correlation_id", n.CheckoutRequestID),
				zap.Error(err))
			return
		}
		logger.Debug("Simulated callback reconciled",
			zap.String("correlation_id", n.CheckoutRequestID),
			zap.String("outcome", string(outcome)))
	}
}

type components struct {
	orders     *service.OrderService
	initiator  *service.PaymentInitiator
	reconciler *service.CallbackReconciler
	queue      *service.ManualQueue
}

func newServices(cfg config.Config, repo repository, client provider.Client, router service.Router, locker service.Locker, seen service.SeenCache, notifier service.Notifier) components {
	clock := resilience.SystemClock{}
	rc := cfg.Reconciliation

	return components{
		orders: service.NewOrderService(repo),
		initiator: service.NewPaymentInitiator(repo, client, router, locker, notifier, service.InitiatorConfig{
			MinAmount:        rc.MinAmount,
			MaxAmount:        rc.MaxAmount,
			PendingExpiry:    rc.PendingExpiry,
			InitiateDeadline: rc.InitiateDeadline,
		}, clock),
		reconciler: service.NewCallbackReconciler(repo, locker, seen, notifier, service.ReconcilerConfig{
			Tolerance: rc.Tolerance,
			SeenTTL:   rc.SeenTTL,
		}, clock),
		queue: service.NewManualQueue(repo, locker, notifier, clock),
	}
}

func newHandler(c components, gw *gateway.Gateway, invoker *resilience.Invoker, reg *registry.Registry, relay api.CallbackRelay, ready map[string]api.Pinger) *api.Handler {
	return api.NewHandler(api.Dependencies{
		Orders:     c.orders,
		Payments:   c.initiator,
		Reconciler: c.reconciler,
		Queue:      c.queue,
		Gateway:    gw,
		Relay:      relay,
		Health:     invoker,
		Endpoints:  reg,
		Ready:      ready,
	})
}
