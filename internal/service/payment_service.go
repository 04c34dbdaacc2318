package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"payment-reconciler/internal/gateway"
	"payment-reconciler/internal/models"
	"payment-reconciler/internal/provider"
	"payment-reconciler/internal/registry"
	"payment-reconciler/internal/resilience"
	"payment-reconciler/internal/store"
	"payment-reconciler/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Failure reasons recorded on transactions
const (
	ReasonExpired             = "expired"
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonProviderRejected    = "provider_rejected"
	ReasonRejectedByReview    = "rejected_by_review"
)

// InitiatorConfig bounds payment initiation
type InitiatorConfig struct {
	MinAmount int64
	MaxAmount int64
	// PendingExpiry is how long an unanswered push blocks a new attempt for the same order.
	PendingExpiry    time.Duration
	InitiateDeadline time.Duration
}

// DefaultInitiatorConfig uses the provider's single-transaction limits in KES
func DefaultInitiatorConfig() InitiatorConfig {
	return InitiatorConfig{
		MinAmount:        1,
		MaxAmount:        250000,
		PendingExpiry:    2 * time.Minute,
		InitiateDeadline: 20 * time.Second,
	}
}

// InitiateRequest asks for a push-to-pay prompt for an order.
// A zero Amount means the order's expected total.
type InitiateRequest struct {
	OrderID        string `json:"order_id" binding:"required"`
	PayerReference string `json:"payer_reference" binding:"required"`
	Amount         int64  `json:"amount,omitempty"`
	Partition      string `json:"partition,omitempty"`
}

// InitiateResult identifies the pending payment
type InitiateResult struct {
	TransactionID   string `json:"transaction_id"`
	CorrelationID   string `json:"correlation_id"`
	CustomerMessage string `json:"customer_message,omitempty"`
}

// PaymentStatus is the local record of a transaction plus, when reachable, the provider's view
type PaymentStatus struct {
	Transaction *models.PaymentTransaction `json:"transaction"`
	Provider    *provider.StatusResult     `json:"provider,omitempty"`
}

// PaymentInitiator starts push-to-pay payments
type PaymentInitiator struct {
	repo    Repository
	client  provider.Client
	router  Router
	locker  Locker
	settler *settler
	cfg     InitiatorConfig
	clock   resilience.Clock
	logger  *zap.Logger
}

// NewPaymentInitiator creates a new payment initiator
func NewPaymentInitiator(
	repo Repository,
	client provider.Client,
	router Router,
	locker Locker,
	notifier Notifier,
	cfg InitiatorConfig,
	clock resilience.Clock,
) *PaymentInitiator {
	def := DefaultInitiatorConfig()
	if cfg.MaxAmount <= 0 {
		cfg.MaxAmount = def.MaxAmount
	}
	if cfg.MinAmount <= 0 {
		cfg.MinAmount = def.MinAmount
	}
	if cfg.PendingExpiry <= 0 {
		cfg.PendingExpiry = def.PendingExpiry
	}
	if cfg.InitiateDeadline <= 0 {
		cfg.InitiateDeadline = def.InitiateDeadline
	}
	if clock == nil {
		clock = resilience.SystemClock{}
	}

	return &PaymentInitiator{
		repo:    repo,
		client:  client,
		router:  router,
		locker:  locker,
		settler: newSettler(repo, notifier, clock),
		cfg:     cfg,
		clock:   clock,
		logger:  util.GetLogger(),
	}
}

// Initiate validates the request, records a pending transaction and sends the push.
// The outcome of the payment itself arrives later through the callback.
func (p *PaymentInitiator) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentInitiator.Initiate")
	defer span.End()

	start := p.clock.Now()
	defer func() {
		util.PaymentInitiationLatency.Observe(p.clock.Now().Sub(start).Seconds())
	}()

	payer, err := provider.NormalizeMSISDN(req.PayerReference)
	if err != nil {
		util.PaymentInitiationsTotal.WithLabelValues("invalid").Inc()
		return nil, invalid("payer_reference", "expected a mobile number such as 0712345678", ErrInvalidReference)
	}
	if req.Amount < 0 {
		util.PaymentInitiationsTotal.WithLabelValues("invalid").Inc()
		return nil, invalid("amount", "must not be negative", ErrAmountOutOfRange)
	}

	tx, amount, err := p.reserveAttempt(ctx, req.OrderID, payer, req.Amount)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			util.PaymentInitiationsTotal.WithLabelValues("invalid").Inc()
		}
		return nil, err
	}

	p.logger.Info("Initiating payment",
		zap.String("order_id", req.OrderID),
		zap.String("transaction_id", tx.ID),
		zap.Int64("amount", amount))

	resp, err := p.push(ctx, req.Partition, provider.PushRequest{
		OrderID:        req.OrderID,
		PayerReference: payer,
		Amount:         amount,
	})
	if err != nil {
		if resilience.IsPermanent(err) {
			return nil, p.reject(ctx, tx, provider.ErrorMessage(err))
		}
		util.PaymentInitiationsTotal.WithLabelValues("unavailable").Inc()
		p.abandon(ctx, tx, ReasonProviderUnavailable)
		p.logger.Warn("Payment provider unavailable",
			zap.String("order_id", tx.OrderID),
			zap.String("transaction_id", tx.ID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	if !resp.Accepted() {
		return nil, p.reject(ctx, tx, resp.ResponseDescription)
	}

	if err := p.repo.SetCorrelationIDs(ctx, tx.ID, resp.MerchantRequestID, resp.CheckoutRequestID); err != nil {
		return nil, fmt.Errorf("failed to store correlation ids: %w", err)
	}

	util.PaymentInitiationsTotal.WithLabelValues("accepted").Inc()
	p.logger.Info("Payment push accepted",
		zap.String("order_id", tx.OrderID),
		zap.String("transaction_id", tx.ID),
		zap.String("correlation_id", resp.CheckoutRequestID))

	return &InitiateResult{
		TransactionID:   tx.ID,
		CorrelationID:   resp.CheckoutRequestID,
		CustomerMessage: resp.CustomerMessage,
	}, nil
}

// reserveAttempt writes the pending transaction ahead of the network call, under the order lock
func (p *PaymentInitiator) reserveAttempt(ctx context.Context, orderID, payer string, amount int64) (*models.PaymentTransaction, int64, error) {
	unlock, err := p.locker.Lock(ctx, orderID)
	if err != nil {
		return nil, 0, err
	}
	defer unlock()

	order, err := p.repo.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, 0, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return nil, 0, fmt.Errorf("failed to get order: %w", err)
	}
	if order.Status == models.OrderStatusPaid || order.Status == models.OrderStatusFulfilling {
		return nil, 0, ErrOrderAlreadyPaid
	}

	if amount == 0 {
		amount = order.ExpectedAmount
	}
	if amount < p.cfg.MinAmount || amount > p.cfg.MaxAmount {
		return nil, 0, invalid("amount",
			fmt.Sprintf("must be between %d and %d", p.cfg.MinAmount, p.cfg.MaxAmount), ErrAmountOutOfRange)
	}

	active, err := p.repo.GetActiveTransaction(ctx, orderID)
	switch {
	case err == nil:
		if p.clock.Now().Sub(active.CreatedAt) < p.cfg.PendingExpiry {
			return nil, 0, ErrPaymentInProgress
		}
		if _, err := p.settler.failAttempt(ctx, orderID, active.ID, ReasonExpired); err != nil {
			return nil, 0, err
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, 0, fmt.Errorf("failed to get active transaction: %w", err)
	}

	tx := &models.PaymentTransaction{
		ID:             uuid.New().String(),
		OrderID:        orderID,
		Amount:         amount,
		PayerReference: payer,
		Status:         models.TxStatusPending,
	}
	if err := p.repo.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, 0, ErrPaymentInProgress
		}
		return nil, 0, fmt.Errorf("failed to create transaction: %w", err)
	}

	if _, err := p.repo.AwaitPayment(ctx, orderID, tx.ID); err != nil {
		return nil, 0, fmt.Errorf("failed to link transaction: %w", err)
	}
	return tx, amount, nil
}

func (p *PaymentInitiator) push(ctx context.Context, partition string, req provider.PushRequest) (*provider.PushResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.InitiateDeadline)
	defer cancel()

	// abandoned attempts may still return after a later one succeeded
	var mu sync.Mutex
	var resp *provider.PushResponse

	err := p.router.Route(ctx, gateway.Request{
		Class:     gateway.ClassPaymentCallback,
		Partition: partition,
		Endpoint:  registry.EndpointPayment,
		Operation: "stk_push",
		Do: func(ctx context.Context) error {
			r, err := p.client.InitiatePush(ctx, req)
			if err != nil {
				return err
			}
			mu.Lock()
			if resp == nil {
				resp = r
			}
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	return resp, nil
}

func (p *PaymentInitiator) reject(ctx context.Context, tx *models.PaymentTransaction, description string) error {
	util.PaymentInitiationsTotal.WithLabelValues("rejected").Inc()
	p.abandon(ctx, tx, ReasonProviderRejected+": "+description)
	p.logger.Warn("Payment rejected by provider",
		zap.String("order_id", tx.OrderID),
		zap.String("transaction_id", tx.ID),
		zap.String("description", description))
	return fmt.Errorf("%w: %s", ErrProviderRejected, description)
}

// abandon fails an attempt whose push never reached the payer
func (p *PaymentInitiator) abandon(ctx context.Context, tx *models.PaymentTransaction, reason string) {
	// the caller's context may already be past its deadline
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	unlock, err := p.locker.Lock(ctx, tx.OrderID)
	if err != nil {
		p.logger.Error("Failed to lock order to abandon attempt", zap.String("order_id", tx.OrderID), zap.Error(err))
		return
	}
	defer unlock()

	if _, err := p.settler.failAttempt(ctx, tx.OrderID, tx.ID, reason); err != nil {
		p.logger.Error("Failed to abandon payment attempt",
			zap.String("transaction_id", tx.ID),
			zap.Error(err))
	}
}

// QueryStatus returns a transaction and asks the provider for its current view.
// Provider failures are logged and leave Provider nil.
func (p *PaymentInitiator) QueryStatus(ctx context.Context, transactionID string) (*PaymentStatus, error) {
	ctx, span := util.StartSpan(ctx, "PaymentInitiator.QueryStatus")
	defer span.End()

	tx, err := p.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	status := &PaymentStatus{Transaction: tx}
	if tx.CorrelationID == "" || tx.IsTerminal() {
		return status, nil
	}

	res, err := p.query(ctx, gateway.ClassInteractive, "", tx.CorrelationID)
	if err != nil {
		p.logger.Warn("Provider status query failed",
			zap.String("transaction_id", tx.ID),
			zap.Error(err))
		return status, nil
	}
	status.Provider = res
	return status, nil
}

func (p *PaymentInitiator) query(ctx context.Context, class gateway.Class, partition, correlationID string) (*provider.StatusResult, error) {
	var mu sync.Mutex
	var res *provider.StatusResult

	err := p.router.Route(ctx, gateway.Request{
		Class:     class,
		Partition: partition,
		Endpoint:  registry.EndpointPayment,
		Operation: "stk_query",
		Do: func(ctx context.Context) error {
			r, err := p.client.QueryStatus(ctx, correlationID)
			if err != nil {
				return err
			}
			mu.Lock()
			if res == nil {
				res = r
			}
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	return res, nil
}

// ProviderStatus queries the provider for a correlation id in the given gateway class
func (p *PaymentInitiator) ProviderStatus(ctx context.Context, class gateway.Class, correlationID string) (*provider.StatusResult, error) {
	return p.query(ctx, class, "", correlationID)
}
