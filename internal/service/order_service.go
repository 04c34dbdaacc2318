package service

import (
	"context"
	"errors"
	"fmt"

	"payment-reconciler/internal/models"
	"payment-reconciler/internal/store"
	"payment-reconciler/internal/util"

	"go.uber.org/zap"
)

// OrderRepository is the order-side persistence used for registration
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
}

// OrderService registers orders that expect payment. Line items and
// fulfillment stay with the order store; only the payable view lives here.
type OrderService struct {
	repo   OrderRepository
	logger *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(repo OrderRepository) *OrderService {
	return &OrderService{
		repo:   repo,
		logger: util.GetLogger(),
	}
}

// RegisterOrderRequest represents an order awaiting payment
type RegisterOrderRequest struct {
	OrderID        string `json:"order_id" binding:"required"`
	ExpectedAmount int64  `json:"expected_amount" binding:"required,gt=0"`
	Currency       string `json:"currency,omitempty"`
}

// Register records an order. Registering the same order again with the same
// amount returns the stored order.
func (s *OrderService) Register(ctx context.Context, req *RegisterOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Register")
	defer span.End()

	if req.OrderID == "" || req.OrderID == models.UnknownOrderID {
		return nil, invalid("order_id", "missing or reserved", nil)
	}
	if req.ExpectedAmount <= 0 {
		return nil, invalid("expected_amount", "must be positive", ErrAmountOutOfRange)
	}
	if req.Currency == "" {
		req.Currency = "KES"
	}

	order := &models.Order{
		ID:             req.OrderID,
		ExpectedAmount: req.ExpectedAmount,
		Currency:       req.Currency,
		Status:         models.OrderStatusCreated,
	}
	err := s.repo.CreateOrder(ctx, order)
	if errors.Is(err, store.ErrConflict) {
		existing, getErr := s.repo.GetOrder(ctx, req.OrderID)
		if getErr != nil {
			return nil, fmt.Errorf("failed to get order: %w", getErr)
		}
		if existing.ExpectedAmount != req.ExpectedAmount || existing.Currency != req.Currency {
			return nil, invalid("order_id", "already registered with a different total", nil)
		}
		s.logger.Info("Duplicate order registration", zap.String("order_id", req.OrderID))
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	s.logger.Info("Order registered",
		zap.String("order_id", order.ID),
		zap.Int64("expected_amount", order.ExpectedAmount))
	return order, nil
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}
