package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"payment-reconciler/internal/gateway"
	"payment-reconciler/internal/models"
	"payment-reconciler/internal/provider"
	"payment-reconciler/internal/service"
	"payment-reconciler/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Orders registers and reads payable orders
type Orders interface {
	Register(ctx context.Context, req *service.RegisterOrderRequest) (*models.Order, error)
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
}

// Payments starts payments and reports their status
type Payments interface {
	Initiate(ctx context.Context, req service.InitiateRequest) (*service.InitiateResult, error)
	QueryStatus(ctx context.Context, transactionID string) (*service.PaymentStatus, error)
}

// Reconciler handles provider callbacks
type Reconciler interface {
	HandleCallback(ctx context.Context, n models.CallbackNotification) (service.Outcome, error)
}

// ReviewQueue is the operator view of reconciliation flags
type ReviewQueue interface {
	List(ctx context.Context, reviewStatus string) ([]models.ReconciliationFlag, error)
	Get(ctx context.Context, flagID string) (*models.ReconciliationFlag, error)
	Resolve(ctx context.Context, flagID string, decision service.Decision, notes string) (*service.Resolution, error)
	Stats(ctx context.Context) (*models.ReconciliationStats, error)
}

// Admitter rate limits locally handled requests
type Admitter interface {
	Admit(ctx context.Context, class gateway.Class, partition string) (gateway.Done, error)
	Snapshot() gateway.Snapshot
}

// CallbackRelay hands callbacks to the callback worker instead of reconciling inline
type CallbackRelay interface {
	PublishPaymentCallback(ctx context.Context, event *models.PaymentCallbackEvent) error
}

// Pinger is a dependency checked by readiness
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies wires the handler. Relay, Health, Endpoints and Ready are optional.
type Dependencies struct {
	Orders     Orders
	Payments   Payments
	Reconciler Reconciler
	Queue      ReviewQueue
	Gateway    Admitter
	Relay      CallbackRelay
	Health     ServiceHealth
	Endpoints  EndpointLister
	Ready      map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	deps   Dependencies
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		deps:   deps,
		logger: util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.registerOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/payments", h.initiatePayment)
		v1.GET("/payments/:id/status", h.paymentStatus)
		v1.POST("/payments/callback", h.paymentCallback)
	}

	internal := router.Group("/internal/v1")
	{
		internal.GET("/reconciliation/flags", h.listFlags)
		internal.GET("/reconciliation/flags/:id", h.getFlag)
		internal.POST("/reconciliation/flags/:id/resolve", h.resolveFlag)
		internal.GET("/reconciliation/stats", h.stats)
		internal.GET("/health/services", h.serviceHealth)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	status := http.StatusOK
	for name, p := range h.deps.Ready {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// registerOrder records an order awaiting payment
func (h *Handler) registerOrder(c *gin.Context) {
	var req service.RegisterOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.deps.Orders.Register(c.Request.Context(), &req)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.deps.Orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// initiatePayment sends a push-to-pay prompt to the payer
func (h *Handler) initiatePayment(c *gin.Context) {
	var req service.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if req.Partition == "" {
		req.Partition = c.GetHeader("X-Partition")
	}

	res, err := h.deps.Payments.Initiate(c.Request.Context(), req)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// paymentStatus reports a transaction and the provider's view of it
func (h *Handler) paymentStatus(c *gin.Context) {
	status, err := h.deps.Payments.QueryStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// paymentCallback receives the provider's asynchronous result. A parsed but
// invalid notification is acknowledged; any other failure answers 503 so the
// provider redelivers.
func (h *Handler) paymentCallback(c *gin.Context) {
	ctx := c.Request.Context()

	done, err := h.deps.Gateway.Admit(ctx, gateway.ClassPaymentCallback, c.Query("partition"))
	if err != nil {
		h.logger.Warn("Callback rejected by rate limit", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"ResultCode": 1, "ResultDesc": "Busy, retry later"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		done(err)
		c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "Unreadable body"})
		return
	}

	n, err := provider.ParseCallback(body)
	if err != nil {
		done(err)
		h.logger.Warn("Malformed payment callback", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "Malformed callback"})
		return
	}

	err = h.reconcile(ctx, n)
	done(err)
	if err != nil && !errors.Is(err, service.ErrValidation) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ResultCode": 1, "ResultDesc": "Temporarily unable to process, retry later"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}

func (h *Handler) reconcile(ctx context.Context, n models.CallbackNotification) error {
	if h.deps.Relay != nil {
		event := &models.PaymentCallbackEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypePaymentCallbackRelay,
				Timestamp: time.Now(),
			},
			Callback: n,
		}
		err := h.deps.Relay.PublishPaymentCallback(ctx, event)
		if err == nil {
			return nil
		}
		h.logger.Warn("Callback relay failed, reconciling inline",
			zap.String("correlation_id", n.CheckoutRequestID),
			zap.Error(err))
	}

	_, err := h.deps.Reconciler.HandleCallback(ctx, n)
	if errors.Is(err, service.ErrValidation) {
		h.logger.Warn("Invalid payment callback acknowledged",
			zap.String("correlation_id", n.CheckoutRequestID),
			zap.Error(err))
	}
	return err
}

func (h *Handler) abortWithError(c *gin.Context, err error) {
	status, message := errToHTTP(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": message})
}

// errToHTTP maps service errors onto a status and a client-safe message
func errToHTTP(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrInvalidDecision):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrOrderNotFound),
		errors.Is(err, service.ErrTransactionNotFound),
		errors.Is(err, service.ErrFlagNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, service.ErrOrderAlreadyPaid),
		errors.Is(err, service.ErrPaymentInProgress),
		errors.Is(err, service.ErrFlagResolved),
		errors.Is(err, service.ErrUnlinkedFlag):
		return http.StatusConflict, err.Error()
	case errors.Is(err, service.ErrProviderRejected):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, service.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, service.ErrProviderUnavailable.Error()
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests, "too many requests"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
