package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"payment-reconciler/internal/gateway"
	"payment-reconciler/internal/models"
	"payment-reconciler/internal/provider"
	"payment-reconciler/internal/store"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu       sync.Mutex
	paid     []*models.OrderPaidEvent
	failed   []*models.PaymentFailedEvent
	flagged  []*models.ReconciliationFlaggedEvent
	resolved []*models.FlagResolvedEvent
}

func (n *recordingNotifier) PublishOrderPaid(ctx context.Context, e *models.OrderPaidEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paid = append(n.paid, e)
	return nil
}

func (n *recordingNotifier) PublishPaymentFailed(ctx context.Context, e *models.PaymentFailedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, e)
	return nil
}

func (n *recordingNotifier) PublishReconciliationFlagged(ctx context.Context, e *models.ReconciliationFlaggedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.flagged = append(n.flagged, e)
	return nil
}

func (n *recordingNotifier) PublishFlagResolved(ctx context.Context, e *models.FlagResolvedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, e)
	return nil
}

func (n *recordingNotifier) paidCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.paid)
}

// directRouter runs requests inline, or fails them all with err
type directRouter struct {
	mu       sync.Mutex
	err      error
	requests []gateway.Request
}

func (r *directRouter) Route(ctx context.Context, req gateway.Request) error {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return req.Do(ctx)
}

// scriptedClient accepts every push unless told otherwise
type scriptedClient struct {
	mu        sync.Mutex
	pushErr   error
	response  *provider.PushResponse
	pushes    []provider.PushRequest
	status    *provider.StatusResult
	statusErr error
}

func (c *scriptedClient) InitiatePush(ctx context.Context, req provider.PushRequest) (*provider.PushResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes = append(c.pushes, req)
	if c.pushErr != nil {
		return nil, c.pushErr
	}
	if c.response != nil {
		return c.response, nil
	}
	n := len(c.pushes)
	return &provider.PushResponse{
		MerchantRequestID:   fmt.Sprintf("MR-%d", n),
		CheckoutRequestID:   fmt.Sprintf("ws_CO_%d", n),
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
	}, nil
}

func (c *scriptedClient) QueryStatus(ctx context.Context, checkoutRequestID string) (*provider.StatusResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statusErr != nil {
		return nil, c.statusErr
	}
	return c.status, nil
}

func (c *scriptedClient) pushCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pushes)
}

type memorySeen struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (s *memorySeen) IsNotificationSeen(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[id], nil
}

func (s *memorySeen) MarkNotificationSeen(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys[id] {
		return false, nil
	}
	s.keys[id] = true
	return true, nil
}

const testPayer = "0712345678"

type fixture struct {
	repo       *store.Memory
	clock      *fakeClock
	notifier   *recordingNotifier
	client     *scriptedClient
	router     *directRouter
	locker     *KeyedMutex
	seen       *memorySeen
	initiator  *PaymentInitiator
	reconciler *CallbackReconciler
	queue      *ManualQueue
}

func newFixture(t *testing.T, tolerance int64) *fixture {
	t.Helper()

	f := &fixture{
		repo:     store.NewMemory(),
		clock:    newFakeClock(),
		notifier: &recordingNotifier{},
		client:   &scriptedClient{},
		router:   &directRouter{},
		locker:   NewKeyedMutex(),
		seen:     &memorySeen{keys: map[string]bool{}},
	}
	f.repo.Now = f.clock.Now

	f.initiator = NewPaymentInitiator(f.repo, f.client, f.router, f.locker, f.notifier, DefaultInitiatorConfig(), f.clock)
	f.reconciler = NewCallbackReconciler(f.repo, f.locker, f.seen, f.notifier,
		ReconcilerConfig{Tolerance: tolerance, SeenTTL: time.Hour}, f.clock)
	f.queue = NewManualQueue(f.repo, f.locker, f.notifier, f.clock)
	return f
}

func (f *fixture) order(t *testing.T, id string, amount int64) {
	t.Helper()
	require.NoError(t, f.repo.CreateOrder(context.Background(), &models.Order{ID: id, ExpectedAmount: amount, Currency: "KES"}))
}

// pending registers an order and initiates a payment for it
func (f *fixture) pending(t *testing.T, id string, amount int64) *InitiateResult {
	t.Helper()
	f.order(t, id, amount)
	res, err := f.initiator.Initiate(context.Background(), InitiateRequest{OrderID: id, PayerReference: testPayer})
	require.NoError(t, err)
	return res
}

func (f *fixture) getOrder(t *testing.T, id string) *models.Order {
	t.Helper()
	o, err := f.repo.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (f *fixture) getTx(t *testing.T, id string) *models.PaymentTransaction {
	t.Helper()
	tx, err := f.repo.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return tx
}

func successCallback(correlationID string, amount int64, receipt string) models.CallbackNotification {
	return models.CallbackNotification{
		MerchantRequestID: "MR-" + correlationID,
		CheckoutRequestID: correlationID,
		ResultCode:        0,
		ResultDescription: "The service request is processed successfully.",
		Metadata: &models.CallbackMetadata{
			Amount:        amount,
			ReceiptNumber: receipt,
			PhoneNumber:   "254712345678",
		},
	}
}

func failureCallback(correlationID string, code int, desc string) models.CallbackNotification {
	return models.CallbackNotification{
		CheckoutRequestID: correlationID,
		ResultCode:        code,
		ResultDescription: desc,
	}
}
