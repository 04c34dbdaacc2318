package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"payment-reconciler/internal/broker"
	"payment-reconciler/internal/gateway"
	"payment-reconciler/internal/models"
	"payment-reconciler/internal/provider"
	"payment-reconciler/internal/registry"
	"payment-reconciler/internal/resilience"
	"payment-reconciler/internal/service"
	"payment-reconciler/internal/store"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubReconciler struct {
	mu    sync.Mutex
	errs  []error
	calls []models.CallbackNotification
}

func (s *stubReconciler) HandleCallback(ctx context.Context, n models.CallbackNotification) (service.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, n)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return "", err
		}
	}
	if n.ResultCode != 0 {
		return service.OutcomeFailed, nil
	}
	return service.OutcomeSettled, nil
}

type nopSource struct{}

func (nopSource) StartConsuming(ctx context.Context, handler broker.MessageHandler) error { return nil }
func (nopSource) Close() error { return nil }

func relayed(t *testing.T, eventID string, n models.CallbackNotification) kafka.Message {
	t.Helper()
	value, err := json.Marshal(&models.PaymentCallbackEvent{
		BaseEvent: models.BaseEvent{EventID: eventID, EventType: models.EventTypePaymentCallbackRelay, Timestamp: time.Now()},
		Callback:  n,
	})
	require.NoError(t, err)
	return kafka.Message{Key: []byte("callback-" + n.CheckoutRequestID), Value: value}
}

func newTestWorker(rec CallbackHandler, events EventLog) *CallbackWorker {
	w := NewCallbackWorker(nopSource{}, events, rec)
	w.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return w
}

func TestCallbackWorkerDeduplicatesEvents(t *testing.T) {
	rec := &stubReconciler{}
	events := store.NewMemory()
	w := newTestWorker(rec, events)
	ctx := context.Background()

	msg := relayed(t, "evt-1", models.CallbackNotification{CheckoutRequestID: "ws_CO_1", ResultCode: 1032})
	require.NoError(t, w.eventHandler.HandleMessage(ctx, msg))
	require.NoError(t, w.eventHandler.HandleMessage(ctx, msg))

	assert.Len(t, rec.calls, 1)
	assert.Equal(t, "ws_CO_1", rec.calls[0].CheckoutRequestID)

	processed, err := events.IsEventProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestCallbackWorkerRetriesTransientErrors(t *testing.T) {
	transient := errors.New("connection reset")
	rec := &stubReconciler{errs: []error{transient, transient}}
	events := store.NewMemory()
	w := newTestWorker(rec, events)

	msg := relayed(t, "evt-2", models.CallbackNotification{CheckoutRequestID: "ws_CO_2", ResultCode: 1})
	require.NoError(t, w.eventHandler.HandleMessage(context.Background(), msg))
	assert.Len(t, rec.calls, 3)

	rec = &stubReconciler{errs: []error{transient, transient, transient}}
	w = newTestWorker(rec, events)
	msg = relayed(t, "evt-3", models.CallbackNotification{CheckoutRequestID: "ws_CO_3", ResultCode: 1})
	err := w.eventHandler.HandleMessage(context.Background(), msg)
	assert.ErrorIs(t, err, transient)

	// left unmarked so the message is redelivered
	processed, err := events.IsEventProcessed(context.Background(), "evt-3")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestCallbackWorkerDropsMalformed(t *testing.T) {
	rec := &stubReconciler{errs: []error{&service.ValidationError{Field: "callback_metadata"}}}
	events := store.NewMemory()
	w := newTestWorker(rec, events)

	msg := relayed(t, "evt-4", models.CallbackNotification{CheckoutRequestID: "ws_CO_4"})
	require.NoError(t, w.eventHandler.HandleMessage(context.Background(), msg))
	assert.Len(t, rec.calls, 1)

	processed, err := events.IsEventProcessed(context.Background(), "evt-4")
	require.NoError(t, err)
	assert.True(t, processed)
}

type fixedPending struct {
	txs []models.PaymentTransaction
}

func (f fixedPending) ListPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]models.PaymentTransaction, error) {
	return f.txs, nil
}

type statusTable struct {
	mu      sync.Mutex
	results map[string]*provider.StatusResult
	errs    map[string]error
	classes []gateway.Class
}

func (s *statusTable) ProviderStatus(ctx context.Context, class gateway.Class, correlationID string) (*provider.StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classes = append(s.classes, class)
	if err := s.errs[correlationID]; err != nil {
		return nil, err
	}
	return s.results[correlationID], nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestPendingSweeperReconcilesFailures(t *testing.T) {
	source := fixedPending{txs: []models.PaymentTransaction{
		{ID: "tx-1", CorrelationID: "ws_CO_1"},
		{ID: "tx-2", CorrelationID: "ws_CO_2"},
		{ID: "tx-3", CorrelationID: "ws_CO_3"},
		{ID: "tx-4", CorrelationID: "ws_CO_4"},
	}}
	querier := &statusTable{
		results: map[string]*provider.StatusResult{
			"ws_CO_1": {CheckoutRequestID: "ws_CO_1", ResultCode: 1032, ResultDescription: "Request cancelled by user"},
			"ws_CO_2": {CheckoutRequestID: "ws_CO_2", Pending: true},
			"ws_CO_3": {CheckoutRequestID: "ws_CO_3", ResultCode: 0},
		},
		errs: map[string]error{"ws_CO_4": resilience.ErrUnavailable},
	}
	rec := &stubReconciler{}
	sweeper := NewPendingSweeper(source, querier, rec, SweeperConfig{}, fixedClock{now: time.Now()})

	n, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "ws_CO_1", rec.calls[0].CheckoutRequestID)
	assert.Equal(t, 1032, rec.calls[0].ResultCode)

	for _, c := range querier.classes {
		assert.Equal(t, gateway.ClassBulk, c)
	}
}

func TestPendingSweeperStopsWhenRateLimited(t *testing.T) {
	source := fixedPending{txs: []models.PaymentTransaction{
		{ID: "tx-1", CorrelationID: "ws_CO_1"},
		{ID: "tx-2", CorrelationID: "ws_CO_2"},
	}}
	querier := &statusTable{errs: map[string]error{"ws_CO_1": gateway.ErrRateLimited}}
	sweeper := NewPendingSweeper(source, querier, &stubReconciler{}, SweeperConfig{}, nil)

	n, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, querier.classes, 1)
}

type inlineRouter struct {
	mu       sync.Mutex
	requests []gateway.Request
}

func (r *inlineRouter) Route(ctx context.Context, req gateway.Request) error {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	return req.Do(ctx)
}

func TestHealthProber(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	reg := registry.New(
		registry.Endpoint{ID: registry.EndpointInventory, BaseURL: server.URL, HealthPath: "/healthz", Quality: registry.QualityGood},
		registry.Endpoint{ID: registry.EndpointLogistics, BaseURL: server.URL + "/", HealthPath: "down", Quality: registry.QualityPoor, Region: "west"},
		registry.Endpoint{ID: registry.EndpointSupplier, BaseURL: server.URL},
	)
	router := &inlineRouter{}
	prober := NewHealthProber(reg, router, server.Client(), time.Minute)

	results := prober.ProbeOnce(context.Background())
	require.Len(t, results, 2)
	assert.NoError(t, results[registry.EndpointInventory])

	var se *resilience.StatusError
	require.ErrorAs(t, results[registry.EndpointLogistics], &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.False(t, resilience.IsPermanent(results[registry.EndpointLogistics]))

	require.Len(t, router.requests, 2)
	assert.Equal(t, gateway.ClassBulk, router.requests[0].Class)
	assert.Equal(t, "west", router.requests[1].Partition)
}
