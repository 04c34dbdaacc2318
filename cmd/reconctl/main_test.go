package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"payment-reconciler/internal/gateway"
	"payment-reconciler/internal/models"
	"payment-reconciler/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, server *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--server", server.URL))
	err := cmd.Execute()
	return out.String(), err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var sampleFlag = models.ReconciliationFlag{
	ID:             "flag-1",
	OrderID:        "ORD-1",
	TransactionID:  "tx-1",
	CorrelationID:  "ws_CO_1",
	Reason:         models.FlagReasonAmountMismatch,
	ExpectedAmount: 1000,
	ActualAmount:   900,
	Discrepancy:    100,
	ReviewStatus:   models.ReviewPending,
	CreatedAt:      time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
}

func TestFlagsList(t *testing.T) {
	var gotStatus string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/v1/reconciliation/flags", r.URL.Path)
		gotStatus = r.URL.Query().Get("status")
		writeJSON(w, http.StatusOK, flagList{Flags: []models.ReconciliationFlag{sampleFlag}, Count: 1})
	}))
	defer server.Close()

	out, err := run(t, server, "flags", "list")
	require.NoError(t, err)
	assert.Equal(t, models.ReviewPending, gotStatus)
	assert.Contains(t, out, "flag-1")
	assert.Contains(t, out, "1000.00")
	assert.Contains(t, out, "100.00")

	out, err = run(t, server, "flags", "list", "--json")
	require.NoError(t, err)
	var decoded flagList
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, 1, decoded.Count)
}

func TestFlagsShowNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "flag not found"})
	}))
	defer server.Close()

	_, err := run(t, server, "flags", "show", "missing")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "flag not found", apiErr.Message)
}

func TestFlagsResolve(t *testing.T) {
	var body map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/internal/v1/reconciliation/flags/flag-1/resolve", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		resolved := sampleFlag
		resolved.ReviewStatus = models.ReviewApproved
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"flag":    resolved,
			"order":   models.Order{ID: "ORD-1", Status: models.OrderStatusPaid},
			"settled": true,
		})
	}))
	defer server.Close()

	out, err := run(t, server, "flags", "resolve", "flag-1", "APPROVE", "--notes", "confirmed with payer")
	require.NoError(t, err)
	assert.Equal(t, "approve", body["decision"])
	assert.Equal(t, "confirmed with payer", body["notes"])
	assert.Contains(t, out, "Flag flag-1 approved")
	assert.Contains(t, out, "Order ORD-1 is paid")
	assert.Contains(t, out, "Payment settled")
}

func TestFlagsResolveRejectsUnknownDecision(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	_, err := run(t, server, "flags", "resolve", "flag-1", "maybe")
	assert.Error(t, err)
	assert.Zero(t, calls)
}

func TestStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, models.ReconciliationStats{
			TotalTransactions: 10, Completed: 7, Failed: 2, Pending: 1, SuccessRate: 0.7, PendingReview: 3,
		})
	}))
	defer server.Close()

	out, err := run(t, server, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "70.0%")
	assert.Contains(t, out, "Pending review:")
}

func TestHealth(t *testing.T) {
	var gotLimit string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		writeJSON(w, http.StatusOK, serviceHealth{
			Gateway: gateway.Snapshot{
				Classes:    map[gateway.Class]gateway.Stats{gateway.ClassPaymentCallback: {Requests: 4, Rejected: 1}},
				Allotments: map[gateway.Class]int{gateway.ClassPaymentCallback: 360},
				Partitions: map[string]gateway.Stats{"nairobi": {Requests: 4}},
			},
			Breakers:    []models.CircuitBreakerState{{Endpoint: registry.EndpointPayment, State: "open", ConsecutiveFailures: 5}},
			RecentCalls: []models.ServiceCall{{Endpoint: registry.EndpointPayment, Operation: "stk_push", Outcome: "circuit_open", Attempts: 0}},
			TotalCalls:  12,
			Endpoints:   []registry.Endpoint{{ID: registry.EndpointPayment, Quality: registry.QualityGood}, {ID: registry.EndpointInventory, Quality: registry.QualityFair}},
		})
	}))
	defer server.Close()

	out, err := run(t, server, "health", "-n", "5")
	require.NoError(t, err)
	assert.Equal(t, "5", gotLimit)
	assert.Contains(t, out, "open")
	assert.Contains(t, out, "nairobi")
	assert.Contains(t, out, "stk_push")
	assert.Contains(t, out, "12 total")
}
