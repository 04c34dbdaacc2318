package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"payment-reconciler/internal/registry"
	"payment-reconciler/internal/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubInvoker runs the call directly and advances the clock by latency
type stubInvoker struct {
	clock   *fakeClock
	latency time.Duration
	calls   int
}

func (s *stubInvoker) Invoke(ctx context.Context, endpointID, operation string, fn func(ctx context.Context) error) error {
	s.calls++
	s.clock.Advance(s.latency)
	return fn(ctx)
}

func newTestGateway(capacity int) (*Gateway, *stubInvoker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	inv := &stubInvoker{clock: clock, latency: 100 * time.Millisecond}
	g := New(inv, Config{
		Capacity: capacity,
		Window:   time.Minute,
		Shares: map[Class]float64{
			ClassPaymentCallback: 0.6,
			ClassInteractive:     0.3,
			ClassBulk:            0.1,
		},
		Partitions: []string{"mombasa", "kisumu"},
	}, clock)
	g.logger = zap.NewNop()
	return g, inv, clock
}

func okRequest(class Class, partition string) Request {
	return Request{
		Class:     class,
		Partition: partition,
		Endpoint:  registry.EndpointPayment,
		Operation: "test",
		Do:        func(ctx context.Context) error { return nil },
	}
}

func TestAllotmentsFollowShares(t *testing.T) {
	g, _, _ := newTestGateway(100)

	snap := g.Snapshot()
	assert.Equal(t, 60, snap.Allotments[ClassPaymentCallback])
	assert.Equal(t, 30, snap.Allotments[ClassInteractive])
	assert.Equal(t, 10, snap.Allotments[ClassBulk])
}

func TestBulkSaturationDoesNotStarvePayments(t *testing.T) {
	g, _, _ := newTestGateway(100)
	ctx := context.Background()

	var bulkOK, bulkLimited int
	for i := 0; i < 50; i++ {
		err := g.Route(ctx, okRequest(ClassBulk, "nairobi"))
		if errors.Is(err, ErrRateLimited) {
			bulkLimited++
			continue
		}
		require.NoError(t, err)
		bulkOK++
	}
	assert.Equal(t, 10, bulkOK)
	assert.Equal(t, 40, bulkLimited)

	for i := 0; i < 60; i++ {
		require.NoError(t, g.Route(ctx, okRequest(ClassPaymentCallback, "nairobi")), "payment request %d", i)
	}
	assert.ErrorIs(t, g.Route(ctx, okRequest(ClassPaymentCallback, "nairobi")), ErrRateLimited)

	snap := g.Snapshot()
	assert.Equal(t, int64(40), snap.Classes[ClassBulk].Rejected)
	assert.Equal(t, int64(60), snap.Classes[ClassPaymentCallback].Requests)
	assert.Equal(t, int64(1), snap.Classes[ClassPaymentCallback].Rejected)
	assert.Zero(t, snap.Classes[ClassInteractive].Requests)
}

func TestRateLimitedRequestNeverReachesInvoker(t *testing.T) {
	g, inv, _ := newTestGateway(10)
	ctx := context.Background()

	require.NoError(t, g.Route(ctx, okRequest(ClassBulk, "")))
	err := g.Route(ctx, okRequest(ClassBulk, ""))
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, inv.calls)
}

func TestLimiterRefillsOverWindow(t *testing.T) {
	g, _, clock := newTestGateway(100)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, g.Route(ctx, okRequest(ClassBulk, "")))
	}
	require.ErrorIs(t, g.Route(ctx, okRequest(ClassBulk, "")), ErrRateLimited)

	clock.Advance(time.Minute)
	assert.NoError(t, g.Route(ctx, okRequest(ClassBulk, "")))
}

func TestMetricsPerClassAndPartition(t *testing.T) {
	g, _, _ := newTestGateway(100)
	ctx := context.Background()
	boom := errors.New("boom")

	require.NoError(t, g.Route(ctx, okRequest(ClassInteractive, "mombasa")))
	failing := okRequest(ClassInteractive, "kisumu")
	failing.Do = func(ctx context.Context) error { return boom }
	assert.ErrorIs(t, g.Route(ctx, failing), boom)

	snap := g.Snapshot()
	interactive := snap.Classes[ClassInteractive]
	assert.Equal(t, int64(2), interactive.Requests)
	assert.Equal(t, int64(1), interactive.Errors)
	assert.Equal(t, 100*time.Millisecond, interactive.AverageLatency)

	assert.Equal(t, int64(1), snap.Partitions["mombasa"].Requests)
	assert.Equal(t, int64(1), snap.Partitions["kisumu"].Errors)
	assert.Equal(t, []string{"kisumu", "mombasa"}, g.PartitionNames())
}

func TestUnknownPartitionsAreFolded(t *testing.T) {
	g, _, _ := newTestGateway(100000)
	ctx := context.Background()

	for i := 0; i < 5000; i++ {
		require.NoError(t, g.Route(ctx, okRequest(ClassPaymentCallback, fmt.Sprintf("client-%d", i))))
	}
	require.NoError(t, g.Route(ctx, okRequest(ClassPaymentCallback, "mombasa")))
	done, err := g.Admit(ctx, ClassPaymentCallback, "attacker-supplied")
	require.NoError(t, err)
	done(nil)

	snap := g.Snapshot()
	assert.Len(t, snap.Partitions, 2)
	assert.Equal(t, int64(5001), snap.Partitions[OtherPartition].Requests)
	assert.Equal(t, int64(1), snap.Partitions["mombasa"].Requests)
	assert.Equal(t, []string{"mombasa", OtherPartition}, g.PartitionNames())
}

func TestAdmitChargesInboundTraffic(t *testing.T) {
	g, inv, clock := newTestGateway(10)
	ctx := context.Background()

	done, err := g.Admit(ctx, ClassPaymentCallback, "")
	require.NoError(t, err)
	clock.Advance(50 * time.Millisecond)
	done(nil)

	snap := g.Snapshot()
	assert.Equal(t, int64(1), snap.Classes[ClassPaymentCallback].Requests)
	assert.Equal(t, 50*time.Millisecond, snap.Classes[ClassPaymentCallback].AverageLatency)
	assert.Equal(t, int64(1), snap.Partitions[DefaultPartition].Requests)
	assert.Zero(t, inv.calls)
}

func TestUnknownClassIsPermanent(t *testing.T) {
	g, _, _ := newTestGateway(10)

	err := g.Route(context.Background(), okRequest(Class("vip"), ""))
	assert.ErrorIs(t, err, ErrUnknownClass)
	assert.True(t, resilience.IsPermanent(err))
}
