package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"payment-reconciler/internal/models"
	"payment-reconciler/internal/registry"
	"payment-reconciler/internal/resilience"
	"payment-reconciler/internal/util"

	"go.uber.org/zap"
)

// Provider result codes used by the simulator
const (
	ResultCodeSuccess   = 0
	ResultCodeCancelled = 1032
)

var (
	// ErrSimulatedLoss is a retryable transport failure drawn from the endpoint's loss rate
	ErrSimulatedLoss = errors.New("simulated packet loss")
	// ErrUnknownCheckout is returned when querying a push the provider never saw
	ErrUnknownCheckout = errors.New("unknown checkout request")
)

// CallbackSink receives the simulator's asynchronous payment results
type CallbackSink func(ctx context.Context, n models.CallbackNotification)

// SimulatedConfig configures the simulator
type SimulatedConfig struct {
	Seed    int64
	Profile registry.Profile
	// DeclineRate is the share of accepted pushes the payer cancels.
	DeclineRate   float64
	CallbackDelay time.Duration
}

type simulatedPush struct {
	req       PushRequest
	declined  bool
	delivered bool
	receipt   string
}

// SimulatedClient is a deterministic stand-in for the provider. The same seed
// and call order always produce the same latencies, losses and outcomes.
type SimulatedClient struct {
	cfg    SimulatedConfig
	sleep  resilience.Sleeper
	logger *zap.Logger

	mu     sync.Mutex
	rnd    *rand.Rand
	seq    int
	pushes map[string]*simulatedPush
	sink   CallbackSink
}

// NewSimulatedClient creates a simulator. A nil sleeper uses real timers.
func NewSimulatedClient(cfg SimulatedConfig, sleep resilience.Sleeper) *SimulatedClient {
	if sleep == nil {
		sleep = resilience.TimerSleep
	}
	return &SimulatedClient{
		cfg:    cfg,
		sleep:  sleep,
		logger: util.GetLogger(),
		rnd:    rand.New(rand.NewSource(cfg.Seed)),
		pushes: make(map[string]*simulatedPush),
	}
}

// SetCallbackSink registers where payment results are delivered
func (c *SimulatedClient) SetCallbackSink(sink CallbackSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// InitiatePush implements Client
func (c *SimulatedClient) InitiatePush(ctx context.Context, req PushRequest) (*PushResponse, error) {
	c.mu.Lock()
	latency := c.latency()
	lost := c.rnd.Float64() < c.cfg.Profile.LossRate
	declined := c.rnd.Float64() < c.cfg.DeclineRate
	c.mu.Unlock()

	if err := c.sleep(ctx, latency); err != nil {
		return nil, err
	}
	if lost {
		return nil, ErrSimulatedLoss
	}

	c.mu.Lock()
	c.seq++
	seq := c.seq
	merchantID := fmt.Sprintf("SIM-%06d", seq)
	checkoutID := fmt.Sprintf("ws_CO_SIM_%06d", seq)
	push := &simulatedPush{req: req, declined: declined, receipt: fmt.Sprintf("SIM%07d", seq)}
	c.pushes[checkoutID] = push
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		go c.deliver(sink, merchantID, checkoutID, push)
	}

	return &PushResponse{
		MerchantRequestID:   merchantID,
		CheckoutRequestID:   checkoutID,
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
	}, nil
}

// QueryStatus implements Client
func (c *SimulatedClient) QueryStatus(ctx context.Context, checkoutRequestID string) (*StatusResult, error) {
	c.mu.Lock()
	latency := c.latency()
	push, ok := c.pushes[checkoutRequestID]
	var delivered, declined bool
	if ok {
		delivered, declined = push.delivered, push.declined
	}
	c.mu.Unlock()

	if err := c.sleep(ctx, latency); err != nil {
		return nil, err
	}
	if !ok {
		return nil, resilience.Permanent(fmt.Errorf("%w: %s", ErrUnknownCheckout, checkoutRequestID))
	}

	res := &StatusResult{CheckoutRequestID: checkoutRequestID}
	switch {
	case !delivered:
		res.Pending = true
	case declined:
		res.ResultCode = ResultCodeCancelled
		res.ResultDescription = "Request cancelled by user"
	default:
		res.ResultCode = ResultCodeSuccess
		res.ResultDescription = "The service request is processed successfully."
	}
	return res, nil
}

// Notification builds the callback the simulator sends for a push
func (c *SimulatedClient) Notification(checkoutRequestID string) (models.CallbackNotification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	push, ok := c.pushes[checkoutRequestID]
	if !ok {
		return models.CallbackNotification{}, false
	}
	return c.notification(checkoutRequestID, push), true
}

func (c *SimulatedClient) deliver(sink CallbackSink, merchantID, checkoutID string, push *simulatedPush) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallbackDelay+30*time.Second)
	defer cancel()

	if err := c.sleep(ctx, c.cfg.CallbackDelay); err != nil {
		return
	}

	c.mu.Lock()
	push.delivered = true
	n := c.notification(checkoutID, push)
	c.mu.Unlock()

	c.logger.Debug("Delivering simulated callback",
		zap.String("merchant_request_id", merchantID),
		zap.String("checkout_request_id", checkoutID),
		zap.Int("result_code", n.ResultCode))
	sink(ctx, n)
}

// notification must be called with c.mu held
func (c *SimulatedClient) notification(checkoutID string, push *simulatedPush) models.CallbackNotification {
	seq := checkoutID[len("ws_CO_SIM_"):]
	n := models.CallbackNotification{
		MerchantRequestID: "SIM-" + seq,
		CheckoutRequestID: checkoutID,
	}
	if push.declined {
		n.ResultCode = ResultCodeCancelled
		n.ResultDescription = "Request cancelled by user"
		return n
	}
	n.ResultCode = ResultCodeSuccess
	n.ResultDescription = "The service request is processed successfully."
	n.Metadata = &models.CallbackMetadata{
		Amount:        push.req.Amount,
		ReceiptNumber: push.receipt,
		PhoneNumber:   push.req.PayerReference,
	}
	return n
}

// latency must be called with c.mu held. It draws around the profile's expected
// latency, between half and one and a half times it.
func (c *SimulatedClient) latency() time.Duration {
	base := c.cfg.Profile.ExpectedLatency
	if base <= 0 {
		return 0
	}
	return base/2 + time.Duration(c.rnd.Int63n(int64(base)))
}
