package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"payment-reconciler/internal/resilience"
	"payment-reconciler/internal/util"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Class is the priority class of a request
type Class string

const (
	ClassPaymentCallback Class = "payment_callback"
	ClassInteractive     Class = "interactive"
	ClassBulk            Class = "bulk"
)

// Classes lists all classes from highest to lowest priority
var Classes = []Class{ClassPaymentCallback, ClassInteractive, ClassBulk}

// DefaultPartition is used when a request carries no geographic partition
const DefaultPartition = "default"

// OtherPartition collects requests naming a partition outside the configured set
const OtherPartition = "other"

// ErrRateLimited is returned when a class has used up its allotment for the window
var ErrRateLimited = errors.New("rate limited")

// ErrUnknownClass is returned for requests outside the known classes
var ErrUnknownClass = errors.New("unknown request class")

// Invoker is the resilient call path the gateway routes through
type Invoker interface {
	Invoke(ctx context.Context, endpointID, operation string, fn func(ctx context.Context) error) error
}

// Config sizes the shared capacity budget
type Config struct {
	// Capacity is the number of requests admitted per Window across all classes.
	Capacity int
	Window   time.Duration
	// Shares split Capacity between classes. They need not sum to one.
	Shares map[Class]float64
	// Partitions are the partition names tracked individually. Stats and metric
	// labels for any other name are folded into OtherPartition.
	Partitions []string
}

// DefaultConfig gives payment callbacks the largest share
func DefaultConfig() Config {
	return Config{
		Capacity: 600,
		Window:   time.Minute,
		Shares: map[Class]float64{
			ClassPaymentCallback: 0.6,
			ClassInteractive:     0.3,
			ClassBulk:            0.1,
		},
	}
}

// Request is one outbound call routed through the gateway
type Request struct {
	Class     Class
	Partition string
	Endpoint  string
	Operation string
	Do        func(ctx context.Context) error
}

// Stats aggregates calls for one class or partition
type Stats struct {
	Requests       int64         `json:"requests"`
	Rejected       int64         `json:"rejected"`
	Errors         int64         `json:"errors"`
	AverageLatency time.Duration `json:"average_latency"`
	totalLatency   time.Duration
	completed      int64
}

// Snapshot is the gateway's health view
type Snapshot struct {
	Classes    map[Class]Stats  `json:"classes"`
	Partitions map[string]Stats `json:"partitions"`
	Allotments map[Class]int    `json:"allotments"`
}

// Gateway applies per-class rate limits and routes calls through the invoker
type Gateway struct {
	invoker    Invoker
	clock      resilience.Clock
	limiters   map[Class]*rate.Limiter
	allotments map[Class]int
	known      map[string]bool
	logger     *zap.Logger

	mu         sync.Mutex
	classes    map[Class]*Stats
	partitions map[string]*Stats
}

// New creates a gateway. Each class gets an independent token bucket refilling its
// allotment (share of Capacity) once per Window, so one class cannot drain another.
func New(invoker Invoker, cfg Config, clock resilience.Clock) *Gateway {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if len(cfg.Shares) == 0 {
		cfg.Shares = def.Shares
	}
	if clock == nil {
		clock = resilience.SystemClock{}
	}

	g := &Gateway{
		invoker:    invoker,
		clock:      clock,
		limiters:   make(map[Class]*rate.Limiter, len(Classes)),
		allotments: make(map[Class]int, len(Classes)),
		known:      make(map[string]bool, len(cfg.Partitions)),
		logger:     util.GetLogger(),
		classes:    make(map[Class]*Stats, len(Classes)),
		partitions: make(map[string]*Stats),
	}

	for _, p := range cfg.Partitions {
		if p != "" {
			g.known[p] = true
		}
	}

	for _, class := range Classes {
		allotment := int(math.Floor(float64(cfg.Capacity) * cfg.Shares[class]))
		if allotment < 1 {
			allotment = 1
		}
		perSecond := float64(allotment) / cfg.Window.Seconds()
		g.limiters[class] = rate.NewLimiter(rate.Limit(perSecond), allotment)
		g.allotments[class] = allotment
		g.classes[class] = &Stats{}
	}
	return g
}

// Done completes an admitted inbound request
type Done func(err error)

// Admit charges one request against class without a downstream call, for inbound traffic
// such as provider callbacks. The returned Done records latency and outcome.
func (g *Gateway) Admit(ctx context.Context, class Class, partition string) (Done, error) {
	if err := g.take(class, partition); err != nil {
		return nil, err
	}
	start := g.clock.Now()
	return func(err error) {
		g.observe(class, partition, g.clock.Now().Sub(start), err)
	}, nil
}

// Route admits req against its class budget and runs it through the invoker.
// Over-budget requests fail immediately with ErrRateLimited; they are never queued.
func (g *Gateway) Route(ctx context.Context, req Request) error {
	if err := g.take(req.Class, req.Partition); err != nil {
		return err
	}

	start := g.clock.Now()
	err := g.invoker.Invoke(ctx, req.Endpoint, req.Operation, req.Do)
	g.observe(req.Class, req.Partition, g.clock.Now().Sub(start), err)
	return err
}

func (g *Gateway) take(class Class, partition string) error {
	limiter, ok := g.limiters[class]
	if !ok {
		return resilience.Permanent(fmt.Errorf("%w: %q", ErrUnknownClass, class))
	}
	partition = g.normalizePartition(partition)

	if !limiter.AllowN(g.clock.Now(), 1) {
		g.mu.Lock()
		g.classes[class].Rejected++
		g.partition(partition).Rejected++
		g.mu.Unlock()

		util.GatewayRequestsTotal.WithLabelValues(string(class), partition, "rate_limited").Inc()
		g.logger.Debug("Request rate limited",
			zap.String("class", string(class)),
			zap.String("partition", partition))
		return fmt.Errorf("%w: class %s", ErrRateLimited, class)
	}
	return nil
}

func (g *Gateway) observe(class Class, partition string, latency time.Duration, err error) {
	partition = g.normalizePartition(partition)
	result := "ok"
	if err != nil {
		result = "error"
	}
	util.GatewayRequestsTotal.WithLabelValues(string(class), partition, result).Inc()
	util.GatewayRequestLatency.WithLabelValues(string(class), partition).Observe(latency.Seconds())

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range []*Stats{g.classes[class], g.partition(partition)} {
		s.Requests++
		s.completed++
		s.totalLatency += latency
		if err != nil {
			s.Errors++
		}
	}
}

// partition must be called with g.mu held
func (g *Gateway) partition(name string) *Stats {
	s, ok := g.partitions[name]
	if !ok {
		s = &Stats{}
		g.partitions[name] = s
	}
	return s
}

// Snapshot returns per-class and per-partition metrics
func (g *Gateway) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := Snapshot{
		Classes:    make(map[Class]Stats, len(g.classes)),
		Partitions: make(map[string]Stats, len(g.partitions)),
		Allotments: make(map[Class]int, len(g.allotments)),
	}
	for class, s := range g.classes {
		snap.Classes[class] = s.export()
	}
	for name, s := range g.partitions {
		snap.Partitions[name] = s.export()
	}
	for class, n := range g.allotments {
		snap.Allotments[class] = n
	}
	return snap
}

// PartitionNames returns the partitions seen so far, sorted
func (g *Gateway) PartitionNames() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.partitions))
	for name := range g.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Stats) export() Stats {
	out := Stats{Requests: s.Requests, Rejected: s.Rejected, Errors: s.Errors}
	if s.completed > 0 {
		out.AverageLatency = s.totalLatency / time.Duration(s.completed)
	}
	return out
}

func (g *Gateway) normalizePartition(p string) string {
	switch {
	case p == "" || p == DefaultPartition:
		return DefaultPartition
	case g.known[p]:
		return p
	default:
		return OtherPartition
	}
}
