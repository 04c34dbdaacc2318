package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"payment-reconciler/internal/gateway"
	"payment-reconciler/internal/registry"
	"payment-reconciler/internal/resilience"
	"payment-reconciler/internal/service"
	"payment-reconciler/internal/util"

	"go.uber.org/zap"
)

// HealthProber polls each registered endpoint's health path through the bulk
// class, so breaker state reflects endpoints nothing else is calling.
type HealthProber struct {
	registry *registry.Registry
	router   service.Router
	client   *http.Client
	interval time.Duration
	logger   *zap.Logger
}

// NewHealthProber creates a new prober
func NewHealthProber(reg *registry.Registry, router service.Router, client *http.Client, interval time.Duration) *HealthProber {
	if client == nil {
		client = &http.Client{}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthProber{
		registry: reg,
		router:   router,
		client:   client,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start probes every interval until ctx is done
func (p *HealthProber) Start(ctx context.Context) error {
	p.logger.Info("Starting health prober", zap.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce probes every endpoint with a health path and returns the error per endpoint id
func (p *HealthProber) ProbeOnce(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, ep := range p.registry.List() {
		if ep.HealthPath == "" || ep.BaseURL == "" {
			continue
		}
		err := p.router.Route(ctx, gateway.Request{
			Class:     gateway.ClassBulk,
			Partition: ep.Region,
			Endpoint:  ep.ID,
			Operation: "health",
			Do: func(ctx context.Context) error {
				return p.probe(ctx, ep)
			},
		})
		results[ep.ID] = err
		if err != nil {
			p.logger.Warn("Endpoint health probe failed", zap.String("endpoint", ep.ID), zap.Error(err))
		}
	}
	return results
}

func (p *HealthProber) probe(ctx context.Context, ep registry.Endpoint) error {
	url := strings.TrimRight(ep.BaseURL, "/") + "/" + strings.TrimLeft(ep.HealthPath, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return resilience.Permanent(fmt.Errorf("failed to build probe request: %w", err))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return resilience.ClassifyStatus(resp.StatusCode, string(body))
}
