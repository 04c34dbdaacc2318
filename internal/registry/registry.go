package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Known downstream endpoints
const (
	EndpointPayment   = "payment"
	EndpointInventory = "inventory"
	EndpointLogistics = "logistics"
	EndpointSupplier  = "supplier"
	EndpointRetailer  = "retailer"
)

// Quality is the connection-quality class of an endpoint
type Quality string

const (
	QualityGood Quality = "good"
	QualityFair Quality = "fair"
	QualityPoor Quality = "poor"
)

// Profile describes the expected network behaviour of a quality class
type Profile struct {
	ExpectedLatency time.Duration
	LossRate        float64
	// TimeoutFactor scales the invoker's default per-attempt timeout.
	TimeoutFactor float64
}

var profiles = map[Quality]Profile{
	QualityGood: {ExpectedLatency: 150 * time.Millisecond, LossRate: 0.01, TimeoutFactor: 1},
	QualityFair: {ExpectedLatency: 600 * time.Millisecond, LossRate: 0.05, TimeoutFactor: 1.5},
	QualityPoor: {ExpectedLatency: 1500 * time.Millisecond, LossRate: 0.15, TimeoutFactor: 2},
}

// ProfileFor returns the profile of a quality class, defaulting to good
func ProfileFor(q Quality) Profile {
	if p, ok := profiles[q]; ok {
		return p
	}
	return profiles[QualityGood]
}

// ParseQuality parses a quality class name
func ParseQuality(s string) (Quality, error) {
	switch q := Quality(s); q {
	case QualityGood, QualityFair, QualityPoor:
		return q, nil
	case "":
		return QualityGood, nil
	default:
		return "", fmt.Errorf("unknown connection quality %q", s)
	}
}

// Endpoint is one downstream service the platform calls
type Endpoint struct {
	ID         string  `json:"id"`
	BaseURL    string  `json:"base_url"`
	HealthPath string  `json:"health_path,omitempty"`
	Quality    Quality `json:"quality"`
	Region     string  `json:"region,omitempty"`
}

// Profile returns the endpoint's network profile
func (e Endpoint) Profile() Profile {
	return ProfileFor(e.Quality)
}

// Registry holds the set of known downstream endpoints
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

// New creates a registry preloaded with endpoints
func New(endpoints ...Endpoint) *Registry {
	r := &Registry{endpoints: make(map[string]Endpoint, len(endpoints))}
	for _, ep := range endpoints {
		r.endpoints[ep.ID] = ep
	}
	return r
}

// Register adds or replaces an endpoint
func (r *Registry) Register(ep Endpoint) error {
	if ep.ID == "" {
		return fmt.Errorf("endpoint id is required")
	}
	if ep.Quality == "" {
		ep.Quality = QualityGood
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[ep.ID] = ep
	return nil
}

// Get looks up an endpoint by id
func (r *Registry) Get(id string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	return ep, ok
}

// List returns all endpoints sorted by id
func (r *Registry) List() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
