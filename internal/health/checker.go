package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Component kinds. A failing store makes the whole service unhealthy;
// anything else only degrades it.
const (
	KindStore    = "store"
	KindCache    = "cache"
	KindProvider = "provider"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component represents a system component that can be health-checked.
type Component struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	CheckResult
}

// Pinger is anything with a cheap liveness probe: the stores and Redis.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type probe struct {
	name   string
	kind   string
	pinger Pinger
	url    string
}

// Checker performs health checks on system components.
type Checker struct {
	probes []probe

	mu         sync.RWMutex
	components []Component

	pingTimeout time.Duration
	httpClient  *http.Client
	maxLatency  time.Duration
}

// Config holds health checker configuration.
type Config struct {
	PingTimeout time.Duration
	HTTPTimeout time.Duration
	// MaxLatency marks a responsive but slow component as degraded.
	MaxLatency time.Duration
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MaxLatency == 0 {
		cfg.MaxLatency = 250 * time.Millisecond
	}
	return &Checker{
		pingTimeout: cfg.PingTimeout,
		httpClient:  &http.Client{Timeout: cfg.HTTPTimeout},
		maxLatency:  cfg.MaxLatency,
	}
}

// AddPinger registers a component probed with Ping. Call before serving.
func (c *Checker) AddPinger(name, kind string, p Pinger) {
	if p == nil {
		return
	}
	c.probes = append(c.probes, probe{name: name, kind: kind, pinger: p})
}

// AddEndpoint registers an upstream URL that only needs to answer.
func (c *Checker) AddEndpoint(name, url string) {
	if url == "" {
		return
	}
	c.probes = append(c.probes, probe{name: name, kind: KindProvider, url: url})
}

// Check performs all health checks and returns overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	results := make([]Component, len(c.probes))
	var wg sync.WaitGroup
	for i, p := range c.probes {
		wg.Add(1)
		go func(i int, p probe) {
			defer wg.Done()
			if p.pinger != nil {
				results[i] = c.checkPinger(ctx, p)
			} else {
				results[i] = c.checkEndpoint(ctx, p)
			}
		}(i, p)
	}
	wg.Wait()
	sort.SliceStable(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	c.mu.Lock()
	c.components = results
	c.mu.Unlock()

	return overall(results)
}

func (c *Checker) checkPinger(ctx context.Context, p probe) Component {
	comp := Component{Name: p.name, Kind: p.kind, CheckResult: CheckResult{Timestamp: time.Now()}}

	pingCtx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()
	start := time.Now()
	err := p.pinger.Ping(pingCtx)
	comp.Latency = time.Since(start)

	switch {
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Unreachable"
	case comp.Latency > c.maxLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

func (c *Checker) checkEndpoint(ctx context.Context, p probe) Component {
	comp := Component{Name: p.name, Kind: p.kind, CheckResult: CheckResult{Timestamp: time.Now()}}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		return comp
	}
	resp, err := c.httpClient.Do(req)
	comp.Latency = time.Since(start)
	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Endpoint unreachable"
		return comp
	}
	defer resp.Body.Close()

	// Any status code means the upstream is up.
	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("Reachable (HTTP %d)", resp.StatusCode)
	return comp
}

func overall(components []Component) HealthStatus {
	status := StatusHealthy
	for _, comp := range components {
		if comp.Status == StatusHealthy {
			continue
		}
		if comp.Status == StatusUnhealthy && comp.Kind == KindStore {
			status = StatusUnhealthy
			break
		}
		status = StatusDegraded
	}
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
	}
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// GetLastStatus returns the last health check result.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return overall(c.components)
}
