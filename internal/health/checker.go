package health

import (
	"context"
	"fmt"
	"net/http"
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

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Component is the latest result for one probe.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"`
	CheckResult
}

// Probe checks one dependency. A failing critical probe makes the whole
// service unhealthy; any other failure only degrades it.
type Probe struct {
	Name     string
	Type     string // database, http, ...
	Critical bool
	// SlowAfter marks a successful check slower than this as degraded.
	SlowAfter time.Duration
	Check     func(ctx context.Context) error
}

// Pinger is implemented by ledger stores that can test their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseProbe checks a store through its Ping method.
func DatabaseProbe(name string, p Pinger) Probe {
	return Probe{
		Name:      name,
		Type:      "database",
		Critical:  true,
		SlowAfter: 100 * time.Millisecond,
		Check:     p.Ping,
	}
}

// HTTPProbe reports whether baseURL answers at all. Any HTTP status counts as
// reachable.
func HTTPProbe(name, baseURL string, client *http.Client) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return Probe{
		Name: name,
		Type: "http",
		Check: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			return nil
		},
	}
}

// Checker runs probes concurrently and keeps the latest results.
type Checker struct {
	probes  []Probe
	timeout time.Duration
	now     func() time.Time

	mu         sync.RWMutex
	components []Component
}

// Config holds health checker configuration.
type Config struct {
	Probes []Probe
	// Timeout bounds each probe (default 2s).
	Timeout time.Duration
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Checker{probes: cfg.Probes, timeout: cfg.Timeout, now: time.Now}
}

// Check runs every probe and returns the overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	components := make([]Component, len(c.probes))
	var wg sync.WaitGroup
	for i, p := range c.probes {
		i, p := i, p // per-iteration copy (go 1.21 loop semantics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			components[i] = c.run(ctx, p)
		}()
	}
	wg.Wait()

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()
	return c.overall(components)
}

func (c *Checker) run(ctx context.Context, p Probe) Component {
	comp := Component{Name: p.Name, Type: p.Type, CheckResult: CheckResult{Timestamp: c.now()}}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	err := p.Check(ctx)
	latency := time.Since(start)
	comp.LatencyMs = latency.Milliseconds()

	switch {
	case err != nil && p.Critical:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Unreachable"
	case err != nil:
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Unreachable"
	case p.SlowAfter > 0 && latency > p.SlowAfter:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "OK"
	}
	return comp
}

func (c *Checker) overall(components []Component) HealthStatus {
	status := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return HealthStatus{Status: status, Timestamp: c.now(), Components: components}
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// HTTPStatus maps the overall status to a response code.
func (h HealthStatus) HTTPStatus() int {
	if h.Status == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// LastStatus returns the result of the most recent Check.
func (c *Checker) LastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.overall(c.components)
}
