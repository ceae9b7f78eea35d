package metrics

import (
	"sync"
	"time"
)

// Collector tracks relay counters and renders them for Prometheus scraping.
// A nil *Collector is valid and records nothing.
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests      map[string]int64 // by endpoint
	totalRequestsDur   map[string]int64 // total duration in ms
	requestErrors      map[string]int64 // by endpoint
	requestsInProgress map[string]int64

	// Rate limit metrics
	rateLimitHits  int64
	rateLimitByKey map[string]int64

	// Session metrics
	sessionsCreated int64
	sessionsActive  int64
	sessionsClosed  map[string]int64 // by reason
	sessionsSwept   int64

	// Relay metrics
	relayEvents     map[string]int64 // by event kind
	dispatches      map[string]int64 // by outcome
	dispatchLatency map[string]int64 // total ms by outcome
	upstreamErrors  map[string]int64 // transport, provider, malformed
	upstreamRetries int64

	// Token usage
	totalPromptTokens     int64
	totalCompletionTokens int64
	tokensByModel         map[string]int64

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:      make(map[string]int64),
		totalRequestsDur:   make(map[string]int64),
		requestErrors:      make(map[string]int64),
		requestsInProgress: make(map[string]int64),
		rateLimitByKey:     make(map[string]int64),
		sessionsClosed:     make(map[string]int64),
		relayEvents:        make(map[string]int64),
		dispatches:         make(map[string]int64),
		dispatchLatency:    make(map[string]int64),
		upstreamErrors:     make(map[string]int64),
		tokensByModel:      make(map[string]int64),
		startTime:          time.Now(),
	}
}

// RecordRequest records a finished request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration, failed bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
	if failed {
		c.requestErrors[endpoint]++
	}
}

// RecordRequestStart increments in-progress requests.
func (c *Collector) RecordRequestStart(endpoint string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsInProgress[endpoint]++
}

// RecordRequestEnd decrements in-progress requests.
func (c *Collector) RecordRequestEnd(endpoint string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsInProgress[endpoint]--
}

// RecordRateLimitHit records a rate limit rejection.
func (c *Collector) RecordRateLimitHit(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rateLimitHits++
	c.rateLimitByKey[key]++
}

// RecordSessionCreated counts a prepared session.
func (c *Collector) RecordSessionCreated() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionsCreated++
}

// RecordSessionOpened marks a session as attached to a live channel.
func (c *Collector) RecordSessionOpened() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionsActive++
}

// RecordSessionClosed records the teardown of a live session.
func (c *Collector) RecordSessionClosed(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionsActive--
	c.sessionsClosed[reason]++
}

// RecordSessionsSwept counts sessions removed for exceeding their idle bound.
func (c *Collector) RecordSessionsSwept(n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionsSwept += int64(n)
}

// RecordRelayEvent counts an event pushed to a client channel.
func (c *Collector) RecordRelayEvent(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relayEvents[kind]++
}

// RecordDispatch records one question handed upstream and how it ended.
func (c *Collector) RecordDispatch(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatches[outcome]++
	c.dispatchLatency[outcome] += duration.Milliseconds()
}

// RecordUpstreamError counts an upstream failure by class.
func (c *Collector) RecordUpstreamError(class string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upstreamErrors[class]++
}

// RecordUpstreamRetry counts a retried upstream call.
func (c *Collector) RecordUpstreamRetry() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upstreamRetries++
}

// RecordTokenUsage records token usage.
func (c *Collector) RecordTokenUsage(model string, promptTokens, completionTokens int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalPromptTokens += promptTokens
	c.totalCompletionTokens += completionTokens
	if model != "" {
		c.tokensByModel[model] += promptTokens + completionTokens
	}
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Uptime                int64
	TotalRequests         map[string]int64
	TotalRequestsDur      map[string]int64
	RequestErrors         map[string]int64
	RequestsInProgress    map[string]int64
	RateLimitHits         int64
	RateLimitByKey        map[string]int64
	SessionsCreated       int64
	SessionsActive        int64
	SessionsClosed        map[string]int64
	SessionsSwept         int64
	RelayEvents           map[string]int64
	Dispatches            map[string]int64
	DispatchLatency       map[string]int64
	UpstreamErrors        map[string]int64
	UpstreamRetries       int64
	TotalPromptTokens     int64
	TotalCompletionTokens int64
	TokensByModel         map[string]int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:                int64(time.Since(c.startTime).Seconds()),
		TotalRequests:         copyMap(c.totalRequests),
		TotalRequestsDur:      copyMap(c.totalRequestsDur),
		RequestErrors:         copyMap(c.requestErrors),
		RequestsInProgress:    copyMap(c.requestsInProgress),
		RateLimitHits:         c.rateLimitHits,
		RateLimitByKey:        copyMap(c.rateLimitByKey),
		SessionsCreated:       c.sessionsCreated,
		SessionsActive:        c.sessionsActive,
		SessionsClosed:        copyMap(c.sessionsClosed),
		SessionsSwept:         c.sessionsSwept,
		RelayEvents:           copyMap(c.relayEvents),
		Dispatches:            copyMap(c.dispatches),
		DispatchLatency:       copyMap(c.dispatchLatency),
		UpstreamErrors:        copyMap(c.upstreamErrors),
		UpstreamRetries:       c.upstreamRetries,
		TotalPromptTokens:     c.totalPromptTokens,
		TotalCompletionTokens: c.totalCompletionTokens,
		TokensByModel:         copyMap(c.tokensByModel),
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
