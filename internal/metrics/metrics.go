package metrics

import (
	"sync"
	"time"
)

// Collector tracks service counters and renders them in Prometheus text
// format.
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests    map[string]int64 // by endpoint
	totalRequestsDur map[string]int64 // total duration in ms
	requestErrors    map[string]int64 // by endpoint

	// Rate limit metrics
	rateLimitHits int64

	// Task metrics
	tasksCreated  map[string]int64 // by generator
	tasksFinished map[string]int64 // by final status
	callbacks     map[string]int64 // by provider|outcome

	// Provider submission metrics
	submitRequests map[string]int64
	submitErrors   map[string]int64
	submitLatency  map[string]int64 // total latency in ms

	// Ledger metrics
	creditsDebited  int64
	creditsRefunded int64
	creditsGranted  int64

	// Fan-out metrics
	droppedEvents int64
	subscribers   func() int

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:    make(map[string]int64),
		totalRequestsDur: make(map[string]int64),
		requestErrors:    make(map[string]int64),
		tasksCreated:     make(map[string]int64),
		tasksFinished:    make(map[string]int64),
		callbacks:        make(map[string]int64),
		submitRequests:   make(map[string]int64),
		submitErrors:     make(map[string]int64),
		submitLatency:    make(map[string]int64),
		startTime:        time.Now(),
	}
}

// RecordRequest records a request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration, status int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
	if status >= 500 {
		c.requestErrors[endpoint]++
	}
}

// RecordRateLimitHit records a rate limit rejection.
func (c *Collector) RecordRateLimitHit() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimitHits++
}

// RecordTaskCreated counts an admitted task.
func (c *Collector) RecordTaskCreated(generator string, cost int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasksCreated[generator]++
	c.creditsDebited += cost
}

// RecordTaskFinished counts a task reaching a terminal status.
func (c *Collector) RecordTaskFinished(status string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasksFinished[status]++
}

// RecordCallback counts a provider callback by outcome.
func (c *Collector) RecordCallback(provider, outcome string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks[provider+"|"+outcome]++
}

// RecordSubmit records a provider submission.
func (c *Collector) RecordSubmit(provider string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitRequests[provider]++
	c.submitLatency[provider] += duration.Milliseconds()
	if err != nil {
		c.submitErrors[provider]++
	}
}

// RecordRefund adds to the refunded credit total.
func (c *Collector) RecordRefund(amount int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creditsRefunded += amount
}

// RecordGrant adds to the granted credit total (vouchers, payments, admin).
func (c *Collector) RecordGrant(amount int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creditsGranted += amount
}

// RecordDroppedEvent counts an update a slow subscriber missed.
func (c *Collector) RecordDroppedEvent() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.droppedEvents++
}

// TrackSubscribers registers a gauge source for connected subscribers.
func (c *Collector) TrackSubscribers(fn func() int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = fn
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Uptime           int64
	TotalRequests    map[string]int64
	TotalRequestsDur map[string]int64
	RequestErrors    map[string]int64
	RateLimitHits    int64
	TasksCreated     map[string]int64
	TasksFinished    map[string]int64
	Callbacks        map[string]int64
	SubmitRequests   map[string]int64
	SubmitErrors     map[string]int64
	SubmitLatency    map[string]int64
	CreditsDebited   int64
	CreditsRefunded  int64
	CreditsGranted   int64
	DroppedEvents    int64
	Subscribers      int
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		Uptime:           int64(time.Since(c.startTime).Seconds()),
		TotalRequests:    copyMap(c.totalRequests),
		TotalRequestsDur: copyMap(c.totalRequestsDur),
		RequestErrors:    copyMap(c.requestErrors),
		RateLimitHits:    c.rateLimitHits,
		TasksCreated:     copyMap(c.tasksCreated),
		TasksFinished:    copyMap(c.tasksFinished),
		Callbacks:        copyMap(c.callbacks),
		SubmitRequests:   copyMap(c.submitRequests),
		SubmitErrors:     copyMap(c.submitErrors),
		SubmitLatency:    copyMap(c.submitLatency),
		CreditsDebited:   c.creditsDebited,
		CreditsRefunded:  c.creditsRefunded,
		CreditsGranted:   c.creditsGranted,
		DroppedEvents:    c.droppedEvents,
	}
	if c.subscribers != nil {
		snap.Subscribers = c.subscribers()
	}
	return snap
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
