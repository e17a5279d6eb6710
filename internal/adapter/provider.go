package adapter

import (
	"sync"
	"time"
)

// ProviderHealth represents the health status of one RPC endpoint
type ProviderHealth struct {
	URL              string        `json:"url"`
	Active           bool          `json:"active"`
	TotalRequests    int64         `json:"totalRequests"`
	SuccessfulReqs   int64         `json:"successfulRequests"`
	FailedReqs       int64         `json:"failedRequests"`
	SuccessRate      float64       `json:"successRate"`
	AverageLatency   time.Duration `json:"averageLatency"`
	LastSuccess      time.Time     `json:"lastSuccess"`
	LastFailure      time.Time     `json:"lastFailure"`
	ConsecutiveFails int           `json:"consecutiveFails"`
	IsHealthy        bool          `json:"isHealthy"`
}

// EndpointHealth tracks request outcomes for one RPC endpoint
type EndpointHealth struct {
	mu sync.RWMutex

	url string

	totalRequests    int64
	successfulReqs   int64
	failedReqs       int64
	totalLatency     time.Duration
	lastSuccess      time.Time
	lastFailure      time.Time
	consecutiveFails int

	maxConsecutiveFails int     // Max consecutive failures before marking unhealthy
	minSuccessRate      float64 // Minimum success rate to be considered healthy
}

// NewEndpointHealth creates a tracker for url
func NewEndpointHealth(url string) *EndpointHealth {
	return &EndpointHealth{
		url:                 url,
		maxConsecutiveFails: 5,
		minSuccessRate:      0.5,
	}
}

// RecordSuccess records a successful request
func (h *EndpointHealth) RecordSuccess(duration time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalRequests++
	h.successfulReqs++
	h.totalLatency += duration
	h.lastSuccess = time.Now()
	h.consecutiveFails = 0
}

// RecordFailure records a failed request
func (h *EndpointHealth) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalRequests++
	h.failedReqs++
	h.lastFailure = time.Now()
	h.consecutiveFails++
}

// IsHealthy returns true if the endpoint is considered healthy
func (h *EndpointHealth) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.isHealthyLocked()
}

// isHealthyLocked checks health status (must be called with lock held)
func (h *EndpointHealth) isHealthyLocked() bool {
	if h.consecutiveFails >= h.maxConsecutiveFails {
		return false
	}

	// only judge the success rate once there is enough data
	if h.totalRequests >= 10 {
		successRate := float64(h.successfulReqs) / float64(h.totalRequests)
		if successRate < h.minSuccessRate {
			return false
		}
	}

	return true
}

// Snapshot returns the current health status
func (h *EndpointHealth) Snapshot() *ProviderHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var successRate float64
	if h.totalRequests > 0 {
		successRate = float64(h.successfulReqs) / float64(h.totalRequests)
	}

	var avgLatency time.Duration
	if h.successfulReqs > 0 {
		avgLatency = h.totalLatency / time.Duration(h.successfulReqs)
	}

	return &ProviderHealth{
		URL:              h.url,
		TotalRequests:    h.totalRequests,
		SuccessfulReqs:   h.successfulReqs,
		FailedReqs:       h.failedReqs,
		SuccessRate:      successRate,
		AverageLatency:   avgLatency,
		LastSuccess:      h.lastSuccess,
		LastFailure:      h.lastFailure,
		ConsecutiveFails: h.consecutiveFails,
		IsHealthy:        h.isHealthyLocked(),
	}
}

// SetHealthThresholds configures health check thresholds
func (h *EndpointHealth) SetHealthThresholds(maxConsecutiveFails int, minSuccessRate float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if maxConsecutiveFails > 0 {
		h.maxConsecutiveFails = maxConsecutiveFails
	}
	if minSuccessRate > 0 && minSuccessRate <= 1.0 {
		h.minSuccessRate = minSuccessRate
	}
}
