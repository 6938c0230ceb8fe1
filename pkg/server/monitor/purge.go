package monitor

import (
	"sync"
	"time"
)

// maxConsecutiveFailures is how many failed purges in a row still count as healthy.
const maxConsecutiveFailures = 3

// PurgeMonitor tracks the health of the scheduled purge of soft-deleted data.
// A zero interval means the purge is disabled, which is always healthy.
type PurgeMonitor struct {
	mu                sync.RWMutex
	interval          time.Duration
	started           time.Time
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	lastRemoved       int64
	totalRemoved      int64
}

// NewPurgeMonitor creates a monitor for a purge running every interval.
func NewPurgeMonitor(interval time.Duration) *PurgeMonitor {
	return &PurgeMonitor{interval: interval, started: time.Now()}
}

// RecordSuccess records a committed purge that removed the given number of observations.
func (pm *PurgeMonitor) RecordSuccess(removed int64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.lastSuccess = time.Now()
	pm.lastAttempt = pm.lastSuccess
	pm.consecutiveErrors = 0
	pm.lastError = ""
	pm.lastRemoved = removed
	pm.totalRemoved += removed
}

// RecordFailure records a failed purge.
func (pm *PurgeMonitor) RecordFailure(err error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.lastAttempt = time.Now()
	pm.consecutiveErrors++
	if err != nil {
		pm.lastError = err.Error()
	}
}

// IsHealthy returns true if the purge is disabled or working properly.
// Unhealthy conditions:
//   - No success within two intervals (counted from startup if never succeeded)
//   - More than 3 consecutive failures
func (pm *PurgeMonitor) IsHealthy() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.healthy()
}

func (pm *PurgeMonitor) healthy() bool {
	if pm.interval <= 0 {
		return true
	}
	if pm.consecutiveErrors > maxConsecutiveFailures {
		return false
	}
	since := pm.lastSuccess
	if since.IsZero() {
		since = pm.started
	}
	return time.Since(since) <= 2*pm.interval
}

// PurgeStatus is the purge section of the health response.
type PurgeStatus struct {
	Enabled           bool   `json:"enabled"`
	Healthy           bool   `json:"healthy"`
	Interval          string `json:"interval,omitempty"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	LastRemoved       int64  `json:"last_removed"`
	TotalRemoved      int64  `json:"total_removed"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current purge status for health checks.
func (pm *PurgeMonitor) Status() PurgeStatus {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	status := PurgeStatus{
		Enabled:      pm.interval > 0,
		Healthy:      pm.healthy(),
		LastRemoved:  pm.lastRemoved,
		TotalRemoved: pm.totalRemoved,
	}
	if status.Enabled {
		status.Interval = pm.interval.String()
	}

	if !pm.lastSuccess.IsZero() {
		status.LastSuccess = pm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(pm.lastSuccess).String()
	}

	if !pm.lastAttempt.IsZero() {
		status.LastAttempt = pm.lastAttempt.Format(time.RFC3339)
	}

	if pm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = pm.consecutiveErrors
		status.LastError = pm.lastError
	}

	return status
}
