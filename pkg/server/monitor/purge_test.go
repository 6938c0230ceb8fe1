package monitor

import (
	"errors"
	"testing"
	"time"
)

func TestPurgeMonitor_RecordSuccess(t *testing.T) {
	pm := NewPurgeMonitor(time.Hour)
	pm.RecordSuccess(4)
	pm.RecordSuccess(2)

	status := pm.Status()
	if !status.Healthy {
		t.Error("Status should be healthy after success")
	}
	if status.LastRemoved != 2 || status.TotalRemoved != 6 {
		t.Errorf("removed = %d/%d, want 2/6", status.LastRemoved, status.TotalRemoved)
	}
	if status.LastError != "" {
		t.Errorf("LastError = %q, want empty", status.LastError)
	}
}

func TestPurgeMonitor_RecordFailure(t *testing.T) {
	pm := NewPurgeMonitor(time.Hour)
	pm.RecordFailure(errors.New("disk full"))

	status := pm.Status()
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
	if status.LastError != "disk full" {
		t.Errorf("LastError = %q, want %q", status.LastError, "disk full")
	}
}

func TestPurgeMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		setup    func(*PurgeMonitor)
		expected bool
	}{
		{
			name:     "disabled",
			setup:    func(pm *PurgeMonitor) { pm.RecordFailure(errors.New("ignored")) },
			expected: true,
		},
		{
			name:     "just started",
			interval: time.Hour,
			setup:    func(*PurgeMonitor) {},
			expected: true,
		},
		{
			name:     "never succeeded",
			interval: time.Hour,
			setup: func(pm *PurgeMonitor) {
				pm.mu.Lock()
				pm.started = time.Now().Add(-3 * time.Hour)
				pm.mu.Unlock()
			},
			expected: false,
		},
		{
			name:     "stale success",
			interval: time.Hour,
			setup: func(pm *PurgeMonitor) {
				pm.mu.Lock()
				pm.lastSuccess = time.Now().Add(-3 * time.Hour)
				pm.mu.Unlock()
			},
			expected: false,
		},
		{
			name:     "too many consecutive errors",
			interval: time.Hour,
			setup: func(pm *PurgeMonitor) {
				pm.RecordSuccess(0)
				for i := 0; i < 4; i++ {
					pm.RecordFailure(errors.New("error"))
				}
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm := NewPurgeMonitor(tt.interval)
			tt.setup(pm)
			if got := pm.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
			if got := pm.Status().Healthy; got != tt.expected {
				t.Errorf("Status().Healthy = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestPurgeMonitor_Status(t *testing.T) {
	pm := NewPurgeMonitor(time.Hour)
	if status := pm.Status(); !status.Enabled || status.Interval != "1h0m0s" {
		t.Errorf("Status() = %+v, want enabled with interval", status)
	}

	pm.RecordSuccess(1)
	status := pm.Status()
	if status.LastSuccess == "" {
		t.Error("LastSuccess should be set")
	}
	if status.TimeSinceSuccess == "" {
		t.Error("TimeSinceSuccess should be set")
	}

	if NewPurgeMonitor(0).Status().Enabled {
		t.Error("zero interval should be disabled")
	}
}
