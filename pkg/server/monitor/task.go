package monitor

import (
	"sync"
	"time"
)

// DefaultMaxConsecutiveErrors is how many failures in a row a task may have before it is unhealthy
const DefaultMaxConsecutiveErrors = 3

// TaskMonitor tracks the health of one periodic background task.
type TaskMonitor struct {
	name       string
	staleAfter time.Duration
	maxErrors  int
	clock      func() time.Time
	created    time.Time

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	runs              uint64
	lastRemoved       int
}

// NewTaskMonitor creates a monitor for a task that must succeed at least once every staleAfter
func NewTaskMonitor(name string, staleAfter time.Duration) *TaskMonitor {
	return newTaskMonitor(name, staleAfter, time.Now)
}

func newTaskMonitor(name string, staleAfter time.Duration, clock func() time.Time) *TaskMonitor {
	return &TaskMonitor{
		name:       name,
		staleAfter: staleAfter,
		maxErrors:  DefaultMaxConsecutiveErrors,
		clock:      clock,
		created:    clock(),
	}
}

// Name returns the task name
func (tm *TaskMonitor) Name() string {
	return tm.name
}

// RecordSuccess records a successful run that removed n rows
func (tm *TaskMonitor) RecordSuccess(n int) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	now := tm.clock()
	tm.lastSuccess = now
	tm.lastAttempt = now
	tm.consecutiveErrors = 0
	tm.lastError = ""
	tm.lastRemoved = n
	tm.runs++
}

// RecordFailure records a failed run.
func (tm *TaskMonitor) RecordFailure(err error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.lastAttempt = tm.clock()
	tm.consecutiveErrors++
	tm.runs++
	if err != nil {
		tm.lastError = err.Error()
	}
}

// IsHealthy returns true if the task is working properly.
// Unhealthy conditions:
//   - No success within staleAfter (of start, or of the last success)
//   - More than DefaultMaxConsecutiveErrors consecutive failures
func (tm *TaskMonitor) IsHealthy() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.healthyLocked()
}

func (tm *TaskMonitor) healthyLocked() bool {
	if tm.consecutiveErrors > tm.maxErrors {
		return false
	}
	since := tm.lastSuccess
	if since.IsZero() {
		since = tm.created
	}
	return tm.clock().Sub(since) <= tm.staleAfter
}

// TaskStatus is the health check view of one task
type TaskStatus struct {
	Healthy           bool   `json:"healthy"`
	Runs              uint64 `json:"runs"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	LastRemoved       int    `json:"last_removed"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current task status for health checks.
func (tm *TaskMonitor) Status() TaskStatus {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	status := TaskStatus{
		Healthy:     tm.healthyLocked(),
		Runs:        tm.runs,
		LastRemoved: tm.lastRemoved,
	}

	if !tm.lastSuccess.IsZero() {
		status.LastSuccess = tm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = tm.clock().Sub(tm.lastSuccess).Round(time.Second).String()
	}
	if !tm.lastAttempt.IsZero() {
		status.LastAttempt = tm.lastAttempt.Format(time.RFC3339)
	}
	if tm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = tm.consecutiveErrors
		status.LastError = tm.lastError
	}

	return status
}
