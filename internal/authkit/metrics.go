package authkit

import "sync"

// Auth events recorded by the session manager.
const (
	metricAuthRegisterSuccess      = "auth.register.success"
	metricAuthRegisterConflict     = "auth.register.conflict"
	metricAuthLoginSuccess         = "auth.login.success"
	metricAuthLoginFailure         = "auth.login.failure"
	metricAuthGoogleSuccess        = "auth.google.success"
	metricAuthGoogleFailure        = "auth.google.failure"
	metricAuthGoogleUserCreated    = "auth.google.user_created"
	metricAuthRefreshSuccess       = "auth.refresh.success"
	metricAuthRefreshFailure       = "auth.refresh.failure"
	metricAuthRefreshRaceLost      = "auth.refresh.race_lost"
	metricAuthRefreshReuseDetected = "auth.refresh.reuse_detected"
	metricAuthLogoutSuccess        = "auth.logout.success"
	metricAuthLogoutFailure        = "auth.logout.failure"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}
