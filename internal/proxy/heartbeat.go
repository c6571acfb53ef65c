// ABOUTME: Heartbeat liveness tracking for one relay link.
// ABOUTME: A single shared timestamp written on every echo, read to decide expiry.

package proxy

import (
	"sync"
	"time"
)

// HeartbeatTracker records when the last heartbeat echo arrived on a link.
// The timeout exceeds twice the send interval so one missed beat is tolerated.
type HeartbeatTracker struct {
	mu      sync.Mutex
	last    time.Time
	timeout time.Duration
}

// NewHeartbeatTracker creates a tracker that expires after timeout without
// a Received call. The clock starts now.
func NewHeartbeatTracker(timeout time.Duration) *HeartbeatTracker {
	return &HeartbeatTracker{
		last:    time.Now(),
		timeout: timeout,
	}
}

// Received records a heartbeat echo.
func (t *HeartbeatTracker) Received() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = time.Now()
}

// Reset restarts the clock, used when a link is (re)established.
func (t *HeartbeatTracker) Reset() {
	t.Received()
}

// IsExpired reports whether the link has gone silent past the timeout.
func (t *HeartbeatTracker) IsExpired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.last) > t.timeout
}

// LastReceived returns the time of the most recent echo.
func (t *HeartbeatTracker) LastReceived() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
