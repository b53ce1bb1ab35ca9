package connmgr

import (
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig controls reconnect pacing after unexpected disconnects.
type BackoffConfig struct {
	Base time.Duration
	Max  time.Duration
	// JitterMax is the exclusive upper bound of the random jitter added to
	// every delay. Zero disables jitter.
	JitterMax time.Duration
}

// DefaultBackoff returns the standard reconnect pacing.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Base:      500 * time.Millisecond,
		Max:       30 * time.Second,
		JitterMax: 500 * time.Millisecond,
	}
}

// exponent caps the doubling so the shift never overflows; beyond it the
// Max ceiling applies anyway.
const maxBackoffExponent = 10

// base returns the deterministic component: min(Max, Base << min(attempt,10)).
func (c BackoffConfig) base(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffExponent {
		attempt = maxBackoffExponent
	}
	d := c.Base << uint(attempt)
	if d <= 0 || d > c.Max {
		d = c.Max
	}
	return d
}

// Delay returns the reconnect delay for the given attempt: the deterministic
// exponential component plus uniform jitter in [0, JitterMax).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	d := c.base(attempt)
	if c.JitterMax > 0 {
		d += time.Duration(rand.Int63n(int64(c.JitterMax)))
	}
	return d
}

// retryState tracks reconnection bookkeeping for one device identifier.
// Created lazily on the first failure; deleted only on explicit disconnect.
type retryState struct {
	attempts int
	timer    *time.Timer
	lastErr  error
}

// retryTable guards the per-device retry records.
type retryTable struct {
	mu      sync.Mutex
	records map[string]*retryState
}

func newRetryTable() *retryTable {
	return &retryTable{records: make(map[string]*retryState)}
}

// get returns (creating if needed) the record for id.
func (t *retryTable) get(id string) *retryState {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.records[id]
	if !ok {
		rs = &retryState{}
		t.records[id] = rs
	}
	return rs
}

// exists reports whether a retry record is present for id.
func (t *retryTable) exists(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[id]
	return ok
}

// resetAttempts zeroes the counter after a successful (re)connection. The
// record itself is kept.
func (t *retryTable) resetAttempts(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rs, ok := t.records[id]; ok {
		rs.attempts = 0
		rs.lastErr = nil
	}
}

// attempts returns the current attempt counter for id.
func (t *retryTable) attempts(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rs, ok := t.records[id]; ok {
		return rs.attempts
	}
	return 0
}

// remove cancels any pending timer and deletes the record. This is the only
// path that clears retry state, used by explicit disconnects.
func (t *retryTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rs, ok := t.records[id]; ok {
		if rs.timer != nil {
			rs.timer.Stop()
		}
		delete(t.records, id)
	}
}

// removeAll cancels every pending timer (manager shutdown).
func (t *retryTable) removeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, rs := range t.records {
		if rs.timer != nil {
			rs.timer.Stop()
		}
		delete(t.records, id)
	}
}
