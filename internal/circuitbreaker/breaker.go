// Package circuitbreaker provides the emergency halt that protects a feed
// after a run of consecutive failed submissions.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultFailureCeiling is the number of consecutive failures that trips the
// breaker when no ceiling is configured.
const DefaultFailureCeiling = 3

// Breaker tracks a feed-wide run of consecutive failures and holds the
// level-triggered emergency flag. There is no timer-based recovery: once
// tripped, only an explicit Deactivate clears it.
type Breaker struct {
	mu sync.RWMutex

	// failureCeiling is the run length that forces emergency mode.
	failureCeiling int

	// consecutive counts failures since the last successful commit.
	consecutive int

	emergency bool
	reason    string
	trippedAt time.Time

	// onTrip is called (in its own goroutine) whenever the breaker trips.
	onTrip func(reason string)
}

// New creates a breaker with the given consecutive-failure ceiling, falling
// back to DefaultFailureCeiling when the ceiling is not positive.
func New(failureCeiling int) *Breaker {
	if failureCeiling <= 0 {
		failureCeiling = DefaultFailureCeiling
	}
	return &Breaker{failureCeiling: failureCeiling}
}

// WithTripCallback sets a callback invoked when the breaker trips and returns
// the breaker.
func (b *Breaker) WithTripCallback(callback func(reason string)) *Breaker {
	b.onTrip = callback
	return b
}

// RecordFailure counts one failed submission. Returns true when this failure
// tripped the breaker.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive++
	if b.consecutive >= b.failureCeiling && !b.emergency {
		b.trip("consecutive failure ceiling reached")
		return true
	}
	return false
}

// RecordSuccess resets the consecutive-failure run after a committed update.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
}

// Trip forces emergency mode with an explicit reason, regardless of the
// failure count. Already-active breakers keep their original reason.
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.emergency {
		b.trip(reason)
	}
}

// trip must be called with the lock held.
func (b *Breaker) trip(reason string) {
	b.emergency = true
	b.reason = reason
	b.trippedAt = time.Now()

	logrus.Warnf("Emergency mode activated: %s", reason)
	if b.onTrip != nil {
		go b.onTrip(reason)
	}
}

// Deactivate clears the emergency flag and resets the failure run. An
// administrator decision, never automatic.
func (b *Breaker) Deactivate() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.emergency = false
	b.reason = ""
	b.consecutive = 0
	logrus.Info("Emergency mode deactivated")
}

// Active reports whether emergency mode is engaged.
func (b *Breaker) Active() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.emergency
}

// ConsecutiveFailures returns the current failure run length.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.consecutive
}

// Reason returns why the breaker tripped, empty when not active.
func (b *Breaker) Reason() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reason
}

// TrippedAt returns when the breaker last tripped.
func (b *Breaker) TrippedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.trippedAt
}

// SetFailureCeiling updates the ceiling for subsequent failures.
func (b *Breaker) SetFailureCeiling(ceiling int) {
	if ceiling <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCeiling = ceiling
}
