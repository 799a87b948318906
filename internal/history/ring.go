// Package history provides the bounded observation buffer and the
// time-weighted average price query over it.
package history

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/oracle-feed-engine/internal/model"
)

// DefaultCapacity is the number of retained observations when none is configured.
const DefaultCapacity = 100

// Ring is a fixed-capacity circular buffer of committed price observations.
// The newest write overwrites the oldest once the buffer is full. Ring is not
// safe for concurrent use; the owning engine serializes access.
type Ring struct {
	slots    []model.PriceObservation
	cursor   int
	recorded uint64
}

// NewRing creates a ring with the given capacity, or DefaultCapacity if
// capacity is not positive.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{slots: make([]model.PriceObservation, capacity)}
}

// Capacity returns the fixed number of slots.
func (r *Ring) Capacity() int {
	return len(r.slots)
}

// Len returns the number of observations currently held, at most Capacity.
func (r *Ring) Len() int {
	if r.recorded < uint64(len(r.slots)) {
		return int(r.recorded)
	}
	return len(r.slots)
}

// Recorded returns the total number of observations ever pushed.
func (r *Ring) Recorded() uint64 {
	return r.recorded
}

// Push writes the observation at the cursor and advances it modulo capacity.
func (r *Ring) Push(obs model.PriceObservation) {
	r.slots[r.cursor] = obs
	r.cursor = (r.cursor + 1) % len(r.slots)
	r.recorded++
}

// Recent returns up to min(count, Len) observations, newest first.
func (r *Ring) Recent(count int) []model.PriceObservation {
	n := r.Len()
	if count > n {
		count = n
	}
	if count <= 0 {
		return nil
	}

	out := make([]model.PriceObservation, 0, count)
	for i := 1; i <= count; i++ {
		// cursor points at the next write slot, so the newest entry sits
		// one position behind it.
		idx := (r.cursor - i + len(r.slots)) % len(r.slots)
		out = append(out, r.slots[idx])
	}
	return out
}

// TWAP computes the time-weighted average price over the trailing window
// ending at now. Each observation is weighted by the span between its
// timestamp and the window cutoff; the walk stops at the first observation
// older than the cutoff. Returns 0 when no observation falls inside the
// window.
func (r *Ring) TWAP(window time.Duration, now time.Time) uint64 {
	cutoff := now.Add(-window)

	weightedSum := decimal.Zero
	totalWeight := decimal.Zero

	n := r.Len()
	for i := 1; i <= n; i++ {
		idx := (r.cursor - i + len(r.slots)) % len(r.slots)
		obs := r.slots[idx]

		if obs.Timestamp.Before(cutoff) {
			break
		}

		// Weight in milliseconds; decimal keeps value*weight sums exact
		// even for large scaled prices.
		weight := decimal.NewFromInt(obs.Timestamp.Sub(cutoff).Milliseconds())
		weightedSum = weightedSum.Add(decimal.NewFromBigInt(new(big.Int).SetUint64(obs.Value), 0).Mul(weight))
		totalWeight = totalWeight.Add(weight)
	}

	if totalWeight.IsZero() {
		return 0
	}
	return weightedSum.Div(totalWeight).Floor().BigInt().Uint64()
}
