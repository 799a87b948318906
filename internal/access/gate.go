// Package access gates read operations behind subscriptions, with
// administrative bypass and a public mode.
package access

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/oracle-feed-engine/internal/auth"
)

// ErrSubscriptionExpired is returned for gated reads without a live subscription.
var ErrSubscriptionExpired = errors.New("subscription expired")

// Gate distinguishes public from gated reads for one feed. Not safe for
// concurrent mutation; the owning engine serializes writes and snapshots reads.
type Gate struct {
	authorizer auth.Authorizer
	public     bool

	// expiry per caller identity. Zero value means never subscribed.
	subscribers map[string]time.Time
}

// NewGate creates a gate. A public gate passes every caller.
func NewGate(authorizer auth.Authorizer, public bool) *Gate {
	return &Gate{
		authorizer:  authorizer,
		public:      public,
		subscribers: make(map[string]time.Time),
	}
}

// CheckRead authorizes a read at the given instant. Administrators always
// pass; public feeds pass everyone; otherwise the caller needs a non-expired
// subscription.
func (g *Gate) CheckRead(callerID string, now time.Time) error {
	if g.authorizer != nil && g.authorizer.IsAdmin(callerID) {
		return nil
	}
	if g.public {
		return nil
	}

	expiry, ok := g.subscribers[callerID]
	if !ok || expiry.Before(now) {
		return ErrSubscriptionExpired
	}
	return nil
}

// Extend adds duration on top of max(now, current expiry), so time already
// paid for is never lost. Returns the new expiry.
func (g *Gate) Extend(callerID string, duration time.Duration, now time.Time) time.Time {
	base := now
	if current, ok := g.subscribers[callerID]; ok && current.After(now) {
		base = current
	}

	expiry := base.Add(duration)
	g.subscribers[callerID] = expiry

	logrus.WithFields(logrus.Fields{
		"caller": callerID,
		"expiry": expiry,
	}).Info("Subscription extended")
	return expiry
}

// Expiry returns the caller's current subscription expiry, if any.
func (g *Gate) Expiry(callerID string) (time.Time, bool) {
	expiry, ok := g.subscribers[callerID]
	return expiry, ok
}

// Public reports whether the feed is readable without a subscription.
func (g *Gate) Public() bool {
	return g.public
}

// SetPublic switches the feed between public and gated reads.
func (g *Gate) SetPublic(public bool) {
	g.public = public
}
