// Package roster maintains the registry of authorized data providers and
// their trust bookkeeping.
package roster

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/oracle-feed-engine/internal/model"
)

// Registration errors
var (
	// ErrDuplicateProvider is returned when registering an identity that is
	// already active.
	ErrDuplicateProvider = errors.New("provider already registered")

	// ErrNotActive is returned when deregistering an identity that is not
	// currently active.
	ErrNotActive = errors.New("provider not active")

	// ErrUnknownProvider is returned for identities that were never registered.
	ErrUnknownProvider = errors.New("provider unknown")
)

// Roster owns the OracleRecord set for one feed. Deregistration is a soft
// delete: the record stays for audit, only the active flag drops. Roster is
// not safe for concurrent use; the owning engine serializes access.
type Roster struct {
	records map[string]*model.OracleRecord

	// order holds provider ids by their stable index. Indexes are assigned
	// at first registration and never reused, so consensus bitsets stay valid
	// across deregistrations.
	order []string

	active int
}

// New creates an empty roster.
func New() *Roster {
	return &Roster{records: make(map[string]*model.OracleRecord)}
}

// Register authorizes a provider. Fails with ErrDuplicateProvider if the
// identity is already active. A previously deregistered identity is
// reactivated under its original index with its reputation restored to the
// maximum; historical counters are retained.
func (r *Roster) Register(id, endpoint string) (*model.OracleRecord, error) {
	if rec, ok := r.records[id]; ok {
		if rec.Active {
			return nil, ErrDuplicateProvider
		}
		rec.Active = true
		rec.Endpoint = endpoint
		rec.Reputation = model.MaxReputation
		r.active++
		logrus.WithFields(logrus.Fields{
			"provider": id,
			"endpoint": endpoint,
		}).Info("Provider reactivated")
		return rec, nil
	}

	rec := &model.OracleRecord{
		ID:         id,
		Endpoint:   endpoint,
		Active:     true,
		Reputation: model.MaxReputation,
		Index:      len(r.order),
	}
	r.records[id] = rec
	r.order = append(r.order, id)
	r.active++

	logrus.WithFields(logrus.Fields{
		"provider": id,
		"endpoint": endpoint,
		"index":    rec.Index,
	}).Info("Provider registered")
	return rec, nil
}

// Deregister revokes a provider's submission capability. Fails with
// ErrNotActive unless the provider is currently active.
func (r *Roster) Deregister(id, reason string) error {
	rec, ok := r.records[id]
	if !ok || !rec.Active {
		return ErrNotActive
	}

	rec.Active = false
	r.active--

	logrus.WithFields(logrus.Fields{
		"provider": id,
		"reason":   reason,
	}).Warn("Provider deregistered")
	return nil
}

// Get returns the record for an identity, registered or not.
func (r *Roster) Get(id string) (*model.OracleRecord, bool) {
	rec, ok := r.records[id]
	return rec, ok
}

// IsActive reports whether the identity currently holds submission capability.
func (r *Roster) IsActive(id string) bool {
	rec, ok := r.records[id]
	return ok && rec.Active
}

// ActiveCount returns the number of providers eligible for quorum counting.
func (r *Roster) ActiveCount() int {
	return r.active
}

// Size returns the number of indexes ever assigned. Consensus bitsets are
// sized by it.
func (r *Roster) Size() int {
	return len(r.order)
}

// ListActive returns copies of all active records in registration order.
func (r *Roster) ListActive() []model.OracleRecord {
	out := make([]model.OracleRecord, 0, r.active)
	for _, id := range r.order {
		if rec := r.records[id]; rec.Active {
			out = append(out, *rec)
		}
	}
	return out
}

// RecordSuccess credits a provider for a committed update: reputation +100
// capped at the maximum, success counter and last-update timestamp advanced.
func (r *Roster) RecordSuccess(id string, at time.Time) error {
	rec, ok := r.records[id]
	if !ok {
		return ErrUnknownProvider
	}

	rec.TotalUpdates++
	rec.LastUpdate = at
	if rec.Reputation+model.ReputationReward > model.MaxReputation {
		rec.Reputation = model.MaxReputation
	} else {
		rec.Reputation += model.ReputationReward
	}
	return nil
}

// RecordFailure debits a provider for a failed or rejected submission:
// reputation −1000 floored at zero, failure counter advanced.
func (r *Roster) RecordFailure(id string) error {
	rec, ok := r.records[id]
	if !ok {
		return ErrUnknownProvider
	}

	rec.FailedUpdates++
	if rec.Reputation < model.ReputationPenalty {
		rec.Reputation = 0
	} else {
		rec.Reputation -= model.ReputationPenalty
	}

	logrus.WithFields(logrus.Fields{
		"provider":   id,
		"reputation": rec.Reputation,
		"failures":   rec.FailedUpdates,
	}).Debug("Provider reputation penalized")
	return nil
}
