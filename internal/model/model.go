// Package model defines the core data structures for the oracle feed engine.
package model

import (
	"time"

	"github.com/yourorg/oracle-feed-engine/internal/fingerprint"
)

// Basis-point scale shared by confidence, reputation, and deviation values.
const (
	BasisPoints = 10000

	// MaxConfidence is the upper bound of self-reported confidence (100%).
	MaxConfidence = BasisPoints

	// MaxReputation is the trust score ceiling; new providers start here.
	MaxReputation = BasisPoints

	// ReputationReward is added to a provider's reputation on each committed update.
	ReputationReward = 100

	// ReputationPenalty is subtracted on each failed or rejected update.
	ReputationPenalty = 1000

	// PriceDecimals is the fixed decimal scaling applied to all price values.
	PriceDecimals = 8
)

// PriceObservation is a single committed price point. Immutable once committed.
type PriceObservation struct {
	// Value is the price as a non-negative integer scaled by PriceDecimals.
	Value uint64 `json:"value"`

	// Timestamp is when the observation was committed.
	Timestamp time.Time `json:"timestamp"`

	// Confidence is the submitter's self-reported certainty in basis points [0,10000].
	Confidence uint32 `json:"confidence"`

	// Source is the identity the commit is attributed to (a provider, or an
	// administrator for emergency overrides).
	Source string `json:"source"`

	// Fingerprint is the opaque integrity digest carried with the observation.
	Fingerprint fingerprint.Digest `json:"fingerprint"`
}

// IsZero reports whether the observation is the zero value (nothing committed yet).
func (o PriceObservation) IsZero() bool {
	return o.Timestamp.IsZero()
}

// OracleRecord tracks one authorized data provider. Records are soft-deleted on
// deregistration so the audit history of past updates survives.
type OracleRecord struct {
	// ID is the provider's unique identity.
	ID string `json:"id"`

	// Endpoint is a descriptive label for the provider's data source.
	Endpoint string `json:"endpoint"`

	// Active is false once the provider has been deregistered.
	Active bool `json:"active"`

	// Reputation is the engine-maintained trust score in [0,10000].
	Reputation uint32 `json:"reputation"`

	// TotalUpdates counts successfully committed updates.
	TotalUpdates uint64 `json:"total_updates"`

	// FailedUpdates counts rejected or failed submissions.
	FailedUpdates uint64 `json:"failed_updates"`

	// LastUpdate is the timestamp of the provider's most recent commit.
	LastUpdate time.Time `json:"last_update,omitempty"`

	// Index is the provider's stable position in the roster, assigned at
	// registration and never reused. The consensus coordinator indexes its
	// confirmation bitsets by it.
	Index int `json:"-"`
}

// Statistics holds running totals over all committed observations.
// Monotonically updated, never reset.
type Statistics struct {
	UpdateCount uint64 `json:"update_count"`
	MinValue    uint64 `json:"min_value"`
	MaxValue    uint64 `json:"max_value"`

	// TotalVolume is the cumulative sum of committed values.
	TotalVolume uint64 `json:"total_volume"`
}

// Record folds one committed value into the running totals.
func (s *Statistics) Record(value uint64) {
	if s.UpdateCount == 0 || value < s.MinValue {
		s.MinValue = value
	}
	if value > s.MaxValue {
		s.MaxValue = value
	}
	s.UpdateCount++
	s.TotalVolume += value
}

// PendingSummary is the read-side view of an in-flight consensus record.
type PendingSummary struct {
	Nonce         uint64             `json:"nonce"`
	Value         uint64             `json:"value"`
	Confidence    uint32             `json:"confidence"`
	SubmittedAt   time.Time          `json:"submitted_at"`
	Fingerprint   fingerprint.Digest `json:"fingerprint"`
	Confirmations int                `json:"confirmations"`
	ConfirmedBy   []string           `json:"confirmed_by"`
	Executed      bool               `json:"executed"`
}

// StalenessReport is the result of an explicit staleness probe.
type StalenessReport struct {
	IsStale   bool          `json:"is_stale"`
	Staleness time.Duration `json:"staleness"`
}
