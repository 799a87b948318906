// Package consensus manages in-flight candidate updates awaiting a
// confirmation quorum.
package consensus

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/oracle-feed-engine/internal/fingerprint"
	"github.com/yourorg/oracle-feed-engine/internal/model"
)

// Confirmation errors
var (
	// ErrUnknownNonce is returned for nonces that were never opened.
	ErrUnknownNonce = errors.New("unknown pending nonce")

	// ErrAlreadyExecuted is returned when confirming a terminal record.
	ErrAlreadyExecuted = errors.New("pending consensus already executed")

	// ErrDuplicateConfirmation is returned when a provider confirms the same
	// nonce twice.
	ErrDuplicateConfirmation = errors.New("provider already confirmed this nonce")
)

// record is one pending consensus. The confirming-provider set is a bitset
// indexed by the provider's stable roster index, so membership checks stay
// O(1) and memory stays bounded by roster size.
type record struct {
	nonce       uint64
	value       uint64
	confidence  uint32
	submittedAt time.Time
	digest      fingerprint.Digest
	confirmed   []uint64
	confirmedBy []string
	executed    bool
}

func (p *record) hasConfirmed(idx int) bool {
	word := idx / 64
	if word >= len(p.confirmed) {
		return false
	}
	return p.confirmed[word]&(1<<uint(idx%64)) != 0
}

func (p *record) setConfirmed(idx int) {
	word := idx / 64
	for len(p.confirmed) <= word {
		p.confirmed = append(p.confirmed, 0)
	}
	p.confirmed[word] |= 1 << uint(idx%64)
}

// Coordinator owns all pending records for one feed, keyed by a monotonically
// increasing nonce. Records that never reach quorum persist; there is no
// cancellation. Not safe for concurrent use; the owning engine serializes.
type Coordinator struct {
	nextNonce uint64
	records   map[uint64]*record
	open      int
}

// New creates an empty coordinator. Nonces start at 1.
func New() *Coordinator {
	return &Coordinator{nextNonce: 1, records: make(map[uint64]*record)}
}

// Open creates a pending record for a candidate value, counting the submitter
// as the first confirmation, and returns the assigned nonce.
func (c *Coordinator) Open(value uint64, confidence uint32, digest fingerprint.Digest, providerID string, providerIdx int, at time.Time) uint64 {
	nonce := c.nextNonce
	c.nextNonce++

	p := &record{
		nonce:       nonce,
		value:       value,
		confidence:  confidence,
		submittedAt: at,
		digest:      digest,
		confirmedBy: []string{providerID},
	}
	p.setConfirmed(providerIdx)
	c.records[nonce] = p
	c.open++

	logrus.WithFields(logrus.Fields{
		"nonce":    nonce,
		"value":    value,
		"provider": providerID,
	}).Debug("Pending consensus opened")
	return nonce
}

// Confirm folds an additional fingerprint into a pending record and counts
// the provider's confirmation. Returns the confirmation count after the call.
// Confirming an executed nonce or double-confirming has no side effects.
func (c *Coordinator) Confirm(nonce uint64, providerID string, providerIdx int, extra fingerprint.Digest) (int, error) {
	p, ok := c.records[nonce]
	if !ok {
		return 0, ErrUnknownNonce
	}
	if p.executed {
		return len(p.confirmedBy), ErrAlreadyExecuted
	}
	if p.hasConfirmed(providerIdx) {
		return len(p.confirmedBy), ErrDuplicateConfirmation
	}

	p.setConfirmed(providerIdx)
	p.confirmedBy = append(p.confirmedBy, providerID)
	p.digest = fingerprint.Fold(p.digest, extra)

	logrus.WithFields(logrus.Fields{
		"nonce":         nonce,
		"provider":      providerID,
		"confirmations": len(p.confirmedBy),
	}).Debug("Pending consensus confirmed")
	return len(p.confirmedBy), nil
}

// MarkExecuted moves a record to its terminal state. The transition happens
// exactly once; later confirmations fail with ErrAlreadyExecuted.
func (c *Coordinator) MarkExecuted(nonce uint64) {
	if p, ok := c.records[nonce]; ok && !p.executed {
		p.executed = true
		c.open--
	}
}

// Candidate returns the committed-side view of a record: value, confidence,
// folded fingerprint, and the original submitter the commit is attributed to.
func (c *Coordinator) Candidate(nonce uint64) (value uint64, confidence uint32, digest fingerprint.Digest, submitter string, err error) {
	p, ok := c.records[nonce]
	if !ok {
		return 0, 0, fingerprint.Zero, "", ErrUnknownNonce
	}
	return p.value, p.confidence, p.digest, p.confirmedBy[0], nil
}

// Summary returns the read-side view of a record.
func (c *Coordinator) Summary(nonce uint64) (model.PendingSummary, bool) {
	p, ok := c.records[nonce]
	if !ok {
		return model.PendingSummary{}, false
	}
	confirmedBy := make([]string, len(p.confirmedBy))
	copy(confirmedBy, p.confirmedBy)
	return model.PendingSummary{
		Nonce:         p.nonce,
		Value:         p.value,
		Confidence:    p.confidence,
		SubmittedAt:   p.submittedAt,
		Fingerprint:   p.digest,
		Confirmations: len(p.confirmedBy),
		ConfirmedBy:   confirmedBy,
		Executed:      p.executed,
	}, true
}

// HasConfirmed reports whether the provider index already confirmed the nonce.
func (c *Coordinator) HasConfirmed(nonce uint64, providerIdx int) (bool, error) {
	p, ok := c.records[nonce]
	if !ok {
		return false, ErrUnknownNonce
	}
	return p.hasConfirmed(providerIdx), nil
}

// OpenCount returns the number of records still awaiting quorum.
func (c *Coordinator) OpenCount() int {
	return c.open
}

// WeightedConfidence derives the committed confidence for an executed record:
// min(10000, confidence * confirmations / activeProviders).
//
// The divisor is the active provider count at execution time, not at the time
// the record was opened. If the roster changed mid-consensus the result is
// not well-defined; the cap keeps it in range regardless.
func WeightedConfidence(confidence uint32, confirmations, activeProviders int) uint32 {
	if activeProviders <= 0 {
		confirmations = 1
		activeProviders = 1
	}
	weighted := uint64(confidence) * uint64(confirmations) / uint64(activeProviders)
	if weighted > model.MaxConfidence {
		return model.MaxConfidence
	}
	return uint32(weighted)
}
