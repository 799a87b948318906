package engine

import "errors"

// Engine sentinel errors. Roster, consensus, and access errors surface
// unwrapped from their own packages.
var (
	// ErrConfigInvalid rejects bad constructor or admin parameters. Fully
	// inert: nothing is mutated.
	ErrConfigInvalid = errors.New("invalid engine configuration")

	// ErrAccessDenied rejects callers without the required role.
	ErrAccessDenied = errors.New("access denied")

	// ErrStalePrice means the latest observation is older than the staleness
	// ceiling (or no observation exists yet).
	ErrStalePrice = errors.New("price is stale")

	// ErrDeviationRejected rejects an anomalous value on a single-oracle
	// feed. The submitter's reputation is penalized as a deliberate side
	// effect.
	ErrDeviationRejected = errors.New("deviation exceeds ceiling")

	// ErrInvalidObservation rejects a zero value or out-of-range confidence.
	ErrInvalidObservation = errors.New("invalid observation")

	// ErrEmergencyActive rejects ordinary writes while emergency mode holds.
	ErrEmergencyActive = errors.New("emergency mode active")

	// ErrEmergencyNotActive rejects an override outside emergency mode.
	ErrEmergencyNotActive = errors.New("emergency mode not active")

	// ErrInsufficientPayment rejects a subscription purchase below the
	// configured price.
	ErrInsufficientPayment = errors.New("insufficient payment")
)
