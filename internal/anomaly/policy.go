// Package anomaly provides the deviation policy that routes candidate values
// to direct commit, rejection, or multi-party confirmation.
package anomaly

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/oracle-feed-engine/internal/model"
)

// Verdict classifies a candidate value against the last committed value.
type Verdict int

// Classification outcomes
const (
	Normal Verdict = iota
	Anomalous
)

// Route describes what the engine should do with a candidate.
type Route int

// Routing decisions
const (
	// RouteCommit means the candidate commits directly.
	RouteCommit Route = iota

	// RouteReject means the candidate is rejected and the submitter penalized.
	// Chosen for anomalous values on single-oracle feeds, where a lone
	// misbehaving source must not move the price.
	RouteReject

	// RouteConsensus means the candidate opens or advances a pending record
	// so other providers can corroborate or refute it.
	RouteConsensus
)

// Deviation returns the relative distance between candidate and last in basis
// points. A zero last value means no prior commit exists and yields zero.
func Deviation(candidate, last uint64) uint64 {
	if last == 0 {
		return 0
	}

	var diff uint64
	if candidate > last {
		diff = candidate - last
	} else {
		diff = last - candidate
	}

	// Saturate instead of overflowing: such a deviation exceeds any
	// configurable ceiling anyway.
	if diff > math.MaxUint64/model.BasisPoints {
		return math.MaxUint64
	}
	return diff * model.BasisPoints / last
}

// Classify compares a candidate against the last committed value. With no
// prior committed value the candidate is always Normal.
func Classify(candidate, last, ceilingBps uint64) Verdict {
	if last == 0 {
		return Normal
	}
	if Deviation(candidate, last) > ceilingBps {
		return Anomalous
	}
	return Normal
}

// RouteFor maps a verdict and the feed's quorum threshold to a routing
// decision. Single-oracle feeds fail closed; multi-oracle feeds fail open
// toward agreement.
func RouteFor(verdict Verdict, quorum int) Route {
	if verdict == Normal {
		if quorum > 1 {
			return RouteConsensus
		}
		return RouteCommit
	}
	if quorum <= 1 {
		return RouteReject
	}
	return RouteConsensus
}

// LogSignal emits the anomaly observability signal. Called for both the
// rejecting and the routing branch.
func LogSignal(provider string, candidate, last, deviationBps, ceilingBps uint64) {
	logrus.WithFields(logrus.Fields{
		"provider":      provider,
		"candidate":     candidate,
		"last":          last,
		"deviation_bps": deviationBps,
		"ceiling_bps":   ceilingBps,
	}).Warn("Anomalous price candidate detected")
}
