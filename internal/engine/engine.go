// Package engine wires the oracle feed components into the consensus engine:
// submissions flow through the anomaly policy into either the direct commit
// path or the pending-consensus coordinator, with reputation, circuit
// breaking, and access gating applied along the way.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/oracle-feed-engine/internal/access"
	"github.com/yourorg/oracle-feed-engine/internal/anomaly"
	"github.com/yourorg/oracle-feed-engine/internal/auth"
	"github.com/yourorg/oracle-feed-engine/internal/circuitbreaker"
	"github.com/yourorg/oracle-feed-engine/internal/consensus"
	"github.com/yourorg/oracle-feed-engine/internal/fingerprint"
	"github.com/yourorg/oracle-feed-engine/internal/history"
	"github.com/yourorg/oracle-feed-engine/internal/model"
	"github.com/yourorg/oracle-feed-engine/internal/notify"
	"github.com/yourorg/oracle-feed-engine/internal/registry"
	"github.com/yourorg/oracle-feed-engine/internal/roster"
	"github.com/yourorg/oracle-feed-engine/internal/types"
)

// overrideConfidence is the fixed confidence attached to administrator
// emergency overrides (50%).
const overrideConfidence = model.MaxConfidence / 2

// Config holds the per-feed engine parameters. Admin-mutable at runtime;
// changes apply to subsequent operations only.
type Config struct {
	// QuorumThreshold is the number of distinct confirmations required
	// before a candidate value becomes canonical. 1 disables multi-party
	// confirmation.
	QuorumThreshold int `json:"quorum_threshold"`

	// DeviationCeilingBps is the anomaly ceiling in basis points.
	DeviationCeilingBps uint64 `json:"deviation_ceiling_bps"`

	// StalenessCeiling bounds the age of the latest observation for reads.
	StalenessCeiling time.Duration `json:"staleness_ceiling"`

	// FailureCeiling is the consecutive-failure run that forces emergency mode.
	FailureCeiling int `json:"failure_ceiling"`

	// HistoryCapacity is the ring size; 0 selects the default of 100.
	HistoryCapacity int `json:"history_capacity"`

	// SubscriptionPrice and SubscriptionDuration configure read access sales.
	SubscriptionPrice    uint64        `json:"subscription_price"`
	SubscriptionDuration time.Duration `json:"subscription_duration"`

	// PublicReads disables subscription gating entirely.
	PublicReads bool `json:"public_reads"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		QuorumThreshold:      1,
		DeviationCeilingBps:  1000,
		StalenessCeiling:     time.Hour,
		FailureCeiling:       circuitbreaker.DefaultFailureCeiling,
		HistoryCapacity:      history.DefaultCapacity,
		SubscriptionPrice:    0,
		SubscriptionDuration: 30 * 24 * time.Hour,
		PublicReads:          true,
	}
}

// Validate checks the configuration for construction.
func (c Config) Validate() error {
	if c.QuorumThreshold < 1 {
		return fmt.Errorf("%w: quorum threshold must be at least 1", ErrConfigInvalid)
	}
	if c.DeviationCeilingBps == 0 {
		return fmt.Errorf("%w: deviation ceiling must be positive", ErrConfigInvalid)
	}
	if c.StalenessCeiling <= 0 {
		return fmt.Errorf("%w: staleness ceiling must be positive", ErrConfigInvalid)
	}
	if c.FailureCeiling < 1 {
		return fmt.Errorf("%w: failure ceiling must be at least 1", ErrConfigInvalid)
	}
	if c.HistoryCapacity < 0 {
		return fmt.Errorf("%w: history capacity must not be negative", ErrConfigInvalid)
	}
	if c.SubscriptionDuration <= 0 {
		return fmt.Errorf("%w: subscription duration must be positive", ErrConfigInvalid)
	}
	return nil
}

// SubmitStatus describes the outcome of a write that did not error.
type SubmitStatus string

// Submission outcomes
const (
	// StatusCommitted means the value became canonical.
	StatusCommitted SubmitStatus = "committed"

	// StatusPending means the submission opened or advanced a pending
	// record without yet reaching quorum. Informational, not an error.
	StatusPending SubmitStatus = "quorum_not_reached"
)

// SubmitResult reports what a submission or confirmation did.
type SubmitResult struct {
	Status        SubmitStatus           `json:"status"`
	Nonce         uint64                 `json:"nonce,omitempty"`
	Confirmations int                    `json:"confirmations,omitempty"`
	Observation   model.PriceObservation `json:"observation,omitempty"`
}

// Engine owns one feed's state. All mutating operations run inside a single
// critical section, so each write is atomic and serialized in arrival order;
// reads share an RLock and observe the snapshot as of the last completed
// write. Feeds never share state, so cross-feed callers need no coordination.
type Engine struct {
	mu sync.RWMutex

	feedID     string
	cfg        Config
	authorizer auth.Authorizer

	providers *roster.Roster
	pending   *consensus.Coordinator
	ring      *history.Ring
	gate      *access.Gate
	breaker   *circuitbreaker.Breaker
	publisher notify.Publisher

	latest model.PriceObservation
	stats  model.Statistics

	now func() time.Time
}

// New constructs a feed engine. The Authorizer capability is required; role
// decisions are never made from global state.
func New(feedID string, cfg Config, authorizer auth.Authorizer) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if authorizer == nil {
		return nil, fmt.Errorf("%w: authorizer is required", ErrConfigInvalid)
	}

	e := &Engine{
		feedID:     feedID,
		cfg:        cfg,
		authorizer: authorizer,
		providers:  roster.New(),
		pending:    consensus.New(),
		ring:       history.NewRing(cfg.HistoryCapacity),
		gate:       access.NewGate(authorizer, cfg.PublicReads),
		breaker:    circuitbreaker.New(cfg.FailureCeiling),
		publisher:  notify.Noop{},
		now:        time.Now,
	}

	logrus.WithFields(logrus.Fields{
		"feed":             feedID,
		"quorum_threshold": cfg.QuorumThreshold,
		"deviation_bps":    cfg.DeviationCeilingBps,
		"failure_ceiling":  cfg.FailureCeiling,
	}).Info("Feed engine initialized")
	return e, nil
}

// WithPublisher sets the notification publisher and returns the engine.
func (e *Engine) WithPublisher(p notify.Publisher) *Engine {
	if p != nil {
		e.publisher = p
	}
	return e
}

// WithClock overrides the engine's time source and returns the engine.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// FeedID returns the feed this engine serves.
func (e *Engine) FeedID() string {
	return e.feedID
}

// ---- provider management ----

// RegisterProvider authorizes a new data provider. Administrator only.
func (e *Engine) RegisterProvider(callerID, providerID, endpoint string) error {
	if !e.authorizer.IsAdmin(callerID) {
		return ErrAccessDenied
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.providers.Register(providerID, endpoint)
	return err
}

// DeregisterProvider revokes a provider's submission capability.
// Administrator only; the record is retained for audit.
func (e *Engine) DeregisterProvider(callerID, providerID, reason string) error {
	if !e.authorizer.IsAdmin(callerID) {
		return ErrAccessDenied
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.providers.Deregister(providerID, reason)
}

// ListActiveProviders returns the active roster in registration order.
func (e *Engine) ListActiveProviders() []model.OracleRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.providers.ListActive()
}

// ---- write path ----

// SubmitUpdate routes a candidate observation from a provider. The whole
// operation (validation, reputation bookkeeping, commit or pending-record
// mutation, emergency transition) applies atomically or not at all, except
// for the deliberate reputation side effects of attributable rejections.
func (e *Engine) SubmitUpdate(providerID string, value uint64, confidence uint32, digest fingerprint.Digest) (SubmitResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.breaker.Active() {
		return SubmitResult{}, ErrEmergencyActive
	}

	rec, ok := e.providers.Get(providerID)
	if !ok || !rec.Active {
		return SubmitResult{}, roster.ErrNotActive
	}

	if value == 0 || confidence > model.MaxConfidence {
		// Attributable malformed input: the provider is penalized and the
		// failure counts toward the emergency ceiling.
		e.recordFailureLocked(providerID, "invalid observation")
		return SubmitResult{}, ErrInvalidObservation
	}

	now := e.now()
	verdict := anomaly.Classify(value, e.latest.Value, e.cfg.DeviationCeilingBps)
	route := anomaly.RouteFor(verdict, e.cfg.QuorumThreshold)

	if verdict == anomaly.Anomalous {
		deviation := anomaly.Deviation(value, e.latest.Value)
		anomaly.LogSignal(providerID, value, e.latest.Value, deviation, e.cfg.DeviationCeilingBps)
		e.publishLocked(notify.NewEvent(notify.KindAnomaly, e.feedID, providerID, value,
			fmt.Sprintf("deviation %dbp over ceiling %dbp", deviation, e.cfg.DeviationCeilingBps)))
	}

	switch route {
	case anomaly.RouteReject:
		e.recordFailureLocked(providerID, "deviation rejected")
		return SubmitResult{}, ErrDeviationRejected

	case anomaly.RouteConsensus:
		nonce := e.pending.Open(value, confidence, digest, providerID, rec.Index, now)
		return SubmitResult{Status: StatusPending, Nonce: nonce, Confirmations: 1}, nil

	default:
		obs := e.commitLocked(value, confidence, digest, providerID, true, now)
		return SubmitResult{Status: StatusCommitted, Observation: obs}, nil
	}
}

// ConfirmPending adds a provider's confirmation to a pending record and
// executes the record the instant the quorum threshold is reached.
func (e *Engine) ConfirmPending(providerID string, nonce uint64, extra fingerprint.Digest) (SubmitResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.breaker.Active() {
		return SubmitResult{}, ErrEmergencyActive
	}
	if !e.providers.IsActive(providerID) {
		return SubmitResult{}, roster.ErrNotActive
	}

	rec, _ := e.providers.Get(providerID)
	count, err := e.pending.Confirm(nonce, providerID, rec.Index, extra)
	if err != nil {
		return SubmitResult{}, err
	}

	if count < e.cfg.QuorumThreshold {
		return SubmitResult{Status: StatusPending, Nonce: nonce, Confirmations: count}, nil
	}

	value, confidence, digest, submitter, err := e.pending.Candidate(nonce)
	if err != nil {
		return SubmitResult{}, err
	}
	e.pending.MarkExecuted(nonce)

	weighted := consensus.WeightedConfidence(confidence, count, e.providers.ActiveCount())
	obs := e.commitLocked(value, weighted, digest, submitter, true, e.now())

	logrus.WithFields(logrus.Fields{
		"feed":          e.feedID,
		"nonce":         nonce,
		"confirmations": count,
		"confidence":    weighted,
	}).Info("Pending consensus executed")
	return SubmitResult{Status: StatusCommitted, Nonce: nonce, Confirmations: count, Observation: obs}, nil
}

// commitLocked is the single mutation point for canonical state: the latest
// observation, the history ring, the statistics, and the submitter's success
// bookkeeping move together so they can never diverge. Caller holds the lock.
func (e *Engine) commitLocked(value uint64, confidence uint32, digest fingerprint.Digest, source string, attributed bool, now time.Time) model.PriceObservation {
	obs := model.PriceObservation{
		Value:       value,
		Timestamp:   now,
		Confidence:  confidence,
		Source:      source,
		Fingerprint: digest,
	}

	e.latest = obs
	e.ring.Push(obs)
	e.stats.Record(value)
	if attributed {
		_ = e.providers.RecordSuccess(source, now)
	}
	e.breaker.RecordSuccess()

	e.publishLocked(notify.NewEvent(notify.KindCommit, e.feedID, source, value, ""))

	logrus.WithFields(logrus.Fields{
		"feed":       e.feedID,
		"value":      value,
		"confidence": confidence,
		"source":     source,
	}).Debug("Observation committed")
	return obs
}

// recordFailureLocked applies the reputation penalty and advances the
// feed-wide failure run. Caller holds the lock.
func (e *Engine) recordFailureLocked(providerID, reason string) {
	_ = e.providers.RecordFailure(providerID)
	if e.breaker.RecordFailure() {
		e.publishLocked(notify.NewEvent(notify.KindEmergency, e.feedID, providerID, 0,
			"emergency mode entered: "+reason))
	}
}

// publishLocked sends a notification and logs a failed delivery. Delivery
// problems never affect the operation that produced the signal.
func (e *Engine) publishLocked(event notify.Event) {
	if result := e.publisher.Publish(event); !result.Accepted {
		logrus.WithFields(logrus.Fields{
			"feed": e.feedID,
			"kind": event.Kind,
		}).Warnf("Notification dropped: %v", result.Err)
	}
}

// ---- admin & emergency controls ----

// UpdateConfig mutates one configuration parameter. Administrator only; the
// change takes effect for subsequent operations.
func (e *Engine) UpdateConfig(callerID, parameter, value string) error {
	if !e.authorizer.IsAdmin(callerID) {
		return ErrAccessDenied
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.cfg
	switch parameter {
	case "quorum_threshold":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConfigInvalid, parameter, err)
		}
		next.QuorumThreshold = n
	case "deviation_ceiling_bps":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConfigInvalid, parameter, err)
		}
		next.DeviationCeilingBps = n
	case "staleness_ceiling":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConfigInvalid, parameter, err)
		}
		next.StalenessCeiling = d
	case "failure_ceiling":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConfigInvalid, parameter, err)
		}
		next.FailureCeiling = n
	case "subscription_price":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConfigInvalid, parameter, err)
		}
		next.SubscriptionPrice = n
	case "subscription_duration":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConfigInvalid, parameter, err)
		}
		next.SubscriptionDuration = d
	case "public_reads":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConfigInvalid, parameter, err)
		}
		next.PublicReads = b
	default:
		return fmt.Errorf("%w: unknown parameter %q", ErrConfigInvalid, parameter)
	}

	if err := next.Validate(); err != nil {
		return err
	}

	e.cfg = next
	e.breaker.SetFailureCeiling(next.FailureCeiling)
	e.gate.SetPublic(next.PublicReads)

	logrus.WithFields(logrus.Fields{
		"feed":      e.feedID,
		"parameter": parameter,
		"value":     value,
		"caller":    callerID,
	}).Info("Engine configuration updated")
	return nil
}

// ActivateEmergencyMode halts ordinary writes. Administrator only.
func (e *Engine) ActivateEmergencyMode(callerID, reason string) error {
	if !e.authorizer.IsAdmin(callerID) {
		return ErrAccessDenied
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.breaker.Trip(reason)
	e.publishLocked(notify.NewEvent(notify.KindEmergency, e.feedID, "", 0, reason))
	return nil
}

// DeactivateEmergencyMode clears the halt and resets the failure run.
// Administrator only.
func (e *Engine) DeactivateEmergencyMode(callerID string) error {
	if !e.authorizer.IsAdmin(callerID) {
		return ErrAccessDenied
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.breaker.Deactivate()
	return nil
}

// EmergencyOverride commits an administrator-supplied value while emergency
// mode holds. The commit carries a fixed reduced confidence, is attributed to
// the administrator, and touches no provider's reputation.
func (e *Engine) EmergencyOverride(callerID string, value uint64) (model.PriceObservation, error) {
	if !e.authorizer.IsAdmin(callerID) {
		return model.PriceObservation{}, ErrAccessDenied
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.breaker.Active() {
		return model.PriceObservation{}, ErrEmergencyNotActive
	}
	if value == 0 {
		return model.PriceObservation{}, ErrInvalidObservation
	}

	digest := fingerprint.New([]byte(fmt.Sprintf("override:%s:%d", callerID, value)))
	obs := e.commitLocked(value, overrideConfidence, digest, callerID, false, e.now())

	logrus.WithFields(logrus.Fields{
		"feed":   e.feedID,
		"value":  value,
		"caller": callerID,
	}).Warn("Emergency price override committed")
	return obs, nil
}

// SyncWithFeedRegistry pulls the external registry's lifecycle status and
// forces emergency mode when the feed is no longer live. The engine never
// writes back to the registry.
func (e *Engine) SyncWithFeedRegistry(ctx context.Context, source registry.StatusSource) (types.FeedInfo, error) {
	info, err := source.GetFeedStatus(ctx, e.feedID)
	if err != nil {
		return types.FeedInfo{}, fmt.Errorf("registry sync: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !info.Status.IsLive() && !e.breaker.Active() {
		reason := fmt.Sprintf("registry reports feed %s", info.Status)
		e.breaker.Trip(reason)
		e.publishLocked(notify.NewEvent(notify.KindEmergency, e.feedID, "", 0, reason))
	}
	return info, nil
}

// ---- subscriptions ----

// PurchaseSubscription extends the caller's read access by the configured
// duration on top of any unexpired time. Returns the new expiry.
func (e *Engine) PurchaseSubscription(callerID string, payment uint64) (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if payment < e.cfg.SubscriptionPrice {
		return time.Time{}, ErrInsufficientPayment
	}
	return e.gate.Extend(callerID, e.cfg.SubscriptionDuration, e.now()), nil
}

// ---- read path ----

// GetLatestPrice returns the canonical latest observation. Authorization is
// checked first; staleness is a separate data-quality gate on top of it.
func (e *Engine) GetLatestPrice(callerID string) (model.PriceObservation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.now()
	if err := e.gate.CheckRead(callerID, now); err != nil {
		return model.PriceObservation{}, err
	}
	if e.latest.IsZero() || now.Sub(e.latest.Timestamp) > e.cfg.StalenessCeiling {
		return model.PriceObservation{}, ErrStalePrice
	}
	return e.latest, nil
}

// GetPriceHistory returns up to count retained observations, newest first.
func (e *Engine) GetPriceHistory(callerID string, count int) ([]model.PriceObservation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.gate.CheckRead(callerID, e.now()); err != nil {
		return nil, err
	}
	return e.ring.Recent(count), nil
}

// GetTWAP returns the time-weighted average price over the trailing window.
func (e *Engine) GetTWAP(callerID string, window time.Duration) (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.now()
	if err := e.gate.CheckRead(callerID, now); err != nil {
		return 0, err
	}
	return e.ring.TWAP(window, now), nil
}

// GetStatistics returns the monotonically accumulated running totals.
func (e *Engine) GetStatistics(callerID string) (model.Statistics, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.gate.CheckRead(callerID, e.now()); err != nil {
		return model.Statistics{}, err
	}
	return e.stats, nil
}

// GetPendingConsensus returns the summary of a pending record.
func (e *Engine) GetPendingConsensus(callerID string, nonce uint64) (model.PendingSummary, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.gate.CheckRead(callerID, e.now()); err != nil {
		return model.PendingSummary{}, err
	}
	summary, ok := e.pending.Summary(nonce)
	if !ok {
		return model.PendingSummary{}, consensus.ErrUnknownNonce
	}
	return summary, nil
}

// HasProviderConfirmed reports whether a provider already confirmed a nonce.
func (e *Engine) HasProviderConfirmed(nonce uint64, providerID string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rec, ok := e.providers.Get(providerID)
	if !ok {
		return false, roster.ErrUnknownProvider
	}
	return e.pending.HasConfirmed(nonce, rec.Index)
}

// CheckStaleness probes the latest observation's age against the ceiling.
// Ungated: staleness is operational metadata, not price data.
func (e *Engine) CheckStaleness() model.StalenessReport {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.latest.IsZero() {
		return model.StalenessReport{IsStale: true}
	}
	age := e.now().Sub(e.latest.Timestamp)
	return model.StalenessReport{
		IsStale:   age > e.cfg.StalenessCeiling,
		Staleness: age,
	}
}

// EmergencyActive reports whether the feed is halted.
func (e *Engine) EmergencyActive() bool {
	return e.breaker.Active()
}

// ConsecutiveFailures returns the current feed-wide failure run.
func (e *Engine) ConsecutiveFailures() int {
	return e.breaker.ConsecutiveFailures()
}

// PendingCount returns the number of records still awaiting quorum.
func (e *Engine) PendingCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pending.OpenCount()
}

// Config returns a snapshot of the current configuration.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}
