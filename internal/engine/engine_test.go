package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/oracle-feed-engine/internal/access"
	"github.com/yourorg/oracle-feed-engine/internal/auth"
	"github.com/yourorg/oracle-feed-engine/internal/consensus"
	"github.com/yourorg/oracle-feed-engine/internal/fingerprint"
	"github.com/yourorg/oracle-feed-engine/internal/model"
	"github.com/yourorg/oracle-feed-engine/internal/notify"
	"github.com/yourorg/oracle-feed-engine/internal/roster"
	"github.com/yourorg/oracle-feed-engine/internal/types"
)

const (
	adminID = "admin-1"
	feedID  = "BTC-USD"
)

func testAuthorizer() auth.Authorizer {
	return auth.NewStatic([]string{adminID}, nil)
}

func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *time.Time) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.PublicReads = true
	if mutate != nil {
		mutate(&cfg)
	}

	e, err := New(feedID, cfg, testAuthorizer())
	require.NoError(t, err, "Engine construction should succeed")

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.WithClock(func() time.Time { return clock })
	return e, &clock
}

func registerProviders(t *testing.T, e *Engine, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, e.RegisterProvider(adminID, id, "https://"+id+".example.com"))
	}
}

func digestFor(s string) fingerprint.Digest {
	return fingerprint.New([]byte(s))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(event notify.Event) notify.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return notify.Result{Accepted: true}
}

func (p *recordingPublisher) kinds() []notify.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]notify.EventKind, len(p.events))
	for i, ev := range p.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate(), "Defaults should be valid")

	bad := cfg
	bad.QuorumThreshold = 0
	assert.ErrorIs(t, bad.Validate(), ErrConfigInvalid, "Zero quorum should be rejected")

	bad = cfg
	bad.DeviationCeilingBps = 0
	assert.ErrorIs(t, bad.Validate(), ErrConfigInvalid, "Zero ceiling should be rejected")

	_, err := New(feedID, cfg, nil)
	assert.ErrorIs(t, err, ErrConfigInvalid, "Missing authorizer should be rejected")
}

func TestSingleProviderLifecycle(t *testing.T) {
	e, clock := newTestEngine(t, nil)
	registerProviders(t, e, "oracle-a")

	// First submission has no prior value, so any deviation is accepted.
	res, err := e.SubmitUpdate("oracle-a", 5_000_000, 9000, digestFor("first"))
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, res.Status, "quorum 1 should commit directly")
	assert.Equal(t, uint64(5_000_000), res.Observation.Value)

	obs, err := e.GetLatestPrice("reader-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000), obs.Value)
	assert.Equal(t, "oracle-a", obs.Source)

	// Within the 10% ceiling: 5_000_000 -> 5_400_000 is 8%.
	res, err = e.SubmitUpdate("oracle-a", 5_400_000, 8500, digestFor("second"))
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, res.Status)

	stats, err := e.GetStatistics("reader-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.UpdateCount)
	assert.Equal(t, uint64(5_000_000), stats.MinValue)
	assert.Equal(t, uint64(5_400_000), stats.MaxValue)
	assert.Equal(t, uint64(10_400_000), stats.TotalVolume)

	rec, ok := e.providers.Get("oracle-a")
	require.True(t, ok)
	assert.Equal(t, uint32(model.MaxReputation), rec.Reputation, "Reputation is capped at the maximum")
	assert.Equal(t, uint64(2), rec.TotalUpdates)
	assert.Equal(t, *clock, rec.LastUpdate)
}

func TestDeviationRejectionAtQuorumOne(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	registerProviders(t, e, "oracle-a")

	_, err := e.SubmitUpdate("oracle-a", 1_000_000, 9000, digestFor("base"))
	require.NoError(t, err)

	// 15% jump against a 10% ceiling.
	_, err = e.SubmitUpdate("oracle-a", 1_150_000, 9000, digestFor("spike"))
	assert.ErrorIs(t, err, ErrDeviationRejected)

	rec, _ := e.providers.Get("oracle-a")
	assert.Equal(t, uint32(model.MaxReputation-model.ReputationPenalty), rec.Reputation,
		"Reward on the first success is capped, so the penalty lands at 9000")
	assert.Equal(t, uint64(1), rec.FailedUpdates)
	assert.Equal(t, 1, e.ConsecutiveFailures())

	// Exactly at the ceiling is not anomalous.
	_, err = e.SubmitUpdate("oracle-a", 1_100_000, 9000, digestFor("edge"))
	assert.NoError(t, err, "Deviation exactly at the ceiling should pass")
	assert.Equal(t, 0, e.ConsecutiveFailures(), "Success resets the failure run")
}

func TestMultiProviderConsensus(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) { c.QuorumThreshold = 3 })
	registerProviders(t, e, "oracle-a", "oracle-b", "oracle-c", "oracle-d")

	// Seed a prior value so classification has a reference point. With
	// quorum 3 even the seed goes through a pending record.
	seed, err := e.SubmitUpdate("oracle-a", 1_000_000, 9000, digestFor("seed"))
	require.NoError(t, err)
	require.Equal(t, StatusPending, seed.Status, "quorum above 1 must route through consensus")

	_, err = e.ConfirmPending("oracle-b", seed.Nonce, digestFor("seed-b"))
	require.NoError(t, err)
	res, err := e.ConfirmPending("oracle-c", seed.Nonce, digestFor("seed-c"))
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, res.Status)

	// Normal submission opens a fresh pending record.
	pend, err := e.SubmitUpdate("oracle-b", 1_050_000, 8000, digestFor("next"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, pend.Status)
	assert.Equal(t, 1, pend.Confirmations, "Submitter counts as the first confirmation")

	// Duplicate confirmation from the submitter is inert.
	_, err = e.ConfirmPending("oracle-b", pend.Nonce, digestFor("dup"))
	assert.ErrorIs(t, err, consensus.ErrDuplicateConfirmation)

	summary, err := e.GetPendingConsensus("reader-1", pend.Nonce)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Confirmations, "Failed confirmation must not change the record")
	assert.False(t, summary.Executed)

	confirmed, err := e.HasProviderConfirmed(pend.Nonce, "oracle-c")
	require.NoError(t, err)
	assert.False(t, confirmed)

	_, err = e.ConfirmPending("oracle-c", pend.Nonce, digestFor("c"))
	require.NoError(t, err)
	final, err := e.ConfirmPending("oracle-d", pend.Nonce, digestFor("d"))
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, final.Status)
	assert.Equal(t, 3, final.Confirmations)

	// 8000 * 3 / 4 = 6000.
	assert.Equal(t, uint32(6000), final.Observation.Confidence, "Confidence is weighted by participation")
	assert.Equal(t, "oracle-b", final.Observation.Source, "Commit is attributed to the original submitter")

	// Late confirmation after execution is rejected.
	_, err = e.ConfirmPending("oracle-a", pend.Nonce, digestFor("late"))
	assert.ErrorIs(t, err, consensus.ErrAlreadyExecuted)

	obs, err := e.GetLatestPrice("reader-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_050_000), obs.Value, "Executed exactly once")
}

func TestAnomalousSubmissionEscalatesUnderQuorum(t *testing.T) {
	pub := &recordingPublisher{}
	e, _ := newTestEngine(t, func(c *Config) { c.QuorumThreshold = 2 })
	e.WithPublisher(pub)
	registerProviders(t, e, "oracle-a", "oracle-b")

	seed, err := e.SubmitUpdate("oracle-a", 1_000_000, 9000, digestFor("seed"))
	require.NoError(t, err)
	_, err = e.ConfirmPending("oracle-b", seed.Nonce, digestFor("seed-b"))
	require.NoError(t, err)

	// 50% jump: anomalous, but with quorum above 1 it escalates to
	// consensus instead of rejecting, and no penalty applies.
	res, err := e.SubmitUpdate("oracle-a", 1_500_000, 9000, digestFor("jump"))
	require.NoError(t, err, "Anomalous submission under quorum must not be rejected outright")
	assert.Equal(t, StatusPending, res.Status)

	rec, _ := e.providers.Get("oracle-a")
	assert.Zero(t, rec.FailedUpdates, "Escalation is not a failure")
	assert.Contains(t, pub.kinds(), notify.KindAnomaly, "Anomaly signal should be published")

	// The quorum can still ratify the large move.
	final, err := e.ConfirmPending("oracle-b", res.Nonce, digestFor("ratify"))
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, final.Status)
	assert.Equal(t, uint64(1_500_000), final.Observation.Value)
}

func TestEmergencyModeAfterConsecutiveFailures(t *testing.T) {
	pub := &recordingPublisher{}
	e, _ := newTestEngine(t, nil)
	e.WithPublisher(pub)
	registerProviders(t, e, "oracle-a")

	_, err := e.SubmitUpdate("oracle-a", 1_000_000, 9000, digestFor("base"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = e.SubmitUpdate("oracle-a", 2_000_000, 9000, digestFor("spike"))
		assert.ErrorIs(t, err, ErrDeviationRejected)
	}

	assert.True(t, e.EmergencyActive(), "Third consecutive failure must trip emergency mode")
	assert.Contains(t, pub.kinds(), notify.KindEmergency)

	// All writes are rejected while halted.
	_, err = e.SubmitUpdate("oracle-a", 1_000_000, 9000, digestFor("retry"))
	assert.ErrorIs(t, err, ErrEmergencyActive)
	_, err = e.ConfirmPending("oracle-a", 1, digestFor("confirm"))
	assert.ErrorIs(t, err, ErrEmergencyActive)

	// Reads still serve the last canonical value.
	obs, err := e.GetLatestPrice("reader-1")
	require.NoError(t, err, "Reads must survive emergency mode")
	assert.Equal(t, uint64(1_000_000), obs.Value)

	// Emergency mode is level triggered: it does not time out.
	assert.True(t, e.EmergencyActive())

	rec, _ := e.providers.Get("oracle-a")
	updatesBefore := rec.TotalUpdates

	// The override path works only while halted, with reduced confidence.
	over, err := e.EmergencyOverride(adminID, 1_200_000)
	require.NoError(t, err)
	assert.Equal(t, uint32(5000), over.Confidence)
	assert.Equal(t, adminID, over.Source)
	assert.True(t, e.EmergencyActive(), "Override does not clear the halt")
	assert.Equal(t, updatesBefore, rec.TotalUpdates, "Override is not attributed to any provider")

	require.NoError(t, e.DeactivateEmergencyMode(adminID))
	assert.False(t, e.EmergencyActive())
	assert.Zero(t, e.ConsecutiveFailures(), "Deactivation resets the failure run")

	_, err = e.SubmitUpdate("oracle-a", 1_250_000, 9000, digestFor("resume"))
	assert.NoError(t, err, "Writes resume after deactivation")
}

func TestEmergencyControlsRequireAdmin(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	assert.ErrorIs(t, e.ActivateEmergencyMode("rando", "because"), ErrAccessDenied)
	assert.ErrorIs(t, e.DeactivateEmergencyMode("rando"), ErrAccessDenied)
	_, err := e.EmergencyOverride("rando", 100)
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.ErrorIs(t, e.RegisterProvider("rando", "x", "https://x"), ErrAccessDenied)
	assert.ErrorIs(t, e.UpdateConfig("rando", "quorum_threshold", "2"), ErrAccessDenied)

	_, err = e.EmergencyOverride(adminID, 100)
	assert.ErrorIs(t, err, ErrEmergencyNotActive, "Override outside emergency mode must fail")
}

func TestInvalidObservationIsAttributable(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	registerProviders(t, e, "oracle-a")

	_, err := e.SubmitUpdate("oracle-a", 0, 9000, digestFor("zero"))
	assert.ErrorIs(t, err, ErrInvalidObservation)

	_, err = e.SubmitUpdate("oracle-a", 100, model.MaxConfidence+1, digestFor("over"))
	assert.ErrorIs(t, err, ErrInvalidObservation)

	rec, _ := e.providers.Get("oracle-a")
	assert.Equal(t, uint64(2), rec.FailedUpdates)
	assert.Equal(t, 2, e.ConsecutiveFailures())

	_, err = e.SubmitUpdate("unknown", 100, 9000, digestFor("ghost"))
	assert.ErrorIs(t, err, roster.ErrNotActive, "Unknown provider cannot submit")
}

func TestStalenessGating(t *testing.T) {
	e, clock := newTestEngine(t, func(c *Config) { c.StalenessCeiling = 10 * time.Minute })
	registerProviders(t, e, "oracle-a")

	// Never committed: stale by definition.
	_, err := e.GetLatestPrice("reader-1")
	assert.ErrorIs(t, err, ErrStalePrice)
	assert.True(t, e.CheckStaleness().IsStale)

	_, err = e.SubmitUpdate("oracle-a", 1_000_000, 9000, digestFor("v"))
	require.NoError(t, err)

	_, err = e.GetLatestPrice("reader-1")
	assert.NoError(t, err)

	*clock = clock.Add(11 * time.Minute)
	_, err = e.GetLatestPrice("reader-1")
	assert.ErrorIs(t, err, ErrStalePrice, "Aged-out observation must not serve")

	report := e.CheckStaleness()
	assert.True(t, report.IsStale)
	assert.Equal(t, 11*time.Minute, report.Staleness)

	// History and statistics remain available regardless of staleness.
	hist, err := e.GetPriceHistory("reader-1", 10)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestSubscriptionGating(t *testing.T) {
	e, clock := newTestEngine(t, func(c *Config) {
		c.PublicReads = false
		c.SubscriptionPrice = 500
		c.SubscriptionDuration = 24 * time.Hour
		c.StalenessCeiling = 365 * 24 * time.Hour
	})
	registerProviders(t, e, "oracle-a")
	_, err := e.SubmitUpdate("oracle-a", 1_000_000, 9000, digestFor("v"))
	require.NoError(t, err)

	_, err = e.GetLatestPrice("reader-1")
	assert.ErrorIs(t, err, access.ErrSubscriptionExpired, "Unsubscribed reads are rejected in gated mode")

	_, err = e.PurchaseSubscription("reader-1", 499)
	assert.ErrorIs(t, err, ErrInsufficientPayment)

	expiry, err := e.PurchaseSubscription("reader-1", 500)
	require.NoError(t, err)
	assert.Equal(t, clock.Add(24*time.Hour), expiry)

	_, err = e.GetLatestPrice("reader-1")
	assert.NoError(t, err)

	// Renewal before expiry is additive.
	expiry, err = e.PurchaseSubscription("reader-1", 500)
	require.NoError(t, err)
	assert.Equal(t, clock.Add(48*time.Hour), expiry)

	// The administrator always reads.
	_, err = e.GetLatestPrice(adminID)
	assert.NoError(t, err)

	*clock = clock.Add(49 * time.Hour)
	_, err = e.GetLatestPrice("reader-1")
	assert.ErrorIs(t, err, access.ErrSubscriptionExpired)

	// Renewal after expiry starts from now, not the lapsed expiry.
	expiry, err = e.PurchaseSubscription("reader-1", 500)
	require.NoError(t, err)
	assert.Equal(t, clock.Add(24*time.Hour), expiry)
}

func TestHistoryRetentionAndTWAP(t *testing.T) {
	e, clock := newTestEngine(t, func(c *Config) {
		c.HistoryCapacity = 5
		c.DeviationCeilingBps = 10000
		c.StalenessCeiling = 365 * 24 * time.Hour
	})
	registerProviders(t, e, "oracle-a")

	for i := 1; i <= 8; i++ {
		*clock = clock.Add(time.Minute)
		_, err := e.SubmitUpdate("oracle-a", uint64(i*100), 9000, digestFor("v"))
		require.NoError(t, err)
	}

	hist, err := e.GetPriceHistory("reader-1", 100)
	require.NoError(t, err)
	require.Len(t, hist, 5, "Ring keeps only the newest capacity observations")
	assert.Equal(t, uint64(800), hist[0].Value, "Newest first")
	assert.Equal(t, uint64(400), hist[4].Value, "Oldest retained is capacity back")

	// Statistics still reflect every commit ever made.
	stats, err := e.GetStatistics("reader-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), stats.UpdateCount)
	assert.Equal(t, uint64(100), stats.MinValue)

	// Single in-window observation: TWAP equals that value.
	twap, err := e.GetTWAP("reader-1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(800), twap)

	// Empty window yields zero rather than an error.
	twap, err = e.GetTWAP("reader-1", 0)
	require.NoError(t, err)
	assert.Zero(t, twap)
}

func TestUpdateConfigParameters(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	require.NoError(t, e.UpdateConfig(adminID, "quorum_threshold", "3"))
	require.NoError(t, e.UpdateConfig(adminID, "deviation_ceiling_bps", "500"))
	require.NoError(t, e.UpdateConfig(adminID, "staleness_ceiling", "30m"))
	require.NoError(t, e.UpdateConfig(adminID, "public_reads", "false"))

	cfg := e.Config()
	assert.Equal(t, 3, cfg.QuorumThreshold)
	assert.Equal(t, uint64(500), cfg.DeviationCeilingBps)
	assert.Equal(t, 30*time.Minute, cfg.StalenessCeiling)
	assert.False(t, cfg.PublicReads)

	assert.ErrorIs(t, e.UpdateConfig(adminID, "quorum_threshold", "0"), ErrConfigInvalid,
		"Mutation must not bypass validation")
	assert.ErrorIs(t, e.UpdateConfig(adminID, "quorum_threshold", "abc"), ErrConfigInvalid)
	assert.ErrorIs(t, e.UpdateConfig(adminID, "no_such_knob", "1"), ErrConfigInvalid)
	assert.Equal(t, 3, e.Config().QuorumThreshold, "Failed mutation leaves config untouched")
}

func TestProviderDeregistrationAndReactivation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	registerProviders(t, e, "oracle-a", "oracle-b")

	_, err := e.SubmitUpdate("oracle-a", 1_000_000, 9000, digestFor("v"))
	require.NoError(t, err)

	require.NoError(t, e.DeregisterProvider(adminID, "oracle-a", "rotation"))
	_, err = e.SubmitUpdate("oracle-a", 1_000_000, 9000, digestFor("v2"))
	assert.ErrorIs(t, err, roster.ErrNotActive)

	active := e.ListActiveProviders()
	require.Len(t, active, 1)
	assert.Equal(t, "oracle-b", active[0].ID)

	// Re-registration reactivates the retained record.
	require.NoError(t, e.RegisterProvider(adminID, "oracle-a", "https://new.example.com"))
	rec, ok := e.providers.Get("oracle-a")
	require.True(t, ok)
	assert.Equal(t, uint64(1), rec.TotalUpdates, "Audit counters survive deregistration")
	assert.Equal(t, "https://new.example.com", rec.Endpoint)
}

type stubRegistry struct {
	info types.FeedInfo
	err  error
}

func (s stubRegistry) GetFeedStatus(ctx context.Context, feedID string) (types.FeedInfo, error) {
	return s.info, s.err
}

func TestRegistrySync(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	info, err := e.SyncWithFeedRegistry(context.Background(), stubRegistry{
		info: types.FeedInfo{FeedID: feedID, Status: types.StatusLive},
	})
	require.NoError(t, err)
	assert.True(t, info.Status.IsLive())
	assert.False(t, e.EmergencyActive())

	_, err = e.SyncWithFeedRegistry(context.Background(), stubRegistry{
		info: types.FeedInfo{FeedID: feedID, Status: types.StatusPaused},
	})
	require.NoError(t, err)
	assert.True(t, e.EmergencyActive(), "Non-live registry status forces emergency mode")

	_, err = e.SyncWithFeedRegistry(context.Background(), stubRegistry{err: errors.New("boom")})
	assert.Error(t, err, "Registry failures surface to the caller")
}

func TestManagerIsolation(t *testing.T) {
	m, err := NewManager(DefaultConfig(), testAuthorizer())
	require.NoError(t, err)

	a, err := m.GetOrCreate("BTC-USD")
	require.NoError(t, err)
	b, err := m.GetOrCreate("ETH-USD")
	require.NoError(t, err)

	again, err := m.GetOrCreate("BTC-USD")
	require.NoError(t, err)
	assert.Same(t, a, again, "Same feed returns the same engine")

	require.NoError(t, a.RegisterProvider(adminID, "oracle-a", "https://a"))
	_, err = a.SubmitUpdate("oracle-a", 100, 9000, digestFor("v"))
	require.NoError(t, err)

	_, err = b.SubmitUpdate("oracle-a", 100, 9000, digestFor("v"))
	assert.ErrorIs(t, err, roster.ErrNotActive, "Feeds share no provider state")

	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, m.FeedIDs())
	assert.Equal(t, 2, m.Count())
}

func TestConcurrentSubmissions(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) { c.DeviationCeilingBps = 10000 })
	registerProviders(t, e, "oracle-a", "oracle-b", "oracle-c")

	_, err := e.SubmitUpdate("oracle-a", 1000, 9000, digestFor("seed"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, id := range []string{"oracle-a", "oracle-b", "oracle-c"} {
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(id string, i int) {
				defer wg.Done()
				_, _ = e.SubmitUpdate(id, uint64(1000+i), 9000, digestFor("c"))
				_, _ = e.GetLatestPrice("reader-1")
				e.CheckStaleness()
			}(id, i)
		}
	}
	wg.Wait()

	stats, err := e.GetStatistics(adminID)
	require.NoError(t, err)
	assert.Equal(t, uint64(61), stats.UpdateCount, "Every serialized write must be counted exactly once")
}
