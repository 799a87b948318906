package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/oracle-feed-engine/internal/auth"
	"github.com/yourorg/oracle-feed-engine/internal/notify"
)

// Manager hosts independent feed engines keyed by feed identifier. Feeds
// share nothing but the authorizer, publisher, and default configuration.
type Manager struct {
	mu sync.RWMutex

	feeds      map[string]*Engine
	defaults   Config
	authorizer auth.Authorizer
	publisher  notify.Publisher
	clock      func() time.Time
}

// NewManager constructs a feed manager with per-feed defaults.
func NewManager(defaults Config, authorizer auth.Authorizer) (*Manager, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		feeds:      make(map[string]*Engine),
		defaults:   defaults,
		authorizer: authorizer,
		publisher:  notify.Noop{},
	}, nil
}

// WithPublisher sets the publisher handed to every new feed engine.
func (m *Manager) WithPublisher(p notify.Publisher) *Manager {
	if p != nil {
		m.publisher = p
	}
	return m
}

// WithClock sets the time source handed to every new feed engine.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.clock = now
	return m
}

// Get returns the engine for a feed, if one exists.
func (m *Manager) Get(feedID string) (*Engine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.feeds[feedID]
	return e, ok
}

// GetOrCreate returns the engine for a feed, lazily constructing it from the
// defaults on first use.
func (m *Manager) GetOrCreate(feedID string) (*Engine, error) {
	m.mu.RLock()
	e, ok := m.feeds[feedID]
	m.mu.RUnlock()
	if ok {
		return e, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.feeds[feedID]; ok {
		return e, nil
	}

	e, err := New(feedID, m.defaults, m.authorizer)
	if err != nil {
		return nil, err
	}
	e.WithPublisher(m.publisher)
	if m.clock != nil {
		e.WithClock(m.clock)
	}
	m.feeds[feedID] = e

	logrus.WithField("feed", feedID).Info("Feed engine created")
	return e, nil
}

// FeedIDs returns the hosted feed identifiers, sorted.
func (m *Manager) FeedIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.feeds))
	for id := range m.feeds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of hosted feeds.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.feeds)
}
