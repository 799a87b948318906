// Package notify delivers engine signals (anomalies, emergency transitions,
// commits) to an external webhook. Delivery is best-effort: the engine
// inspects the returned Result, logs failures, and carries on.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/oracle-feed-engine/internal/fingerprint"
)

// EventKind labels what a notification describes.
type EventKind string

// Notification kinds
const (
	KindAnomaly   EventKind = "anomaly"
	KindEmergency EventKind = "emergency"
	KindCommit    EventKind = "commit"
)

// Event is one engine signal.
type Event struct {
	ID       string    `json:"id"`
	Kind     EventKind `json:"kind"`
	FeedID   string    `json:"feed_id"`
	Provider string    `json:"provider,omitempty"`
	Value    uint64    `json:"value,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// NewEvent creates an event with a fresh ID and timestamp.
func NewEvent(kind EventKind, feedID, provider string, value uint64, detail string) Event {
	return Event{
		ID:       uuid.NewString(),
		Kind:     kind,
		FeedID:   feedID,
		Provider: provider,
		Value:    value,
		Detail:   detail,
		At:       time.Now().UTC(),
	}
}

// Result reports whether an event was accepted for delivery. Publish never
// panics and never blocks on the network; a false Accepted with a non-nil Err
// is the explicit signal the orchestrator logs and ignores.
type Result struct {
	Accepted bool
	Err      error
}

// Publisher is the capability the engine holds.
type Publisher interface {
	Publish(event Event) Result
}

// Noop is a Publisher that accepts and drops everything.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(Event) Result { return Result{Accepted: true} }

// WebhookConfig holds configuration for webhook delivery.
type WebhookConfig struct {
	URL           string        `json:"url"`
	APIKey        string        `json:"api_key,omitempty"`
	BatchSize     int           `json:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval"`
}

// Webhook batches events and posts them to a configured endpoint.
type Webhook struct {
	config     WebhookConfig
	httpClient *http.Client

	mutex sync.Mutex
	batch []Event

	flushCtx    context.Context
	flushCancel context.CancelFunc
}

// ErrBufferFull is returned when the pending batch cannot accept more events.
var ErrBufferFull = errors.New("notification buffer full")

// maxBuffered bounds the pending batch so a dead endpoint cannot grow memory.
const maxBuffered = 1000

// NewWebhook creates a webhook publisher and starts its periodic flush loop.
func NewWebhook(config WebhookConfig) *Webhook {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Minute
	}

	w := &Webhook{
		config: config,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
				IdleConnTimeout: 90 * time.Second,
			},
		},
		batch: make([]Event, 0, config.BatchSize),
	}

	w.flushCtx, w.flushCancel = context.WithCancel(context.Background())
	go w.periodicFlush()

	logrus.Info("Webhook notifier initialized")
	return w
}

// Publish enqueues an event for the next flush.
func (w *Webhook) Publish(event Event) Result {
	if w.config.URL == "" {
		return Result{Accepted: false, Err: errors.New("webhook URL not configured")}
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	if len(w.batch) >= maxBuffered {
		return Result{Accepted: false, Err: ErrBufferFull}
	}

	w.batch = append(w.batch, event)
	if len(w.batch) >= w.config.BatchSize {
		go w.flush()
	}
	return Result{Accepted: true}
}

// periodicFlush posts pending events on the configured interval.
func (w *Webhook) periodicFlush() {
	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flush()
		case <-w.flushCtx.Done():
			return
		}
	}
}

// flush posts the current batch, if any.
func (w *Webhook) flush() {
	w.mutex.Lock()
	if len(w.batch) == 0 {
		w.mutex.Unlock()
		return
	}
	events := make([]Event, len(w.batch))
	copy(events, w.batch)
	w.batch = w.batch[:0]
	w.mutex.Unlock()

	if err := w.post(events); err != nil {
		logrus.Errorf("Failed to deliver %d notifications: %v", len(events), err)
		return
	}
	logrus.Debugf("Delivered %d notifications", len(events))
}

// post sends one batch to the webhook endpoint. The payload carries a SHA-256
// checksum of the event list so receivers can detect truncation in transit.
func (w *Webhook) post(events []Event) error {
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	payload := struct {
		Events   json.RawMessage `json:"events"`
		Count    int             `json:"count"`
		Checksum string          `json:"checksum"`
		SentAt   string          `json:"sent_at"`
	}{
		Events:   eventsJSON,
		Count:    len(events),
		Checksum: fingerprint.Checksum(eventsJSON).Hex(),
		SentAt:   time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.config.APIKey)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// Stop halts the flush loop and delivers anything still buffered.
func (w *Webhook) Stop() {
	if w.flushCancel != nil {
		w.flushCancel()
	}
	w.flush()
}
