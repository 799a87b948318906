// Package registry provides the read-only client for the external feed
// registry, the marketplace that owns feed lifecycle and billing. The engine
// only ever pulls status from it.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/oracle-feed-engine/internal/types"
)

// StatusSource is the capability the engine consumes. Satisfied by Client and
// by test doubles.
type StatusSource interface {
	GetFeedStatus(ctx context.Context, feedID string) (types.FeedInfo, error)
}

// Client talks to the feed registry over HTTP with retries.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
}

// NewClient creates a registry client for the given base URL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: newRetryClient(),
		apiKey:     apiKey,
	}
}

// GetFeedStatus retrieves the registry's current view of a feed.
func (c *Client) GetFeedStatus(ctx context.Context, feedID string) (types.FeedInfo, error) {
	url := fmt.Sprintf("%s/v1/feeds/%s/status", c.baseURL, feedID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.FeedInfo{}, fmt.Errorf("error creating request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	logrus.Debugf("Fetching feed status from registry: %s", url)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.FeedInfo{}, fmt.Errorf("error fetching feed status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return types.FeedInfo{}, fmt.Errorf("registry error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var response struct {
		FeedID             string `json:"feed_id"`
		Status             string `json:"status"`
		TargetFrequencySec int64  `json:"target_frequency_seconds"`
		AssetLabel         string `json:"asset_label"`
		TargetChainLabel   string `json:"target_chain_label"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return types.FeedInfo{}, fmt.Errorf("error decoding registry response: %w", err)
	}

	info := types.FeedInfo{
		FeedID:           response.FeedID,
		Status:           types.FeedStatus(response.Status),
		TargetFrequency:  time.Duration(response.TargetFrequencySec) * time.Second,
		AssetLabel:       response.AssetLabel,
		TargetChainLabel: response.TargetChainLabel,
	}

	logrus.WithFields(logrus.Fields{
		"feed":   feedID,
		"status": info.Status,
		"asset":  info.AssetLabel,
	}).Debug("Feed status fetched")
	return info, nil
}

// newRetryClient creates an HTTP client with retry capabilities
func newRetryClient() *http.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.Logger = nil
	return c.StandardClient()
}
