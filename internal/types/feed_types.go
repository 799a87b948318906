// Package types contains shared type definitions used across multiple packages
package types

import "time"

// FeedStatus represents the lifecycle state of a feed as reported by the
// external feed registry. The engine only consumes these; the registry owns
// the approval workflow.
type FeedStatus string

// Feed lifecycle states
const (
	StatusRequested   FeedStatus = "requested"
	StatusUnderReview FeedStatus = "under_review"
	StatusApproved    FeedStatus = "approved"
	StatusLive        FeedStatus = "live"
	StatusPaused      FeedStatus = "paused"
	StatusExpired     FeedStatus = "expired"
	StatusArchived    FeedStatus = "archived"
)

// IsLive reports whether the registry considers the feed operational.
func (s FeedStatus) IsLive() bool {
	return s == StatusLive
}

// FeedInfo is the registry's view of a single feed.
type FeedInfo struct {
	FeedID           string        `json:"feed_id"`
	Status           FeedStatus    `json:"status"`
	TargetFrequency  time.Duration `json:"target_frequency"`
	AssetLabel       string        `json:"asset_label"`       // e.g. "ETH/USD"
	TargetChainLabel string        `json:"target_chain_label"` // e.g. "ethereum"
}
