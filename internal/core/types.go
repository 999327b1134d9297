package core

import (
	"fmt"
	"time"
)

// Tier is a page render quality level.
type Tier string

const (
	// TierFast favors latency: lower resolution, stronger compression.
	TierFast Tier = "fast"
	// TierHigh favors fidelity.
	TierHigh Tier = "high"
)

// Rank orders tiers so that a higher rank supersedes a lower one.
func (t Tier) Rank() int {
	switch t {
	case TierFast:
		return 1
	case TierHigh:
		return 2
	default:
		return 0
	}
}

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierFast, TierHigh:
		return Tier(s), nil
	default:
		return "", fmt.Errorf("unknown tier %q (valid: fast, high)", s)
	}
}

// Document is a raw document payload as delivered by the origin.
type Document struct {
	ID          string
	Data        []byte
	Token       string
	ContentType string
}

// RemoteMetadata is the lightweight freshness information for a document.
type RemoteMetadata struct {
	Token       string `json:"token"`
	Size        int64  `json:"size,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// PageInfo describes one page of a decoded document.
type PageInfo struct {
	Index  int `json:"index"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Descriptor is the result of decoding a document. Page indices are stable
// and contiguous from 0 to PageCount-1.
type Descriptor struct {
	Format    string     `json:"format"`
	PageCount int        `json:"page_count"`
	Pages     []PageInfo `json:"pages"`

	// Source holds renderer-private decoded state; nil for callers.
	Source any `json:"-"`
}

// RenderedPage is one encoded page image at a given tier.
type RenderedPage struct {
	Index      int       `json:"index"`
	Tier       Tier      `json:"tier"`
	Image      []byte    `json:"image"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	RenderedAt time.Time `json:"rendered_at"`
}

// Supersedes reports whether p should replace other for the same index.
func (p RenderedPage) Supersedes(other RenderedPage) bool {
	return p.Tier.Rank() >= other.Tier.Rank()
}

// LoadSource tells where the bytes of a load came from.
type LoadSource string

const (
	SourceCache       LoadSource = "cache"
	SourceNetwork     LoadSource = "network"
	SourceRevalidated LoadSource = "revalidated"
	SourceStale       LoadSource = "stale"
)

// LoadMeta accompanies staged load events.
type LoadMeta struct {
	DocumentID string     `json:"document_id"`
	LoadID     string     `json:"load_id"`
	Token      string     `json:"token"`
	Source     LoadSource `json:"source"`
	PageCount  int        `json:"page_count"`
	Format     string     `json:"format"`
	StartedAt  time.Time  `json:"started_at"`
}
