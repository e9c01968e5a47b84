package media

import (
	"context"
	"time"
)

// Item describes one playable feed entry. It is supplied by the feed
// service and treated as read-only by the delivery engine.
type Item struct {
	ID           string        `json:"id"`
	URL          string        `json:"url"`
	FallbackURLs []string      `json:"fallback_urls,omitempty"`
	Duration     time.Duration `json:"duration"`
	AspectRatio  float64       `json:"aspect_ratio"`
}

// IsZero reports whether the item carries no usable media reference.
func (i Item) IsZero() bool {
	return i.ID == "" && i.URL == ""
}

// CandidateURLs returns the primary URL followed by its fallbacks,
// in preference order.
func (i Item) CandidateURLs() []string {
	urls := make([]string, 0, 1+len(i.FallbackURLs))
	if i.URL != "" {
		urls = append(urls, i.URL)
	}
	urls = append(urls, i.FallbackURLs...)
	return urls
}

// FeedService supplies ordered feed items. Implemented by the business
// data layer; the engine only reads from it.
type FeedService interface {
	// ItemAt returns the item at the given feed position.
	ItemAt(ctx context.Context, index int) (Item, error)

	// Len returns the number of items currently known to the feed.
	Len() int
}
