package swrcache

import (
	"time"
)

// Entry is one cached record. Payload holds the fetched value, or a
// json.RawMessage when the entry was rehydrated from the durable tier.
type Entry struct {
	Payload      any
	CreatedAt    time.Time
	MaxAge       time.Duration
	AccessCount  int64
	LastAccessed time.Time
}

// Age returns how long ago the entry was created or last refreshed.
func (e *Entry) Age() time.Duration {
	return time.Since(e.CreatedAt)
}

// IsExpired reports whether the entry is past its max age.
func (e *Entry) IsExpired() bool {
	return e.Age() > e.MaxAge
}

// refreshFraction is the portion of max-age after which a hit also
// schedules a background refresh.
const refreshFraction = 0.8

// ShouldRefresh reports whether the entry is fresh but old enough that
// a background refresh is worthwhile.
func (e *Entry) ShouldRefresh() bool {
	return e.Age() > time.Duration(float64(e.MaxAge)*refreshFraction)
}

// touch records an access. LastAccessed never precedes CreatedAt.
func (e *Entry) touch() {
	e.AccessCount++
	e.LastAccessed = time.Now()
}
