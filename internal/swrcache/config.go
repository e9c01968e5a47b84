package swrcache

import "time"

// Category identifies a class of cached documents. Each category has
// its own freshness and capacity policy.
type Category int

const (
	CategoryMediaList Category = iota
	CategoryProfile
	CategoryAdList
	CategoryGeneric
)

// String returns the category name used in keys, metrics and the
// durable tier layout.
func (c Category) String() string {
	switch c {
	case CategoryMediaList:
		return "media-list"
	case CategoryProfile:
		return "profile"
	case CategoryAdList:
		return "ad-list"
	default:
		return "generic"
	}
}

// CategoryByName maps a category name back to its Category.
func CategoryByName(name string) (Category, bool) {
	switch name {
	case "media-list":
		return CategoryMediaList, true
	case "profile":
		return CategoryProfile, true
	case "ad-list":
		return CategoryAdList, true
	case "generic":
		return CategoryGeneric, true
	default:
		return CategoryGeneric, false
	}
}

// Key addresses one cached document: a category plus an identifier
// within it.
type Key struct {
	Category Category
	ID       string
}

// String returns "category/id".
func (k Key) String() string {
	return k.Category.String() + "/" + k.ID
}

// CategoryConfig is the per-category cache policy.
type CategoryConfig struct {
	// MaxAge is the freshness window for entries of this category.
	MaxAge time.Duration
	// Capacity is the in-memory entry count before a sweep.
	Capacity int
	// ServeStale enables returning expired entries while a background
	// refresh runs.
	ServeStale bool
	// Paginated marks categories whose payloads are collections; an
	// empty collection is treated as a transient placeholder and is
	// never cached.
	Paginated bool
	// Durable persists entries of this category to disk.
	Durable bool
}

// defaultConfigs is the built-in policy table.
var defaultConfigs = map[Category]CategoryConfig{
	CategoryMediaList: {MaxAge: 5 * time.Minute, Capacity: 50, ServeStale: true, Paginated: true, Durable: true},
	CategoryProfile:   {MaxAge: 10 * time.Minute, Capacity: 100, ServeStale: true},
	CategoryAdList:    {MaxAge: 3 * time.Minute, Capacity: 20, ServeStale: false, Paginated: true},
	CategoryGeneric:   {MaxAge: 5 * time.Minute, Capacity: 100, ServeStale: true},
}

// ConfigFor returns the policy for a category, falling back to the
// generic policy.
func ConfigFor(c Category) CategoryConfig {
	if cfg, ok := defaultConfigs[c]; ok {
		return cfg
	}
	return defaultConfigs[CategoryGeneric]
}
