package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FeedForge/reelcore/internal/media"
	"github.com/FeedForge/reelcore/internal/mediaurl"
	"github.com/FeedForge/reelcore/internal/metrics"
	"github.com/FeedForge/reelcore/internal/progressive"
)

// Initializer prepares the platform decode handle for a resource. The
// engine's default gates on progressive fetch readiness; the UI layer
// may inject its own.
type Initializer func(ctx context.Context, r *Resource) error

// Config tunes the pool.
type Config struct {
	// Capacity is the bound on occupied slots. It is advisory once
	// every occupant is pinned: rather than evicting a pinned entry,
	// the pool accepts a temporary overflow.
	Capacity int
	// InitTimeout bounds one initialization attempt.
	InitTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Capacity: 5, InitTimeout: 12 * time.Second}
}

// inflight tracks one initialization attempt so concurrent acquires of
// the same index await it instead of duplicating work.
type inflight struct {
	done chan struct{}
	res  *Resource
	err  error
}

// Pool owns a bounded set of playback resources keyed by feed index,
// reusing healthy handles and evicting the least recently used
// unpinned one when full.
type Pool struct {
	cfg      Config
	resolver *mediaurl.Resolver
	fetcher  *progressive.Fetcher
	initFn   Initializer
	logger   *zap.Logger

	mu       sync.Mutex
	slots    map[int]*Resource
	pinned   map[int]struct{}
	inflight map[int]*inflight
}

// PoolOption configures a Pool at construction.
type PoolOption func(*Pool)

// WithInitializer replaces the default progressive-readiness
// initializer.
func WithInitializer(fn Initializer) PoolOption {
	return func(p *Pool) { p.initFn = fn }
}

// New creates a pool. fetcher may be nil when media is not streamed
// through the progressive cache.
func New(cfg Config, resolver *mediaurl.Resolver, fetcher *progressive.Fetcher, logger *zap.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultConfig().InitTimeout
	}
	p := &Pool{
		cfg:      cfg,
		resolver: resolver,
		fetcher:  fetcher,
		logger:   logger,
		slots:    make(map[int]*Resource),
		pinned:   make(map[int]struct{}),
		inflight: make(map[int]*inflight),
	}
	p.initFn = p.progressiveInit
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// progressiveInit opens the resource URL through the progressive fetch
// cache and waits until enough is buffered for playback.
func (p *Pool) progressiveInit(ctx context.Context, r *Resource) error {
	if p.fetcher == nil {
		return nil
	}
	st, err := p.fetcher.Stream(ctx, r.item.ID, r.URL())
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.stream = st
	r.mu.Unlock()

	select {
	case <-st.Ready():
		return nil
	case <-st.Done():
		if err := st.Err(); err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire returns the resource for index, initializing one on a miss.
// A healthy existing handle is a hit. An errored handle is disposed
// and rebuilt. Initialization walks the item's candidate URLs in
// preference order, one bounded attempt each.
func (p *Pool) Acquire(ctx context.Context, index int, item media.Item) (*Resource, error) {
	for {
		p.mu.Lock()
		if fl, ok := p.inflight[index]; ok {
			p.mu.Unlock()
			select {
			case <-fl.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if fl.err == nil {
				fl.res.touch()
				return fl.res, nil
			}
			// The shared attempt failed; loop and try again ourselves.
			continue
		}

		if r, ok := p.slots[index]; ok {
			if r.State().healthy() {
				r.touch()
				p.mu.Unlock()
				metrics.PoolHits.Inc()
				return r, nil
			}
			// Errored handle: dispose before rebuilding.
			delete(p.slots, index)
			p.mu.Unlock()
			r.dispose()
			p.mu.Lock()
		}

		fl := &inflight{done: make(chan struct{})}
		p.inflight[index] = fl
		p.mu.Unlock()

		res, err := p.initialize(ctx, index, item)
		fl.res, fl.err = res, err

		p.mu.Lock()
		delete(p.inflight, index)
		var victim *Resource
		if err == nil {
			p.slots[index] = res
			victim = p.evictLocked(index)
			metrics.PoolSize.Set(float64(len(p.slots)))
		}
		p.mu.Unlock()
		close(fl.done)

		if victim != nil {
			metrics.PoolEvictions.Inc()
			p.logger.Info("evicted playback resource",
				zap.Int("index", victim.Index()),
				zap.String("media_id", victim.Item().ID))
			victim.dispose()
		}
		if err != nil {
			metrics.PoolInitFailures.Inc()
			return nil, err
		}
		return res, nil
	}
}

// initialize tries each candidate URL under the bounded timeout.
func (p *Pool) initialize(ctx context.Context, index int, item media.Item) (*Resource, error) {
	urls := p.resolver.Playable(item)
	if len(urls) == 0 {
		return nil, &InitError{Index: index, MediaID: item.ID, Attempts: 0, Last: ErrUnsupportedFormat}
	}

	var lastErr error
	for attempt, url := range urls {
		r := newResource(index, item, p.logger)
		r.mu.Lock()
		r.url = url
		r.state = StateInitializing
		r.mu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.InitTimeout)
		err := p.initFn(attemptCtx, r)
		cancel()

		if err == nil {
			r.mu.Lock()
			r.state = StateReady
			r.mu.Unlock()
			return r, nil
		}

		if attemptCtx.Err() == context.DeadlineExceeded {
			err = ErrInitTimeout
		}
		lastErr = err
		r.dispose()
		p.logger.Warn("resource initialization attempt failed",
			zap.Int("index", index),
			zap.Int("attempt", attempt),
			zap.String("url", url),
			zap.Error(err))

		if ctx.Err() != nil {
			break
		}
	}
	return nil, &InitError{Index: index, MediaID: item.ID, Attempts: len(urls), Last: lastErr}
}

// evictLocked removes the least recently accessed unpinned slot when
// over capacity, sparing keep. Returns the victim to dispose, or nil
// when everything else is pinned (accepted overflow). Caller holds
// p.mu.
func (p *Pool) evictLocked(keep int) *Resource {
	if len(p.slots) <= p.cfg.Capacity {
		return nil
	}
	var victim *Resource
	for idx, r := range p.slots {
		if idx == keep {
			continue
		}
		if _, pinnedIdx := p.pinned[idx]; pinnedIdx {
			continue
		}
		if victim == nil || r.LastAccess().Before(victim.LastAccess()) {
			victim = r
		}
	}
	if victim == nil {
		p.logger.Warn("pool over capacity with all slots pinned, accepting overflow",
			zap.Int("size", len(p.slots)),
			zap.Int("capacity", p.cfg.Capacity))
		return nil
	}
	delete(p.slots, victim.Index())
	return victim
}

// Release disposes and removes the resource at index, if present.
func (p *Pool) Release(index int) {
	p.mu.Lock()
	r, ok := p.slots[index]
	if ok {
		delete(p.slots, index)
	}
	metrics.PoolSize.Set(float64(len(p.slots)))
	p.mu.Unlock()
	if ok {
		r.dispose()
	}
}

// Pin marks indices as eviction-exempt.
func (p *Pool) Pin(indices ...int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, idx := range indices {
		p.pinned[idx] = struct{}{}
	}
}

// Unpin removes eviction exemption.
func (p *Pool) Unpin(indices ...int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, idx := range indices {
		delete(p.pinned, idx)
	}
}

// Get returns the resource at index without affecting recency.
func (p *Pool) Get(index int) (*Resource, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.slots[index]
	return r, ok
}

// Busy reports whether index has an initialization in flight.
func (p *Pool) Busy(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[index]
	return ok
}

// Len returns the number of occupied slots.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Indices returns the occupied feed positions.
func (p *Pool) Indices() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.slots))
	for idx := range p.slots {
		out = append(out, idx)
	}
	return out
}

// Shutdown disposes every resource.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	resources := make([]*Resource, 0, len(p.slots))
	for _, r := range p.slots {
		resources = append(resources, r)
	}
	p.slots = make(map[int]*Resource)
	p.mu.Unlock()

	for _, r := range resources {
		r.dispose()
	}
	metrics.PoolSize.Set(0)
}
