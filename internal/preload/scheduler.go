package preload

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/FeedForge/reelcore/internal/media"
	"github.com/FeedForge/reelcore/internal/metrics"
	"github.com/FeedForge/reelcore/internal/pool"
)

// Profile sets the look-ahead window and task concurrency. Presets are
// chosen by the caller based on device and network class.
type Profile struct {
	Ahead       int `yaml:"ahead"`
	Behind      int `yaml:"behind"`
	Concurrency int `yaml:"concurrency"`
}

// Preset profiles.
var (
	ProfileAggressive = Profile{Ahead: 3, Behind: 1, Concurrency: 3}
	ProfileLite       = Profile{Ahead: 1, Behind: 1, Concurrency: 1}
)

// ProfileByName maps a configured preset name to its profile,
// defaulting to lite.
func ProfileByName(name string) Profile {
	if name == "aggressive" {
		return ProfileAggressive
	}
	return ProfileLite
}

// task is one ephemeral preload unit. It dies when its work completes
// or its epoch is superseded.
type task struct {
	index    int
	priority int
	epoch    uint64
}

// Scheduler turns viewport positions into prioritized, concurrency-
// bounded preload work against the resource pool. Every viewport
// change advances a monotonic epoch; tasks re-check their captured
// epoch before doing anything effectful, so stale work aborts with no
// side effects.
type Scheduler struct {
	pool   *pool.Pool
	feed   media.FeedService
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	profile  Profile
	epoch    uint64
	inFlight map[int]struct{}
}

// NewScheduler creates a scheduler driving p from feed positions.
func NewScheduler(profile Profile, p *pool.Pool, feed media.FeedService, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		pool:     p,
		feed:     feed,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		profile:  profile,
		inFlight: make(map[int]struct{}),
	}
}

// Epoch returns the current epoch.
func (s *Scheduler) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// SetProfile swaps the preload profile at runtime.
func (s *Scheduler) SetProfile(p Profile) {
	s.mu.Lock()
	s.profile = p
	s.mu.Unlock()
	s.logger.Info("preload profile changed",
		zap.Int("ahead", p.Ahead),
		zap.Int("behind", p.Behind),
		zap.Int("concurrency", p.Concurrency))
}

// OnViewportChanged reports that index is now visible. All previously
// dispatched work is invalidated and a fresh prioritized batch is
// dispatched.
func (s *Scheduler) OnViewportChanged(index int) {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	profile := s.profile
	candidates := s.candidates(index, profile, epoch)

	dispatched := 0
	for _, t := range candidates {
		if dispatched >= profile.Concurrency {
			break
		}
		if _, busy := s.inFlight[t.index]; busy {
			continue
		}
		s.inFlight[t.index] = struct{}{}
		s.wg.Add(1)
		go s.run(t)
		dispatched++
	}
	s.mu.Unlock()
}

// candidates builds the priority-ordered task list around index:
// the visible item first, then the look-ahead range, then the
// look-behind range. Out-of-range indices are dropped, but a feed
// that has not reported a length yet (zero) filters nothing ahead:
// the first page fetch is what teaches the feed its length, so
// filtering on zero would never dispatch anything. Caller holds s.mu.
func (s *Scheduler) candidates(index int, profile Profile, epoch uint64) []task {
	known := s.feed.Len()
	var out []task
	add := func(idx, prio int) {
		if idx < 0 || (known > 0 && idx >= known) {
			return
		}
		out = append(out, task{index: idx, priority: prio, epoch: epoch})
	}

	add(index, 0)
	prio := 1
	for i := 1; i <= profile.Ahead; i++ {
		add(index+i, prio)
		prio++
	}
	for i := 1; i <= profile.Behind; i++ {
		add(index-i, prio)
		prio++
	}

	sort.Slice(out, func(i, j int) bool { return out[i].priority < out[j].priority })
	return out
}

// run executes one preload task. The epoch is re-checked before any
// network or pool-mutating work.
func (s *Scheduler) run(t task) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, t.index)
		s.mu.Unlock()
	}()

	if s.stale(t) {
		metrics.PreloadStale.Inc()
		return
	}

	item, err := s.feed.ItemAt(s.ctx, t.index)
	if err != nil {
		s.logger.Warn("feed lookup failed",
			zap.Int("index", t.index),
			zap.Error(err))
		return
	}
	if item.IsZero() {
		return
	}

	// The fetch above may have outlived the viewport; re-validate
	// before touching the pool.
	if s.stale(t) {
		metrics.PreloadStale.Inc()
		return
	}

	metrics.PreloadDispatched.Inc()
	if _, err := s.pool.Acquire(s.ctx, t.index, item); err != nil {
		// A failed preload never affects sibling tasks.
		s.logger.Warn("preload failed",
			zap.Int("index", t.index),
			zap.Int("priority", t.priority),
			zap.Error(err))
	}
}

func (s *Scheduler) stale(t task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.epoch != s.epoch
}

// InFlight returns the number of currently dispatched tasks.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// Close cancels outstanding work and waits for tasks to finish.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}
