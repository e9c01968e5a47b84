package pool

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FeedForge/reelcore/internal/media"
	"github.com/FeedForge/reelcore/internal/progressive"
)

// State is the lifecycle state of a playback resource.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StatePlaying
	StatePaused
	StateError
	StateDisposed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	case StateDisposed:
		return "disposed"
	default:
		return "invalid"
	}
}

// healthy reports whether an existing handle can be served as a hit.
func (s State) healthy() bool {
	return s == StateReady || s == StatePlaying || s == StatePaused
}

// Resource is one occupied pool slot: a decode/playback handle bound
// to a feed index and media item. It is owned exclusively by the Pool.
type Resource struct {
	mu         sync.Mutex
	index      int
	item       media.Item
	url        string
	state      State
	lastAccess time.Time
	stream     *progressive.Stream
	err        error
	logger     *zap.Logger
}

func newResource(index int, item media.Item, logger *zap.Logger) *Resource {
	return &Resource{
		index:      index,
		item:       item,
		state:      StateUninitialized,
		lastAccess: time.Now(),
		logger:     logger,
	}
}

// Index returns the bound feed position.
func (r *Resource) Index() int { return r.index }

// Item returns the bound media item.
func (r *Resource) Item() media.Item { return r.item }

// URL returns the resolved playable URL.
func (r *Resource) URL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.url
}

// State returns the current lifecycle state.
func (r *Resource) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stream returns the progressive stream backing this resource, if any.
func (r *Resource) Stream() *progressive.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream
}

// LastAccess returns when the resource was last requested.
func (r *Resource) LastAccess() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAccess
}

// Err returns the error that put the resource into StateError.
func (r *Resource) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Resource) touch() {
	r.mu.Lock()
	r.lastAccess = time.Now()
	r.mu.Unlock()
}

// Play starts or resumes playback.
func (r *Resource) Play() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateReady, StatePaused:
		r.state = StatePlaying
		return nil
	case StatePlaying:
		return nil
	default:
		return &TransitionError{From: r.state, To: StatePlaying}
	}
}

// Pause suspends playback.
func (r *Resource) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StatePlaying, StateReady:
		r.state = StatePaused
		return nil
	case StatePaused:
		return nil
	default:
		return &TransitionError{From: r.state, To: StatePaused}
	}
}

// MarkError records a playback failure. The only exit from error is
// disposal.
func (r *Resource) MarkError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateDisposed {
		return
	}
	r.state = StateError
	r.err = err
}

// dispose silences the resource, releases its stream and marks it
// terminal. Disposal must happen exactly once; a second call is a
// defect and is logged, not executed.
func (r *Resource) dispose() {
	r.mu.Lock()
	if r.state == StateDisposed {
		r.mu.Unlock()
		r.logger.Error("double disposal of playback resource",
			zap.Int("index", r.index),
			zap.String("media_id", r.item.ID))
		return
	}
	// Silence before releasing decode state to avoid artifacts.
	if r.state == StatePlaying {
		r.state = StatePaused
	}
	stream := r.stream
	r.stream = nil
	r.state = StateDisposed
	r.mu.Unlock()

	if stream != nil {
		stream.Abort()
	}
}
