package connectivity

import (
	"sync"

	"go.uber.org/zap"
)

// State is the platform link state as last reported.
type State int

const (
	StateUnknown State = iota
	StateOffline
	StateCellular
	StateWifi
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateCellular:
		return "cellular"
	case StateWifi:
		return "wifi"
	default:
		return "unknown"
	}
}

// Online reports whether the state carries network access.
func (s State) Online() bool {
	return s == StateCellular || s == StateWifi
}

// Monitor fans out platform connectivity changes to subscribers.
// Subscription returns an unregister handle so listeners cannot be
// leaked by forgetting a removal call elsewhere.
type Monitor struct {
	mu      sync.RWMutex
	state   State
	nextID  int
	subs    map[int]func(State)
	logger  *zap.Logger
	changes int64
}

// NewMonitor creates a monitor in the unknown state.
func NewMonitor(logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		state:  StateUnknown,
		subs:   make(map[int]func(State)),
		logger: logger,
	}
}

// State returns the last reported link state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers fn for future state changes and returns the
// function that removes the registration.
func (m *Monitor) Subscribe(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// SetState records a platform-reported link change and notifies
// subscribers. Repeated reports of the same state are dropped.
func (m *Monitor) SetState(s State) {
	m.mu.Lock()
	if s == m.state {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.changes++
	fns := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.String("state", s.String()))
	for _, fn := range fns {
		fn(s)
	}
}
