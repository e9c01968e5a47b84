package progressive

import (
	"sync"

	"github.com/google/uuid"
)

// Stream is one in-flight progressive fetch. It is a lazy chunk
// sequence for a single consumer; it cannot be restarted mid-flight,
// a fresh Stream call starts over.
type Stream struct {
	ID      string
	MediaID string
	URL     string

	chunks chan []byte
	ready  chan struct{}
	done   chan struct{}
	cancel chan struct{}

	mu         sync.Mutex
	err        error
	received   int64
	readyOnce  sync.Once
	doneOnce   sync.Once
	cancelOnce sync.Once
	fromDisk   bool

	// onAbort unblocks the transport read; set by the fetcher for
	// network-backed streams.
	onAbort func()
}

func newStream(mediaID, url string, fromDisk bool) *Stream {
	return &Stream{
		ID:       uuid.New().String(),
		MediaID:  mediaID,
		URL:      url,
		chunks:   make(chan []byte, 8),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		cancel:   make(chan struct{}),
		fromDisk: fromDisk,
	}
}

// Chunks returns the chunk sequence. The channel closes at end of
// stream; check Err afterwards.
func (s *Stream) Chunks() <-chan []byte {
	return s.chunks
}

// Ready is closed once enough bytes are buffered for playback to
// start.
func (s *Stream) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed when the stream has finished, successfully or not.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Received returns total bytes received so far.
func (s *Stream) Received() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// FromDisk reports whether this stream replays the local cache file
// instead of the network.
func (s *Stream) FromDisk() bool {
	return s.fromDisk
}

func (s *Stream) addReceived(n int64) {
	s.mu.Lock()
	s.received += n
	s.mu.Unlock()
}

func (s *Stream) signalReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Stream) finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.chunks)
		close(s.done)
	})
}

// Abort cancels the stream cooperatively. The pump stops at its next
// check; safe to call more than once.
func (s *Stream) Abort() {
	s.cancelOnce.Do(func() {
		close(s.cancel)
		if s.onAbort != nil {
			s.onAbort()
		}
	})
}
