package pool

import "fmt"

// Common errors
var (
	ErrInitTimeout       = fmt.Errorf("resource initialization timeout")
	ErrUnsupportedFormat = fmt.Errorf("unsupported media format")
)

// InitError reports an acquisition that exhausted every candidate URL.
type InitError struct {
	Index    int
	MediaID  string
	Attempts int
	Last     error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialize resource %d (%s): %d attempts failed: %v",
		e.Index, e.MediaID, e.Attempts, e.Last)
}

func (e *InitError) Unwrap() error { return e.Last }

// TransitionError reports an illegal resource state transition.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}
