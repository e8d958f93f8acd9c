package backend

import (
	"sync"

	"github.com/born-ml/kfuse/internal/tensor"
)

// Signal is an event completed exactly once by its producer.
type Signal struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewSignal returns a pending event.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Complete marks the event finished with err. Later calls are ignored.
func (s *Signal) Complete(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Wait blocks until the event completed and returns its error.
func (s *Signal) Wait() error {
	<-s.done
	return s.err
}

// Done reports whether the event completed.
func (s *Signal) Done() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Completed returns an event that is already finished with err.
func Completed(err error) tensor.Event {
	s := NewSignal()
	s.Complete(err)
	return s
}

// WaitAll waits for every event and returns the first error.
func WaitAll(events []tensor.Event) error {
	var first error
	for _, e := range events {
		if e == nil {
			continue
		}
		if err := e.Wait(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
