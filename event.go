package sigclient

import (
	"context"
	"sync"
)

// Event is a one-shot latch carrying the outcome of an operation that many
// callers may wait on.
type Event struct {
	m    sync.Mutex
	v    bool
	err  error
	done chan struct{}
}

func NewEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// Set records the outcome and releases every waiter. Only the first call
// has an effect.
func (e *Event) Set(err error) bool {
	e.m.Lock()
	defer e.m.Unlock()

	if e.v {
		return false
	}
	e.v = true
	e.err = err
	close(e.done)
	return true
}

func (e *Event) IsSet() bool {
	e.m.Lock()
	defer e.m.Unlock()
	return e.v
}

func (e *Event) Err() error {
	e.m.Lock()
	defer e.m.Unlock()
	return e.err
}

func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
