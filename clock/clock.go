// Package clock abstracts wall-clock time and timer scheduling so the
// reliability components can be driven deterministically in tests.
package clock

import "time"

// Timer is a handle on a scheduled callback.
type Timer interface {
	// Stop cancels the callback. It returns false if the callback already
	// ran or was stopped.
	Stop() bool
}

// Clock provides the current time and one-shot scheduled callbacks.
//
// Callbacks run on a goroutine owned by the Clock implementation and must
// not assume they hold any caller lock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real returns the Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
