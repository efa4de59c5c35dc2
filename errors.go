package sigclient

import (
	"errors"
	"fmt"
)

var (
	ErrNotOpen            = errors.New("connection not open")
	ErrClosed             = errors.New("connection closed")
	ErrConnectionLost     = errors.New("connection lost")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrAckTimeout         = errors.New("acknowledgement timeout")
	ErrWaitTimeout        = errors.New("wait timeout")
	ErrWriteRejected      = errors.New("write rejected")

	errServerReconnect    = errors.New("server requested reconnect")
	errReconnectRequested = errors.New("reconnect requested")
)

// TimeoutError is returned once every attempt of an acknowledged send timed
// out. It matches ErrAckTimeout with errors.Is.
type TimeoutError struct {
	Type      string
	MessageID string
	Attempts  int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no acknowledgement for %s frame %s after %d attempts", e.Type, e.MessageID, e.Attempts)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrAckTimeout
}
