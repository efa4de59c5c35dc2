package sigclient

import (
	"context"
	"fmt"
	"time"

	"github.com/refractionPOINT/go-sigclient/recovery"
)

// WriteRequest is an application write that must eventually be confirmed
// by a receipt from the backend.
type WriteRequest struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// WriteAcceptance is the backend's answer to a submitted write. An accepted
// write carries the logical sequence its receipt will refer to.
type WriteAcceptance struct {
	LogicalSequence uint64 `json:"logical_sequence"`
	DeviceID        string `json:"device_id"`
	Accepted        bool   `json:"accepted"`
	Reason          string `json:"reason,omitempty"`
}

type WriteSubmitter interface {
	SubmitWrite(ctx context.Context, w WriteRequest) (WriteAcceptance, error)
}

// Resynchronizer is the recovery step run for writes whose receipt is
// overdue. Returning Retry asks to be called again later.
type Resynchronizer interface {
	Resynchronize(ctx context.Context, w recovery.Watch) (recovery.StepResult, error)
}

type WriteOutcomeStatus int

const (
	WriteConfirmed WriteOutcomeStatus = iota
	WriteFailed
)

func (s WriteOutcomeStatus) String() string {
	switch s {
	case WriteConfirmed:
		return "confirmed"
	case WriteFailed:
		return "failed"
	}
	return fmt.Sprintf("WriteOutcomeStatus(%d)", int(s))
}

// WriteOutcome reports how a watched write ended.
type WriteOutcome struct {
	LogicalSequence    uint64
	DeviceID           string
	Status             WriteOutcomeStatus
	Latency            time.Duration
	ResolvedByRecovery bool
	Err                error
}
