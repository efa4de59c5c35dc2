package sigclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/refractionPOINT/go-sigclient/clock"
	"github.com/refractionPOINT/go-sigclient/protocol"
	"github.com/refractionPOINT/go-sigclient/telemetry"
)

type DeliveryStatus int

const (
	StatusPending DeliveryStatus = iota
	StatusAcknowledged
	StatusFailed
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAcknowledged:
		return "acknowledged"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("DeliveryStatus(%d)", int(s))
}

// DeliveryOutcome is the terminal state of one acknowledged send.
type DeliveryOutcome struct {
	Status DeliveryStatus
	Ack    *protocol.Envelope
	Err    error
}

// frameSender is the part of the ConnectionManager the tracker relies on.
type frameSender interface {
	SendRaw(env *protocol.Envelope) error
	nextSequence() uint64
}

// DeliveryTracker sends frames that must be acknowledged by the remote.
//
// A send keeps one message identity for its whole life: on ACK timeout the
// exact same frame is written again, so the remote can recognize retries.
// Pending sends never survive their connection; they fail with
// ErrConnectionLost as soon as it goes away.
type DeliveryTracker struct {
	conn      frameSender
	clock     clock.Clock
	opts      DeliveryOptions
	log       *zap.Logger
	telemetry telemetry.Sink

	// Serializes sequence assignment with the write so frames leave in
	// sequence order.
	sendMutex sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingDelivery
}

type pendingDelivery struct {
	env      *protocol.Envelope
	attempts int
	timeout  time.Duration
	timer    clock.Timer
	done     chan DeliveryOutcome
}

func NewDeliveryTracker(conn frameSender, c clock.Clock, o DeliveryOptions, log *zap.Logger, sink telemetry.Sink) *DeliveryTracker {
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = telemetry.Nop
	}
	return &DeliveryTracker{
		conn:      conn,
		clock:     c,
		opts:      o,
		log:       log,
		telemetry: sink,
		pending:   make(map[string]*pendingDelivery),
	}
}

// Send writes an unsequenced frame without waiting for any acknowledgement.
func (t *DeliveryTracker) Send(frameType string, payload interface{}) error {
	env, err := protocol.NewEnvelope(frameType, payload)
	if err != nil {
		return err
	}
	return t.conn.SendRaw(env)
}

// SendAcknowledged sends an ordered frame and blocks until the remote
// acknowledges it. A timeout of zero uses the configured ACK timeout.
//
// A negative acknowledgement is returned as *protocol.AckError and is not
// retried. Exhausted retries return a *TimeoutError.
func (t *DeliveryTracker) SendAcknowledged(ctx context.Context, frameType string, payload interface{}, timeout time.Duration) (*protocol.Envelope, error) {
	if timeout <= 0 {
		timeout = t.opts.AckTimeout
	}
	env, err := protocol.NewEnvelope(frameType, payload)
	if err != nil {
		return nil, err
	}
	p := &pendingDelivery{
		env:      env,
		attempts: 1,
		timeout:  timeout,
		done:     make(chan DeliveryOutcome, 1),
	}

	t.sendMutex.Lock()
	env.Sequence = t.conn.nextSequence()
	t.mu.Lock()
	t.pending[env.MessageID] = p
	p.timer = t.clock.AfterFunc(timeout, func() { t.onTimeout(p) })
	t.mu.Unlock()
	err = t.conn.SendRaw(env)
	t.sendMutex.Unlock()

	if err != nil {
		if t.remove(p) {
			return nil, err
		}
		// Already settled (e.g. failed by a concurrent teardown).
	}

	select {
	case out := <-p.done:
		return out.Ack, out.Err
	case <-ctx.Done():
		t.remove(p)
		return nil, ctx.Err()
	}
}

func (t *DeliveryTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// HandleAck settles the pending send an ACK frame refers to.
func (t *DeliveryTracker) HandleAck(env *protocol.Envelope) {
	if !env.IsAck() {
		return
	}
	ack := env.Acknowledgement
	t.mu.Lock()
	p, ok := t.pending[ack.AcknowledgedMessageID]
	if !ok {
		t.mu.Unlock()
		t.log.Debug("ack for unknown message", zap.String("message_id", ack.AcknowledgedMessageID))
		return
	}
	t.removeLocked(p)
	t.mu.Unlock()

	if ack.Success {
		p.done <- DeliveryOutcome{Status: StatusAcknowledged, Ack: env}
		return
	}
	ackErr := ack.Error
	if ackErr == nil {
		ackErr = &protocol.AckError{Code: "UNKNOWN", Message: "negative acknowledgement without error"}
	}
	t.log.Debug("negative ack",
		zap.String("message_id", p.env.MessageID),
		zap.String("frame_type", p.env.Type),
		zap.String("code", ackErr.Code))
	p.done <- DeliveryOutcome{Status: StatusFailed, Ack: env, Err: ackErr}
}

// HandleStateChange fails every pending send once the connection is gone.
func (t *DeliveryTracker) HandleStateChange(c StateChange) {
	if c.Kind != ChangeClosed && c.Kind != ChangeExhausted {
		return
	}
	t.failAll(ErrConnectionLost)
}

func (t *DeliveryTracker) failAll(cause error) {
	t.mu.Lock()
	failed := make([]*pendingDelivery, 0, len(t.pending))
	for _, p := range t.pending {
		failed = append(failed, p)
		t.removeLocked(p)
	}
	t.mu.Unlock()

	for _, p := range failed {
		t.fail(p, cause)
	}
}

// fail settles an already removed delivery.
func (t *DeliveryTracker) fail(p *pendingDelivery, cause error) {
	t.emit(telemetry.KindDeliveryFailed, p, cause)
	p.done <- DeliveryOutcome{
		Status: StatusFailed,
		Err:    fmt.Errorf("%s frame %s: %w", p.env.Type, p.env.MessageID, cause),
	}
}

func (t *DeliveryTracker) onTimeout(p *pendingDelivery) {
	t.mu.Lock()
	if t.pending[p.env.MessageID] != p {
		t.mu.Unlock()
		return
	}
	p.timer = nil
	attempts := p.attempts
	exhausted := attempts > t.opts.MaxRetries
	if exhausted {
		t.removeLocked(p)
	} else if t.opts.RetryDelay > 0 {
		p.timer = t.clock.AfterFunc(t.opts.RetryDelay, func() { t.resend(p) })
	}
	t.mu.Unlock()

	t.emit(telemetry.KindAckTimeout, p, nil)
	if exhausted {
		err := &TimeoutError{Type: p.env.Type, MessageID: p.env.MessageID, Attempts: attempts}
		t.log.Warn("delivery timed out", zap.Error(err))
		t.emit(telemetry.KindDeliveryFailed, p, err)
		p.done <- DeliveryOutcome{Status: StatusFailed, Err: err}
		return
	}
	if t.opts.RetryDelay <= 0 {
		t.resend(p)
	}
}

// resend writes the original frame again, identity and sequence unchanged.
func (t *DeliveryTracker) resend(p *pendingDelivery) {
	t.mu.Lock()
	if t.pending[p.env.MessageID] != p {
		t.mu.Unlock()
		return
	}
	p.attempts++
	p.timer = t.clock.AfterFunc(p.timeout, func() { t.onTimeout(p) })
	t.mu.Unlock()

	t.log.Debug("resending",
		zap.String("message_id", p.env.MessageID),
		zap.String("frame_type", p.env.Type),
		zap.Int("attempt", p.attempts))
	if err := t.conn.SendRaw(p.env); err != nil {
		// A failed resend means the connection the send belongs to is gone.
		if !errors.Is(err, ErrConnectionLost) {
			err = fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		if t.remove(p) {
			t.fail(p, err)
		}
	}
}

func (t *DeliveryTracker) remove(p *pendingDelivery) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[p.env.MessageID] != p {
		return false
	}
	t.removeLocked(p)
	return true
}

func (t *DeliveryTracker) removeLocked(p *pendingDelivery) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	delete(t.pending, p.env.MessageID)
}

func (t *DeliveryTracker) emit(k telemetry.Kind, p *pendingDelivery, err error) {
	t.telemetry.Emit(telemetry.Event{
		Kind:      k,
		Time:      t.clock.Now(),
		MessageID: p.env.MessageID,
		FrameType: p.env.Type,
		Attempt:   p.attempts,
		Err:       err,
	})
}
