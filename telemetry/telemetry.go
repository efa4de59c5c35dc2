// Package telemetry defines the observability events emitted by the
// delivery and recovery layers for external tooling to consume.
package telemetry

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	KindAckTimeout       Kind = "ack-timeout"
	KindDeliveryFailed   Kind = "delivery-failed"
	KindRecoveryTimeout  Kind = "ack-timeout-observed"
	KindRecoveryAttempt  Kind = "recovery-attempt"
	KindRecoveryDeferred Kind = "recovery-deferred"
	KindRecoveryResolved Kind = "recovery-resolved"
	KindRecoveryFailed   Kind = "recovery-failed"
)

type Event struct {
	Kind Kind
	Time time.Time

	// Set by the delivery tracker.
	MessageID string
	FrameType string

	// Set by the recovery service.
	LogicalSequence uint64
	DeviceID        string

	Attempt int
	// Time until the next recovery step, on recovery-deferred events.
	Delay time.Duration
	Err   error
}

type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(e Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(Event) {})

// ChannelSink buffers events for a consumer goroutine. Events are dropped
// rather than blocking the emitter when the buffer is full.
type ChannelSink struct {
	C       chan Event
	dropped atomic.Uint64
}

func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{C: make(chan Event, size)}
}

func (s *ChannelSink) Emit(e Event) {
	select {
	case s.C <- e:
	default:
		s.dropped.Add(1)
	}
}

func (s *ChannelSink) Dropped() uint64 {
	return s.dropped.Load()
}

// LogSink writes every event to a zap logger at info level.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Emit(e Event) {
	fields := []zap.Field{zap.String("kind", string(e.Kind))}
	if e.MessageID != "" {
		fields = append(fields, zap.String("message_id", e.MessageID), zap.String("frame_type", e.FrameType))
	}
	if e.DeviceID != "" || e.LogicalSequence != 0 {
		fields = append(fields, zap.Uint64("logical_sequence", e.LogicalSequence), zap.String("device_id", e.DeviceID))
	}
	if e.Attempt != 0 {
		fields = append(fields, zap.Int("attempt", e.Attempt))
	}
	if e.Delay != 0 {
		fields = append(fields, zap.Duration("delay", e.Delay))
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}
	s.Logger.Info("telemetry", fields...)
}

// Multi fans an event out to several sinks.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(e)
			}
		}
	})
}
