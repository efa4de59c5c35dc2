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
	"github.com/refractionPOINT/go-sigclient/recovery"
	"github.com/refractionPOINT/go-sigclient/telemetry"
)

// Client ties the connection, the inbound filter, acknowledged delivery and
// write recovery together for one device.
type Client struct {
	options   ClientOptions
	log       *zap.Logger
	clock     clock.Clock
	telemetry telemetry.Sink

	conn      *ConnectionManager
	inbound   *InboundFilter
	delivery  *DeliveryTracker
	recovery  *recovery.Service
	submitter WriteSubmitter

	lastError  error
	errorMutex sync.Mutex
}

func NewClient(o ClientOptions) (*Client, error) {
	o.normalize()
	if err := o.Validate(); err != nil {
		return nil, err
	}
	log := o.buildLogger()

	codec, err := protocol.CodecByName(o.Codec)
	if err != nil {
		return nil, err
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Telemetry == nil {
		o.Telemetry = telemetry.Nop
	}
	if o.Dialer == nil {
		d, err := NewWebsocketDialer(o.Proxy)
		if err != nil {
			return nil, err
		}
		o.Dialer = d
	}

	c := &Client{
		options:   o,
		log:       log,
		clock:     o.Clock,
		telemetry: o.Telemetry,
	}

	c.conn, err = NewConnectionManager(ConnectionManagerOptions{
		ConnectionOptions: o.Connection,
		Endpoints:         o.Endpoints,
		Hello: &protocol.Hello{
			DeviceID:      o.Identity.DeviceID,
			Hostname:      o.Identity.Hostname,
			ClientVersion: o.ClientVersion,
		},
		Codec:  codec,
		Dialer: o.Dialer,
		Clock:  o.Clock,
		Logger: log.Named("conn"),
	})
	if err != nil {
		return nil, err
	}
	c.inbound = NewInboundFilter(o.Inbound, o.Clock, log.Named("inbound"))
	c.delivery = NewDeliveryTracker(c.conn, o.Clock, o.Delivery, log.Named("delivery"), o.Telemetry)

	step := func(ctx context.Context, w recovery.Watch) (recovery.StepResult, error) {
		return recovery.StepResult{Retry: true}, nil
	}
	if o.Resynchronizer != nil {
		step = o.Resynchronizer.Resynchronize
	}
	c.recovery, err = recovery.NewService(recovery.Options{
		Config: o.Recovery.Config,
		Callbacks: recovery.Callbacks{
			OnResolved: c.onWriteResolved,
			OnFailure:  c.onWriteFailed,
		},
		Step:      step,
		Clock:     o.Clock,
		Logger:    log.Named("recovery"),
		Telemetry: o.Telemetry,
	})
	if err != nil {
		return nil, err
	}

	c.submitter = o.WriteSubmitter
	if c.submitter == nil {
		c.submitter = &ackSubmitter{c: c}
	}

	c.conn.OnFrame(func(env *protocol.Envelope) { c.inbound.Handle(env) })
	c.inbound.Subscribe(protocol.TypeAck, c.delivery.HandleAck)
	c.conn.OnStateChange(c.handleStateChange)

	return c, nil
}

// Connect opens the connection and waits until it is usable.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.conn.Connect(ctx); err != nil {
		c.setLastError(err)
		return err
	}
	return nil
}

// Disconnect closes the connection but keeps watching submitted writes.
func (c *Client) Disconnect() error {
	return c.conn.Close()
}

// Close closes the connection and drops every pending write watch.
func (c *Client) Close() error {
	c.log.Debug("client closing")
	c.recovery.Close()
	err := c.conn.Close()
	if err != nil {
		c.setLastError(err)
	}
	return err
}

// Reconnect moves to the next endpoint right away.
func (c *Client) Reconnect() {
	c.conn.Reconnect()
}

func (c *Client) State() ConnectionState {
	return c.conn.State()
}

func (c *Client) Endpoint() string {
	return c.conn.Endpoint()
}

// Send writes a fire-and-forget frame.
func (c *Client) Send(frameType string, payload interface{}) error {
	return c.delivery.Send(frameType, payload)
}

// SendAcknowledged sends an ordered frame and waits for its ACK. A zero
// timeout uses the configured ACK timeout.
func (c *Client) SendAcknowledged(ctx context.Context, frameType string, payload interface{}, timeout time.Duration) (*protocol.Envelope, error) {
	return c.delivery.SendAcknowledged(ctx, frameType, payload, timeout)
}

func (c *Client) Subscribe(frameType string, h Handler) func() {
	return c.inbound.Subscribe(frameType, h)
}

func (c *Client) WaitFor(ctx context.Context, frameType string, pred func(*protocol.Envelope) bool, o WaitOptions) (*protocol.Envelope, error) {
	return c.inbound.WaitFor(ctx, frameType, pred, o)
}

// SubmitWrite submits an application write and starts watching for its
// receipt. The watch outlives reconnects; its end is reported through
// OnWriteOutcome.
func (c *Client) SubmitWrite(ctx context.Context, w WriteRequest) (WriteAcceptance, error) {
	acc, err := c.submitter.SubmitWrite(ctx, w)
	if err != nil {
		return acc, err
	}
	if !acc.Accepted {
		return acc, fmt.Errorf("%w: %s", ErrWriteRejected, acc.Reason)
	}
	if acc.DeviceID == "" {
		acc.DeviceID = c.options.Identity.DeviceID
	}
	wc := recovery.WatchContext{LogicalSequence: acc.LogicalSequence, DeviceID: acc.DeviceID}
	if err := c.recovery.Arm(wc, c.options.Recovery.InitialDelay); err != nil {
		return acc, err
	}
	c.log.Debug("write accepted",
		zap.String("type", w.Type),
		zap.Uint64("logical_sequence", acc.LogicalSequence),
		zap.String("device_id", acc.DeviceID))
	return acc, nil
}

// ObserveReceipt feeds an out-of-band receipt. It reports whether the
// receipt confirmed a watched write.
func (c *Client) ObserveReceipt(logicalSequence uint64, deviceID string) bool {
	latency, ok := c.recovery.AcknowledgeReceipt(logicalSequence, deviceID)
	if !ok {
		return false
	}
	c.outcome(WriteOutcome{
		LogicalSequence: logicalSequence,
		DeviceID:        deviceID,
		Status:          WriteConfirmed,
		Latency:         latency,
	})
	return true
}

// PendingWrites is the number of writes still waiting for a receipt.
func (c *Client) PendingWrites() int {
	return c.recovery.Pending()
}

func (c *Client) GetLastError() error {
	c.errorMutex.Lock()
	defer c.errorMutex.Unlock()
	return c.lastError
}

func (c *Client) setLastError(err error) {
	c.errorMutex.Lock()
	defer c.errorMutex.Unlock()
	c.lastError = err
}

func (c *Client) handleStateChange(sc StateChange) {
	if sc.Kind == ChangeOpen {
		c.inbound.Reset()
	}
	c.delivery.HandleStateChange(sc)
	if sc.Kind == ChangeExhausted {
		c.setLastError(sc.Err)
		if c.options.OnError != nil {
			c.options.OnError(sc.Err)
		}
	}
	if c.options.OnStateChange != nil {
		c.options.OnStateChange(sc)
	}
}

func (c *Client) onWriteResolved(w recovery.Watch) {
	c.outcome(WriteOutcome{
		LogicalSequence:    w.LogicalSequence,
		DeviceID:           w.DeviceID,
		Status:             WriteConfirmed,
		Latency:            c.clock.Now().Sub(w.StartedAt),
		ResolvedByRecovery: true,
	})
}

func (c *Client) onWriteFailed(w recovery.Watch, err error) {
	c.setLastError(err)
	c.outcome(WriteOutcome{
		LogicalSequence:    w.LogicalSequence,
		DeviceID:           w.DeviceID,
		Status:             WriteFailed,
		Latency:            c.clock.Now().Sub(w.StartedAt),
		ResolvedByRecovery: true,
		Err:                err,
	})
	if c.options.OnError != nil {
		c.options.OnError(err)
	}
}

func (c *Client) outcome(o WriteOutcome) {
	c.log.Debug("write outcome",
		zap.Uint64("logical_sequence", o.LogicalSequence),
		zap.Stringer("status", o.Status),
		zap.Duration("latency", o.Latency),
		zap.Error(o.Err))
	if c.options.OnWriteOutcome != nil {
		c.options.OnWriteOutcome(o)
	}
}

// ackSubmitter submits writes as acknowledged frames. The ACK payload
// carries the acceptance.
type ackSubmitter struct {
	c *Client
}

func (s *ackSubmitter) SubmitWrite(ctx context.Context, w WriteRequest) (WriteAcceptance, error) {
	ack, err := s.c.delivery.SendAcknowledged(ctx, w.Type, w.Payload, 0)
	if err != nil {
		var ackErr *protocol.AckError
		if errors.As(err, &ackErr) {
			return WriteAcceptance{Accepted: false, Reason: ackErr.Error()}, nil
		}
		return WriteAcceptance{}, err
	}
	acc := WriteAcceptance{}
	if len(ack.Payload) == 0 {
		return acc, fmt.Errorf("ack for %s frame carries no acceptance", w.Type)
	}
	if err := ack.DecodePayload(&acc); err != nil {
		return acc, fmt.Errorf("decode acceptance: %w", err)
	}
	acc.Accepted = true
	return acc, nil
}
