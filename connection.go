package sigclient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/refractionPOINT/go-sigclient/clock"
	"github.com/refractionPOINT/go-sigclient/protocol"
)

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateOpen
	StateReconnectScheduled
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateReconnectScheduled:
		return "RECONNECT_SCHEDULED"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

type StateChangeKind string

const (
	ChangeOpen         StateChangeKind = "open"
	ChangeClosed       StateChangeKind = "closed"
	ChangeReconnecting StateChangeKind = "reconnecting"
	ChangeExhausted    StateChangeKind = "exhausted"
)

type StateChange struct {
	Kind     StateChangeKind
	State    ConnectionState
	Endpoint string
	// Attempt and Delay describe the scheduled reconnect.
	Attempt int
	Delay   time.Duration
	Err     error
}

type FrameHandler func(env *protocol.Envelope)

type ConnectionManagerOptions struct {
	ConnectionOptions

	Endpoints []string
	// Sent as the first frame of every transport when set.
	Hello  *protocol.Hello
	Codec  protocol.Codec
	Dialer Dialer
	Clock  clock.Clock
	Logger *zap.Logger
}

// ConnectionManager owns at most one live transport. It rotates through the
// configured endpoints on failure, keeps the transport alive with PINGs and
// publishes every decoded frame to its frame handlers.
//
// Every transport gets a generation number; reads, timers and dial results
// belonging to an older generation are discarded.
type ConnectionManager struct {
	opts ConnectionManagerOptions
	log  *zap.Logger

	mu             sync.Mutex
	state          ConnectionState
	transport      Transport
	gen            uint64
	endpointIdx    int
	attempts       int
	sequence       uint64
	opened         *Event
	reconnectTimer clock.Timer
	heartbeatTimer clock.Timer
	dialCancel     context.CancelFunc
	frameHandlers  []FrameHandler
	listeners      []func(StateChange)

	lastError  error
	errorMutex sync.Mutex
}

func NewConnectionManager(o ConnectionManagerOptions) (*ConnectionManager, error) {
	if len(o.Endpoints) == 0 {
		return nil, errors.New("at least one endpoint is required")
	}
	if o.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if o.Codec == nil {
		o.Codec = protocol.JSONCodec{}
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	o.ConnectionOptions.fillDefaults()
	return &ConnectionManager{
		opts:   o,
		log:    o.Logger,
		opened: NewEvent(),
	}, nil
}

// OnFrame registers a handler for every decoded inbound frame.
func (m *ConnectionManager) OnFrame(h FrameHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameHandlers = append(m.frameHandlers, h)
}

func (m *ConnectionManager) OnStateChange(l func(StateChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Endpoint is the endpoint currently in use, or the next one to be tried.
func (m *ConnectionManager) Endpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts.Endpoints[m.endpointIdx]
}

// Connect returns once the connection is open. Concurrent and repeated
// calls share the same outcome; a second transport is never opened.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateOpen {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateDisconnected {
		if m.opened.IsSet() {
			m.opened = NewEvent()
		}
		m.attempts = 0
		m.startDialLocked()
	}
	ev := m.opened
	m.mu.Unlock()

	return ev.Wait(ctx)
}

// Close tears the transport down. Pending connects fail with ErrClosed.
func (m *ConnectionManager) Close() error {
	m.log.Debug("closing")
	m.mu.Lock()
	prev := m.state
	m.gen++
	t := m.transport
	m.transport = nil
	m.stopTimersLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.state = StateDisconnected
	ev := m.opened
	endpoint := m.opts.Endpoints[m.endpointIdx]
	m.mu.Unlock()

	ev.Set(ErrClosed)
	var err error
	if t != nil {
		err = t.Close()
	}
	if prev != StateDisconnected {
		m.notify(StateChange{Kind: ChangeClosed, State: StateDisconnected, Endpoint: endpoint, Err: ErrClosed})
	}
	if err != nil {
		m.setLastError(err)
	}
	return err
}

// Reconnect drops the current transport and moves on to the next endpoint,
// as if the connection had been lost.
func (m *ConnectionManager) Reconnect() {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.handleTransportLoss(gen, errReconnectRequested)
}

func (m *ConnectionManager) SendRaw(env *protocol.Envelope) error {
	m.mu.Lock()
	if m.state != StateOpen || m.transport == nil {
		m.mu.Unlock()
		return ErrNotOpen
	}
	t := m.transport
	gen := m.gen
	m.mu.Unlock()

	data, err := m.opts.Codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", env.Type, err)
	}
	if err := t.WriteFrame(data, m.opts.Codec.IsBinary()); err != nil {
		m.setLastError(err)
		go m.handleTransportLoss(gen, err)
		return fmt.Errorf("write %s frame: %w: %w", env.Type, ErrConnectionLost, err)
	}
	return nil
}

// nextSequence hands out the per-connection frame sequence. It restarts at
// 1 on every new transport.
func (m *ConnectionManager) nextSequence() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequence++
	return m.sequence
}

func (m *ConnectionManager) GetLastError() error {
	m.errorMutex.Lock()
	defer m.errorMutex.Unlock()
	return m.lastError
}

func (m *ConnectionManager) setLastError(err error) {
	m.errorMutex.Lock()
	defer m.errorMutex.Unlock()
	m.lastError = err
}

func (m *ConnectionManager) startDialLocked() {
	m.gen++
	gen := m.gen
	m.state = StateConnecting
	endpoint := m.opts.Endpoints[m.endpointIdx]
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	m.dialCancel = cancel
	m.log.Debug("connecting", zap.String("endpoint", endpoint), zap.Int("attempt", m.attempts))
	go m.dial(ctx, cancel, gen, endpoint)
}

func (m *ConnectionManager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, endpoint string) {
	defer cancel()
	t, err := m.opts.Dialer.Dial(ctx, endpoint)
	if err == nil && m.opts.Hello != nil {
		if err = m.writeHello(t); err != nil {
			t.Close()
		}
	}

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		if err == nil {
			t.Close()
		}
		return
	}
	m.dialCancel = nil
	if err != nil {
		m.setLastError(err)
		m.log.Warn("connect failed", zap.String("endpoint", endpoint), zap.Error(err))
		change := m.scheduleReconnectLocked(err)
		m.mu.Unlock()
		m.notify(change)
		return
	}

	m.transport = t
	m.state = StateOpen
	m.attempts = 0
	m.sequence = 0
	ev := m.opened
	m.startHeartbeatLocked(gen)
	m.mu.Unlock()

	m.log.Info("connected", zap.String("endpoint", endpoint))
	// Listeners reset per-connection state before the first frame is read.
	m.notify(StateChange{Kind: ChangeOpen, State: StateOpen, Endpoint: endpoint})
	go m.readLoop(gen, t)
	ev.Set(nil)
}

func (m *ConnectionManager) writeHello(t Transport) error {
	env, err := protocol.NewEnvelope(protocol.TypeHello, m.opts.Hello)
	if err != nil {
		return err
	}
	data, err := m.opts.Codec.Marshal(env)
	if err != nil {
		return err
	}
	if err := t.WriteFrame(data, m.opts.Codec.IsBinary()); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	return nil
}

func (m *ConnectionManager) readLoop(gen uint64, t Transport) {
	for {
		data, err := t.ReadFrame()
		if err != nil {
			m.handleTransportLoss(gen, err)
			return
		}
		env := &protocol.Envelope{}
		if err := m.opts.Codec.Unmarshal(data, env); err != nil {
			m.setLastError(err)
			m.log.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		if env.Type == protocol.TypeReconnect {
			m.log.Info("server requested reconnect")
			m.handleTransportLoss(gen, errServerReconnect)
			return
		}
		if !m.dispatch(gen, env) {
			return
		}
	}
}

func (m *ConnectionManager) dispatch(gen uint64, env *protocol.Envelope) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	handlers := make([]FrameHandler, len(m.frameHandlers))
	copy(handlers, m.frameHandlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
	return true
}

// handleTransportLoss discards the open transport of generation gen and
// schedules a reconnect to the next endpoint.
func (m *ConnectionManager) handleTransportLoss(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateOpen {
		m.mu.Unlock()
		return
	}
	t := m.transport
	m.transport = nil
	m.gen++
	if m.opened.IsSet() {
		m.opened = NewEvent()
	}
	closed := StateChange{Kind: ChangeClosed, Endpoint: m.opts.Endpoints[m.endpointIdx], Err: cause}
	next := m.scheduleReconnectLocked(cause)
	closed.State = m.state
	m.mu.Unlock()

	m.setLastError(cause)
	m.log.Warn("connection lost", zap.String("endpoint", closed.Endpoint), zap.Error(cause))
	if t != nil {
		t.Close()
	}
	m.notify(closed)
	m.notify(next)
}

// scheduleReconnectLocked advances to the next endpoint and arms the
// reconnect timer, or gives up once the attempt budget is spent.
func (m *ConnectionManager) scheduleReconnectLocked(cause error) StateChange {
	m.stopTimersLocked()
	m.attempts++
	if m.attempts > m.opts.MaxReconnectAttempts {
		m.state = StateDisconnected
		err := fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, m.attempts-1, cause)
		m.opened.Set(err)
		m.log.Error("giving up reconnecting", zap.Error(err))
		return StateChange{
			Kind:     ChangeExhausted,
			State:    StateDisconnected,
			Endpoint: m.opts.Endpoints[m.endpointIdx],
			Attempt:  m.attempts - 1,
			Err:      err,
		}
	}

	m.endpointIdx = (m.endpointIdx + 1) % len(m.opts.Endpoints)
	delay := m.backoff(m.attempts)
	m.state = StateReconnectScheduled
	gen := m.gen
	m.reconnectTimer = m.opts.Clock.AfterFunc(delay, func() { m.reconnect(gen) })
	endpoint := m.opts.Endpoints[m.endpointIdx]
	m.log.Info("reconnect scheduled",
		zap.String("endpoint", endpoint),
		zap.Int("attempt", m.attempts),
		zap.Duration("delay", delay))
	return StateChange{
		Kind:     ChangeReconnecting,
		State:    StateReconnectScheduled,
		Endpoint: endpoint,
		Attempt:  m.attempts,
		Delay:    delay,
		Err:      cause,
	}
}

func (m *ConnectionManager) reconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != StateReconnectScheduled {
		return
	}
	m.reconnectTimer = nil
	m.startDialLocked()
}

// backoff grows exponentially from the base delay up to the max delay. A
// zero max delay leaves the growth uncapped.
func (m *ConnectionManager) backoff(attempt int) time.Duration {
	d := m.opts.ReconnectBaseDelay
	for i := 1; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
		if m.opts.ReconnectMaxDelay > 0 && d >= m.opts.ReconnectMaxDelay {
			return m.opts.ReconnectMaxDelay
		}
	}
	if m.opts.ReconnectMaxDelay > 0 && d > m.opts.ReconnectMaxDelay {
		return m.opts.ReconnectMaxDelay
	}
	return d
}

func (m *ConnectionManager) startHeartbeatLocked(gen uint64) {
	if m.opts.HeartbeatInterval <= 0 {
		return
	}
	m.heartbeatTimer = m.opts.Clock.AfterFunc(m.opts.HeartbeatInterval, func() { m.heartbeat(gen) })
}

func (m *ConnectionManager) heartbeat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateOpen {
		m.mu.Unlock()
		return
	}
	m.startHeartbeatLocked(gen)
	m.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.TypePing, nil)
	if err != nil {
		return
	}
	if err := m.SendRaw(env); err != nil {
		m.log.Debug("heartbeat failed", zap.Error(err))
	}
}

func (m *ConnectionManager) stopTimersLocked() {
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *ConnectionManager) notify(c StateChange) {
	m.mu.Lock()
	listeners := make([]func(StateChange), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l(c)
	}
}
