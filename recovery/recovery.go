// Package recovery escalates application writes whose receipt does not
// arrive in time.
//
// A watch is armed when a write is submitted. The out-of-band receipt for
// that write cancels it through AcknowledgeReceipt. If the watch fires first,
// the service runs an externally supplied recovery step, backing off
// exponentially with jitter, until the step resolves the write, fails, or the
// attempt budget is spent.
//
// Watches are independent of any transport session: closing a connection
// never cancels them.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/refractionPOINT/go-sigclient/clock"
	"github.com/refractionPOINT/go-sigclient/telemetry"
)

// ErrRecoveryMaxAttempts means every attempt ran and the write was never
// confirmed, as opposed to the step itself failing.
var ErrRecoveryMaxAttempts = errors.New("ERR_RECOVERY_MAX_ATTEMPTS")

type State int

const (
	StateArmed State = iota
	StateTicking
	StateResolved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "ARMED"
	case StateTicking:
		return "TICKING"
	case StateResolved:
		return "RESOLVED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Config struct {
	MinDelay        time.Duration `json:"min_delay,omitempty" yaml:"min_delay,omitempty"`
	MaxDelay        time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	ExponentialBase time.Duration `json:"exponential_base,omitempty" yaml:"exponential_base,omitempty"`
	JitterRatio     float64       `json:"jitter_ratio,omitempty" yaml:"jitter_ratio,omitempty"`
	MaxAttempts     int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		MinDelay:        time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: time.Second,
		JitterRatio:     0.2,
		MaxAttempts:     5,
	}
}

func (c Config) Validate() error {
	if c.MinDelay < 0 || c.MaxDelay <= 0 {
		return errors.New("recovery delays must be positive")
	}
	if c.MinDelay > c.MaxDelay {
		return fmt.Errorf("recovery min delay %s exceeds max delay %s", c.MinDelay, c.MaxDelay)
	}
	if c.JitterRatio < 0 || c.JitterRatio > 1 {
		return fmt.Errorf("recovery jitter ratio %v out of [0,1]", c.JitterRatio)
	}
	if c.MaxAttempts <= 0 {
		return errors.New("recovery max attempts must be positive")
	}
	return nil
}

// NextDelay computes the delay before the tick following attempt. The
// result never leaves [MinDelay, MaxDelay], whatever the hint or the jitter.
// rnd returns a uniform value in [0,1).
func (c Config) NextDelay(attempt int, hinted time.Duration, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(c.ExponentialBase) * math.Pow(2, float64(attempt-1))
	d := math.Max(float64(hinted), math.Max(float64(c.MinDelay), exp))
	d = clamp(d, float64(c.MinDelay), float64(c.MaxDelay))
	if c.JitterRatio > 0 && rnd != nil {
		d += d * c.JitterRatio * (2*rnd() - 1)
		d = clamp(d, float64(c.MinDelay), float64(c.MaxDelay))
	}
	return time.Duration(d)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// WatchContext identifies the write being watched.
type WatchContext struct {
	LogicalSequence uint64
	DeviceID        string
}

// Watch is a snapshot of a watch handed to callbacks and the step.
type Watch struct {
	WatchContext
	StartedAt time.Time
	Attempt   int
	State     State
}

// StepResult is what a recovery step reports. Retry asks for another tick,
// RetryAfter optionally hints at how long to wait for it.
type StepResult struct {
	Retry      bool
	RetryAfter time.Duration
}

// Step is the escalation operation, e.g. asking the backend to resynchronize
// the write.
type Step func(ctx context.Context, w Watch) (StepResult, error)

type Callbacks struct {
	// OnTimeout runs before every step, for caller-side telemetry.
	OnTimeout  func(w Watch)
	OnResolved func(w Watch)
	// OnFailure runs exactly once per failed watch.
	OnFailure func(w Watch, err error)
}

type Options struct {
	Config
	Callbacks

	Step      Step
	Clock     clock.Clock
	Logger    *zap.Logger
	Telemetry telemetry.Sink
	// Rand returns uniform values in [0,1) for jitter.
	Rand func() float64
}

type Service struct {
	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	watches map[uint64]*watch
	closed  bool
}

type watch struct {
	Watch
	timer clock.Timer
}

func NewService(o Options) (*Service, error) {
	if o.Step == nil {
		return nil, errors.New("recovery step is required")
	}
	if err := o.Config.Validate(); err != nil {
		return nil, err
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Telemetry == nil {
		o.Telemetry = telemetry.Nop
	}
	if o.Rand == nil {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		var rm sync.Mutex
		o.Rand = func() float64 {
			rm.Lock()
			defer rm.Unlock()
			return r.Float64()
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:    o,
		log:     o.Logger,
		ctx:     ctx,
		cancel:  cancel,
		watches: make(map[uint64]*watch),
	}, nil
}

// Arm starts watching wc. Arming a sequence that is already watched
// replaces the previous watch.
func (s *Service) Arm(wc WatchContext, initialDelay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("recovery service closed")
	}
	if old, ok := s.watches[wc.LogicalSequence]; ok && old.timer != nil {
		old.timer.Stop()
		s.log.Debug("replacing recovery watch", zap.Uint64("logical_sequence", wc.LogicalSequence))
	}
	w := &watch{
		Watch: Watch{
			WatchContext: wc,
			StartedAt:    s.opts.Clock.Now(),
			State:        StateArmed,
		},
	}
	w.timer = s.opts.Clock.AfterFunc(initialDelay, func() { s.tick(w) })
	s.watches[wc.LogicalSequence] = w
	return nil
}

// AcknowledgeReceipt cancels the watch for a confirmed write and returns how
// long it was armed. Receipts from another device are not ours and are
// ignored.
func (s *Service) AcknowledgeReceipt(logicalSequence uint64, deviceID string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[logicalSequence]
	if !ok {
		return 0, false
	}
	if w.DeviceID != deviceID {
		s.log.Debug("ignoring receipt from other device",
			zap.Uint64("logical_sequence", logicalSequence),
			zap.String("device_id", deviceID),
			zap.String("watch_device_id", w.DeviceID))
		return 0, false
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	delete(s.watches, logicalSequence)
	return s.opts.Clock.Now().Sub(w.StartedAt), true
}

func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

// Close stops every watch without invoking callbacks.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cancel()
	for seq, w := range s.watches {
		if w.timer != nil {
			w.timer.Stop()
		}
		delete(s.watches, seq)
	}
}

// current must be called with the lock held.
func (s *Service) current(w *watch) bool {
	return s.watches[w.LogicalSequence] == w
}

func (s *Service) tick(w *watch) {
	s.mu.Lock()
	if !s.current(w) {
		s.mu.Unlock()
		return
	}
	w.timer = nil
	w.Attempt++
	if w.Attempt > s.opts.MaxAttempts {
		w.State = StateFailed
		delete(s.watches, w.LogicalSequence)
		snap := w.Watch
		s.mu.Unlock()
		s.fail(snap, ErrRecoveryMaxAttempts)
		return
	}
	w.State = StateTicking
	snap := w.Watch
	s.mu.Unlock()

	s.emit(telemetry.KindRecoveryTimeout, snap, nil)
	if s.opts.OnTimeout != nil {
		s.opts.OnTimeout(snap)
	}

	s.emit(telemetry.KindRecoveryAttempt, snap, nil)
	res, err := s.opts.Step(s.ctx, snap)

	s.mu.Lock()
	if !s.current(w) {
		// Receipt arrived, or the watch was replaced, while the step ran.
		s.mu.Unlock()
		return
	}
	switch {
	case err != nil:
		w.State = StateFailed
		delete(s.watches, w.LogicalSequence)
		snap = w.Watch
		s.mu.Unlock()
		s.fail(snap, err)
	case res.Retry:
		delay := s.opts.NextDelay(w.Attempt, res.RetryAfter, s.opts.Rand)
		w.timer = s.opts.Clock.AfterFunc(delay, func() { s.tick(w) })
		snap = w.Watch
		s.mu.Unlock()
		s.log.Debug("recovery step deferred",
			zap.Uint64("logical_sequence", snap.LogicalSequence),
			zap.Int("attempt", snap.Attempt),
			zap.Duration("delay", delay))
		ev := s.event(telemetry.KindRecoveryDeferred, snap, nil)
		ev.Delay = delay
		s.opts.Telemetry.Emit(ev)
	default:
		w.State = StateResolved
		delete(s.watches, w.LogicalSequence)
		snap = w.Watch
		s.mu.Unlock()
		s.emit(telemetry.KindRecoveryResolved, snap, nil)
		if s.opts.OnResolved != nil {
			s.opts.OnResolved(snap)
		}
	}
}

func (s *Service) fail(w Watch, err error) {
	s.log.Warn("recovery failed",
		zap.Uint64("logical_sequence", w.LogicalSequence),
		zap.String("device_id", w.DeviceID),
		zap.Int("attempt", w.Attempt),
		zap.Error(err))
	s.emit(telemetry.KindRecoveryFailed, w, err)
	if s.opts.OnFailure != nil {
		s.opts.OnFailure(w, err)
	}
}

func (s *Service) emit(k telemetry.Kind, w Watch, err error) {
	s.opts.Telemetry.Emit(s.event(k, w, err))
}

func (s *Service) event(k telemetry.Kind, w Watch, err error) telemetry.Event {
	return telemetry.Event{
		Kind:            k,
		Time:            s.opts.Clock.Now(),
		LogicalSequence: w.LogicalSequence,
		DeviceID:        w.DeviceID,
		Attempt:         w.Attempt,
		Err:             err,
	}
}
