package sigclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/refractionPOINT/go-sigclient/clock"
	"github.com/refractionPOINT/go-sigclient/protocol"
)

// AnyType subscribes to every frame type.
const AnyType = "*"

type Handler func(env *protocol.Envelope)

type WaitOptions struct {
	// Zero waits until the context is done.
	Timeout time.Duration
	// Also match frames dispatched shortly before the call.
	AcceptRecent bool
}

// InboundFilter drops duplicate and stale frames and dispatches the rest to
// subscribers by frame type.
type InboundFilter struct {
	opts  InboundOptions
	clock clock.Clock
	log   *zap.Logger

	mu sync.Mutex

	// Bounded record of accepted message ids, evicted oldest first.
	seen     map[string]struct{}
	seenRing []string
	seenNext int

	lastSequence map[string]uint64

	subs    map[string][]subscription
	nextSub uint64

	recent map[string][]recentFrame
}

type subscription struct {
	id uint64
	h  Handler
}

type recentFrame struct {
	env *protocol.Envelope
	at  time.Time
}

func NewInboundFilter(o InboundOptions, c clock.Clock, log *zap.Logger) *InboundFilter {
	if o.DedupCapacity <= 0 {
		o.DedupCapacity = 1024
	}
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &InboundFilter{
		opts:         o,
		clock:        c,
		log:          log,
		seen:         make(map[string]struct{}),
		lastSequence: make(map[string]uint64),
		subs:         make(map[string][]subscription),
		recent:       make(map[string][]recentFrame),
	}
}

// Handle filters one inbound frame and dispatches it if it survives. It
// reports whether the frame was dispatched.
func (f *InboundFilter) Handle(env *protocol.Envelope) bool {
	f.mu.Lock()
	if env.MessageID != "" {
		if _, dup := f.seen[env.MessageID]; dup {
			f.mu.Unlock()
			f.log.Debug("dropping duplicate frame", zap.String("type", env.Type), zap.String("message_id", env.MessageID))
			return false
		}
	}
	if env.Sequence != 0 && env.Type != protocol.TypeAck {
		if last, ok := f.lastSequence[env.Type]; ok && env.Sequence <= last {
			f.mu.Unlock()
			f.log.Debug("dropping stale frame",
				zap.String("type", env.Type),
				zap.Uint64("sequence", env.Sequence),
				zap.Uint64("last_sequence", last))
			return false
		}
		f.lastSequence[env.Type] = env.Sequence
	}
	if env.MessageID != "" {
		f.rememberLocked(env.MessageID)
	}
	f.bufferLocked(env)

	var handlers []Handler
	for _, s := range f.subs[env.Type] {
		handlers = append(handlers, s.h)
	}
	for _, s := range f.subs[AnyType] {
		handlers = append(handlers, s.h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
	return true
}

// Subscribe registers h for frames of frameType, or every frame with AnyType.
// The returned func unsubscribes.
func (f *InboundFilter) Subscribe(frameType string, h Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.addLocked(frameType, h)
	return func() { f.unsubscribe(frameType, id) }
}

// WaitFor returns the next frame of frameType matching pred. With
// AcceptRecent a matching frame still in the recent buffer is returned
// right away, covering events emitted just before the caller subscribed.
func (f *InboundFilter) WaitFor(ctx context.Context, frameType string, pred func(*protocol.Envelope) bool, o WaitOptions) (*protocol.Envelope, error) {
	if pred == nil {
		pred = func(*protocol.Envelope) bool { return true }
	}
	ch := make(chan *protocol.Envelope, 1)

	f.mu.Lock()
	if o.AcceptRecent {
		if env := f.findRecentLocked(frameType, pred); env != nil {
			f.mu.Unlock()
			return env, nil
		}
	}
	id := f.addLocked(frameType, func(env *protocol.Envelope) {
		if !pred(env) {
			return
		}
		select {
		case ch <- env:
		default:
		}
	})
	f.mu.Unlock()
	defer f.unsubscribe(frameType, id)

	var timeout chan struct{}
	if o.Timeout > 0 {
		timeout = make(chan struct{})
		timer := f.clock.AfterFunc(o.Timeout, func() { close(timeout) })
		defer timer.Stop()
	}

	select {
	case env := <-ch:
		return env, nil
	case <-timeout:
		return nil, fmt.Errorf("%w: %s after %s", ErrWaitTimeout, frameType, o.Timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reset forgets dedup and ordering state. A new connection is a new
// logical stream.
func (f *InboundFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = make(map[string]struct{})
	f.seenRing = f.seenRing[:0]
	f.seenNext = 0
	f.lastSequence = make(map[string]uint64)
}

func (f *InboundFilter) addLocked(frameType string, h Handler) uint64 {
	f.nextSub++
	f.subs[frameType] = append(f.subs[frameType], subscription{id: f.nextSub, h: h})
	return f.nextSub
}

func (f *InboundFilter) unsubscribe(frameType string, id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[frameType]
	for i, s := range subs {
		if s.id == id {
			f.subs[frameType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(f.subs[frameType]) == 0 {
		delete(f.subs, frameType)
	}
}

func (f *InboundFilter) rememberLocked(id string) {
	if len(f.seenRing) < f.opts.DedupCapacity {
		f.seenRing = append(f.seenRing, id)
	} else {
		delete(f.seen, f.seenRing[f.seenNext])
		f.seenRing[f.seenNext] = id
		f.seenNext = (f.seenNext + 1) % f.opts.DedupCapacity
	}
	f.seen[id] = struct{}{}
}

func (f *InboundFilter) bufferLocked(env *protocol.Envelope) {
	if f.opts.RecentPerType <= 0 || f.opts.RecentWindow <= 0 {
		return
	}
	now := f.clock.Now()
	frames := f.pruneLocked(env.Type, now)
	frames = append(frames, recentFrame{env: env, at: now})
	if len(frames) > f.opts.RecentPerType {
		frames = frames[len(frames)-f.opts.RecentPerType:]
	}
	f.recent[env.Type] = frames
}

// pruneLocked drops buffered frames older than the recent window.
func (f *InboundFilter) pruneLocked(frameType string, now time.Time) []recentFrame {
	frames := f.recent[frameType]
	i := 0
	for i < len(frames) && now.Sub(frames[i].at) > f.opts.RecentWindow {
		i++
	}
	frames = frames[i:]
	if len(frames) == 0 {
		delete(f.recent, frameType)
		return nil
	}
	f.recent[frameType] = frames
	return frames
}

func (f *InboundFilter) findRecentLocked(frameType string, pred func(*protocol.Envelope) bool) *protocol.Envelope {
	frames := f.pruneLocked(frameType, f.clock.Now())
	for i := len(frames) - 1; i >= 0; i-- {
		if pred(frames[i].env) {
			return frames[i].env
		}
	}
	return nil
}
