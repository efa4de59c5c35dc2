package sigclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refractionPOINT/go-sigclient/clock"
	"github.com/refractionPOINT/go-sigclient/protocol"
	"github.com/refractionPOINT/go-sigclient/recovery"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const testDeviceID = "dev-test"

// testSignalServer acknowledges what the client sends and asks it to
// reconnect once.
type testSignalServer struct {
	t            *testing.T
	nConnections uint32

	mu        sync.Mutex
	firstSeqs []uint64
}

func (s *testSignalServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/signal" {
		s.t.Errorf("unexpected URL path: %s", r.URL.Path)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Errorf("Upgrade(): %v", err)
		return
	}
	defer conn.Close()

	var writeMutex sync.Mutex
	var codec protocol.Codec = protocol.JSONCodec{}
	var msgType int
	write := func(env *protocol.Envelope) {
		writeMutex.Lock()
		defer writeMutex.Unlock()
		data, err := codec.Marshal(env)
		if err != nil {
			s.t.Errorf("Marshal(): %v", err)
			return
		}
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		conn.WriteMessage(msgType, data)
	}
	read := func() (*protocol.Envelope, error) {
		mt, p, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		msgType = mt
		if mt == websocket.BinaryMessage {
			codec = protocol.MsgpackCodec{}
		}
		env := &protocol.Envelope{}
		return env, codec.Unmarshal(p, env)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	hello, err := read()
	if err != nil {
		s.t.Errorf("read hello: %v", err)
		return
	}
	h := protocol.Hello{}
	if hello.Type != protocol.TypeHello || hello.DecodePayload(&h) != nil || h.DeviceID != testDeviceID || h.Hostname != "testhost" {
		s.t.Errorf("invalid hello: %#v", hello)
		return
	}
	n := atomic.AddUint32(&s.nConnections, 1)

	first := true
	for {
		conn.SetReadDeadline(time.Now().Add(20 * time.Second))
		env, err := read()
		if err != nil {
			return
		}
		if env.Sequence != 0 && first {
			first = false
			s.mu.Lock()
			s.firstSeqs = append(s.firstSeqs, env.Sequence)
			s.mu.Unlock()
		}
		switch env.Type {
		case protocol.TypeRoomJoin:
			write(protocol.NewAck(env.MessageID, nil))
			notice, _ := protocol.NewEnvelope(protocol.TypeProducerNew, map[string]string{"producer_id": "p1"})
			notice.Sequence = 1
			write(notice)
		case protocol.TypeChatWrite:
			ack := protocol.NewAck(env.MessageID, nil)
			ack.Payload = []byte(`{"logical_sequence":42,"device_id":"` + testDeviceID + `"}`)
			write(ack)
		case protocol.TypeRoomLeave:
			if n == 1 {
				reconnect, _ := protocol.NewEnvelope(protocol.TypeReconnect, nil)
				write(reconnect)
			}
		}
	}
}

func (s *testSignalServer) sequences() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.firstSeqs...)
}

func TestConnection(t *testing.T) {
	for _, codec := range []string{"json", "msgpack"} {
		t.Run(codec, func(t *testing.T) {
			testConnection(t, codec)
		})
	}
}

func testConnection(t *testing.T, codec string) {
	srv := &testSignalServer{t: t}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	endpoint := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"

	outcomes := make(chan WriteOutcome, 4)
	var opens uint32
	c, err := NewClient(ClientOptions{
		Identity:      Identity{DeviceID: testDeviceID, Hostname: "testhost"},
		ClientVersion: "test",
		Endpoints:     []string{endpoint, endpoint},
		Codec:         codec,
		Connection: ConnectionOptions{
			ReconnectBaseDelay: 10 * time.Millisecond,
			ReconnectMaxDelay:  50 * time.Millisecond,
		},
		Delivery: DeliveryOptions{AckTimeout: 2 * time.Second},
		DebugLog: func(s string) { t.Log(s) },
		OnWriteOutcome: func(o WriteOutcome) {
			outcomes <- o
		},
		OnStateChange: func(sc StateChange) {
			if sc.Kind == ChangeOpen {
				atomic.AddUint32(&opens, 1)
			}
		},
	})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, StateOpen, c.State())

	ack, err := c.SendAcknowledged(ctx, protocol.TypeRoomJoin, map[string]string{"room": "r1"}, 0)
	require.NoError(t, err)
	assert.True(t, ack.Acknowledgement.Success)

	notice, err := c.WaitFor(ctx, protocol.TypeProducerNew, nil, WaitOptions{AcceptRecent: true, Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.EqualValues(t, 1, notice.Sequence)

	acc, err := c.SubmitWrite(ctx, WriteRequest{Type: protocol.TypeChatWrite, Payload: map[string]string{"text": "hi"}})
	require.NoError(t, err)
	assert.True(t, acc.Accepted)
	assert.EqualValues(t, 42, acc.LogicalSequence)
	assert.Equal(t, 1, c.PendingWrites())

	assert.False(t, c.ObserveReceipt(42, "other-device"))
	assert.True(t, c.ObserveReceipt(42, testDeviceID))
	o := <-outcomes
	assert.Equal(t, WriteConfirmed, o.Status)
	assert.False(t, o.ResolvedByRecovery)
	assert.Equal(t, 0, c.PendingWrites())

	// The server answers ROOM_LEAVE on its first connection with RECONNECT.
	require.NoError(t, c.Send(protocol.TypeRoomLeave, map[string]string{"room": "r1"}))
	require.Eventually(t, func() bool {
		return atomic.LoadUint32(&opens) == 2 && c.State() == StateOpen
	}, 5*time.Second, 10*time.Millisecond)

	_, err = c.SendAcknowledged(ctx, protocol.TypeRoomJoin, map[string]string{"room": "r2"}, 0)
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadUint32(&srv.nConnections))
	assert.Equal(t, []uint64{1, 1}, srv.sequences())
}

type stubSubmitter struct {
	acc WriteAcceptance
	err error
}

func (s stubSubmitter) SubmitWrite(ctx context.Context, w WriteRequest) (WriteAcceptance, error) {
	return s.acc, s.err
}

type stubResynchronizer struct {
	mu      sync.Mutex
	calls   []recovery.Watch
	results []recovery.StepResult
}

func (r *stubResynchronizer) Resynchronize(ctx context.Context, w recovery.Watch) (recovery.StepResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, w)
	if len(r.results) == 0 {
		return recovery.StepResult{}, nil
	}
	res := r.results[0]
	r.results = r.results[1:]
	return res, nil
}

func newRecoveryClient(t *testing.T, sub WriteSubmitter, resync Resynchronizer) (*Client, *clock.FakeClock, chan WriteOutcome) {
	t.Helper()
	fc := clock.NewFakeClock(time.Unix(1700000000, 0))
	outcomes := make(chan WriteOutcome, 4)
	o := ClientOptions{
		Identity:  Identity{DeviceID: testDeviceID, Hostname: "testhost"},
		Endpoints: []string{"ws://unused"},
		Recovery: RecoveryOptions{
			Config: recovery.Config{
				MinDelay:        time.Second,
				MaxDelay:        10 * time.Second,
				ExponentialBase: time.Second,
				MaxAttempts:     3,
			},
			InitialDelay: 5 * time.Second,
		},
		Clock:          fc,
		Dialer:         &fakeDialer{},
		WriteSubmitter: sub,
		OnWriteOutcome: func(o WriteOutcome) { outcomes <- o },
	}
	if resync != nil {
		o.Resynchronizer = resync
	}
	c, err := NewClient(o)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, fc, outcomes
}

func TestSubmitWriteResolvedByRecovery(t *testing.T) {
	resync := &stubResynchronizer{results: []recovery.StepResult{{Retry: true, RetryAfter: 2 * time.Second}}}
	c, fc, outcomes := newRecoveryClient(t, stubSubmitter{acc: WriteAcceptance{LogicalSequence: 7, Accepted: true}}, resync)

	acc, err := c.SubmitWrite(context.Background(), WriteRequest{Type: protocol.TypeChatWrite})
	require.NoError(t, err)
	assert.Equal(t, testDeviceID, acc.DeviceID)

	fc.Advance(5 * time.Second)
	assert.Equal(t, 1, c.PendingWrites())
	fc.Advance(2 * time.Second)

	o := <-outcomes
	assert.Equal(t, WriteConfirmed, o.Status)
	assert.True(t, o.ResolvedByRecovery)
	assert.EqualValues(t, 7, o.LogicalSequence)
	assert.Equal(t, 7*time.Second, o.Latency)
	require.Len(t, resync.calls, 2)
	assert.Equal(t, 2, resync.calls[1].Attempt)
}

func TestSubmitWriteRecoveryExhausted(t *testing.T) {
	c, fc, outcomes := newRecoveryClient(t, stubSubmitter{acc: WriteAcceptance{LogicalSequence: 8, DeviceID: testDeviceID, Accepted: true}}, nil)

	_, err := c.SubmitWrite(context.Background(), WriteRequest{Type: protocol.TypeChatWrite})
	require.NoError(t, err)
	fc.Advance(time.Minute)

	o := <-outcomes
	assert.Equal(t, WriteFailed, o.Status)
	assert.ErrorIs(t, o.Err, recovery.ErrRecoveryMaxAttempts)
	assert.ErrorIs(t, c.GetLastError(), recovery.ErrRecoveryMaxAttempts)
	assert.Empty(t, outcomes)
}

func TestSubmitWriteReceiptCancelsRecovery(t *testing.T) {
	resync := &stubResynchronizer{}
	c, fc, outcomes := newRecoveryClient(t, stubSubmitter{acc: WriteAcceptance{LogicalSequence: 9, Accepted: true}}, resync)

	_, err := c.SubmitWrite(context.Background(), WriteRequest{Type: protocol.TypeChatWrite})
	require.NoError(t, err)
	fc.Advance(2 * time.Second)
	require.True(t, c.ObserveReceipt(9, testDeviceID))
	fc.Advance(20 * time.Second)

	o := <-outcomes
	assert.Equal(t, WriteConfirmed, o.Status)
	assert.GreaterOrEqual(t, o.Latency, 2*time.Second)
	assert.Empty(t, resync.calls)
}

func TestSubmitWriteRejected(t *testing.T) {
	c, _, _ := newRecoveryClient(t, stubSubmitter{acc: WriteAcceptance{Accepted: false, Reason: "quota"}}, nil)

	_, err := c.SubmitWrite(context.Background(), WriteRequest{Type: protocol.TypeChatWrite})
	assert.ErrorIs(t, err, ErrWriteRejected)
	assert.Contains(t, err.Error(), "quota")
	assert.Equal(t, 0, c.PendingWrites())
}

func TestRecoverySurvivesDisconnect(t *testing.T) {
	c, _, _ := newRecoveryClient(t, stubSubmitter{acc: WriteAcceptance{LogicalSequence: 3, Accepted: true}}, nil)
	_, err := c.SubmitWrite(context.Background(), WriteRequest{Type: protocol.TypeChatWrite})
	require.NoError(t, err)

	require.NoError(t, c.Disconnect())
	assert.Equal(t, 1, c.PendingWrites())
	require.NoError(t, c.Close())
	assert.Equal(t, 0, c.PendingWrites())
}

func TestAckSubmitter(t *testing.T) {
	d := &fakeDialer{}
	c, err := NewClient(ClientOptions{
		Identity:  Identity{DeviceID: testDeviceID, Hostname: "testhost"},
		Endpoints: []string{"ws://a"},
		Dialer:    d,
	})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	tr := d.last()

	type result struct {
		acc WriteAcceptance
		err error
	}
	submit := func() chan result {
		ch := make(chan result, 1)
		go func() {
			acc, err := c.SubmitWrite(context.Background(), WriteRequest{Type: protocol.TypeChatWrite, Payload: "hi"})
			ch <- result{acc, err}
		}()
		return ch
	}
	lastWrite := func(n int) *protocol.Envelope {
		var sent []*protocol.Envelope
		require.Eventually(t, func() bool {
			sent = tr.sent(t)
			return len(sent) == n
		}, time.Second, time.Millisecond)
		return sent[n-1]
	}

	// HELLO is the first frame.
	res := submit()
	env := lastWrite(2)
	assert.Equal(t, protocol.TypeChatWrite, env.Type)
	ack := protocol.NewAck(env.MessageID, nil)
	ack.Payload = []byte(`{"logical_sequence":5,"device_id":"` + testDeviceID + `"}`)
	tr.push(t, ack)

	r := <-res
	require.NoError(t, r.err)
	assert.EqualValues(t, 5, r.acc.LogicalSequence)
	assert.Equal(t, 1, c.PendingWrites())

	res = submit()
	env = lastWrite(3)
	tr.push(t, protocol.NewAck(env.MessageID, &protocol.AckError{Code: "FORBIDDEN", Message: "read only room"}))
	r = <-res
	assert.True(t, errors.Is(r.err, ErrWriteRejected))
	assert.Contains(t, r.err.Error(), "FORBIDDEN")
}

func TestClientStateChangeResetsInbound(t *testing.T) {
	d := &fakeDialer{}
	errs := make(chan error, 1)
	c, err := NewClient(ClientOptions{
		Identity:  Identity{DeviceID: testDeviceID, Hostname: "testhost"},
		Endpoints: []string{"ws://a"},
		Dialer:    d,
		Connection: ConnectionOptions{
			ReconnectBaseDelay:   time.Millisecond,
			MaxReconnectAttempts: 1,
		},
		OnError: func(err error) { errs <- err },
	})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	got := make(chan uint64, 4)
	c.Subscribe(protocol.TypeConsumerNew, func(env *protocol.Envelope) { got <- env.Sequence })
	env, err := protocol.NewEnvelope(protocol.TypeConsumerNew, nil)
	require.NoError(t, err)
	env.Sequence = 5
	d.last().push(t, env)
	assert.EqualValues(t, 5, <-got)

	first := d.last()
	c.Reconnect()
	require.Eventually(t, func() bool {
		return d.last() != first && c.State() == StateOpen
	}, time.Second, time.Millisecond)

	// A new connection starts a new stream, so a low sequence is accepted.
	env, err = protocol.NewEnvelope(protocol.TypeConsumerNew, nil)
	require.NoError(t, err)
	env.Sequence = 1
	d.last().push(t, env)
	assert.EqualValues(t, 1, <-got)

	d.mu.Lock()
	d.fail = errors.New("refused")
	d.mu.Unlock()
	d.last().Close()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrReconnectExhausted)
	case <-time.After(time.Second):
		t.Fatal("exhaustion not reported")
	}
	assert.ErrorIs(t, c.GetLastError(), ErrReconnectExhausted)
}
