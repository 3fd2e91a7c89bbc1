package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/iainonline/meshtastic-weather-works/internal/delivery"
	"github.com/iainonline/meshtastic-weather-works/internal/logx"
	"github.com/iainonline/meshtastic-weather-works/internal/peers"
	"github.com/iainonline/meshtastic-weather-works/internal/transport"
)

type sentMsg struct {
	ID      string
	Dest    uint32
	Payload string
	Opts    transport.SendOptions
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []sentMsg
	failNext map[uint32]error
	seq      int
	events   chan transport.AckEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		failNext: map[uint32]error{},
		events:   make(chan transport.AckEvent, 16),
	}
}

func (f *fakeTransport) Connect(context.Context) (transport.NodeInfo, error) {
	return transport.NodeInfo{Num: 0x10}, nil
}
func (f *fakeTransport) Connected() bool { return true }

func (f *fakeTransport) Send(_ context.Context, payload []byte, dest uint32, opts transport.SendOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failNext[dest]; ok {
		return "", err
	}
	f.seq++
	id := fmt.Sprintf("msg-%d", f.seq)
	f.sent = append(f.sent, sentMsg{ID: id, Dest: dest, Payload: string(payload), Opts: opts})
	return id, nil
}

func (f *fakeTransport) Events() <-chan transport.AckEvent { return f.events }
func (f *fakeTransport) Quality(uint32) (transport.LinkQuality, bool) {
	return transport.LinkQuality{}, false
}
func (f *fakeTransport) OnlineCounts() (int, int) { return 0, 0 }
func (f *fakeTransport) Close() error             { return nil }

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) sentAfter(n int) []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent[n:]...)
}

type fixture struct {
	clk   *clock.Mock
	tr    *fakeTransport
	track *delivery.Tracker
	sched *Scheduler
}

// newFixture wires a scheduler over a four-node registry with the station
// itself at !00000010, so "station" as self broadcasts to the other three.
func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	mock := clock.NewMock()
	ft := newFakeTransport()
	reg, err := peers.NewRegistry([]peers.Peer{
		{Name: "station", Addr: 0x10},
		{Name: "alpha", Addr: 1},
		{Name: "bravo", Addr: 2},
		{Name: "charlie", Addr: 3},
	})
	require.NoError(t, err)
	fan := peers.NewFanout(logx.Nop(), reg, "alpha")
	track := delivery.NewTracker(logx.Nop(), mock)
	track.SetLocalAddr(0x10)
	sched := NewScheduler(logx.Nop(), mock, ft, reg, fan, track, cfg)
	return &fixture{clk: mock, tr: ft, track: track, sched: sched}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// settle gives a goroutine blocked on the mock clock time to reach its wait
// before the clock is advanced.
func settle() { time.Sleep(10 * time.Millisecond) }

type dispatchResult struct {
	out delivery.Outcome
	err error
}

func dispatchAsync(fx *fixture, payload, self string) <-chan dispatchResult {
	done := make(chan dispatchResult, 1)
	go func() {
		out, err := fx.sched.Dispatch(context.Background(), []byte(payload), self, nil)
		done <- dispatchResult{out, err}
	}()
	return done
}

func TestDispatchNoAckMode(t *testing.T) {
	fx := newFixture(t, Config{AckMode: false})

	out, err := fx.sched.Dispatch(context.Background(), []byte("hello"), "station", nil)
	require.NoError(t, err)
	require.Equal(t, 3, out.Sent)
	require.Empty(t, out.Acked)
	require.Equal(t, 0, fx.track.PendingCount())

	for _, m := range fx.tr.sentAfter(0) {
		require.False(t, m.Opts.WantAck)
	}
}

func TestDispatchAllAcked(t *testing.T) {
	fx := newFixture(t, Config{AckMode: true, AckWindow: 5 * time.Second, RetryDelay: time.Minute, RetryAttempts: 1})

	done := dispatchAsync(fx, "reading", "station")
	waitFor(t, func() bool { return fx.track.PendingCount() == 3 })

	for _, m := range fx.tr.sentAfter(0) {
		require.True(t, m.Opts.WantAck)
		fx.track.HandleEvent(delivery.Event{ID: m.ID, From: 0x99})
	}

	settle()
	fx.clk.Add(5 * time.Second)
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, 3, res.out.Sent)
	require.ElementsMatch(t, []string{"alpha", "bravo", "charlie"}, res.out.Acked)
	require.Empty(t, res.out.Pending)
	require.False(t, fx.sched.RetryInFlight())

	// Nothing more goes out at the retry deadline.
	fx.clk.Add(time.Minute)
	require.Equal(t, 3, fx.tr.sentCount())
}

func TestDispatchRetriesPendingPeersOnly(t *testing.T) {
	fx := newFixture(t, Config{AckMode: true, AckWindow: 5 * time.Second, RetryDelay: time.Minute, RetryAttempts: 1})

	done := dispatchAsync(fx, "reading", "station")
	waitFor(t, func() bool { return fx.track.PendingCount() == 3 })

	// Only alpha acks inside the window.
	first := fx.tr.sentAfter(0)
	fx.track.HandleEvent(delivery.Event{ID: first[0].ID, From: 0x99})

	settle()
	fx.clk.Add(5 * time.Second)
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, []string{"alpha"}, res.out.Acked)
	require.ElementsMatch(t, []string{"bravo", "charlie"}, res.out.Pending)
	require.True(t, fx.sched.RetryInFlight())

	// A new batch is refused while the retry slot is held.
	_, err := fx.sched.Dispatch(context.Background(), []byte("next"), "station", nil)
	require.ErrorIs(t, err, ErrRetryBusy)

	// The retry goes to the two pending peers, not the acked one.
	fx.clk.Add(time.Minute)
	retries := fx.tr.sentAfter(3)
	require.Len(t, retries, 2)
	require.Equal(t, uint32(2), retries[0].Dest)
	require.Equal(t, uint32(3), retries[1].Dest)

	// One of them acks; the window closes the cycle either way.
	fx.track.HandleEvent(delivery.Event{ID: retries[0].ID, From: 0x99})
	fx.clk.Add(5 * time.Second)
	require.False(t, fx.sched.RetryInFlight())
	// charlie never answered; its entry stays for the expiry sweep.
	require.Equal(t, 1, fx.track.PendingCount())

	// The slot is free again for the next tick.
	done = dispatchAsync(fx, "after", "station")
	waitFor(t, func() bool { return fx.tr.sentCount() == 8 })
	settle()
	fx.clk.Add(5 * time.Second)
	res = <-done
	require.NoError(t, res.err)
}

func TestDispatchNakDoesNotRetry(t *testing.T) {
	fx := newFixture(t, Config{AckMode: true, AckWindow: 5 * time.Second, RetryDelay: time.Minute, RetryAttempts: 1})

	done := dispatchAsync(fx, "reading", "station")
	waitFor(t, func() bool { return fx.track.PendingCount() == 3 })

	for _, m := range fx.tr.sentAfter(0) {
		fx.track.HandleEvent(delivery.Event{ID: m.ID, From: 0x99, Reason: "MAX_RETRANSMIT"})
	}

	settle()
	fx.clk.Add(5 * time.Second)
	res := <-done
	require.NoError(t, res.err)
	require.ElementsMatch(t, []string{"alpha", "bravo", "charlie"}, res.out.Naked)
	require.False(t, fx.sched.RetryInFlight())

	fx.clk.Add(time.Minute)
	require.Equal(t, 3, fx.tr.sentCount())
}

func TestDispatchImplicitAckIsNotDelivered(t *testing.T) {
	fx := newFixture(t, Config{AckMode: true, AckWindow: 5 * time.Second, RetryDelay: time.Minute, RetryAttempts: 1})

	done := dispatchAsync(fx, "reading", "station")
	waitFor(t, func() bool { return fx.track.PendingCount() == 3 })

	// Events originate at the station's own radio: queued locally only.
	for _, m := range fx.tr.sentAfter(0) {
		fx.track.HandleEvent(delivery.Event{ID: m.ID, From: 0x10})
	}

	settle()
	fx.clk.Add(5 * time.Second)
	res := <-done
	require.NoError(t, res.err)
	require.Empty(t, res.out.Acked)
	require.ElementsMatch(t, []string{"alpha", "bravo", "charlie"}, res.out.Implicit)
	// Implicit acks are terminal: no retry for them.
	require.False(t, fx.sched.RetryInFlight())
}

func TestRetryAttemptsZeroDisablesRetry(t *testing.T) {
	fx := newFixture(t, Config{AckMode: true, AckWindow: 5 * time.Second, RetryDelay: time.Minute, RetryAttempts: 0})

	done := dispatchAsync(fx, "reading", "station")
	waitFor(t, func() bool { return fx.track.PendingCount() == 3 })
	settle()
	fx.clk.Add(5 * time.Second)
	res := <-done
	require.NoError(t, res.err)
	require.Len(t, res.out.Pending, 3)
	require.False(t, fx.sched.RetryInFlight())

	fx.clk.Add(time.Minute)
	require.Equal(t, 3, fx.tr.sentCount())
}

func TestDispatchPointToPoint(t *testing.T) {
	fx := newFixture(t, Config{AckMode: false})

	// Self not resolved: single send to the selected target.
	out, err := fx.sched.Dispatch(context.Background(), []byte("reading"), "", nil)
	require.NoError(t, err)
	require.Equal(t, 1, out.Sent)
	require.Equal(t, uint32(1), fx.tr.sentAfter(0)[0].Dest)
}

func TestDispatchAllSendsFail(t *testing.T) {
	fx := newFixture(t, Config{AckMode: false})
	boom := errors.New("radio gone")
	for _, a := range []uint32{1, 2, 3} {
		fx.tr.failNext[a] = boom
	}

	_, err := fx.sched.Dispatch(context.Background(), []byte("reading"), "station", nil)
	require.ErrorIs(t, err, boom)
}

func TestDispatchPartialSendFailure(t *testing.T) {
	fx := newFixture(t, Config{AckMode: false})
	fx.tr.failNext[2] = errors.New("radio busy")

	out, err := fx.sched.Dispatch(context.Background(), []byte("reading"), "station", nil)
	require.NoError(t, err)
	require.Equal(t, 2, out.Sent)
}

func TestSignalLookupCarriedToTracker(t *testing.T) {
	fx := newFixture(t, Config{AckMode: true, AckWindow: 5 * time.Second, ConfirmReplies: true, ConfirmWait: 30 * time.Second})

	var mu sync.Mutex
	var gotPeer string
	var gotSig *float64
	fx.track.SetConfirmFunc(func(peer string, sig *float64) {
		mu.Lock()
		gotPeer, gotSig = peer, sig
		mu.Unlock()
	})

	lookup := func(p peers.Peer) *float64 {
		if p.Name == "alpha" {
			v := -8.0
			return &v
		}
		return nil
	}

	done := make(chan dispatchResult, 1)
	go func() {
		out, err := fx.sched.Dispatch(context.Background(), []byte("reading"), "", lookup)
		done <- dispatchResult{out, err}
	}()
	waitFor(t, func() bool { return fx.track.PendingCount() == 1 })

	fx.track.HandleEvent(delivery.Event{ID: fx.tr.sentAfter(0)[0].ID, From: 0x99})
	mu.Lock()
	require.Equal(t, "alpha", gotPeer)
	require.NotNil(t, gotSig)
	require.Equal(t, -8.0, *gotSig)
	mu.Unlock()

	settle()
	fx.clk.Add(5 * time.Second)
	<-done
}

func TestConfirmReplyScheduledAfterRealAck(t *testing.T) {
	fx := newFixture(t, Config{AckMode: true, AckWindow: 5 * time.Second, ConfirmReplies: true, ConfirmWait: 30 * time.Second, RetryAttempts: 0})

	done := dispatchAsync(fx, "reading", "")
	waitFor(t, func() bool { return fx.track.PendingCount() == 1 })

	snrSend := fx.tr.sentAfter(0)[0]
	fx.track.HandleEvent(delivery.Event{ID: snrSend.ID, From: 0x99})

	settle()
	fx.clk.Add(5 * time.Second)
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, []string{"alpha"}, res.out.Acked)

	// Not a moment before the confirm delay elapses.
	fx.clk.Add(25*time.Second - time.Millisecond)
	require.Equal(t, 1, fx.tr.sentCount())

	fx.clk.Add(time.Millisecond)
	confirms := fx.tr.sentAfter(1)
	require.Len(t, confirms, 1)
	require.Equal(t, uint32(1), confirms[0].Dest)
	require.False(t, confirms[0].Opts.WantAck)
	require.True(t, strings.HasPrefix(confirms[0].Payload, "rx ok "))
}

func TestConfirmDisabledWithoutConfirmReplies(t *testing.T) {
	fx := newFixture(t, Config{AckMode: true, AckWindow: 5 * time.Second, ConfirmWait: 30 * time.Second})

	done := dispatchAsync(fx, "reading", "")
	waitFor(t, func() bool { return fx.track.PendingCount() == 1 })
	fx.track.HandleEvent(delivery.Event{ID: fx.tr.sentAfter(0)[0].ID, From: 0x99})

	settle()
	fx.clk.Add(5 * time.Second)
	<-done

	fx.clk.Add(time.Minute)
	require.Equal(t, 1, fx.tr.sentCount())
}

func TestConfigDefaults(t *testing.T) {
	c := Config{RetryAttempts: 5}
	c.applyDefaults()
	require.Equal(t, 5*time.Second, c.AckWindow)
	require.Equal(t, time.Minute, c.RetryDelay)
	require.Equal(t, 1, c.RetryAttempts)
	require.Equal(t, 30*time.Second, c.ConfirmWait)
	require.Equal(t, 3, c.HopLimit)

	c = Config{RetryAttempts: -2}
	c.applyDefaults()
	require.Equal(t, 0, c.RetryAttempts)
}
