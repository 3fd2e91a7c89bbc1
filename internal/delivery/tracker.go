// Package delivery tracks outgoing mesh messages awaiting acknowledgment.
//
// The radio stack reports "packet accepted by the local node" through the
// same event stream as "packet accepted by the destination"; the only way to
// tell them apart is to compare the event's origin address against our own.
// Conflating the two would make every send look successful even when nothing
// left the building, hence the three-way Acked/ImplicitAcked/Naked split.
package delivery

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/iainonline/meshtastic-weather-works/internal/logx"
)

// State of one tracked message.
type State int

const (
	StateUnknown State = iota
	StatePending
	StateAcked
	StateImplicitAcked
	StateNaked
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateAcked:
		return "ACKED"
	case StateImplicitAcked:
		return "IMPLICIT-ACK"
	case StateNaked:
		return "NAKED"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateAcked || s == StateImplicitAcked || s == StateNaked || s == StateExpired
}

// Event is one asynchronous acknowledgment from the transport. An empty
// Reason means success; From is the address the event originated at.
type Event struct {
	ID     string
	From   uint32
	Reason string
}

// Outcome is the point-in-time classification of one fan-out batch, by peer
// name. ImplicitAcked peers are reported separately and must never be read
// as delivered.
type Outcome struct {
	Sent     int
	Acked    []string
	Naked    []string
	Pending  []string
	Implicit []string
}

// ConfirmFunc is invoked when a message is really acknowledged by a remote
// peer, carrying the signal value observed at send time (nil if unknown).
type ConfirmFunc func(peer string, signalAtSend *float64)

type entry struct {
	peer      string
	sigAtSend *float64
	createdAt time.Time
	state     State
}

// recentSize bounds the cache of already-resolved ids used to tell duplicate
// events from genuinely unknown ones.
const recentSize = 512

// Tracker owns the pending-message table. It is the only state in this core
// mutated from two goroutines (the sensing tick registers and collects, the
// transport event pump classifies), so every access goes through the mutex.
type Tracker struct {
	log *logx.Logger
	clk clock.Clock

	mu        sync.Mutex
	localAddr uint32
	entries   map[string]*entry
	recent    *lru.Cache[string, State]
	onAcked   ConfirmFunc
}

func NewTracker(log *logx.Logger, clk clock.Clock) *Tracker {
	recent, _ := lru.New[string, State](recentSize)
	return &Tracker{
		log:     log,
		clk:     clk,
		entries: make(map[string]*entry),
		recent:  recent,
	}
}

// SetLocalAddr records the connected radio's own node address, the pivot of
// the implicit-ack classification. Re-run after every reconnect: the radio
// that comes back may not be the one that failed.
func (t *Tracker) SetLocalAddr(a uint32) {
	t.mu.Lock()
	t.localAddr = a
	t.mu.Unlock()
}

// SetConfirmFunc installs the hook fired on a real acknowledgment. Leave it
// unset to disable confirmation replies.
func (t *Tracker) SetConfirmFunc(f ConfirmFunc) {
	t.mu.Lock()
	t.onAcked = f
	t.mu.Unlock()
}

// Register inserts a Pending entry for a just-sent message. Seeing an id
// that is already tracked is a protocol anomaly: warn and overwrite, don't
// crash.
func (t *Tracker) Register(id, peer string, signalAtSend *float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.entries[id]; ok {
		t.log.Warnf("DELIVERY anomaly: id=%s already tracked for peer=%s (state=%s), overwriting", id, prev.peer, prev.state)
	}
	t.entries[id] = &entry{
		peer:      peer,
		sigAtSend: signalAtSend,
		createdAt: t.clk.Now(),
		state:     StatePending,
	}
}

// HandleEvent classifies one acknowledgment event. Unknown ids are ignored:
// a hit in the recent cache means a duplicate or late event for a message we
// already resolved, anything else is a stray.
func (t *Tracker) HandleEvent(ev Event) {
	t.mu.Lock()
	e, ok := t.entries[ev.ID]
	if !ok {
		if prev, seen := t.recent.Get(ev.ID); seen {
			t.mu.Unlock()
			t.log.Debugf("DELIVERY duplicate event id=%s (was %s), ignored", ev.ID, prev)
			return
		}
		t.mu.Unlock()
		t.log.Debugf("DELIVERY stale event id=%s from=%d, ignored", ev.ID, ev.From)
		return
	}
	if e.state != StatePending {
		t.mu.Unlock()
		t.log.Debugf("DELIVERY extra event id=%s in state=%s, ignored", ev.ID, e.state)
		return
	}

	var confirm ConfirmFunc
	var confirmPeer string
	var confirmSig *float64
	switch {
	case ev.Reason != "":
		e.state = StateNaked
		t.log.Warnf("DELIVERY NAK ← peer=%s id=%s reason=%s", e.peer, ev.ID, ev.Reason)
	case ev.From == t.localAddr:
		// The radio only confirmed local queuing, not remote receipt.
		e.state = StateImplicitAcked
		t.log.Infof("DELIVERY IMPLICIT-ACK ← peer=%s id=%s (queued locally only)", e.peer, ev.ID)
	default:
		e.state = StateAcked
		t.log.Infof("DELIVERY ACK ← peer=%s id=%s from=%s", e.peer, ev.ID, formatAddr(ev.From))
		confirm = t.onAcked
		confirmPeer = e.peer
		confirmSig = e.sigAtSend
	}
	t.mu.Unlock()

	if confirm != nil {
		confirm(confirmPeer, confirmSig)
	}
}

// Status reports the point-in-time state of an id. Unknown means never
// registered, or already expired/collected.
func (t *Tracker) Status(id string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return StateUnknown
	}
	return e.state
}

// Collect samples the states of one batch of ids into an Outcome, keyed by
// the peer each id was sent to.
func (t *Tracker) Collect(ids []string) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := Outcome{Sent: len(ids)}
	for _, id := range ids {
		e, ok := t.entries[id]
		if !ok {
			continue
		}
		switch e.state {
		case StateAcked:
			out.Acked = append(out.Acked, e.peer)
		case StateNaked:
			out.Naked = append(out.Naked, e.peer)
		case StateImplicitAcked:
			out.Implicit = append(out.Implicit, e.peer)
		default:
			out.Pending = append(out.Pending, e.peer)
		}
	}
	return out
}

// Discard drops the batch's terminal entries, remembering their ids so late
// duplicate events are recognized. Entries still pending stay tracked until
// an event or the expiry sweep resolves them.
func (t *Tracker) Discard(ids []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		e, ok := t.entries[id]
		if !ok || !e.state.Terminal() {
			continue
		}
		t.recent.Add(id, e.state)
		delete(t.entries, id)
	}
}

// SweepExpired garbage-collects Pending entries older than maxAge. Returns
// the number removed. Called at least once per sensing tick.
func (t *Tracker) SweepExpired(maxAge time.Duration) int {
	now := t.clk.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, e := range t.entries {
		if e.state != StatePending {
			continue
		}
		if now.Sub(e.createdAt) > maxAge {
			t.log.Warnf("DELIVERY EXPIRED → peer=%s id=%s after %s without ack", e.peer, id, now.Sub(e.createdAt).Truncate(time.Second))
			t.recent.Add(id, StateExpired)
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}

func formatAddr(a uint32) string {
	return fmt.Sprintf("!%08x", a)
}

// PendingCount reports how many entries are still awaiting an event.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.state == StatePending {
			n++
		}
	}
	return n
}
