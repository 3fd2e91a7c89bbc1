// Package relay runs the per-tick send→wait→classify→retry protocol and the
// deferred confirmation replies. All waiting goes through the injected clock
// so tests drive a mock instead of wall time.
package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/iainonline/meshtastic-weather-works/internal/delivery"
	"github.com/iainonline/meshtastic-weather-works/internal/logx"
	"github.com/iainonline/meshtastic-weather-works/internal/message"
	"github.com/iainonline/meshtastic-weather-works/internal/peers"
	"github.com/iainonline/meshtastic-weather-works/internal/transport"
)

// ErrRetryBusy is returned when a new batch would overlap the single armed
// retry cycle. The caller skips the batch; blocking the sensing loop is not
// an option.
var ErrRetryBusy = errors.New("previous batch retry still in flight")

// Config holds the scheduler's timing knobs. RetryAttempts is a tunable but
// currently clamped to one cycle per batch; a peer still pending after that
// waits for the next natural tick.
type Config struct {
	AckMode        bool
	AckWindow      time.Duration
	RetryDelay     time.Duration
	RetryAttempts  int
	ConfirmReplies bool
	ConfirmWait    time.Duration
	HopLimit       int
	Channel        int
}

func (c *Config) applyDefaults() {
	if c.AckWindow <= 0 {
		c.AckWindow = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 60 * time.Second
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	if c.RetryAttempts > 1 {
		c.RetryAttempts = 1
	}
	if c.ConfirmWait <= 0 {
		c.ConfirmWait = 30 * time.Second
	}
	if c.HopLimit <= 0 {
		c.HopLimit = 3
	}
}

// SignalLookup supplies the signal value carried as signalAtSend, nil when
// the peer has never been heard.
type SignalLookup func(p peers.Peer) *float64

// Scheduler orchestrates one fan-out batch per sensing tick.
type Scheduler struct {
	log   *logx.Logger
	clk   clock.Clock
	tr    transport.Transport
	fan   *peers.Fanout
	reg   *peers.Registry
	track *delivery.Tracker
	cfg   Config

	mu         sync.Mutex
	retryArmed bool
}

func NewScheduler(log *logx.Logger, clk clock.Clock, tr transport.Transport, reg *peers.Registry, fan *peers.Fanout, track *delivery.Tracker, cfg Config) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		log:   log,
		clk:   clk,
		tr:    tr,
		fan:   fan,
		reg:   reg,
		track: track,
		cfg:   cfg,
	}
	if cfg.AckMode && cfg.ConfirmReplies {
		track.SetConfirmFunc(s.ScheduleConfirm)
	}
	return s
}

// Dispatch fans one reading out to the resolved targets and, in ack mode,
// waits the ack window before classifying the batch. The wait legitimately
// blocks the caller: no other work is expected during it. Any peer still
// pending afterwards gets exactly one retry, armed on the clock.
func (s *Scheduler) Dispatch(ctx context.Context, payload []byte, selfName string, sig SignalLookup) (delivery.Outcome, error) {
	s.mu.Lock()
	if s.retryArmed {
		s.mu.Unlock()
		s.log.Warnf("RELAY batch skipped: %v", ErrRetryBusy)
		return delivery.Outcome{}, ErrRetryBusy
	}
	s.mu.Unlock()

	targets, err := s.fan.ResolveTargets(selfName)
	if err != nil {
		return delivery.Outcome{}, err
	}

	ids, sent, sendErr := s.sendBatch(ctx, payload, targets, sig)
	if sent == 0 && sendErr != nil {
		return delivery.Outcome{}, sendErr
	}
	if !s.cfg.AckMode {
		// Nothing to wait for; the batch is complete at send time.
		return delivery.Outcome{Sent: sent}, nil
	}

	s.clk.Sleep(s.cfg.AckWindow)
	out := s.track.Collect(ids)
	out.Sent = sent
	s.log.Infof("RELAY batch classified → sent=%d acked=%d naked=%d implicit=%d pending=%d",
		out.Sent, len(out.Acked), len(out.Naked), len(out.Implicit), len(out.Pending))

	if len(out.Pending) > 0 && s.cfg.RetryAttempts > 0 {
		retryTargets := filterTargets(targets, out.Pending)
		s.armRetry(payload, retryTargets, sig)
	}
	s.track.Discard(ids)
	return out, nil
}

// sendBatch sends to every target and registers the resulting ids when acks
// are requested. A failed send is logged per peer; the first error is kept
// so a fully failed batch surfaces as a transport failure.
func (s *Scheduler) sendBatch(ctx context.Context, payload []byte, targets []peers.Peer, sig SignalLookup) (ids []string, sent int, firstErr error) {
	opts := transport.SendOptions{WantAck: s.cfg.AckMode, HopLimit: s.cfg.HopLimit, Channel: s.cfg.Channel}
	for _, p := range targets {
		id, err := s.tr.Send(ctx, payload, p.Addr, opts)
		if err != nil {
			s.log.Errorf("RELAY send failed → peer=%s: %v", p, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
		s.log.Infof("RELAY sent → peer=%s id=%s ack=%t", p, id, opts.WantAck)
		if s.cfg.AckMode {
			var at *float64
			if sig != nil {
				at = sig(p)
			}
			s.track.Register(id, p.Name, at)
		}
		ids = append(ids, id)
	}
	return ids, sent, firstErr
}

// armRetry schedules the single retry cycle for the batch's still-pending
// peers: a resend at +RetryDelay and its classification one ack window
// later. Both callbacks are non-blocking so a mocked clock can fire them
// inline. The retry slot stays held until classification clears it.
func (s *Scheduler) armRetry(payload []byte, targets []peers.Peer, sig SignalLookup) {
	s.mu.Lock()
	if s.retryArmed {
		s.mu.Unlock()
		return
	}
	s.retryArmed = true
	s.mu.Unlock()

	names := make([]string, len(targets))
	for i, p := range targets {
		names[i] = p.Name
	}
	s.log.Warnf("RELAY retry armed in %s for: %s", s.cfg.RetryDelay, strings.Join(names, ", "))

	s.clk.AfterFunc(s.cfg.RetryDelay, func() {
		ids, sent, _ := s.sendBatch(context.Background(), payload, targets, sig)
		s.log.Infof("RELAY retry sent to %d/%d peer(s)", sent, len(targets))
		s.clk.AfterFunc(s.cfg.AckWindow, func() {
			out := s.track.Collect(ids)
			for _, name := range out.Acked {
				s.log.Infof("RELAY retry delivered → peer=%s", name)
			}
			for _, name := range append(append([]string(nil), out.Pending...), out.Naked...) {
				s.log.Warnf("RELAY delivery failed for this tick → peer=%s", name)
			}
			s.track.Discard(ids)
			s.mu.Lock()
			s.retryArmed = false
			s.mu.Unlock()
		})
	})
}

// RetryInFlight reports whether the single retry slot is armed.
func (s *Scheduler) RetryInFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryArmed
}

// ScheduleConfirm queues the deferred confirmation reply to a peer whose
// message was really acknowledged. The reply itself never requests an ack:
// that would loop forever.
func (s *Scheduler) ScheduleConfirm(peer string, signalAtSend *float64) {
	if !s.cfg.ConfirmReplies {
		return
	}
	addr, err := s.reg.Lookup(peer)
	if err != nil {
		s.log.Errorf("RELAY confirm for unknown peer %q: %v", peer, err)
		return
	}
	s.log.Infof("RELAY confirm scheduled → peer=%s in %s", peer, s.cfg.ConfirmWait)
	s.clk.AfterFunc(s.cfg.ConfirmWait, func() {
		text := message.Confirm(s.clk.Now(), signalAtSend)
		opts := transport.SendOptions{WantAck: false, HopLimit: s.cfg.HopLimit, Channel: s.cfg.Channel}
		if _, err := s.tr.Send(context.Background(), []byte(text), addr, opts); err != nil {
			s.log.Warnf("RELAY confirm send failed → peer=%s: %v", peer, err)
			return
		}
		s.log.Infof("RELAY confirm sent → peer=%s", peer)
	})
}

func filterTargets(targets []peers.Peer, names []string) []peers.Peer {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make([]peers.Peer, 0, len(names))
	for _, p := range targets {
		if want[p.Name] {
			out = append(out, p)
		}
	}
	return out
}
