// Package station owns the whole relay core: registry, trackers, scheduler,
// link manager and transport, constructed once at startup and driven by one
// sensing tick. No ambient globals; everything hangs off the Station.
package station

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/iainonline/meshtastic-weather-works/internal/config"
	"github.com/iainonline/meshtastic-weather-works/internal/delivery"
	"github.com/iainonline/meshtastic-weather-works/internal/link"
	"github.com/iainonline/meshtastic-weather-works/internal/logx"
	"github.com/iainonline/meshtastic-weather-works/internal/message"
	"github.com/iainonline/meshtastic-weather-works/internal/nodelog"
	"github.com/iainonline/meshtastic-weather-works/internal/peers"
	"github.com/iainonline/meshtastic-weather-works/internal/relay"
	"github.com/iainonline/meshtastic-weather-works/internal/sensor"
	"github.com/iainonline/meshtastic-weather-works/internal/sigstat"
	"github.com/iainonline/meshtastic-weather-works/internal/transport"
)

type Station struct {
	log *logx.Logger
	clk clock.Clock
	cfg *config.Config

	reg   *peers.Registry
	fan   *peers.Fanout
	sig   *sigstat.Tracker
	track *delivery.Tracker
	sched *relay.Scheduler
	lmgr  *link.Manager
	tr    transport.Transport
	sr    sensor.Reader
	nlog  *nodelog.Log

	template string

	// selfName is the registry name of the connected radio, "" while
	// unresolved. Written only from the sensing tick (via the reconnect
	// callback) and read only there and at dispatch time.
	selfName string

	lastReading *sensor.Reading
}

// New wires the station from config. The transport and sensor are injected
// so tests (and the hardware-less simulator) can substitute their own.
func New(cfg *config.Config, log *logx.Logger, clk clock.Clock, tr transport.Transport, sr sensor.Reader) (*Station, error) {
	list := make([]peers.Peer, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		addr, err := peers.ParseAddr(n.Addr)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.Name, err)
		}
		list = append(list, peers.Peer{Name: n.Name, Addr: addr})
	}
	reg, err := peers.NewRegistry(list)
	if err != nil {
		return nil, err
	}

	store := sigstat.NewStore(cfg.Stats.File)
	seed, err := store.Load()
	if err != nil {
		log.Warnf("SIGSTAT load failed, starting fresh: %v", err)
		seed = map[string]sigstat.Stats{}
	}
	sig := sigstat.NewTracker(log, store, cfg.Stats.PersistEvery, seed)

	track := delivery.NewTracker(log, clk)
	fan := peers.NewFanout(log, reg, cfg.Settings.SelectedNode)
	sched := relay.NewScheduler(log, clk, tr, reg, fan, track, relay.Config{
		AckMode:        cfg.Settings.AckMode,
		AckWindow:      cfg.Settings.AckWindow,
		RetryDelay:     cfg.Settings.RetryDelay,
		RetryAttempts:  cfg.Settings.RetryAttempts,
		ConfirmReplies: cfg.Settings.ConfirmReplies,
		ConfirmWait:    cfg.Settings.ConfirmWait,
		HopLimit:       cfg.Settings.HopLimit,
		Channel:        cfg.Settings.Channel,
	})

	s := &Station{
		log:      log,
		clk:      clk,
		cfg:      cfg,
		reg:      reg,
		fan:      fan,
		sig:      sig,
		track:    track,
		sched:    sched,
		tr:       tr,
		sr:       sr,
		template: cfg.Template(message.DefaultTemplate),
		nlog:     nodelog.New(log, clk, cfg.Logging.CSVFile, cfg.Logging.AutoSaveInterval, cfg.Logging.RetentionDays),
	}
	s.lmgr = link.NewManager(log, clk, tr, cfg.Settings.ReconnectInterval, s.handleConnect)
	return s, nil
}

// handleConnect re-resolves the station's identity after every successful
// connect; the radio that comes back may not be the one that failed.
func (s *Station) handleConnect(info transport.NodeInfo) {
	s.track.SetLocalAddr(info.Num)
	name, ok := s.reg.ResolveSelf(info.Num)
	s.selfName = name
	if ok {
		others := s.reg.TargetsExcluding(name)
		s.log.Infof("STATION identity → %s (%s), broadcasting to %d other node(s)",
			name, peers.FormatAddr(info.Num), len(others))
	} else {
		s.log.Infof("STATION identity → %s not in config, point-to-point to %s",
			peers.FormatAddr(info.Num), s.fan.Selected())
	}
}

// Run drives the station until ctx is cancelled: the transport event pump on
// one goroutine, the sensing tick on another. The pump is the sole consumer
// of acknowledgment events.
func (s *Station) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.eventPump(ctx) })
	g.Go(func() error { return s.tickLoop(ctx) })
	return g.Wait()
}

func (s *Station) eventPump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.tr.Events():
			if !ok {
				return nil
			}
			s.track.HandleEvent(delivery.Event{ID: ev.ID, From: ev.From, Reason: ev.Error})
		}
	}
}

func (s *Station) tickLoop(ctx context.Context) error {
	ticker := s.clk.Ticker(s.cfg.Settings.UpdateInterval)
	defer ticker.Stop()
	for {
		s.OnTick(ctx)
		s.pollAndSubmit(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// OnTick runs the housekeeping that must happen every tick regardless of
// whether a reading was available: reconnect checks, expiry sweep, audit-log
// autosave.
func (s *Station) OnTick(ctx context.Context) {
	s.lmgr.EnsureConnected(ctx)
	if n := s.track.SweepExpired(s.cfg.Settings.PendingMaxAge); n > 0 {
		s.log.Infof("STATION swept %d expired pending message(s)", n)
	}
	s.nlog.MaybeFlush()
}

func (s *Station) pollAndSubmit(ctx context.Context) {
	rd, err := s.sr.Read(ctx)
	if err != nil || !rd.Valid() {
		if s.lastReading != nil {
			s.log.Warnf("* Temperature: %.1fF (last reading)", s.lastReading.TempF())
			s.log.Warnf("* Humidity: %.1f%% (last reading)", s.lastReading.Humidity)
		} else {
			s.log.Warnf("* No sensor data available yet")
		}
		return
	}
	s.lastReading = &rd
	s.log.Infof("Temperature: %.1fF", rd.TempF())
	s.log.Infof("Humidity: %.1f%%", rd.Humidity)

	if _, err := s.SubmitReading(ctx, rd); err != nil {
		switch {
		case errors.Is(err, relay.ErrRetryBusy):
			// Already logged by the scheduler; nothing else to do this tick.
		case errors.Is(err, transport.ErrDisconnected):
			s.log.Warnf("STATION radio not available, skipping send")
		default:
			s.log.Errorf("STATION submit failed: %v", err)
		}
	}
}

// SubmitReading is the single per-tick entry point: it records signal
// observations for the tick's targets, renders the reading text and hands it
// to the scheduler for fan-out and confirmation tracking.
func (s *Station) SubmitReading(ctx context.Context, rd sensor.Reading) (delivery.Outcome, error) {
	if !s.tr.Connected() {
		return delivery.Outcome{}, transport.ErrDisconnected
	}
	targets, err := s.fan.ResolveTargets(s.selfName)
	if err != nil {
		return delivery.Outcome{}, err
	}

	// Signal observations are recorded independently of delivery outcome.
	now := s.clk.Now()
	var rows []nodelog.Row
	for _, p := range targets {
		q, ok := s.tr.Quality(p.Addr)
		if !ok {
			continue
		}
		s.sig.Record(p.Name, q.SNR)
		rows = append(rows, nodelog.Row{
			Time:      now,
			NodeID:    peers.FormatAddr(p.Addr),
			Name:      p.Name,
			SNR:       q.SNR,
			Hops:      q.Hops,
			LastHeard: q.LastHeard,
			Online:    now.Sub(q.LastHeard) < 15*time.Minute,
		})
	}
	s.nlog.Append(rows)

	online, total := s.tr.OnlineCounts()
	fields := message.Fields{
		Now:      now,
		TempF:    rd.TempF(),
		Humidity: rd.Humidity,
		Online:   online,
		Total:    total,
	}
	if len(targets) > 0 {
		if q, ok := s.tr.Quality(targets[0].Addr); ok {
			snr := q.SNR
			hops := q.Hops
			fields.SNR = &snr
			fields.Hops = &hops
		}
	}
	text := message.Render(s.template, fields)

	lookup := func(p peers.Peer) *float64 {
		if q, ok := s.tr.Quality(p.Addr); ok {
			v := q.SNR
			return &v
		}
		if v, ok := s.sig.LastSample(p.Name); ok {
			return &v
		}
		return nil
	}
	out, err := s.sched.Dispatch(ctx, []byte(text), s.selfName, lookup)
	if err != nil {
		return out, err
	}
	s.log.Infof("STATION message sent to %d node(s): %q", out.Sent, text)
	return out, nil
}

// GetSignalStats returns the rolling statistics for one peer.
func (s *Station) GetSignalStats(peer string) (sigstat.Stats, bool) {
	return s.sig.Snapshot(peer)
}

// AllSignalStats returns the rolling statistics for every observed peer.
func (s *Station) AllSignalStats() map[string]sigstat.Stats {
	return s.sig.All()
}

// SelfName reports the resolved identity of the connected radio, "" when it
// is not a configured peer.
func (s *Station) SelfName() string { return s.selfName }

// Close flushes persistent state and shuts the transport down. In-flight
// radio packets are left to be dropped by the transport on close.
func (s *Station) Close() {
	if err := s.nlog.Flush(); err != nil {
		s.log.Warnf("STATION node log flush failed: %v", err)
	}
	s.sig.Flush()
	if err := s.tr.Close(); err != nil {
		s.log.Warnf("STATION transport close failed: %v", err)
	}
	s.log.Sync()
}
