// Package sigstat keeps rolling per-peer signal quality statistics. The
// running mean covers every sample ever seen; the recent window holds only
// the last 100 observations for trend display.
package sigstat

import (
	"github.com/iainonline/meshtastic-weather-works/internal/logx"
)

// RecentWindowSize bounds the per-peer FIFO of recent samples.
const RecentWindowSize = 100

// Stats is the persisted statistics record for one peer.
type Stats struct {
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Mean        float64   `json:"mean"`
	SampleCount int64     `json:"sample_count"`
	Recent      []float64 `json:"recent"`
}

// Persister saves the full statistics table. Failures must be treated as
// non-fatal by callers.
type Persister interface {
	Save(map[string]Stats) error
}

// Tracker owns the per-peer tables. It is only ever touched from the sensing
// tick, so it carries no lock; the delivery tracker is the one piece of
// state with concurrent writers.
type Tracker struct {
	log          *logx.Logger
	store        Persister
	persistEvery int

	stats     map[string]*Stats
	sinceSave map[string]int
}

// NewTracker builds a tracker seeding it with previously persisted stats.
// store may be nil to disable persistence.
func NewTracker(log *logx.Logger, store Persister, persistEvery int, seed map[string]Stats) *Tracker {
	if persistEvery <= 0 {
		persistEvery = 10
	}
	t := &Tracker{
		log:          log,
		store:        store,
		persistEvery: persistEvery,
		stats:        make(map[string]*Stats),
		sinceSave:    make(map[string]int),
	}
	for name, s := range seed {
		cp := s
		if len(cp.Recent) > RecentWindowSize {
			cp.Recent = append([]float64(nil), cp.Recent[len(cp.Recent)-RecentWindowSize:]...)
		}
		t.stats[name] = &cp
	}
	return t
}

// Record folds one observed signal value into the peer's statistics. Every
// persistEvery-th sample for a peer the whole table is written out; a failed
// write is logged and the tick carries on.
func (t *Tracker) Record(peer string, v float64) {
	s, ok := t.stats[peer]
	if !ok {
		s = &Stats{Min: v, Max: v, Mean: v, SampleCount: 1, Recent: []float64{v}}
		t.stats[peer] = s
	} else {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		s.Mean = (s.Mean*float64(s.SampleCount) + v) / float64(s.SampleCount+1)
		s.SampleCount++
		s.Recent = append(s.Recent, v)
		if len(s.Recent) > RecentWindowSize {
			s.Recent = s.Recent[len(s.Recent)-RecentWindowSize:]
		}
	}

	t.sinceSave[peer]++
	if t.store != nil && t.sinceSave[peer]%t.persistEvery == 0 {
		if err := t.store.Save(t.All()); err != nil {
			t.log.Warnf("SIGSTAT PERSIST failed (in-memory state still authoritative): %v", err)
		} else {
			t.log.Debugf("SIGSTAT PERSIST → %d peer(s) after %d sample(s) for %s",
				len(t.stats), t.sinceSave[peer], peer)
		}
	}
}

// Snapshot returns a copy of the peer's statistics.
func (t *Tracker) Snapshot(peer string) (Stats, bool) {
	s, ok := t.stats[peer]
	if !ok {
		return Stats{}, false
	}
	cp := *s
	cp.Recent = append([]float64(nil), s.Recent...)
	return cp, true
}

// LastSample returns the most recent observation for a peer, if any.
func (t *Tracker) LastSample(peer string) (float64, bool) {
	s, ok := t.stats[peer]
	if !ok || len(s.Recent) == 0 {
		return 0, false
	}
	return s.Recent[len(s.Recent)-1], true
}

// All returns a copy of the full table, keyed by peer name.
func (t *Tracker) All() map[string]Stats {
	out := make(map[string]Stats, len(t.stats))
	for name, s := range t.stats {
		cp := *s
		cp.Recent = append([]float64(nil), s.Recent...)
		out[name] = cp
	}
	return out
}

// Flush writes the table out regardless of the per-peer cadence. Used at
// shutdown; errors are logged, not returned.
func (t *Tracker) Flush() {
	if t.store == nil || len(t.stats) == 0 {
		return
	}
	if err := t.store.Save(t.All()); err != nil {
		t.log.Warnf("SIGSTAT PERSIST (flush) failed: %v", err)
	}
}
