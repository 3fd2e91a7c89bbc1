// Package nodelog keeps the CSV audit trail of mesh nodes the station has
// heard: buffered in memory, flushed on an interval, and trimmed to a
// retention window so the file never grows without bound.
package nodelog

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/iainonline/meshtastic-weather-works/internal/logx"
)

const timeLayout = "2006-01-02 15:04:05"

var header = []string{"Timestamp", "Node_ID", "Node_Name", "SNR", "Hops", "Last_Heard", "Status"}

// Row is one observation of one node.
type Row struct {
	Time      time.Time
	NodeID    string
	Name      string
	SNR       float64
	Hops      int
	LastHeard time.Time
	Online    bool
}

// Log buffers rows and owns the CSV file. Only the sensing tick touches it.
type Log struct {
	log       *logx.Logger
	clk       clock.Clock
	path      string
	autosave  time.Duration
	retention time.Duration

	buf      [][]string
	lastSave time.Time
}

func New(log *logx.Logger, clk clock.Clock, path string, autosave time.Duration, retentionDays int) *Log {
	if autosave <= 0 {
		autosave = 5 * time.Minute
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	return &Log{
		log:       log,
		clk:       clk,
		path:      path,
		autosave:  autosave,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		lastSave:  clk.Now(),
	}
}

// Append buffers rows for the next flush.
func (l *Log) Append(rows []Row) {
	for _, r := range rows {
		status := "offline"
		if r.Online {
			status = "online"
		}
		lastHeard := "Never"
		if !r.LastHeard.IsZero() {
			lastHeard = r.LastHeard.Format(timeLayout)
		}
		l.buf = append(l.buf, []string{
			r.Time.Format(timeLayout),
			r.NodeID,
			r.Name,
			strconv.FormatFloat(r.SNR, 'f', 1, 64),
			strconv.Itoa(r.Hops),
			lastHeard,
			status,
		})
	}
}

// MaybeFlush writes the buffer out once the autosave interval has elapsed,
// then trims old rows. Failures are logged and retried next interval.
func (l *Log) MaybeFlush() {
	if l.clk.Now().Sub(l.lastSave) < l.autosave {
		return
	}
	if err := l.Flush(); err != nil {
		l.log.Errorf("NODELOG save failed: %v", err)
		return
	}
	if err := l.cleanupOld(); err != nil {
		l.log.Errorf("NODELOG retention cleanup failed: %v", err)
	}
}

// Flush appends the buffered rows to the CSV file, creating it with a header
// when missing.
func (l *Log) Flush() error {
	if len(l.buf) == 0 {
		l.lastSave = l.clk.Now()
		return nil
	}
	writeHeader := false
	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		writeHeader = true
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open node log: %w", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write node log header: %w", err)
		}
	}
	if err := w.WriteAll(l.buf); err != nil {
		return fmt.Errorf("write node log rows: %w", err)
	}
	l.log.Infof("NODELOG saved %d entries to %s", len(l.buf), l.path)
	l.buf = nil
	l.lastSave = l.clk.Now()
	return nil
}

// cleanupOld rewrites the file keeping only rows inside the retention
// window. Malformed rows are dropped.
func (l *Log) cleanupOld() error {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	rows, err := csv.NewReader(f).ReadAll()
	f.Close()
	if err != nil {
		return fmt.Errorf("read node log: %w", err)
	}
	if len(rows) <= 1 {
		return nil
	}

	cutoff := l.clk.Now().Add(-l.retention)
	kept := rows[:1] // header
	for _, row := range rows[1:] {
		if len(row) == 0 {
			continue
		}
		ts, err := time.Parse(timeLayout, row[0])
		if err != nil {
			continue
		}
		if !ts.Before(cutoff) {
			kept = append(kept, row)
		}
	}
	removed := len(rows) - len(kept)
	if removed == 0 {
		return nil
	}

	tmp := l.path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := csv.NewWriter(out)
	if err := w.WriteAll(kept); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return err
	}
	l.log.Infof("NODELOG removed %d entries older than %s", removed, l.retention)
	return nil
}
