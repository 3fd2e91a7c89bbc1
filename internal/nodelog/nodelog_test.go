package nodelog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/iainonline/meshtastic-weather-works/internal/logx"
)

var baseTime = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func newTestLog(t *testing.T) (*Log, *clock.Mock, string) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(baseTime)
	path := filepath.Join(t.TempDir(), "nodes.csv")
	return New(logx.Nop(), mock, path, 5*time.Minute, 7), mock, path
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func sampleRow(ts time.Time) Row {
	return Row{
		Time:      ts,
		NodeID:    "!9e7656a8",
		Name:      "base",
		SNR:       -8.25,
		Hops:      2,
		LastHeard: ts.Add(-30 * time.Second),
		Online:    true,
	}
}

func TestFlushCreatesFileWithHeader(t *testing.T) {
	l, _, path := newTestLog(t)
	l.Append([]Row{sampleRow(baseTime)})
	require.NoError(t, l.Flush())

	rows := readCSV(t, path)
	require.Len(t, rows, 2)
	require.Equal(t, header, rows[0])
	require.Equal(t, []string{
		"2026-08-30 12:00:00", "!9e7656a8", "base", "-8.2", "2", "2026-08-30 11:59:30", "online",
	}, rows[1])
}

func TestFlushAppendsWithoutDuplicateHeader(t *testing.T) {
	l, _, path := newTestLog(t)
	l.Append([]Row{sampleRow(baseTime)})
	require.NoError(t, l.Flush())
	l.Append([]Row{sampleRow(baseTime.Add(time.Minute))})
	require.NoError(t, l.Flush())

	rows := readCSV(t, path)
	require.Len(t, rows, 3)
	require.Equal(t, header, rows[0])
	require.NotEqual(t, header, rows[1])
	require.NotEqual(t, header, rows[2])
}

func TestFlushEmptyBufferWritesNothing(t *testing.T) {
	l, _, path := newTestLog(t)
	require.NoError(t, l.Flush())
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestNeverHeardRendersNever(t *testing.T) {
	l, _, path := newTestLog(t)
	l.Append([]Row{{Time: baseTime, NodeID: "!00000001", Name: "alpha", SNR: 0, Hops: 0}})
	require.NoError(t, l.Flush())

	rows := readCSV(t, path)
	require.Equal(t, "Never", rows[1][5])
	require.Equal(t, "offline", rows[1][6])
}

func TestMaybeFlushHonorsAutosaveInterval(t *testing.T) {
	l, mock, path := newTestLog(t)
	l.Append([]Row{sampleRow(baseTime)})

	l.MaybeFlush()
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "flushed before the autosave interval")

	mock.Add(5 * time.Minute)
	l.MaybeFlush()
	rows := readCSV(t, path)
	require.Len(t, rows, 2)
}

func TestRetentionDropsOldAndMalformedRows(t *testing.T) {
	l, mock, path := newTestLog(t)

	old := sampleRow(baseTime.Add(-8 * 24 * time.Hour))
	recent := sampleRow(baseTime.Add(-time.Hour))
	l.Append([]Row{old, recent})
	require.NoError(t, l.Flush())

	// Sneak a malformed row in, as a half-written line after a power cut
	// would leave.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("garbage-timestamp,!x,x,0,0,Never,offline\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	mock.Add(5 * time.Minute)
	l.MaybeFlush() // nothing buffered, but cleanup still runs on old data
	require.NoError(t, l.cleanupOld())

	rows := readCSV(t, path)
	require.Len(t, rows, 2)
	require.Equal(t, header, rows[0])
	require.Equal(t, recent.Time.Format("2006-01-02 15:04:05"), rows[1][0])
}
