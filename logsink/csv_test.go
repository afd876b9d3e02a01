package logsink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ky4olb/wwvengine/wwv"
)

func TestWallTimeStrFormatsOffsetFromStart(t *testing.T) {
	start := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	got := WallTimeStr(start, 61500.0)
	assert.Equal(t, "12:01:01", got)
}

func TestOpenWritesHeaderCommentsAndColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tick.csv")
	w, err := Open(path, time.Now(), []string{"wwvengine tick log", "station WWV"}, "time,timestamp_ms,tick_num")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "# wwvengine tick log", lines[0])
	assert.Equal(t, "# station WWV", lines[1])
	assert.Equal(t, "time,timestamp_ms,tick_num", lines[2])
}

func TestTickRowWritesExpectedColumnCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tick.csv")
	start := time.Now()
	w, err := Open(path, start, nil, "time,timestamp_ms,tick_num,expected,energy_peak,duration_ms,interval_ms,avg_interval_ms,noise_floor,corr_peak,corr_ratio")
	require.NoError(t, err)

	w.TickRow(1, wwv.TickEvent{
		TrailingEdgeMs:      1000.0,
		IntervalSincePrevMs: 1000.0,
		DurationMs:          5.0,
		PeakEnergy:          0.8,
		NoiseFloor:          0.01,
		CorrelationPeak:     0.9,
		CorrelationRatio:    12.0,
	}, 1000.0)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, 11, len(strings.Split(lines[1], ",")))
}

func TestSymbolRowRoundTripsSymbolStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.csv")
	w, err := Open(path, time.Now(), nil, "time,timestamp_ms,second,symbol,source,confidence")
	require.NoError(t, err)

	w.SymbolRow(wwv.SymbolEvent{
		Symbol:      wwv.SymbolPMarker,
		Second:      9,
		TimestampMs: 9500.0,
		Confidence:  1.0,
		Source:      wwv.SymbolSourceBoth,
	})
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), ",P,BOTH,1.00")
}
