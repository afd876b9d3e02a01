// Package logsink writes per-detector CSV logs, one row per event, in the
// column layout the original detectors used so existing analysis scripts
// built against those logs keep working unchanged.
package logsink

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/ky4olb/wwvengine/wwv"
)

// WallTimeStr formats a frame timestamp (milliseconds since startTime) as
// an HH:MM:SS local wall-clock string, for the leading column of every CSV
// row.
func WallTimeStr(startTime time.Time, timestampMs float64) string {
	eventTime := startTime.Add(time.Duration(timestampMs) * time.Millisecond)
	return eventTime.Format("15:04:05")
}

// Writer wraps a buffered CSV file for one detector's log, writing a
// comment-prefixed header block followed by a column header row.
type Writer struct {
	f         *os.File
	w         *bufio.Writer
	startTime time.Time
}

// Open creates (or truncates) path and writes the given header comment
// lines (each prefixed with "# ") followed by columns as the final header
// row.
func Open(path string, startTime time.Time, headerComments []string, columns string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("logsink: open %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	for _, line := range headerComments {
		fmt.Fprintf(w, "# %s\n", line)
	}
	fmt.Fprintf(w, "%s\n", columns)
	if err := w.Flush(); err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{f: f, w: w, startTime: startTime}, nil
}

func (w *Writer) writeRow(row string) {
	fmt.Fprintln(w.w, row)
}

// Flush flushes buffered rows to disk.
func (w *Writer) Flush() error { return w.w.Flush() }

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.w.Flush()
	return w.f.Close()
}

// TickRow writes one tick-detector CSV row.
// Columns: time,timestamp_ms,tick_num,expected,energy_peak,duration_ms,interval_ms,avg_interval_ms,noise_floor,corr_peak,corr_ratio
func (w *Writer) TickRow(tickNum int, evt wwv.TickEvent, avgIntervalMs float64) {
	w.writeRow(fmt.Sprintf("%s,%.1f,%d,1,%.6f,%.1f,%.1f,%.1f,%.6f,%.6f,%.3f",
		WallTimeStr(w.startTime, evt.TrailingEdgeMs), evt.TrailingEdgeMs, tickNum,
		evt.PeakEnergy, evt.DurationMs, evt.IntervalSincePrevMs, avgIntervalMs,
		evt.NoiseFloor, evt.CorrelationPeak, evt.CorrelationRatio))
}

// MarkerRow writes one marker-detector CSV row.
// Columns: time,timestamp_ms,marker_num,wwv_sec,expected,accum_energy,duration_ms,since_last_sec,baseline,threshold
func (w *Writer) MarkerRow(markerNum int, evt wwv.MarkerEvent, sinceLastSec, threshold float64) {
	w.writeRow(fmt.Sprintf("%s,%.1f,%d,0,1,%.6f,%.1f,%.1f,%.6f,%.6f",
		WallTimeStr(w.startTime, evt.TrailingEdgeMs), evt.TrailingEdgeMs, markerNum,
		evt.PeakAccumulatedEnergy, evt.DurationMs, sinceLastSec, evt.Baseline, threshold))
}

// BcdTimeRow writes one time-domain BCD pulse CSV row.
// Columns: time,timestamp_ms,pulse_num,peak_energy,duration_ms,noise_floor,snr_db
func (w *Writer) BcdTimeRow(pulseNum int, evt wwv.BcdPulseEvent) {
	w.writeRow(fmt.Sprintf("%s,%.1f,%d,%.6f,%.1f,%.6f,%.2f",
		WallTimeStr(w.startTime, evt.StartMs), evt.StartMs, pulseNum,
		evt.PeakEnergy, evt.DurationMs, evt.BaselineOrNoise, evt.SNRDb))
}

// BcdFreqRow writes one frequency-domain BCD pulse CSV row.
// Columns: time,timestamp_ms,pulse_num,accum_energy,duration_ms,baseline,snr_db
func (w *Writer) BcdFreqRow(pulseNum int, evt wwv.BcdPulseEvent) {
	w.writeRow(fmt.Sprintf("%s,%.1f,%d,%.6f,%.1f,%.6f,%.2f",
		WallTimeStr(w.startTime, evt.StartMs), evt.StartMs, pulseNum,
		evt.PeakEnergy, evt.DurationMs, evt.BaselineOrNoise, evt.SNRDb))
}

// ToneRow writes one reference-tone measurement CSV row.
// Columns: time,timestamp_ms,measured_hz,offset_hz,offset_ppm,snr_db,valid
func (w *Writer) ToneRow(timestampMs float64, m wwv.ToneMeasurement) {
	valid := 0
	if m.Valid {
		valid = 1
	}
	w.writeRow(fmt.Sprintf("%s,%.1f,%.3f,%.3f,%.3f,%.2f,%d",
		WallTimeStr(w.startTime, timestampMs), timestampMs,
		m.MeasuredHz, m.OffsetHz, m.OffsetPpm, m.SNRDb, valid))
}

// SymbolRow writes one classified BCD symbol CSV row.
// Columns: time,timestamp_ms,second,symbol,source,confidence
func (w *Writer) SymbolRow(evt wwv.SymbolEvent) {
	w.writeRow(fmt.Sprintf("%s,%.1f,%d,%s,%s,%.2f",
		WallTimeStr(w.startTime, evt.TimestampMs), evt.TimestampMs, evt.Second,
		evt.Symbol.String(), evt.Source.String(), evt.Confidence))
}
