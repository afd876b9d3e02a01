// Package metrics exposes Prometheus collectors for the engine's detector
// counters, sync state, and tone-tracker offsets.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ky4olb/wwvengine/wwv"
)

// Metrics holds every Prometheus collector the engine updates, all labeled
// by station ("WWV" or "WWVH") so one process can track both.
type Metrics struct {
	ticksDetected   *prometheus.CounterVec
	ticksRejected   *prometheus.CounterVec
	markersDetected *prometheus.CounterVec
	symbolsTotal    *prometheus.CounterVec
	symbolConfidence *prometheus.GaugeVec

	syncState      *prometheus.GaugeVec
	syncConfidence *prometheus.GaugeVec

	toneOffsetHz  *prometheus.GaugeVec
	toneOffsetPpm *prometheus.GaugeVec
	toneSNRDb     *prometheus.GaugeVec

	noiseFloor *prometheus.GaugeVec
}

// New creates and registers every collector against the default registry.
func New() *Metrics {
	return &Metrics{
		ticksDetected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wwvengine_ticks_detected_total",
				Help: "Total short tick pulses detected.",
			},
			[]string{"station"},
		),
		ticksRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wwvengine_ticks_rejected_total",
				Help: "Total candidate pulses rejected by the tick detector.",
			},
			[]string{"station"},
		),
		markersDetected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wwvengine_markers_detected_total",
				Help: "Total confirmed minute markers.",
			},
			[]string{"station"},
		),
		symbolsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wwvengine_bcd_symbols_total",
				Help: "Total classified BCD symbols, by symbol value.",
			},
			[]string{"station", "symbol"},
		),
		symbolConfidence: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvengine_bcd_symbol_confidence",
				Help: "Confidence of the most recently classified BCD symbol.",
			},
			[]string{"station"},
		),
		syncState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvengine_sync_state",
				Help: "Fused sync state as an ordinal: 0=SEARCHING 1=ACQUIRING 2=LOCKED 3=RECOVERING.",
			},
			[]string{"station"},
		),
		syncConfidence: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvengine_sync_confidence",
				Help: "Fused sync confidence in [0,1].",
			},
			[]string{"station"},
		),
		toneOffsetHz: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvengine_tone_offset_hz",
				Help: "Measured frequency offset of a reference tone from nominal.",
			},
			[]string{"station", "tone"},
		),
		toneOffsetPpm: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvengine_tone_offset_ppm",
				Help: "Measured frequency offset of a reference tone in parts per million.",
			},
			[]string{"station", "tone"},
		),
		toneSNRDb: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvengine_tone_snr_db",
				Help: "Signal-to-noise ratio of the most recent reference-tone measurement.",
			},
			[]string{"station", "tone"},
		),
		noiseFloor: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wwvengine_noise_floor",
				Help: "Adaptive noise floor of a detector pipeline.",
			},
			[]string{"station", "pipeline"},
		),
	}
}

// RecordTick increments the tick or rejected-tick counter for station.
func (m *Metrics) RecordTick(station string, rejected bool) {
	if rejected {
		m.ticksRejected.WithLabelValues(station).Inc()
		return
	}
	m.ticksDetected.WithLabelValues(station).Inc()
}

// RecordMarker increments the confirmed-marker counter for station.
func (m *Metrics) RecordMarker(station string) {
	m.markersDetected.WithLabelValues(station).Inc()
}

// RecordSymbol updates the per-symbol counter and the latest-confidence gauge.
func (m *Metrics) RecordSymbol(station string, evt wwv.SymbolEvent) {
	m.symbolsTotal.WithLabelValues(station, evt.Symbol.String()).Inc()
	m.symbolConfidence.WithLabelValues(station).Set(evt.Confidence)
}

// RecordFrameTime updates the sync-state and sync-confidence gauges.
func (m *Metrics) RecordFrameTime(station string, ft wwv.FrameTime) {
	m.syncState.WithLabelValues(station).Set(float64(ft.State))
	m.syncConfidence.WithLabelValues(station).Set(ft.Confidence)
}

// RecordTone updates the offset/SNR gauges for one named reference tone
// (e.g. "carrier", "500hz", "600hz").
func (m *Metrics) RecordTone(station, toneName string, meas wwv.ToneMeasurement) {
	m.toneOffsetHz.WithLabelValues(station, toneName).Set(meas.OffsetHz)
	m.toneOffsetPpm.WithLabelValues(station, toneName).Set(meas.OffsetPpm)
	m.toneSNRDb.WithLabelValues(station, toneName).Set(meas.SNRDb)
}

// RecordNoiseFloor updates the noise-floor gauge for one detector pipeline
// (e.g. "tick", "marker", "bcd_time", "bcd_freq").
func (m *Metrics) RecordNoiseFloor(station, pipeline string, value float64) {
	m.noiseFloor.WithLabelValues(station, pipeline).Set(value)
}
