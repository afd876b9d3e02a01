// Package manager owns the lifecycle of every detector and correlator and
// routes events between them on the detector (full-rate) path, keeping a
// strict separation from anything that runs at display rate.
package manager

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/google/uuid"

	"github.com/ky4olb/wwvengine/bcd"
	"github.com/ky4olb/wwvengine/correlator"
	"github.com/ky4olb/wwvengine/fft"
	"github.com/ky4olb/wwvengine/filters"
	"github.com/ky4olb/wwvengine/framesync"
	"github.com/ky4olb/wwvengine/marker"
	"github.com/ky4olb/wwvengine/tick"
	"github.com/ky4olb/wwvengine/tone"
	"github.com/ky4olb/wwvengine/wwv"
)

// ErrBadConfig is returned when Config fields fail validation.
var ErrBadConfig = errors.New("manager: invalid configuration")

// defaultToneFFTSize sizes each reference-tone tracker's FFT when
// Config.ToneFFTSize is left zero.
const defaultToneFFTSize = 2048

func newToneTrackers(sampleRateHz float64, fftSize int) ([]namedToneTracker, error) {
	if fftSize == 0 {
		fftSize = defaultToneFFTSize
	}
	specs := []struct {
		name string
		hz   float64
	}{
		{"carrier", 0},
		{"500hz", 500},
		{"600hz", 600},
	}
	trackers := make([]namedToneTracker, 0, len(specs))
	for _, spec := range specs {
		tr, err := tone.New(tone.Config{
			SampleRateHz: sampleRateHz,
			FFTSize:      fftSize,
			NominalHz:    spec.hz,
			Window:       fft.WindowHann,
		})
		if err != nil {
			return nil, err
		}
		trackers = append(trackers, namedToneTracker{name: spec.name, tracker: tr})
	}
	return trackers, nil
}

// Config configures the full detector pipeline. The tunable fields are
// optional; a zero value leaves the owning detector's own default in
// place rather than failing validation.
type Config struct {
	SampleRateHz float64
	TickFreqHz   float64 // 1000 for WWV, 1200 for WWVH
	Logger       *log.Logger

	TickThresholdMultiplier   float64
	TickAdaptAlphaDown        float64
	TickAdaptAlphaUp          float64
	TickMinDurationMs         float64
	TickGroupDelayMs          float64
	MarkerThresholdMultiplier float64
	MarkerNoiseAdaptRate      float64

	// DisplayRateHz is the sample rate of the feed pushed through
	// ProcessDisplaySample. Zero defaults to SampleRateHz, for callers
	// that don't decimate before the display path.
	DisplayRateHz float64
	// ToneFFTSize sizes each reference-tone tracker's FFT. Zero defaults
	// to 2048.
	ToneFFTSize int
}

// ExternalSink receives the subset of events meant to cross the
// detector/display boundary: confirmed markers, BCD symbols, fused
// frame-time estimates, and reference-tone measurements. Display consumers
// must read from here, never from the detector path directly, so that a
// slow UI never backs up sample processing.
type ExternalSink interface {
	OnConfirmedMarker(wwv.TickMarkerEvent)
	OnSymbol(wwv.SymbolEvent)
	OnFrameTime(wwv.FrameTime)
	// OnToneMeasurement reports one reference-tone measurement. name is
	// "carrier", "500hz", or "600hz"; timestampMs is display-path elapsed
	// time, independent of the detector path's own clock.
	OnToneMeasurement(name string, timestampMs float64, m wwv.ToneMeasurement)
}

type namedToneTracker struct {
	name    string
	tracker *tone.Tracker
}

// Manager owns every detector/correlator instance and the raw-sample entry
// point. Not safe for concurrent use: feed it from one goroutine.
type Manager struct {
	cfg Config

	bank *filters.Bank

	tickDet   *tick.Detector
	markerDet *marker.Detector
	timeDet   *bcd.TimeDetector
	freqDet   *bcd.FreqDetector

	tickCorr   *correlator.TickCorrelator
	markerCorr *correlator.MarkerCorrelator
	bcdCorr    *correlator.BcdWindower

	sync *framesync.Detector

	sink ExternalSink

	sampleCount    uint64
	sampleMs       float64
	lastTickSecond int

	// toneTrackers and displaySampleCount/displayMs belong entirely to the
	// display path driven by ProcessDisplaySample. They share no filter,
	// buffer, or state with the detector path above — the isolation is
	// structural, not just documentation.
	toneTrackers      []namedToneTracker
	displaySampleCount uint64
	displayMs          float64

	runID uuid.UUID
}

// New builds and wires the full pipeline. sink may be nil if the caller
// does not need display-path events.
func New(cfg Config, sink ExternalSink) (*Manager, error) {
	if cfg.SampleRateHz <= 0 || cfg.TickFreqHz <= 0 {
		return nil, ErrBadConfig
	}

	bank, err := filters.NewBank(cfg.SampleRateHz)
	if err != nil {
		return nil, err
	}

	tickDet, err := tick.New(tick.Config{
		SampleRateHz: cfg.SampleRateHz,
		TickFreqHz:   cfg.TickFreqHz,
		FFTSize:      256,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	markerDet, err := marker.New(marker.Config{
		SampleRateHz: cfg.SampleRateHz,
		TickFreqHz:   cfg.TickFreqHz,
		FFTSize:      256,
		WindowFrames: 40,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	timeDet, err := bcd.NewTimeDetector(bcd.TimeConfig{
		SampleRateHz: cfg.SampleRateHz,
		FFTSize:      64,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	freqDet, err := bcd.NewFreqDetector(bcd.FreqConfig{
		SampleRateHz: cfg.SampleRateHz,
		FFTSize:      2048,
		WindowFrames: 8,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	sy := framesync.New()

	displayRateHz := cfg.DisplayRateHz
	if displayRateHz == 0 {
		displayRateHz = cfg.SampleRateHz
	}
	toneTrackers, err := newToneTrackers(displayRateHz, cfg.ToneFFTSize)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:            cfg,
		bank:           bank,
		tickDet:        tickDet,
		markerDet:      markerDet,
		timeDet:        timeDet,
		freqDet:        freqDet,
		tickCorr:       correlator.NewTickCorrelator(),
		markerCorr:     correlator.NewMarkerCorrelator(),
		bcdCorr:        correlator.NewBcdWindower(sy),
		sync:           sy,
		sink:           sink,
		sampleMs:       1000.0 / cfg.SampleRateHz,
		lastTickSecond: -1,
		toneTrackers:   toneTrackers,
		displayMs:      1000.0 / displayRateHz,
		runID:          uuid.New(),
	}
	if err := m.applyTunables(cfg); err != nil {
		return nil, err
	}
	m.wire()
	return m, nil
}

// applyTunables pushes the optional runtime-tunable fields of cfg into the
// owning detectors. Zero means "leave the detector's constructor default",
// so a caller that only cares about sample rate and station can omit them.
func (m *Manager) applyTunables(cfg Config) error {
	if cfg.TickThresholdMultiplier != 0 {
		if err := m.tickDet.SetThresholdMultiplier(cfg.TickThresholdMultiplier); err != nil {
			return err
		}
	}
	if cfg.TickAdaptAlphaDown != 0 {
		if err := m.tickDet.SetAdaptAlphaDown(cfg.TickAdaptAlphaDown); err != nil {
			return err
		}
	}
	if cfg.TickAdaptAlphaUp != 0 {
		if err := m.tickDet.SetAdaptAlphaUp(cfg.TickAdaptAlphaUp); err != nil {
			return err
		}
	}
	if cfg.TickMinDurationMs != 0 {
		if err := m.tickDet.SetMinDurationMs(cfg.TickMinDurationMs); err != nil {
			return err
		}
	}
	if cfg.TickGroupDelayMs != 0 {
		if err := m.tickDet.SetGroupDelayMs(cfg.TickGroupDelayMs); err != nil {
			return err
		}
	}
	if cfg.MarkerThresholdMultiplier != 0 {
		if err := m.markerDet.SetThresholdMultiplier(cfg.MarkerThresholdMultiplier); err != nil {
			return err
		}
	}
	if cfg.MarkerNoiseAdaptRate != 0 {
		if err := m.markerDet.SetNoiseAdaptRate(cfg.MarkerNoiseAdaptRate); err != nil {
			return err
		}
	}
	return nil
}

// wire connects every detector's callback to its correlator and the sync
// detector, matching the event-routing table: tick -> tick-correlator +
// external, tick-marker -> marker-correlator + sync, marker -> marker-
// correlator (advisory), bcd pulses -> bcd windower, sync events -> external.
func (m *Manager) wire() {
	m.tickDet.SetCallback(func(evt wwv.TickEvent) {
		m.tickCorr.AddTick(evt)
	})
	m.tickDet.SetMarkerCallback(func(evt wwv.TickMarkerEvent) {
		m.markerCorr.FastMarkerEvent(evt)
	})

	m.markerDet.SetCallback(func(evt wwv.MarkerEvent) {
		m.markerCorr.SlowMarkerEvent(evt.TrailingEdgeMs)
	})

	m.timeDet.SetCallback(func(evt wwv.BcdPulseEvent) {
		m.bcdCorr.TimeEvent(evt)
	})
	m.freqDet.SetCallback(func(evt wwv.BcdPulseEvent) {
		m.bcdCorr.FreqEvent(evt)
	})

	m.tickCorr.SetEpochCallback(func(epochMs float64, source wwv.EpochSource, confidence float64) {
		m.tickDet.SetEpoch(epochMs, source, confidence)
		m.sync.TickEpoch(epochMs, confidence)
	})
	m.tickCorr.SetHoleCallback(func(expectedMs float64) {
		m.sync.TickHole(expectedMs)
	})

	m.markerCorr.SetCallback(func(evt wwv.TickMarkerEvent) {
		m.sync.ConfirmedMarker(evt)
		if m.sink != nil {
			m.sink.OnConfirmedMarker(evt)
		}
	})

	m.bcdCorr.SetCallback(func(evt wwv.SymbolEvent) {
		if evt.Symbol == wwv.SymbolPMarker {
			m.sync.PMarkerSymbol(evt)
		}
		if m.sink != nil {
			m.sink.OnSymbol(evt)
		}
	})

	m.sync.SetCallback(func(ft wwv.FrameTime) {
		if m.sink != nil {
			m.sink.OnFrameTime(ft)
		}
	})
}

// ProcessSample is the single full-rate entry point: one raw I/Q sample in,
// routed through both channel filters to every detector, then through the
// correlators and sync detector. This is the detector path; it must never
// block on anything display-related, which is why ExternalSink delivery is
// the caller's responsibility to buffer or drop, not this method's.
//
// The BCD windower and sync detector's Tick methods are per-second
// operations (confidence decay, window bookkeeping), so they fire once per
// 1000ms boundary crossed rather than once per raw sample.
func (m *Manager) ProcessSample(s wwv.Sample) error {
	syncBand, dataBand := m.bank.Process(s)

	if err := m.tickDet.ProcessSample(syncBand); err != nil {
		return err
	}
	if err := m.markerDet.ProcessSample(syncBand); err != nil {
		return err
	}
	if err := m.timeDet.ProcessSample(dataBand); err != nil {
		return err
	}
	if err := m.freqDet.ProcessSample(dataBand); err != nil {
		return err
	}

	nowMs := float64(m.sampleCount) * m.sampleMs
	if second := int(nowMs / 1000.0); second != m.lastTickSecond {
		m.lastTickSecond = second
		m.bcdCorr.Tick(nowMs)
		m.sync.Tick(nowMs)
	}

	m.sampleCount++
	return nil
}

// NewToneTracker builds a standalone reference-tone tracker sharing this
// manager's detector-path sample rate, for callers that want to drive their
// own tone tracker outside the manager's display path entirely. It takes no
// part in ProcessDisplaySample's routing or ExternalSink delivery.
func (m *Manager) NewToneTracker(nominalHz float64, fftSize int) (*tone.Tracker, error) {
	return tone.New(tone.Config{
		SampleRateHz: m.cfg.SampleRateHz,
		FFTSize:      fftSize,
		NominalHz:    nominalHz,
		Window:       fft.WindowHann,
	})
}

// ProcessDisplaySample is the display-path entry point: one raw I/Q sample
// in, routed only to the manager-owned reference-tone trackers. It shares no
// filter, buffer, decimation counter, or detector state with ProcessSample,
// per the isolation the detector path requires — a stalled or slow
// ExternalSink can never back up tick/marker/BCD detection. Measurements
// that complete this call are delivered through ExternalSink.OnToneMeasurement.
func (m *Manager) ProcessDisplaySample(s wwv.Sample) error {
	nowMs := float64(m.displaySampleCount) * m.displayMs
	for _, nt := range m.toneTrackers {
		meas, ready, err := nt.tracker.ProcessSample(s)
		if err != nil {
			return err
		}
		if ready && m.sink != nil {
			m.sink.OnToneMeasurement(nt.name, nowMs, meas)
		}
	}
	m.displaySampleCount++
	return nil
}

// PrintStats writes a per-detector summary of the pipeline's running
// counters to w, one line per detector.
func (m *Manager) PrintStats(w io.Writer) {
	ts := m.tickDet.Stats()
	fmt.Fprintf(w, "tick:   detected=%d rejected=%d markers=%d noise_floor=%.4f warmup=%t\n",
		ts.TicksDetected, ts.TicksRejected, ts.MarkersDetected, ts.NoiseFloor, ts.WarmupComplete)

	ms := m.markerDet.Stats()
	fmt.Fprintf(w, "marker: detected=%d rejected=%d baseline=%.4f warmup=%t\n",
		ms.MarkersDetected, ms.MarkersRejected, ms.Baseline, ms.WarmupComplete)

	tms := m.timeDet.Stats()
	fmt.Fprintf(w, "bcd-time: detected=%d rejected=%d noise_floor=%.4f warmup=%t\n",
		tms.PulsesDetected, tms.PulsesRejected, tms.NoiseFloor, tms.WarmupComplete)

	fs := m.freqDet.Stats()
	fmt.Fprintf(w, "bcd-freq: detected=%d rejected=%d baseline=%.4f warmup=%t\n",
		fs.PulsesDetected, fs.PulsesRejected, fs.Baseline, fs.WarmupComplete)

	fmt.Fprintf(w, "sync: state=%s\n", m.sync.State())
}

// SyncState returns the current fused sync state.
func (m *Manager) SyncState() wwv.SyncState { return m.sync.State() }

// RunID returns the unique identifier for this manager instance, stamped
// into log lines and telemetry payloads so multiple concurrent runs (e.g.
// WWV and WWVH decoded side by side) can be told apart downstream.
func (m *Manager) RunID() uuid.UUID { return m.runID }

// Destroy releases every owned detector's resources.
func (m *Manager) Destroy() {
	m.tickDet.Destroy()
	m.markerDet.Destroy()
	m.timeDet.Destroy()
	m.freqDet.Destroy()
}
