// Package marker implements the slower, sliding-window minute-marker
// detector: FFT energy at the tick frequency integrated over roughly one
// second of frames, with a self-tracking baseline and its own FSM.
package marker

import (
	"errors"
	"log"

	"github.com/ky4olb/wwvengine/fft"
	"github.com/ky4olb/wwvengine/wwv"
)

var (
	ErrBadConfig  = errors.New("marker: invalid configuration")
	ErrOutOfRange = errors.New("marker: value out of allowed range")
	ErrDestroyed  = errors.New("marker: detector has been destroyed")
)

const (
	defaultThresholdMultiplier = 3.0
	warmupAdaptRate            = 0.02
	selfTrackAdaptRate         = 0.001
	minStartupMs               = 10000.0
	maxDurationMs              = 5000.0
	defaultMinDurationMs       = 500.0
	cooldownMs                 = 30000.0
	warmupFrames               = 50
)

type state int

const (
	stateIdle state = iota
	stateInMarker
	stateCooldown
)

// Config configures a Detector.
type Config struct {
	SampleRateHz float64
	TickFreqHz   float64
	FFTSize      int
	WindowFrames int // frames accumulated per sliding window, ~1s worth
	Logger       *log.Logger
}

// Callback receives a completed minute-marker event.
type Callback func(wwv.MarkerEvent)

// Detector is the slow minute-marker detector. Not safe for concurrent use.
type Detector struct {
	cfg       Config
	frameMs   float64
	log       *log.Logger
	destroyed bool

	fft    *fft.Processor
	iBuf, qBuf []float64
	bufIdx int

	history      []float64
	historyIdx   int
	historyCount int
	accumulated  float64

	baseline      float64
	threshold     float64
	state         state
	frameCount    uint64
	startFrame    uint64
	warmupComplete bool

	markerStartFrame   uint64
	markerPeakEnergy   float64
	markerDurationFrames int
	cooldownFrames     int
	markersDetected    int
	markersRejected    int

	thresholdMultiplier float64
	noiseAdaptRate       float64
	minDurationMs        float64

	callback Callback
}

// New creates a minute-marker detector.
func New(cfg Config) (*Detector, error) {
	if cfg.SampleRateHz <= 0 || cfg.TickFreqHz <= 0 || cfg.FFTSize <= 0 || cfg.WindowFrames <= 0 {
		return nil, ErrBadConfig
	}
	proc, err := fft.New(cfg.FFTSize, cfg.SampleRateHz, fft.WindowHann)
	if err != nil {
		return nil, err
	}
	return &Detector{
		cfg:                 cfg,
		frameMs:             float64(cfg.FFTSize) * 1000.0 / cfg.SampleRateHz,
		log:                 cfg.Logger,
		fft:                 proc,
		iBuf:                make([]float64, cfg.FFTSize),
		qBuf:                make([]float64, cfg.FFTSize),
		history:             make([]float64, cfg.WindowFrames),
		thresholdMultiplier: defaultThresholdMultiplier,
		noiseAdaptRate:      selfTrackAdaptRate,
		minDurationMs:       defaultMinDurationMs,
	}, nil
}

// SetCallback installs the marker-event callback.
func (d *Detector) SetCallback(cb Callback) { d.callback = cb }

// SetThresholdMultiplier sets the baseline multiplier, valid in [2, 5].
func (d *Detector) SetThresholdMultiplier(v float64) error {
	if v < 2.0 || v > 5.0 {
		return ErrOutOfRange
	}
	d.thresholdMultiplier = v
	return nil
}

// SetNoiseAdaptRate sets the self-tracking baseline adaptation rate, valid in [1e-4, 1e-2].
func (d *Detector) SetNoiseAdaptRate(v float64) error {
	if v < 1e-4 || v > 1e-2 {
		return ErrOutOfRange
	}
	d.noiseAdaptRate = v
	return nil
}

// SetMinDurationMs sets the minimum valid marker duration, valid in [300, 700].
func (d *Detector) SetMinDurationMs(v float64) error {
	if v < 300.0 || v > 700.0 {
		return ErrOutOfRange
	}
	d.minDurationMs = v
	return nil
}

func (d *Detector) logf(format string, args ...interface{}) {
	if d.log != nil {
		d.log.Printf(format, args...)
	}
}

// ProcessSample feeds one sync-band-filtered I/Q sample.
func (d *Detector) ProcessSample(s wwv.Sample) error {
	if d.destroyed {
		return ErrDestroyed
	}
	d.iBuf[d.bufIdx] = s.I
	d.qBuf[d.bufIdx] = s.Q
	d.bufIdx++
	if d.bufIdx < d.cfg.FFTSize {
		return nil
	}
	d.bufIdx = 0
	if err := d.fft.Process(d.iBuf, d.qBuf); err != nil {
		return err
	}
	energy := d.fft.GetBucketEnergy(d.cfg.TickFreqHz, 100)
	d.updateAccumulator(energy)
	d.runStateMachine()
	d.frameCount++
	return nil
}

func (d *Detector) updateAccumulator(energy float64) {
	if d.historyCount == len(d.history) {
		d.accumulated -= d.history[d.historyIdx]
	} else {
		d.historyCount++
	}
	d.history[d.historyIdx] = energy
	d.accumulated += energy
	d.historyIdx = (d.historyIdx + 1) % len(d.history)
}

func (d *Detector) runStateMachine() {
	frame := d.frameCount
	currentMs := float64(frame) * d.frameMs
	energy := d.accumulated

	if !d.warmupComplete {
		d.baseline += warmupAdaptRate * (energy - d.baseline)
		d.threshold = d.baseline * d.thresholdMultiplier
		if frame >= d.startFrame+warmupFrames {
			d.warmupComplete = true
			d.logf("[MARKER] Warmup complete. Baseline=%.6f Thresh=%.6f", d.baseline, d.threshold)
		}
		return
	}

	if currentMs < minStartupMs {
		return
	}

	if d.state == stateIdle {
		d.baseline += d.noiseAdaptRate * (energy - d.baseline)
		d.threshold = d.baseline * d.thresholdMultiplier
	}

	switch d.state {
	case stateIdle:
		if energy > d.threshold {
			d.state = stateInMarker
			d.markerStartFrame = frame
			d.markerPeakEnergy = energy
			d.markerDurationFrames = 1
		}
	case stateInMarker:
		d.markerDurationFrames++
		if energy > d.markerPeakEnergy {
			d.markerPeakEnergy = energy
		}
		durationMs := float64(d.markerDurationFrames) * d.frameMs
		if energy < d.threshold {
			d.closeMarker(durationMs)
			d.enterCooldown()
		} else if durationMs >= maxDurationMs {
			d.closeMarker(durationMs)
			d.enterCooldown()
		}
	case stateCooldown:
		d.cooldownFrames--
		if d.cooldownFrames <= 0 {
			d.state = stateIdle
		}
	}
}

func (d *Detector) enterCooldown() {
	d.state = stateCooldown
	d.cooldownFrames = int(cooldownMs/d.frameMs + 0.5)
}

func (d *Detector) closeMarker(durationMs float64) {
	startMs := float64(d.markerStartFrame) * d.frameMs
	if durationMs < d.minDurationMs {
		d.markersRejected++
		return
	}
	d.markersDetected++
	evt := wwv.MarkerEvent{
		TrailingEdgeMs:        startMs + durationMs,
		DurationMs:            durationMs,
		PeakAccumulatedEnergy: d.markerPeakEnergy,
		Baseline:              d.baseline,
	}
	if d.callback != nil {
		d.callback(evt)
	}
}

// Stats is a snapshot of detector counters.
type Stats struct {
	MarkersDetected int
	MarkersRejected int
	Baseline        float64
	WarmupComplete  bool
}

// Stats returns a snapshot of current counters.
func (d *Detector) Stats() Stats {
	return Stats{
		MarkersDetected: d.markersDetected,
		MarkersRejected: d.markersRejected,
		Baseline:        d.baseline,
		WarmupComplete:  d.warmupComplete,
	}
}

// Destroy releases resources.
func (d *Detector) Destroy() { d.destroyed = true }
