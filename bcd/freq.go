package bcd

import (
	"log"
	"math"

	"github.com/ky4olb/wwvengine/fft"
	"github.com/ky4olb/wwvengine/wwv"
)

const (
	freqTargetFreqHz    = 100.0
	freqBandwidthHz     = 5.0
	freqCooldownMs      = 500.0
	freqMaxDurationMs   = 2000.0
	freqWarmupFrames    = 50
	freqWarmupAdaptRate = 0.02
	freqSelfTrackRate   = 0.001
	freqMinStartupMs    = 5000.0
	freqThresholdMult   = 3.0
)

// FreqConfig configures a FreqDetector.
type FreqConfig struct {
	SampleRateHz float64
	FFTSize      int // long frame giving narrow bins around 100Hz, e.g. 2048
	WindowFrames int // sliding-window accumulator length
	Logger       *log.Logger
}

// FreqCallback receives a completed BcdPulseEvent from the frequency-domain pipeline.
type FreqCallback func(wwv.BcdPulseEvent)

// FreqDetector is the long-frame frequency-domain 100Hz presence detector.
// Not safe for concurrent use.
type FreqDetector struct {
	cfg       FreqConfig
	frameMs   float64
	log       *log.Logger
	destroyed bool

	fft        *fft.Processor
	iBuf, qBuf []float64
	bufIdx     int

	history      []float64
	historyIdx   int
	historyCount int
	accumulated  float64
	baseline     float64

	state         fsmState
	threshold     float64
	pulseStartFrame     uint64
	pulsePeakEnergy      float64
	pulseDurationFrames  int
	cooldownFrames       int
	consecutiveLowFrames int

	pulsesDetected int
	pulsesRejected int
	frameCount     uint64
	startFrame     uint64
	warmupComplete bool

	callback FreqCallback
}

// NewFreqDetector creates a frequency-domain BCD presence detector.
func NewFreqDetector(cfg FreqConfig) (*FreqDetector, error) {
	if cfg.SampleRateHz <= 0 || cfg.FFTSize <= 0 || cfg.WindowFrames <= 0 {
		return nil, ErrBadConfig
	}
	proc, err := fft.New(cfg.FFTSize, cfg.SampleRateHz, fft.WindowHann)
	if err != nil {
		return nil, err
	}
	return &FreqDetector{
		cfg:     cfg,
		frameMs: float64(cfg.FFTSize) * 1000.0 / cfg.SampleRateHz,
		log:     cfg.Logger,
		fft:     proc,
		iBuf:    make([]float64, cfg.FFTSize),
		qBuf:    make([]float64, cfg.FFTSize),
		history: make([]float64, cfg.WindowFrames),
	}, nil
}

// SetCallback installs the pulse-event callback.
func (d *FreqDetector) SetCallback(cb FreqCallback) { d.callback = cb }

func (d *FreqDetector) logf(format string, args ...interface{}) {
	if d.log != nil {
		d.log.Printf(format, args...)
	}
}

// ProcessSample feeds one data-band-filtered I/Q sample.
func (d *FreqDetector) ProcessSample(s wwv.Sample) error {
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
	energy := d.fft.GetBucketEnergy(freqTargetFreqHz, freqBandwidthHz)
	d.updateAccumulator(energy)
	d.runStateMachine()
	d.frameCount++
	return nil
}

func (d *FreqDetector) updateAccumulator(energy float64) {
	if d.historyCount == len(d.history) {
		d.accumulated -= d.history[d.historyIdx]
	} else {
		d.historyCount++
	}
	d.history[d.historyIdx] = energy
	d.accumulated += energy
	d.historyIdx = (d.historyIdx + 1) % len(d.history)
}

func (d *FreqDetector) runStateMachine() {
	frame := d.frameCount
	currentMs := float64(frame) * d.frameMs
	energy := d.accumulated

	if !d.warmupComplete {
		d.baseline += freqWarmupAdaptRate * (energy - d.baseline)
		d.threshold = d.baseline * freqThresholdMult
		if frame >= d.startFrame+freqWarmupFrames {
			d.warmupComplete = true
			d.logf("[BCD_FREQ] Warmup complete. Baseline=%.6f Thresh=%.6f", d.baseline, d.threshold)
		}
		return
	}
	if currentMs < freqMinStartupMs {
		return
	}

	switch d.state {
	case stateIdle:
		// Same sliding-window accumulator pattern as the marker detector's
		// idle self-tracking: keep the noise floor current so a drifting
		// baseline doesn't stale the threshold between pulses.
		d.baseline += freqSelfTrackRate * (energy - d.baseline)
		d.threshold = d.baseline * freqThresholdMult
		if energy > d.threshold {
			d.state = stateInPulse
			d.pulseStartFrame = frame
			d.pulsePeakEnergy = energy
			d.pulseDurationFrames = 1
			d.consecutiveLowFrames = 0
		}
	case stateInPulse:
		d.pulseDurationFrames++
		if energy > d.pulsePeakEnergy {
			d.pulsePeakEnergy = energy
		}
		if energy < d.threshold {
			d.consecutiveLowFrames++
		} else {
			d.consecutiveLowFrames = 0
		}
		durationMs := float64(d.pulseDurationFrames) * d.frameMs
		if d.consecutiveLowFrames >= minLowFrames {
			d.closePulse(durationMs)
			d.enterCooldown()
		} else if durationMs >= freqMaxDurationMs {
			// Timeout: reset baseline to the current accumulation and count as rejected.
			d.baseline = d.accumulated
			d.pulsesRejected++
			d.state = stateIdle
		}
	case stateCooldown:
		d.cooldownFrames--
		if d.cooldownFrames <= 0 {
			d.state = stateIdle
		}
	}
}

func (d *FreqDetector) enterCooldown() {
	d.state = stateCooldown
	d.cooldownFrames = int(freqCooldownMs/d.frameMs + 0.5)
}

func (d *FreqDetector) closePulse(durationMs float64) {
	startMs := float64(d.pulseStartFrame) * d.frameMs
	d.pulsesDetected++

	snrDb := 0.0
	if d.baseline > 1e-12 {
		snrDb = 10.0 * math.Log10(d.pulsePeakEnergy/d.baseline)
	}

	evt := wwv.BcdPulseEvent{
		Source:          wwv.BcdSourceFreq,
		StartMs:         startMs,
		DurationMs:      durationMs,
		PeakEnergy:      d.pulsePeakEnergy,
		BaselineOrNoise: d.baseline,
		SNRDb:           snrDb,
	}
	if d.callback != nil {
		d.callback(evt)
	}
}

// FreqStats is a snapshot of detector counters.
type FreqStats struct {
	PulsesDetected int
	PulsesRejected int
	Baseline       float64
	WarmupComplete bool
}

// Stats returns a snapshot of current counters.
func (d *FreqDetector) Stats() FreqStats {
	return FreqStats{
		PulsesDetected: d.pulsesDetected,
		PulsesRejected: d.pulsesRejected,
		Baseline:       d.baseline,
		WarmupComplete: d.warmupComplete,
	}
}

// Destroy releases resources.
func (d *FreqDetector) Destroy() { d.destroyed = true }
