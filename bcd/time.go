package bcd

import (
	"log"
	"math"

	"github.com/ky4olb/wwvengine/fft"
	"github.com/ky4olb/wwvengine/wwv"
)

const (
	timeTargetFreqHz    = 100.0
	timeBandwidthHz     = 20.0
	timeCooldownMs      = 200.0
	timeNoiseAdaptDown  = 0.002
	timeNoiseAdaptUp    = 0.0002
	timeWarmupAdaptRate = 0.05
	timeWarmupFrames    = 50
	timeThresholdMult   = 2.0
	timeHysteresisRatio = 0.7
	timePulseMinMs      = 100.0
	timePulseMaxMs      = 900.0
)

// TimeConfig configures a TimeDetector.
type TimeConfig struct {
	SampleRateHz float64
	FFTSize      int // sized for millisecond edge precision, e.g. 64-128
	Logger       *log.Logger
}

// TimeCallback receives a completed BcdPulseEvent from the time-domain pipeline.
type TimeCallback func(wwv.BcdPulseEvent)

// TimeDetector is the short-frame time-domain 100Hz pulse detector. Not
// safe for concurrent use.
type TimeDetector struct {
	cfg       TimeConfig
	frameMs   float64
	log       *log.Logger
	destroyed bool

	fft        *fft.Processor
	iBuf, qBuf []float64
	bufIdx     int

	state         fsmState
	noiseFloor    float64
	thresholdHigh float64
	thresholdLow  float64

	pulseStartFrame    uint64
	pulsePeakEnergy     float64
	pulseDurationFrames int
	cooldownFrames      int
	consecutiveLowFrames int

	pulsesDetected int
	pulsesRejected int
	frameCount     uint64
	startFrame     uint64
	warmupComplete bool

	callback TimeCallback
}

// NewTimeDetector creates a time-domain BCD pulse detector.
func NewTimeDetector(cfg TimeConfig) (*TimeDetector, error) {
	if cfg.SampleRateHz <= 0 || cfg.FFTSize <= 0 {
		return nil, ErrBadConfig
	}
	proc, err := fft.New(cfg.FFTSize, cfg.SampleRateHz, fft.WindowHann)
	if err != nil {
		return nil, err
	}
	return &TimeDetector{
		cfg:     cfg,
		frameMs: float64(cfg.FFTSize) * 1000.0 / cfg.SampleRateHz,
		log:     cfg.Logger,
		fft:     proc,
		iBuf:    make([]float64, cfg.FFTSize),
		qBuf:    make([]float64, cfg.FFTSize),
	}, nil
}

// SetCallback installs the pulse-event callback.
func (d *TimeDetector) SetCallback(cb TimeCallback) { d.callback = cb }

func (d *TimeDetector) logf(format string, args ...interface{}) {
	if d.log != nil {
		d.log.Printf(format, args...)
	}
}

// ProcessSample feeds one data-band-filtered I/Q sample.
func (d *TimeDetector) ProcessSample(s wwv.Sample) error {
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
	energy := d.fft.GetBucketEnergy(timeTargetFreqHz, timeBandwidthHz)
	d.runStateMachine(energy)
	d.frameCount++
	return nil
}

func (d *TimeDetector) runStateMachine(energy float64) {
	frame := d.frameCount

	if !d.warmupComplete {
		d.noiseFloor += timeWarmupAdaptRate * (energy - d.noiseFloor)
		if d.noiseFloor < noiseFloorMin {
			d.noiseFloor = noiseFloorMin
		}
		d.thresholdHigh = d.noiseFloor * timeThresholdMult
		d.thresholdLow = d.thresholdHigh * timeHysteresisRatio
		if frame >= d.startFrame+timeWarmupFrames {
			d.warmupComplete = true
			d.logf("[BCD_TIME] Warmup complete. Noise=%.6f Thresh=%.6f", d.noiseFloor, d.thresholdHigh)
		}
		return
	}

	if d.state == stateIdle && energy < d.thresholdHigh {
		if energy < d.noiseFloor {
			d.noiseFloor += timeNoiseAdaptDown * (energy - d.noiseFloor)
		} else {
			d.noiseFloor += timeNoiseAdaptUp * (energy - d.noiseFloor)
		}
		if d.noiseFloor < noiseFloorMin {
			d.noiseFloor = noiseFloorMin
		}
		if d.noiseFloor > noiseFloorMax {
			d.noiseFloor = noiseFloorMax
		}
		d.thresholdHigh = d.noiseFloor * timeThresholdMult
		d.thresholdLow = d.thresholdHigh * timeHysteresisRatio
	}

	switch d.state {
	case stateIdle:
		if energy > d.thresholdHigh {
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
		if energy < d.thresholdLow {
			d.consecutiveLowFrames++
		} else {
			d.consecutiveLowFrames = 0
		}
		if d.consecutiveLowFrames >= minLowFrames {
			d.closePulse()
			d.state = stateCooldown
			d.cooldownFrames = int(timeCooldownMs/d.frameMs + 0.5)
		}
	case stateCooldown:
		d.cooldownFrames--
		if d.cooldownFrames <= 0 {
			d.state = stateIdle
		}
	}
}

func (d *TimeDetector) closePulse() {
	durationMs := float64(d.pulseDurationFrames) * d.frameMs
	startMs := float64(d.pulseStartFrame) * d.frameMs

	if durationMs < timePulseMinMs || durationMs > timePulseMaxMs {
		d.pulsesRejected++
		return
	}
	d.pulsesDetected++
	snrDb := 10.0 * math.Log10(d.pulsePeakEnergy/d.noiseFloor)

	evt := wwv.BcdPulseEvent{
		Source:          wwv.BcdSourceTime,
		StartMs:         startMs,
		DurationMs:      durationMs,
		PeakEnergy:      d.pulsePeakEnergy,
		BaselineOrNoise: d.noiseFloor,
		SNRDb:           snrDb,
	}
	if d.callback != nil {
		d.callback(evt)
	}
}

// TimeStats is a snapshot of detector counters.
type TimeStats struct {
	PulsesDetected int
	PulsesRejected int
	NoiseFloor     float64
	WarmupComplete bool
}

// Stats returns a snapshot of current counters.
func (d *TimeDetector) Stats() TimeStats {
	return TimeStats{
		PulsesDetected: d.pulsesDetected,
		PulsesRejected: d.pulsesRejected,
		NoiseFloor:     d.noiseFloor,
		WarmupComplete: d.warmupComplete,
	}
}

// Destroy releases resources.
func (d *TimeDetector) Destroy() { d.destroyed = true }
