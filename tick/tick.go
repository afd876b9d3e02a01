// Package tick implements the hot-path tick/minute-marker pulse detector:
// an FFT energy pipeline and a matched-filter correlation pipeline driving
// a shared adaptive-threshold state machine, gated by an externally
// installed timing epoch.
package tick

import (
	"errors"
	"log"
	"math"

	"github.com/ky4olb/wwvengine/fft"
	"github.com/ky4olb/wwvengine/wwv"
)

// Errors returned by constructors and runtime tunable setters.
var (
	ErrBadConfig       = errors.New("tick: invalid configuration")
	ErrOutOfRange      = errors.New("tick: value out of allowed range")
	ErrDestroyed       = errors.New("tick: detector has been destroyed")
)

// Detection timing constants, ported from the original detector's
// internal header.
const (
	tickMinDurationMs = 2.0
	tickMaxDurationMs = 50.0
	tickCooldownMs    = 500.0

	// defaultGroupDelayMs is the nominal group delay the sync-band filter
	// bank imparts on a pulse's rising edge, subtracted out of a minute
	// marker's LeadingEdgeMs so the sync detector anchors on the edge as
	// it crossed the antenna, not as it emerged from the filter cascade.
	defaultGroupDelayMs = 3.0

	noiseAdaptDown      = 0.002
	noiseAdaptUp        = 0.0002
	noiseFloorMin       = 1e-4
	noiseFloorMax       = 5.0
	warmupAdaptRate     = 0.05
	hysteresisRatio     = 0.7
	defaultThresholdMul = 2.0

	corrThresholdMul  = 5.0
	corrNoiseAdapt    = 0.01
	corrDecimation    = 8
	markerMinDurationMs      = 600.0
	markerMaxDurationMsCheck = 1500.0
	markerMinIntervalMs      = 55000.0

	warmupFrames    = 50
	historySize     = 30
	avgWindowMs     = 15000.0

	gateStartMs    = 0.0
	gateEndMs      = 100.0
	gateRecoveryMs = 5000.0
)

type state int

const (
	stateIdle state = iota
	stateInTick
	stateCooldown
)

// Config configures a Detector at construction time.
type Config struct {
	SampleRateHz float64
	TickFreqHz   float64 // 1000 for WWV, 1200 for WWVH
	FFTSize      int     // frame size for the energy pipeline, e.g. 256
	Logger       *log.Logger

	// GroupDelayMs is the filter-group-delay constant subtracted from a
	// minute marker's leading edge. Zero means defaultGroupDelayMs; the
	// right value depends on the sync-band filter's order and cutoff at
	// this sample rate, so callers running a non-default filter bank
	// should set it explicitly.
	GroupDelayMs float64
}

// TickCallback receives a completed tick event.
type TickCallback func(wwv.TickEvent)

// MarkerCallback receives a completed minute-marker event seen on the fast
// tick pipeline.
type MarkerCallback func(wwv.TickMarkerEvent)

type gate struct {
	epochMs            float64
	enabled            bool
	lastTickFrameGated uint64
	recoveryMode       bool
}

// Detector is the tick/minute-marker pulse detector. It is not safe for
// concurrent use; the caller serializes calls to ProcessSample.
type Detector struct {
	cfg        Config
	frameMs    float64
	hzPerBin   float64
	log        *log.Logger
	destroyed  bool

	fft       *fft.Processor
	iBuf, qBuf []float64
	bufIdx    int

	templateI, templateQ []float64
	corrI, corrQ         []float64
	corrLen              int
	corrPos              int
	corrSampleCount      uint64
	corrPeak             float64
	corrSum              float64
	corrSumCount         int
	corrNoiseFloor       float64

	state         state
	noiseFloor    float64
	thresholdHigh float64
	thresholdLow  float64
	currentEnergy float64

	tickStartFrame   uint64
	tickPeakEnergy   float64
	tickDurationFrames int
	cooldownFrames   int

	ticksDetected  int
	ticksRejected  int
	markersDetected int
	lastTickFrame  uint64
	lastMarkerFrame uint64
	frameCount     uint64
	startFrame     uint64
	warmupComplete bool

	tickTimestampsMs [historySize]float64
	historyIdx       int
	historyCount     int

	thresholdMultiplier float64
	adaptAlphaDown       float64
	adaptAlphaUp         float64
	minDurationMs        float64
	groupDelayMs         float64

	callback       TickCallback
	markerCallback MarkerCallback

	gate          gate
	epochSource   wwv.EpochSource
	epochConfidence float64

	detectionEnabled bool
}

// New creates a tick detector. The sync-band-filtered sample stream must be
// pushed one sample at a time via ProcessSample.
func New(cfg Config) (*Detector, error) {
	if cfg.SampleRateHz <= 0 || cfg.TickFreqHz <= 0 || cfg.FFTSize <= 0 {
		return nil, ErrBadConfig
	}

	proc, err := fft.New(cfg.FFTSize, cfg.SampleRateHz, fft.WindowHann)
	if err != nil {
		return nil, err
	}

	frameMs := float64(cfg.FFTSize) * 1000.0 / cfg.SampleRateHz
	templateLen := int(0.005 * cfg.SampleRateHz)
	if templateLen < 1 {
		templateLen = 1
	}
	corrLen := templateLen

	groupDelayMs := cfg.GroupDelayMs
	if groupDelayMs == 0 {
		groupDelayMs = defaultGroupDelayMs
	}

	d := &Detector{
		cfg:               cfg,
		frameMs:           frameMs,
		hzPerBin:          cfg.SampleRateHz / float64(cfg.FFTSize),
		log:               cfg.Logger,
		fft:               proc,
		iBuf:              make([]float64, cfg.FFTSize),
		qBuf:              make([]float64, cfg.FFTSize),
		templateI:         make([]float64, templateLen),
		templateQ:         make([]float64, templateLen),
		corrI:             make([]float64, corrLen),
		corrQ:             make([]float64, corrLen),
		corrLen:           corrLen,
		thresholdMultiplier: defaultThresholdMul,
		adaptAlphaDown:    1 - noiseAdaptDown,
		adaptAlphaUp:      noiseAdaptUp,
		minDurationMs:     tickMinDurationMs,
		groupDelayMs:      groupDelayMs,
		detectionEnabled:  true,
	}
	d.generateTemplate()
	return d, nil
}

func (d *Detector) generateTemplate() {
	n := len(d.templateI)
	for i := 0; i < n; i++ {
		t := float64(i) / d.cfg.SampleRateHz
		w := 0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/float64(n-1)))
		d.templateI[i] = math.Cos(2*math.Pi*d.cfg.TickFreqHz*t) * w
		d.templateQ[i] = math.Sin(2*math.Pi*d.cfg.TickFreqHz*t) * w
	}
}

// SetCallback installs the tick-event callback.
func (d *Detector) SetCallback(cb TickCallback) { d.callback = cb }

// SetMarkerCallback installs the minute-marker callback (pulses seen on
// the fast tick pipeline, long enough and far enough apart to qualify).
func (d *Detector) SetMarkerCallback(cb MarkerCallback) { d.markerCallback = cb }

// SetEpoch installs a timing-gate epoch from a correlator. ms is
// normalized into [0, 1000).
func (d *Detector) SetEpoch(ms float64, source wwv.EpochSource, confidence float64) {
	m := math.Mod(ms, 1000.0)
	if m < 0 {
		m += 1000.0
	}
	d.gate.epochMs = m
	d.gate.enabled = true
	d.gate.recoveryMode = false
	d.epochSource = source
	d.epochConfidence = confidence
	d.logf("[TICK] Epoch installed: %.1fms source=%s confidence=%.2f", m, source, confidence)
}

// Epoch returns the currently installed epoch, if any.
func (d *Detector) Epoch() (ms float64, source wwv.EpochSource, confidence float64, ok bool) {
	if !d.gate.enabled {
		return 0, wwv.EpochSourceNone, 0, false
	}
	return d.gate.epochMs, d.epochSource, d.epochConfidence, true
}

// SetGatingEnabled toggles the timing gate without discarding the epoch.
func (d *Detector) SetGatingEnabled(enabled bool) { d.gate.enabled = enabled }

// SetDetectionEnabled toggles whether ProcessSample runs the pipelines at all.
func (d *Detector) SetDetectionEnabled(enabled bool) { d.detectionEnabled = enabled }

// SetThresholdMultiplier sets the energy threshold multiplier, valid in [1, 5].
func (d *Detector) SetThresholdMultiplier(v float64) error {
	if v < 1.0 || v > 5.0 {
		return ErrOutOfRange
	}
	d.thresholdMultiplier = v
	return nil
}

// SetAdaptAlphaDown sets the noise-floor decay retention coefficient, valid in [0.9, 0.999].
func (d *Detector) SetAdaptAlphaDown(v float64) error {
	if v < 0.9 || v > 0.999 {
		return ErrOutOfRange
	}
	d.adaptAlphaDown = v
	return nil
}

// SetAdaptAlphaUp sets the noise-floor rise rate, valid in [0.001, 0.1].
func (d *Detector) SetAdaptAlphaUp(v float64) error {
	if v < 0.001 || v > 0.1 {
		return ErrOutOfRange
	}
	d.adaptAlphaUp = v
	return nil
}

// SetMinDurationMs sets the minimum valid tick duration, valid in [1, 10].
func (d *Detector) SetMinDurationMs(v float64) error {
	if v < 1.0 || v > 10.0 {
		return ErrOutOfRange
	}
	d.minDurationMs = v
	return nil
}

// SetGroupDelayMs sets the filter-group-delay constant subtracted from a
// minute marker's leading edge, valid in [0, 20].
func (d *Detector) SetGroupDelayMs(v float64) error {
	if v < 0.0 || v > 20.0 {
		return ErrOutOfRange
	}
	d.groupDelayMs = v
	return nil
}

// WarmupComplete reports whether the noise floor has finished its initial
// fast-adaptation phase.
func (d *Detector) WarmupComplete() bool { return d.warmupComplete }

// NoiseFloor returns the current adaptive noise floor estimate.
func (d *Detector) NoiseFloor() float64 { return d.noiseFloor }

func (d *Detector) logf(format string, args ...interface{}) {
	if d.log != nil {
		d.log.Printf(format, args...)
	}
}

// ProcessSample feeds one sync-band-filtered I/Q sample. It runs the
// matched-filter correlation pipeline on every sample (decimated
// internally) and the FFT energy pipeline once per FFTSize samples.
func (d *Detector) ProcessSample(s wwv.Sample) error {
	if d.destroyed {
		return ErrDestroyed
	}
	if !d.detectionEnabled {
		return nil
	}

	d.feedCorrelation(s)

	d.iBuf[d.bufIdx] = s.I
	d.qBuf[d.bufIdx] = s.Q
	d.bufIdx++
	if d.bufIdx >= d.cfg.FFTSize {
		d.bufIdx = 0
		if err := d.fft.Process(d.iBuf, d.qBuf); err != nil {
			return err
		}
		d.currentEnergy = d.fft.GetBucketEnergy(d.cfg.TickFreqHz, 100)
		d.runStateMachine()
		d.frameCount++
	}
	return nil
}

func (d *Detector) feedCorrelation(s wwv.Sample) {
	d.corrI[d.corrPos] = s.I
	d.corrQ[d.corrPos] = s.Q
	d.corrPos++
	if d.corrPos >= d.corrLen {
		d.corrPos = 0
	}
	d.corrSampleCount++

	if d.corrSampleCount%corrDecimation != 0 {
		return
	}

	mag := d.computeCorrelation()

	if d.state == stateIdle || mag < d.corrNoiseFloor {
		d.corrNoiseFloor += corrNoiseAdapt * (mag - d.corrNoiseFloor)
		if d.corrNoiseFloor < 0 {
			d.corrNoiseFloor = 0
		}
	}

	if d.state == stateInTick {
		d.corrSum += mag
		d.corrSumCount++
		if mag > d.corrPeak {
			d.corrPeak = mag
		}
	}
}

// computeCorrelation performs the matched-filter complex correlation
// against the circular buffer, matching the original's sliding-dot-product
// form: sum_i += sig_i*tpl_i + sig_q*tpl_q; sum_q += sig_q*tpl_i - sig_i*tpl_q.
func (d *Detector) computeCorrelation() float64 {
	var sumI, sumQ float64
	pos := d.corrPos
	for k := 0; k < d.corrLen; k++ {
		idx := pos + k
		if idx >= d.corrLen {
			idx -= d.corrLen
		}
		sigI, sigQ := d.corrI[idx], d.corrQ[idx]
		tplI, tplQ := d.templateI[k], d.templateQ[k]
		sumI += sigI*tplI + sigQ*tplQ
		sumQ += sigQ*tplI - sigI*tplQ
	}
	return math.Sqrt(sumI*sumI + sumQ*sumQ)
}

func (d *Detector) isGateOpen(currentMs float64) bool {
	if !d.gate.enabled {
		return true
	}
	if d.gate.recoveryMode {
		return true
	}
	phase := math.Mod(currentMs-d.gate.epochMs, 1000.0)
	if phase < 0 {
		phase += 1000.0
	}
	return phase >= gateStartMs && phase <= gateEndMs
}

func (d *Detector) runStateMachine() {
	energy := d.currentEnergy
	frame := d.frameCount
	currentMs := float64(frame) * d.frameMs

	if !d.warmupComplete {
		d.noiseFloor += warmupAdaptRate * (energy - d.noiseFloor)
		if d.noiseFloor < noiseFloorMin {
			d.noiseFloor = noiseFloorMin
		}
		d.thresholdHigh = d.noiseFloor * d.thresholdMultiplier
		d.thresholdLow = d.thresholdHigh * hysteresisRatio
		if frame >= d.startFrame+warmupFrames {
			d.warmupComplete = true
			d.logf("[TICK] Warmup complete. Noise=%.6f Thresh=%.6f", d.noiseFloor, d.thresholdHigh)
		}
		return
	}

	// Gate recovery: if gating is enabled but nothing has been accepted in
	// too long, bypass the gate until a tick is reacquired.
	if d.gate.enabled && !d.gate.recoveryMode {
		sinceLastGated := currentMs - float64(d.gate.lastTickFrameGated)*d.frameMs
		if d.gate.lastTickFrameGated > 0 && sinceLastGated > gateRecoveryMs {
			d.gate.recoveryMode = true
			d.logf("[TICK] Gate recovery: no gated tick for %.0fms, bypassing gate", sinceLastGated)
		}
	}

	if d.state == stateIdle && energy < d.thresholdHigh {
		if energy < d.noiseFloor {
			d.noiseFloor += (1 - d.adaptAlphaDown) * (energy - d.noiseFloor)
		} else {
			d.noiseFloor += d.adaptAlphaUp * (energy - d.noiseFloor)
		}
		if d.noiseFloor < noiseFloorMin {
			d.noiseFloor = noiseFloorMin
		}
		if d.noiseFloor > noiseFloorMax {
			d.noiseFloor = noiseFloorMax
		}
		d.thresholdHigh = d.noiseFloor * d.thresholdMultiplier
		d.thresholdLow = d.thresholdHigh * hysteresisRatio
	}

	switch d.state {
	case stateIdle:
		if energy > d.thresholdHigh && d.isGateOpen(currentMs) {
			d.state = stateInTick
			d.tickStartFrame = frame
			d.tickPeakEnergy = energy
			d.tickDurationFrames = 1
			d.corrPeak = 0
			d.corrSum = 0
			d.corrSumCount = 0
		}
	case stateInTick:
		d.tickDurationFrames++
		if energy > d.tickPeakEnergy {
			d.tickPeakEnergy = energy
		}
		if energy < d.thresholdLow {
			d.closeTick(frame)
			d.state = stateCooldown
			d.cooldownFrames = int(tickCooldownMs/d.frameMs + 0.5)
		}
	case stateCooldown:
		d.cooldownFrames--
		if d.cooldownFrames <= 0 {
			d.state = stateIdle
		}
	}
}

func (d *Detector) closeTick(endFrame uint64) {
	durationMs := float64(d.tickDurationFrames) * d.frameMs
	startMs := float64(d.tickStartFrame) * d.frameMs

	corrRatio := 0.0
	if d.corrNoiseFloor > 1e-9 {
		corrRatio = d.corrPeak / d.corrNoiseFloor
	}

	switch {
	case durationMs >= d.minDurationMs && durationMs <= tickMaxDurationMs &&
		d.corrPeak > corrThresholdMul*d.corrNoiseFloor:
		d.emitTick(startMs, durationMs, corrRatio)
	case durationMs >= markerMinDurationMs && durationMs <= markerMaxDurationMsCheck &&
		d.sinceLastMarkerOk(startMs):
		d.emitMarker(startMs, durationMs, corrRatio)
	default:
		d.ticksRejected++
	}
}

func (d *Detector) sinceLastMarkerOk(startMs float64) bool {
	if d.lastMarkerFrame == 0 && d.markersDetected == 0 {
		return true
	}
	lastMs := float64(d.lastMarkerFrame) * d.frameMs
	return startMs-lastMs >= markerMinIntervalMs
}

func (d *Detector) emitTick(startMs, durationMs, corrRatio float64) {
	d.ticksDetected++
	trailingEdge := startMs + durationMs

	interval := 0.0
	if d.historyCount > 0 {
		interval = trailingEdge - d.tickTimestampsMs[(d.historyIdx-1+historySize)%historySize]
	}
	d.tickTimestampsMs[d.historyIdx] = trailingEdge
	d.historyIdx = (d.historyIdx + 1) % historySize
	if d.historyCount < historySize {
		d.historyCount++
	}
	d.lastTickFrame = d.tickStartFrame
	if d.gate.enabled {
		d.gate.lastTickFrameGated = d.tickStartFrame
	}

	evt := wwv.TickEvent{
		TickNumber:          d.ticksDetected,
		TrailingEdgeMs:       trailingEdge,
		IntervalSincePrevMs:  interval,
		DurationMs:           durationMs,
		PeakEnergy:           d.tickPeakEnergy,
		NoiseFloor:           d.noiseFloor,
		CorrelationPeak:      d.corrPeak,
		CorrelationRatio:     corrRatio,
	}
	if d.callback != nil {
		d.callback(evt)
	}
}

func (d *Detector) emitMarker(startMs, durationMs, corrRatio float64) {
	interval := 0.0
	if d.markersDetected > 0 {
		interval = startMs - float64(d.lastMarkerFrame)*d.frameMs
	}
	d.markersDetected++
	d.lastMarkerFrame = d.tickStartFrame

	trailingEdge := startMs + durationMs
	leadingEdge := trailingEdge - durationMs - d.groupDelayMs

	evt := wwv.TickMarkerEvent{
		LeadingEdgeMs:       leadingEdge,
		DurationMs:          durationMs,
		CorrelationRatio:    corrRatio,
		IntervalSincePrevMs: interval,
	}
	if d.markerCallback != nil {
		d.markerCallback(evt)
	}
}

// AverageIntervalMs returns the average tick interval over the trailing
// avgWindowMs window of recent tick timestamps.
func (d *Detector) AverageIntervalMs() float64 {
	if d.historyCount < 2 {
		return 0
	}
	latest := d.tickTimestampsMs[(d.historyIdx-1+historySize)%historySize]
	var sum, count float64
	for i := 0; i < d.historyCount-1; i++ {
		idx := (d.historyIdx - 1 - i + historySize) % historySize
		prevIdx := (idx - 1 + historySize) % historySize
		if latest-d.tickTimestampsMs[idx] > avgWindowMs {
			break
		}
		sum += d.tickTimestampsMs[idx] - d.tickTimestampsMs[prevIdx]
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / count
}

// Stats is a snapshot of detector counters for diagnostics.
type Stats struct {
	TicksDetected   int
	TicksRejected   int
	MarkersDetected int
	NoiseFloor      float64
	WarmupComplete  bool
}

// Stats returns a snapshot of current counters.
func (d *Detector) Stats() Stats {
	return Stats{
		TicksDetected:   d.ticksDetected,
		TicksRejected:   d.ticksRejected,
		MarkersDetected: d.markersDetected,
		NoiseFloor:      d.noiseFloor,
		WarmupComplete:  d.warmupComplete,
	}
}

// Destroy releases the detector's resources. After Destroy, ProcessSample
// returns ErrDestroyed.
func (d *Detector) Destroy() {
	d.destroyed = true
}
