// Package framesync fuses tick, marker, P-marker and tick-hole evidence
// into a single per-second estimate of where the engine is within the
// WWV/WWVH minute, with a confidence value and an explicit acquire/lock/
// recover state machine.
package framesync

import (
	"math"

	"github.com/ky4olb/wwvengine/wwv"
)

const (
	weightTick           = 0.15
	weightMarker         = 0.45
	weightPMarker        = 0.40
	weightTickHole       = 0.20
	weightHoleThenMarker = 0.65

	toleranceTickMs     = 10.0
	toleranceMarkerMs   = 30.0
	tolerancePMarkerMs  = 30.0
	toleranceHoleMs     = 10.0
	toleranceHoleMarkMs = 30.0

	confidenceDecayNormal     = 0.01
	confidenceDecayRecovering = 0.05
	acquireThreshold          = 0.5
	lockThreshold             = 0.8
	recoverThreshold          = 0.3
)

// Detector fuses evidence events into a FrameTime estimate. Not safe for
// concurrent use; feed it from a single cooperative loop.
type Detector struct {
	state      wwv.SyncState
	confidence float64

	minuteAnchorMs float64
	haveAnchor     bool
	currentSecond  int

	lastHoleMs     float64
	haveHole       bool

	callback func(wwv.FrameTime)
}

// New creates a sync detector in the SEARCHING state.
func New() *Detector {
	return &Detector{state: wwv.SyncSearching}
}

// SetCallback installs the callback invoked whenever the fused estimate changes.
func (d *Detector) SetCallback(cb func(wwv.FrameTime)) { d.callback = cb }

// MinuteAnchorMs implements correlator.AnchorSource: it exposes the wall
// time of second 0 of the current minute, valid only once LOCKED or
// RECOVERING.
func (d *Detector) MinuteAnchorMs() (ms float64, locked bool) {
	return d.minuteAnchorMs, d.haveAnchor && (d.state == wwv.SyncLocked || d.state == wwv.SyncRecovering)
}

// TickEpoch folds a tick-chain epoch estimate in as weak per-tick evidence.
// epochMsMod1000 is the tick chain's own estimate of its offset from the
// nearest second boundary, already modulo 1000ms.
func (d *Detector) TickEpoch(epochMsMod1000 float64, confidence float64) {
	d.apply(weightTick*confidence, wwv.EvidenceTick, circularOffset(epochMsMod1000), toleranceTickMs)
}

// ConfirmedMarker folds in a cross-validated fast minute marker: strong
// evidence that the current second is :00 of a new minute. The match check
// runs against the anchor this detector already holds, before that anchor
// is replaced, so a marker landing far from where the existing anchor
// predicted it doesn't silently buy confidence it hasn't earned.
func (d *Detector) ConfirmedMarker(evt wwv.TickMarkerEvent) {
	offset := d.offsetFromBoundary(evt.LeadingEdgeMs)
	d.installAnchor(evt.LeadingEdgeMs)
	d.apply(weightMarker, wwv.EvidenceMarker, offset, toleranceMarkerMs)
}

// PMarkerSymbol folds in a BCD P-marker symbol landing on a valid position.
func (d *Detector) PMarkerSymbol(evt wwv.SymbolEvent) {
	offset := d.offsetFromBoundary(evt.TimestampMs)
	d.apply(weightPMarker*evt.Confidence, wwv.EvidencePMarker, offset, tolerancePMarkerMs)
}

// TickHole reports that an expected tick at expectedMs did not arrive,
// consistent with the station's :29/:59 silent seconds.
func (d *Detector) TickHole(expectedMs float64) {
	weight := weightTickHole
	mask := wwv.EvidenceTickHole
	if d.haveHole && math.Abs(expectedMs-d.lastHoleMs) <= toleranceHoleMarkMs {
		weight = weightHoleThenMarker
		mask = wwv.EvidenceHoleThenMarker
	}
	d.lastHoleMs = expectedMs
	d.haveHole = true
	d.apply(weight, mask, d.offsetFromBoundary(expectedMs), toleranceHoleMs)
}

func (d *Detector) installAnchor(ms float64) {
	d.minuteAnchorMs = ms
	d.haveAnchor = true
	d.currentSecond = 0
}

// offsetFromBoundary returns how far ms lands from the nearest predicted
// second boundary under the anchor this detector currently holds, signed
// and folded into [-500, 500]ms. With no anchor yet there is nothing to
// predict against, so evidence is accepted unconditionally during initial
// acquisition.
func (d *Detector) offsetFromBoundary(ms float64) float64 {
	if !d.haveAnchor {
		return 0
	}
	return circularOffset(ms - d.minuteAnchorMs)
}

func circularOffset(ms float64) float64 {
	off := math.Mod(ms, 1000.0)
	if off < 0 {
		off += 1000.0
	}
	if off > 500.0 {
		off -= 1000.0
	}
	return off
}

// apply folds one evidence observation into the confidence score and
// advances the acquire/lock/recover state machine, but only when the
// observation lands within tolerance of the predicted second boundary.
// Evidence outside tolerance is dropped rather than boosting a confidence
// that hasn't actually been confirmed by the timing it claims to support.
func (d *Detector) apply(weight float64, mask wwv.EvidenceMask, offsetMs, tolerance float64) {
	if math.Abs(offsetMs) > tolerance {
		return
	}

	d.confidence += weight * (1.0 - d.confidence)
	d.advanceState()

	if d.callback != nil {
		d.callback(d.snapshot(mask))
	}
}

// Tick advances the per-second clock and decays confidence when no evidence
// arrives for a second, matching the station's own timing. Decay is faster
// while RECOVERING so a lock that's actually lost gives way to SEARCHING
// instead of lingering.
func (d *Detector) Tick(nowMs float64) {
	if !d.haveAnchor {
		return
	}
	d.currentSecond = secondForTimestamp(d.minuteAnchorMs, nowMs)

	rate := confidenceDecayNormal
	if d.state == wwv.SyncRecovering {
		rate = confidenceDecayRecovering
	}
	d.confidence = math.Max(0.0, d.confidence-rate)
	d.advanceState()
}

func secondForTimestamp(anchorMs, tsMs float64) int {
	elapsed := tsMs - anchorMs
	second := int(elapsed/1000.0) % 60
	if second < 0 {
		second += 60
	}
	return second
}

func (d *Detector) advanceState() {
	switch d.state {
	case wwv.SyncSearching:
		if d.confidence >= acquireThreshold {
			d.state = wwv.SyncAcquiring
		}
	case wwv.SyncAcquiring:
		if d.confidence >= lockThreshold {
			d.state = wwv.SyncLocked
		} else if d.confidence < recoverThreshold {
			d.state = wwv.SyncSearching
		}
	case wwv.SyncLocked:
		if d.confidence < lockThreshold {
			d.state = wwv.SyncRecovering
		}
	case wwv.SyncRecovering:
		if d.confidence >= lockThreshold {
			d.state = wwv.SyncLocked
		} else if d.confidence < recoverThreshold {
			d.state = wwv.SyncSearching
			d.haveAnchor = false
		}
	}
}

func (d *Detector) snapshot(mask wwv.EvidenceMask) wwv.FrameTime {
	return wwv.FrameTime{
		CurrentSecond: d.currentSecond,
		SecondStartMs: d.minuteAnchorMs + float64(d.currentSecond)*1000.0,
		Confidence:    d.confidence,
		EvidenceMask:  mask,
		State:         d.state,
	}
}

// State returns the current fusion state.
func (d *Detector) State() wwv.SyncState { return d.state }

// Confidence returns the current fused confidence in [0,1].
func (d *Detector) Confidence() float64 { return d.confidence }
