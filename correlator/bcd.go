package correlator

import "github.com/ky4olb/wwvengine/wwv"

const (
	windowDurationMs    = 1000.0
	windowToleranceMs   = 50.0
	minEventsForSymbol  = 2
	energyThresholdLow  = 0.001
	goodIntervalsTrack  = 3
)

var validPPositions = map[int]bool{0: true, 9: true, 19: true, 29: true, 39: true, 49: true, 59: true}

// AnchorSource is the minimal capability the BCD windower needs from the
// sync detector: the wall time of the last confirmed minute marker, read
// by value on demand rather than via a stored pointer.
type AnchorSource interface {
	MinuteAnchorMs() (ms float64, locked bool)
}

type bcdCorrState int

const (
	bcdAcquiring bcdCorrState = iota
	bcdTentative
	bcdTracking
)

func (s bcdCorrState) String() string {
	switch s {
	case bcdTentative:
		return "TENTATIVE"
	case bcdTracking:
		return "TRACKING"
	default:
		return "ACQUIRING"
	}
}

// SymbolCallback receives at most one SymbolEvent per second.
type SymbolCallback func(wwv.SymbolEvent)

type sourceAccum struct {
	firstMs, lastMs float64
	durationSum     float64
	energySum       float64
	count           int
}

func (a *sourceAccum) reset() { *a = sourceAccum{} }

func (a *sourceAccum) add(ts, duration, energy float64) {
	if a.count == 0 {
		a.firstMs = ts
	}
	a.lastMs = ts
	a.durationSum += duration
	a.energySum += energy
	a.count++
}

// BcdWindower integrates time- and frequency-domain BcdPulseEvents into
// 1-second windows anchored to the sync detector's minute anchor, and
// classifies each window into a symbol. Not safe for concurrent use.
type BcdWindower struct {
	anchor AnchorSource

	windowOpen    bool
	windowStartMs float64
	currentSecond int

	timeAccum sourceAccum
	freqAccum sourceAccum

	state          bcdCorrState
	lastSymbolMs   float64
	symbolCount    int
	goodIntervals  int

	callback SymbolCallback
}

// NewBcdWindower creates a windower that reads its anchor from src.
func NewBcdWindower(src AnchorSource) *BcdWindower {
	return &BcdWindower{anchor: src}
}

// SetCallback installs the symbol-event callback.
func (w *BcdWindower) SetCallback(cb SymbolCallback) { w.callback = cb }

// TimeEvent feeds a BcdPulseEvent from the time-domain detector.
func (w *BcdWindower) TimeEvent(evt wwv.BcdPulseEvent) {
	w.checkTransition(evt.StartMs)
	if !w.windowOpen {
		return
	}
	w.timeAccum.add(evt.StartMs, evt.DurationMs, evt.PeakEnergy)
}

// FreqEvent feeds a BcdPulseEvent from the frequency-domain detector.
func (w *BcdWindower) FreqEvent(evt wwv.BcdPulseEvent) {
	w.checkTransition(evt.StartMs)
	if !w.windowOpen {
		return
	}
	w.freqAccum.add(evt.StartMs, evt.DurationMs, evt.PeakEnergy)
}

// Tick advances window bookkeeping on a clock tick that carries no pulse
// event of its own (used so windows still close even if a second produces
// no 100Hz energy at all).
func (w *BcdWindower) Tick(nowMs float64) {
	w.checkTransition(nowMs)
}

func (w *BcdWindower) checkTransition(nowMs float64) {
	anchorMs, locked := w.anchor.MinuteAnchorMs()
	if !locked {
		if w.windowOpen {
			w.closeWindow()
		}
		return
	}

	second := secondForTimestamp(anchorMs, nowMs)
	windowStart := anchorMs + float64(second)*windowDurationMs

	if !w.windowOpen {
		w.openWindow(windowStart, second)
		return
	}

	if second != w.currentSecond || nowMs >= w.windowStartMs+windowDurationMs+windowToleranceMs {
		w.closeWindow()
		w.openWindow(windowStart, second)
	}
}

func secondForTimestamp(anchorMs, tsMs float64) int {
	elapsed := tsMs - anchorMs
	second := int(elapsed / windowDurationMs)
	second %= 60
	if second < 0 {
		second += 60
	}
	return second
}

func (w *BcdWindower) openWindow(startMs float64, second int) {
	w.windowOpen = true
	w.windowStartMs = startMs
	w.currentSecond = second
	w.timeAccum.reset()
	w.freqAccum.reset()
}

func (w *BcdWindower) closeWindow() {
	if !w.windowOpen {
		return
	}
	totalEvents := w.timeAccum.count + w.freqAccum.count
	totalEnergy := w.timeAccum.energySum + w.freqAccum.energySum

	var source wwv.SymbolSource
	var confidence float64
	switch {
	case w.timeAccum.count > 0 && w.freqAccum.count > 0:
		source, confidence = wwv.SymbolSourceBoth, 1.0
	case w.timeAccum.count > 0:
		source, confidence = wwv.SymbolSourceTime, 0.6
	case w.freqAccum.count > 0:
		source, confidence = wwv.SymbolSourceFreq, 0.6
	default:
		source, confidence = wwv.SymbolSourceNone, 0.0
	}

	durationMs := w.estimateDuration()
	symbol := wwv.SymbolNone
	qualityOK := totalEvents >= minEventsForSymbol && totalEnergy > energyThresholdLow

	if qualityOK {
		symbol = classifyDuration(durationMs, w.currentSecond)
	} else if totalEvents > 0 {
		symbol = classifyDuration(durationMs, w.currentSecond)
		confidence *= 0.5
	}

	symbolTimestampMs := w.windowStartMs + windowDurationMs/2.0

	if w.lastSymbolMs > 0 {
		interval := symbolTimestampMs - w.lastSymbolMs
		if interval >= 900.0 && interval <= 1100.0 {
			w.goodIntervals++
		}
	}
	if w.goodIntervals >= goodIntervalsTrack {
		w.state = bcdTracking
	} else if w.symbolCount >= 1 {
		w.state = bcdTentative
	}

	w.lastSymbolMs = symbolTimestampMs
	w.symbolCount++

	if symbol != wwv.SymbolNone && w.callback != nil {
		w.callback(wwv.SymbolEvent{
			Symbol:      symbol,
			Second:      w.currentSecond,
			TimestampMs: symbolTimestampMs,
			DurationMs:  durationMs,
			Confidence:  confidence,
			Source:      source,
		})
	}

	w.windowOpen = false
}

func (w *BcdWindower) estimateDuration() float64 {
	t, f := w.timeAccum, w.freqAccum
	switch {
	case t.count >= 2 && f.count >= 2:
		return ((t.lastMs - t.firstMs) + (f.lastMs - f.firstMs)) / 2.0
	case t.count >= 2:
		return t.lastMs - t.firstMs
	case f.count >= 2:
		return f.lastMs - f.firstMs
	case t.count == 1 && f.count == 1:
		return (t.durationSum + f.durationSum) / 2.0
	case t.count == 1:
		return t.durationSum
	case f.count == 1:
		return f.durationSum
	default:
		return 0
	}
}

func classifyDuration(durationMs float64, second int) wwv.Symbol {
	switch {
	case durationMs < 100:
		return wwv.SymbolNone
	case durationMs <= 350:
		return wwv.SymbolZero
	case durationMs <= 650:
		return wwv.SymbolOne
	default:
		if validPPositions[second] {
			return wwv.SymbolPMarker
		}
		return wwv.SymbolOne
	}
}

// State returns the windower's acquisition state.
func (w *BcdWindower) State() bcdCorrState { return w.state }

// SymbolCount returns the number of windows closed with a non-NONE symbol.
func (w *BcdWindower) SymbolCount() int { return w.symbolCount }
