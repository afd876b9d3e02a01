package correlator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ky4olb/wwvengine/wwv"
)

type fakeAnchor struct {
	ms     float64
	locked bool
}

func (f *fakeAnchor) MinuteAnchorMs() (float64, bool) { return f.ms, f.locked }

func TestBcdWindowerNoWindowWithoutLock(t *testing.T) {
	a := &fakeAnchor{locked: false}
	w := NewBcdWindower(a)
	w.TimeEvent(wwv.BcdPulseEvent{StartMs: 100, DurationMs: 200, PeakEnergy: 1})
	assert.Equal(t, 0, w.SymbolCount())
}

func TestBcdWindowerClassifiesZeroSymbol(t *testing.T) {
	a := &fakeAnchor{ms: 0, locked: true}
	w := NewBcdWindower(a)

	var got wwv.SymbolEvent
	var gotCallback bool
	w.SetCallback(func(evt wwv.SymbolEvent) {
		gotCallback = true
		got = evt
	})

	// Second 0 window spans [0,1000). Two time-domain pulses ~200ms apart
	// simulate a short (zero) pulse being tracked across the window.
	w.TimeEvent(wwv.BcdPulseEvent{StartMs: 10, DurationMs: 200, PeakEnergy: 1})
	w.TimeEvent(wwv.BcdPulseEvent{StartMs: 210, DurationMs: 200, PeakEnergy: 1})

	// Advance into the next window to force the first to close.
	w.Tick(1001)

	require.True(t, gotCallback)
	assert.Equal(t, wwv.SymbolZero, got.Symbol)
	assert.Equal(t, 0, got.Second)
	assert.Equal(t, wwv.SymbolSourceTime, got.Source)
}

func TestBcdWindowerBothSourcesYieldFullConfidence(t *testing.T) {
	a := &fakeAnchor{ms: 0, locked: true}
	w := NewBcdWindower(a)

	var got wwv.SymbolEvent
	w.SetCallback(func(evt wwv.SymbolEvent) { got = evt })

	w.TimeEvent(wwv.BcdPulseEvent{StartMs: 10, DurationMs: 500, PeakEnergy: 1})
	w.TimeEvent(wwv.BcdPulseEvent{StartMs: 510, DurationMs: 500, PeakEnergy: 1})
	w.FreqEvent(wwv.BcdPulseEvent{StartMs: 10, DurationMs: 500, PeakEnergy: 1})
	w.FreqEvent(wwv.BcdPulseEvent{StartMs: 510, DurationMs: 500, PeakEnergy: 1})

	w.Tick(1001)

	assert.Equal(t, wwv.SymbolSourceBoth, got.Source)
	assert.InDelta(t, 1.0, got.Confidence, 1e-9)
}

func TestBcdWindowerPMarkerAtValidPosition(t *testing.T) {
	a := &fakeAnchor{ms: 0, locked: true}
	w := NewBcdWindower(a)

	var got wwv.SymbolEvent
	w.SetCallback(func(evt wwv.SymbolEvent) { got = evt })

	// Second 9 is a valid P-marker position.
	base := 9 * 1000.0
	w.TimeEvent(wwv.BcdPulseEvent{StartMs: base + 10, DurationMs: 770, PeakEnergy: 1})
	w.TimeEvent(wwv.BcdPulseEvent{StartMs: base + 780, DurationMs: 100, PeakEnergy: 1})

	w.Tick(base + 1001)

	assert.Equal(t, wwv.SymbolPMarker, got.Symbol)
	assert.Equal(t, 9, got.Second)
}

func TestSecondForTimestampWrapsAt60(t *testing.T) {
	assert.Equal(t, 0, secondForTimestamp(0, 0))
	assert.Equal(t, 1, secondForTimestamp(0, 1000))
	assert.Equal(t, 59, secondForTimestamp(0, 59000))
	assert.Equal(t, 0, secondForTimestamp(0, 60000))
}

func TestClassifyDurationThresholds(t *testing.T) {
	assert.Equal(t, wwv.SymbolNone, classifyDuration(50, 1))
	assert.Equal(t, wwv.SymbolZero, classifyDuration(300, 1))
	assert.Equal(t, wwv.SymbolOne, classifyDuration(500, 1))
	assert.Equal(t, wwv.SymbolOne, classifyDuration(800, 1))
	assert.Equal(t, wwv.SymbolPMarker, classifyDuration(800, 9))
}
