package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ky4olb/wwvengine/wwv"
)

// New registers every collector against the global default registry via
// promauto, so only one Metrics instance may be constructed per test binary;
// all assertions below share the one built here.
var m = New()

func TestRecordTickDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		m.RecordTick("WWV", false)
		m.RecordTick("WWV", true)
	})
}

func TestRecordMarkerDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() { m.RecordMarker("WWV") })
}

func TestRecordSymbolDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		m.RecordSymbol("WWV", wwv.SymbolEvent{Symbol: wwv.SymbolOne, Confidence: 0.9})
	})
}

func TestRecordFrameTimeDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		m.RecordFrameTime("WWV", wwv.FrameTime{State: wwv.SyncLocked, Confidence: 0.95})
	})
}

func TestRecordToneDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		m.RecordTone("WWV", "500hz", wwv.ToneMeasurement{OffsetHz: 0.01, OffsetPpm: 20, SNRDb: 15})
	})
}

func TestRecordNoiseFloorDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() { m.RecordNoiseFloor("WWV", "tick", 0.02) })
}
