package framesync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ky4olb/wwvengine/wwv"
)

func TestNewStartsSearching(t *testing.T) {
	d := New()
	assert.Equal(t, wwv.SyncSearching, d.State())
	assert.Equal(t, 0.0, d.Confidence())
}

func TestMinuteAnchorInvalidBeforeLock(t *testing.T) {
	d := New()
	_, locked := d.MinuteAnchorMs()
	assert.False(t, locked)
}

func TestConfirmedMarkerInstallsAnchorAndAppliesStrongEvidence(t *testing.T) {
	d := New()
	d.ConfirmedMarker(wwv.TickMarkerEvent{LeadingEdgeMs: 5000.0, DurationMs: 800.0})
	assert.InDelta(t, weightMarker, d.Confidence(), 1e-9)
}

func TestStateProgressesToAcquiringThenLocked(t *testing.T) {
	d := New()
	d.ConfirmedMarker(wwv.TickMarkerEvent{LeadingEdgeMs: 0})
	assert.Equal(t, wwv.SyncSearching, d.State())

	// Each later marker lands exactly 60000ms after the last, i.e. on the
	// minute boundary the running anchor predicts, so every one clears the
	// tolerance gate and compounds via the diminishing-returns fusion:
	// 0 -> 0.45 -> 0.6975 -> 0.833625, crossing acquire then lock.
	d.ConfirmedMarker(wwv.TickMarkerEvent{LeadingEdgeMs: 60000})
	assert.Equal(t, wwv.SyncAcquiring, d.State())

	d.ConfirmedMarker(wwv.TickMarkerEvent{LeadingEdgeMs: 120000})
	assert.Equal(t, wwv.SyncLocked, d.State())

	_, locked := d.MinuteAnchorMs()
	assert.True(t, locked)
}

func TestTickDecaysConfidenceWithoutEvidence(t *testing.T) {
	d := New()
	d.ConfirmedMarker(wwv.TickMarkerEvent{LeadingEdgeMs: 0})
	d.ConfirmedMarker(wwv.TickMarkerEvent{LeadingEdgeMs: 60000})
	d.ConfirmedMarker(wwv.TickMarkerEvent{LeadingEdgeMs: 120000})
	require.Equal(t, wwv.SyncLocked, d.State())

	before := d.Confidence()
	d.Tick(121000)
	assert.Less(t, d.Confidence(), before)
}

func TestLockedDropsToRecoveringThenSearching(t *testing.T) {
	d := New()
	d.ConfirmedMarker(wwv.TickMarkerEvent{LeadingEdgeMs: 0})
	d.ConfirmedMarker(wwv.TickMarkerEvent{LeadingEdgeMs: 60000})
	d.ConfirmedMarker(wwv.TickMarkerEvent{LeadingEdgeMs: 120000})
	require.Equal(t, wwv.SyncLocked, d.State())

	ts := 121000.0
	for i := 0; i < 50 && d.State() == wwv.SyncLocked; i++ {
		d.Tick(ts)
		ts += 1000
	}
	assert.Equal(t, wwv.SyncRecovering, d.State())

	for i := 0; i < 50 && d.State() == wwv.SyncRecovering; i++ {
		d.Tick(ts)
		ts += 1000
	}
	assert.Equal(t, wwv.SyncSearching, d.State())

	_, locked := d.MinuteAnchorMs()
	assert.False(t, locked)
}

func TestTickHoleThenMarkerUsesStrongerWeight(t *testing.T) {
	d := New()
	d.TickHole(29000.0)
	first := d.Confidence()
	assert.InDelta(t, weightTickHole, first, 1e-9)

	d.ConfirmedMarker(wwv.TickMarkerEvent{LeadingEdgeMs: 29020.0})
	// Confirmed marker always uses weightMarker, independent of the prior
	// hole; the hole-then-marker bonus weight applies to a second TickHole
	// call within toleranceHoleMarkMs of the first.
	d.TickHole(29010.0)
	assert.Greater(t, d.Confidence(), first+weightMarker)
}

func TestCallbackReceivesSnapshotOnEvidence(t *testing.T) {
	d := New()
	var got wwv.FrameTime
	var calls int
	d.SetCallback(func(ft wwv.FrameTime) {
		calls++
		got = ft
	})
	d.ConfirmedMarker(wwv.TickMarkerEvent{LeadingEdgeMs: 1000.0})
	require.Equal(t, 1, calls)
	assert.Equal(t, wwv.EvidenceMarker, got.EvidenceMask)
}
