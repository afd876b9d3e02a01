package correlator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ky4olb/wwvengine/wwv"
)

func TestMarkerCorrelatorConfirmsWithinWindow(t *testing.T) {
	c := NewMarkerCorrelator()
	var confirmed wwv.TickMarkerEvent
	var gotCallback bool
	c.SetCallback(func(evt wwv.TickMarkerEvent) {
		gotCallback = true
		confirmed = evt
	})

	c.SlowMarkerEvent(60000.0)
	c.FastMarkerEvent(wwv.TickMarkerEvent{LeadingEdgeMs: 59200.0, DurationMs: 800.0})

	assert.True(t, gotCallback)
	assert.Equal(t, 1, c.Stats().Confirmed)
	assert.Equal(t, 59200.0, confirmed.LeadingEdgeMs)
}

func TestMarkerCorrelatorRejectsOutsideWindow(t *testing.T) {
	c := NewMarkerCorrelator()
	var gotCallback bool
	c.SetCallback(func(wwv.TickMarkerEvent) { gotCallback = true })

	c.SlowMarkerEvent(60000.0)
	c.FastMarkerEvent(wwv.TickMarkerEvent{LeadingEdgeMs: 58000.0, DurationMs: 800.0})

	assert.False(t, gotCallback)
	assert.Equal(t, 1, c.Stats().Unconfirmed)
}

func TestMarkerCorrelatorRejectsWithoutSlowMarker(t *testing.T) {
	c := NewMarkerCorrelator()
	var gotCallback bool
	c.SetCallback(func(wwv.TickMarkerEvent) { gotCallback = true })

	c.FastMarkerEvent(wwv.TickMarkerEvent{LeadingEdgeMs: 1000.0, DurationMs: 800.0})

	assert.False(t, gotCallback)
	assert.Equal(t, 0, c.Stats().Confirmed)
	assert.Equal(t, 1, c.Stats().Unconfirmed)
}
