package correlator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ky4olb/wwvengine/wwv"
)

func TestTickCorrelatorStartsChainOnFirstTick(t *testing.T) {
	c := NewTickCorrelator()
	c.AddTick(wwv.TickEvent{TrailingEdgeMs: 0})
	assert.Equal(t, 1, c.ChainLength())
}

func TestTickCorrelatorExtendsChainOnRegularInterval(t *testing.T) {
	c := NewTickCorrelator()
	ts := 0.0
	for i := 0; i < 10; i++ {
		c.AddTick(wwv.TickEvent{TrailingEdgeMs: ts})
		ts += 1000.0
	}
	assert.Equal(t, 10, c.ChainLength())
	assert.InDelta(t, 1000.0, c.AvgIntervalMs(), 1e-6)
}

func TestTickCorrelatorSingleSkipExtendsWithoutReset(t *testing.T) {
	c := NewTickCorrelator()
	ts := 0.0
	for i := 0; i < 6; i++ {
		c.AddTick(wwv.TickEvent{TrailingEdgeMs: ts})
		ts += 1000.0
	}
	lenBefore := c.ChainLength()
	// Miss one tick: interval is ~2000ms.
	ts += 1000.0
	c.AddTick(wwv.TickEvent{TrailingEdgeMs: ts})
	assert.Equal(t, lenBefore+1, c.ChainLength())
}

func TestTickCorrelatorSingleSkipReportsHoleAtExpectedPosition(t *testing.T) {
	c := NewTickCorrelator()
	ts := 0.0
	for i := 0; i < 6; i++ {
		c.AddTick(wwv.TickEvent{TrailingEdgeMs: ts})
		ts += 1000.0
	}
	lastTickMs := ts - 1000.0

	var gotHole bool
	var expectedMs float64
	c.SetHoleCallback(func(ms float64) {
		gotHole = true
		expectedMs = ms
	})

	ts += 1000.0 // miss one tick: interval is ~2000ms
	c.AddTick(wwv.TickEvent{TrailingEdgeMs: ts})

	assert.True(t, gotHole)
	assert.InDelta(t, lastTickMs+1000.0, expectedMs, 1e-6)
}

func TestTickCorrelatorResetsChainOnIrregularInterval(t *testing.T) {
	c := NewTickCorrelator()
	ts := 0.0
	for i := 0; i < 6; i++ {
		c.AddTick(wwv.TickEvent{TrailingEdgeMs: ts})
		ts += 1000.0
	}
	c.AddTick(wwv.TickEvent{TrailingEdgeMs: ts + 137.0})
	assert.Equal(t, 1, c.ChainLength())
}

func TestTickCorrelatorEmitsEpochAboveConfidenceThreshold(t *testing.T) {
	c := NewTickCorrelator()
	var gotEpoch bool
	var gotSource wwv.EpochSource
	c.SetEpochCallback(func(epochMsMod1000 float64, source wwv.EpochSource, confidence float64) {
		gotEpoch = true
		gotSource = source
		assert.GreaterOrEqual(t, confidence, tickEpochConfidenceThreshold)
	})

	ts := 123.0
	for i := 0; i < 35; i++ {
		c.AddTick(wwv.TickEvent{TrailingEdgeMs: ts})
		ts += 1000.0
	}
	assert.True(t, gotEpoch)
	assert.Equal(t, wwv.EpochSourceTickChain, gotSource)
}

func TestTickCorrelatorNoEpochOnShortChain(t *testing.T) {
	c := NewTickCorrelator()
	var gotEpoch bool
	c.SetEpochCallback(func(float64, wwv.EpochSource, float64) { gotEpoch = true })

	ts := 0.0
	for i := 0; i < 3; i++ {
		c.AddTick(wwv.TickEvent{TrailingEdgeMs: ts})
		ts += 1000.0
	}
	assert.False(t, gotEpoch)
}
