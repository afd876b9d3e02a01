package tick

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ky4olb/wwvengine/wwv"
)

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := New(Config{
		SampleRateHz: 8000,
		TickFreqHz:   1000,
		FFTSize:      256,
	})
	require.NoError(t, err)
	return d
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{SampleRateHz: 0, TickFreqHz: 1000, FFTSize: 256})
	assert.ErrorIs(t, err, ErrBadConfig)
}

func TestSetThresholdMultiplierRange(t *testing.T) {
	d := newTestDetector(t)
	assert.NoError(t, d.SetThresholdMultiplier(3))
	assert.ErrorIs(t, d.SetThresholdMultiplier(0.5), ErrOutOfRange)
	assert.ErrorIs(t, d.SetThresholdMultiplier(10), ErrOutOfRange)
}

func TestSetAdaptAlphaRanges(t *testing.T) {
	d := newTestDetector(t)
	assert.NoError(t, d.SetAdaptAlphaDown(0.95))
	assert.ErrorIs(t, d.SetAdaptAlphaDown(0.5), ErrOutOfRange)
	assert.NoError(t, d.SetAdaptAlphaUp(0.01))
	assert.ErrorIs(t, d.SetAdaptAlphaUp(0.5), ErrOutOfRange)
}

func TestProcessSampleAfterDestroyErrors(t *testing.T) {
	d := newTestDetector(t)
	d.Destroy()
	err := d.ProcessSample(wwv.Sample{})
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestDetectionDisabledSkipsProcessing(t *testing.T) {
	d := newTestDetector(t)
	d.SetDetectionEnabled(false)
	for i := 0; i < 1000; i++ {
		require.NoError(t, d.ProcessSample(wwv.Sample{I: 1, Q: 0}))
	}
	assert.False(t, d.WarmupComplete())
}

func TestEpochInstallAndReadback(t *testing.T) {
	d := newTestDetector(t)
	_, _, _, ok := d.Epoch()
	assert.False(t, ok)

	d.SetEpoch(1234.0, wwv.EpochSourceTickChain, 0.9)
	ms, source, confidence, ok := d.Epoch()
	require.True(t, ok)
	assert.InDelta(t, 234.0, ms, 1e-9)
	assert.Equal(t, wwv.EpochSourceTickChain, source)
	assert.InDelta(t, 0.9, confidence, 1e-9)
}

func TestTickDetectionEmitsCallback(t *testing.T) {
	d := newTestDetector(t)
	const sampleRate = 8000.0
	const tickFreq = 1000.0

	var ticks []wwv.TickEvent
	d.SetCallback(func(evt wwv.TickEvent) { ticks = append(ticks, evt) })

	feedSilence := func(n int) {
		for i := 0; i < n; i++ {
			require.NoError(t, d.ProcessSample(wwv.Sample{}))
		}
	}
	feedTone := func(n int, startPhase float64) float64 {
		phase := startPhase
		for i := 0; i < n; i++ {
			s := wwv.Sample{I: math.Cos(phase), Q: math.Sin(phase)}
			require.NoError(t, d.ProcessSample(s))
			phase += 2 * math.Pi * tickFreq / sampleRate
		}
		return phase
	}

	// Warm up the noise floor on silence.
	feedSilence(256 * (warmupFrames + 5))

	// Feed several short tick bursts separated by silence, simulating a
	// one-second cadence at this sample rate scaled down for test speed.
	phase := 0.0
	for i := 0; i < 3; i++ {
		phase = feedTone(int(0.02*sampleRate), phase)
		feedSilence(int(0.2 * sampleRate))
	}

	assert.NotEmpty(t, ticks)
}

func TestAverageIntervalMsWithInsufficientHistory(t *testing.T) {
	d := newTestDetector(t)
	assert.Equal(t, 0.0, d.AverageIntervalMs())
}

func TestStatsReflectsDestroyedFlagAbsence(t *testing.T) {
	d := newTestDetector(t)
	stats := d.Stats()
	assert.Equal(t, 0, stats.TicksDetected)
	assert.Equal(t, 0, stats.MarkersDetected)
}
