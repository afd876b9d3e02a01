package marker

import (
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
		WindowFrames: 31,
	})
	require.NoError(t, err)
	return d
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{SampleRateHz: 0, TickFreqHz: 1000, FFTSize: 256, WindowFrames: 31})
	assert.ErrorIs(t, err, ErrBadConfig)
}

func TestSetThresholdMultiplierRange(t *testing.T) {
	d := newTestDetector(t)
	assert.NoError(t, d.SetThresholdMultiplier(3))
	assert.ErrorIs(t, d.SetThresholdMultiplier(1), ErrOutOfRange)
	assert.ErrorIs(t, d.SetThresholdMultiplier(10), ErrOutOfRange)
}

func TestSetNoiseAdaptRateRange(t *testing.T) {
	d := newTestDetector(t)
	assert.NoError(t, d.SetNoiseAdaptRate(1e-3))
	assert.ErrorIs(t, d.SetNoiseAdaptRate(1), ErrOutOfRange)
}

func TestSetMinDurationMsRange(t *testing.T) {
	d := newTestDetector(t)
	assert.NoError(t, d.SetMinDurationMs(500))
	assert.ErrorIs(t, d.SetMinDurationMs(100), ErrOutOfRange)
	assert.ErrorIs(t, d.SetMinDurationMs(1000), ErrOutOfRange)
}

func TestProcessSampleAfterDestroyErrors(t *testing.T) {
	d := newTestDetector(t)
	d.Destroy()
	assert.ErrorIs(t, d.ProcessSample(wwv.Sample{}), ErrDestroyed)
}

func TestWarmupCompletesAfterEnoughFrames(t *testing.T) {
	d := newTestDetector(t)
	for i := 0; i < 256*(warmupFrames+2); i++ {
		require.NoError(t, d.ProcessSample(wwv.Sample{}))
	}
	assert.True(t, d.Stats().WarmupComplete)
}
