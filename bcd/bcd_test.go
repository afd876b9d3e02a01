package bcd

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ky4olb/wwvengine/wwv"
)

func TestNewTimeDetectorRejectsBadConfig(t *testing.T) {
	_, err := NewTimeDetector(TimeConfig{SampleRateHz: 0, FFTSize: 64})
	assert.ErrorIs(t, err, ErrBadConfig)
}

func TestTimeDetectorProcessSampleAfterDestroy(t *testing.T) {
	d, err := NewTimeDetector(TimeConfig{SampleRateHz: 8000, FFTSize: 64})
	require.NoError(t, err)
	d.Destroy()
	assert.ErrorIs(t, d.ProcessSample(wwv.Sample{}), ErrDestroyed)
}

func TestTimeDetectorWarmupCompletes(t *testing.T) {
	d, err := NewTimeDetector(TimeConfig{SampleRateHz: 8000, FFTSize: 64})
	require.NoError(t, err)
	for i := 0; i < 64*(timeWarmupFrames+2); i++ {
		require.NoError(t, d.ProcessSample(wwv.Sample{}))
	}
	assert.True(t, d.Stats().WarmupComplete)
}

func TestNewFreqDetectorRejectsBadConfig(t *testing.T) {
	_, err := NewFreqDetector(FreqConfig{SampleRateHz: 8000, FFTSize: 0, WindowFrames: 8})
	assert.ErrorIs(t, err, ErrBadConfig)
}

func TestFreqDetectorProcessSampleAfterDestroy(t *testing.T) {
	d, err := NewFreqDetector(FreqConfig{SampleRateHz: 8000, FFTSize: 256, WindowFrames: 8})
	require.NoError(t, err)
	d.Destroy()
	assert.ErrorIs(t, d.ProcessSample(wwv.Sample{}), ErrDestroyed)
}

func TestFreqDetectorWarmupCompletes(t *testing.T) {
	d, err := NewFreqDetector(FreqConfig{SampleRateHz: 8000, FFTSize: 256, WindowFrames: 8})
	require.NoError(t, err)
	for i := 0; i < 256*(freqWarmupFrames+2); i++ {
		require.NoError(t, d.ProcessSample(wwv.Sample{}))
	}
	assert.True(t, d.Stats().WarmupComplete)
}

func feedFreqTone(t *testing.T, d *FreqDetector, amplitude float64, frames int, sampleIdx *int) {
	const sampleRateHz = 8000.0
	for frame := 0; frame < frames; frame++ {
		for n := 0; n < 256; n++ {
			tSec := float64(*sampleIdx) / sampleRateHz
			*sampleIdx++
			s := wwv.Sample{I: amplitude * math.Sin(2*math.Pi*freqTargetFreqHz*tSec), Q: 0}
			require.NoError(t, d.ProcessSample(s))
		}
	}
}

func TestFreqDetectorIdleSelfTracksRisingNoiseFloor(t *testing.T) {
	d, err := NewFreqDetector(FreqConfig{SampleRateHz: 8000, FFTSize: 256, WindowFrames: 8})
	require.NoError(t, err)
	sampleIdx := 0
	// Warm up against a steady 100Hz tone so the baseline starts from a
	// realistic, nonzero noise floor rather than silence.
	feedFreqTone(t, d, 0.01, freqWarmupFrames+2, &sampleIdx)
	baselineAfterWarmup := d.Stats().Baseline
	require.True(t, d.Stats().WarmupComplete)

	// A modestly stronger tone (well under the 3x threshold multiplier, so
	// it never looks like a pulse) should pull the idle baseline upward if
	// idle self-tracking is wired; a frozen baseline would never move.
	feedFreqTone(t, d, 0.012, 400, &sampleIdx)
	assert.Greater(t, d.Stats().Baseline, baselineAfterWarmup)
}
