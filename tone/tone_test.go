package tone

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ky4olb/wwvengine/fft"
	"github.com/ky4olb/wwvengine/wwv"
)

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{SampleRateHz: 0, FFTSize: 1024, NominalHz: 500})
	assert.ErrorIs(t, err, ErrBadConfig)

	_, err = New(Config{SampleRateHz: 8000, FFTSize: 1024, NominalHz: -1})
	assert.ErrorIs(t, err, ErrBadConfig)
}

func TestProcessSampleBuffersUntilFFTSize(t *testing.T) {
	tr, err := New(Config{SampleRateHz: 8000, FFTSize: 256, NominalHz: 500, Window: fft.WindowHann})
	require.NoError(t, err)

	for i := 0; i < 255; i++ {
		_, ready, err := tr.ProcessSample(wwv.Sample{})
		require.NoError(t, err)
		assert.False(t, ready)
	}
	_, ready, err := tr.ProcessSample(wwv.Sample{})
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestSidebandMeasurementFindsKnownTone(t *testing.T) {
	const sampleRate = 8000.0
	const fftSize = 1024
	const nominal = 500.0

	tr, err := New(Config{SampleRateHz: sampleRate, FFTSize: fftSize, NominalHz: nominal, Window: fft.WindowHann})
	require.NoError(t, err)

	var last wwv.ToneMeasurement
	var gotReady bool
	phase := 0.0
	for frame := 0; frame < 3; frame++ {
		for i := 0; i < fftSize; i++ {
			s := wwv.Sample{I: math.Cos(phase), Q: math.Sin(phase)}
			phase += 2 * math.Pi * nominal / sampleRate
			m, ready, err := tr.ProcessSample(s)
			require.NoError(t, err)
			if ready {
				last = m
				gotReady = true
			}
		}
	}
	require.True(t, gotReady)
	assert.InDelta(t, nominal, last.MeasuredHz, 20.0)
}

func TestCarrierMeasurementPath(t *testing.T) {
	const sampleRate = 8000.0
	const fftSize = 512

	tr, err := New(Config{SampleRateHz: sampleRate, FFTSize: fftSize, NominalHz: 0, Window: fft.WindowHann})
	require.NoError(t, err)

	var ready bool
	for i := 0; i < fftSize; i++ {
		_, r, err := tr.ProcessSample(wwv.Sample{I: 1, Q: 0})
		require.NoError(t, err)
		if r {
			ready = true
		}
	}
	assert.True(t, ready)
}

func TestGlobalNoiseFloorUpdatesAfterMeasurement(t *testing.T) {
	tr, err := New(Config{SampleRateHz: 8000, FFTSize: 256, NominalHz: 600, Window: fft.WindowHann})
	require.NoError(t, err)
	assert.Equal(t, 0.0, tr.GlobalNoiseFloor())

	for i := 0; i < 256; i++ {
		_, _, err := tr.ProcessSample(wwv.Sample{I: 0.01, Q: 0.0})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, tr.GlobalNoiseFloor(), 0.0)
}
