package fft

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	_, err := New(100, 8000, WindowHann)
	assert.ErrorIs(t, err, ErrNotPowerOfTwo)
}

func TestNewRejectsBadSampleRate(t *testing.T) {
	_, err := New(256, 0, WindowHann)
	assert.ErrorIs(t, err, ErrBadSampleRate)
}

func TestProcessRejectsWrongBlockLength(t *testing.T) {
	p, err := New(64, 8000, WindowHann)
	require.NoError(t, err)
	err = p.Process(make([]float64, 32), make([]float64, 64))
	assert.ErrorIs(t, err, ErrBlockLength)
}

func TestProcessFindsToneBin(t *testing.T) {
	const size = 256
	const sampleRate = 8000.0
	const toneHz = 1000.0

	p, err := New(size, sampleRate, WindowHann)
	require.NoError(t, err)

	iBuf := make([]float64, size)
	qBuf := make([]float64, size)
	for n := 0; n < size; n++ {
		t := float64(n) / sampleRate
		iBuf[n] = math.Cos(2 * math.Pi * toneHz * t)
		qBuf[n] = math.Sin(2 * math.Pi * toneHz * t)
	}

	require.NoError(t, p.Process(iBuf, qBuf))
	mags := p.Magnitudes()

	expectedBin := int(math.Round(toneHz / p.HzPerBin()))
	peakBin := 0
	for i, m := range mags {
		if m > mags[peakBin] {
			peakBin = i
		}
	}
	assert.InDelta(t, expectedBin, peakBin, 1)
}

func TestGetBucketEnergyIncludesMirroredBin(t *testing.T) {
	const size = 128
	const sampleRate = 8000.0
	p, err := New(size, sampleRate, WindowHann)
	require.NoError(t, err)

	iBuf := make([]float64, size)
	qBuf := make([]float64, size)
	for n := range iBuf {
		iBuf[n] = 1.0
		qBuf[n] = 0.0
	}
	require.NoError(t, p.Process(iBuf, qBuf))

	energyAtDC := p.GetBucketEnergy(0, sampleRate/float64(size))
	assert.Greater(t, energyAtDC, 0.0)
}

func TestParabolicPeakZeroOnFlatDenominator(t *testing.T) {
	assert.Equal(t, 0.0, ParabolicPeak(1, 1, 1))
}

func TestParabolicPeakSymmetricCase(t *testing.T) {
	// alpha == gamma implies the true peak sits exactly on the center bin.
	got := ParabolicPeak(0.5, 1.0, 0.5)
	assert.InDelta(t, 0.0, got, 1e-9)
}
