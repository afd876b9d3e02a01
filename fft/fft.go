// Package fft wraps gonum's complex FFT with the windowing and
// bucket-energy helpers every detector in this engine needs. Each detector
// owns its own Processor; none are shared.
package fft

import (
	"errors"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

var (
	// ErrNotPowerOfTwo is returned by New when size is not a positive power of two.
	ErrNotPowerOfTwo = errors.New("fft: size must be a power of two")
	// ErrBadSampleRate is returned by New when sampleRate is not positive.
	ErrBadSampleRate = errors.New("fft: sample rate must be positive")
	// ErrBlockLength is returned by Process when an input block's length does not match Size.
	ErrBlockLength = errors.New("fft: input block length must equal fft size")
)

// Window selects the analysis window applied before transforming.
type Window int

const (
	// WindowHann is the default window: 0.5*(1-cos(2*pi*n/(N-1))).
	WindowHann Window = iota
	// WindowBlackmanHarris is the 4-term Blackman-Harris window, used where
	// tighter sidelobe suppression matters (the tone tracker).
	WindowBlackmanHarris
)

// Processor performs a windowed complex forward FFT of a fixed size and
// extracts bucket energies from the result. It is stateless between calls
// other than its precomputed window and scratch buffers.
type Processor struct {
	size       int
	sampleRate float64
	hzPerBin   float64
	window     []float64
	fft        *fourier.CmplxFFT
	scratch    []complex128
	magnitudes []float64
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// New creates a Processor for the given FFT size and sample rate, with the
// given window applied to every input block.
func New(size int, sampleRate float64, w Window) (*Processor, error) {
	if !isPowerOfTwo(size) {
		return nil, ErrNotPowerOfTwo
	}
	if sampleRate <= 0 {
		return nil, ErrBadSampleRate
	}

	p := &Processor{
		size:       size,
		sampleRate: sampleRate,
		hzPerBin:   sampleRate / float64(size),
		window:     make([]float64, size),
		fft:        fourier.NewCmplxFFT(size),
		scratch:    make([]complex128, size),
		magnitudes: make([]float64, size),
	}

	switch w {
	case WindowBlackmanHarris:
		generateBlackmanHarris(p.window)
	default:
		generateHann(p.window)
	}

	return p, nil
}

func generateHann(w []float64) {
	n := len(w)
	for i := range w {
		w[i] = 0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/float64(n-1)))
	}
}

// Blackman-Harris 4-term coefficients.
const (
	bhA0 = 0.35875
	bhA1 = 0.48829
	bhA2 = 0.14128
	bhA3 = 0.01168
)

func generateBlackmanHarris(w []float64) {
	n := len(w)
	for i := range w {
		x := 2.0 * math.Pi * float64(i) / float64(n-1)
		w[i] = bhA0 - bhA1*math.Cos(x) + bhA2*math.Cos(2*x) - bhA3*math.Cos(3*x)
	}
}

// Size returns the configured FFT size.
func (p *Processor) Size() int { return p.size }

// HzPerBin returns the frequency resolution of one bin.
func (p *Processor) HzPerBin() float64 { return p.hzPerBin }

// Process runs the windowed forward FFT over iSamples/qSamples (each of
// length Size) and caches the resulting magnitudes for GetBucketEnergy and
// Magnitudes. Returns an error if either block has the wrong length.
func (p *Processor) Process(iSamples, qSamples []float64) error {
	if len(iSamples) != p.size || len(qSamples) != p.size {
		return ErrBlockLength
	}

	for i := 0; i < p.size; i++ {
		p.scratch[i] = complex(iSamples[i]*p.window[i], qSamples[i]*p.window[i])
	}

	out := p.fft.Coefficients(nil, p.scratch)
	for i, c := range out {
		p.magnitudes[i] = cmplx.Abs(c)
	}
	return nil
}

// Magnitudes returns the magnitude spectrum from the most recent Process
// call. The returned slice is owned by the Processor and is overwritten by
// the next call to Process.
func (p *Processor) Magnitudes() []float64 {
	return p.magnitudes
}

// GetBucketEnergy sums magnitudes over +/-ceil(bandwidthHz/hzPerBin) bins
// around both the positive-frequency bin for centerHz and its mirrored
// negative-frequency bin, each normalized by Size. bandwidthHz below
// hzPerBin clamps to one bin per side.
func (p *Processor) GetBucketEnergy(centerHz, bandwidthHz float64) float64 {
	halfBins := int(math.Ceil(bandwidthHz / p.hzPerBin))
	if halfBins < 1 {
		halfBins = 1
	}

	centerBin := int(math.Round(centerHz / p.hzPerBin))

	var energy float64
	energy += p.sumAroundBin(centerBin, halfBins)
	if centerBin != 0 {
		negBin := p.size - centerBin
		if negBin != centerBin {
			energy += p.sumAroundBin(negBin, halfBins)
		}
	}
	return energy
}

func (p *Processor) sumAroundBin(centerBin, halfBins int) float64 {
	var sum float64
	for b := centerBin - halfBins; b <= centerBin+halfBins; b++ {
		idx := b % p.size
		if idx < 0 {
			idx += p.size
		}
		sum += p.magnitudes[idx] / float64(p.size)
	}
	return sum
}

// ParabolicPeak refines a bin index to a fractional offset using the
// classic three-point parabolic interpolation on magnitudes alpha (bin-1),
// beta (bin), gamma (bin+1). Returns 0 if the denominator is too small to
// trust (the peak is ambiguous/flat).
func ParabolicPeak(alpha, beta, gamma float64) float64 {
	denom := alpha - 2*beta + gamma
	if math.Abs(denom) < 1e-10 {
		return 0
	}
	return 0.5 * (alpha - gamma) / denom
}
