// Package tone implements the FFT-based reference-tone tracker: dual
// sideband peak search, parabolic interpolation, and SNR gating for the
// 0 (carrier), 500, and 600Hz reference tones.
package tone

import (
	"errors"
	"math"

	"github.com/ky4olb/wwvengine/fft"
	"github.com/ky4olb/wwvengine/wwv"
)

var ErrBadConfig = errors.New("tone: invalid configuration")

const (
	searchHalfWidthBins = 10
	exclusionBins        = searchHalfWidthBins + 5
	minSNRDb             = 10.0
)

// Config configures a Tracker.
type Config struct {
	SampleRateHz float64
	FFTSize      int
	NominalHz    float64 // 0 for carrier, else 500/600
	Window       fft.Window
}

// Tracker measures the frequency of one reference tone once per frame.
// Not safe for concurrent use.
type Tracker struct {
	cfg Config
	fft *fft.Processor

	iBuf, qBuf []float64
	bufIdx     int

	globalNoiseFloor float64
}

// New creates a tone tracker for one reference tone.
func New(cfg Config) (*Tracker, error) {
	if cfg.SampleRateHz <= 0 || cfg.FFTSize <= 0 || cfg.NominalHz < 0 {
		return nil, ErrBadConfig
	}
	proc, err := fft.New(cfg.FFTSize, cfg.SampleRateHz, cfg.Window)
	if err != nil {
		return nil, err
	}
	return &Tracker{
		cfg:  cfg,
		fft:  proc,
		iBuf: make([]float64, cfg.FFTSize),
		qBuf: make([]float64, cfg.FFTSize),
	}, nil
}

// ProcessSample buffers one sample and measures once FFTSize samples have
// accumulated, returning (measurement, true) on the frame the measurement
// was produced.
func (t *Tracker) ProcessSample(s wwv.Sample) (wwv.ToneMeasurement, bool, error) {
	t.iBuf[t.bufIdx] = s.I
	t.qBuf[t.bufIdx] = s.Q
	t.bufIdx++
	if t.bufIdx < t.cfg.FFTSize {
		return wwv.ToneMeasurement{}, false, nil
	}
	t.bufIdx = 0
	if err := t.fft.Process(t.iBuf, t.qBuf); err != nil {
		return wwv.ToneMeasurement{}, false, err
	}
	m := t.measure()
	return m, true, nil
}

// GlobalNoiseFloor returns the advisory noise-floor estimate from the most
// recent measurement, for the marker detector to read. Writes happen only
// from this Tracker; reads elsewhere are advisory and tolerate staleness.
func (t *Tracker) GlobalNoiseFloor() float64 { return t.globalNoiseFloor }

func (t *Tracker) measure() wwv.ToneMeasurement {
	mags := t.fft.Magnitudes()
	n := len(mags)
	hzPerBin := t.fft.HzPerBin()

	if t.cfg.NominalHz == 0 {
		return t.measureCarrier(mags, n, hzPerBin)
	}

	centerBin := int(math.Round(t.cfg.NominalHz / hzPerBin))
	usbBin, usbMag := findPeak(mags, centerBin-searchHalfWidthBins, centerBin+searchHalfWidthBins, n)
	usbFrac := refine(mags, usbBin, n)
	usbHz := (float64(usbBin) + usbFrac) * hzPerBin

	negCenter := n - centerBin
	lsbBin, lsbMag := findPeak(mags, negCenter-searchHalfWidthBins, negCenter+searchHalfWidthBins, n)
	lsbFrac := refine(mags, lsbBin, n)
	lsbHz := float64(n-lsbBin) - lsbFrac
	lsbHz *= hzPerBin

	measuredHz := (usbHz + lsbHz) / 2.0
	noiseFloor := estimateNoiseFloor(mags, n, centerBin, negCenter, exclusionBins)
	t.globalNoiseFloor = noiseFloor

	peakMag := usbMag
	if lsbMag > peakMag {
		peakMag = lsbMag
	}
	snrDb := 20.0 * math.Log10(peakMag/(noiseFloor+1e-10))

	offsetHz := measuredHz - t.cfg.NominalHz
	offsetPpm := offsetHz / t.cfg.NominalHz * 1e6

	return wwv.ToneMeasurement{
		MeasuredHz: measuredHz,
		OffsetHz:   offsetHz,
		OffsetPpm:  offsetPpm,
		SNRDb:      snrDb,
		Valid:      snrDb >= minSNRDb,
	}
}

// measureCarrier handles the f=0 special case: a single peak searched in
// both the low-positive and low-negative bins near DC.
func (t *Tracker) measureCarrier(mags []float64, n int, hzPerBin float64) wwv.ToneMeasurement {
	posBin, posMag := findPeak(mags, 0, searchHalfWidthBins, n)
	negBin, negMag := findPeak(mags, n-searchHalfWidthBins, n-1, n)

	var bin int
	var peakMag float64
	if posMag >= negMag {
		bin, peakMag = posBin, posMag
	} else {
		bin, peakMag = negBin, negMag
	}
	frac := refine(mags, bin, n)
	measuredHz := (float64(bin) + frac) * hzPerBin
	if bin > n/2 {
		measuredHz = (float64(bin-n) + frac) * hzPerBin
	}

	noiseFloor := estimateNoiseFloor(mags, n, 0, 0, exclusionBins)
	t.globalNoiseFloor = noiseFloor
	snrDb := 20.0 * math.Log10(peakMag/(noiseFloor+1e-10))

	return wwv.ToneMeasurement{
		MeasuredHz: measuredHz,
		OffsetHz:   measuredHz,
		OffsetPpm:  0,
		SNRDb:      snrDb,
		Valid:      snrDb >= minSNRDb,
	}
}

func findPeak(mags []float64, lo, hi, n int) (bin int, mag float64) {
	bestBin, bestMag := -1, -1.0
	for b := lo; b <= hi; b++ {
		idx := b % n
		if idx < 0 {
			idx += n
		}
		if mags[idx] > bestMag {
			bestMag = mags[idx]
			bestBin = idx
		}
	}
	return bestBin, bestMag
}

func refine(mags []float64, bin, n int) float64 {
	if bin < 0 {
		return 0
	}
	prev := mags[(bin-1+n)%n]
	cur := mags[bin]
	next := mags[(bin+1)%n]
	return fft.ParabolicPeak(prev, cur, next)
}

// estimateNoiseFloor averages magnitude over bins outside the exclusion
// zone around both the positive and mirrored negative tone regions,
// sampling a fixed band (bins 50-150) as the original detector does.
func estimateNoiseFloor(mags []float64, n, posCenter, negCenter, exclusion int) float64 {
	var sum float64
	var count int
	lo, hi := 50, 150
	if hi >= n {
		hi = n - 1
	}
	for b := lo; b <= hi; b++ {
		if abs(b-posCenter) <= exclusion {
			continue
		}
		sum += mags[b]
		count++
	}
	for b := n - hi; b <= n-lo; b++ {
		idx := b % n
		if idx < 0 {
			idx += n
		}
		if abs(idx-negCenter) <= exclusion {
			continue
		}
		sum += mags[idx]
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
