package filters

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBiquadLowpassAttenuatesHighFrequency(t *testing.T) {
	const sampleRate = 8000.0
	bq := NewBiquad(BiquadLowpass, 100, sampleRate, 0.7071)

	passRMS := sineRMSThrough(bq, 50, sampleRate)
	bq.Reset()
	stopRMS := sineRMSThrough(bq, 2000, sampleRate)

	assert.Greater(t, passRMS, stopRMS)
}

func TestBiquadHighpassAttenuatesLowFrequency(t *testing.T) {
	const sampleRate = 8000.0
	bq := NewBiquad(BiquadHighpass, 800, sampleRate, 0.7071)

	stopRMS := sineRMSThrough(bq, 50, sampleRate)
	bq.Reset()
	passRMS := sineRMSThrough(bq, 2000, sampleRate)

	assert.Greater(t, passRMS, stopRMS)
}

func TestBiquadResetClearsState(t *testing.T) {
	bq := NewBiquad(BiquadLowpass, 150, 8000, 0.7071)
	for i := 0; i < 100; i++ {
		bq.Process(1.0)
	}
	bq.Reset()
	assert.Equal(t, 0.0, bq.Process(0.0))
}

func sineRMSThrough(bq *Biquad, toneHz, sampleRate float64) float64 {
	const n = 4000
	var sumSq float64
	settle := n / 2
	for i := 0; i < n; i++ {
		x := math.Sin(2 * math.Pi * toneHz * float64(i) / sampleRate)
		y := bq.Process(x)
		if i >= settle {
			sumSq += y * y
		}
	}
	return math.Sqrt(sumSq / float64(n-settle))
}
