package filters

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ky4olb/wwvengine/wwv"
)

func TestNewBankRejectsBadRate(t *testing.T) {
	_, err := NewBank(0)
	assert.ErrorIs(t, err, ErrBadRate)
}

func TestBankSyncBandPassesTickFrequency(t *testing.T) {
	const sampleRate = 8000.0
	b, err := NewBank(sampleRate)
	require.NoError(t, err)

	var sumSq float64
	const n = 4000
	settle := n / 2
	for i := 0; i < n; i++ {
		theta := 2 * math.Pi * 1000.0 * float64(i) / sampleRate
		s := wwv.Sample{I: math.Cos(theta), Q: math.Sin(theta)}
		sync, _ := b.Process(s)
		if i >= settle {
			sumSq += sync.I*sync.I + sync.Q*sync.Q
		}
	}
	rms := math.Sqrt(sumSq / float64(n-settle))
	assert.Greater(t, rms, 0.3)
}

func TestBankDataBandAttenuatesTickFrequency(t *testing.T) {
	const sampleRate = 8000.0
	b, err := NewBank(sampleRate)
	require.NoError(t, err)

	var sumSq float64
	const n = 4000
	settle := n / 2
	for i := 0; i < n; i++ {
		theta := 2 * math.Pi * 1000.0 * float64(i) / sampleRate
		s := wwv.Sample{I: math.Cos(theta), Q: math.Sin(theta)}
		_, data := b.Process(s)
		if i >= settle {
			sumSq += data.I*data.I + data.Q*data.Q
		}
	}
	rms := math.Sqrt(sumSq / float64(n-settle))
	assert.Less(t, rms, 0.3)
}

func TestBankResetClearsBothCascades(t *testing.T) {
	b, err := NewBank(8000)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		b.Process(wwv.Sample{I: 1, Q: 1})
	}
	b.Reset()
	sync, data := b.Process(wwv.Sample{I: 0, Q: 0})
	assert.Equal(t, wwv.Sample{I: 0, Q: 0}, sync)
	assert.Equal(t, wwv.Sample{I: 0, Q: 0}, data)
}
