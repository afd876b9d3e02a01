package filters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCombRejectsNonPositiveDelay(t *testing.T) {
	_, err := NewComb(0, 0.9)
	assert.ErrorIs(t, err, ErrBadDelay)
}

func TestNewCombWithBufferRejectsEmptyBuffer(t *testing.T) {
	_, err := NewCombWithBuffer(nil, 0.9)
	assert.ErrorIs(t, err, ErrBadDelay)
}

func TestCombReinforcesPeriodicImpulse(t *testing.T) {
	const delay = 10
	c, err := NewComb(delay, 0.5)
	require.NoError(t, err)

	var lastAtPeriod float64
	for cycle := 0; cycle < 20; cycle++ {
		for i := 0; i < delay; i++ {
			x := 0.0
			if i == 0 {
				x = 1.0
			}
			y := c.Process(x)
			if i == 0 {
				lastAtPeriod = y
			}
		}
	}
	assert.Greater(t, lastAtPeriod, 0.4)
}

func TestCombResetClearsDelayLine(t *testing.T) {
	c, err := NewComb(4, 0.5)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		c.Process(1.0)
	}
	c.Reset()
	assert.Equal(t, 0.0, c.Process(0.0))
}
