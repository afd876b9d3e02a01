// Package correlator implements the three correlators that sit between
// the raw detectors and the sync detector: tick-chain correlation, marker
// cross-validation, and BCD symbol windowing.
package correlator

import (
	"math"

	"github.com/ky4olb/wwvengine/wwv"
)

const (
	tickDefaultIntervalMs   = 1000.0
	tickToleranceBaseMs     = 5.0
	tickToleranceStdDevMul  = 3.0
	tickDisciplineWindowMs  = 20.0
	tickMaxConsecutiveMisses = 3
	tickEpochConfidenceThreshold = 0.7
	tickRecentIntervalsLen  = 5
)

// TickEpochCallback is invoked when a chain's length and consistency cross
// the epoch-confidence threshold.
type TickEpochCallback func(epochMsMod1000 float64, source wwv.EpochSource, confidence float64)

// TickHoleCallback is invoked when a tick predicted by the running chain
// average is absent at its expected position, consistent with the
// station's :29/:59 silent seconds.
type TickHoleCallback func(expectedMs float64)

type tickPrediction struct {
	active              bool
	retainedChainID     int
	predictedNextMs     float64
	disciplineWindowMs  float64
	lastStdDevMs        float64
	consecutiveMisses   int
}

type tickChain struct {
	id          int
	startMs     float64
	endMs       float64
	length      int
	avgIntervalMs float64
	minIntervalMs float64
	maxIntervalMs float64
}

// TickCorrelator builds correlation chains from TickEvents and derives a
// per-second epoch. Not safe for concurrent use.
type TickCorrelator struct {
	lastTickMs float64
	haveLast   bool

	chain     tickChain
	nextChainID int

	recentIntervals [tickRecentIntervalsLen]float64
	recentCount     int

	prediction tickPrediction

	epochCallback TickEpochCallback
	holeCallback  TickHoleCallback

	chainsStarted int
}

// NewTickCorrelator creates an empty tick correlator.
func NewTickCorrelator() *TickCorrelator {
	return &TickCorrelator{nextChainID: 1}
}

// SetEpochCallback installs the callback invoked on sufficient epoch confidence.
func (c *TickCorrelator) SetEpochCallback(cb TickEpochCallback) { c.epochCallback = cb }

// SetHoleCallback installs the callback invoked when a predicted tick is
// absent.
func (c *TickCorrelator) SetHoleCallback(cb TickHoleCallback) { c.holeCallback = cb }

// AddTick folds one TickEvent into the current chain or starts a new one.
func (c *TickCorrelator) AddTick(evt wwv.TickEvent) {
	ts := evt.TrailingEdgeMs
	if !c.haveLast {
		c.startNewChain(ts)
		c.haveLast = true
		c.lastTickMs = ts
		return
	}

	interval := ts - c.lastTickMs
	tolerance := c.tolerance()

	switch {
	case math.Abs(interval-c.chain.avgIntervalMs) <= tolerance || c.chain.length == 0:
		c.extendChain(ts, interval)
		c.trackPrediction(ts, interval, false)
	case math.Abs(interval-2*c.chain.avgIntervalMs) <= tolerance:
		// Single-skip: one tick was missed but the chain is otherwise
		// consistent. Extend without resetting chain statistics, and
		// report the missing tick's predicted position as a hole — this
		// is how the :29/:59 silent seconds reach the sync detector.
		expectedMs := c.lastTickMs + c.chain.avgIntervalMs
		c.extendChain(ts, interval/2)
		c.trackPrediction(ts, interval, true)
		if c.holeCallback != nil {
			c.holeCallback(expectedMs)
		}
	default:
		c.startNewChain(ts)
		c.prediction = tickPrediction{}
	}

	c.lastTickMs = ts
	c.trackInterval(interval)
	c.maybeCalculateEpoch(ts)
}

func (c *TickCorrelator) tolerance() float64 {
	stdDev := c.stdDevIntervals()
	return tickToleranceBaseMs + tickToleranceStdDevMul*stdDev
}

func (c *TickCorrelator) startNewChain(ts float64) {
	c.chain = tickChain{
		id:            c.nextChainID,
		startMs:       ts,
		endMs:         ts,
		length:        1,
		avgIntervalMs: tickDefaultIntervalMs,
		minIntervalMs: math.Inf(1),
		maxIntervalMs: 0,
	}
	c.nextChainID++
	c.chainsStarted++
}

func (c *TickCorrelator) extendChain(ts, interval float64) {
	n := c.chain.length + 1
	c.chain.avgIntervalMs = ((float64(n-1))*c.chain.avgIntervalMs + interval) / float64(n)
	if interval < c.chain.minIntervalMs {
		c.chain.minIntervalMs = interval
	}
	if interval > c.chain.maxIntervalMs {
		c.chain.maxIntervalMs = interval
	}
	c.chain.length = n
	c.chain.endMs = ts
}

func (c *TickCorrelator) trackInterval(interval float64) {
	for i := tickRecentIntervalsLen - 1; i > 0; i-- {
		c.recentIntervals[i] = c.recentIntervals[i-1]
	}
	c.recentIntervals[0] = interval
	if c.recentCount < tickRecentIntervalsLen {
		c.recentCount++
	}
}

func (c *TickCorrelator) stdDevIntervals() float64 {
	if c.recentCount < 2 {
		return 0
	}
	var mean float64
	for i := 0; i < c.recentCount; i++ {
		mean += c.recentIntervals[i]
	}
	mean /= float64(c.recentCount)
	var variance float64
	for i := 0; i < c.recentCount; i++ {
		d := c.recentIntervals[i] - mean
		variance += d * d
	}
	variance /= float64(c.recentCount)
	return math.Sqrt(variance)
}

func (c *TickCorrelator) trackPrediction(ts, interval float64, skip bool) {
	if c.chain.length < 5 {
		return
	}
	stdDev := c.stdDevIntervals()
	matched := c.prediction.active && math.Abs(ts-c.prediction.predictedNextMs) <= c.prediction.disciplineWindowMs

	if c.prediction.active {
		if matched || skip {
			c.prediction.consecutiveMisses = 0
		} else {
			c.prediction.consecutiveMisses++
			if c.prediction.consecutiveMisses >= tickMaxConsecutiveMisses {
				c.prediction = tickPrediction{}
				return
			}
		}
	}

	c.prediction.active = true
	c.prediction.retainedChainID = c.chain.id
	c.prediction.predictedNextMs = ts + c.chain.avgIntervalMs
	c.prediction.disciplineWindowMs = tickDisciplineWindowMs
	c.prediction.lastStdDevMs = stdDev
}

func (c *TickCorrelator) maybeCalculateEpoch(ts float64) {
	if c.chain.length < 5 {
		return
	}
	stdDev := c.stdDevIntervals()
	consistency := 1.0
	if stdDev > 0 {
		consistency = 1.0 / (1.0 + stdDev/10.0)
	}
	lengthFactor := math.Min(1.0, float64(c.chain.length)/30.0)
	confidence := lengthFactor * consistency
	if confidence < tickEpochConfidenceThreshold {
		return
	}
	epoch := math.Mod(ts, 1000.0)
	if epoch < 0 {
		epoch += 1000.0
	}
	if c.epochCallback != nil {
		c.epochCallback(epoch, wwv.EpochSourceTickChain, confidence)
	}
}

// ChainLength returns the length of the currently active chain.
func (c *TickCorrelator) ChainLength() int { return c.chain.length }

// AvgIntervalMs returns the running average interval of the active chain.
func (c *TickCorrelator) AvgIntervalMs() float64 { return c.chain.avgIntervalMs }
