package correlator

import "github.com/ky4olb/wwvengine/wwv"

// slowMarkerWindowMs is the cross-validation tolerance around a fast
// marker's trailing edge within which a slow-marker spectral frame must
// have exceeded its threshold to confirm the fast marker.
const slowMarkerWindowMs = 250.0

// ConfirmedMarkerCallback receives a fast marker once cross-validated
// against the slow-marker spectral path.
type ConfirmedMarkerCallback func(wwv.TickMarkerEvent)

// MarkerCorrelator cross-validates fast minute markers (from the tick
// detector's long-pulse classification) against an advisory slow-marker
// spectral check. Only confirmed markers are published downstream. Not
// safe for concurrent use.
type MarkerCorrelator struct {
	lastSlowMarkerMs float64
	haveSlowMarker   bool

	callback ConfirmedMarkerCallback

	confirmed int
	unconfirmed int
}

// NewMarkerCorrelator creates an empty marker correlator.
func NewMarkerCorrelator() *MarkerCorrelator {
	return &MarkerCorrelator{}
}

// SetCallback installs the confirmed-marker callback.
func (c *MarkerCorrelator) SetCallback(cb ConfirmedMarkerCallback) { c.callback = cb }

// SlowMarkerEvent records that the slow, spectral marker check exceeded
// its threshold at timestampMs. This input is advisory only: its sole
// documented role is to publish a spectral confidence value for
// cross-validation.
func (c *MarkerCorrelator) SlowMarkerEvent(timestampMs float64) {
	c.lastSlowMarkerMs = timestampMs
	c.haveSlowMarker = true
}

// FastMarkerEvent records a candidate marker from the tick detector's
// long-pulse classification and confirms it if a slow-marker spectral
// frame occurred within slowMarkerWindowMs of its trailing edge.
func (c *MarkerCorrelator) FastMarkerEvent(evt wwv.TickMarkerEvent) {
	trailing := evt.LeadingEdgeMs + evt.DurationMs
	if c.haveSlowMarker && absF(trailing-c.lastSlowMarkerMs) <= slowMarkerWindowMs {
		c.confirmed++
		if c.callback != nil {
			c.callback(evt)
		}
		return
	}
	c.unconfirmed++
}

func absF(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// Stats is a snapshot of confirmation counters.
type MarkerCorrStats struct {
	Confirmed   int
	Unconfirmed int
}

// Stats returns a snapshot of current counters.
func (c *MarkerCorrelator) Stats() MarkerCorrStats {
	return MarkerCorrStats{Confirmed: c.confirmed, Unconfirmed: c.unconfirmed}
}
