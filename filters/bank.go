package filters

import (
	"errors"

	"github.com/ky4olb/wwvengine/wwv"
)

// ErrBadRate is returned when a filter is constructed with a non-positive sample rate.
var ErrBadRate = errors.New("filters: sample rate must be positive")

// cascade is one 4th-order Butterworth section pair run on one channel (I or Q).
type cascade struct {
	stage1, stage2 *Biquad
}

func (c *cascade) process(x float64) float64 {
	return c.stage2.Process(c.stage1.Process(x))
}

func (c *cascade) reset() {
	c.stage1.Reset()
	c.stage2.Reset()
}

// SyncBandFilter is a 4th-order 800-1400Hz bandpass built from a highpass
// section followed by a lowpass section, run independently on I and Q.
type SyncBandFilter struct {
	i, q *cascade
}

// NewSyncBandFilter builds the sync-band filter for the given sample rate.
// lowHz/highHz are the bandpass edges (defaults 800/1400 for WWV's tick
// band).
func NewSyncBandFilter(sampleRateHz, lowHz, highHz float64) (*SyncBandFilter, error) {
	if sampleRateHz <= 0 {
		return nil, ErrBadRate
	}
	build := func() *cascade {
		return &cascade{
			stage1: NewBiquad(BiquadHighpass, lowHz, sampleRateHz, 0.7071),
			stage2: NewBiquad(BiquadLowpass, highHz, sampleRateHz, 0.7071),
		}
	}
	return &SyncBandFilter{i: build(), q: build()}, nil
}

// Process filters one I/Q sample pair.
func (f *SyncBandFilter) Process(s wwv.Sample) wwv.Sample {
	return wwv.Sample{I: f.i.process(s.I), Q: f.q.process(s.Q)}
}

// Reset clears filter state on both channels.
func (f *SyncBandFilter) Reset() {
	f.i.reset()
	f.q.reset()
}

// DataBandFilter is a 4th-order lowpass (default 150Hz) built from two
// cascaded 2nd-order Butterworth sections, run independently on I and Q.
type DataBandFilter struct {
	i, q *cascade
}

// NewDataBandFilter builds the data-band filter for the given sample rate
// and cutoff (default 150Hz for WWV's 100Hz subcarrier).
func NewDataBandFilter(sampleRateHz, cutoffHz float64) (*DataBandFilter, error) {
	if sampleRateHz <= 0 {
		return nil, ErrBadRate
	}
	build := func() *cascade {
		return &cascade{
			stage1: NewBiquad(BiquadLowpass, cutoffHz, sampleRateHz, butterworthQs[0]),
			stage2: NewBiquad(BiquadLowpass, cutoffHz, sampleRateHz, butterworthQs[1]),
		}
	}
	return &DataBandFilter{i: build(), q: build()}, nil
}

// Process filters one I/Q sample pair.
func (f *DataBandFilter) Process(s wwv.Sample) wwv.Sample {
	return wwv.Sample{I: f.i.process(s.I), Q: f.q.process(s.Q)}
}

// Reset clears filter state on both channels.
func (f *DataBandFilter) Reset() {
	f.i.reset()
	f.q.reset()
}

// Bank owns both channel-filter cascades. A detector-path consumer runs
// raw samples through Bank.Process once per sample and feeds SyncBand to
// the tick/marker detectors, DataBand to the BCD detectors.
type Bank struct {
	SyncBand *SyncBandFilter
	DataBand *DataBandFilter
}

// NewBank builds both cascades for the given sample rate using WWV's
// standard band edges (800-1400Hz sync, 150Hz data lowpass).
func NewBank(sampleRateHz float64) (*Bank, error) {
	sync, err := NewSyncBandFilter(sampleRateHz, 800, 1400)
	if err != nil {
		return nil, err
	}
	data, err := NewDataBandFilter(sampleRateHz, 150)
	if err != nil {
		return nil, err
	}
	return &Bank{SyncBand: sync, DataBand: data}, nil
}

// Process runs one input sample through both cascades, returning the
// sync-band and data-band outputs.
func (b *Bank) Process(s wwv.Sample) (sync, data wwv.Sample) {
	return b.SyncBand.Process(s), b.DataBand.Process(s)
}

// Reset clears both cascades.
func (b *Bank) Reset() {
	b.SyncBand.Reset()
	b.DataBand.Reset()
}
