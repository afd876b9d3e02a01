package manager

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ky4olb/wwvengine/wwv"
)

type toneMeasurementRecord struct {
	name        string
	timestampMs float64
	meas        wwv.ToneMeasurement
}

type recordingSink struct {
	markers []wwv.TickMarkerEvent
	symbols []wwv.SymbolEvent
	frames  []wwv.FrameTime
	tones   []toneMeasurementRecord
}

func (s *recordingSink) OnConfirmedMarker(evt wwv.TickMarkerEvent) { s.markers = append(s.markers, evt) }
func (s *recordingSink) OnSymbol(evt wwv.SymbolEvent)              { s.symbols = append(s.symbols, evt) }
func (s *recordingSink) OnFrameTime(evt wwv.FrameTime)             { s.frames = append(s.frames, evt) }
func (s *recordingSink) OnToneMeasurement(name string, timestampMs float64, m wwv.ToneMeasurement) {
	s.tones = append(s.tones, toneMeasurementRecord{name: name, timestampMs: timestampMs, meas: m})
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{SampleRateHz: 0, TickFreqHz: 1000}, nil)
	assert.ErrorIs(t, err, ErrBadConfig)
}

func TestNewBuildsWithNilSink(t *testing.T) {
	m, err := New(Config{SampleRateHz: 8000, TickFreqHz: 1000}, nil)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, wwv.SyncSearching, m.SyncState())
}

func TestApplyTunablesRejectsOutOfRangeValue(t *testing.T) {
	_, err := New(Config{
		SampleRateHz:            8000,
		TickFreqHz:              1000,
		TickThresholdMultiplier: 100.0,
	}, nil)
	assert.Error(t, err)
}

func TestApplyTunablesAcceptsInRangeValue(t *testing.T) {
	m, err := New(Config{
		SampleRateHz:            8000,
		TickFreqHz:              1000,
		TickThresholdMultiplier: 3.0,
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, m)
}

func TestProcessSampleRunsFullPipelineWithoutError(t *testing.T) {
	m, err := New(Config{SampleRateHz: 8000, TickFreqHz: 1000}, &recordingSink{})
	require.NoError(t, err)

	for i := 0; i < 2000; i++ {
		require.NoError(t, m.ProcessSample(wwv.Sample{}))
	}
}

func TestNewToneTrackerUsesManagerSampleRate(t *testing.T) {
	m, err := New(Config{SampleRateHz: 8000, TickFreqHz: 1000}, nil)
	require.NoError(t, err)

	tr, err := m.NewToneTracker(500.0, 256)
	require.NoError(t, err)
	require.NotNil(t, tr)
}

func TestRunIDIsStableAcrossCalls(t *testing.T) {
	m, err := New(Config{SampleRateHz: 8000, TickFreqHz: 1000}, nil)
	require.NoError(t, err)
	assert.Equal(t, m.RunID(), m.RunID())
}

func TestDestroyDoesNotPanic(t *testing.T) {
	m, err := New(Config{SampleRateHz: 8000, TickFreqHz: 1000}, nil)
	require.NoError(t, err)
	assert.NotPanics(t, func() { m.Destroy() })
}

func TestProcessDisplaySampleFeedsToneTrackers(t *testing.T) {
	m, err := New(Config{SampleRateHz: 8000, TickFreqHz: 1000, ToneFFTSize: 256}, &recordingSink{})
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		require.NoError(t, m.ProcessDisplaySample(wwv.Sample{I: 1.0}))
	}

	sink := m.sink.(*recordingSink)
	assert.NotEmpty(t, sink.tones)
	for _, rec := range sink.tones {
		assert.Contains(t, []string{"carrier", "500hz", "600hz"}, rec.name)
	}
}

func TestProcessDisplaySampleIsolatedFromDetectorPath(t *testing.T) {
	m, err := New(Config{SampleRateHz: 8000, TickFreqHz: 1000, ToneFFTSize: 256}, &recordingSink{})
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		require.NoError(t, m.ProcessDisplaySample(wwv.Sample{I: 1.0}))
	}
	assert.Equal(t, uint64(500), m.displaySampleCount)
	assert.Equal(t, uint64(0), m.sampleCount)

	for i := 0; i < 500; i++ {
		require.NoError(t, m.ProcessSample(wwv.Sample{}))
	}
	assert.Equal(t, uint64(500), m.displaySampleCount)
	assert.Equal(t, uint64(500), m.sampleCount)
}

func TestPrintStatsWritesOneLinePerDetector(t *testing.T) {
	m, err := New(Config{SampleRateHz: 8000, TickFreqHz: 1000}, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	m.PrintStats(&buf)
	out := buf.String()
	assert.Contains(t, out, "tick:")
	assert.Contains(t, out, "marker:")
	assert.Contains(t, out, "bcd-time:")
	assert.Contains(t, out, "bcd-freq:")
	assert.Contains(t, out, "sync:")
}
