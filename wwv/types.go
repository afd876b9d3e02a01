// Package wwv holds the data model shared by every detector, correlator,
// and the sync state machine: samples, events, and the enums that classify
// them. It has no behavior of its own — just the vocabulary the rest of the
// engine is built from.
package wwv

// Sample is one complex baseband (I/Q) sample, nominally in [-1, 1].
type Sample struct {
	I, Q float64
}

// EpochSource identifies which correlator installed a timing-gate epoch.
type EpochSource int

const (
	EpochSourceNone EpochSource = iota
	EpochSourceTickChain
	EpochSourceMarker
)

func (s EpochSource) String() string {
	switch s {
	case EpochSourceTickChain:
		return "TICK_CHAIN"
	case EpochSourceMarker:
		return "MARKER"
	default:
		return "NONE"
	}
}

// TickEvent is emitted by the tick detector when a short (2-50ms) pulse at
// the station tick frequency completes.
type TickEvent struct {
	TickNumber         int
	TrailingEdgeMs      float64
	IntervalSincePrevMs float64
	DurationMs          float64
	PeakEnergy          float64
	NoiseFloor          float64
	CorrelationPeak     float64
	CorrelationRatio    float64
}

// TickMarkerEvent is emitted by the tick detector when a long (600-1500ms)
// pulse at the tick frequency completes: the minute marker, as seen on the
// fast tick pipeline.
type TickMarkerEvent struct {
	LeadingEdgeMs       float64
	DurationMs          float64
	CorrelationRatio    float64
	IntervalSincePrevMs float64
}

// MarkerEvent is emitted by the slower, sliding-window minute-marker
// detector.
type MarkerEvent struct {
	TrailingEdgeMs        float64
	DurationMs            float64
	PeakAccumulatedEnergy float64
	Baseline              float64
}

// BcdSource distinguishes which 100Hz pipeline produced a BcdPulseEvent.
type BcdSource int

const (
	BcdSourceTime BcdSource = iota
	BcdSourceFreq
)

// BcdPulseEvent is emitted by either the time-domain or frequency-domain
// 100Hz subcarrier detector on completion of a pulse.
type BcdPulseEvent struct {
	Source        BcdSource
	StartMs       float64
	DurationMs    float64
	PeakEnergy    float64
	BaselineOrNoise float64
	SNRDb         float64
}

// ToneMeasurement is emitted once per frame by the tone tracker.
type ToneMeasurement struct {
	MeasuredHz float64
	OffsetHz   float64
	OffsetPpm  float64
	SNRDb      float64
	Valid      bool
}

// Symbol is one classified BCD symbol.
type Symbol int

const (
	SymbolNone Symbol = iota
	SymbolZero
	SymbolOne
	SymbolPMarker
)

func (s Symbol) String() string {
	switch s {
	case SymbolZero:
		return "0"
	case SymbolOne:
		return "1"
	case SymbolPMarker:
		return "P"
	default:
		return "."
	}
}

// SymbolSource records which 100Hz pipeline(s) contributed to a SymbolEvent.
type SymbolSource int

const (
	SymbolSourceNone SymbolSource = iota
	SymbolSourceTime
	SymbolSourceFreq
	SymbolSourceBoth
)

func (s SymbolSource) String() string {
	switch s {
	case SymbolSourceTime:
		return "TIME"
	case SymbolSourceFreq:
		return "FREQ"
	case SymbolSourceBoth:
		return "BOTH"
	default:
		return "NONE"
	}
}

// SymbolEvent is emitted by the BCD windower at most once per second.
type SymbolEvent struct {
	Symbol     Symbol
	Second     int
	TimestampMs float64
	DurationMs float64
	Confidence float64
	Source     SymbolSource
}

// SyncState is the state of the top-level sync detector's fusion FSM.
type SyncState int

const (
	SyncSearching SyncState = iota
	SyncAcquiring
	SyncLocked
	SyncRecovering
)

func (s SyncState) String() string {
	switch s {
	case SyncAcquiring:
		return "ACQUIRING"
	case SyncLocked:
		return "LOCKED"
	case SyncRecovering:
		return "RECOVERING"
	default:
		return "SEARCHING"
	}
}

// EvidenceMask bits, one per evidence source that contributed to the most
// recent confidence update.
type EvidenceMask uint8

const (
	EvidenceTick EvidenceMask = 1 << iota
	EvidenceMarker
	EvidencePMarker
	EvidenceTickHole
	EvidenceHoleThenMarker
)

// FrameTime is the sync detector's output: where we are in the minute, and
// how confident we are in that claim.
type FrameTime struct {
	CurrentSecond int
	SecondStartMs float64
	Confidence    float64
	EvidenceMask  EvidenceMask
	State         SyncState
}
