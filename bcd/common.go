// Package bcd implements the two 100Hz subcarrier pulse detectors: a
// short-frame time-domain detector for precise edge timing, and a
// long-frame frequency-domain detector for confident presence/duration.
// Both share the same 3-state FSM shape and noise-floor clamp range.
package bcd

import "errors"

var (
	ErrBadConfig  = errors.New("bcd: invalid configuration")
	ErrOutOfRange = errors.New("bcd: value out of allowed range")
	ErrDestroyed  = errors.New("bcd: detector has been destroyed")
)

const (
	noiseFloorMin = 1e-4
	noiseFloorMax = 5.0
	minLowFrames  = 3 // consecutive sub-threshold frames required to close a pulse
)

type fsmState int

const (
	stateIdle fsmState = iota
	stateInPulse
	stateCooldown
)
