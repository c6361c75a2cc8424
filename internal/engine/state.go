// ABOUTME: Playback state machine
// ABOUTME: Closed five-state enum with an explicit transition function
package engine

import (
	"errors"
	"sync/atomic"
)

// State is the playback lifecycle state
type State int32

const (
	// StateInitializing means no valid calibration yet
	StateInitializing State = iota
	// StateWaitingForStart means calibration is valid and the buffer is
	// accumulating; silence is emitted
	StateWaitingForStart
	// StatePlaying emits corrected, volume-applied audio
	StatePlaying
	// StateReanchoring discards calibration after a fade and rebuilds it
	StateReanchoring
	// StateStopped is terminal
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateWaitingForStart:
		return "waiting_for_start"
	case StatePlaying:
		return "playing"
	case StateReanchoring:
		return "reanchoring"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Event drives state transitions
type Event int

const (
	// EventCalibrated fires when the clock filter first becomes valid and
	// minimum buffer lead is reached
	EventCalibrated Event = iota
	// EventStartReached fires when buffer lead hits target and the
	// scheduled start time has arrived
	EventStartReached
	// EventSyncLost fires on calibration invalidation, unrecoverable
	// drift, or an explicit resync command
	EventSyncLost
	// EventRecalibrated fires when calibration becomes valid again after
	// a reanchor
	EventRecalibrated
	// EventStop fires on an explicit stop command
	EventStop
)

func (e Event) String() string {
	switch e {
	case EventCalibrated:
		return "calibrated"
	case EventStartReached:
		return "start_reached"
	case EventSyncLost:
		return "sync_lost"
	case EventRecalibrated:
		return "recalibrated"
	case EventStop:
		return "stop"
	}
	return "unknown"
}

// Transition returns the successor state for (state, event) and whether
// the event is legal in that state. All transitions are enumerated here;
// nothing else mutates playback state.
func Transition(s State, e Event) (State, bool) {
	if e == EventStop && s != StateStopped {
		return StateStopped, true
	}

	switch s {
	case StateInitializing:
		if e == EventCalibrated {
			return StateWaitingForStart, true
		}
	case StateWaitingForStart:
		switch e {
		case EventStartReached:
			return StatePlaying, true
		case EventSyncLost:
			return StateReanchoring, true
		}
	case StatePlaying:
		if e == EventSyncLost {
			return StateReanchoring, true
		}
	case StateReanchoring:
		if e == EventRecalibrated {
			return StateWaitingForStart, true
		}
	}
	return s, false
}

// ErrSyncFailed reports that re-anchoring retries were exhausted without
// regaining sync; the caller decides whether to rebuild the engine.
var ErrSyncFailed = errors.New("persistent sync failure: reanchor retries exhausted")

// Machine holds the single authoritative playback state. Current is safe
// from the device callback; Apply is called from the feed and command
// contexts (and from the callback for the start gate).
type Machine struct {
	state        atomic.Int32
	reanchors    atomic.Int32
	maxReanchors int32
}

// NewMachine creates a machine in StateInitializing
func NewMachine(maxReanchors int) *Machine {
	return &Machine{maxReanchors: int32(maxReanchors)}
}

// Current returns the authoritative state
func (m *Machine) Current() State {
	return State(m.state.Load())
}

// Apply attempts a transition. Illegal events are ignored and return the
// unchanged state. Exceeding the reanchor retry budget returns
// ErrSyncFailed alongside the Reanchoring state.
func (m *Machine) Apply(e Event) (State, error) {
	for {
		cur := State(m.state.Load())
		next, ok := Transition(cur, e)
		if !ok {
			return cur, nil
		}
		if !m.state.CompareAndSwap(int32(cur), int32(next)) {
			continue
		}

		switch e {
		case EventSyncLost:
			if m.reanchors.Add(1) > m.maxReanchors {
				return next, ErrSyncFailed
			}
		case EventStartReached:
			// A completed restart clears the retry budget
			m.reanchors.Store(0)
		}
		return next, nil
	}
}

// ReanchorCount returns how many reanchors have occurred since the last
// successful start
func (m *Machine) ReanchorCount() int {
	return int(m.reanchors.Load())
}
