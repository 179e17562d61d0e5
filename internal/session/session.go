// Package session defines the session-level state the hub serializes:
// recording state, focus, and attached knowledge, plus a read-only
// snapshot type for the HTTP stats surface.
package session

import (
	"time"

	"github.com/aaronsb/livetranscripts/internal/contextmgr"
)

// RecordingState is the session recording state machine: PAUSED and
// RECORDING are reversible, STOPPED is terminal.
type RecordingState string

const (
	Paused    RecordingState = "PAUSED"
	Recording RecordingState = "RECORDING"
	Stopped   RecordingState = "STOPPED"
)

// State is the hub's mutable session state. The hub mutates it under its
// lock, from its control loop and from Hub.SetKnowledge and
// Hub.StopSession; everywhere else it is read via Snapshot.
type State struct {
	Recording RecordingState
	Focus     string
	Knowledge []contextmgr.KnowledgeItem
	StartedAt time.Time
}

// New returns initial session state: PAUSED, no focus, no knowledge.
func New() *State {
	return &State{Recording: Paused, StartedAt: time.Now().UTC()}
}

// Snapshot is an immutable view of session state for the HTTP stats
// surface and outbound `state` events, deliberately excluding the
// transcript body.
type Snapshot struct {
	Recording RecordingState `json:"recording"`
	Focus     string         `json:"focus"`
	StartedAt time.Time      `json:"started_at"`
}

// Snapshot copies the current state into an immutable value.
func (s *State) Snapshot() Snapshot {
	return Snapshot{Recording: s.Recording, Focus: s.Focus, StartedAt: s.StartedAt}
}

// CanTransitionTo reports whether the state machine allows from->to.
// PAUSED and RECORDING are mutually reversible; STOPPED is a one-way sink
// reachable from either and never left.
func CanTransitionTo(from, to RecordingState) bool {
	if from == Stopped {
		return false
	}
	switch to {
	case Paused, Recording, Stopped:
		return true
	default:
		return false
	}
}
