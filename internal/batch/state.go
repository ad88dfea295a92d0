package batch

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning is returned when a run is triggered while another is in flight.
var ErrAlreadyRunning = errors.New("batch re-clustering already running")

// State is the lifecycle state of the singleton batch job.
type State int

const (
	Idle State = iota
	Running
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// next reports whether the job may move from s to to:
// Idle -> Running -> {Succeeded, Failed} -> Idle.
func (s State) next(to State) bool {
	switch s {
	case Idle:
		return to == Running
	case Running:
		return to == Succeeded || to == Failed
	case Succeeded, Failed:
		return to == Idle
	default:
		return false
	}
}
