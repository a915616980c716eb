package audiocore

import "fmt"

// State is the lifecycle state of the bin and of each of its constituents.
// States are ordered: Idle < Ready < Paused < Running.
type State int

const (
	StateIdle State = iota
	StateReady
	StatePaused
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Valid reports whether s is one of the four defined states.
func (s State) Valid() bool {
	return s >= StateIdle && s <= StateRunning
}

// StepToward returns the state one step from s in the direction of target.
func (s State) StepToward(target State) State {
	switch {
	case target > s:
		return s + 1
	case target < s:
		return s - 1
	default:
		return s
	}
}

// StateChangeReturn is the outcome of a state change request.
type StateChangeReturn int

const (
	StateChangeSuccess StateChangeReturn = iota
	StateChangeAsync
	StateChangeFailure
)

func (r StateChangeReturn) String() string {
	switch r {
	case StateChangeSuccess:
		return "success"
	case StateChangeAsync:
		return "async"
	case StateChangeFailure:
		return "failure"
	default:
		return fmt.Sprintf("return(%d)", int(r))
	}
}

// LinkState tracks how far an input branch has been wired into the mixer.
type LinkState int

const (
	LinkUnlinked LinkState = iota
	LinkLinking
	LinkLinked
	LinkFlowing
	LinkEndOfStream
	LinkError
)

func (l LinkState) String() string {
	switch l {
	case LinkUnlinked:
		return "unlinked"
	case LinkLinking:
		return "linking"
	case LinkLinked:
		return "linked"
	case LinkFlowing:
		return "flowing"
	case LinkEndOfStream:
		return "eos"
	case LinkError:
		return "error"
	default:
		return fmt.Sprintf("link(%d)", int(l))
	}
}

// AttachClass records whether a branch was attached before or after the bin started running.
type AttachClass int

const (
	AttachPreStart AttachClass = iota
	AttachPostStart
)

func (c AttachClass) String() string {
	if c == AttachPostStart {
		return "post-start"
	}
	return "pre-start"
}
