// Package call implements the per-modem voice-call state machine on top of
// the command engine: explicit call-control actions plus a reconciliation
// loop that diffs the modem's current-call list against the local registry
// to pick up externally-initiated changes.
package call

import (
	"errors"
	"time"
)

// State is the lifecycle state of one call.
type State int

const (
	StateIdle State = iota
	StateDialing
	StateRinging
	StateConnected
	StateHolding
	StateTerminated
	StateBusy
	StateNoAnswer
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateHolding:
		return "holding"
	case StateTerminated:
		return "terminated"
	case StateBusy:
		return "busy"
	case StateNoAnswer:
		return "no-answer"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether a call in this state is finished.
func (s State) Terminal() bool {
	switch s {
	case StateTerminated, StateBusy, StateNoAnswer, StateFailed:
		return true
	}
	return false
}

// Direction distinguishes who originated the call.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Kind is the bearer type of the call.
type Kind int

const (
	KindVoice Kind = iota
	KindData
)

// Record tracks one call from creation to its terminal state. It is created
// on dial or on detecting an incoming call, mutated in place by the machine,
// and moved to the bounded history once terminal.
type Record struct {
	ID        string
	Number    string
	Direction Direction
	Kind      Kind
	State     State

	StartTime  time.Time
	AnswerTime *time.Time
	EndTime    *time.Time
	Duration   time.Duration
	EndReason  string

	// DTMFSent are the digits transmitted on this call, append-only.
	DTMFSent []DTMFEvent
}

// Answered reports whether the call ever reached the connected state.
func (r *Record) Answered() bool { return r.AnswerTime != nil }

// DTMFEvent is one DTMF digit sent or received on a call.
type DTMFEvent struct {
	CallID   string
	Digit    byte
	At       time.Time
	Duration time.Duration
}

// Event names emitted to registered listeners.
type Event string

const (
	EventIncoming Event = "call.incoming"
	EventAnswered Event = "call.answered"
	EventEnded    Event = "call.ended"
)

var (
	// ErrCallActive is returned by Dial while another call is not yet
	// terminal. The serial channel is not touched in that case.
	ErrCallActive = errors.New("another call is active")

	// ErrNoActiveCall is returned by actions that require a call in progress.
	ErrNoActiveCall = errors.New("no active call")

	// ErrNotConnected is returned when DTMF or hold is attempted on a call
	// that is not connected.
	ErrNotConnected = errors.New("call not connected")

	// ErrInvalidNumber is returned for destination numbers that fail
	// validation.
	ErrInvalidNumber = errors.New("invalid phone number")

	// ErrInvalidDigit is returned for characters outside the DTMF set.
	ErrInvalidDigit = errors.New("invalid DTMF digit")
)
