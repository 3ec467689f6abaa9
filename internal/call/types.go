// Package call manages WebRTC call sessions using Pion: one negotiated
// peer link per remote user, and one state-machine session per call
// attempt. Coupling to the signaling layer is via the Signaler interface
// only.
package call

import (
	"errors"

	"github.com/brendanx22/HomeSwift.co-sub002/internal/signaling"
)

// Signaler is the only surface the call package needs from the signaling
// layer. signaling.Channel satisfies it; tests use an in-memory loopback.
type Signaler interface {
	Send(*signaling.Envelope)
	Subscribe() (ch chan *signaling.Envelope, cancel func())
}

// Kind selects the media requested for a call.
type Kind string

const (
	KindVideo Kind = "video" // camera + microphone
	KindVoice Kind = "voice" // microphone only
)

// Direction distinguishes who initiated the call attempt.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// State is the lifecycle state of one call attempt.
type State string

const (
	StateIdle       State = "idle"
	StateInitiating State = "initiating"
	StateRingingOut State = "ringing-out"
	StateRingingIn  State = "ringing-in"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnded      State = "ended"
	StateRejected   State = "rejected"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// Terminal reports whether the state ends the call attempt.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateRejected, StateCancelled, StateFailed:
		return true
	}
	return false
}

// legalTransitions is the complete transition table. Anything not listed
// is illegal and treated as a no-op, never a crash. Note there is no way
// back out of a terminal state and no Active → Ringing edge.
var legalTransitions = map[State][]State{
	StateIdle:       {StateInitiating, StateRingingIn},
	StateInitiating: {StateRingingOut, StateCancelled, StateFailed, StateEnded},
	StateRingingOut: {StateConnecting, StateRejected, StateCancelled, StateFailed, StateEnded},
	StateRingingIn:  {StateConnecting, StateRejected, StateCancelled, StateFailed, StateEnded},
	StateConnecting: {StateActive, StateEnded, StateFailed},
	StateActive:     {StateEnded, StateFailed},
}

func transitionLegal(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrBusy is returned when starting a call against a user that already
// has a non-terminal session; callers must end that call first.
var ErrBusy = errors.New("call: a call with this user is already in progress")

// ErrNoSession is returned for operations against an unknown call.
var ErrNoSession = errors.New("call: no such session")
