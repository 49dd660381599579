package telephony

import (
	"fmt"

	"sbc-router/internal/calls"
)

// Event is a session notification delivered to a call half. The set of
// events is closed: only types in this package implement it.
type Event interface {
	isEvent()
}

// RemoteRinging is a provisional response from the dialed destination.
type RemoteRinging struct {
	EarlyMedia bool
}

// RemoteAnswered is the final success response from the dialed destination.
type RemoteAnswered struct{}

// RemoteRejected is a final failure response from the dialed destination.
type RemoteRejected struct {
	Code   int
	Reason string
}

// SessionEnded reports that the dialog on Side was terminated by its peer.
type SessionEnded struct {
	Side calls.Side
}

// LocalCancel reports that the originator cancelled before the call was answered.
type LocalCancel struct{}

// Timer fires a call timer.
type Timer struct {
	Kind TimerKind
}

// terminate is sent by the service to stop a half with an internal code.
type terminate struct {
	code int
}

func (RemoteRinging) isEvent()  {}
func (RemoteAnswered) isEvent() {}
func (RemoteRejected) isEvent() {}
func (SessionEnded) isEvent()   {}
func (LocalCancel) isEvent()    {}
func (Timer) isEvent()          {}
func (terminate) isEvent()      {}

type TimerKind int

const (
	TimerCallDuration TimerKind = iota
	TimerRinging
)

func (k TimerKind) String() string {
	switch k {
	case TimerCallDuration:
		return "call_duration"
	case TimerRinging:
		return "ringing"
	default:
		return fmt.Sprintf("timer(%d)", int(k))
	}
}
