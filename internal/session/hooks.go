package session

import (
	"context"
	"time"

	"example.com/bpm-party/internal/game"
)

// Notice is a user-facing event: a failure or the end of the session.
type Notice struct {
	Err  error
	Text string
}

// Hooks connect the controller to a presentation layer. Every field is
// optional. Hooks run with the controller locked and must not call back into
// it; hand the value to another goroutine if more work is needed.
type Hooks struct {
	// OnState receives the display view after every local state change.
	OnState  func(game.State)
	OnNotice func(Notice)
	// OnTap reports a tap pulse fanned out by the host.
	OnTap func(from string)
	// OnPending receives the host's pending join requests whenever they change.
	OnPending func([]PendingJoin)
}

func (h Hooks) state(s game.State) {
	if h.OnState != nil {
		h.OnState(s)
	}
}

func (h Hooks) notice(err error, text string) {
	if h.OnNotice != nil {
		h.OnNotice(Notice{Err: err, Text: text})
	}
}

func (h Hooks) tap(from string) {
	if h.OnTap != nil {
		h.OnTap(from)
	}
}

func (h Hooks) pending(p []PendingJoin) {
	if h.OnPending != nil {
		h.OnPending(p)
	}
}

type PendingJoin struct {
	ID       string
	Nickname string
}

// Result is the outcome of a finished match.
type Result struct {
	Room       string
	Host       string
	Rounds     int
	Standings  []game.Participant
	FinishedAt time.Time
}

// Recorder archives finished matches. Record is called from its own
// goroutine once the host reveals the final standings.
type Recorder interface {
	Record(ctx context.Context, res Result) error
}

type Role string

const (
	RoleNone  Role = ""
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Admission is the guest side of the join handshake.
type Admission string

const (
	AdmissionDisconnected Admission = "DISCONNECTED"
	AdmissionOpening      Admission = "CHANNEL_OPENING"
	AdmissionRequesting   Admission = "REQUESTING"
	AdmissionAccepted     Admission = "ACCEPTED"
	AdmissionRejected     Admission = "REJECTED"
	AdmissionUnreachable  Admission = "UNREACHABLE"
)
