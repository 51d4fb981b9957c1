package transport

import "example.com/bpm-party/internal/protocol"

type FrameKind string

const (
	FrameOpen   FrameKind = "open"
	FrameAccept FrameKind = "accept"
	FrameData   FrameKind = "data"
	FrameClose  FrameKind = "close"
	FrameError  FrameKind = "error"
)

// Error codes carried by FrameError.
const (
	CodePeerUnavailable = "peer-unavailable"
)

// Frame is the unit relays move between endpoints. A FrameError about a
// channel has From set to the remote the channel was meant for.
type Frame struct {
	Kind     FrameKind          `json:"kind"`
	From     string             `json:"from"`
	To       string             `json:"to"`
	Envelope *protocol.Envelope `json:"envelope,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Unavailable is the reply to an open frame whose destination is unknown.
func Unavailable(open Frame) Frame {
	return Frame{
		Kind:  FrameError,
		From:  open.To,
		To:    open.From,
		Error: CodePeerUnavailable,
	}
}
