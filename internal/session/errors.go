package session

import "errors"

var (
	ErrConnectivity     = errors.New("room is unreachable")
	ErrIdentityConflict = errors.New("identity already in use")
	ErrAdmissionDenied  = errors.New("admission denied")
	ErrHostUnreachable  = errors.New("host did not answer the join request")
	ErrChannelFault     = errors.New("session ended")
	ErrSessionClosed    = errors.New("host closed the session")

	ErrNotHost         = errors.New("only the host can do that")
	ErrNotGuest        = errors.New("only a guest can do that")
	ErrNoSession       = errors.New("not in a session")
	ErrInSession       = errors.New("already in a session")
	ErrNotAdmitted     = errors.New("not admitted yet")
	ErrInvalidNickname = errors.New("nickname must be 2 to 15 characters")
	ErrUnknownRequest  = errors.New("no pending join request with that id")
	ErrNoTransport     = errors.New("transport is required")
)
