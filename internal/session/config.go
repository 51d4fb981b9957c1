package session

import (
	"time"

	"example.com/bpm-party/internal/protocol"
	"example.com/bpm-party/internal/transport"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultRejectCloseDelay = 500 * time.Millisecond
	DefaultTickInterval     = time.Second

	DefaultJoinRetryBase = 2 * time.Second
	DefaultJoinRetryCap  = 16 * time.Second
	DefaultJoinRetries   = 5

	RejectMessage          = "The host turned down your request to join."
	InvalidNicknameMessage = "Nickname must be 2 to 15 characters."
)

type Config struct {
	Transport transport.Transport

	Clock    clockwork.Clock
	Logger   *zerolog.Logger
	Hooks    Hooks
	Recorder Recorder

	// RejectCloseDelay lets the reject response flush before the channel closes.
	RejectCloseDelay time.Duration
	TickInterval     time.Duration

	JoinRetryBase time.Duration
	JoinRetryCap  time.Duration
	// JoinRetries is how many times a join request is re-sent before the
	// host is declared unreachable.
	JoinRetries uint64

	// NewRoomID mints host identities. Defaults to protocol.NewRoomID.
	NewRoomID func() string
	// NewGuestID mints guest identities. Defaults to protocol.NewGuestID.
	NewGuestID func() string
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.RejectCloseDelay <= 0 {
		c.RejectCloseDelay = DefaultRejectCloseDelay
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.JoinRetryBase <= 0 {
		c.JoinRetryBase = DefaultJoinRetryBase
	}
	if c.JoinRetryCap <= 0 {
		c.JoinRetryCap = DefaultJoinRetryCap
	}
	if c.JoinRetries == 0 {
		c.JoinRetries = DefaultJoinRetries
	}
	if c.NewRoomID == nil {
		c.NewRoomID = protocol.NewRoomID
	}
	if c.NewGuestID == nil {
		c.NewGuestID = protocol.NewGuestID
	}
	return c
}

// joinBackoff yields the waits between join attempts. One wait more than
// there are retries: the last one is the grace period before giving up.
func (c Config) joinBackoff() retry.Backoff {
	b := retry.NewExponential(c.JoinRetryBase)
	b = retry.WithCappedDuration(c.JoinRetryCap, b)
	return retry.WithMaxRetries(c.JoinRetries+1, b)
}
