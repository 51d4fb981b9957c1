// Package transport is the point-to-point channel layer the session engine
// runs on. Delivery is reliable and ordered per channel, unordered across
// channels.
package transport

import (
	"context"
	"errors"

	"example.com/bpm-party/internal/protocol"
)

var (
	ErrIdentityTaken   = errors.New("identity already in use")
	ErrPeerUnavailable = errors.New("peer unavailable")
	ErrChannelClosed   = errors.New("channel closed")
	ErrEndpointClosed  = errors.New("endpoint closed")
)

// Channel is one open link to a remote identity.
type Channel interface {
	Remote() string
	IsOpen() bool
	// Send queues env for delivery; it never blocks on the network.
	Send(env protocol.Envelope) error
	Close() error
}

// Handler receives every event of an endpoint, for inbound and outbound
// channels alike. Calls for one endpoint are never concurrent.
type Handler interface {
	HandleOpen(ch Channel)
	HandleMessage(ch Channel, env protocol.Envelope)
	HandleClose(ch Channel)
	// HandleError reports a channel fault, or an endpoint fault when ch is nil.
	HandleError(ch Channel, err error)
}

// Endpoint is a local identity registered on a transport.
type Endpoint interface {
	ID() string
	// Connect starts opening a channel. The result is reported through
	// HandleOpen or HandleError(ch, ErrPeerUnavailable).
	Connect(ctx context.Context, remote string) (Channel, error)
	Close() error
}

type Transport interface {
	Open(ctx context.Context, id string, h Handler) (Endpoint, error)
}
