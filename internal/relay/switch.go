package relay

import (
	"context"
	"sync"
	"time"

	"example.com/bpm-party/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimeout = time.Second
	defaultTXBuffer   = 64
)

// Conn is one identity attached to the switch.
type Conn struct {
	ID  string
	Seq uuid.UUID
	TX  chan transport.Frame

	done  chan struct{}
	links map[string]struct{} // guarded by Switch.mx
}

// Done is closed once the switch has let go of the connection.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Switch forwards frames between attached identities and keeps track of which
// pairs hold an open channel, so a disconnect can be announced to the other
// side.
type Switch struct {
	logger zerolog.Logger
	mx     sync.RWMutex
	conns  map[string]*Conn
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Switch{
		logger: l.With().Str("component", "switch").Logger(),
		conns:  make(map[string]*Conn),
	}
}

func (sw *Switch) Online(id string) bool {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	_, ok := sw.conns[id]
	return ok
}

// Connect attaches id. Only one connection may hold an identity at a time.
func (sw *Switch) Connect(id string) (*Conn, error) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.conns[id]; ok {
		return nil, transport.ErrIdentityTaken
	}
	c := &Conn{
		ID:    id,
		Seq:   uuid.New(),
		TX:    make(chan transport.Frame, defaultTXBuffer),
		done:  make(chan struct{}),
		links: make(map[string]struct{}),
	}
	sw.conns[id] = c
	sw.logger.Debug().Str("endpoint", id).Str("conn", c.Seq.String()).Msg("endpoint connected")
	return c, nil
}

// Disconnect detaches c and closes every channel it had open.
func (sw *Switch) Disconnect(ctx context.Context, c *Conn) {
	sw.mx.Lock()
	if cur, ok := sw.conns[c.ID]; !ok || cur != c {
		sw.mx.Unlock()
		return
	}
	delete(sw.conns, c.ID)
	close(c.done)

	peers := make([]*Conn, 0, len(c.links))
	for id := range c.links {
		if p, ok := sw.conns[id]; ok {
			delete(p.links, c.ID)
			peers = append(peers, p)
		}
	}
	c.links = nil
	sw.mx.Unlock()

	for _, p := range peers {
		send(ctx, transport.Frame{Kind: transport.FrameClose, From: c.ID, To: p.ID}, p, &sw.logger)
	}
	sw.logger.Debug().
		Str("endpoint", c.ID).
		Str("conn", c.Seq.String()).
		Int("peers", len(peers)).
		Msg("endpoint disconnected")
}

// Forward stamps f with the sender's identity and hands it to the
// destination. An open frame for an identity nobody holds is answered with a
// peer-unavailable error.
func (sw *Switch) Forward(ctx context.Context, src *Conn, f transport.Frame) bool {
	f.From = src.ID
	logger := sw.logger.With().
		Str("kind", string(f.Kind)).
		Str("src", f.From).
		Str("dst", f.To).Logger()

	sw.mx.Lock()
	if cur, ok := sw.conns[src.ID]; !ok || cur != src {
		sw.mx.Unlock()
		return false
	}
	dst, ok := sw.conns[f.To]
	if !ok {
		sw.mx.Unlock()
		if f.Kind == transport.FrameOpen {
			logger.Debug().Msg("open for unknown endpoint")
			return send(ctx, transport.Unavailable(f), src, &logger)
		}
		logger.Debug().Msg("frame was dropped, nowhere to forward")
		return false
	}
	switch f.Kind {
	case transport.FrameOpen, transport.FrameAccept:
		src.links[dst.ID] = struct{}{}
		dst.links[src.ID] = struct{}{}
	case transport.FrameClose, transport.FrameError:
		delete(src.links, dst.ID)
		delete(dst.links, src.ID)
	}
	sw.mx.Unlock()

	return send(ctx, f, dst, &logger)
}

func send(ctx context.Context, f transport.Frame, dst *Conn, logger *zerolog.Logger) bool {
	t := time.NewTimer(defaultFwdTimeout)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-dst.done:
		return false
	case <-t.C:
		logger.Error().Str("dst", dst.ID).Msg("dead endpoint")
		return false
	case dst.TX <- f:
		logger.Trace().Str("dst", dst.ID).Msg("frame forwarded")
		return true
	}
}
