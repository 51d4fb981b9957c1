package transport

import (
	"context"
	"errors"
	"sync"

	"example.com/bpm-party/internal/protocol"
	"github.com/rs/zerolog"
)

// WriteFunc hands a frame to the carrier (relay socket, broker, in-process
// network). It must not block for long and must not call back into the Mux
// synchronously while holding its own locks.
type WriteFunc func(Frame) error

type MuxConfig struct {
	ID      string
	Handler Handler
	Write   WriteFunc
	Logger  *zerolog.Logger
}

// Mux implements Endpoint on top of any carrier that can move Frames. Carriers
// feed inbound frames to Deliver; handler callbacks run on one goroutine per
// Mux, in arrival order.
type Mux struct {
	id     string
	h      Handler
	write  WriteFunc
	logger zerolog.Logger

	mu     sync.Mutex
	links  map[string]*link
	closed bool

	events *eventQueue
}

func NewMux(cfg MuxConfig) *Mux {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	m := &Mux{
		id:     cfg.ID,
		h:      cfg.Handler,
		write:  cfg.Write,
		logger: logger.With().Str("component", "mux").Str("endpoint", cfg.ID).Logger(),
		links:  make(map[string]*link),
		events: newEventQueue(),
	}
	go m.events.run()
	return m
}

func (m *Mux) ID() string { return m.id }

func (m *Mux) Connect(_ context.Context, remote string) (Channel, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrEndpointClosed
	}
	if old, ok := m.links[remote]; ok {
		old.state = linkClosed
	}
	l := &link{mux: m, remote: remote, state: linkOpening}
	m.links[remote] = l
	m.mu.Unlock()

	if err := m.write(Frame{Kind: FrameOpen, From: m.id, To: remote}); err != nil {
		m.drop(l)
		return nil, err
	}
	return l, nil
}

// Deliver routes one inbound frame.
func (m *Mux) Deliver(f Frame) {
	m.mu.Lock()
	if m.closed || (f.To != "" && f.To != m.id) {
		m.mu.Unlock()
		return
	}

	switch f.Kind {
	case FrameOpen:
		if old, ok := m.links[f.From]; ok {
			old.state = linkClosed
		}
		l := &link{mux: m, remote: f.From, state: linkOpen}
		m.links[f.From] = l
		m.mu.Unlock()

		if err := m.write(Frame{Kind: FrameAccept, From: m.id, To: f.From}); err != nil {
			m.logger.Error().Err(err).Str("remote", f.From).Msg("failed to accept channel")
			m.drop(l)
			return
		}
		m.events.push(func() { m.h.HandleOpen(l) })

	case FrameAccept:
		l, ok := m.links[f.From]
		if !ok || l.state != linkOpening {
			m.mu.Unlock()
			return
		}
		l.state = linkOpen
		m.mu.Unlock()
		m.events.push(func() { m.h.HandleOpen(l) })

	case FrameData:
		l, ok := m.links[f.From]
		if !ok || l.state != linkOpen || f.Envelope == nil {
			m.mu.Unlock()
			m.logger.Debug().Str("remote", f.From).Msg("data for unknown channel dropped")
			return
		}
		m.mu.Unlock()
		env := *f.Envelope
		m.events.push(func() { m.h.HandleMessage(l, env) })

	case FrameClose:
		l, ok := m.links[f.From]
		if !ok {
			m.mu.Unlock()
			return
		}
		l.state = linkClosed
		delete(m.links, f.From)
		m.mu.Unlock()
		m.events.push(func() { m.h.HandleClose(l) })

	case FrameError:
		l, ok := m.links[f.From]
		if ok {
			l.state = linkClosed
			delete(m.links, f.From)
		}
		m.mu.Unlock()

		err := errors.New(f.Error)
		if f.Error == CodePeerUnavailable {
			err = ErrPeerUnavailable
		}
		if !ok {
			m.events.push(func() { m.h.HandleError(nil, err) })
			return
		}
		m.events.push(func() { m.h.HandleError(l, err) })

	default:
		m.mu.Unlock()
		m.logger.Warn().Str("kind", string(f.Kind)).Msg("unknown frame kind")
	}
}

// Fail reports a carrier fault: every channel is closed and the handler gets
// an endpoint-level error.
func (m *Mux) Fail(err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		l.state = linkClosed
		links = append(links, l)
	}
	m.links = make(map[string]*link)
	m.mu.Unlock()

	for _, l := range links {
		m.events.push(func() { m.h.HandleClose(l) })
	}
	m.events.push(func() { m.h.HandleError(nil, err) })
}

// Close tears the endpoint down. Remote sides see their channels close; the
// local handler gets no further events.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	remotes := make([]string, 0, len(m.links))
	for r, l := range m.links {
		if l.state != linkClosed {
			remotes = append(remotes, r)
		}
		l.state = linkClosed
	}
	m.links = make(map[string]*link)
	m.mu.Unlock()

	for _, r := range remotes {
		_ = m.write(Frame{Kind: FrameClose, From: m.id, To: r})
	}
	m.events.close()
	return nil
}

// drop forgets l without telling anyone.
func (m *Mux) drop(l *link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.state = linkClosed
	if cur, ok := m.links[l.remote]; ok && cur == l {
		delete(m.links, l.remote)
	}
}

type linkState int

const (
	linkOpening linkState = iota
	linkOpen
	linkClosed
)

type link struct {
	mux    *Mux
	remote string
	state  linkState // guarded by mux.mu
}

func (l *link) Remote() string { return l.remote }

func (l *link) IsOpen() bool {
	l.mux.mu.Lock()
	defer l.mux.mu.Unlock()
	return l.state == linkOpen
}

func (l *link) Send(env protocol.Envelope) error {
	if !l.IsOpen() {
		return ErrChannelClosed
	}
	return l.mux.write(Frame{Kind: FrameData, From: l.mux.id, To: l.remote, Envelope: &env})
}

// Close closes the channel on both sides; the local handler sees HandleClose.
func (l *link) Close() error {
	m := l.mux
	m.mu.Lock()
	if l.state == linkClosed {
		m.mu.Unlock()
		return nil
	}
	wasOpen := l.state == linkOpen
	l.state = linkClosed
	if cur, ok := m.links[l.remote]; ok && cur == l {
		delete(m.links, l.remote)
	}
	m.mu.Unlock()

	var err error
	if wasOpen {
		err = m.write(Frame{Kind: FrameClose, From: m.id, To: l.remote})
	}
	m.events.push(func() { m.h.HandleClose(l) })
	return err
}

// eventQueue runs callbacks one at a time in push order. push never blocks.
type eventQueue struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *eventQueue) push(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		fn()
	}
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}
