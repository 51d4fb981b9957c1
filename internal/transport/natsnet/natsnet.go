// Package natsnet carries transport frames over a NATS server. Every endpoint
// listens on its own subject; presence is answered on a probe subject, which
// is how identity conflicts and missing peers are detected.
package natsnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"example.com/bpm-party/internal/transport"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	SubjectPrefix = "bpm.peer."

	DefaultProbeTimeout = 500 * time.Millisecond

	defaultMaxReconnects = 10
	defaultReconnectWait = 2 * time.Second
)

var ErrConnectionClosed = errors.New("nats connection closed")

type Config struct {
	URL          string
	Name         string
	ProbeTimeout time.Duration
	Logger       *zerolog.Logger
}

type Transport struct {
	nc           *nats.Conn
	probeTimeout time.Duration
	baseLogger   *zerolog.Logger
	log          zerolog.Logger

	mu  sync.Mutex
	eps map[string]*endpoint
}

func Connect(cfg Config) (*Transport, error) {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	t := &Transport{
		probeTimeout: cfg.ProbeTimeout,
		baseLogger:   cfg.Logger,
		log:          logger.With().Str("component", "natsnet").Logger(),
		eps:          make(map[string]*endpoint),
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(defaultMaxReconnects),
		nats.ReconnectWait(defaultReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			t.failAll(ErrConnectionClosed)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			t.log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	t.nc = nc
	return t, nil
}

// Close drains the connection; open endpoints fail with ErrConnectionClosed.
func (t *Transport) Close() {
	t.nc.Close()
}

func subject(id string) string      { return SubjectPrefix + id }
func probeSubject(id string) string { return SubjectPrefix + id + ".probe" }

func (t *Transport) Open(ctx context.Context, id string, h transport.Handler) (transport.Endpoint, error) {
	online, err := t.probe(ctx, id)
	if err != nil {
		return nil, err
	}
	if online {
		return nil, transport.ErrIdentityTaken
	}

	t.mu.Lock()
	if _, ok := t.eps[id]; ok {
		t.mu.Unlock()
		return nil, transport.ErrIdentityTaken
	}
	ep := &endpoint{t: t, log: t.log.With().Str("endpoint", id).Logger()}
	t.eps[id] = ep
	t.mu.Unlock()

	ep.mux = transport.NewMux(transport.MuxConfig{
		ID:      id,
		Handler: h,
		Write:   ep.write,
		Logger:  t.baseLogger,
	})

	ep.frames, err = t.nc.Subscribe(subject(id), ep.receive)
	if err == nil {
		ep.presence, err = t.nc.Subscribe(probeSubject(id), func(m *nats.Msg) {
			_ = m.Respond([]byte(id))
		})
	}
	if err == nil {
		err = t.nc.FlushWithContext(ctx)
	}
	if err != nil {
		_ = ep.Close()
		return nil, fmt.Errorf("subscribe %s: %w", id, err)
	}
	return ep, nil
}

// probe reports whether some endpoint currently answers for id.
func (t *Transport) probe(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.probeTimeout)
	defer cancel()

	_, err := t.nc.RequestWithContext(ctx, probeSubject(id), nil)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return false, nil
	default:
		return false, fmt.Errorf("probe %s: %w", id, err)
	}
}

func (t *Transport) failAll(err error) {
	t.mu.Lock()
	eps := make([]*endpoint, 0, len(t.eps))
	for _, ep := range t.eps {
		eps = append(eps, ep)
	}
	t.eps = make(map[string]*endpoint)
	t.mu.Unlock()

	for _, ep := range eps {
		ep.mux.Fail(err)
	}
}

type endpoint struct {
	t   *Transport
	mux *transport.Mux
	log zerolog.Logger

	frames   *nats.Subscription
	presence *nats.Subscription
}

func (e *endpoint) ID() string { return e.mux.ID() }

func (e *endpoint) Connect(ctx context.Context, remote string) (transport.Channel, error) {
	return e.mux.Connect(ctx, remote)
}

func (e *endpoint) Close() error {
	err := e.mux.Close()
	if e.presence != nil {
		_ = e.presence.Unsubscribe()
	}
	if e.frames != nil {
		_ = e.frames.Unsubscribe()
	}

	e.t.mu.Lock()
	if cur, ok := e.t.eps[e.ID()]; ok && cur == e {
		delete(e.t.eps, e.ID())
	}
	e.t.mu.Unlock()
	return err
}

// write publishes f. An open frame first checks that someone answers for the
// destination, off the caller's goroutine.
func (e *endpoint) write(f transport.Frame) error {
	if f.Kind == transport.FrameOpen {
		go e.open(f)
		return nil
	}
	return e.publish(f)
}

func (e *endpoint) open(f transport.Frame) {
	online, err := e.t.probe(context.Background(), f.To)
	if err != nil {
		e.log.Warn().Err(err).Str("remote", f.To).Msg("presence probe failed")
	}
	if !online {
		e.mux.Deliver(transport.Unavailable(f))
		return
	}
	if err := e.publish(f); err != nil {
		e.log.Error().Err(err).Str("remote", f.To).Msg("failed to send open")
		e.mux.Deliver(transport.Unavailable(f))
	}
}

func (e *endpoint) publish(f transport.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := e.t.nc.Publish(subject(f.To), b); err != nil {
		return fmt.Errorf("publish to %s: %w", f.To, err)
	}
	return nil
}

func (e *endpoint) receive(m *nats.Msg) {
	var f transport.Frame
	if err := json.Unmarshal(m.Data, &f); err != nil {
		e.log.Warn().Err(err).Msg("bad frame")
		return
	}
	e.mux.Deliver(f)
}
