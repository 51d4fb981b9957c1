// Package memnet is an in-process transport. Every endpoint opened on the same
// Network can reach every other one.
package memnet

import (
	"context"
	"sync"

	"example.com/bpm-party/internal/transport"
	"github.com/rs/zerolog"
)

type Network struct {
	mu     sync.Mutex
	eps    map[string]*transport.Mux
	logger *zerolog.Logger
}

func New(logger *zerolog.Logger) *Network {
	return &Network{
		eps:    make(map[string]*transport.Mux),
		logger: logger,
	}
}

func (n *Network) Open(_ context.Context, id string, h transport.Handler) (transport.Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, taken := n.eps[id]; taken {
		return nil, transport.ErrIdentityTaken
	}
	mux := transport.NewMux(transport.MuxConfig{
		ID:      id,
		Handler: h,
		Write:   n.route,
		Logger:  n.logger,
	})
	n.eps[id] = mux
	return &endpoint{Mux: mux, net: n}, nil
}

// Online reports whether id is currently registered.
func (n *Network) Online(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.eps[id]
	return ok
}

// Sever simulates a transport fault on id: its endpoint fails and every
// peer sees its channel close.
func (n *Network) Sever(id string, err error) {
	n.mu.Lock()
	mux, ok := n.eps[id]
	delete(n.eps, id)
	peers := make([]*transport.Mux, 0, len(n.eps))
	for _, p := range n.eps {
		peers = append(peers, p)
	}
	n.mu.Unlock()
	if !ok {
		return
	}

	for _, p := range peers {
		p.Deliver(transport.Frame{Kind: transport.FrameClose, From: id, To: p.ID()})
	}
	mux.Fail(err)
}

func (n *Network) route(f transport.Frame) error {
	n.mu.Lock()
	dst, ok := n.eps[f.To]
	src := n.eps[f.From]
	n.mu.Unlock()

	if !ok {
		if f.Kind == transport.FrameOpen && src != nil {
			src.Deliver(transport.Unavailable(f))
		}
		return nil
	}
	dst.Deliver(f)
	return nil
}

type endpoint struct {
	*transport.Mux
	net *Network
}

func (e *endpoint) Close() error {
	err := e.Mux.Close()

	e.net.mu.Lock()
	if cur, ok := e.net.eps[e.ID()]; ok && cur == e.Mux {
		delete(e.net.eps, e.ID())
	}
	e.net.mu.Unlock()
	return err
}
