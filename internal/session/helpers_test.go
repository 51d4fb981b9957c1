package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"example.com/bpm-party/internal/game"
	"example.com/bpm-party/internal/protocol"
	"example.com/bpm-party/internal/transport"
	"example.com/bpm-party/internal/transport/memnet"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// peer is a Controller with its own fake clock and recorded hooks.
type peer struct {
	*Controller
	clock *clockwork.FakeClock

	mu      sync.Mutex
	states  []game.State
	notices []Notice
	taps    []string
}

func newPeer(t *testing.T, tr transport.Transport, opts ...func(*Config)) *peer {
	t.Helper()

	p := &peer{clock: clockwork.NewFakeClock()}
	cfg := Config{
		Transport: tr,
		Clock:     p.clock,
		Hooks: Hooks{
			OnState: func(s game.State) {
				p.mu.Lock()
				p.states = append(p.states, s)
				p.mu.Unlock()
			},
			OnNotice: func(n Notice) {
				p.mu.Lock()
				p.notices = append(p.notices, n)
				p.mu.Unlock()
			},
			OnTap: func(from string) {
				p.mu.Lock()
				p.taps = append(p.taps, from)
				p.mu.Unlock()
			},
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c, err := New(cfg)
	require.NoError(t, err)
	p.Controller = c
	t.Cleanup(c.Leave)
	return p
}

func (p *peer) seenStates() []game.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]game.State(nil), p.states...)
}

func (p *peer) seenNotices() []Notice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Notice(nil), p.notices...)
}

func (p *peer) seenTaps() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.taps...)
}

func (p *peer) lastNotice(t *testing.T) Notice {
	t.Helper()
	var n Notice
	require.Eventually(t, func() bool {
		ns := p.seenNotices()
		if len(ns) == 0 {
			return false
		}
		n = ns[len(ns)-1]
		return true
	}, waitFor, tick)
	return n
}

func fixedIDs(ids ...string) func() string {
	var mu sync.Mutex
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		return id
	}
}

func withRoomIDs(ids ...string) func(*Config) {
	return func(c *Config) { c.NewRoomID = fixedIDs(ids...) }
}

// roomWithGuest opens a room hosted by Max and admits Ana.
func roomWithGuest(t *testing.T) (host, guest *peer, net *memnet.Network) {
	t.Helper()
	net = memnet.New(nil)
	host = newPeer(t, net, withRoomIDs("bpm-room-ab12cd"))
	guest = newPeer(t, net)
	room := admit(t, host, guest, "Max", "Ana")
	require.Equal(t, "bpm-room-ab12cd", room)
	return host, guest, net
}

// admit makes host open a room and lets guest in through the full handshake.
func admit(t *testing.T, host, guest *peer, hostNick, guestNick string) string {
	t.Helper()
	ctx := context.Background()

	room, err := host.BecomeHost(ctx, hostNick)
	require.NoError(t, err)
	gid, err := guest.BecomeGuest(ctx, guestNick, strings.TrimPrefix(room, protocol.RoomPrefix))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(host.Pending()) == 1 }, waitFor, tick)
	require.NoError(t, host.Accept(gid))
	require.Eventually(t, func() bool {
		st := guest.State()
		return st.Status == game.StatusRoom && len(st.Roster) == 2
	}, waitFor, tick)
	return room
}

// startRound takes an admitted pair into an ACTIVE round the guest has seen.
func startRound(t *testing.T, host, guest *peer, duration, target int) {
	t.Helper()
	require.NoError(t, host.StartGame())
	require.NoError(t, host.StartRound(duration, target))
	require.Eventually(t, func() bool {
		return guest.State().Phase == game.PhaseActive
	}, waitFor, tick)
}

// rawPeer is a bare endpoint speaking the wire protocol by hand.
type rawPeer struct {
	ep transport.Endpoint

	mu   sync.Mutex
	ch   transport.Channel
	got  []protocol.Envelope
	open bool
}

func newRawPeer(t *testing.T, tr transport.Transport, id string) *rawPeer {
	t.Helper()
	r := &rawPeer{}
	ep, err := tr.Open(context.Background(), id, r)
	require.NoError(t, err)
	r.ep = ep
	t.Cleanup(func() { _ = ep.Close() })
	return r
}

func (r *rawPeer) connect(t *testing.T, remote string) {
	t.Helper()
	_, err := r.ep.Connect(context.Background(), remote)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.open
	}, waitFor, tick)
}

func (r *rawPeer) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	r.mu.Lock()
	ch := r.ch
	r.mu.Unlock()
	require.NotNil(t, ch)
	require.NoError(t, ch.Send(protocol.Encode(r.ep.ID(), msg)))
}

func (r *rawPeer) count(kind protocol.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, env := range r.got {
		if env.Type == kind {
			n++
		}
	}
	return n
}

// stateUpdates decodes every snapshot received so far.
func (r *rawPeer) stateUpdates(t *testing.T) []protocol.StateUpdate {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.StateUpdate
	for _, env := range r.got {
		if env.Type != protocol.KindStateUpdate {
			continue
		}
		msg, err := protocol.Decode(env)
		require.NoError(t, err)
		out = append(out, msg.(protocol.StateUpdate))
	}
	return out
}

func (r *rawPeer) HandleOpen(ch transport.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ch = ch
	r.open = true
}

func (r *rawPeer) HandleMessage(_ transport.Channel, env protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, env)
}

func (r *rawPeer) HandleClose(transport.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = false
}

func (r *rawPeer) HandleError(transport.Channel, error) {}

// fakeChannel feeds Dispatch directly.
type fakeChannel struct {
	remote string
	sent   []protocol.Envelope
	closes atomic.Int32
}

func (f *fakeChannel) Remote() string { return f.remote }
func (f *fakeChannel) IsOpen() bool   { return true }
func (f *fakeChannel) Send(env protocol.Envelope) error {
	f.sent = append(f.sent, env)
	return nil
}
func (f *fakeChannel) Close() error {
	f.closes.Add(1)
	return nil
}
