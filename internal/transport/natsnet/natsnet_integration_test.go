//go:build integration

package natsnet

import (
	"context"
	"os"
	"testing"
	"time"

	"example.com/bpm-party/internal/protocol"
	"example.com/bpm-party/internal/transport"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	kind   string
	remote string
	env    protocol.Envelope
	err    error
}

type recorder struct{ ch chan event }

func newRecorder() *recorder { return &recorder{ch: make(chan event, 64)} }

func (r *recorder) HandleOpen(ch transport.Channel) { r.ch <- event{kind: "open", remote: ch.Remote()} }
func (r *recorder) HandleMessage(ch transport.Channel, env protocol.Envelope) {
	r.ch <- event{kind: "msg", remote: ch.Remote(), env: env}
}
func (r *recorder) HandleClose(ch transport.Channel) {
	r.ch <- event{kind: "close", remote: ch.Remote()}
}
func (r *recorder) HandleError(ch transport.Channel, err error) {
	ev := event{kind: "error", err: err}
	if ch != nil {
		ev.remote = ch.Remote()
	}
	r.ch <- ev
}

func (r *recorder) next(t *testing.T) event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("no event")
		return event{}
	}
}

func connect(t *testing.T) *Transport {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	tr, err := Connect(Config{URL: url, Name: t.Name()})
	require.NoError(t, err, "nats is not reachable")
	t.Cleanup(tr.Close)
	return tr
}

func TestNATS_ChannelLifecycle(t *testing.T) {
	ctx := context.Background()
	a, b := connect(t), connect(t)
	room := protocol.NewRoomID()
	guestID := protocol.NewGuestID()

	hostRec, guestRec := newRecorder(), newRecorder()
	host, err := a.Open(ctx, room, hostRec)
	require.NoError(t, err)
	guest, err := b.Open(ctx, guestID, guestRec)
	require.NoError(t, err)
	defer guest.Close()

	_, err = b.Open(ctx, room, newRecorder())
	require.ErrorIs(t, err, transport.ErrIdentityTaken, "conflict is seen across connections")

	ch, err := guest.Connect(ctx, room)
	require.NoError(t, err)
	require.Equal(t, "open", hostRec.next(t).kind)
	require.Equal(t, "open", guestRec.next(t).kind)

	for i := 0; i < 10; i++ {
		require.NoError(t, ch.Send(protocol.Encode(guestID, protocol.RateUpdate{Rate: 100 + i})))
	}
	for i := 0; i < 10; i++ {
		ev := hostRec.next(t)
		require.Equal(t, "msg", ev.kind)
		msg, err := protocol.Decode(ev.env)
		require.NoError(t, err)
		assert.Equal(t, 100+i, msg.(protocol.RateUpdate).Rate)
	}

	require.NoError(t, host.Close())
	ev := guestRec.next(t)
	assert.Equal(t, "close", ev.kind)
	assert.Equal(t, room, ev.remote)
}

func TestNATS_MissingPeer(t *testing.T) {
	ctx := context.Background()
	tr := connect(t)
	rec := newRecorder()
	ep, err := tr.Open(ctx, protocol.NewGuestID(), rec)
	require.NoError(t, err)
	defer ep.Close()

	missing := protocol.NewRoomID()
	_, err = ep.Connect(ctx, missing)
	require.NoError(t, err)
	ev := rec.next(t)
	require.Equal(t, "error", ev.kind)
	assert.Equal(t, missing, ev.remote)
	assert.ErrorIs(t, ev.err, transport.ErrPeerUnavailable)
}

func TestNATS_ClosedConnectionFailsEndpoints(t *testing.T) {
	ctx := context.Background()
	tr := connect(t)
	rec := newRecorder()
	_, err := tr.Open(ctx, protocol.NewRoomID(), rec)
	require.NoError(t, err)

	tr.Close()
	ev := rec.next(t)
	require.Equal(t, "error", ev.kind)
	assert.ErrorIs(t, ev.err, ErrConnectionClosed)
}
