package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"example.com/bpm-party/internal/game"
	"example.com/bpm-party/internal/protocol"
	"example.com/bpm-party/internal/transport/memnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Lifecycle(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name string
		run  func(t *testing.T)
	}{
		{
			name: "become host seeds the roster",
			run: func(t *testing.T) {
				host := newPeer(t, memnet.New(nil))
				id, err := host.BecomeHost(ctx, "  Max ")
				require.NoError(t, err)
				require.True(t, strings.HasPrefix(id, protocol.RoomPrefix))
				assert.Equal(t, RoleHost, host.Role())
				assert.Equal(t, id, host.Room())

				st := host.State()
				assert.Equal(t, game.StatusRoom, st.Status)
				require.Len(t, st.Roster, 1)
				assert.Equal(t, game.Participant{ID: id, Nickname: "Max", IsHost: true}, st.Roster[0])
			},
		},
		{
			name: "invalid nickname",
			run: func(t *testing.T) {
				p := newPeer(t, memnet.New(nil))
				_, err := p.BecomeHost(ctx, "M")
				require.ErrorIs(t, err, ErrInvalidNickname)
				_, err = p.BecomeGuest(ctx, "a-very-long-nickname", "bpm-abcdef")
				require.ErrorIs(t, err, ErrInvalidNickname)
				assert.Equal(t, RoleNone, p.Role())
			},
		},
		{
			name: "already in a session",
			run: func(t *testing.T) {
				p := newPeer(t, memnet.New(nil))
				_, err := p.BecomeHost(ctx, "Max")
				require.NoError(t, err)
				_, err = p.BecomeHost(ctx, "Max")
				require.ErrorIs(t, err, ErrInSession)
			},
		},
		{
			name: "identity conflict surfaces and a retry gets a fresh id",
			run: func(t *testing.T) {
				net := memnet.New(nil)
				newRawPeer(t, net, "bpm-taken1")
				host := newPeer(t, net, withRoomIDs("bpm-taken1", "bpm-fresh1"))

				_, err := host.BecomeHost(ctx, "Max")
				require.ErrorIs(t, err, ErrIdentityConflict)
				assert.Equal(t, RoleNone, host.Role())
				assert.ErrorIs(t, host.lastNotice(t).Err, ErrIdentityConflict)

				id, err := host.BecomeHost(ctx, "Max")
				require.NoError(t, err)
				assert.Equal(t, "bpm-fresh1", id)
			},
		},
		{
			name: "guest joins, host accepts, guest mirrors the roster",
			run: func(t *testing.T) {
				host, guest, _ := roomWithGuest(t)

				st := guest.State()
				require.Len(t, st.Roster, 2)
				assert.Equal(t, "Max", st.Roster[0].Nickname)
				assert.True(t, st.Roster[0].IsHost)
				assert.Equal(t, "Ana", st.Roster[1].Nickname)
				assert.False(t, st.Roster[1].IsHost)
				assert.Equal(t, AdmissionAccepted, guest.Admission())
				assert.Equal(t, host.State(), st)
				assert.Empty(t, host.Pending())
			},
		},
		{
			name: "pending guest stays in the lobby view",
			run: func(t *testing.T) {
				net := memnet.New(nil)
				host := newPeer(t, net)
				guest := newPeer(t, net)
				room, err := host.BecomeHost(ctx, "Max")
				require.NoError(t, err)
				_, err = guest.BecomeGuest(ctx, "Ana", room)
				require.NoError(t, err)

				require.Eventually(t, func() bool { return len(host.Pending()) == 1 }, waitFor, tick)
				assert.Equal(t, AdmissionRequesting, guest.Admission())
				assert.Equal(t, game.StatusLobby, guest.State().Status)
				assert.Len(t, host.State().Roster, 1)
			},
		},
		{
			name: "duplicate join requests keep one pending entry",
			run: func(t *testing.T) {
				net := memnet.New(nil)
				host := newPeer(t, net)
				room, err := host.BecomeHost(ctx, "Max")
				require.NoError(t, err)

				raw := newRawPeer(t, net, "bpm-client-dup001")
				raw.connect(t, room)
				raw.send(t, protocol.JoinRequest{Nickname: "Ana"})
				raw.send(t, protocol.JoinRequest{Nickname: "Ana"})
				raw.send(t, protocol.JoinRequest{Nickname: "Ana"})

				require.Eventually(t, func() bool { return len(host.Pending()) == 1 }, waitFor, tick)
				time.Sleep(20 * time.Millisecond)
				assert.Equal(t, []PendingJoin{{ID: "bpm-client-dup001", Nickname: "Ana"}}, host.Pending())

				require.NoError(t, host.Accept("bpm-client-dup001"))
				raw.send(t, protocol.JoinRequest{Nickname: "Ana"})
				time.Sleep(20 * time.Millisecond)
				assert.Empty(t, host.Pending())
			},
		},
		{
			name: "join request with a bad nickname is turned away",
			run: func(t *testing.T) {
				net := memnet.New(nil)
				host := newPeer(t, net)
				room, err := host.BecomeHost(ctx, "Max")
				require.NoError(t, err)

				raw := newRawPeer(t, net, "bpm-client-bad001")
				raw.connect(t, room)
				raw.send(t, protocol.JoinRequest{Nickname: " x "})

				require.Eventually(t, func() bool { return raw.count(protocol.KindJoinResponse) == 1 }, waitFor, tick)
				assert.Empty(t, host.Pending())
			},
		},
		{
			name: "rejected guest returns to the lobby with the reason",
			run: func(t *testing.T) {
				net := memnet.New(nil)
				host := newPeer(t, net)
				guest := newPeer(t, net)
				room, err := host.BecomeHost(ctx, "Max")
				require.NoError(t, err)
				gid, err := guest.BecomeGuest(ctx, "Ana", room)
				require.NoError(t, err)

				require.Eventually(t, func() bool { return len(host.Pending()) == 1 }, waitFor, tick)
				require.NoError(t, host.Reject(gid))

				n := guest.lastNotice(t)
				assert.ErrorIs(t, n.Err, ErrAdmissionDenied)
				assert.Equal(t, RejectMessage, n.Text)
				require.Eventually(t, func() bool { return guest.Role() == RoleNone }, waitFor, tick)
				assert.Equal(t, AdmissionRejected, guest.Admission())
				assert.Equal(t, game.StatusLobby, guest.State().Status)
				assert.Empty(t, host.Pending())
				assert.Len(t, host.State().Roster, 1)
				require.ErrorIs(t, host.Reject(gid), ErrUnknownRequest)
			},
		},
		{
			name: "rejected channel is closed after the delay",
			run: func(t *testing.T) {
				net := memnet.New(nil)
				host := newPeer(t, net)
				room, err := host.BecomeHost(ctx, "Max")
				require.NoError(t, err)

				raw := newRawPeer(t, net, "bpm-client-rej001")
				raw.connect(t, room)
				raw.send(t, protocol.JoinRequest{Nickname: "Ana"})
				require.Eventually(t, func() bool { return len(host.Pending()) == 1 }, waitFor, tick)
				require.NoError(t, host.Reject("bpm-client-rej001"))

				require.Eventually(t, func() bool { return raw.count(protocol.KindJoinResponse) == 1 }, waitFor, tick)
				raw.mu.Lock()
				open := raw.open
				raw.mu.Unlock()
				assert.True(t, open)

				host.clock.Advance(DefaultRejectCloseDelay)
				require.Eventually(t, func() bool {
					raw.mu.Lock()
					defer raw.mu.Unlock()
					return !raw.open
				}, waitFor, tick)
			},
		},
		{
			name: "join requests on a rejected channel stay rejected",
			run: func(t *testing.T) {
				net := memnet.New(nil)
				host := newPeer(t, net)
				room, err := host.BecomeHost(ctx, "Max")
				require.NoError(t, err)

				raw := newRawPeer(t, net, "bpm-client-rej002")
				raw.connect(t, room)
				raw.send(t, protocol.JoinRequest{Nickname: "Ana"})
				require.Eventually(t, func() bool { return len(host.Pending()) == 1 }, waitFor, tick)
				require.NoError(t, host.Reject("bpm-client-rej002"))

				// a retry that crossed the reject on the wire
				raw.send(t, protocol.JoinRequest{Nickname: "Ana"})
				require.Eventually(t, func() bool { return raw.count(protocol.KindJoinResponse) == 1 }, waitFor, tick)
				time.Sleep(20 * time.Millisecond)

				assert.Empty(t, host.Pending())
				require.ErrorIs(t, host.Accept("bpm-client-rej002"), ErrUnknownRequest)
				assert.Len(t, host.State().Roster, 1)
				assert.Equal(t, 1, raw.count(protocol.KindJoinResponse))
			},
		},
		{
			name: "leaving stops pending reject closes",
			run: func(t *testing.T) {
				host := newPeer(t, memnet.New(nil))
				_, err := host.BecomeHost(ctx, "Max")
				require.NoError(t, err)

				kept := &fakeChannel{remote: "bpm-client-kep001"}
				host.Dispatch(kept, protocol.Encode(kept.remote, protocol.JoinRequest{Nickname: " x "}))
				require.Len(t, kept.sent, 1)
				host.clock.Advance(DefaultRejectCloseDelay)
				require.Eventually(t, func() bool { return kept.closes.Load() == 1 }, waitFor, tick)

				dropped := &fakeChannel{remote: "bpm-client-drp001"}
				host.Dispatch(dropped, protocol.Encode(dropped.remote, protocol.JoinRequest{Nickname: " x "}))
				require.Len(t, dropped.sent, 1)
				host.Leave()
				host.clock.Advance(DefaultRejectCloseDelay)
				time.Sleep(20 * time.Millisecond)
				assert.Zero(t, dropped.closes.Load())
			},
		},
		{
			name: "joining a missing room is a connectivity failure",
			run: func(t *testing.T) {
				guest := newPeer(t, memnet.New(nil))
				_, err := guest.BecomeGuest(ctx, "Ana", "https://example.com/play#bpm-nobody")
				require.NoError(t, err)

				n := guest.lastNotice(t)
				assert.ErrorIs(t, n.Err, ErrConnectivity)
				require.Eventually(t, func() bool { return guest.Role() == RoleNone }, waitFor, tick)
			},
		},
		{
			name: "unanswered join request gives up after bounded retries",
			run: func(t *testing.T) {
				net := memnet.New(nil)
				silent := newRawPeer(t, net, "bpm-silent")
				guest := newPeer(t, net)
				_, err := guest.BecomeGuest(ctx, "Ana", "silent")
				require.NoError(t, err)

				require.Eventually(t, func() bool {
					guest.clock.Advance(time.Second)
					return guest.Admission() == AdmissionUnreachable
				}, 5*time.Second, tick)

				require.Eventually(t, func() bool {
					return silent.count(protocol.KindJoinRequest) == 1+DefaultJoinRetries
				}, waitFor, tick)
				assert.ErrorIs(t, guest.lastNotice(t).Err, ErrHostUnreachable)
				assert.Equal(t, RoleNone, guest.Role())
			},
		},
		{
			name: "host leaving closes the session for guests",
			run: func(t *testing.T) {
				host, guest, _ := roomWithGuest(t)
				host.Leave()

				assert.Equal(t, RoleNone, host.Role())
				assert.Equal(t, game.StatusLobby, host.State().Status)

				n := guest.lastNotice(t)
				assert.ErrorIs(t, n.Err, ErrSessionClosed)
				require.Eventually(t, func() bool { return guest.Role() == RoleNone }, waitFor, tick)
				assert.Equal(t, game.StatusLobby, guest.State().Status)
			},
		},
		{
			name: "guest leaving shrinks the roster",
			run: func(t *testing.T) {
				host, guest, net := roomWithGuest(t)
				gid := guest.Identity()
				guest.Leave()

				require.Eventually(t, func() bool { return len(host.State().Roster) == 1 }, waitFor, tick)
				assert.False(t, net.Online(gid))
				assert.Empty(t, guest.seenNotices())
			},
		},
		{
			name: "transport fault on the guest ends its session",
			run: func(t *testing.T) {
				host, guest, net := roomWithGuest(t)
				net.Sever(guest.Identity(), errors.New("wifi gone"))

				assert.ErrorIs(t, guest.lastNotice(t).Err, ErrChannelFault)
				require.Eventually(t, func() bool { return guest.Role() == RoleNone }, waitFor, tick)
				require.Eventually(t, func() bool { return len(host.State().Roster) == 1 }, waitFor, tick)
			},
		},
		{
			name: "host only operations",
			run: func(t *testing.T) {
				host, guest, _ := roomWithGuest(t)

				require.ErrorIs(t, guest.StartGame(), ErrNotHost)
				require.ErrorIs(t, guest.Accept("x"), ErrNotHost)
				require.ErrorIs(t, guest.StartRound(15, 120), ErrNotHost)
				require.ErrorIs(t, host.ResetRate(), ErrNotGuest)
				require.ErrorIs(t, host.ShowScores(), game.ErrBadTransition)
				require.ErrorIs(t, host.Accept("bpm-client-nobody"), ErrUnknownRequest)
			},
		},
		{
			name: "start game needs a guest",
			run: func(t *testing.T) {
				host := newPeer(t, memnet.New(nil))
				_, err := host.BecomeHost(ctx, "Max")
				require.NoError(t, err)
				require.ErrorIs(t, host.StartGame(), game.ErrNoGuests)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, tc.run)
	}
}

func TestController_Dispatch(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name string
		run  func(t *testing.T)
	}{
		{
			name: "snapshot from a non-host sender is ignored",
			run: func(t *testing.T) {
				_, guest, _ := roomWithGuest(t)
				before := guest.State()

				forged := game.State{Status: game.StatusPlaying, Phase: game.PhaseFinal}
				env := protocol.Encode("bpm-evil01", forged.Snapshot())
				guest.Dispatch(&fakeChannel{remote: guest.Room()}, env)

				assert.Equal(t, before, guest.State())
			},
		},
		{
			name: "unknown kinds are dropped",
			run: func(t *testing.T) {
				host := newPeer(t, memnet.New(nil))
				_, err := host.BecomeHost(ctx, "Max")
				require.NoError(t, err)
				before := host.State()

				ch := &fakeChannel{remote: "bpm-client-x"}
				host.Dispatch(ch, protocol.Envelope{Type: "PLAYER_STAT_UPDATE", SenderID: "bpm-client-x"})
				host.Dispatch(ch, protocol.Envelope{Type: protocol.KindJoinRequest, Payload: []byte(`{"nickname":1}`)})

				assert.Equal(t, before, host.State())
				assert.Empty(t, host.Pending())
				assert.Empty(t, ch.sent)
			},
		},
		{
			name: "rate from a non-member is ignored",
			run: func(t *testing.T) {
				host, guest, net := roomWithGuest(t)
				startRound(t, host, guest, 15, 120)

				raw := newRawPeer(t, net, "bpm-client-lurk01")
				raw.connect(t, host.Room())
				raw.send(t, protocol.RateUpdate{Rate: 120, Nickname: "Lurker"})
				time.Sleep(20 * time.Millisecond)

				st := host.State()
				assert.Len(t, st.Roster, 2)
				_, ok := st.Player("bpm-client-lurk01")
				assert.False(t, ok)
			},
		},
		{
			name: "out of band rate keeps the previous reading",
			run: func(t *testing.T) {
				host, guest, _ := roomWithGuest(t)
				startRound(t, host, guest, 15, 120)
				time.Sleep(20 * time.Millisecond) // let the guest's reset reading land first
				gid := guest.Identity()
				ch := &fakeChannel{remote: gid}

				host.Dispatch(ch, protocol.Encode(gid, protocol.RateUpdate{Rate: 118}))
				host.Dispatch(ch, protocol.Encode(gid, protocol.RateUpdate{Rate: 900}))
				host.Dispatch(ch, protocol.Encode(gid, protocol.RateUpdate{Rate: 15}))

				p, ok := host.State().Player(gid)
				require.True(t, ok)
				assert.Equal(t, 118, p.Rate)
			},
		},
		{
			name: "a fresh channel on the host receives the snapshot",
			run: func(t *testing.T) {
				net := memnet.New(nil)
				host := newPeer(t, net)
				room, err := host.BecomeHost(ctx, "Max")
				require.NoError(t, err)

				raw := newRawPeer(t, net, "bpm-client-late01")
				raw.connect(t, room)
				require.Eventually(t, func() bool { return raw.count(protocol.KindStateUpdate) == 1 }, waitFor, tick)
			},
		},
		{
			name: "host taps fan out to guests",
			run: func(t *testing.T) {
				host, guest, _ := roomWithGuest(t)
				_, err := host.Tap()
				require.NoError(t, err)

				require.Eventually(t, func() bool { return len(guest.seenTaps()) == 1 }, waitFor, tick)
				assert.Equal(t, host.Identity(), guest.seenTaps()[0])
			},
		},
		{
			name: "guest taps are recorded by the host",
			run: func(t *testing.T) {
				host, guest, _ := roomWithGuest(t)
				host.clock.Advance(time.Hour)
				startRound(t, host, guest, 15, 120)
				_, err := guest.Tap()
				require.NoError(t, err)

				want := host.clock.Now().UnixMilli()
				require.Eventually(t, func() bool {
					p, _ := guest.State().Player(guest.Identity())
					return p.LastInput == want
				}, waitFor, tick)
			},
		},
		{
			name: "guest taps outside a round are not reported",
			run: func(t *testing.T) {
				host, guest, _ := roomWithGuest(t)
				require.NoError(t, host.StartGame())
				require.Eventually(t, func() bool { return guest.State().Status == game.StatusPlaying }, waitFor, tick)
				time.Sleep(20 * time.Millisecond)
				seen := len(host.seenStates())

				host.clock.Advance(time.Hour)
				_, err := guest.Tap()
				require.NoError(t, err)
				time.Sleep(20 * time.Millisecond)

				assert.Equal(t, seen, len(host.seenStates()))
				p, ok := host.State().Player(guest.Identity())
				require.True(t, ok)
				assert.Zero(t, p.LastInput)
			},
		},
		{
			name: "tap events outside a round are ignored by the host",
			run: func(t *testing.T) {
				host, guest, _ := roomWithGuest(t)
				gid := guest.Identity()
				seen := len(host.seenStates())

				host.Dispatch(&fakeChannel{remote: gid}, protocol.Encode(gid, protocol.TapEvent{}))

				assert.Equal(t, seen, len(host.seenStates()))
				p, _ := host.State().Player(gid)
				assert.Zero(t, p.LastInput)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, tc.run)
	}
}
