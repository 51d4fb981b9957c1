package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRoomID(t *testing.T) {
	cases := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "bpm-ab12cd", want: "bpm-ab12cd"},
		{in: "  BPM-AB12CD ", want: "bpm-ab12cd"},
		{in: "ab12cd", want: "bpm-ab12cd"},
		{in: "#bpm-ab12cd", want: "bpm-ab12cd"},
		{in: "https://party.example/play#bpm-ab12cd", want: "bpm-ab12cd"},
		{in: "https://party.example/play/#AB12CD", want: "bpm-ab12cd"},
		{in: "https://party.example/rooms/bpm-ab12cd/", want: "bpm-ab12cd"},
		{in: "", err: true},
		{in: "   #  ", err: true},
		{in: "bpm-", err: true},
	}
	for _, tc := range cases {
		got, err := NormalizeRoomID(tc.in)
		if tc.err {
			require.ErrorIs(t, err, ErrInvalidRoomID, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestIdentities(t *testing.T) {
	room := NewRoomID()
	guest := NewGuestID()

	assert.True(t, strings.HasPrefix(room, RoomPrefix))
	assert.Len(t, room, len(RoomPrefix)+6)
	assert.False(t, IsGuestID(room))

	assert.True(t, IsGuestID(guest))
	assert.Len(t, guest, len(GuestPrefix)+6)
	assert.NotEqual(t, NewRoomID(), NewRoomID())

	assert.True(t, ValidIdentity(room))
	assert.True(t, ValidIdentity(guest))
	for _, bad := range []string{"", "bpm-", "room-ab12cd", "bpm-AB12CD", "bpm-a/b", "bpm-" + strings.Repeat("x", 64)} {
		assert.False(t, ValidIdentity(bad), bad)
	}
}

func TestShareLink(t *testing.T) {
	assert.Equal(t, "https://p.example/#bpm-x", ShareLink("https://p.example/", "bpm-x"))
	assert.Equal(t, "https://p.example/#bpm-y", ShareLink("https://p.example/#bpm-x", "bpm-y"))

	got, err := NormalizeRoomID(ShareLink("https://p.example/game", "bpm-q1w2e3"))
	require.NoError(t, err)
	assert.Equal(t, "bpm-q1w2e3", got)
}

func TestEncodeDecode(t *testing.T) {
	env := Encode("bpm-host01", StateUpdate{
		Roster:     []PlayerPayload{{ID: "bpm-host01", Nickname: "Max", IsHost: true}},
		TargetRate: 120,
		Status:     "ROOM",
		RoundPhase: "CONFIG",
	})
	require.Equal(t, KindStateUpdate, env.Type)
	require.Equal(t, "bpm-host01", env.SenderID)

	b, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"senderId":"bpm-host01"`)
	assert.Contains(t, string(b), `"roundPhase":"CONFIG"`)

	var back Envelope
	require.NoError(t, json.Unmarshal(b, &back))
	msg, err := Decode(back)
	require.NoError(t, err)
	st, ok := msg.(StateUpdate)
	require.True(t, ok)
	assert.Equal(t, 120, st.TargetRate)
	assert.Len(t, st.Roster, 1)
}

func TestDecode_EmptyPayloads(t *testing.T) {
	msg, err := Decode(Envelope{Type: KindTapEvent})
	require.NoError(t, err)
	assert.Equal(t, KindTapEvent, msg.Kind())

	msg, err = Decode(Envelope{Type: KindSessionClosed, Payload: json.RawMessage("null")})
	require.NoError(t, err)
	assert.Equal(t, KindSessionClosed, msg.Kind())
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(Envelope{Type: "PLAYER_STAT_UPDATE"})
	assert.True(t, errors.Is(err, ErrUnknownKind))
	assert.False(t, Kind("PLAYER_STAT_UPDATE").Valid())

	_, err = Decode(Envelope{Type: KindRateUpdate, Payload: json.RawMessage(`{"rate":"fast"}`)})
	assert.True(t, errors.Is(err, ErrBadPayload))
}
