package protocol

import (
	"crypto/rand"
	"errors"
	"strings"
)

const (
	RoomPrefix  = "bpm-"
	GuestPrefix = "bpm-client-"

	suffixLen      = 6
	maxIdentityLen = 64
)

var (
	ErrUnknownKind   = errors.New("unknown message type")
	ErrBadPayload    = errors.New("invalid payload")
	ErrInvalidRoomID = errors.New("invalid room id")
)

// NewRoomID mints a host identity, which is also the shareable room id.
func NewRoomID() string {
	return RoomPrefix + randID(suffixLen)
}

// NewGuestID mints a guest identity. The prefix keeps guests from ever
// colliding with a room id.
func NewGuestID() string {
	return GuestPrefix + randID(suffixLen)
}

// ValidIdentity reports whether id looks like something NewRoomID or
// NewGuestID could have minted.
func ValidIdentity(id string) bool {
	if !strings.HasPrefix(id, RoomPrefix) || len(id) <= len(RoomPrefix) || len(id) > maxIdentityLen {
		return false
	}
	for _, r := range id {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return true
}

func IsGuestID(id string) bool {
	return strings.HasPrefix(id, GuestPrefix)
}

// NormalizeRoomID turns whatever the user pasted (bare suffix, room id, full
// share link) into a room id.
func NormalizeRoomID(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.LastIndex(s, "#"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	if s == "" || s == RoomPrefix {
		return "", ErrInvalidRoomID
	}
	if !strings.HasPrefix(s, RoomPrefix) {
		s = RoomPrefix + s
	}
	return s, nil
}

// ShareLink puts the room id into the URL fragment of base.
func ShareLink(base, roomID string) string {
	if i := strings.Index(base, "#"); i >= 0 {
		base = base[:i]
	}
	return base + "#" + roomID
}

func randID(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}
