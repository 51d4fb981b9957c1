// Package nickname remembers the nickname a player last used, so the
// terminal peer can offer it again.
package nickname

import (
	"context"
	"errors"
	"sync"

	"example.com/bpm-party/internal/game"
)

var ErrInvalid = errors.New("invalid nickname")

type Store interface {
	// Load returns the remembered nickname, or "" when there is none.
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, nick string) error
}

func normalize(nick string) (string, error) {
	nick, ok := game.ValidNickname(nick)
	if !ok {
		return "", ErrInvalid
	}
	return nick, nil
}

type MemoryStore struct {
	mu   sync.Mutex
	nick string
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Load(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nick, nil
}

func (s *MemoryStore) Save(_ context.Context, nick string) error {
	nick, err := normalize(nick)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nick = nick
	return nil
}
