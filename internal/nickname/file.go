package nickname

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type profile struct {
	Nickname  string    `yaml:"nickname"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// FileStore keeps the nickname in a small YAML file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(context.Context) (string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read nickname file: %w", err)
	}

	var p profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return "", fmt.Errorf("parse nickname file: %w", err)
	}
	nick, err := normalize(p.Nickname)
	if err != nil {
		return "", nil
	}
	return nick, nil
}

func (s *FileStore) Save(_ context.Context, nick string) error {
	nick, err := normalize(nick)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(profile{Nickname: nick, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create nickname dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write nickname file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write nickname file: %w", err)
	}
	return nil
}
