package nickname

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	ctx := context.Background()

	stores := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"file": func(t *testing.T) Store {
			return NewFileStore(filepath.Join(t.TempDir(), "peer", "profile.yaml"))
		},
	}

	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			s := mk(t)

			got, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, got)

			require.NoError(t, s.Save(ctx, "  Ana  "))
			got, err = s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, "Ana", got)

			require.ErrorIs(t, s.Save(ctx, "A"), ErrInvalid)
			got, err = s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, "Ana", got, "a rejected save keeps the old value")
		})
	}
}

func TestFileStore_Damaged(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nickname: [oops"), 0o644))
	_, err := NewFileStore(path).Load(ctx)
	require.Error(t, err)

	path = filepath.Join(dir, "short.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nickname: x\n"), 0o644))
	got, err := NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got, "an invalid remembered nickname is ignored")
}
