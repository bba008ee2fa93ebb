package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		s, err := Open(ctx, BackendMemory, "", nil)
		require.NoError(t, err)
		assert.IsType(t, &MemoryStore{}, s)
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := Open(ctx, BackendSQLite, filepath.Join(t.TempDir(), "db.sqlite"), nil)
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &SQLiteStore{}, s)
	})

	t.Run("sqlite without path", func(t *testing.T) {
		_, err := Open(ctx, BackendSQLite, "", nil)
		assert.Error(t, err)
	})

	t.Run("kv without nats", func(t *testing.T) {
		_, err := Open(ctx, BackendKV, "", nil)
		assert.Error(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := Open(ctx, "postgres", "", nil)
		assert.Error(t, err)
	})
}
