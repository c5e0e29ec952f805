package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iliamunaev/media-order-fulfillment/internal/store"
	"github.com/iliamunaev/media-order-fulfillment/internal/store/storetest"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) func() store.Store {
		dsn := "file:" + filepath.Join(t.TempDir(), "orders.db") + "?_busy_timeout=5000&_txlock=immediate"
		return func() store.Store {
			s, err := Open(dsn)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	})
}

func TestSaveRollsBackOnConflict(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	first := storetest.NewOrder("o-1", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), 1)
	require.NoError(t, s.Save(ctx, first))

	second := storetest.NewOrder("o-1", time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), 2)
	require.ErrorIs(t, s.Save(ctx, second), store.ErrDuplicateID)

	got, found, err := s.Load(ctx, "o-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, got.Generation.Items, 1)
}
