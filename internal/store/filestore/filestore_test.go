package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iliamunaev/media-order-fulfillment/internal/store"
	"github.com/iliamunaev/media-order-fulfillment/internal/store/storetest"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) func() store.Store {
		dir := t.TempDir()
		return func() store.Store {
			s, err := New(dir, nil)
			require.NoError(t, err)
			return s
		}
	})
}

func TestPartitionFileLayout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)

	created := time.Date(2025, 6, 7, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(context.Background(), storetest.NewOrder("o-1", created, 1)))

	data, err := os.ReadFile(filepath.Join(dir, "orders-2025-06-07.json"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"order_id": "o-1"`)
	require.Contains(t, string(data), `"status": "waiting_payment"`)
}

func TestIgnoresForeignFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orders-latest.json"), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("junk"), 0o644))

	s, err := New(dir, nil)
	require.NoError(t, err)

	_, found, err := s.Load(context.Background(), "o-1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestCorruptPartitionIsReported(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orders-2025-01-01.json"),
		[]byte(`[{"order_id":"o-1","unexpected":true}]`), 0o644))

	s, err := New(dir, nil)
	require.NoError(t, err)

	_, _, err = s.Load(context.Background(), "o-1")
	require.Error(t, err)
}

func TestSaveRejectsInvalidRecord(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	o := storetest.NewOrder("o-1", time.Now(), 1)
	o.Email = ""
	require.Error(t, s.Save(context.Background(), o))
}
