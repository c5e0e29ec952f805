// Package storetest holds the behavioral tests every store backend must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliamunaev/media-order-fulfillment/internal/model"
	"github.com/iliamunaev/media-order-fulfillment/internal/store"
)

// Factory prepares fresh storage for one test and returns a function that
// opens a backend over it. Calling open twice simulates a process restart.
type Factory func(t *testing.T) (open func() store.Store)

// NewOrder returns a valid order created at day.
func NewOrder(id string, day time.Time, items int) *model.Order {
	its := make([]model.Item, items)
	for i := range its {
		its[i] = model.Item{InputLocator: fmt.Sprintf("s3://bucket/uploads/c-1/%s/%d.png", id, i), Prompt: "animate"}
	}
	return model.New(id, "c-1", "a@example.com", decimal.NewFromInt(int64(300*items)), its, day)
}

// Run exercises the store contract against the backend returned by open.
func Run(t *testing.T, factory Factory) {
	t.Run("load_missing", func(t *testing.T) { testLoadMissing(t, factory(t)) })
	t.Run("save_load_restart", func(t *testing.T) { testSaveLoadRestart(t, factory(t)) })
	t.Run("upsert_replaces", func(t *testing.T) { testUpsertReplaces(t, factory(t)) })
	t.Run("recently_active", func(t *testing.T) { testRecentlyActive(t, factory(t)) })
	t.Run("duplicate_id_other_partition", func(t *testing.T) { testDuplicateID(t, factory(t)) })
	t.Run("concurrent_writers", func(t *testing.T) { testConcurrentWriters(t, factory(t)) })
	t.Run("stale_save_conflicts", func(t *testing.T) { testStaleSaveConflicts(t, factory(t)) })
	t.Run("racing_instances", func(t *testing.T) { testRacingInstances(t, factory(t)) })
}

func day(d int) time.Time {
	return time.Date(2025, 3, d, 12, 0, 0, 0, time.UTC)
}

func testLoadMissing(t *testing.T, open func() store.Store) {
	s := open()
	o, found, err := s.Load(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, o)
}

func testSaveLoadRestart(t *testing.T, open func() store.Store) {
	ctx := context.Background()
	s := open()

	o := NewOrder("o-1", day(1), 2)
	require.NoError(t, o.Payment.MarkPaid("pay-1"))
	require.NoError(t, o.Generation.Items[0].Start("req-0"))
	require.NoError(t, s.Save(ctx, o))
	require.Equal(t, int64(1), o.Revision)

	got, found, err := s.Load(ctx, "o-1")
	require.NoError(t, err)
	require.True(t, found)
	assertSameRecord(t, o, got)

	reopened := open()
	got, found, err = reopened.Load(ctx, "o-1")
	require.NoError(t, err)
	require.True(t, found)
	assertSameRecord(t, o, got)
}

func testUpsertReplaces(t *testing.T, open func() store.Store) {
	ctx := context.Background()
	s := open()

	o := NewOrder("o-1", day(1), 1)
	require.NoError(t, s.Save(ctx, o))

	o.Generation.Status = model.GenerationInProgress
	require.NoError(t, o.Generation.Items[0].Start("req-0"))
	o.Touch(day(1).Add(time.Minute))
	require.NoError(t, s.Save(ctx, o))

	got, found, err := s.Load(ctx, "o-1")
	require.NoError(t, err)
	require.True(t, found)
	assertSameRecord(t, o, got)

	all, err := s.ListRecentlyActive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 1, "upsert must not duplicate the record")
}

func testRecentlyActive(t *testing.T, open func() store.Store) {
	ctx := context.Background()
	s := open()

	require.NoError(t, s.Save(ctx, NewOrder("o-old", day(1), 1)))
	require.NoError(t, s.Save(ctx, NewOrder("o-mid", day(2), 1)))
	require.NoError(t, s.Save(ctx, NewOrder("o-new-a", day(3), 1)))
	require.NoError(t, s.Save(ctx, NewOrder("o-new-b", day(3), 1)))

	got, err := s.ListRecentlyActive(ctx, 2)
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, o := range got {
		ids = append(ids, o.OrderID)
	}
	require.ElementsMatch(t, []string{"o-new-a", "o-new-b", "o-mid"}, ids)
	require.Equal(t, "o-mid", ids[len(ids)-1], "newest partition first")

	none, err := s.ListRecentlyActive(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, none)
}

func testDuplicateID(t *testing.T, open func() store.Store) {
	ctx := context.Background()
	s := open()

	require.NoError(t, s.Save(ctx, NewOrder("o-1", day(1), 1)))
	err := s.Save(ctx, NewOrder("o-1", day(2), 1))
	require.ErrorIs(t, err, store.ErrDuplicateID)
}

func testConcurrentWriters(t *testing.T, open func() store.Store) {
	ctx := context.Background()
	s := open()

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Save(ctx, NewOrder(fmt.Sprintf("o-%d", i), day(5), 1)))
		}(i)
	}
	wg.Wait()

	got, err := s.ListRecentlyActive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, writers, "no writer may lose another writer's record")
}

func testStaleSaveConflicts(t *testing.T, open func() store.Store) {
	ctx := context.Background()
	s := open()

	require.NoError(t, s.Save(ctx, NewOrder("o-1", day(1), 2)))

	a, _, err := s.Load(ctx, "o-1")
	require.NoError(t, err)
	b, _, err := s.Load(ctx, "o-1")
	require.NoError(t, err)

	require.NoError(t, a.Generation.Items[0].Fail("first"))
	require.NoError(t, s.Save(ctx, a))

	require.NoError(t, b.Generation.Items[1].Fail("second"))
	require.ErrorIs(t, s.Save(ctx, b), store.ErrConflict)
	require.Equal(t, int64(1), b.Revision, "a rejected save leaves the revision alone")

	got, _, err := s.Load(ctx, "o-1")
	require.NoError(t, err)
	assertSameRecord(t, a, got)

	fresh := NewOrder("o-2", day(1), 1)
	fresh.Revision = 3
	require.ErrorIs(t, s.Save(ctx, fresh), store.ErrConflict)
}

// testRacingInstances opens two backends over the same storage, as two
// processes would, and races read-modify-write cycles on one order.
func testRacingInstances(t *testing.T, open func() store.Store) {
	ctx := context.Background()
	stores := []store.Store{open(), open()}
	require.NoError(t, stores[0].Save(ctx, NewOrder("o-1", day(1), 8)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := stores[i%2]
			for {
				o, _, err := s.Load(ctx, "o-1")
				if !assert.NoError(t, err) {
					return
				}
				if !assert.NoError(t, o.Generation.Items[i].Fail(fmt.Sprintf("item %d", i))) {
					return
				}
				err = s.Save(ctx, o)
				if errors.Is(err, store.ErrConflict) {
					continue
				}
				assert.NoError(t, err)
				return
			}
		}(i)
	}
	wg.Wait()

	got, _, err := stores[0].Load(ctx, "o-1")
	require.NoError(t, err)
	for i, it := range got.Generation.Items {
		require.Equal(t, model.ItemFailed, it.Status, "item %d lost its update", i)
	}
	require.Equal(t, int64(9), got.Revision)
}

func assertSameRecord(t *testing.T, want, got *model.Order) {
	t.Helper()
	wantJSON, err := json.Marshal(want)
	require.NoError(t, err)
	gotJSON, err := json.Marshal(got)
	require.NoError(t, err)
	require.JSONEq(t, string(wantJSON), string(gotJSON))
}
