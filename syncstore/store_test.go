// Copyright 2025 Curious Hiba
// SPDX-License-Identifier: Apache-2.0

package syncstore

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"itemId,omitempty"`
	Status    string    `json:"status,omitempty"`
	SKU       string    `json:"sku,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func testCollections() []Collection {
	return []Collection{
		{
			Name: "queue",
			Indexes: []Index{
				{Name: "by-item", Field: "itemId"},
				{Name: "by-status", Field: "status"},
			},
			OrderField: "createdAt",
		},
		{
			Name: "cache",
			Indexes: []Index{
				{Name: "by-sku", Field: "sku", Unique: true},
			},
		},
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := Open(db, testCollections())
	require.NoError(t, err)
	return store
}

func TestOpenCreatesTablesAndIndexes(t *testing.T) {
	store := openTestStore(t)

	for _, table := range []string{"col_queue", "col_cache"} {
		var count int
		err := store.DB().QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "table %s should exist", table)
	}

	for _, index := range []string{"idx_queue_by-item", "idx_queue_by-status", "idx_cache_by-sku"} {
		var count int
		err := store.DB().QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", index).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "index %s should exist", index)
	}
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	rec := testRecord{ID: "r1", ItemID: "item-1", Status: "pending", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.Put(ctx, "queue", rec.ID, rec))

	got, found, err := Get[testRecord](ctx, store, "queue", "r1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rec.ItemID, got.ItemID)

	// Put with the same key replaces the record.
	rec.Status = "failed"
	require.NoError(t, store.Put(ctx, "queue", rec.ID, rec))
	got, _, err = Get[testRecord](ctx, store, "queue", "r1")
	require.NoError(t, err)
	require.Equal(t, "failed", got.Status)

	require.NoError(t, store.Delete(ctx, "queue", "r1"))
	_, found, err = Get[testRecord](ctx, store, "queue", "r1")
	require.NoError(t, err)
	require.False(t, found)

	// Deleting an absent key is not an error.
	require.NoError(t, store.Delete(ctx, "queue", "r1"))
}

func TestUnknownCollection(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	err := store.Put(ctx, "nope", "k", testRecord{})
	require.Error(t, err)
	_, err = store.Count(ctx, "nope")
	require.Error(t, err)
}

func TestGetAllOrdersByOrderField(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	// Insert out of creation order; keys sort differently than timestamps.
	for i, offset := range []int{2, 0, 1} {
		rec := testRecord{
			ID:        fmt.Sprintf("z%d", i),
			Status:    "pending",
			CreatedAt: base.Add(time.Duration(offset) * time.Minute),
		}
		require.NoError(t, store.Put(ctx, "queue", rec.ID, rec))
	}

	all, err := GetAll[testRecord](ctx, store, "queue")
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		require.False(t, all[i].CreatedAt.Before(all[i-1].CreatedAt),
			"records must come back in createdAt order")
	}
}

func TestGetAllOrdersMixedPrecisionTimestamps(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	// A whole-second timestamp serializes without a fractional part
	// ("...:00Z"), which sorts after "...:00.5Z" as raw text. The earlier
	// record must still replay first.
	whole := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	later := whole.Add(500 * time.Millisecond)

	require.NoError(t, store.Put(ctx, "queue", "b", testRecord{ID: "b", Status: "pending", CreatedAt: later}))
	require.NoError(t, store.Put(ctx, "queue", "a", testRecord{ID: "a", Status: "pending", CreatedAt: whole}))

	all, err := GetAll[testRecord](ctx, store, "queue")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].ID, "earlier entry must replay first")
	require.Equal(t, "b", all[1].ID)

	byStatus, err := GetAllByIndex[testRecord](ctx, store, "queue", "by-status", "pending")
	require.NoError(t, err)
	require.Equal(t, "a", byStatus[0].ID, "index listings use the same order")
}

func TestGetAllTiesBreakByInsertionOrder(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	for _, id := range []string{"z", "m", "a"} {
		require.NoError(t, store.Put(ctx, "queue", id, testRecord{ID: id, CreatedAt: at}))
	}
	// Rewriting an entry must not move it to the back of the line.
	require.NoError(t, store.Put(ctx, "queue", "z", testRecord{ID: "z", Status: "failed", CreatedAt: at}))

	all, err := GetAll[testRecord](ctx, store, "queue")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "z", all[0].ID)
	require.Equal(t, "m", all[1].ID)
	require.Equal(t, "a", all[2].ID)
}

func TestGetAllByIndex(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		rec := testRecord{
			ID:        fmt.Sprintf("r%d", i),
			ItemID:    fmt.Sprintf("item-%d", i%2),
			Status:    "pending",
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.Put(ctx, "queue", rec.ID, rec))
	}

	matched, err := GetAllByIndex[testRecord](ctx, store, "queue", "by-item", "item-0")
	require.NoError(t, err)
	require.Len(t, matched, 3)
	for _, rec := range matched {
		require.Equal(t, "item-0", rec.ItemID)
	}

	_, err = GetAllByIndex[testRecord](ctx, store, "queue", "no-such-index", "x")
	require.Error(t, err)
}

func TestUniqueIndexRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.Put(ctx, "cache", "a", testRecord{ID: "a", SKU: "SKU-1"}))
	err := store.Put(ctx, "cache", "b", testRecord{ID: "b", SKU: "SKU-1"})
	require.Error(t, err, "duplicate sku must violate the unique index")

	got, found, err := Get[testRecord](ctx, store, "cache", "a")
	require.NoError(t, err)
	require.True(t, found, "record a must survive a colliding Put under another key")
	require.Equal(t, "SKU-1", got.SKU)
	_, found, err = Get[testRecord](ctx, store, "cache", "b")
	require.NoError(t, err)
	require.False(t, found, "the rejected record must not be written")

	// Rewriting a record under its own key keeps its indexed value.
	require.NoError(t, store.Put(ctx, "cache", "a", testRecord{ID: "a", SKU: "SKU-1", Status: "seen"}))

	// Records without the indexed field do not collide (NULL index values).
	require.NoError(t, store.Put(ctx, "cache", "c", testRecord{ID: "c"}))
	require.NoError(t, store.Put(ctx, "cache", "d", testRecord{ID: "d"}))
}

func TestCountAndClear(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("r%d", i)
		require.NoError(t, store.Put(ctx, "queue", id, testRecord{ID: id, CreatedAt: time.Now().UTC()}))
	}
	n, err := store.Count(ctx, "queue")
	require.NoError(t, err)
	require.Equal(t, 4, n)

	require.NoError(t, store.Clear(ctx, "queue"))
	n, err = store.Count(ctx, "queue")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestPutAllBatch(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	records := map[string]any{}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("r%d", i)
		records[id] = testRecord{ID: id, SKU: fmt.Sprintf("SKU-%d", i)}
	}
	require.NoError(t, store.PutAll(ctx, "cache", records))

	n, err := store.Count(ctx, "cache")
	require.NoError(t, err)
	require.Equal(t, 10, n)
}

func TestReplaceAllSwapsContents(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.Put(ctx, "cache", "old", testRecord{ID: "old", SKU: "OLD"}))

	require.NoError(t, store.ReplaceAll(ctx, "cache", map[string]any{
		"n1": testRecord{ID: "n1", SKU: "NEW-1"},
		"n2": testRecord{ID: "n2", SKU: "NEW-2"},
	}))

	_, found, err := Get[testRecord](ctx, store, "cache", "old")
	require.NoError(t, err)
	require.False(t, found, "replaced collection must not retain old records")

	n, err := store.Count(ctx, "cache")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	err := store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO "col_cache" (key, data) VALUES ('x', '{"id":"x"}')`); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	n, err := store.Count(ctx, "cache")
	require.NoError(t, err)
	require.Equal(t, 0, n, "failed transaction must leave no trace")
}
