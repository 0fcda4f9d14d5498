// Copyright 2025 Curious Hiba
// SPDX-License-Identifier: Apache-2.0

package syncstore

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func TestMigrationsRunInOrderAndStampVersion(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	var ran []int
	migrations := []Migration{
		// Deliberately out of order; the runner sorts by version.
		{Version: 2, Apply: func(ctx context.Context, tx *sql.Tx) error {
			ran = append(ran, 2)
			return nil
		}},
		{Version: 1, Apply: func(ctx context.Context, tx *sql.Tx) error {
			ran = append(ran, 1)
			return nil
		}},
	}

	store, err := OpenWithMigrations(db, testCollections(), migrations)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, ran)

	v, err := store.SchemaVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestMigrationsSkipWhenCurrent(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	var runs int
	migrations := []Migration{
		{Version: 1, Apply: func(ctx context.Context, tx *sql.Tx) error {
			runs++
			return nil
		}},
	}

	_, err = OpenWithMigrations(db, testCollections(), migrations)
	require.NoError(t, err)
	require.Equal(t, 1, runs)

	// Reopening the same database must not repeat the migration.
	_, err = OpenWithMigrations(db, testCollections(), migrations)
	require.NoError(t, err)
	require.Equal(t, 1, runs)
}

func TestMigrationTransformsData(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	store, err := Open(db, testCollections())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "queue", "r1", map[string]any{"id": "r1"}))

	migrations := []Migration{
		{Version: 1, Apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				UPDATE "col_queue" SET data = json_set(data, '$.status', 'pending')
				WHERE json_extract(data, '$.status') IS NULL
			`)
			return err
		}},
	}
	store, err = OpenWithMigrations(db, testCollections(), migrations)
	require.NoError(t, err)

	rec, found, err := Get[testRecord](ctx, store, "queue", "r1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "pending", rec.Status)
}

func TestFailedMigrationRollsBack(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	migrations := []Migration{
		{Version: 1, Apply: func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO "col_queue" (key, data) VALUES ('m', '{"id":"m"}')`); err != nil {
				return err
			}
			return context.Canceled
		}},
	}

	_, err = OpenWithMigrations(db, testCollections(), migrations)
	require.Error(t, err)

	store, err := Open(db, testCollections())
	require.NoError(t, err)
	ctx := context.Background()

	n, err := store.Count(ctx, "queue")
	require.NoError(t, err)
	require.Equal(t, 0, n, "failed migration must not leave partial writes")

	v, err := store.SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, v, "failed migration must not advance the version")
}
