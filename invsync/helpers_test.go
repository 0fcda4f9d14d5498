// Copyright 2025 Curious Hiba
// SPDX-License-Identifier: Apache-2.0

package invsync

import (
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/curioushiba/warehouse-tracker-app-v2-sub001/syncstore"
)

// newTestQueues opens an in-memory store with deterministic ids and a
// strictly advancing clock, so FIFO order and idempotency keys are stable
// under test.
func newTestQueues(t *testing.T) *Queues {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := syncstore.OpenWithMigrations(db, Collections(), Migrations())
	require.NoError(t, err)

	q := NewQueues(store, "user-1")

	var mu sync.Mutex
	var idSeq int
	q.SetIDFunc(func() string {
		mu.Lock()
		defer mu.Unlock()
		idSeq++
		return fmt.Sprintf("0000%04d-aaaa-bbbb-cccc-dddddddddddd", idSeq)
	})

	clock := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Millisecond)
		return clock
	})
	return q
}
