// Copyright 2025 Curious Hiba
// SPDX-License-Identifier: Apache-2.0

package invsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/curioushiba/warehouse-tracker-app-v2-sub001/syncstore"
)

// SchemaVersion is the current store schema version for the sync engine's
// collections. See Migrations for the history.
const SchemaVersion = 3

// Collections describes every collection the sync engine owns. No other
// component writes to these; readers go through the projection.
func Collections() []syncstore.Collection {
	queueIndexes := []syncstore.Index{
		{Name: IdxByCreated, Field: "createdAt"},
		{Name: IdxByItem, Field: "itemId"},
		{Name: IdxByStatus, Field: "status"},
	}
	return []syncstore.Collection{
		{Name: CollTransactionQueue, Indexes: queueIndexes, OrderField: "createdAt"},
		{Name: CollItemsCache, Indexes: []syncstore.Index{
			{Name: IdxBySKU, Field: "sku", Unique: true},
			{Name: IdxByBarcode, Field: "barcode", Unique: true},
		}},
		{Name: CollCategoriesCache},
		{Name: CollMetadata},
		{Name: CollItemEditQueue, Indexes: queueIndexes, OrderField: "createdAt"},
		{Name: CollPendingImages, Indexes: queueIndexes, OrderField: "createdAt"},
		{Name: CollItemCreateQueue, Indexes: []syncstore.Index{
			{Name: IdxByCreated, Field: "createdAt"},
			{Name: IdxByStatus, Field: "status"},
		}, OrderField: "createdAt"},
		{Name: CollItemArchiveQueue, Indexes: queueIndexes, OrderField: "createdAt"},
	}
}

// Migrations is the data-migration history for the sync collections.
//
//	v1: baseline.
//	v2: backfill deviceTimestamp on queued transactions recorded before the
//	    field existed (copied from createdAt).
//	v3: pendingImages re-keyed from filename to record id. DATA LOSS POINT:
//	    entries written under the old keying carry no id and are dropped;
//	    affected uploads must be re-queued by the user.
func Migrations() []syncstore.Migration {
	return []syncstore.Migration{
		{Version: 1, Apply: func(ctx context.Context, tx *sql.Tx) error { return nil }},
		{Version: 2, Apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				UPDATE "col_transactionQueue"
				SET data = json_set(data, '$.deviceTimestamp', json_extract(data, '$.createdAt'))
				WHERE json_extract(data, '$.deviceTimestamp') IS NULL
			`)
			return err
		}},
		{Version: 3, Apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM "col_pendingImages"
				WHERE json_extract(data, '$.id') IS NULL
			`)
			return err
		}},
	}
}

// Queues provides enqueue, listing and lifecycle operations over the four
// operation queues and the pending-image queue. The id generator and clock
// are injectable so tests get deterministic keys and FIFO order.
type Queues struct {
	store  *syncstore.Store
	userID string
	newID  func() string
	now    func() time.Time
	logger *slog.Logger
}

// NewQueues creates the queue layer over an opened store.
func NewQueues(store *syncstore.Store, userID string) *Queues {
	return &Queues{
		store:  store,
		userID: userID,
		newID:  uuid.NewString,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// SetIDFunc replaces the id/idempotency-key generator (tests).
func (q *Queues) SetIDFunc(fn func() string) {
	if fn != nil {
		q.newID = fn
	}
}

// SetClock replaces the clock (tests).
func (q *Queues) SetClock(fn func() time.Time) {
	if fn != nil {
		q.now = fn
	}
}

// SetLogger replaces the logger.
func (q *Queues) SetLogger(logger *slog.Logger) {
	if logger != nil {
		q.logger = logger
	}
}

// Store returns the underlying persistent store.
func (q *Queues) Store() *syncstore.Store { return q.store }

// EnqueueTransaction persists a stock transaction for later submission and
// returns the stored entry with identity and bookkeeping fields assigned.
func (q *Queues) EnqueueTransaction(ctx context.Context, txn QueuedTransaction) (QueuedTransaction, error) {
	if txn.ID == "" {
		txn.ID = q.newID()
	}
	txn.IdempotencyKey = q.newID()
	txn.UserID = q.userID
	txn.Status = StatusPending
	txn.RetryCount = 0
	txn.CreatedAt = q.now().UTC()
	if txn.DeviceTimestamp.IsZero() {
		txn.DeviceTimestamp = txn.CreatedAt
	}
	if err := q.store.Put(ctx, CollTransactionQueue, txn.ID, txn); err != nil {
		return QueuedTransaction{}, err
	}
	return txn, nil
}

// EnqueueCreate queues an offline item creation. The client-generated id is
// the permanent identity; a synthetic cached item with a temp SKU is written
// so the item is visible immediately.
func (q *Queues) EnqueueCreate(ctx context.Context, itemData map[string]any) (QueuedItemCreate, error) {
	now := q.now().UTC()
	entry := QueuedItemCreate{
		ID:              q.newID(),
		ItemData:        itemData,
		IdempotencyKey:  q.newID(),
		UserID:          q.userID,
		Status:          StatusPending,
		CreatedAt:       now,
		DeviceTimestamp: now,
	}
	entry.TempSKU = TempSKU(entry.ID)

	if err := q.store.Put(ctx, CollItemCreateQueue, entry.ID, entry); err != nil {
		return QueuedItemCreate{}, err
	}

	item := ItemFromData(entry.ID, itemData)
	item.SKU = entry.TempSKU
	item.Version = 0
	item.IsArchived = false
	item.IsOfflineCreated = true
	item.UpdatedAt = now
	if err := q.store.Put(ctx, CollItemsCache, item.ID, item); err != nil {
		return QueuedItemCreate{}, fmt.Errorf("failed to cache offline item: %w", err)
	}
	return entry, nil
}

// MergeOrQueueEdit queues a partial item edit. When the item is still in the
// create queue the changes are merged into the create entry's payload
// instead (the item does not exist server-side, so a separate edit would
// race its own create). Returns merged=true in that case.
func (q *Queues) MergeOrQueueEdit(ctx context.Context, itemID string, changes map[string]any, expectedVersion int64) (merged bool, err error) {
	create, found, err := syncstore.Get[QueuedItemCreate](ctx, q.store, CollItemCreateQueue, itemID)
	if err != nil {
		return false, err
	}
	if found {
		if create.ItemData == nil {
			create.ItemData = map[string]any{}
		}
		for field, value := range changes {
			create.ItemData[field] = value
		}
		if err := q.store.Put(ctx, CollItemCreateQueue, create.ID, create); err != nil {
			return false, fmt.Errorf("failed to merge edit into create entry: %w", err)
		}
		if err := q.applyOptimisticEdit(ctx, itemID, changes, false); err != nil {
			return false, err
		}
		return true, nil
	}

	now := q.now().UTC()
	entry := QueuedItemEdit{
		ID:              q.newID(),
		ItemID:          itemID,
		Changes:         changes,
		ExpectedVersion: expectedVersion,
		IdempotencyKey:  q.newID(),
		UserID:          q.userID,
		Status:          StatusPending,
		CreatedAt:       now,
		DeviceTimestamp: now,
	}
	if err := q.store.Put(ctx, CollItemEditQueue, entry.ID, entry); err != nil {
		return false, err
	}
	if err := q.applyOptimisticEdit(ctx, itemID, changes, true); err != nil {
		return false, err
	}
	return false, nil
}

// applyOptimisticEdit folds queued changes onto the cached item so reads
// reflect the edit before confirmation. bumpVersion is false when the item
// is offline-created (its version stays 0 until the server assigns one).
func (q *Queues) applyOptimisticEdit(ctx context.Context, itemID string, changes map[string]any, bumpVersion bool) error {
	item, found, err := syncstore.Get[CachedItem](ctx, q.store, CollItemsCache, itemID)
	if err != nil {
		return err
	}
	if !found {
		return nil // nothing cached to update; projection still folds the queued edit
	}
	ApplyItemChanges(&item, changes)
	if bumpVersion {
		item.Version++
	}
	item.UpdatedAt = q.now().UTC()
	if err := q.store.Put(ctx, CollItemsCache, item.ID, item); err != nil {
		return fmt.Errorf("failed to apply optimistic edit: %w", err)
	}
	return nil
}

// EnqueueArchive queues an archive or restore for an item.
func (q *Queues) EnqueueArchive(ctx context.Context, itemID, action string, expectedVersion int64) (QueuedItemArchive, error) {
	if action != ActionArchive && action != ActionRestore {
		return QueuedItemArchive{}, fmt.Errorf("invalid archive action %q", action)
	}
	now := q.now().UTC()
	entry := QueuedItemArchive{
		ID:              q.newID(),
		ItemID:          itemID,
		Action:          action,
		ExpectedVersion: expectedVersion,
		IdempotencyKey:  q.newID(),
		UserID:          q.userID,
		Status:          StatusPending,
		CreatedAt:       now,
		DeviceTimestamp: now,
	}
	if err := q.store.Put(ctx, CollItemArchiveQueue, entry.ID, entry); err != nil {
		return QueuedItemArchive{}, err
	}
	return entry, nil
}

// listPending returns entries awaiting replay: status pending or failed
// (failed entries below the retry ceiling stay queued for the next pass),
// in FIFO creation order.
func listPending[T any](ctx context.Context, s *syncstore.Store, collection string) ([]T, error) {
	pending, err := syncstore.GetAllByIndex[T](ctx, s, collection, IdxByStatus, StatusPending)
	if err != nil {
		return nil, err
	}
	failed, err := syncstore.GetAllByIndex[T](ctx, s, collection, IdxByStatus, StatusFailed)
	if err != nil {
		return nil, err
	}
	if len(failed) == 0 {
		return pending, nil
	}
	// Both slices are createdAt-ordered; merge keeps the FIFO guarantee.
	return mergeByCreated(pending, failed), nil
}

func mergeByCreated[T any](a, b []T) []T {
	out := make([]T, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if createdAt(a[i]).After(createdAt(b[j])) {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// createdAt reads the createdAt field from any queue entry type.
func createdAt(entry any) time.Time {
	data, err := json.Marshal(entry)
	if err != nil {
		return time.Time{}
	}
	var probe struct {
		CreatedAt time.Time `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return time.Time{}
	}
	return probe.CreatedAt
}

// PendingTransactions lists queued transactions in replay order.
func (q *Queues) PendingTransactions(ctx context.Context) ([]QueuedTransaction, error) {
	return listPending[QueuedTransaction](ctx, q.store, CollTransactionQueue)
}

// PendingEdits lists queued edits in replay order.
func (q *Queues) PendingEdits(ctx context.Context) ([]QueuedItemEdit, error) {
	return listPending[QueuedItemEdit](ctx, q.store, CollItemEditQueue)
}

// PendingCreates lists queued creates in replay order.
func (q *Queues) PendingCreates(ctx context.Context) ([]QueuedItemCreate, error) {
	return listPending[QueuedItemCreate](ctx, q.store, CollItemCreateQueue)
}

// PendingArchives lists queued archives in replay order.
func (q *Queues) PendingArchives(ctx context.Context) ([]QueuedItemArchive, error) {
	return listPending[QueuedItemArchive](ctx, q.store, CollItemArchiveQueue)
}

// ErrUnknownEntry is returned by SetStatus and Remove for an absent entry.
var ErrUnknownEntry = errors.New("queue entry not found")

// SetStatus transitions a queue entry's status. Transitioning to failed
// records the error and increments retryCount; transitioning to syncing or
// uploading does not touch the retry counter.
func (q *Queues) SetStatus(ctx context.Context, collection, id, status, errMsg string) error {
	raw, found, err := q.store.GetRaw(ctx, collection, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s/%s", ErrUnknownEntry, collection, id)
	}

	var entry map[string]any
	if err := json.Unmarshal(raw, &entry); err != nil {
		return fmt.Errorf("failed to unmarshal entry %s/%s: %w", collection, id, err)
	}

	entry["status"] = status
	if status == StatusFailed {
		retry, _ := asInt(entry["retryCount"])
		entry["retryCount"] = retry + 1
		if errMsg != "" {
			entry["lastError"] = errMsg
		}
	}

	return q.store.Put(ctx, collection, id, entry)
}

// Remove deletes a queue entry permanently.
func (q *Queues) Remove(ctx context.Context, collection, id string) error {
	return q.store.Delete(ctx, collection, id)
}

// QueueCounts is the per-queue pending-entry count surface the UI reads.
type QueueCounts struct {
	Transactions int `json:"transactions"`
	Creates      int `json:"creates"`
	Edits        int `json:"edits"`
	Archives     int `json:"archives"`
	Images       int `json:"images"`
}

// Total returns the number of entries across every queue.
func (c QueueCounts) Total() int {
	return c.Transactions + c.Creates + c.Edits + c.Archives + c.Images
}

// Counts returns the current per-queue entry counts.
func (q *Queues) Counts(ctx context.Context) (QueueCounts, error) {
	var counts QueueCounts
	var err error
	if counts.Transactions, err = q.store.Count(ctx, CollTransactionQueue); err != nil {
		return counts, err
	}
	if counts.Creates, err = q.store.Count(ctx, CollItemCreateQueue); err != nil {
		return counts, err
	}
	if counts.Edits, err = q.store.Count(ctx, CollItemEditQueue); err != nil {
		return counts, err
	}
	if counts.Archives, err = q.store.Count(ctx, CollItemArchiveQueue); err != nil {
		return counts, err
	}
	if counts.Images, err = q.store.Count(ctx, CollPendingImages); err != nil {
		return counts, err
	}
	return counts, nil
}

// RecoverStuckEntries resets entries left in syncing or uploading by a
// crashed pass back to pending, so the next pass retries them. Called once
// on engine construction.
func (q *Queues) RecoverStuckEntries(ctx context.Context) error {
	for _, coll := range []string{
		CollTransactionQueue, CollItemCreateQueue, CollItemEditQueue, CollItemArchiveQueue, CollPendingImages,
	} {
		for _, stuck := range []string{StatusSyncing, StatusUploading} {
			raws, err := q.store.GetAllByIndexRaw(ctx, coll, IdxByStatus, stuck)
			if err != nil {
				return err
			}
			for _, raw := range raws {
				var probe struct {
					ID string `json:"id"`
				}
				if err := json.Unmarshal(raw, &probe); err != nil {
					return fmt.Errorf("failed to unmarshal stuck %s entry: %w", coll, err)
				}
				q.logger.Warn("recovering entry stuck mid-sync", "collection", coll, "id", probe.ID)
				if err := q.SetStatus(ctx, coll, probe.ID, StatusPending, ""); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// RefreshItems atomically replaces the items cache after a server pull.
// Queued optimistic state is overlaid at read time by the projection, so a
// refresh never loses pending local mutations.
func (q *Queues) RefreshItems(ctx context.Context, items []CachedItem) error {
	records := make(map[string]any, len(items))
	for _, item := range items {
		records[item.ID] = item
	}
	return q.store.ReplaceAll(ctx, CollItemsCache, records)
}

// RefreshCategories atomically replaces the categories cache.
func (q *Queues) RefreshCategories(ctx context.Context, categories []CachedCategory) error {
	records := make(map[string]any, len(categories))
	for _, c := range categories {
		records[c.ID] = c
	}
	return q.store.ReplaceAll(ctx, CollCategoriesCache, records)
}

// SetMeta stores a scalar metadata value.
func (q *Queues) SetMeta(ctx context.Context, key string, value any) error {
	return q.store.Put(ctx, CollMetadata, key, value)
}

// MetaString reads a string metadata value ("" when absent).
func (q *Queues) MetaString(ctx context.Context, key string) (string, error) {
	v, _, err := syncstore.Get[string](ctx, q.store, CollMetadata, key)
	return v, err
}

// EnsureDeviceID returns the persistent device identity, generating and
// storing one on first call.
func (q *Queues) EnsureDeviceID(ctx context.Context) (string, error) {
	id, err := q.MetaString(ctx, MetaDeviceID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = q.newID()
	if err := q.SetMeta(ctx, MetaDeviceID, id); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	return id, nil
}
