// Copyright 2025 Curious Hiba
// SPDX-License-Identifier: Apache-2.0

package invsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/curioushiba/warehouse-tracker-app-v2-sub001/syncstore"
)

// Config holds tuning for the sync engine.
type Config struct {
	SyncInterval time.Duration // periodic pass interval while online and queues are non-empty
	MaxRetries   int           // per-entry retry ceiling before permanent drop
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval: 30 * time.Second,
		MaxRetries:   MaxRetries,
	}
}

// SyncState is the aggregate status surface UI collaborators poll. It is
// owned by the engine and mutated only through its transition points.
type SyncState struct {
	IsSyncing    bool        `json:"isSyncing"`
	LastSyncTime time.Time   `json:"lastSyncTime"`
	LastError    string      `json:"lastError,omitempty"`
	Counts       QueueCounts `json:"counts"`
}

// errOffline aborts the remainder of a pass when connectivity is lost.
// Entries not yet attempted stay queued; it is not a pass-level error.
var errOffline = errors.New("connectivity lost mid-pass")

// Engine drives reconciliation with the remote authority: it replays the
// operation queues in dependency order, resolves version conflicts with a
// single bounded resubmission, applies the retry/permanent-drop policy, and
// publishes aggregate sync state.
//
// Only one pass runs at a time; a pass requested while one is in flight is
// dropped, not queued.
type Engine struct {
	queues *Queues
	remote *Remote
	config *Config
	logger *slog.Logger

	online        func() bool // connectivity probe, collaborator-owned
	authenticated func() bool

	inFlight int32
	onlineCh chan struct{}

	mu    sync.Mutex
	state SyncState
}

// NewEngine creates the orchestrator. online is the reachability probe; it
// is consulted before every entry attempt. Entries left mid-flight by a
// crashed process are reset to pending here.
func NewEngine(ctx context.Context, queues *Queues, remote *Remote, online func() bool, config *Config) (*Engine, error) {
	if online == nil {
		return nil, fmt.Errorf("online probe must be provided")
	}
	if config == nil {
		config = DefaultConfig()
	}

	if err := queues.RecoverStuckEntries(ctx); err != nil {
		return nil, fmt.Errorf("failed to recover stuck queue entries: %w", err)
	}

	e := &Engine{
		queues:        queues,
		remote:        remote,
		config:        config,
		logger:        slog.Default(),
		online:        online,
		authenticated: func() bool { return true },
		onlineCh:      make(chan struct{}, 1),
	}

	if ts, err := queues.MetaString(ctx, MetaLastSyncTime); err == nil && ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.state.LastSyncTime = parsed
		}
	}
	if counts, err := queues.Counts(ctx); err == nil {
		e.state.Counts = counts
	}
	return e, nil
}

// SetLogger replaces the engine logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// SetAuthenticated installs the session probe; sync passes only trigger
// while it reports true.
func (e *Engine) SetAuthenticated(fn func() bool) {
	if fn != nil {
		e.authenticated = fn
	}
}

// Queues exposes the queue layer (projection reads, tests).
func (e *Engine) Queues() *Queues { return e.queues }

// State returns a copy of the current aggregate sync state.
func (e *Engine) State() SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// NotifyOnline signals an offline-to-online transition. The reachability
// collaborator calls this; a sync pass is triggered if none is running.
func (e *Engine) NotifyOnline() {
	select {
	case e.onlineCh <- struct{}{}:
	default:
	}
}

// Run drives the engine until ctx is cancelled: it reacts to online
// transitions and fires a periodic pass while connected, authenticated and
// any queue is non-empty.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.onlineCh:
			if e.authenticated() {
				if err := e.SyncNow(ctx); err != nil {
					e.logger.Warn("sync pass failed", "error", err)
				}
			}
		case <-ticker.C:
			if !e.online() || !e.authenticated() {
				continue
			}
			counts, err := e.queues.Counts(ctx)
			if err != nil || counts.Total() == 0 {
				continue
			}
			if err := e.SyncNow(ctx); err != nil {
				e.logger.Warn("sync pass failed", "error", err)
			}
		}
	}
}

// kick triggers an immediate pass after an enqueue while online. Runs
// inline; the in-flight guard drops it if a pass is already running.
func (e *Engine) kick(ctx context.Context) {
	if !e.online() || !e.authenticated() {
		return
	}
	if err := e.SyncNow(ctx); err != nil {
		e.logger.Warn("post-enqueue sync failed", "error", err)
	}
}

// QueueTransaction records a stock transaction and syncs if online.
func (e *Engine) QueueTransaction(ctx context.Context, txn QueuedTransaction) (QueuedTransaction, error) {
	entry, err := e.queues.EnqueueTransaction(ctx, txn)
	if err != nil {
		return QueuedTransaction{}, err
	}
	e.kick(ctx)
	return entry, nil
}

// QueueCreate records an offline item creation and syncs if online.
func (e *Engine) QueueCreate(ctx context.Context, itemData map[string]any) (QueuedItemCreate, error) {
	entry, err := e.queues.EnqueueCreate(ctx, itemData)
	if err != nil {
		return QueuedItemCreate{}, err
	}
	e.kick(ctx)
	return entry, nil
}

// QueueEdit records a partial item edit (merging into a pending create when
// one exists) and syncs if online.
func (e *Engine) QueueEdit(ctx context.Context, itemID string, changes map[string]any, expectedVersion int64) (merged bool, err error) {
	merged, err = e.queues.MergeOrQueueEdit(ctx, itemID, changes, expectedVersion)
	if err != nil {
		return false, err
	}
	e.kick(ctx)
	return merged, nil
}

// QueueArchive records an archive/restore and syncs if online.
func (e *Engine) QueueArchive(ctx context.Context, itemID, action string, expectedVersion int64) (QueuedItemArchive, error) {
	entry, err := e.queues.EnqueueArchive(ctx, itemID, action, expectedVersion)
	if err != nil {
		return QueuedItemArchive{}, err
	}
	e.kick(ctx)
	return entry, nil
}

// QueueImage records an image upload and syncs if online.
func (e *Engine) QueueImage(ctx context.Context, itemID string, data []byte, filename, mimeType string, isOfflineItem bool) (PendingImage, error) {
	entry, err := e.queues.EnqueueImage(ctx, itemID, data, filename, mimeType, isOfflineItem)
	if err != nil {
		return PendingImage{}, err
	}
	e.kick(ctx)
	return entry, nil
}

// SyncNow runs one full sync pass. A pass already in flight causes this
// call to return immediately with no error (the request is dropped).
func (e *Engine) SyncNow(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.inFlight, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&e.inFlight, 0)

	e.mu.Lock()
	e.state.IsSyncing = true
	e.state.LastError = ""
	e.mu.Unlock()

	passErr := e.runPass(ctx)

	completed := passErr == nil
	if errors.Is(passErr, errOffline) {
		e.logger.Info("sync pass aborted: connectivity lost; remaining entries stay queued")
		passErr = nil
	}

	counts, countErr := e.queues.Counts(ctx)

	e.mu.Lock()
	e.state.IsSyncing = false
	if countErr == nil {
		e.state.Counts = counts
	}
	if passErr != nil {
		e.state.LastError = passErr.Error()
	} else if completed {
		e.state.LastSyncTime = time.Now().UTC()
		lastSync := e.state.LastSyncTime
		e.mu.Unlock()
		if err := e.queues.SetMeta(ctx, MetaLastSyncTime, lastSync.Format(time.RFC3339Nano)); err != nil {
			e.logger.Warn("failed to persist last sync time", "error", err)
		}
		return nil
	}
	e.mu.Unlock()
	return passErr
}

// runPass drains the queues in strict phase order. Creates precede every
// other phase so edits, archives, transactions and images against an
// offline-created item always find it on the server.
func (e *Engine) runPass(ctx context.Context) error {
	if err := e.syncCreates(ctx); err != nil {
		return err
	}
	if err := e.syncEdits(ctx); err != nil {
		return err
	}
	if err := e.syncArchives(ctx); err != nil {
		return err
	}
	if err := e.syncTransactions(ctx); err != nil {
		return err
	}
	return e.syncImages(ctx)
}

// failEntry applies the shared failure policy: below the retry ceiling the
// entry is marked failed (incrementing retryCount) and stays queued;
// at the ceiling it is reported to the error-logging collaborator and
// permanently removed.
func (e *Engine) failEntry(ctx context.Context, collection, id string, retryCount int, entry any, attemptErr error) error {
	if retryCount < e.config.MaxRetries-1 {
		e.logger.Warn("entry failed, will retry next pass",
			"collection", collection, "id", id, "retryCount", retryCount+1, "error", attemptErr)
		return e.queues.SetStatus(ctx, collection, id, StatusFailed, attemptErr.Error())
	}
	e.logger.Error("entry exceeded retry ceiling, dropping",
		"collection", collection, "id", id, "error", attemptErr)
	e.remote.ReportSyncError(ctx, entry, attemptErr.Error())
	return e.queues.Remove(ctx, collection, id)
}

// dropPermanent handles a server-flagged non-retryable rejection.
func (e *Engine) dropPermanent(ctx context.Context, collection, id string, entry any, permErr error) error {
	e.logger.Error("entry permanently rejected by server",
		"collection", collection, "id", id, "error", permErr)
	e.remote.ReportSyncError(ctx, entry, permErr.Error())
	return e.queues.Remove(ctx, collection, id)
}

func (e *Engine) syncCreates(ctx context.Context) error {
	creates, err := e.queues.PendingCreates(ctx)
	if err != nil {
		return err
	}
	for _, entry := range creates {
		if !e.online() {
			return errOffline
		}
		if err := e.queues.SetStatus(ctx, CollItemCreateQueue, entry.ID, StatusSyncing, ""); err != nil {
			return err
		}

		item, callErr := e.remote.CreateItem(ctx, entry)
		if callErr == nil {
			// The item now exists server-side: release any images parked on
			// it, refresh the cache with server-assigned fields, drop the
			// entry.
			if err := e.queues.TransitionWaitingToReady(ctx, entry.ID); err != nil {
				return err
			}
			if err := e.confirmCreate(ctx, entry, item); err != nil {
				return err
			}
			if err := e.queues.Remove(ctx, CollItemCreateQueue, entry.ID); err != nil {
				return err
			}
			continue
		}

		var perm *PermanentError
		if errors.As(callErr, &perm) {
			if err := e.dropPermanent(ctx, CollItemCreateQueue, entry.ID, entry, callErr); err != nil {
				return err
			}
			continue
		}
		if err := e.failEntry(ctx, CollItemCreateQueue, entry.ID, entry.RetryCount, entry, callErr); err != nil {
			return err
		}
	}
	return nil
}

// confirmCreate replaces the synthetic cached item with the server's view.
func (e *Engine) confirmCreate(ctx context.Context, entry QueuedItemCreate, serverItem *CachedItem) error {
	item := ItemFromData(entry.ID, entry.ItemData)
	item.SKU = entry.TempSKU
	if serverItem != nil {
		item = *serverItem
		item.ID = entry.ID
	}
	item.IsOfflineCreated = false
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}
	return e.queues.Store().Put(ctx, CollItemsCache, item.ID, item)
}

// submitVersioned runs the bounded conflict-resolution shape shared by
// edits and archives: one attempt at the expected version, and on a version
// conflict exactly one resubmission against the server-reported version
// with the retry-derived idempotency key. A second conflict means another
// writer is actively racing; it is returned as a transient failure.
func submitVersioned(expectedVersion int64, key string,
	attempt func(version int64, key string) (*CachedItem, error)) (*CachedItem, error) {

	item, err := attempt(expectedVersion, key)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		return item, err
	}

	item, err = attempt(conflict.ServerVersion, RetryKey(key))
	if errors.As(err, &conflict) {
		return nil, fmt.Errorf("version conflict persisted after resubmission: %w", err)
	}
	return item, err
}

func (e *Engine) syncEdits(ctx context.Context) error {
	edits, err := e.queues.PendingEdits(ctx)
	if err != nil {
		return err
	}
	for _, entry := range edits {
		if !e.online() {
			return errOffline
		}
		if err := e.queues.SetStatus(ctx, CollItemEditQueue, entry.ID, StatusSyncing, ""); err != nil {
			return err
		}

		item, callErr := submitVersioned(entry.ExpectedVersion, entry.IdempotencyKey,
			func(version int64, key string) (*CachedItem, error) {
				return e.remote.EditItem(ctx, entry.ItemID, entry.Changes, version, key)
			})
		if callErr == nil {
			if err := e.updateCachedItem(ctx, entry.ItemID, item, entry.Changes); err != nil {
				return err
			}
			if err := e.queues.Remove(ctx, CollItemEditQueue, entry.ID); err != nil {
				return err
			}
			continue
		}

		var perm *PermanentError
		if errors.As(callErr, &perm) {
			if err := e.dropPermanent(ctx, CollItemEditQueue, entry.ID, entry, callErr); err != nil {
				return err
			}
			continue
		}
		if err := e.failEntry(ctx, CollItemEditQueue, entry.ID, entry.RetryCount, entry, callErr); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) syncArchives(ctx context.Context) error {
	archives, err := e.queues.PendingArchives(ctx)
	if err != nil {
		return err
	}
	for _, entry := range archives {
		if !e.online() {
			return errOffline
		}
		if err := e.queues.SetStatus(ctx, CollItemArchiveQueue, entry.ID, StatusSyncing, ""); err != nil {
			return err
		}

		item, callErr := submitVersioned(entry.ExpectedVersion, entry.IdempotencyKey,
			func(version int64, key string) (*CachedItem, error) {
				return e.remote.ArchiveItem(ctx, entry, version, key)
			})
		if callErr == nil {
			if item != nil {
				if err := e.queues.Store().Put(ctx, CollItemsCache, entry.ItemID, *item); err != nil {
					return err
				}
			} else if err := e.setCachedArchived(ctx, entry.ItemID, entry.Action == ActionArchive); err != nil {
				return err
			}
			if err := e.queues.Remove(ctx, CollItemArchiveQueue, entry.ID); err != nil {
				return err
			}
			continue
		}

		var perm *PermanentError
		if errors.As(callErr, &perm) {
			if err := e.dropPermanent(ctx, CollItemArchiveQueue, entry.ID, entry, callErr); err != nil {
				return err
			}
			continue
		}
		if err := e.failEntry(ctx, CollItemArchiveQueue, entry.ID, entry.RetryCount, entry, callErr); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) syncTransactions(ctx context.Context) error {
	txns, err := e.queues.PendingTransactions(ctx)
	if err != nil {
		return err
	}
	for _, entry := range txns {
		if !e.online() {
			return errOffline
		}
		if err := e.queues.SetStatus(ctx, CollTransactionQueue, entry.ID, StatusSyncing, ""); err != nil {
			return err
		}

		callErr := e.remote.SubmitTransaction(ctx, entry)
		if callErr == nil {
			if err := e.queues.Remove(ctx, CollTransactionQueue, entry.ID); err != nil {
				return err
			}
			continue
		}

		var perm *PermanentError
		if errors.As(callErr, &perm) {
			if err := e.dropPermanent(ctx, CollTransactionQueue, entry.ID, entry, callErr); err != nil {
				return err
			}
			continue
		}
		if err := e.failEntry(ctx, CollTransactionQueue, entry.ID, entry.RetryCount, entry, callErr); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) syncImages(ctx context.Context) error {
	images, err := e.queues.UploadableImages(ctx)
	if err != nil {
		return err
	}
	for _, entry := range images {
		if !e.online() {
			return errOffline
		}
		if err := e.queues.SetStatus(ctx, CollPendingImages, entry.ID, StatusUploading, ""); err != nil {
			return err
		}

		callErr := e.remote.UploadImage(ctx, entry)
		if callErr == nil {
			if err := e.queues.Remove(ctx, CollPendingImages, entry.ID); err != nil {
				return err
			}
			continue
		}

		var perm *PermanentError
		if errors.As(callErr, &perm) {
			if err := e.dropPermanent(ctx, CollPendingImages, entry.ID, entry, callErr); err != nil {
				return err
			}
			continue
		}
		if err := e.failEntry(ctx, CollPendingImages, entry.ID, entry.RetryCount, entry, callErr); err != nil {
			return err
		}
	}
	return nil
}

// updateCachedItem writes the server's confirmed view of an item to the
// cache, falling back to re-applying the confirmed changes locally when the
// server response carried no item body.
func (e *Engine) updateCachedItem(ctx context.Context, itemID string, serverItem *CachedItem, changes map[string]any) error {
	store := e.queues.Store()
	if serverItem != nil {
		return store.Put(ctx, CollItemsCache, itemID, *serverItem)
	}
	item, found, err := e.cachedItem(ctx, itemID)
	if err != nil || !found {
		return err
	}
	ApplyItemChanges(&item, changes)
	item.UpdatedAt = time.Now().UTC()
	return store.Put(ctx, CollItemsCache, itemID, item)
}

func (e *Engine) setCachedArchived(ctx context.Context, itemID string, archived bool) error {
	item, found, err := e.cachedItem(ctx, itemID)
	if err != nil || !found {
		return err
	}
	item.IsArchived = archived
	item.Version++
	item.UpdatedAt = time.Now().UTC()
	return e.queues.Store().Put(ctx, CollItemsCache, itemID, item)
}

func (e *Engine) cachedItem(ctx context.Context, itemID string) (CachedItem, bool, error) {
	return syncstore.Get[CachedItem](ctx, e.queues.Store(), CollItemsCache, itemID)
}
