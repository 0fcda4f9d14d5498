// Copyright 2025 Curious Hiba
// SPDX-License-Identifier: Apache-2.0

// Package invsync implements the offline synchronization engine for the
// warehouse tracker: persistent operation queues for mutations made while
// disconnected, a cache overlay that projects pending mutations over
// server-known inventory, and an orchestrator that replays the queues
// against the remote API once connectivity returns.
//
// Conflict resolution is last-write-wins on a per-item monotonic version
// counter. Replay order is per-device FIFO within each queue; creates for an
// item always precede edits, archives and image uploads touching it.
package invsync

import (
	"strings"
	"time"
)

// Collection names in the persistent store.
const (
	CollTransactionQueue = "transactionQueue"
	CollItemsCache       = "itemsCache"
	CollCategoriesCache  = "categoriesCache"
	CollMetadata         = "metadata"
	CollItemEditQueue    = "itemEditQueue"
	CollPendingImages    = "pendingImages"
	CollItemCreateQueue  = "itemCreateQueue"
	CollItemArchiveQueue = "itemArchiveQueue"
)

// Secondary index names.
const (
	IdxByCreated = "by-created"
	IdxByItem    = "by-item"
	IdxByStatus  = "by-status"
	IdxBySKU     = "by-sku"
	IdxByBarcode = "by-barcode"
)

// Queue entry statuses.
const (
	StatusPending        = "pending"
	StatusSyncing        = "syncing"
	StatusFailed         = "failed"
	StatusWaitingForItem = "waiting_for_item" // images whose owning item is not yet created server-side
	StatusUploading      = "uploading"
)

// Archive actions.
const (
	ActionArchive = "archive"
	ActionRestore = "restore"
)

// Projection operation tags.
const (
	OpOffline        = "offline"
	OpPendingEdit    = "pending_edit"
	OpPendingArchive = "pending_archive"
	OpPendingRestore = "pending_restore"
)

// MaxRetries is the retry ceiling for every queue entry. An entry whose
// retryCount reaches this value is reported and permanently removed.
const MaxRetries = 3

// Metadata keys.
const (
	MetaLastSyncTime = "lastSyncTime"
	MetaDeviceID     = "deviceId"
)

// QueuedTransaction is a stock transaction recorded while offline, awaiting
// submission to the remote authority.
type QueuedTransaction struct {
	ID                    string    `json:"id"`
	TransactionType       string    `json:"transactionType"`
	ItemID                string    `json:"itemId"`
	Quantity              int       `json:"quantity"`
	Notes                 string    `json:"notes,omitempty"`
	SourceLocationID      string    `json:"sourceLocationId,omitempty"`
	DestinationLocationID string    `json:"destinationLocationId,omitempty"`
	DeviceTimestamp       time.Time `json:"deviceTimestamp"`
	IdempotencyKey        string    `json:"idempotencyKey"`
	UserID                string    `json:"userId"`
	Status                string    `json:"status"`
	RetryCount            int       `json:"retryCount"`
	LastError             string    `json:"lastError,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
}

// CachedItem is the local projection of a server inventory item. Version is
// the optimistic-concurrency counter; it is bumped locally on every queued
// edit so reads reflect the edit before the server confirms it.
type CachedItem struct {
	ID               string    `json:"id"`
	SKU              string    `json:"sku"`
	Barcode          string    `json:"barcode,omitempty"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	CategoryID       string    `json:"categoryId,omitempty"`
	Location         string    `json:"location,omitempty"`
	Quantity         int       `json:"quantity"`
	MinStock         int       `json:"minStock,omitempty"`
	MaxStock         int       `json:"maxStock,omitempty"`
	Version          int64     `json:"version"`
	IsArchived       bool      `json:"isArchived"`
	IsOfflineCreated bool      `json:"isOfflineCreated,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// QueuedItemEdit is a partial item update awaiting replay. Changes maps
// field names to replacement values; multiple edits to one item compose in
// creation order, later edits winning per field.
type QueuedItemEdit struct {
	ID              string         `json:"id"`
	ItemID          string         `json:"itemId"`
	Changes         map[string]any `json:"changes"`
	ExpectedVersion int64          `json:"expectedVersion"`
	IdempotencyKey  string         `json:"idempotencyKey"`
	UserID          string         `json:"userId"`
	Status          string         `json:"status"`
	RetryCount      int            `json:"retryCount"`
	LastError       string         `json:"lastError,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	DeviceTimestamp time.Time      `json:"deviceTimestamp"`
}

// QueuedItemCreate is an item created offline. Its client-generated ID
// becomes the permanent server id, so edits and images queued before the
// create syncs keep a stable identity.
type QueuedItemCreate struct {
	ID              string         `json:"id"`
	TempSKU         string         `json:"tempSku"`
	ItemData        map[string]any `json:"itemData"`
	IdempotencyKey  string         `json:"idempotencyKey"`
	UserID          string         `json:"userId"`
	Status          string         `json:"status"`
	RetryCount      int            `json:"retryCount"`
	LastError       string         `json:"lastError,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	DeviceTimestamp time.Time      `json:"deviceTimestamp"`
}

// QueuedItemArchive toggles an item's archived state. Only the latest entry
// per item counts when projecting visibility.
type QueuedItemArchive struct {
	ID              string    `json:"id"`
	ItemID          string    `json:"itemId"`
	Action          string    `json:"action"` // archive | restore
	ExpectedVersion int64     `json:"expectedVersion"`
	IdempotencyKey  string    `json:"idempotencyKey"`
	UserID          string    `json:"userId"`
	Status          string    `json:"status"`
	RetryCount      int       `json:"retryCount"`
	LastError       string    `json:"lastError,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	DeviceTimestamp time.Time `json:"deviceTimestamp"`
}

// PendingImage is a binary payload queued for upload. While IsOfflineItem is
// true the owning item only exists in the create queue; the image must not
// be attempted until that create succeeds.
type PendingImage struct {
	ID            string    `json:"id"`
	ItemID        string    `json:"itemId"`
	IsOfflineItem bool      `json:"isOfflineItem"`
	Data          []byte    `json:"data"`
	Filename      string    `json:"filename"`
	MimeType      string    `json:"mimeType"`
	Status        string    `json:"status"`
	RetryCount    int       `json:"retryCount"`
	LastError     string    `json:"lastError,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// CachedCategory is a cached lookup record.
type CachedCategory struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ParentID    string `json:"parentId,omitempty"`
}

// TempSKU derives the placeholder SKU for an offline-created item from its
// client-generated id: "TEMP-" plus the first 8 hex characters, uppercased.
func TempSKU(id string) string {
	hex := strings.ReplaceAll(id, "-", "")
	if len(hex) > 8 {
		hex = hex[:8]
	}
	return "TEMP-" + strings.ToUpper(hex)
}

// RetryKey derives the idempotency key used when a change is resubmitted
// after a version conflict, so the server can tell the resubmission apart
// from a duplicate delivery of the original.
func RetryKey(key string) string {
	return key + "-retry"
}

// ApplyItemChanges folds a partial change map onto an item in place. This is
// the single merge function for item fields: each present key replaces the
// whole field, so when several queued edits touch overlapping fields the
// last applied edit wins per field. Unknown keys are ignored.
func ApplyItemChanges(item *CachedItem, changes map[string]any) {
	for field, value := range changes {
		switch field {
		case "sku":
			if v, ok := value.(string); ok {
				item.SKU = v
			}
		case "barcode":
			if v, ok := value.(string); ok {
				item.Barcode = v
			}
		case "name":
			if v, ok := value.(string); ok {
				item.Name = v
			}
		case "description":
			if v, ok := value.(string); ok {
				item.Description = v
			}
		case "categoryId":
			if v, ok := value.(string); ok {
				item.CategoryID = v
			}
		case "location":
			if v, ok := value.(string); ok {
				item.Location = v
			}
		case "quantity":
			if v, ok := asInt(value); ok {
				item.Quantity = v
			}
		case "minStock":
			if v, ok := asInt(value); ok {
				item.MinStock = v
			}
		case "maxStock":
			if v, ok := asInt(value); ok {
				item.MaxStock = v
			}
		}
	}
}

// asInt accepts the numeric representations a change map can carry: native
// ints from Go callers, float64 from decoded JSON.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// ItemFromData materializes a CachedItem from a create entry's field data.
func ItemFromData(id string, data map[string]any) CachedItem {
	item := CachedItem{ID: id}
	ApplyItemChanges(&item, data)
	return item
}
