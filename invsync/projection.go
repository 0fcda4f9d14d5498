// Copyright 2025 Curious Hiba
// SPDX-License-Identifier: Apache-2.0

package invsync

import (
	"context"
)

// Projection is the "current truth" view the application reads:
// server-known items overlaid with not-yet-synced local mutations.
type Projection struct {
	// Items is the visible item list, offline-created items first.
	Items []CachedItem
	// PendingOperations maps item id to the operation tags affecting it
	// (offline, pending_edit, pending_archive, pending_restore).
	PendingOperations map[string][]string
	// OfflineItemIDs marks items that exist only in the create queue.
	OfflineItemIDs map[string]struct{}
}

// Project composes the overlay. It is a pure function over its inputs:
// given the same snapshot it returns identical output and mutates nothing.
//
// Composition order:
//  1. synthesize an item for every pending create (temp SKU, version 0);
//  2. offline items surface ahead of server items;
//  3. pending edits fold onto their item in creation order, later edits
//     winning per field;
//  4. only the latest archive/restore per item counts;
//  5. a pending archive hides an item the server still reports active, a
//     pending restore shows an item the server reports archived, otherwise
//     the item's own archived flag decides visibility.
func Project(serverItems []CachedItem, creates []QueuedItemCreate, edits []QueuedItemEdit, archives []QueuedItemArchive) Projection {
	proj := Projection{
		PendingOperations: make(map[string][]string),
		OfflineItemIDs:    make(map[string]struct{}),
	}

	combined := make([]CachedItem, 0, len(creates)+len(serverItems))
	for _, create := range creates {
		item := ItemFromData(create.ID, create.ItemData)
		item.SKU = create.TempSKU
		item.Version = 0
		item.IsArchived = false
		item.IsOfflineCreated = true
		item.UpdatedAt = create.CreatedAt
		combined = append(combined, item)
		proj.OfflineItemIDs[create.ID] = struct{}{}
		proj.PendingOperations[create.ID] = append(proj.PendingOperations[create.ID], OpOffline)
	}
	combined = append(combined, serverItems...)

	// Edits arrive in creation order; folding in that order makes the last
	// queued edit win for any overlapping field.
	editsByItem := make(map[string][]QueuedItemEdit)
	for _, edit := range edits {
		editsByItem[edit.ItemID] = append(editsByItem[edit.ItemID], edit)
	}
	for i := range combined {
		itemEdits, ok := editsByItem[combined[i].ID]
		if !ok {
			continue
		}
		for _, edit := range itemEdits {
			ApplyItemChanges(&combined[i], edit.Changes)
		}
		proj.PendingOperations[combined[i].ID] = append(proj.PendingOperations[combined[i].ID], OpPendingEdit)
	}

	// Latest archive/restore per item wins.
	latestArchive := make(map[string]QueuedItemArchive)
	for _, arch := range archives {
		prev, ok := latestArchive[arch.ItemID]
		if !ok || arch.CreatedAt.After(prev.CreatedAt) {
			latestArchive[arch.ItemID] = arch
		}
	}
	for itemID, arch := range latestArchive {
		tag := OpPendingArchive
		if arch.Action == ActionRestore {
			tag = OpPendingRestore
		}
		proj.PendingOperations[itemID] = append(proj.PendingOperations[itemID], tag)
	}

	proj.Items = make([]CachedItem, 0, len(combined))
	for _, item := range combined {
		visible := !item.IsArchived
		if arch, ok := latestArchive[item.ID]; ok {
			visible = arch.Action == ActionRestore
		}
		if visible {
			proj.Items = append(proj.Items, item)
		}
	}
	return proj
}

// ProjectPending reads the pending queues from the store and projects them
// over serverItems. The store is only read, never written.
func (q *Queues) ProjectPending(ctx context.Context, serverItems []CachedItem) (Projection, error) {
	creates, err := q.PendingCreates(ctx)
	if err != nil {
		return Projection{}, err
	}
	edits, err := q.PendingEdits(ctx)
	if err != nil {
		return Projection{}, err
	}
	archives, err := q.PendingArchives(ctx)
	if err != nil {
		return Projection{}, err
	}
	return Project(serverItems, creates, edits, archives), nil
}
