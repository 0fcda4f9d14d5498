// Copyright 2025 Curious Hiba
// SPDX-License-Identifier: Apache-2.0

package invsync

import (
	"context"
	"fmt"

	"github.com/curioushiba/warehouse-tracker-app-v2-sub001/syncstore"
)

// EnqueueImage queues a binary payload for upload. When the owning item is
// still offline-only the entry starts in waiting_for_item and is skipped by
// sync passes until TransitionWaitingToReady releases it.
func (q *Queues) EnqueueImage(ctx context.Context, itemID string, data []byte, filename, mimeType string, isOfflineItem bool) (PendingImage, error) {
	if len(data) == 0 {
		return PendingImage{}, fmt.Errorf("image payload must not be empty")
	}
	status := StatusPending
	if isOfflineItem {
		status = StatusWaitingForItem
	}
	img := PendingImage{
		ID:            q.newID(),
		ItemID:        itemID,
		IsOfflineItem: isOfflineItem,
		Data:          data,
		Filename:      filename,
		MimeType:      mimeType,
		Status:        status,
		CreatedAt:     q.now().UTC(),
	}
	if err := q.store.Put(ctx, CollPendingImages, img.ID, img); err != nil {
		return PendingImage{}, err
	}
	return img, nil
}

// TransitionWaitingToReady releases every waiting_for_item image for an
// item, flipping it to pending. Called exactly once, immediately after the
// item's create entry succeeds server-side.
func (q *Queues) TransitionWaitingToReady(ctx context.Context, itemID string) error {
	images, err := syncstore.GetAllByIndex[PendingImage](ctx, q.store, CollPendingImages, IdxByItem, itemID)
	if err != nil {
		return err
	}
	for _, img := range images {
		if img.Status != StatusWaitingForItem {
			continue
		}
		img.Status = StatusPending
		img.IsOfflineItem = false
		if err := q.store.Put(ctx, CollPendingImages, img.ID, img); err != nil {
			return fmt.Errorf("failed to release waiting image %s: %w", img.ID, err)
		}
	}
	return nil
}

// UploadableImages lists images awaiting upload in FIFO order. Entries in
// waiting_for_item are excluded by construction: attempting one before its
// item exists server-side is a contract violation, not a retryable failure.
func (q *Queues) UploadableImages(ctx context.Context) ([]PendingImage, error) {
	return listPending[PendingImage](ctx, q.store, CollPendingImages)
}
