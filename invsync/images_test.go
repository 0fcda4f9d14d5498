// Copyright 2025 Curious Hiba
// SPDX-License-Identifier: Apache-2.0

package invsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/curioushiba/warehouse-tracker-app-v2-sub001/syncstore"
)

func TestEnqueueImageStatuses(t *testing.T) {
	ctx := context.Background()
	q := newTestQueues(t)

	ready, err := q.EnqueueImage(ctx, "s1", []byte{1, 2}, "front.jpg", "image/jpeg", false)
	require.NoError(t, err)
	require.Equal(t, StatusPending, ready.Status)
	require.False(t, ready.IsOfflineItem)

	parked, err := q.EnqueueImage(ctx, "o1", []byte{3, 4}, "back.jpg", "image/jpeg", true)
	require.NoError(t, err)
	require.Equal(t, StatusWaitingForItem, parked.Status)
	require.True(t, parked.IsOfflineItem)

	_, err = q.EnqueueImage(ctx, "s1", nil, "empty.jpg", "image/jpeg", false)
	require.Error(t, err)
}

func TestUploadableExcludesWaitingForItem(t *testing.T) {
	ctx := context.Background()
	q := newTestQueues(t)

	ready, err := q.EnqueueImage(ctx, "s1", []byte{1}, "a.jpg", "image/jpeg", false)
	require.NoError(t, err)
	_, err = q.EnqueueImage(ctx, "o1", []byte{2}, "b.jpg", "image/jpeg", true)
	require.NoError(t, err)

	uploadable, err := q.UploadableImages(ctx)
	require.NoError(t, err)
	require.Len(t, uploadable, 1)
	require.Equal(t, ready.ID, uploadable[0].ID)
}

func TestTransitionWaitingToReady(t *testing.T) {
	ctx := context.Background()
	q := newTestQueues(t)

	first, err := q.EnqueueImage(ctx, "o1", []byte{1}, "a.jpg", "image/jpeg", true)
	require.NoError(t, err)
	second, err := q.EnqueueImage(ctx, "o1", []byte{2}, "b.jpg", "image/png", true)
	require.NoError(t, err)
	other, err := q.EnqueueImage(ctx, "o2", []byte{3}, "c.jpg", "image/jpeg", true)
	require.NoError(t, err)

	require.NoError(t, q.TransitionWaitingToReady(ctx, "o1"))

	for _, id := range []string{first.ID, second.ID} {
		img, _, err := syncstore.Get[PendingImage](ctx, q.Store(), CollPendingImages, id)
		require.NoError(t, err)
		require.Equal(t, StatusPending, img.Status)
		require.False(t, img.IsOfflineItem)
	}

	// Images for other items stay parked.
	img, _, err := syncstore.Get[PendingImage](ctx, q.Store(), CollPendingImages, other.ID)
	require.NoError(t, err)
	require.Equal(t, StatusWaitingForItem, img.Status)

	uploadable, err := q.UploadableImages(ctx)
	require.NoError(t, err)
	require.Len(t, uploadable, 2)
	require.Equal(t, first.ID, uploadable[0].ID, "released images keep FIFO order")
}

func TestImagePayloadSurvivesRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := newTestQueues(t)

	payload := []byte{0x89, 0x50, 0x4e, 0x47, 0x00, 0xff}
	img, err := q.EnqueueImage(ctx, "s1", payload, "logo.png", "image/png", false)
	require.NoError(t, err)

	got, _, err := syncstore.Get[PendingImage](ctx, q.Store(), CollPendingImages, img.ID)
	require.NoError(t, err)
	require.Equal(t, payload, got.Data)
	require.Equal(t, "image/png", got.MimeType)
}
