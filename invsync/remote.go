// Copyright 2025 Curious Hiba
// SPDX-License-Identifier: Apache-2.0

package invsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// TokenFunc supplies the bearer token for remote calls. The session provider
// owning it is an external collaborator.
type TokenFunc func(ctx context.Context) (string, error)

// ConflictError reports an optimistic-concurrency mismatch: the submitted
// expectedVersion no longer matches the server's version. This is not a
// failure; the caller resolves it by resubmitting against ServerVersion.
type ConflictError struct {
	ServerVersion int64
	ServerValues  map[string]any
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: server version is %d", e.ServerVersion)
}

// PermanentError is a failure the server flags as non-retryable (validation
// rejection). The entry is dropped immediately instead of retried.
type PermanentError struct {
	Message string
}

func (e *PermanentError) Error() string {
	return "permanent rejection: " + e.Message
}

// Remote is the HTTP client for the collaborator-owned sync endpoints.
type Remote struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewRemote creates a remote API client. No request timeout is enforced at
// this layer beyond the transport's own.
func NewRemote(baseURL string, token TokenFunc) *Remote {
	return &Remote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 120 * time.Second},
		logger:  slog.Default(),
	}
}

// SetLogger replaces the logger.
func (r *Remote) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

type createItemRequest struct {
	ID              string         `json:"id"`
	ItemData        map[string]any `json:"itemData"`
	IdempotencyKey  string         `json:"idempotencyKey"`
	DeviceTimestamp time.Time      `json:"deviceTimestamp"`
}

type editItemRequest struct {
	ItemID          string         `json:"itemId"`
	Changes         map[string]any `json:"changes"`
	ExpectedVersion int64          `json:"expectedVersion"`
	IdempotencyKey  string         `json:"idempotencyKey"`
}

type archiveItemRequest struct {
	ItemID          string    `json:"itemId"`
	Action          string    `json:"action"`
	ExpectedVersion int64     `json:"expectedVersion"`
	IdempotencyKey  string    `json:"idempotencyKey"`
	DeviceTimestamp time.Time `json:"deviceTimestamp"`
}

type submitTransactionRequest struct {
	ID                    string    `json:"id"`
	TransactionType       string    `json:"transactionType"`
	ItemID                string    `json:"itemId"`
	Quantity              int       `json:"quantity"`
	Notes                 string    `json:"notes,omitempty"`
	SourceLocationID      string    `json:"sourceLocationId,omitempty"`
	DestinationLocationID string    `json:"destinationLocationId,omitempty"`
	DeviceTimestamp       time.Time `json:"deviceTimestamp"`
	UserID                string    `json:"userId"`
	IdempotencyKey        string    `json:"idempotencyKey"`
}

type syncErrorReport struct {
	TransactionData any    `json:"transactionData"`
	ErrorMessage    string `json:"errorMessage"`
}

// itemResponse is the shared wire shape of the item mutation endpoints.
type itemResponse struct {
	Item          *CachedItem    `json:"item,omitempty"`
	Conflict      bool           `json:"conflict,omitempty"`
	ServerVersion int64          `json:"serverVersion,omitempty"`
	ServerValues  map[string]any `json:"serverValues,omitempty"`
	Permanent     bool           `json:"permanent,omitempty"`
	Message       string         `json:"message,omitempty"`
}

// postJSON sends one JSON request and decodes the shared response shape,
// translating conflict and permanent-rejection bodies into typed errors.
func (r *Remote) postJSON(ctx context.Context, path string, body any) (*itemResponse, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", r.BaseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := r.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth token: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		var decoded itemResponse
		if len(respBody) > 0 {
			if err := json.Unmarshal(respBody, &decoded); err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		if decoded.Conflict {
			return nil, &ConflictError{ServerVersion: decoded.ServerVersion, ServerValues: decoded.ServerValues}
		}
		return &decoded, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var decoded itemResponse
		if len(respBody) > 0 && json.Unmarshal(respBody, &decoded) == nil && decoded.Permanent {
			return nil, &PermanentError{Message: decoded.Message}
		}
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))

	default:
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}
}

// CreateItem submits an offline-created item. The entry's client-generated
// id becomes the permanent server id.
func (r *Remote) CreateItem(ctx context.Context, entry QueuedItemCreate) (*CachedItem, error) {
	resp, err := r.postJSON(ctx, "/items/create", createItemRequest{
		ID:              entry.ID,
		ItemData:        entry.ItemData,
		IdempotencyKey:  entry.IdempotencyKey,
		DeviceTimestamp: entry.DeviceTimestamp,
	})
	if err != nil {
		return nil, err
	}
	return resp.Item, nil
}

// EditItem submits a partial item update. idempotencyKey is a parameter so
// a conflict resubmission can carry its derived key.
func (r *Remote) EditItem(ctx context.Context, itemID string, changes map[string]any, expectedVersion int64, idempotencyKey string) (*CachedItem, error) {
	resp, err := r.postJSON(ctx, "/items/edit", editItemRequest{
		ItemID:          itemID,
		Changes:         changes,
		ExpectedVersion: expectedVersion,
		IdempotencyKey:  idempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	return resp.Item, nil
}

// ArchiveItem submits an archive or restore.
func (r *Remote) ArchiveItem(ctx context.Context, entry QueuedItemArchive, expectedVersion int64, idempotencyKey string) (*CachedItem, error) {
	resp, err := r.postJSON(ctx, "/items/archive", archiveItemRequest{
		ItemID:          entry.ItemID,
		Action:          entry.Action,
		ExpectedVersion: expectedVersion,
		IdempotencyKey:  idempotencyKey,
		DeviceTimestamp: entry.DeviceTimestamp,
	})
	if err != nil {
		return nil, err
	}
	return resp.Item, nil
}

// SubmitTransaction submits a queued stock transaction.
func (r *Remote) SubmitTransaction(ctx context.Context, txn QueuedTransaction) error {
	_, err := r.postJSON(ctx, "/transactions/submit", submitTransactionRequest{
		ID:                    txn.ID,
		TransactionType:       txn.TransactionType,
		ItemID:                txn.ItemID,
		Quantity:              txn.Quantity,
		Notes:                 txn.Notes,
		SourceLocationID:      txn.SourceLocationID,
		DestinationLocationID: txn.DestinationLocationID,
		DeviceTimestamp:       txn.DeviceTimestamp,
		UserID:                txn.UserID,
		IdempotencyKey:        txn.IdempotencyKey,
	})
	return err
}

// UploadImage uploads one image payload as multipart form data.
func (r *Remote) UploadImage(ctx context.Context, img PendingImage) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename=%q`, img.Filename))
	if img.MimeType != "" {
		header.Set("Content-Type", img.MimeType)
	}
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create multipart field: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return fmt.Errorf("failed to write image payload: %w", err)
	}
	if err := writer.WriteField("itemId", img.ItemID); err != nil {
		return fmt.Errorf("failed to write itemId field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", r.BaseURL+"/items/upload-image", &buf)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	token, err := r.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			var decoded itemResponse
			if len(body) > 0 && json.Unmarshal(body, &decoded) == nil && decoded.Permanent {
				return &PermanentError{Message: decoded.Message}
			}
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// ReportSyncError posts a best-effort error report for a permanently
// dropped entry. Fire and forget: failures are logged, never propagated.
func (r *Remote) ReportSyncError(ctx context.Context, entry any, errMsg string) {
	jsonData, err := json.Marshal(syncErrorReport{TransactionData: entry, ErrorMessage: errMsg})
	if err != nil {
		r.logger.Warn("failed to marshal sync error report", "error", err)
		return
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", r.BaseURL+"/sync-errors", bytes.NewBuffer(jsonData))
	if err != nil {
		r.logger.Warn("failed to create sync error report request", "error", err)
		return
	}
	token, err := r.Token(ctx)
	if err != nil {
		r.logger.Warn("failed to get auth token for sync error report", "error", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		r.logger.Warn("failed to deliver sync error report", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.logger.Warn("sync error report rejected", "status", resp.StatusCode)
	}
}
