// Copyright 2025 Curious Hiba
// SPDX-License-Identifier: Apache-2.0

// Package syncstore provides the durable local store for the offline sync
// engine: named record collections persisted in a single SQLite database,
// with secondary lookup indexes over JSON fields and a versioned schema.
//
// Records are stored as JSON payloads keyed by a caller-supplied string key.
// Secondary indexes are SQLite expression indexes over json_extract, so
// lookups by indexed field value do not scan the collection.
package syncstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Index describes a secondary lookup index over one JSON field of a
// collection's records. Field is the bare JSON field name (not a path).
type Index struct {
	Name   string // index name used in GetAllByIndex calls, e.g. "by-item"
	Field  string // JSON field the index covers, e.g. "itemId"
	Unique bool
}

// Collection describes one named record collection.
type Collection struct {
	Name    string
	Indexes []Index
	// OrderField, when set, is the JSON field that GetAll and GetAllByIndex
	// order results by (ascending). The field must hold an RFC 3339
	// timestamp; queue collections set it to "createdAt" so listings come
	// back in FIFO replay order.
	OrderField string
}

// Store is a durable collection store backed by a single SQLite database.
// It is safe for concurrent use: reads go straight to SQLite (WAL mode),
// writes are serialized through a mutex and run inside transactions.
type Store struct {
	db     *sql.DB
	schema map[string]Collection
	logger *slog.Logger

	writeMu sync.Mutex // serialize writers to avoid SQLITE_BUSY churn
}

// Open initializes the store against db, creating collection tables and
// indexes and running any pending schema migrations. The db handle remains
// owned by the caller.
func Open(db *sql.DB, collections []Collection) (*Store, error) {
	if len(collections) == 0 {
		return nil, fmt.Errorf("at least one collection must be provided")
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	schema := make(map[string]Collection, len(collections))
	for _, c := range collections {
		schema[c.Name] = c
	}

	s := &Store{
		db:     db,
		schema: schema,
		logger: slog.Default(),
	}

	if err := s.migrate(context.Background(), collections); err != nil {
		return nil, fmt.Errorf("failed to migrate store schema: %w", err)
	}

	return s, nil
}

// SetLogger replaces the store's logger (defaults to slog.Default).
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// DB exposes the underlying database handle for callers that need raw
// access (tests, maintenance tooling).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) collection(name string) (Collection, error) {
	c, ok := s.schema[name]
	if !ok {
		return Collection{}, fmt.Errorf("unknown collection %q", name)
	}
	return c, nil
}

// Put inserts or replaces one record. The record must marshal to a JSON
// object; indexed fields are read from that object at query time.
func (s *Store) Put(ctx context.Context, collection, key string, record any) error {
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record for %s: %w", collection, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	// Upsert on the key only. INSERT OR REPLACE would also resolve unique
	// secondary-index collisions by deleting the other record; those must
	// surface as errors instead.
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %q (key, data) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET data = excluded.data`, tableName(c.Name)),
		key, string(data))
	if err != nil {
		return fmt.Errorf("failed to put record %s/%s: %w", collection, key, err)
	}
	return nil
}

// PutAll writes a batch of records in one transaction. Used for bulk cache
// refresh so readers never observe a half-written cache.
func (s *Store) PutAll(ctx context.Context, collection string, records map[string]any) error {
	c, err := s.collection(collection)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		fmt.Sprintf(`INSERT INTO %q (key, data) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET data = excluded.data`, tableName(c.Name)))
	if err != nil {
		return fmt.Errorf("failed to prepare batch statement: %w", err)
	}
	defer stmt.Close()

	for key, record := range records {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal record %s/%s: %w", collection, key, err)
		}
		if _, err := stmt.ExecContext(ctx, key, string(data)); err != nil {
			return fmt.Errorf("failed to put record %s/%s: %w", collection, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch transaction: %w", err)
	}
	return nil
}

// ReplaceAll atomically swaps a collection's contents for records. Readers
// see either the old cache or the new one, never a partial mix. Used when a
// server pull refreshes an entire cache collection.
func (s *Store) ReplaceAll(ctx context.Context, collection string, records map[string]any) error {
	c, err := s.collection(collection)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin replace transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %q`, tableName(c.Name))); err != nil {
		return fmt.Errorf("failed to clear %s for replace: %w", collection, err)
	}
	for key, record := range records {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal record %s/%s: %w", collection, key, err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %q (key, data) VALUES (?, ?)`, tableName(c.Name)),
			key, string(data)); err != nil {
			return fmt.Errorf("failed to put record %s/%s: %w", collection, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replace transaction: %w", err)
	}
	return nil
}

// GetRaw returns the raw JSON payload of one record, or found=false.
func (s *Store) GetRaw(ctx context.Context, collection, key string) (json.RawMessage, bool, error) {
	c, err := s.collection(collection)
	if err != nil {
		return nil, false, err
	}
	var data string
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %q WHERE key = ?`, tableName(c.Name)), key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get record %s/%s: %w", collection, key, err)
	}
	return json.RawMessage(data), true, nil
}

// Delete removes one record. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %q WHERE key = ?`, tableName(c.Name)), key); err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", collection, key, err)
	}
	return nil
}

// Count returns the number of records in a collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	c, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %q`, tableName(c.Name))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return n, nil
}

// Clear removes every record in a collection.
func (s *Store) Clear(ctx context.Context, collection string) error {
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %q`, tableName(c.Name))); err != nil {
		return fmt.Errorf("failed to clear %s: %w", collection, err)
	}
	return nil
}

// WithTx runs fn inside a single store transaction. Writes performed through
// tx become visible atomically at commit; concurrent readers keep seeing the
// pre-transaction snapshot (SQLite WAL isolation).
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) queryAll(ctx context.Context, c Collection, where string, args ...any) ([]json.RawMessage, error) {
	query := fmt.Sprintf(`SELECT data FROM %q`, tableName(c.Name))
	if where != "" {
		query += " WHERE " + where
	}
	if c.OrderField != "" {
		// RFC 3339 text is not lexically ordered across precisions ("...00Z"
		// sorts after "...00.5Z"), so normalize to a fixed-width form.
		// Equal-millisecond entries fall back to insertion order.
		query += fmt.Sprintf(
			` ORDER BY strftime('%%Y-%%m-%%dT%%H:%%M:%%f', json_extract(data, '$.%s')) ASC, rowid ASC`,
			c.OrderField)
	} else {
		query += " ORDER BY key ASC"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", c.Name, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", c.Name, err)
		}
		out = append(out, json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", c.Name, err)
	}
	return out, nil
}

// GetAllRaw returns every record payload in a collection, ordered by the
// collection's order field (or by key when none is declared).
func (s *Store) GetAllRaw(ctx context.Context, collection string) ([]json.RawMessage, error) {
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	return s.queryAll(ctx, c, "")
}

// GetAllByIndexRaw returns every record whose indexed field equals value.
func (s *Store) GetAllByIndexRaw(ctx context.Context, collection, index string, value any) ([]json.RawMessage, error) {
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	var field string
	for _, idx := range c.Indexes {
		if idx.Name == index {
			field = idx.Field
			break
		}
	}
	if field == "" {
		return nil, fmt.Errorf("unknown index %q on collection %q", index, collection)
	}
	return s.queryAll(ctx, c,
		fmt.Sprintf(`json_extract(data, '$.%s') = ?`, field), value)
}

// Get unmarshals one record into T.
func Get[T any](ctx context.Context, s *Store, collection, key string) (T, bool, error) {
	var rec T
	raw, found, err := s.GetRaw(ctx, collection, key)
	if err != nil || !found {
		return rec, found, err
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, false, fmt.Errorf("failed to unmarshal record %s/%s: %w", collection, key, err)
	}
	return rec, true, nil
}

// GetAll unmarshals every record in a collection into []T.
func GetAll[T any](ctx context.Context, s *Store, collection string) ([]T, error) {
	raws, err := s.GetAllRaw(ctx, collection)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](collection, raws)
}

// GetAllByIndex unmarshals every record whose indexed field equals value.
func GetAllByIndex[T any](ctx context.Context, s *Store, collection, index string, value any) ([]T, error) {
	raws, err := s.GetAllByIndexRaw(ctx, collection, index, value)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](collection, raws)
}

func decodeAll[T any](collection string, raws []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s record: %w", collection, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// tableName maps a collection name to its SQLite table name.
func tableName(collection string) string {
	return "col_" + collection
}
