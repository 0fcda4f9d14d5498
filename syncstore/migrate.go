// Copyright 2025 Curious Hiba
// SPDX-License-Identifier: Apache-2.0

package syncstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// Migration transforms stored data when the schema version advances.
// Collection tables and indexes themselves are created additively on every
// open; migrations exist for everything beyond that (backfills, re-keying).
//
// A migration that drops or re-keys records is a data-loss point and must
// say so in a comment at its definition site.
type Migration struct {
	Version int
	Apply   func(ctx context.Context, tx *sql.Tx) error
}

// OpenWithMigrations is Open plus a data-migration history. Migrations whose
// Version is greater than the stored schema version run in ascending order,
// each inside its own transaction; the stored version advances with each
// one. Opening an already-current store runs nothing.
func OpenWithMigrations(db *sql.DB, collections []Collection, migrations []Migration) (*Store, error) {
	s, err := Open(db, collections)
	if err != nil {
		return nil, err
	}
	if err := s.runMigrations(context.Background(), migrations); err != nil {
		return nil, err
	}
	return s, nil
}

// migrate creates collection tables and secondary indexes. Everything here
// is additive (IF NOT EXISTS), so it is safe to run on every open.
func (s *Store) migrate(ctx context.Context, collections []Collection) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range collections {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %q (
				key  TEXT PRIMARY KEY,
				data TEXT NOT NULL
			)`, tableName(c.Name)))
		if err != nil {
			return fmt.Errorf("failed to create collection %s: %w", c.Name, err)
		}

		for _, idx := range c.Indexes {
			unique := ""
			if idx.Unique {
				unique = "UNIQUE "
			}
			_, err := tx.ExecContext(ctx, fmt.Sprintf(
				`CREATE %sINDEX IF NOT EXISTS %q ON %q (json_extract(data, '$.%s'))`,
				unique, indexName(c.Name, idx.Name), tableName(c.Name), idx.Field))
			if err != nil {
				return fmt.Errorf("failed to create index %s on %s: %w", idx.Name, c.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema transaction: %w", err)
	}
	return nil
}

func (s *Store) runMigrations(ctx context.Context, migrations []Migration) error {
	if len(migrations) == 0 {
		return nil
	}

	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range sorted {
		if m.Version <= current {
			continue
		}
		s.logger.Info("running store migration", "from", current, "to", m.Version)

		s.writeMu.Lock()
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeMu.Unlock()
			return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
		}
		if err := m.Apply(ctx, tx); err != nil {
			tx.Rollback()
			s.writeMu.Unlock()
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		// PRAGMA does not support placeholders.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, m.Version)); err != nil {
			tx.Rollback()
			s.writeMu.Unlock()
			return fmt.Errorf("failed to set schema version %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			s.writeMu.Unlock()
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
		s.writeMu.Unlock()
		current = m.Version
	}
	return nil
}

// SchemaVersion returns the stored schema version (PRAGMA user_version).
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

func indexName(collection, index string) string {
	return "idx_" + collection + "_" + index
}
