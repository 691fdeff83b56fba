// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package postgres implements backend/kv.Store on top of
// github.com/lib/pq, grounded on
// efchatnet-efsec/backend/storage/postgres/store.go's transaction +
// "INSERT ... ON CONFLICT DO UPDATE" idiom, and its migrations.go's
// slice-of-DDL-strings Migrate() shape.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/zkrelay/relay/backend/kv"
)

// Store adapts a *sql.DB (opened with the "postgres" driver registered by
// github.com/lib/pq) to kv.Store, using a single kv_records table.
type Store struct {
	db *sql.DB
}

// New wraps an existing *sql.DB. Call Migrate once at startup.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the kv_records table if it does not already exist,
// following the teacher's Store.Migrate() pattern of a slice of
// idempotent DDL statements run in order.
func (s *Store) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS kv_records (
			key VARCHAR(64) PRIMARY KEY,
			value JSONB NOT NULL,
			version BIGINT NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_records_prefix ON kv_records (key)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_records_expires_at ON kv_records (expires_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (kv.Record, error) {
	var value json.RawMessage
	var version int64
	var expiresAt time.Time

	err := s.db.QueryRowContext(ctx, `
		SELECT value, version, expires_at FROM kv_records WHERE key = $1`, key).
		Scan(&value, &version, &expiresAt)
	if err == sql.ErrNoRows {
		return kv.Record{}, kv.ErrNotFound
	}
	if err != nil {
		return kv.Record{}, err
	}

	if time.Now().After(expiresAt) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv_records WHERE key = $1`, key)
		return kv.Record{}, kv.ErrNotFound
	}

	return kv.Record{Value: value, Version: version, ExpiresAt: expiresAt.UnixNano()}, nil
}

func (s *Store) Put(ctx context.Context, key string, rec kv.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_records (key, value, version, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET value = $2, version = $3, expires_at = $4`,
		key, rec.Value, rec.Version, expiresAtTime(rec.ExpiresAt))
	return err
}

// PutIfVersion implements the logical-level CAS by only updating a
// pre-existing row matching expectedVersion, or inserting a brand-new row
// when expectedVersion is 0 and the key does not yet exist.
func (s *Store) PutIfVersion(ctx context.Context, key string, rec kv.Record, expectedVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var currentVersion int64
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx, `SELECT version, expires_at FROM kv_records WHERE key = $1`, key).
		Scan(&currentVersion, &expiresAt)

	switch {
	case err == sql.ErrNoRows:
		if expectedVersion != 0 {
			return kv.ErrConflict
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv_records (key, value, version, expires_at)
			VALUES ($1, $2, $3, $4)`,
			key, rec.Value, rec.Version, expiresAtTime(rec.ExpiresAt)); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		rowVersion := currentVersion
		if time.Now().After(expiresAt) {
			currentVersion = 0 // treat a stale row as absent for CAS purposes
		}
		if currentVersion != expectedVersion {
			return kv.ErrConflict
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE kv_records SET value = $2, version = $3, expires_at = $4
			WHERE key = $1 AND version = $5`,
			key, rec.Value, rec.Version, expiresAtTime(rec.ExpiresAt), rowVersion)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return kv.ErrConflict
		}
	}

	return tx.Commit()
}

func (s *Store) Del(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_records WHERE key = $1`, key)
	return err
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM kv_records WHERE key LIKE $1 AND expires_at > now()`, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func expiresAtTime(unixNano int64) time.Time {
	if unixNano == 0 {
		return time.Now().Add(24 * time.Hour)
	}
	return time.Unix(0, unixNano)
}
