// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

package expectations

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/mysoftskill/commandfeed/command"
	"github.com/mysoftskill/commandfeed/lib/sqlitepool"
)

const Schema = `
CREATE TABLE IF NOT EXISTS export_expectations (
    command_id             TEXT NOT NULL,
    agent_id               TEXT NOT NULL,
    asset_group_id         TEXT NOT NULL,
    status                 TEXT NOT NULL,
    final_container_uri    TEXT NOT NULL DEFAULT '',
    final_destination_path TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (command_id, agent_id, asset_group_id)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS force_complete_markers (
    command_id TEXT PRIMARY KEY
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS expectation_worker_runs (
    id       INTEGER PRIMARY KEY CHECK (id = 1),
    run_time INTEGER NOT NULL
);
`

// SQLiteStore is the Store implementation backed by a sqlitepool. It
// also carries the write side used by the expectation worker and the
// operator tooling.
type SQLiteStore struct {
	pool *sqlitepool.Pool
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(pool *sqlitepool.Pool) *SQLiteStore {
	return &SQLiteStore{pool: pool}
}

// QueryAll implements Store. Entries come back in (agent, asset
// group) order so callers see a stable sequence.
func (s *SQLiteStore) QueryAll(ctx context.Context, commandID command.CommandID) ([]Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var entries []Entry
	err = sqlitex.Execute(conn,
		`SELECT agent_id, asset_group_id, status, final_container_uri, final_destination_path
		 FROM export_expectations WHERE command_id = ?
		 ORDER BY agent_id, asset_group_id`,
		&sqlitex.ExecOptions{
			Args: []any{string(commandID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, Entry{
					CommandID:            commandID,
					AgentID:              command.AgentID(stmt.ColumnText(0)),
					AssetGroupID:         command.AssetGroupID(stmt.ColumnText(1)),
					Status:               Status(stmt.ColumnText(2)),
					FinalContainerURI:    stmt.ColumnText(3),
					FinalDestinationPath: stmt.ColumnText(4),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("expectations: query %s: %w", commandID, err)
	}
	return entries, nil
}

// Upsert records or updates one per-group expectation.
func (s *SQLiteStore) Upsert(ctx context.Context, entry *Entry) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO export_expectations
		 (command_id, agent_id, asset_group_id, status, final_container_uri, final_destination_path)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (command_id, agent_id, asset_group_id) DO UPDATE SET
		     status = excluded.status,
		     final_container_uri = excluded.final_container_uri,
		     final_destination_path = excluded.final_destination_path`,
		&sqlitex.ExecOptions{Args: []any{
			string(entry.CommandID),
			string(entry.AgentID),
			string(entry.AssetGroupID),
			string(entry.Status),
			entry.FinalContainerURI,
			entry.FinalDestinationPath,
		}})
	if err != nil {
		return fmt.Errorf("expectations: upsert %s: %w", entry.CommandID, err)
	}
	return nil
}

// IsForceCompleted implements Store.
func (s *SQLiteStore) IsForceCompleted(ctx context.Context, commandID command.CommandID) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	var found bool
	err = sqlitex.Execute(conn,
		"SELECT 1 FROM force_complete_markers WHERE command_id = ?",
		&sqlitex.ExecOptions{
			Args:       []any{string(commandID)},
			ResultFunc: func(stmt *sqlite.Stmt) error { found = true; return nil },
		})
	if err != nil {
		return false, fmt.Errorf("expectations: force-complete lookup %s: %w", commandID, err)
	}
	return found, nil
}

// SetForceCompleted places the force-complete marker for a command.
// Idempotent. Operator tooling only.
func (s *SQLiteStore) SetForceCompleted(ctx context.Context, commandID command.CommandID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO force_complete_markers (command_id) VALUES (?) ON CONFLICT DO NOTHING",
		&sqlitex.ExecOptions{Args: []any{string(commandID)}})
	if err != nil {
		return fmt.Errorf("expectations: set force-complete %s: %w", commandID, err)
	}
	return nil
}

// LatestRunTime implements Store.
func (s *SQLiteStore) LatestRunTime(ctx context.Context) (time.Time, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return time.Time{}, err
	}
	defer s.pool.Put(conn)

	var runTime time.Time
	err = sqlitex.Execute(conn,
		"SELECT run_time FROM expectation_worker_runs WHERE id = 1",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				runTime = time.UnixMilli(stmt.ColumnInt64(0)).UTC()
				return nil
			},
		})
	if err != nil {
		return time.Time{}, fmt.Errorf("expectations: latest run time: %w", err)
	}
	return runTime, nil
}

// RecordRun stores the completion time of an expectation-worker pass.
func (s *SQLiteStore) RecordRun(ctx context.Context, runTime time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO expectation_worker_runs (id, run_time) VALUES (1, ?)
		 ON CONFLICT (id) DO UPDATE SET run_time = excluded.run_time`,
		&sqlitex.ExecOptions{Args: []any{runTime.UnixMilli()}})
	if err != nil {
		return fmt.Errorf("expectations: record run: %w", err)
	}
	return nil
}
