// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/mysoftskill/commandfeed/command"
	"github.com/mysoftskill/commandfeed/lib/sqlitepool"
)

// Schema is the command-history table. Each fragment is a JSON column
// so it can be read and written independently; version is the
// optimistic-concurrency token, bumped on every replace.
const Schema = `
CREATE TABLE IF NOT EXISTS command_history (
    command_id          TEXT PRIMARY KEY,
    core                TEXT NOT NULL,
    status_map          TEXT NOT NULL,
    audit_map           TEXT NOT NULL,
    export_destinations TEXT NOT NULL,
    version             INTEGER NOT NULL
) WITHOUT ROWID;
`

// SQLiteStore is the Store implementation backed by a sqlitepool.
type SQLiteStore struct {
	pool *sqlitepool.Pool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore wraps an open pool. The pool's Schema must include
// history.Schema.
func NewSQLiteStore(pool *sqlitepool.Pool) *SQLiteStore {
	return &SQLiteStore{pool: pool}
}

// fragmentColumns maps each fragment bit to its column, in a fixed
// order so generated SQL is deterministic.
var fragmentColumns = []struct {
	fragment Fragments
	column   string
}{
	{FragmentCore, "core"},
	{FragmentStatus, "status_map"},
	{FragmentAudit, "audit_map"},
	{FragmentExportDestinations, "export_destinations"},
}

// Query implements Store.
func (s *SQLiteStore) Query(ctx context.Context, commandID command.CommandID, fragments Fragments) (*Record, error) {
	if fragments == FragmentNone {
		return nil, fmt.Errorf("history: query with no fragments requested")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var columns []string
	for _, fc := range fragmentColumns {
		if fragments.Has(fc.fragment) {
			columns = append(columns, fc.column)
		}
	}

	query := fmt.Sprintf(
		"SELECT %s, version FROM command_history WHERE command_id = ?",
		strings.Join(columns, ", "))

	var record *Record
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{string(commandID)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			record = &Record{CommandID: commandID}
			for i, column := range columns {
				if err := decodeFragment(record, column, stmt.ColumnText(i)); err != nil {
					return err
				}
			}
			record.Version = stmt.ColumnInt64(len(columns))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("history: query %s: %w", commandID, err)
	}
	return record, nil
}

// Replace implements Store. Only the named fragments are written; the
// version check and bump happen in the same statement so a concurrent
// replace is detected as zero affected rows.
func (s *SQLiteStore) Replace(ctx context.Context, record *Record, fragments Fragments) error {
	if fragments == FragmentNone {
		return fmt.Errorf("history: replace with no fragments")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	var assignments []string
	var args []any
	for _, fc := range fragmentColumns {
		if !fragments.Has(fc.fragment) {
			continue
		}
		encoded, err := encodeFragment(record, fc.column)
		if err != nil {
			return err
		}
		assignments = append(assignments, fc.column+" = ?")
		args = append(args, encoded)
	}
	args = append(args, string(record.CommandID), record.Version)

	query := fmt.Sprintf(
		"UPDATE command_history SET %s, version = version + 1 WHERE command_id = ? AND version = ?",
		strings.Join(assignments, ", "))

	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return fmt.Errorf("history: replace %s: %w", record.CommandID, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("history: replace %s: %w", record.CommandID, ErrConflict)
	}
	record.Version++
	return nil
}

// Insert creates the root record. Record creation happens at command
// acceptance, outside the aggregation core; Insert exists for that
// path and for tests. Fails if the record already exists.
func (s *SQLiteStore) Insert(ctx context.Context, record *Record) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	args := []any{string(record.CommandID)}
	for _, fc := range fragmentColumns {
		encoded, err := encodeFragment(record, fc.column)
		if err != nil {
			return err
		}
		args = append(args, encoded)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO command_history
		 (command_id, core, status_map, audit_map, export_destinations, version)
		 VALUES (?, ?, ?, ?, ?, 1)`,
		&sqlitex.ExecOptions{Args: args})
	if err != nil {
		return fmt.Errorf("history: insert %s: %w", record.CommandID, err)
	}
	record.Version = 1
	return nil
}

// Delete removes an expired record. Used by the retention sweep, not
// by aggregation.
func (s *SQLiteStore) Delete(ctx context.Context, commandID command.CommandID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM command_history WHERE command_id = ?",
		&sqlitex.ExecOptions{Args: []any{string(commandID)}})
	if err != nil {
		return fmt.Errorf("history: delete %s: %w", commandID, err)
	}
	return nil
}

func encodeFragment(record *Record, column string) (string, error) {
	var value any
	switch column {
	case "core":
		value = record.Core
	case "status_map":
		value = record.StatusMap
	case "audit_map":
		value = record.AuditMap
	case "export_destinations":
		value = record.ExportDestinations
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("history: encoding %s for %s: %w", column, record.CommandID, err)
	}
	return string(encoded), nil
}

func decodeFragment(record *Record, column, data string) error {
	var err error
	switch column {
	case "core":
		record.Core = &Core{}
		err = json.Unmarshal([]byte(data), record.Core)
	case "status_map":
		record.StatusMap = map[command.StatusKey]*GroupStatus{}
		err = json.Unmarshal([]byte(data), &record.StatusMap)
	case "audit_map":
		record.AuditMap = map[command.StatusKey]*AuditRecord{}
		err = json.Unmarshal([]byte(data), &record.AuditMap)
	case "export_destinations":
		record.ExportDestinations = map[command.StatusKey]*ExportDestination{}
		err = json.Unmarshal([]byte(data), &record.ExportDestinations)
	}
	if err != nil {
		return fmt.Errorf("history: decoding %s for %s: %w", column, record.CommandID, err)
	}
	return nil
}
