// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

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
CREATE TABLE IF NOT EXISTS malware_detections (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    detected_at    INTEGER NOT NULL,
    command_id     TEXT NOT NULL,
    agent_id       TEXT NOT NULL,
    asset_group_id TEXT NOT NULL,
    path           TEXT NOT NULL,
    content_hash   TEXT NOT NULL,
    determination  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS malware_detections_by_command
    ON malware_detections (command_id);
`

// SQLiteSink is the Sink implementation backed by a sqlitepool.
type SQLiteSink struct {
	pool *sqlitepool.Pool
}

var _ Sink = (*SQLiteSink)(nil)

func NewSQLiteSink(pool *sqlitepool.Pool) *SQLiteSink {
	return &SQLiteSink{pool: pool}
}

// WriteMalwareDetection implements Sink.
func (s *SQLiteSink) WriteMalwareDetection(ctx context.Context, row *MalwareDetection) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO malware_detections
		 (detected_at, command_id, agent_id, asset_group_id, path, content_hash, determination)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			row.DetectedAt.UnixMilli(),
			string(row.CommandID),
			string(row.AgentID),
			string(row.AssetGroupID),
			row.Path,
			row.ContentHash,
			row.Determination,
		}})
	if err != nil {
		return fmt.Errorf("analytics: writing malware detection for %s: %w", row.CommandID, err)
	}
	return nil
}

// DetectionsForCommand returns the recorded detections for one
// command, oldest first. Used by reporting and tests.
func (s *SQLiteSink) DetectionsForCommand(ctx context.Context, commandID command.CommandID) ([]MalwareDetection, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var rows []MalwareDetection
	err = sqlitex.Execute(conn,
		`SELECT detected_at, agent_id, asset_group_id, path, content_hash, determination
		 FROM malware_detections WHERE command_id = ? ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{string(commandID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, MalwareDetection{
					DetectedAt:    timeFromMillis(stmt.ColumnInt64(0)),
					CommandID:     commandID,
					AgentID:       command.AgentID(stmt.ColumnText(1)),
					AssetGroupID:  command.AssetGroupID(stmt.ColumnText(2)),
					Path:          stmt.ColumnText(3),
					ContentHash:   stmt.ColumnText(4),
					Determination: stmt.ColumnText(5),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("analytics: reading detections for %s: %w", commandID, err)
	}
	return rows, nil
}

func timeFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
