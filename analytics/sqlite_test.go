// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mysoftskill/commandfeed/command"
	"github.com/mysoftskill/commandfeed/lib/sqlitepool"
)

func TestSQLiteSinkRoundTrip(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "analytics.db"),
		PoolSize: 2,
		Schema:   Schema,
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("closing pool: %v", err)
		}
	})

	sink := NewSQLiteSink(pool)
	ctx := t.Context()
	commandID := command.NewCommandID()

	row := &MalwareDetection{
		DetectedAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		CommandID:     commandID,
		AgentID:       "agent-1",
		AssetGroupID:  "group-1",
		Path:          "agent-1/export.json",
		ContentHash:   "abc123",
		Determination: "Trojan:Test/Sample",
	}
	if err := sink.WriteMalwareDetection(ctx, row); err != nil {
		t.Fatalf("write: %v", err)
	}

	rows, err := sink.DetectionsForCommand(ctx, commandID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	got := rows[0]
	if got.Path != row.Path || got.Determination != row.Determination || got.ContentHash != row.ContentHash {
		t.Fatalf("row = %+v, want %+v", got, *row)
	}
	if !got.DetectedAt.Equal(row.DetectedAt) {
		t.Errorf("DetectedAt = %v, want %v", got.DetectedAt, row.DetectedAt)
	}

	other, err := sink.DetectionsForCommand(ctx, command.NewCommandID())
	if err != nil {
		t.Fatalf("read other: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("rows for other command = %v, want none", other)
	}
}
