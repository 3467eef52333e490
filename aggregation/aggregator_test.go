// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

package aggregation

import (
	"testing"
	"time"

	"github.com/mysoftskill/commandfeed/command"
	"github.com/mysoftskill/commandfeed/history"
)

var testBase = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func meta(commandID command.CommandID, agent, group string, at time.Time) command.EventMeta {
	return command.EventMeta{
		CommandID:    commandID,
		AgentID:      command.AgentID(agent),
		AssetGroupID: command.AssetGroupID(group),
		CommandType:  command.TypeExport,
		Timestamp:    at,
	}
}

// emptyRecord returns a record seeded with audit entries for the
// given groups, the state the router leaves behind.
func emptyRecord(commandID command.CommandID, groups ...command.StatusKey) *history.Record {
	record := &history.Record{
		CommandID: commandID,
		Core: &history.Core{
			CommandType: command.TypeExport,
			CreatedTime: testBase.Add(-time.Hour),
		},
		StatusMap:          map[command.StatusKey]*history.GroupStatus{},
		AuditMap:           map[command.StatusKey]*history.AuditRecord{},
		ExportDestinations: map[command.StatusKey]*history.ExportDestination{},
	}
	for _, key := range groups {
		record.AuditMap[key] = &history.AuditRecord{
			IngestionStatus: history.IngestionStatusSentToAgent,
		}
	}
	return record
}

func TestAggregatorFoldsLifecycle(t *testing.T) {
	commandID := command.NewCommandID()
	key := command.StatusKey{AgentID: "a1", AssetGroupID: "g1"}
	record := emptyRecord(commandID, key)

	agg := NewAggregator(record)
	agg.Apply([]command.LifecycleEvent{
		&command.StartedEvent{
			EventMeta:                   meta(commandID, "a1", "g1", testBase),
			ExportStagingDestinationURI: "file:///staging/c1",
			ExportStagingPath:           "a1",
			FinalExportDestinationURI:   "file:///final/c1",
		},
		&command.CompletedEvent{
			EventMeta:    meta(commandID, "a1", "g1", testBase.Add(time.Hour)),
			AffectedRows: 12,
			Delinked:     true,
		},
	})

	status := record.StatusMap[key]
	if status == nil {
		t.Fatal("no status entry created")
	}
	if status.IngestionTime == nil || !status.IngestionTime.Equal(testBase) {
		t.Errorf("IngestionTime = %v, want %v", status.IngestionTime, testBase)
	}
	if status.CompletedTime == nil || !status.CompletedTime.Equal(testBase.Add(time.Hour)) {
		t.Errorf("CompletedTime = %v", status.CompletedTime)
	}
	if status.AffectedRows != 12 || !status.Delinked {
		t.Errorf("status = %+v", status)
	}

	dest := record.ExportDestinations[key]
	if dest == nil || dest.DestinationURI != "file:///staging/c1" || dest.DestinationPath != "a1" {
		t.Errorf("export destination = %+v", dest)
	}
	if record.Core.FinalExportDestinationURI != "file:///final/c1" {
		t.Errorf("final destination = %q", record.Core.FinalExportDestinationURI)
	}

	if record.Core.TotalCommandCount != 1 || record.Core.CompletedCommandCount != 1 {
		t.Errorf("counters = %+v", record.Core)
	}
	if !agg.CompletionDue() {
		t.Error("completion should be due")
	}
	if agg.Anomalies() != 0 {
		t.Errorf("anomalies = %d, want 0", agg.Anomalies())
	}
}

func TestAggregatorEarliestTimestampWins(t *testing.T) {
	commandID := command.NewCommandID()
	key := command.StatusKey{AgentID: "a1", AssetGroupID: "g1"}

	early := &command.CompletedEvent{EventMeta: meta(commandID, "a1", "g1", testBase), AffectedRows: 1}
	late := &command.CompletedEvent{EventMeta: meta(commandID, "a1", "g1", testBase.Add(time.Minute)), AffectedRows: 2}

	record := emptyRecord(commandID, key)
	NewAggregator(record).Apply([]command.LifecycleEvent{late, early})

	status := record.StatusMap[key]
	if !status.CompletedTime.Equal(testBase) {
		t.Errorf("CompletedTime = %v, want the earlier %v", status.CompletedTime, testBase)
	}
	if status.AffectedRows != 1 {
		t.Errorf("AffectedRows = %d, want the earlier event's 1", status.AffectedRows)
	}
}

func TestAggregatorIdempotentReplay(t *testing.T) {
	commandID := command.NewCommandID()
	key := command.StatusKey{AgentID: "a1", AssetGroupID: "g1"}
	events := []command.LifecycleEvent{
		&command.StartedEvent{EventMeta: meta(commandID, "a1", "g1", testBase)},
		&command.CompletedEvent{EventMeta: meta(commandID, "a1", "g1", testBase.Add(time.Hour))},
	}

	record := emptyRecord(commandID, key)
	NewAggregator(record).Apply(events)

	replay := NewAggregator(record)
	replay.Apply(events)
	if replay.Changed() != history.FragmentNone {
		t.Fatalf("replay changed %v, want nothing", replay.Changed())
	}
}

func TestAggregatorOrderIndependent(t *testing.T) {
	commandID := command.NewCommandID()
	k1 := command.StatusKey{AgentID: "a1", AssetGroupID: "g1"}
	k2 := command.StatusKey{AgentID: "a2", AssetGroupID: "g1"}
	events := []command.LifecycleEvent{
		&command.StartedEvent{EventMeta: meta(commandID, "a1", "g1", testBase)},
		&command.StartedEvent{EventMeta: meta(commandID, "a2", "g1", testBase.Add(time.Minute))},
		&command.CompletedEvent{EventMeta: meta(commandID, "a1", "g1", testBase.Add(time.Hour)), AffectedRows: 3},
		&command.SoftDeletedEvent{EventMeta: meta(commandID, "a2", "g1", testBase.Add(2 * time.Hour))},
	}

	forward := emptyRecord(commandID, k1, k2)
	NewAggregator(forward).Apply(events)

	reversed := make([]command.LifecycleEvent, len(events))
	for i, event := range events {
		reversed[len(events)-1-i] = event
	}
	backward := emptyRecord(commandID, k1, k2)
	NewAggregator(backward).Apply(reversed)

	for _, key := range []command.StatusKey{k1, k2} {
		f, b := forward.StatusMap[key], backward.StatusMap[key]
		if !timePtrEqual(f.IngestionTime, b.IngestionTime) ||
			!timePtrEqual(f.CompletedTime, b.CompletedTime) ||
			!timePtrEqual(f.SoftDeleteTime, b.SoftDeleteTime) ||
			f.AffectedRows != b.AffectedRows {
			t.Fatalf("order dependence at %v: %+v vs %+v", key, f, b)
		}
	}
	if *forward.Core != *backward.Core {
		t.Fatalf("cores diverge: %+v vs %+v", forward.Core, backward.Core)
	}
}

func TestAggregatorRepairsMissingAudit(t *testing.T) {
	commandID := command.NewCommandID()
	record := emptyRecord(commandID) // no audit seeded

	agg := NewAggregator(record)
	agg.Apply([]command.LifecycleEvent{
		&command.StartedEvent{EventMeta: meta(commandID, "a1", "g1", testBase)},
	})

	key := command.StatusKey{AgentID: "a1", AssetGroupID: "g1"}
	audit := record.AuditMap[key]
	if audit == nil || audit.IngestionStatus != history.IngestionStatusSentToAgent {
		t.Fatalf("audit = %+v, want repaired sent-to-agent entry", audit)
	}
	if agg.Anomalies() != 1 {
		t.Errorf("anomalies = %d, want 1", agg.Anomalies())
	}
	if !agg.Changed().Has(history.FragmentAudit) {
		t.Error("audit fragment not marked changed")
	}
}

func TestAggregatorCompletionNotDueUntilAllGroups(t *testing.T) {
	commandID := command.NewCommandID()
	k1 := command.StatusKey{AgentID: "a1", AssetGroupID: "g1"}
	k2 := command.StatusKey{AgentID: "a2", AssetGroupID: "g1"}

	record := emptyRecord(commandID, k1, k2)
	agg := NewAggregator(record)
	agg.Apply([]command.LifecycleEvent{
		&command.StartedEvent{EventMeta: meta(commandID, "a1", "g1", testBase)},
		&command.StartedEvent{EventMeta: meta(commandID, "a2", "g1", testBase)},
		&command.CompletedEvent{EventMeta: meta(commandID, "a1", "g1", testBase.Add(time.Hour))},
	})
	if agg.CompletionDue() {
		t.Fatal("completion due with one of two groups complete")
	}

	agg2 := NewAggregator(record)
	agg2.Apply([]command.LifecycleEvent{
		&command.CompletedEvent{EventMeta: meta(commandID, "a2", "g1", testBase.Add(2 * time.Hour))},
	})
	if !agg2.CompletionDue() {
		t.Fatal("completion not due with all groups complete")
	}

	// Completion is one way: once globally complete, no further
	// batch re-triggers it.
	record.Core.IsGloballyComplete = true
	agg3 := NewAggregator(record)
	agg3.Apply(nil)
	if agg3.CompletionDue() {
		t.Fatal("completion due on an already-complete command")
	}
}

func TestAggregatorCompletionImpliesIngestion(t *testing.T) {
	commandID := command.NewCommandID()
	k1 := command.StatusKey{AgentID: "a1", AssetGroupID: "g1"}
	k2 := command.StatusKey{AgentID: "a2", AssetGroupID: "g1"}
	record := emptyRecord(commandID, k1, k2)

	// No started events at all: the agent's completion and
	// soft-delete still prove it ingested the command.
	NewAggregator(record).Apply([]command.LifecycleEvent{
		&command.CompletedEvent{EventMeta: meta(commandID, "a1", "g1", testBase.Add(time.Hour))},
		&command.SoftDeletedEvent{EventMeta: meta(commandID, "a2", "g1", testBase.Add(2 * time.Hour))},
	})

	s1 := record.StatusMap[k1]
	if s1.IngestionTime == nil || !s1.IngestionTime.Equal(testBase.Add(time.Hour)) {
		t.Errorf("completed group IngestionTime = %v", s1.IngestionTime)
	}
	s2 := record.StatusMap[k2]
	if s2.IngestionTime == nil || !s2.IngestionTime.Equal(testBase.Add(2*time.Hour)) {
		t.Errorf("soft-deleted group IngestionTime = %v", s2.IngestionTime)
	}
	if record.Core.IngestedCommandCount != 2 {
		t.Errorf("IngestedCommandCount = %d, want 2", record.Core.IngestedCommandCount)
	}

	// An earlier started event still wins the fold.
	NewAggregator(record).Apply([]command.LifecycleEvent{
		&command.StartedEvent{EventMeta: meta(commandID, "a1", "g1", testBase)},
	})
	if !record.StatusMap[k1].IngestionTime.Equal(testBase) {
		t.Errorf("IngestionTime = %v, want earlier started time", record.StatusMap[k1].IngestionTime)
	}
}

func TestAggregatorIgnoresZeroAgentCompletion(t *testing.T) {
	commandID := command.NewCommandID()
	record := emptyRecord(commandID)

	NewAggregator(record).Apply([]command.LifecycleEvent{
		&command.CompletedEvent{EventMeta: meta(commandID, "", "g1", testBase)},
		&command.CompletedEvent{EventMeta: meta(commandID, "00000000-0000-0000-0000-000000000000", "g1", testBase)},
	})

	if len(record.StatusMap) != 0 {
		t.Fatalf("statusMap = %v, want no entries for zero agents", record.StatusMap)
	}
	if record.Core.TotalCommandCount != 0 || record.Core.CompletedCommandCount != 0 {
		t.Errorf("counters = %+v, want untouched", record.Core)
	}
}

func TestAggregatorUpdatesChangedFinalDestination(t *testing.T) {
	commandID := command.NewCommandID()
	key := command.StatusKey{AgentID: "a1", AssetGroupID: "g1"}
	record := emptyRecord(commandID, key)
	record.Core.FinalExportDestinationURI = "file:///final/old"

	agg := NewAggregator(record)
	agg.Apply([]command.LifecycleEvent{
		&command.StartedEvent{
			EventMeta:                 meta(commandID, "a1", "g1", testBase),
			FinalExportDestinationURI: "file:///final/new",
		},
	})

	if record.Core.FinalExportDestinationURI != "file:///final/new" {
		t.Errorf("final destination = %q, want replaced", record.Core.FinalExportDestinationURI)
	}
	if !agg.Changed().Has(history.FragmentCore) {
		t.Error("core fragment not marked changed")
	}
}

func TestAggregatorUpgradesStaleAuditOnStarted(t *testing.T) {
	commandID := command.NewCommandID()
	key := command.StatusKey{AgentID: "a1", AssetGroupID: "g1"}
	record := emptyRecord(commandID)
	record.AuditMap[key] = &history.AuditRecord{IngestionStatus: "queued"}

	agg := NewAggregator(record)
	agg.Apply([]command.LifecycleEvent{
		&command.StartedEvent{EventMeta: meta(commandID, "a1", "g1", testBase)},
	})

	if record.AuditMap[key].IngestionStatus != history.IngestionStatusSentToAgent {
		t.Errorf("audit status = %q, want upgraded", record.AuditMap[key].IngestionStatus)
	}
	// Upgrading an existing entry is routine, not an anomaly.
	if agg.Anomalies() != 0 {
		t.Errorf("anomalies = %d, want 0", agg.Anomalies())
	}
	if !agg.Changed().Has(history.FragmentAudit) {
		t.Error("audit fragment not marked changed")
	}
}

func TestAggregatorKeepsFirstStagingDestination(t *testing.T) {
	commandID := command.NewCommandID()
	key := command.StatusKey{AgentID: "a1", AssetGroupID: "g1"}
	record := emptyRecord(commandID, key)

	NewAggregator(record).Apply([]command.LifecycleEvent{
		&command.StartedEvent{
			EventMeta:                   meta(commandID, "a1", "g1", testBase),
			ExportStagingDestinationURI: "file:///staging/first",
			ExportStagingPath:           "a1",
		},
		&command.StartedEvent{
			EventMeta:                   meta(commandID, "a1", "g1", testBase.Add(time.Minute)),
			ExportStagingDestinationURI: "file:///staging/second",
			ExportStagingPath:           "a1",
		},
	})

	if dest := record.ExportDestinations[key]; dest.DestinationURI != "file:///staging/first" {
		t.Errorf("destination = %q, want the first staging URI kept", dest.DestinationURI)
	}

	// Staging destinations are an export concern; a delete command's
	// started event never records one.
	deleteMeta := meta(commandID, "a2", "g1", testBase)
	deleteMeta.CommandType = command.TypeDelete
	NewAggregator(record).Apply([]command.LifecycleEvent{
		&command.StartedEvent{
			EventMeta:                   deleteMeta,
			ExportStagingDestinationURI: "file:///staging/stray",
		},
	})
	if _, ok := record.ExportDestinations[command.StatusKey{AgentID: "a2", AssetGroupID: "g1"}]; ok {
		t.Error("non-export started event recorded a staging destination")
	}
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
