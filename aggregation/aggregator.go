// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

// Package aggregation folds command lifecycle events into the durable
// per-command status record and drives completion from it: the
// receiver batches events off the stream, the batch processor applies
// them, and the completion checker finishes commands whose counts
// line up, packaging export archives on the way.
package aggregation

import (
	"time"

	"github.com/mysoftskill/commandfeed/command"
	"github.com/mysoftskill/commandfeed/history"
)

// Aggregator folds lifecycle events into one command's record. All
// folds are earliest-timestamp-wins on the per-group times, which
// makes application idempotent and order independent: replaying a
// batch, or applying two batches in either order, converges on the
// same record.
//
// The record must be loaded with all fragments.
type Aggregator struct {
	record    *history.Record
	changed   history.Fragments
	anomalies int
}

// NewAggregator wraps record for folding.
func NewAggregator(record *history.Record) *Aggregator {
	return &Aggregator{record: record}
}

// Apply folds the events, then recomputes the aggregate counters.
func (a *Aggregator) Apply(events []command.LifecycleEvent) {
	for _, event := range events {
		event.Accept(a)
	}
	a.changed |= a.record.RecomputeCounters()
}

// Changed reports which fragments the folds touched.
func (a *Aggregator) Changed() history.Fragments { return a.changed }

// Anomalies counts events that arrived for a group the routing audit
// never recorded. The aggregator repairs the audit entry but the
// count surfaces in logs.
func (a *Aggregator) Anomalies() int { return a.anomalies }

// CompletionDue reports whether every expected group has completed
// and the command has not been globally completed yet. The caller
// schedules a completion check when it flips true.
func (a *Aggregator) CompletionDue() bool {
	core := a.record.Core
	return !core.IsGloballyComplete &&
		core.TotalCommandCount > 0 &&
		core.CompletedCommandCount >= core.TotalCommandCount
}

// ensureStatus returns the group entry for the event's key, creating
// it on first sight.
func (a *Aggregator) ensureStatus(meta command.EventMeta) *history.GroupStatus {
	key := meta.Key()
	status, ok := a.record.StatusMap[key]
	if !ok {
		status = &history.GroupStatus{}
		a.record.StatusMap[key] = status
		a.changed |= history.FragmentStatus
	}
	return status
}

// markIngested applies the earliest-wins ingestion fold. Completed
// and soft-delete events imply the agent ingested the command even
// when the started event was lost, so all three visitors call this.
func (a *Aggregator) markIngested(status *history.GroupStatus, at time.Time) {
	if earlierThan(at, status.IngestionTime) {
		t := at
		status.IngestionTime = &t
		a.changed |= history.FragmentStatus
	}
}

// repairAudit backfills a missing routing-audit entry, or upgrades an
// entry the router left in a pre-delivery state. The router seeds
// these before events can flow, so a missing entry is an anomaly
// worth counting, but dropping the event over it would lose status.
func (a *Aggregator) repairAudit(key command.StatusKey) {
	if audit, ok := a.record.AuditMap[key]; ok {
		if audit.IngestionStatus != history.IngestionStatusSentToAgent {
			audit.IngestionStatus = history.IngestionStatusSentToAgent
			a.changed |= history.FragmentAudit
		}
		return
	}
	a.record.AuditMap[key] = &history.AuditRecord{
		IngestionStatus: history.IngestionStatusSentToAgent,
	}
	a.changed |= history.FragmentAudit
	a.anomalies++
}

// VisitStarted implements command.Visitor.
func (a *Aggregator) VisitStarted(e *command.StartedEvent) {
	status := a.ensureStatus(e.EventMeta)
	a.repairAudit(e.Key())
	a.markIngested(status, e.Timestamp)

	if e.CommandType == command.TypeExport && e.ExportStagingDestinationURI != "" {
		key := e.Key()
		if a.record.ExportDestinations[key] == nil {
			a.record.ExportDestinations[key] = &history.ExportDestination{
				DestinationURI:  e.ExportStagingDestinationURI,
				DestinationPath: e.ExportStagingPath,
			}
			a.changed |= history.FragmentExportDestinations
		}
	}
	if e.FinalExportDestinationURI != "" && a.record.Core.FinalExportDestinationURI != e.FinalExportDestinationURI {
		a.record.Core.FinalExportDestinationURI = e.FinalExportDestinationURI
		a.changed |= history.FragmentCore
	}
}

// VisitCompleted implements command.Visitor.
func (a *Aggregator) VisitCompleted(e *command.CompletedEvent) {
	// Another generation of agents publishes completion records with
	// a zero agent ID; those are not tracked here, and folding one
	// would fabricate a status entry no router ever assigned.
	if e.AgentID.IsZero() {
		return
	}
	status := a.ensureStatus(e.EventMeta)
	a.markIngested(status, e.Timestamp)
	if !earlierThan(e.Timestamp, status.CompletedTime) {
		return
	}
	t := e.Timestamp
	status.CompletedTime = &t
	status.AffectedRows = e.AffectedRows
	status.Delinked = e.Delinked
	status.ForceCompleted = e.ForceCompleted
	if len(e.ClaimedVariantIDs) > 0 {
		status.ClaimedVariantIDs = e.ClaimedVariantIDs
	}
	a.changed |= history.FragmentStatus
}

// VisitSoftDeleted implements command.Visitor.
func (a *Aggregator) VisitSoftDeleted(e *command.SoftDeletedEvent) {
	status := a.ensureStatus(e.EventMeta)
	a.markIngested(status, e.Timestamp)
	if earlierThan(e.Timestamp, status.SoftDeleteTime) {
		t := e.Timestamp
		status.SoftDeleteTime = &t
		a.changed |= history.FragmentStatus
	}
}

// The remaining variants never reach the aggregator in normal
// operation; the receiver filters them. They fold to nothing.

func (a *Aggregator) VisitDropped(*command.DroppedEvent)                       {}
func (a *Aggregator) VisitPending(*command.PendingEvent)                       {}
func (a *Aggregator) VisitFailed(*command.FailedEvent)                         {}
func (a *Aggregator) VisitUnexpected(*command.UnexpectedEvent)                 {}
func (a *Aggregator) VisitVerificationFailed(*command.VerificationFailedEvent) {}
func (a *Aggregator) VisitRawData(*command.RawDataEvent)                       {}
func (a *Aggregator) VisitSentToAgent(*command.SentToAgentEvent)               {}

func earlierThan(candidate time.Time, current *time.Time) bool {
	return current == nil || candidate.Before(*current)
}
