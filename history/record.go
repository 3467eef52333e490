// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

// Package history holds the durable per-command status record: the
// aggregate that lifecycle events fold into, and the store contract it
// is read and written through. The record is partitioned into named
// fragments (core, status, audit, export destinations) so callers can
// fetch and persist only what they touch.
package history

import (
	"time"

	"github.com/mysoftskill/commandfeed/command"
)

// Fragments is a bitmask naming subsets of a Record that can be
// independently fetched and persisted.
type Fragments uint8

const (
	FragmentCore Fragments = 1 << iota
	FragmentStatus
	FragmentAudit
	FragmentExportDestinations

	FragmentNone Fragments = 0
	FragmentAll            = FragmentCore | FragmentStatus | FragmentAudit | FragmentExportDestinations
)

// Has reports whether all fragments in want are set.
func (f Fragments) Has(want Fragments) bool { return f&want == want }

// Core holds command-level metadata and the aggregate counters.
type Core struct {
	CommandType command.Type `json:"commandType"`
	SubjectType string       `json:"subjectType,omitempty"`

	CreatedTime            time.Time  `json:"createdTime"`
	AbsoluteExpirationTime time.Time  `json:"absoluteExpirationTime"`
	IsGloballyComplete     bool       `json:"isGloballyComplete"`
	CompletedTime          *time.Time `json:"completedTime,omitempty"`

	// FinalExportDestinationURI is where the finished export archive
	// is delivered. Empty for non-export commands.
	FinalExportDestinationURI string `json:"finalExportDestinationUri,omitempty"`

	// Aggregate counters. Recomputed from the status map after every
	// aggregation, never incremented ad hoc.
	TotalCommandCount     int64 `json:"totalCommandCount"`
	IngestedCommandCount  int64 `json:"ingestedCommandCount"`
	CompletedCommandCount int64 `json:"completedCommandCount"`
}

// GroupStatus is the per-(agent, asset group) execution status.
// Entries are created lazily on the first event for the key.
type GroupStatus struct {
	IngestionTime  *time.Time `json:"ingestionTime,omitempty"`
	CompletedTime  *time.Time `json:"completedTime,omitempty"`
	SoftDeleteTime *time.Time `json:"softDeleteTime,omitempty"`

	Delinked          bool     `json:"delinked"`
	ClaimedVariantIDs []string `json:"claimedVariantIds,omitempty"`
	ForceCompleted    bool     `json:"forceCompleted"`
	AffectedRows      int64    `json:"affectedRows"`
}

// IngestionStatus tracks how far a command got toward an agent.
type IngestionStatus string

const (
	IngestionStatusUnknown     IngestionStatus = ""
	IngestionStatusSentToAgent IngestionStatus = "sent-to-agent"
)

// AuditRecord is the ingestion-audit entry for one status key. Audit
// entries are seeded when the command is routed; the aggregator only
// repairs them defensively when they are missing.
type AuditRecord struct {
	IngestionStatus IngestionStatus `json:"ingestionStatus"`
}

// ExportDestination is the staging (or, for batch agents, final)
// location of one agent's export output.
type ExportDestination struct {
	DestinationURI  string `json:"destinationUri"`
	DestinationPath string `json:"destinationPath,omitempty"`
}

// Record is the aggregate root, one per command. The Version field is
// the opaque optimistic-concurrency token issued by the store: Replace
// fails with ErrConflict when it no longer matches.
//
// Fragments that were not requested on Query are nil, and nil maps
// must not be mutated; the aggregator requires all fragments.
type Record struct {
	CommandID command.CommandID

	Core               *Core
	StatusMap          map[command.StatusKey]*GroupStatus
	AuditMap           map[command.StatusKey]*AuditRecord
	ExportDestinations map[command.StatusKey]*ExportDestination

	Version int64
}

// HasFragments reports whether every fragment in want was loaded.
func (r *Record) HasFragments(want Fragments) bool {
	if want.Has(FragmentCore) && r.Core == nil {
		return false
	}
	if want.Has(FragmentStatus) && r.StatusMap == nil {
		return false
	}
	if want.Has(FragmentAudit) && r.AuditMap == nil {
		return false
	}
	if want.Has(FragmentExportDestinations) && r.ExportDestinations == nil {
		return false
	}
	return true
}

// RecomputeCounters derives the aggregate counters from the status
// map and returns FragmentCore if any of them changed.
func (r *Record) RecomputeCounters() Fragments {
	total := int64(len(r.StatusMap))
	var ingested, completed int64
	for _, status := range r.StatusMap {
		if status.IngestionTime != nil {
			ingested++
		}
		if status.CompletedTime != nil {
			completed++
		}
	}

	changed := FragmentNone
	if r.Core.TotalCommandCount != total {
		r.Core.TotalCommandCount = total
		changed |= FragmentCore
	}
	if r.Core.IngestedCommandCount != ingested {
		r.Core.IngestedCommandCount = ingested
		changed |= FragmentCore
	}
	if r.Core.CompletedCommandCount != completed {
		r.Core.CompletedCommandCount = completed
		changed |= FragmentCore
	}
	return changed
}

// LatestCompletedTime returns the maximum per-group completion time.
// Zero when no group has completed; the completion checker only calls
// this after verifying every group has a completion time.
func (r *Record) LatestCompletedTime() time.Time {
	var latest time.Time
	for _, status := range r.StatusMap {
		if status.CompletedTime != nil && status.CompletedTime.After(latest) {
			latest = *status.CompletedTime
		}
	}
	return latest
}
