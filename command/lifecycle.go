// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

package command

import "time"

// EventMeta carries the fields common to every lifecycle event.
type EventMeta struct {
	CommandID    CommandID    `json:"commandId"`
	AgentID      AgentID      `json:"agentId"`
	AssetGroupID AssetGroupID `json:"assetGroupId"`
	CommandType  Type         `json:"commandType"`
	Timestamp    time.Time    `json:"timestamp"`

	// CommandCreationTime is carried opportunistically: not every
	// event variant knows it. The batch processor uses it to classify
	// a missing status record as "expired" rather than "lost".
	CommandCreationTime *time.Time `json:"commandCreationTime,omitempty"`
}

// Meta returns the embedded metadata.
func (m EventMeta) Meta() EventMeta { return m }

// Key returns the (agent, asset group) status key for the event.
func (m EventMeta) Key() StatusKey {
	return StatusKey{AgentID: m.AgentID, AssetGroupID: m.AssetGroupID}
}

// LifecycleEvent is the tagged union of lifecycle notifications. Each
// variant dispatches itself to the matching Visitor method via Accept.
//
// The no-op variants are real types with explicit visitor arms, not a
// default fallthrough: adding a new variant without teaching every
// visitor about it fails at compile time.
type LifecycleEvent interface {
	Meta() EventMeta
	Accept(v Visitor)
}

// Visitor dispatches over every lifecycle event variant.
type Visitor interface {
	VisitStarted(*StartedEvent)
	VisitCompleted(*CompletedEvent)
	VisitSoftDeleted(*SoftDeletedEvent)
	VisitDropped(*DroppedEvent)
	VisitPending(*PendingEvent)
	VisitFailed(*FailedEvent)
	VisitUnexpected(*UnexpectedEvent)
	VisitVerificationFailed(*VerificationFailedEvent)
	VisitRawData(*RawDataEvent)
	VisitSentToAgent(*SentToAgentEvent)
}

// StartedEvent records that an agent began working on a command. For
// export commands it carries the staging destination the agent will
// write to and, when known, the final destination of the assembled
// archive.
type StartedEvent struct {
	EventMeta

	// FinalExportDestinationURI is the container the finished archive
	// is delivered to. Empty for non-export commands.
	FinalExportDestinationURI string `json:"finalExportDestinationUri,omitempty"`

	// ExportStagingDestinationURI is the container the agent stages
	// its export output in.
	ExportStagingDestinationURI string `json:"exportStagingDestinationUri,omitempty"`

	// ExportStagingPath is the path prefix within the staging
	// container.
	ExportStagingPath string `json:"exportStagingPath,omitempty"`
}

func (e *StartedEvent) Accept(v Visitor) { v.VisitStarted(e) }

// CompletedEvent records that an agent finished a command for one
// asset group.
type CompletedEvent struct {
	EventMeta

	AffectedRows      int64    `json:"affectedRows"`
	Delinked          bool     `json:"delinked"`
	ClaimedVariantIDs []string `json:"claimedVariantIds,omitempty"`
	ForceCompleted    bool     `json:"forceCompleted"`
}

func (e *CompletedEvent) Accept(v Visitor) { v.VisitCompleted(e) }

// SoftDeletedEvent records that an agent soft-deleted the subject's
// data for one asset group.
type SoftDeletedEvent struct {
	EventMeta
}

func (e *SoftDeletedEvent) Accept(v Visitor) { v.VisitSoftDeleted(e) }

// The remaining variants do not contribute to status aggregation but
// flow through the same stream; the receiver drops them at intake.

type DroppedEvent struct{ EventMeta }

func (e *DroppedEvent) Accept(v Visitor) { v.VisitDropped(e) }

type PendingEvent struct{ EventMeta }

func (e *PendingEvent) Accept(v Visitor) { v.VisitPending(e) }

type FailedEvent struct{ EventMeta }

func (e *FailedEvent) Accept(v Visitor) { v.VisitFailed(e) }

type UnexpectedEvent struct{ EventMeta }

func (e *UnexpectedEvent) Accept(v Visitor) { v.VisitUnexpected(e) }

type VerificationFailedEvent struct{ EventMeta }

func (e *VerificationFailedEvent) Accept(v Visitor) { v.VisitVerificationFailed(e) }

type RawDataEvent struct{ EventMeta }

func (e *RawDataEvent) Accept(v Visitor) { v.VisitRawData(e) }

type SentToAgentEvent struct{ EventMeta }

func (e *SentToAgentEvent) Accept(v Visitor) { v.VisitSentToAgent(e) }
