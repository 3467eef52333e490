// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

// Package analytics is the append-only audit sink for operational
// rows the pipeline must account for later: today that is malware
// detections in export output, which replace file content and must be
// reportable per command and agent.
package analytics

import (
	"context"
	"time"

	"github.com/mysoftskill/commandfeed/command"
)

// MalwareDetection is one scanner hit in staged export output.
type MalwareDetection struct {
	DetectedAt    time.Time              `json:"detectedAt"`
	CommandID     command.CommandID      `json:"commandId"`
	AgentID       command.AgentID        `json:"agentId"`
	AssetGroupID  command.AssetGroupID   `json:"assetGroupId"`
	Path          string                 `json:"path"`
	ContentHash   string                 `json:"contentHash"`
	Determination string                 `json:"determination"`
}

// Sink records audit rows. Writes must be durable before returning;
// the archive builder reports a detection exactly once.
type Sink interface {
	WriteMalwareDetection(ctx context.Context, row *MalwareDetection) error
}
