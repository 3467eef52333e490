// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

// Package expectations tracks export expectations: the out-of-band
// record of where each export command's results must land and whether
// that delivery has been satisfied. The completion checker gates
// export completion on these entries.
package expectations

import (
	"context"
	"sync"
	"time"

	"github.com/mysoftskill/commandfeed/command"
	"github.com/mysoftskill/commandfeed/lib/clock"
)

// Status is the delivery state of one expectation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Entry is the expectation for one (agent, asset group) of an export
// command: one entry per batch agent the export worker fans the
// command out to.
type Entry struct {
	CommandID    command.CommandID    `json:"commandId"`
	AgentID      command.AgentID      `json:"agentId"`
	AssetGroupID command.AssetGroupID `json:"assetGroupId"`
	Status       Status               `json:"status"`

	// FinalContainerURI is the destination container for the packaged
	// archive. Required once Status is completed.
	FinalContainerURI string `json:"finalContainerUri,omitempty"`

	// FinalDestinationPath is the archive blob path within the final
	// container. Empty means the archive lands at the container root
	// under its default name.
	FinalDestinationPath string `json:"finalDestinationPath,omitempty"`
}

// Key returns the (agent, asset group) status key for the entry.
func (e *Entry) Key() command.StatusKey {
	return command.StatusKey{AgentID: e.AgentID, AssetGroupID: e.AssetGroupID}
}

// Store reads and writes expectation state.
type Store interface {
	// QueryAll returns every per-group expectation recorded for
	// commandID. Empty when the expectation worker has not seen the
	// command.
	QueryAll(ctx context.Context, commandID command.CommandID) ([]Entry, error)

	// IsForceCompleted reports whether an operator has force-completed
	// the command, bypassing the expectation gate.
	IsForceCompleted(ctx context.Context, commandID command.CommandID) (bool, error)

	// LatestRunTime is when the expectation worker last finished a
	// pass. Zero when it has never run.
	LatestRunTime(ctx context.Context) (time.Time, error)
}

// RunTimeCache caches the expectation worker's latest run time. The
// completion checker compares it against command creation times on
// every check, and the underlying value only moves forward on the
// worker's cadence, so a stale read is harmless.
type RunTimeCache struct {
	store Store
	clk   clock.Clock
	ttl   time.Duration

	mu        sync.Mutex
	cached    time.Time
	refreshed time.Time
	valid     bool
}

// NewRunTimeCache wraps store. ttl <= 0 defaults to 2 hours.
func NewRunTimeCache(store Store, clk clock.Clock, ttl time.Duration) *RunTimeCache {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RunTimeCache{store: store, clk: clk, ttl: ttl}
}

// LatestRunTime returns the cached run time, refreshing it from the
// store when the cache entry is older than the TTL.
func (c *RunTimeCache) LatestRunTime(ctx context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	if c.valid && now.Sub(c.refreshed) < c.ttl {
		return c.cached, nil
	}

	runTime, err := c.store.LatestRunTime(ctx)
	if err != nil {
		return time.Time{}, err
	}
	c.cached = runTime
	c.refreshed = now
	c.valid = true
	return runTime, nil
}
