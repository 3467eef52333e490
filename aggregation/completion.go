// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mysoftskill/commandfeed/blob"
	"github.com/mysoftskill/commandfeed/command"
	"github.com/mysoftskill/commandfeed/expectations"
	"github.com/mysoftskill/commandfeed/export"
	"github.com/mysoftskill/commandfeed/history"
	"github.com/mysoftskill/commandfeed/lib/clock"
	"github.com/mysoftskill/commandfeed/queue"
)

// CompletionCheck is the queued request to decide whether a command
// can be globally completed.
type CompletionCheck struct {
	CommandID command.CommandID `json:"commandId"`
}

// RunTimeProvider reports when the expectation worker last ran.
// Satisfied by expectations.Store and by expectations.RunTimeCache.
type RunTimeProvider interface {
	LatestRunTime(ctx context.Context) (time.Time, error)
}

// CompletionConfig tunes the completion checker.
type CompletionConfig struct {
	// RecheckInterval is the redelivery delay when a command is not
	// ready to complete yet. Default 24h.
	RecheckInterval time.Duration

	// HeartbeatInterval is how often the lease keeper wakes during an
	// archive build. Default 1m.
	HeartbeatInterval time.Duration

	// LeaseExtension is the renewal granted when the lease runs low.
	// Default 30m.
	LeaseExtension time.Duration

	// LeaseLowWater is the remaining-lease threshold that triggers a
	// renewal. Default 5m.
	LeaseLowWater time.Duration

	// SkipExpectationCheck disables the export expectation gate:
	// export commands complete on agent status alone, and delivery
	// uses the destinations the agents reported. Escape hatch for
	// environments without an expectation worker.
	SkipExpectationCheck bool
}

func (c CompletionConfig) withDefaults() CompletionConfig {
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = 24 * time.Hour
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Minute
	}
	if c.LeaseExtension <= 0 {
		c.LeaseExtension = 30 * time.Minute
	}
	if c.LeaseLowWater <= 0 {
		c.LeaseLowWater = 5 * time.Minute
	}
	return c
}

// CompletionChecker decides global completion for one command at a
// time. Export commands additionally gate on their export
// expectation and get their archive packaged and delivered before the
// completion is persisted, so a command is never marked complete with
// an undelivered archive.
type CompletionChecker struct {
	store        history.Store
	expectations expectations.Store
	runTimes     RunTimeProvider
	blobs        blob.Service
	archive      *export.Builder
	clk          clock.Clock
	logger       *slog.Logger
	cfg          CompletionConfig
}

var _ queue.Handler[CompletionCheck] = (*CompletionChecker)(nil)

// NewCompletionChecker builds a checker. runTimes is typically an
// expectations.RunTimeCache over the same store. A nil logger
// discards.
func NewCompletionChecker(
	store history.Store,
	exp expectations.Store,
	runTimes RunTimeProvider,
	blobs blob.Service,
	archive *export.Builder,
	clk clock.Clock,
	logger *slog.Logger,
	cfg CompletionConfig,
) *CompletionChecker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CompletionChecker{
		store:        store,
		expectations: exp,
		runTimes:     runTimes,
		blobs:        blobs,
		archive:      archive,
		clk:          clk,
		logger:       logger,
		cfg:          cfg.withDefaults(),
	}
}

// Process implements queue.Handler.
func (c *CompletionChecker) Process(ctx context.Context, msg *queue.Message[CompletionCheck]) queue.Result {
	commandID := msg.Body.CommandID
	logger := c.logger.With("command_id", commandID)

	record, err := c.store.Query(ctx, commandID, history.FragmentAll)
	if err != nil {
		logger.Error("loading record failed", "error", err)
		return queue.TransientFailure()
	}
	if record == nil {
		// Expired and cleaned up; nothing left to complete.
		logger.Info("record not found, dropping completion check")
		return queue.Success()
	}
	if record.Core.IsGloballyComplete {
		return queue.Success()
	}
	if record.Core.TotalCommandCount == 0 ||
		record.Core.CompletedCommandCount < record.Core.TotalCommandCount {
		logger.Info("command not complete yet, rescheduling",
			"completed", record.Core.CompletedCommandCount,
			"total", record.Core.TotalCommandCount)
		return queue.RetryAfter(c.cfg.RecheckInterval)
	}
	if !anyIngested(record) {
		// Every group reports completed but none ever confirmed
		// ingestion: the agents never saw the command, so the
		// completions are another generation's. Wait for real
		// ingestion confirmations.
		logger.Info("no group has confirmed ingestion, rescheduling")
		return queue.RetryAfter(c.cfg.RecheckInterval)
	}

	finalURI := record.Core.FinalExportDestinationURI
	finalPath := ""
	changed := history.FragmentNone
	if record.Core.CommandType == command.TypeExport {
		if !c.cfg.SkipExpectationCheck {
			gate, result, ready := c.gateOnExpectations(ctx, record, logger)
			if !ready {
				return result
			}
			if gate.finalURI != "" {
				finalURI = gate.finalURI
				finalPath = gate.finalPath
			}
			changed |= gate.changed
		}

		if finalURI != "" {
			if result, ok := c.deliverArchive(ctx, msg, record, finalURI, finalPath, logger); !ok {
				return result
			}
		} else {
			// No destination means nothing was staged for delivery;
			// force-completed commands land here.
			logger.Warn("export completing without a final destination")
		}
	}

	now := c.clk.Now()
	record.Core.IsGloballyComplete = true
	record.Core.CompletedTime = &now
	if finalURI != "" {
		record.Core.FinalExportDestinationURI = finalURI
	}

	if err := c.store.Replace(ctx, record, history.FragmentCore|changed); err != nil {
		if errors.Is(err, history.ErrConflict) {
			return queue.TransientFailure()
		}
		return queue.Fatal(fmt.Errorf("aggregation: persisting completion for command %s: %w", commandID, err))
	}

	logger.Info("command globally complete",
		"completed_time", now,
		"groups", record.Core.TotalCommandCount)
	return queue.Success()
}

func anyIngested(record *history.Record) bool {
	for _, status := range record.StatusMap {
		if status.IngestionTime != nil {
			return true
		}
	}
	return false
}

// exportGate is the outcome of a passed expectation gate: the
// delivery destination and any record fragments the gate filled in.
type exportGate struct {
	finalURI  string
	finalPath string
	changed   history.Fragments
}

// gateOnExpectations applies the export gate across every
// (agent, asset group) expectation recorded for the command. Returns
// ready=true when completion may proceed; otherwise the queue.Result
// to return.
func (c *CompletionChecker) gateOnExpectations(ctx context.Context, record *history.Record, logger *slog.Logger) (exportGate, queue.Result, bool) {
	forced, err := c.expectations.IsForceCompleted(ctx, record.CommandID)
	if err != nil {
		logger.Error("force-complete lookup failed", "error", err)
		return exportGate{}, queue.TransientFailure(), false
	}

	entries, err := c.expectations.QueryAll(ctx, record.CommandID)
	if err != nil {
		logger.Error("expectation lookup failed", "error", err)
		return exportGate{}, queue.TransientFailure(), false
	}

	if forced {
		logger.Warn("expectation gate bypassed by force-complete marker")
	} else {
		if len(entries) == 0 {
			runTime, err := c.runTimes.LatestRunTime(ctx)
			if err != nil {
				logger.Error("expectation run-time lookup failed", "error", err)
				return exportGate{}, queue.TransientFailure(), false
			}
			if runTime.Before(record.Core.CreatedTime) {
				// The expectation worker has not examined this
				// command yet; its expectations may still appear.
				logger.Info("expectation worker has not run since command creation, rescheduling")
				return exportGate{}, queue.RetryAfter(c.cfg.RecheckInterval), false
			}
			logger.Error("no expectation recorded after worker pass, rescheduling")
			return exportGate{}, queue.RetryAfter(c.cfg.RecheckInterval), false
		}
		for _, entry := range entries {
			if entry.Status != expectations.StatusCompleted {
				logger.Info("export expectation still pending, rescheduling",
					"agent_id", entry.AgentID, "asset_group_id", entry.AssetGroupID)
				return exportGate{}, queue.RetryAfter(c.cfg.RecheckInterval), false
			}
			if entry.FinalContainerURI == "" {
				return exportGate{}, queue.Fatal(fmt.Errorf(
					"aggregation: completed expectation for command %s agent %s has no container",
					record.CommandID, entry.AgentID)), false
			}
		}
	}

	// Completed expectations are the authoritative staging locations.
	// Fill in any the agents never reported so the archive covers
	// every group's output.
	gate := exportGate{}
	for i := range entries {
		entry := &entries[i]
		if entry.Status != expectations.StatusCompleted || entry.FinalContainerURI == "" {
			continue
		}
		if gate.finalURI == "" {
			gate.finalURI = entry.FinalContainerURI
			gate.finalPath = entry.FinalDestinationPath
		}
		key := entry.Key()
		if record.ExportDestinations[key] == nil {
			record.ExportDestinations[key] = &history.ExportDestination{
				DestinationURI:  entry.FinalContainerURI,
				DestinationPath: entry.FinalDestinationPath,
			}
			gate.changed |= history.FragmentExportDestinations
		}
	}
	return gate, queue.Result{}, true
}

// deliverArchive packages and delivers the export archive, keeping
// the message lease alive for the duration, then removes the staged
// output. Returns ok=false with the result to surface on failure.
func (c *CompletionChecker) deliverArchive(ctx context.Context, msg *queue.Message[CompletionCheck], record *history.Record, finalURI, finalPath string, logger *slog.Logger) (queue.Result, bool) {
	sources := stagedSources(record)

	buildCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	keeperDone := make(chan struct{})
	go func() {
		defer close(keeperDone)
		c.keepLease(buildCtx, msg.Lease, cancel, logger)
	}()

	referenceTime := record.LatestCompletedTime()
	if referenceTime.IsZero() {
		referenceTime = c.clk.Now()
	}
	_, err := c.archive.Build(buildCtx, export.BuildRequest{
		CommandID:            record.CommandID,
		Sources:              sources,
		FinalContainerURI:    finalURI,
		FinalDestinationPath: finalPath,
		SubjectType:          record.Core.SubjectType,
		ReferenceTime:        referenceTime,
	})
	cancel()
	<-keeperDone
	if err != nil {
		logger.Error("archive build failed", "error", err)
		return queue.TransientFailure(), false
	}

	// Staged output is no longer needed once the archive is
	// delivered. Only managed staging is ours to clean; anything the
	// agent wrote elsewhere stays put. Cleanup failures are retried
	// on the next pass via the delivered-archive short circuit.
	for _, source := range sources {
		if !c.blobs.IsManaged(source.ContainerURI) {
			continue
		}
		container, err := c.blobs.Container(source.ContainerURI)
		if err != nil {
			logger.Warn("staging cleanup failed", "container", source.ContainerURI, "error", err)
			continue
		}
		if err := container.DeleteTree(ctx, source.PathPrefix); err != nil {
			logger.Warn("staging cleanup failed", "container", source.ContainerURI, "error", err)
		}
	}
	return queue.Result{}, true
}

// keepLease renews the message lease while an archive build runs. A
// single failed renewal is retried on the next tick; the build is
// cancelled only once the lease has actually dropped below the low
//-water mark with no successful renewal, since losing the lease means
// another worker may pick the message up.
func (c *CompletionChecker) keepLease(ctx context.Context, lease queue.Lease, cancel context.CancelFunc, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clk.After(c.cfg.HeartbeatInterval):
		}

		remaining := lease.Remaining(c.clk.Now())
		if remaining >= c.cfg.LeaseLowWater {
			continue
		}
		if err := lease.Extend(ctx, c.cfg.LeaseExtension); err != nil {
			if remaining <= 0 {
				logger.Error("message lease lost during archive build, cancelling", "error", err)
				cancel()
				return
			}
			logger.Warn("lease renewal failed, will retry", "error", err, "remaining", remaining)
		}
	}
}

// stagedSources maps the record's export destinations to archive
// sources, sorted by status key for deterministic packaging.
func stagedSources(record *history.Record) []export.Source {
	keys := make([]command.StatusKey, 0, len(record.ExportDestinations))
	for key := range record.ExportDestinations {
		keys = append(keys, key)
	}
	sortStatusKeys(keys)

	sources := make([]export.Source, 0, len(keys))
	for _, key := range keys {
		dest := record.ExportDestinations[key]
		sources = append(sources, export.Source{
			AgentID:      key.AgentID,
			AssetGroupID: key.AssetGroupID,
			ContainerURI: dest.DestinationURI,
			PathPrefix:   dest.DestinationPath,
		})
	}
	return sources
}

func sortStatusKeys(keys []command.StatusKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}
