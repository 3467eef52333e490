// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mysoftskill/commandfeed/command"
	"github.com/mysoftskill/commandfeed/history"
	"github.com/mysoftskill/commandfeed/lib/clock"
	"github.com/mysoftskill/commandfeed/queue"
)

// StatusBatch is the queued work item holding one command's buffered
// lifecycle events, partitioned by variant so the payload stays
// concrete on the wire. Oversized batches split in transit; each half
// is a valid batch on its own because folding is order independent,
// and for the same reason the processor does not need the original
// interleaving back.
type StatusBatch struct {
	CommandID   command.CommandID          `json:"commandId"`
	Started     []command.StartedEvent     `json:"started,omitempty"`
	Completed   []command.CompletedEvent   `json:"completed,omitempty"`
	SoftDeleted []command.SoftDeletedEvent `json:"softDeleted,omitempty"`
}

// NewStatusBatch partitions events into a batch. Every event must
// belong to commandID; variants the aggregator ignores are dropped.
func NewStatusBatch(commandID command.CommandID, events []command.LifecycleEvent) StatusBatch {
	batch := StatusBatch{CommandID: commandID}
	for _, event := range events {
		switch e := event.(type) {
		case *command.StartedEvent:
			batch.Started = append(batch.Started, *e)
		case *command.CompletedEvent:
			batch.Completed = append(batch.Completed, *e)
		case *command.SoftDeletedEvent:
			batch.SoftDeleted = append(batch.SoftDeleted, *e)
		}
	}
	return batch
}

// Events flattens the batch back into the tagged union for folding.
func (b StatusBatch) Events() []command.LifecycleEvent {
	events := make([]command.LifecycleEvent, 0, len(b.Started)+len(b.Completed)+len(b.SoftDeleted))
	for i := range b.Started {
		events = append(events, &b.Started[i])
	}
	for i := range b.Completed {
		events = append(events, &b.Completed[i])
	}
	for i := range b.SoftDeleted {
		events = append(events, &b.SoftDeleted[i])
	}
	return events
}

// BatchProcessorConfig tunes the batch processor.
type BatchProcessorConfig struct {
	// CommandTTL classifies a missing record: a command whose known
	// creation time is past the TTL has been expired and deleted, and
	// its straggler events are dropped. Default 30 days.
	CommandTTL time.Duration
}

func (c BatchProcessorConfig) withDefaults() BatchProcessorConfig {
	if c.CommandTTL <= 0 {
		c.CommandTTL = 30 * 24 * time.Hour
	}
	return c
}

// BatchProcessor folds queued status batches into the history store
// and schedules completion checks when a command's counts line up.
type BatchProcessor struct {
	store      history.Store
	completion queue.Publisher[CompletionCheck]
	clk        clock.Clock
	logger     *slog.Logger
	cfg        BatchProcessorConfig
}

var _ queue.Handler[StatusBatch] = (*BatchProcessor)(nil)

// NewBatchProcessor builds a processor. A nil logger discards.
func NewBatchProcessor(store history.Store, completion queue.Publisher[CompletionCheck], clk clock.Clock, logger *slog.Logger, cfg BatchProcessorConfig) *BatchProcessor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &BatchProcessor{
		store:      store,
		completion: completion,
		clk:        clk,
		logger:     logger,
		cfg:        cfg.withDefaults(),
	}
}

// Process implements queue.Handler.
func (p *BatchProcessor) Process(ctx context.Context, msg *queue.Message[StatusBatch]) queue.Result {
	batch := msg.Body
	logger := p.logger.With("command_id", batch.CommandID)

	events := batch.Events()
	if len(events) == 0 {
		return queue.Success()
	}

	record, err := p.store.Query(ctx, batch.CommandID, history.FragmentAll)
	if err != nil {
		logger.Error("loading record failed", "error", err)
		return queue.TransientFailure()
	}
	if record == nil {
		return p.missingRecord(batch.CommandID, events, logger)
	}

	agg := NewAggregator(record)
	agg.Apply(events)
	if agg.Anomalies() > 0 {
		logger.Warn("repaired audit entries for unrouted groups", "count", agg.Anomalies())
	}

	changed := agg.Changed()
	if changed == history.FragmentNone {
		// Replay of an already-applied batch.
		return queue.Success()
	}

	if err := p.store.Replace(ctx, record, changed); err != nil {
		if errors.Is(err, history.ErrConflict) {
			// Another worker updated the record; redeliver with
			// jitter so the batches stop colliding.
			return queue.TransientFailure()
		}
		// Anything but contention means the store itself is broken.
		// Retrying in place would drain batches into the poison drop.
		logger.Error("persisting record failed", "error", err)
		return queue.Fatal(fmt.Errorf("aggregation: persisting record for command %s: %w", batch.CommandID, err))
	}

	if agg.CompletionDue() {
		check := CompletionCheck{CommandID: batch.CommandID}
		if err := p.completion.Publish(ctx, check, 0); err != nil {
			// The record is saved; the periodic recheck will still
			// find the command, this just delays it.
			logger.Error("scheduling completion check failed", "error", err)
		} else {
			logger.Info("all groups complete, completion check scheduled",
				"total", record.Core.TotalCommandCount)
		}
	}
	return queue.Success()
}

// missingRecord decides what to do with events for a command the
// store has no record of. With no creation time to judge by, the
// command is presumed expired and the stragglers dropped. A known
// creation time past the TTL confirms expiry. A young command with no
// record is a data loss the pipeline cannot repair on its own.
func (p *BatchProcessor) missingRecord(commandID command.CommandID, events []command.LifecycleEvent, logger *slog.Logger) queue.Result {
	created := oldestKnownCreation(events)
	if created == nil {
		logger.Info("record not found and creation time unknown, presuming expired")
		return queue.Success()
	}
	if p.clk.Now().Sub(*created) > p.cfg.CommandTTL {
		logger.Info("dropping events for expired command", "created", *created)
		return queue.Success()
	}
	return queue.Fatal(fmt.Errorf("aggregation: no record for live command %s created %s", commandID, created.Format(time.RFC3339)))
}

func oldestKnownCreation(events []command.LifecycleEvent) *time.Time {
	var oldest *time.Time
	for _, event := range events {
		created := event.Meta().CommandCreationTime
		if created != nil && (oldest == nil || created.Before(*oldest)) {
			oldest = created
		}
	}
	return oldest
}
