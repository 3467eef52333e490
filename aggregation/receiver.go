// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

package aggregation

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mysoftskill/commandfeed/command"
	"github.com/mysoftskill/commandfeed/lib/clock"
	"github.com/mysoftskill/commandfeed/queue"
)

// Checkpointer commits the receiver's position in the upstream event
// stream. It is only invoked once every buffered event up to that
// position has been durably published.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// ReceiverConfig tunes the receiver.
type ReceiverConfig struct {
	// FlushInterval is the buffer poll cadence. Default 500ms.
	FlushInterval time.Duration

	// MaxBufferedEvents triggers an immediate flush when the buffer
	// grows past it. Default 1000.
	MaxBufferedEvents int

	// MaxEncodedBatchSize is the queue payload size above which a
	// command's batch splits. Default 64 KiB.
	MaxEncodedBatchSize int

	// PublishConcurrency bounds concurrent per-command publishes.
	// Default 4.
	PublishConcurrency int

	// SplitDelayStep spaces split batches out by tree position, plus
	// up to SplitDelayJitter of random slack so sibling batches do
	// not land on the same record simultaneously. Defaults 2s and 1s.
	SplitDelayStep   time.Duration
	SplitDelayJitter time.Duration

	// PublishBackoffMin/Max bound the jittered pause after a failed
	// publish, during which events stay buffered. Defaults 1s and 30s.
	PublishBackoffMin time.Duration
	PublishBackoffMax time.Duration

	// CheckpointThreshold and CheckpointInterval decide when to
	// commit the stream position: after that many published events or
	// that much elapsed time, whichever comes first. Defaults 5000
	// and 1m.
	CheckpointThreshold int
	CheckpointInterval  time.Duration
}

func (c ReceiverConfig) withDefaults() ReceiverConfig {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.MaxBufferedEvents <= 0 {
		c.MaxBufferedEvents = 1000
	}
	if c.MaxEncodedBatchSize <= 0 {
		c.MaxEncodedBatchSize = 64 << 10
	}
	if c.PublishConcurrency <= 0 {
		c.PublishConcurrency = 4
	}
	if c.SplitDelayStep <= 0 {
		c.SplitDelayStep = 2 * time.Second
	}
	if c.SplitDelayJitter <= 0 {
		c.SplitDelayJitter = time.Second
	}
	if c.PublishBackoffMin <= 0 {
		c.PublishBackoffMin = time.Second
	}
	if c.PublishBackoffMax <= c.PublishBackoffMin {
		c.PublishBackoffMax = c.PublishBackoffMin + 29*time.Second
	}
	if c.CheckpointThreshold <= 0 {
		c.CheckpointThreshold = 5000
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = time.Minute
	}
	return c
}

// Receiver buffers lifecycle events off the stream and publishes them
// to the batch queue grouped by command. Events that do not
// contribute to aggregation, and all age-out traffic, are dropped at
// intake. Failed publishes keep their events buffered and back off;
// the stream position is only checkpointed once the buffer has
// drained.
type Receiver struct {
	batches      queue.Publisher[StatusBatch]
	checkpointer Checkpointer
	clk          clock.Clock
	logger       *slog.Logger
	cfg          ReceiverConfig

	mu              sync.Mutex
	buffer          []command.LifecycleEvent
	sinceCheckpoint int

	notify chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReceiver builds a receiver. A nil logger discards.
func NewReceiver(batches queue.Publisher[StatusBatch], checkpointer Checkpointer, clk clock.Clock, logger *slog.Logger, cfg ReceiverConfig) *Receiver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Receiver{
		batches:      batches,
		checkpointer: checkpointer,
		clk:          clk,
		logger:       logger,
		cfg:          cfg.withDefaults(),
		notify:       make(chan struct{}, 1),
	}
}

// Enqueue buffers events for publishing. Returns the number of events
// kept after intake filtering. Safe for concurrent use.
func (r *Receiver) Enqueue(events []command.LifecycleEvent) int {
	kept := 0
	r.mu.Lock()
	for _, event := range events {
		if !isAggregatable(event) {
			continue
		}
		r.buffer = append(r.buffer, event)
		kept++
	}
	full := len(r.buffer) > r.cfg.MaxBufferedEvents
	r.mu.Unlock()

	if full {
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
	return kept
}

// Start launches the flush loop. Stop shuts it down after a final
// flush attempt.
func (r *Receiver) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		r.run(ctx)
	}()
}

// Stop stops the flush loop and waits for it to exit.
func (r *Receiver) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Receiver) run(ctx context.Context) {
	lastCheckpoint := r.clk.Now()
	var backoffUntil time.Time

	for {
		select {
		case <-ctx.Done():
			// Final drain with a background context so buffered
			// events are not lost on clean shutdown.
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			r.flush(flushCtx)
			cancel()
			return
		case <-r.notify:
		case <-r.clk.After(r.cfg.FlushInterval):
		}

		if r.clk.Now().Before(backoffUntil) {
			continue
		}

		if failed := r.flush(ctx); failed {
			backoff := r.cfg.PublishBackoffMin + rand.N(r.cfg.PublishBackoffMax-r.cfg.PublishBackoffMin)
			backoffUntil = r.clk.Now().Add(backoff)
			r.logger.Warn("publish failed, backing off", "backoff", backoff)
			continue
		}

		if r.shouldCheckpoint(lastCheckpoint) {
			if err := r.checkpointer.Checkpoint(ctx); err != nil {
				r.logger.Error("checkpoint failed", "error", err)
				continue
			}
			r.mu.Lock()
			r.sinceCheckpoint = 0
			r.mu.Unlock()
			lastCheckpoint = r.clk.Now()
		}
	}
}

// flush drains the buffer, publishing one split-capable batch per
// command. Events of groups that fail to publish are put back in the
// buffer. Returns whether any group failed.
func (r *Receiver) flush(ctx context.Context) (failed bool) {
	r.mu.Lock()
	buffered := r.buffer
	r.buffer = nil
	r.mu.Unlock()
	if len(buffered) == 0 {
		return false
	}

	groups := groupByCommand(buffered)

	var failedMu sync.Mutex
	var requeue []command.LifecycleEvent

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.PublishConcurrency)
	for _, group := range groups {
		g.Go(func() error {
			if err := r.publishGroup(gctx, group); err != nil {
				r.logger.Error("publishing batch failed",
					"command_id", group.commandID, "events", len(group.events), "error", err)
				failedMu.Lock()
				requeue = append(requeue, group.events...)
				failedMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	published := len(buffered) - len(requeue)
	r.mu.Lock()
	r.sinceCheckpoint += published
	if len(requeue) > 0 {
		r.buffer = append(requeue, r.buffer...)
	}
	r.mu.Unlock()
	return len(requeue) > 0
}

type commandGroup struct {
	commandID command.CommandID
	events    []command.LifecycleEvent
}

func groupByCommand(events []command.LifecycleEvent) []commandGroup {
	index := map[command.CommandID]int{}
	var groups []commandGroup
	for _, event := range events {
		id := event.Meta().CommandID
		i, ok := index[id]
		if !ok {
			i = len(groups)
			index[id] = i
			groups = append(groups, commandGroup{commandID: id})
		}
		groups[i].events = append(groups[i].events, event)
	}
	return groups
}

func (r *Receiver) publishGroup(ctx context.Context, group commandGroup) error {
	return queue.PublishWithSplit(ctx, r.batches, group.events,
		func(items []command.LifecycleEvent) StatusBatch {
			return NewStatusBatch(group.commandID, items)
		},
		r.cfg.MaxEncodedBatchSize,
		func(position int) time.Duration {
			if position == 0 {
				return 0
			}
			return time.Duration(position)*r.cfg.SplitDelayStep + rand.N(r.cfg.SplitDelayJitter)
		})
}

func (r *Receiver) shouldCheckpoint(last time.Time) bool {
	r.mu.Lock()
	pending := len(r.buffer)
	since := r.sinceCheckpoint
	r.mu.Unlock()

	if pending > 0 || since == 0 {
		return false
	}
	return since >= r.cfg.CheckpointThreshold ||
		r.clk.Now().Sub(last) >= r.cfg.CheckpointInterval
}

type intakeFilter struct{ keep bool }

func (f *intakeFilter) VisitStarted(*command.StartedEvent)         { f.keep = true }
func (f *intakeFilter) VisitCompleted(*command.CompletedEvent)     { f.keep = true }
func (f *intakeFilter) VisitSoftDeleted(*command.SoftDeletedEvent) { f.keep = true }

func (f *intakeFilter) VisitDropped(*command.DroppedEvent)                       {}
func (f *intakeFilter) VisitPending(*command.PendingEvent)                       {}
func (f *intakeFilter) VisitFailed(*command.FailedEvent)                         {}
func (f *intakeFilter) VisitUnexpected(*command.UnexpectedEvent)                 {}
func (f *intakeFilter) VisitVerificationFailed(*command.VerificationFailedEvent) {}
func (f *intakeFilter) VisitRawData(*command.RawDataEvent)                       {}
func (f *intakeFilter) VisitSentToAgent(*command.SentToAgentEvent)               {}

// isAggregatable reports whether an event contributes to status
// aggregation. Age-out commands are tracked elsewhere and their
// lifecycle traffic is dropped wholesale.
func isAggregatable(event command.LifecycleEvent) bool {
	if event.Meta().CommandType == command.TypeAgeOut {
		return false
	}
	var filter intakeFilter
	event.Accept(&filter)
	return filter.keep
}
