// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/mysoftskill/commandfeed/lib/clock"
)

// WorkerConfig tunes a worker loop. Zero values pick the defaults
// noted per field.
type WorkerConfig struct {
	// PollInterval is how long to sleep when the queue is empty.
	// Default 500ms.
	PollInterval time.Duration

	// LeaseDuration is the initial lease on each dequeued message.
	// Default 5m; long handlers extend through Message.Lease.
	LeaseDuration time.Duration

	// TransientBackoffMin/Max bound the random redelivery delay for
	// TransientFailure results. Defaults 5s and 60s.
	TransientBackoffMin time.Duration
	TransientBackoffMax time.Duration

	// MaxDequeueCount drops a message as poison once its dequeue
	// count exceeds this. Default 10.
	MaxDequeueCount int
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 5 * time.Minute
	}
	if c.TransientBackoffMin <= 0 {
		c.TransientBackoffMin = 5 * time.Second
	}
	if c.TransientBackoffMax <= c.TransientBackoffMin {
		c.TransientBackoffMax = c.TransientBackoffMin + 55*time.Second
	}
	if c.MaxDequeueCount <= 0 {
		c.MaxDequeueCount = 10
	}
	return c
}

// Worker drains one queue through one handler. Run several workers on
// the same queue for concurrency; the lease keeps them from double
// processing.
type Worker[T any] struct {
	queue   *SQLiteQueue[T]
	handler Handler[T]
	clk     clock.Clock
	logger  *slog.Logger
	cfg     WorkerConfig
}

// NewWorker builds a worker. A nil logger discards.
func NewWorker[T any](q *SQLiteQueue[T], handler Handler[T], clk clock.Clock, logger *slog.Logger, cfg WorkerConfig) *Worker[T] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worker[T]{
		queue:   q,
		handler: handler,
		clk:     clk,
		logger:  logger.With("queue", q.Name()),
		cfg:     cfg.withDefaults(),
	}
}

// Run processes messages until ctx is cancelled or a handler returns
// a fatal result. Returns ctx.Err() on cancellation, the fatal error
// otherwise.
func (w *Worker[T]) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := w.queue.Dequeue(ctx, w.cfg.LeaseDuration)
		if err != nil {
			w.logger.Error("dequeue failed", "error", err)
			msg = nil
		}
		if msg == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.clk.After(w.cfg.PollInterval):
			}
			continue
		}

		if err := w.processOne(ctx, msg); err != nil {
			return err
		}
	}
}

func (w *Worker[T]) processOne(ctx context.Context, msg *Message[T]) error {
	if msg.DequeueCount > w.cfg.MaxDequeueCount {
		w.logger.Error("dropping poison message",
			"dequeue_count", msg.DequeueCount,
			"max_dequeue_count", w.cfg.MaxDequeueCount)
		if err := w.queue.Complete(ctx, msg); err != nil {
			w.logger.Error("dropping poison message failed", "error", err)
		}
		return nil
	}

	result := w.handler.Process(ctx, msg)

	switch result.kind {
	case resultSuccess:
		if err := w.queue.Complete(ctx, msg); err != nil {
			w.logger.Error("completing message failed", "error", err)
		}
	case resultRetryAfter:
		if err := w.queue.Abandon(ctx, msg, result.delay); err != nil {
			w.logger.Error("abandoning message failed", "error", err)
		}
	case resultTransientFailure:
		delay := w.transientBackoff()
		w.logger.Warn("transient failure, backing off", "delay", delay)
		if err := w.queue.Abandon(ctx, msg, delay); err != nil {
			w.logger.Error("abandoning message failed", "error", err)
		}
	case resultFatal:
		w.logger.Error("fatal handler failure, stopping worker", "error", result.err)
		if err := w.queue.Abandon(ctx, msg, 0); err != nil {
			w.logger.Error("abandoning message failed", "error", err)
		}
		return result.err
	}
	return nil
}

func (w *Worker[T]) transientBackoff() time.Duration {
	span := w.cfg.TransientBackoffMax - w.cfg.TransientBackoffMin
	return w.cfg.TransientBackoffMin + rand.N(span)
}
