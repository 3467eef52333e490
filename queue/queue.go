// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue provides the durable work-item queues that drive the
// aggregation pipeline: batched status events and completion checks
// both travel as queue messages. Messages carry a visibility delay, a
// renewable processing lease, and a dequeue count; payloads are CBOR.
package queue

import (
	"context"
	"time"

	"github.com/mysoftskill/commandfeed/lib/codec"
)

// Publisher enqueues work items of one payload type.
type Publisher[T any] interface {
	// Publish enqueues body, invisible to consumers until delay has
	// elapsed. A zero delay makes it immediately visible.
	Publish(ctx context.Context, body T, delay time.Duration) error
}

// Lease is the processing lease on a dequeued message. Long-running
// handlers extend it to keep the message from being redelivered
// mid-processing.
type Lease interface {
	// Remaining reports how much lease time is left at now.
	Remaining(now time.Time) time.Duration

	// Extend pushes the lease expiry to now+d.
	Extend(ctx context.Context, d time.Duration) error
}

// Message is one dequeued work item.
type Message[T any] struct {
	Body         T
	DequeueCount int
	Lease        Lease
}

// Handler processes dequeued messages. The returned Result tells the
// worker loop what to do with the message.
type Handler[T any] interface {
	Process(ctx context.Context, msg *Message[T]) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[T any] func(ctx context.Context, msg *Message[T]) Result

func (f HandlerFunc[T]) Process(ctx context.Context, msg *Message[T]) Result {
	return f(ctx, msg)
}

type resultKind int

const (
	resultSuccess resultKind = iota
	resultRetryAfter
	resultTransientFailure
	resultFatal
)

// Result is a handler's verdict on a message.
type Result struct {
	kind  resultKind
	delay time.Duration
	err   error
}

// Success deletes the message.
func Success() Result { return Result{kind: resultSuccess} }

// RetryAfter redelivers the message after d.
func RetryAfter(d time.Duration) Result {
	return Result{kind: resultRetryAfter, delay: d}
}

// TransientFailure redelivers the message after a random backoff
// chosen by the worker. Used for contention (write conflicts) where a
// fixed retry interval would keep the colliding workers in lockstep.
func TransientFailure() Result { return Result{kind: resultTransientFailure} }

// Fatal stops the worker: the message is abandoned for redelivery and
// err propagates out of Run. Reserved for conditions that need
// operator attention (a broken store, an upstream contract violation)
// where retrying in place would silently drain messages into the
// poison drop.
func Fatal(err error) Result { return Result{kind: resultFatal, err: err} }

// Err returns the error of a fatal result, nil for any other kind.
func (r Result) Err() error { return r.err }

// PublishWithSplit publishes the work item built from items,
// recursively halving the item list whenever the encoded payload
// exceeds maxEncodedSize. Each publish carries a tree position: the
// root is 0 and a split at position p lands its halves at 2p+1 and
// 2p+2, so delay can spread the fan-out over time.
func PublishWithSplit[I, B any](
	ctx context.Context,
	pub Publisher[B],
	items []I,
	build func([]I) B,
	maxEncodedSize int,
	delay func(position int) time.Duration,
) error {
	if len(items) == 0 {
		return nil
	}
	return publishSplit(ctx, pub, items, build, maxEncodedSize, delay, 0)
}

func publishSplit[I, B any](
	ctx context.Context,
	pub Publisher[B],
	items []I,
	build func([]I) B,
	maxEncodedSize int,
	delay func(position int) time.Duration,
	position int,
) error {
	body := build(items)
	encoded, err := codec.Marshal(body)
	if err != nil {
		return err
	}
	if len(encoded) <= maxEncodedSize || len(items) <= 1 {
		return pub.Publish(ctx, body, delay(position))
	}

	mid := len(items) / 2
	if err := publishSplit(ctx, pub, items[:mid], build, maxEncodedSize, delay, 2*position+1); err != nil {
		return err
	}
	return publishSplit(ctx, pub, items[mid:], build, maxEncodedSize, delay, 2*position+2)
}
