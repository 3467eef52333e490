// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/mysoftskill/commandfeed/lib/clock"
	"github.com/mysoftskill/commandfeed/lib/codec"
	"github.com/mysoftskill/commandfeed/lib/sqlitepool"
)

// Schema is the shared message table. Multiple named queues live in
// one table; timestamps are unix milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS queue_messages (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    queue         TEXT    NOT NULL,
    body          BLOB    NOT NULL,
    visible_at    INTEGER NOT NULL,
    lease_expires INTEGER,
    dequeue_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS queue_messages_by_visibility
    ON queue_messages (queue, visible_at);
`

// SQLiteQueue is a durable FIFO-ish queue for one payload type.
// Redeliveries and visibility delays reorder messages, so consumers
// must not depend on strict ordering.
type SQLiteQueue[T any] struct {
	pool   *sqlitepool.Pool
	name   string
	clk    clock.Clock
	logger *slog.Logger
}

var _ Publisher[struct{}] = (*SQLiteQueue[struct{}])(nil)

// NewSQLiteQueue opens the named queue on pool. The pool's Schema
// must include queue.Schema. A nil logger discards.
func NewSQLiteQueue[T any](pool *sqlitepool.Pool, name string, clk clock.Clock, logger *slog.Logger) *SQLiteQueue[T] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SQLiteQueue[T]{pool: pool, name: name, clk: clk, logger: logger}
}

// Name returns the queue name.
func (q *SQLiteQueue[T]) Name() string { return q.name }

// Publish implements Publisher.
func (q *SQLiteQueue[T]) Publish(ctx context.Context, body T, delay time.Duration) error {
	encoded, err := codec.Marshal(body)
	if err != nil {
		return fmt.Errorf("queue %s: encoding message: %w", q.name, err)
	}

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer q.pool.Put(conn)

	visibleAt := q.clk.Now().Add(delay).UnixMilli()
	err = sqlitex.Execute(conn,
		"INSERT INTO queue_messages (queue, body, visible_at) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{q.name, encoded, visibleAt}})
	if err != nil {
		return fmt.Errorf("queue %s: publish: %w", q.name, err)
	}
	return nil
}

// Dequeue claims the next visible message and leases it for
// leaseDuration. Returns (nil, nil) when the queue has nothing
// visible; polling is the caller's concern.
func (q *SQLiteQueue[T]) Dequeue(ctx context.Context, leaseDuration time.Duration) (*Message[T], error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer q.pool.Put(conn)

	now := q.clk.Now()
	leaseExpires := now.Add(leaseDuration)

	var msg *Message[T]
	err = sqlitex.Execute(conn, `
		UPDATE queue_messages
		SET lease_expires = ?, dequeue_count = dequeue_count + 1
		WHERE id = (
			SELECT id FROM queue_messages
			WHERE queue = ? AND visible_at <= ?
			  AND (lease_expires IS NULL OR lease_expires <= ?)
			ORDER BY visible_at, id
			LIMIT 1
		)
		RETURNING id, body, dequeue_count`,
		&sqlitex.ExecOptions{
			Args: []any{leaseExpires.UnixMilli(), q.name, now.UnixMilli(), now.UnixMilli()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				body := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, body)
				msg = &Message[T]{
					DequeueCount: stmt.ColumnInt(2),
					Lease: &sqliteLease{
						queue:   q,
						id:      stmt.ColumnInt64(0),
						expires: leaseExpires,
					},
				}
				return codec.Unmarshal(body, &msg.Body)
			},
		})
	if err != nil {
		return nil, fmt.Errorf("queue %s: dequeue: %w", q.name, err)
	}
	return msg, nil
}

// Complete deletes a processed message.
func (q *SQLiteQueue[T]) Complete(ctx context.Context, msg *Message[T]) error {
	lease := msg.Lease.(*sqliteLease)

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer q.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM queue_messages WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{lease.id}})
	if err != nil {
		return fmt.Errorf("queue %s: complete: %w", q.name, err)
	}
	return nil
}

// Abandon releases a message for redelivery after delay.
func (q *SQLiteQueue[T]) Abandon(ctx context.Context, msg *Message[T], delay time.Duration) error {
	lease := msg.Lease.(*sqliteLease)

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer q.pool.Put(conn)

	visibleAt := q.clk.Now().Add(delay).UnixMilli()
	err = sqlitex.Execute(conn,
		"UPDATE queue_messages SET visible_at = ?, lease_expires = NULL WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{visibleAt, lease.id}})
	if err != nil {
		return fmt.Errorf("queue %s: abandon: %w", q.name, err)
	}
	return nil
}

// Pending counts messages in the queue, visible or not. For
// monitoring and tests.
func (q *SQLiteQueue[T]) Pending(ctx context.Context) (int64, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer q.pool.Put(conn)

	var n int64
	err = sqlitex.Execute(conn,
		"SELECT COUNT(*) FROM queue_messages WHERE queue = ?",
		&sqlitex.ExecOptions{
			Args:       []any{q.name},
			ResultFunc: func(stmt *sqlite.Stmt) error { n = stmt.ColumnInt64(0); return nil },
		})
	if err != nil {
		return 0, fmt.Errorf("queue %s: pending: %w", q.name, err)
	}
	return n, nil
}

type leaseExtender interface {
	extendLease(ctx context.Context, id int64, d time.Duration) (time.Time, error)
}

type sqliteLease struct {
	queue   leaseExtender
	id      int64
	expires time.Time
}

func (l *sqliteLease) Remaining(now time.Time) time.Duration {
	return l.expires.Sub(now)
}

func (l *sqliteLease) Extend(ctx context.Context, d time.Duration) error {
	expires, err := l.queue.extendLease(ctx, l.id, d)
	if err != nil {
		return err
	}
	l.expires = expires
	return nil
}

func (q *SQLiteQueue[T]) extendLease(ctx context.Context, id int64, d time.Duration) (time.Time, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return time.Time{}, err
	}
	defer q.pool.Put(conn)

	expires := q.clk.Now().Add(d)
	err = sqlitex.Execute(conn,
		"UPDATE queue_messages SET lease_expires = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{expires.UnixMilli(), id}})
	if err != nil {
		return time.Time{}, fmt.Errorf("queue %s: extend lease: %w", q.name, err)
	}
	if conn.Changes() == 0 {
		return time.Time{}, fmt.Errorf("queue %s: extend lease: message %d no longer exists", q.name, id)
	}
	return expires, nil
}
