// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mysoftskill/commandfeed/lib/clock"
	"github.com/mysoftskill/commandfeed/lib/sqlitepool"
)

type testPayload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestQueue(t *testing.T, clk clock.Clock) *SQLiteQueue[testPayload] {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "queue.db"),
		PoolSize: 2,
		Schema:   Schema,
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("closing pool: %v", err)
		}
	})
	return NewSQLiteQueue[testPayload](pool, "test", clk, nil)
}

func TestQueuePublishDequeueComplete(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	q := newTestQueue(t, clk)
	ctx := t.Context()

	if err := q.Publish(ctx, testPayload{Name: "first", Count: 1}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := q.Dequeue(ctx, time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if msg == nil {
		t.Fatal("dequeue returned nil for visible message")
	}
	if msg.Body.Name != "first" || msg.Body.Count != 1 {
		t.Fatalf("body = %+v, want {first 1}", msg.Body)
	}
	if msg.DequeueCount != 1 {
		t.Errorf("dequeue count = %d, want 1", msg.DequeueCount)
	}

	// Leased: nothing else is visible.
	if second, err := q.Dequeue(ctx, time.Minute); err != nil || second != nil {
		t.Fatalf("dequeue under lease = (%v, %v), want (nil, nil)", second, err)
	}

	if err := q.Complete(ctx, msg); err != nil {
		t.Fatalf("complete: %v", err)
	}
	n, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if n != 0 {
		t.Fatalf("pending after complete = %d, want 0", n)
	}
}

func TestQueueVisibilityDelay(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	q := newTestQueue(t, clk)
	ctx := t.Context()

	if err := q.Publish(ctx, testPayload{Name: "delayed"}, 10*time.Minute); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if msg, err := q.Dequeue(ctx, time.Minute); err != nil || msg != nil {
		t.Fatalf("dequeue before delay = (%v, %v), want (nil, nil)", msg, err)
	}

	clk.Advance(10 * time.Minute)
	msg, err := q.Dequeue(ctx, time.Minute)
	if err != nil {
		t.Fatalf("dequeue after delay: %v", err)
	}
	if msg == nil || msg.Body.Name != "delayed" {
		t.Fatalf("dequeue after delay = %+v, want delayed payload", msg)
	}
}

func TestQueueLeaseExpiryRedelivers(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	q := newTestQueue(t, clk)
	ctx := t.Context()

	if err := q.Publish(ctx, testPayload{Name: "stuck"}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	first, err := q.Dequeue(ctx, time.Minute)
	if err != nil || first == nil {
		t.Fatalf("first dequeue = (%v, %v)", first, err)
	}

	clk.Advance(2 * time.Minute)
	second, err := q.Dequeue(ctx, time.Minute)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if second == nil {
		t.Fatal("message not redelivered after lease expiry")
	}
	if second.DequeueCount != 2 {
		t.Errorf("dequeue count = %d, want 2", second.DequeueCount)
	}
}

func TestQueueLeaseExtend(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.Fake(start)
	q := newTestQueue(t, clk)
	ctx := t.Context()

	if err := q.Publish(ctx, testPayload{Name: "long"}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := q.Dequeue(ctx, time.Minute)
	if err != nil || msg == nil {
		t.Fatalf("dequeue = (%v, %v)", msg, err)
	}

	if got := msg.Lease.Remaining(clk.Now()); got != time.Minute {
		t.Fatalf("initial remaining = %v, want 1m", got)
	}

	clk.Advance(55 * time.Second)
	if err := msg.Lease.Extend(ctx, 30*time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if got := msg.Lease.Remaining(clk.Now()); got != 30*time.Minute {
		t.Fatalf("remaining after extend = %v, want 30m", got)
	}

	// The extended lease holds off redelivery.
	clk.Advance(5 * time.Minute)
	if again, err := q.Dequeue(ctx, time.Minute); err != nil || again != nil {
		t.Fatalf("dequeue under extended lease = (%v, %v), want (nil, nil)", again, err)
	}
}

func TestQueueAbandonRedeliversAfterDelay(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	q := newTestQueue(t, clk)
	ctx := t.Context()

	if err := q.Publish(ctx, testPayload{Name: "retry"}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := q.Dequeue(ctx, time.Minute)
	if err != nil || msg == nil {
		t.Fatalf("dequeue = (%v, %v)", msg, err)
	}
	if err := q.Abandon(ctx, msg, 5*time.Minute); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	if again, err := q.Dequeue(ctx, time.Minute); err != nil || again != nil {
		t.Fatalf("dequeue before retry delay = (%v, %v), want (nil, nil)", again, err)
	}

	clk.Advance(5 * time.Minute)
	again, err := q.Dequeue(ctx, time.Minute)
	if err != nil || again == nil {
		t.Fatalf("dequeue after retry delay = (%v, %v), want message", again, err)
	}
	if again.DequeueCount != 2 {
		t.Errorf("dequeue count = %d, want 2", again.DequeueCount)
	}
}
