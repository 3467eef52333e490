// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mysoftskill/commandfeed/command"
	"github.com/mysoftskill/commandfeed/lib/clock"
)

// eventSink accepts parsed lifecycle events for aggregation.
type eventSink interface {
	Enqueue(events []command.LifecycleEvent) int
}

// eventFeed tails a drop directory of bulk lifecycle envelope files.
// Each *.json file holds one envelope; files are consumed in name
// order, so producers that name files by sequence number get ordered
// intake. A consumed file stays in place until the receiver
// checkpoints, then moves to the done subdirectory. Files that remain
// in the drop directory after a crash are simply re-read: batch
// processing is idempotent, so replays are safe.
type eventFeed struct {
	dir      string
	doneDir  string
	clk      clock.Clock
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	pending []string
	seen    map[string]bool
}

func newEventFeed(dir string, clk clock.Clock, logger *slog.Logger, interval time.Duration) *eventFeed {
	if interval <= 0 {
		interval = time.Second
	}
	return &eventFeed{
		dir:      dir,
		doneDir:  filepath.Join(dir, "done"),
		clk:      clk,
		logger:   logger.With("component", "feed"),
		interval: interval,
		seen:     make(map[string]bool),
	}
}

// Run scans the drop directory until ctx is cancelled.
func (f *eventFeed) Run(ctx context.Context, sink eventSink) error {
	if err := os.MkdirAll(f.doneDir, 0o755); err != nil {
		return fmt.Errorf("creating feed done directory: %w", err)
	}
	for {
		if err := f.scan(sink); err != nil {
			f.logger.Error("feed scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.clk.After(f.interval):
		}
	}
}

func (f *eventFeed) scan(sink eventSink) error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("reading feed directory: %w", err)
	}

	var names []string
	f.mu.Lock()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || f.seen[name] {
			continue
		}
		names = append(names, name)
	}
	f.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		f.consume(sink, name)
	}
	return nil
}

func (f *eventFeed) consume(sink eventSink, name string) {
	path := filepath.Join(f.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		f.logger.Error("reading envelope file failed", "file", name, "error", err)
		return
	}

	events, err := command.ParseBulk(data)
	if err != nil {
		// A file this worker cannot decode would otherwise be
		// retried forever. Set it aside for inspection.
		f.logger.Error("malformed envelope file, setting aside", "file", name, "error", err)
		if err := os.Rename(path, path+".malformed"); err != nil {
			f.logger.Error("setting aside malformed file failed", "file", name, "error", err)
		}
		return
	}

	kept := sink.Enqueue(events)
	f.logger.Debug("envelope file consumed", "file", name, "events", len(events), "aggregatable", kept)

	f.mu.Lock()
	f.seen[name] = true
	f.pending = append(f.pending, name)
	f.mu.Unlock()
}

// Checkpoint moves every consumed file whose events have been durably
// published into the done directory.
func (f *eventFeed) Checkpoint(ctx context.Context) error {
	f.mu.Lock()
	names := f.pending
	f.pending = nil
	f.mu.Unlock()

	for i, name := range names {
		if err := os.Rename(filepath.Join(f.dir, name), filepath.Join(f.doneDir, name)); err != nil {
			// Put the rest back so the next checkpoint retries them.
			f.mu.Lock()
			f.pending = append(names[i:], f.pending...)
			f.mu.Unlock()
			return fmt.Errorf("archiving envelope file %s: %w", name, err)
		}
		f.mu.Lock()
		delete(f.seen, name)
		f.mu.Unlock()
	}
	return nil
}
