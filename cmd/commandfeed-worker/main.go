// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

// commandfeed-worker runs the command-completion pipeline: it tails a
// drop directory of lifecycle event envelopes, aggregates them into
// per-command history records, and delivers export archives once
// commands complete.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/mysoftskill/commandfeed/aggregation"
	"github.com/mysoftskill/commandfeed/analytics"
	"github.com/mysoftskill/commandfeed/blob"
	"github.com/mysoftskill/commandfeed/expectations"
	"github.com/mysoftskill/commandfeed/export"
	"github.com/mysoftskill/commandfeed/history"
	"github.com/mysoftskill/commandfeed/lib/clock"
	"github.com/mysoftskill/commandfeed/lib/config"
	"github.com/mysoftskill/commandfeed/lib/sqlitepool"
	"github.com/mysoftskill/commandfeed/queue"
)

const (
	batchQueueName      = "status-batches"
	completionQueueName = "completion-checks"

	defaultBatchWorkers      = 4
	defaultCompletionWorkers = 2
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "commandfeed-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		environment string
		logLevel    string
	)
	pflag.StringVar(&configPath, "config", "/etc/commandfeed/worker.yaml", "path to the worker configuration file")
	pflag.StringVar(&environment, "environment", "", "configuration environment overlay to apply")
	pflag.StringVar(&logLevel, "log-level", "", "override the configured log level")
	pflag.Parse()

	cfg, err := config.Load(configPath, environment)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	openPool := func(name, schema string) (*sqlitepool.Pool, error) {
		return sqlitepool.Open(sqlitepool.Config{
			Path:   filepath.Join(cfg.DataDir, name),
			Logger: logger,
			Schema: schema,
		})
	}

	historyPool, err := openPool("history.db", history.Schema)
	if err != nil {
		return err
	}
	defer historyPool.Close()

	queuePool, err := openPool("queue.db", queue.Schema)
	if err != nil {
		return err
	}
	defer queuePool.Close()

	expectationsPool, err := openPool("expectations.db", expectations.Schema)
	if err != nil {
		return err
	}
	defer expectationsPool.Close()

	analyticsPool, err := openPool("analytics.db", analytics.Schema)
	if err != nil {
		return err
	}
	defer analyticsPool.Close()

	historyStore := history.NewSQLiteStore(historyPool)
	expectationStore := expectations.NewSQLiteStore(expectationsPool)
	analyticsSink := analytics.NewSQLiteSink(analyticsPool)

	batchQueue := queue.NewSQLiteQueue[aggregation.StatusBatch](queuePool, batchQueueName, clk, logger)
	completionQueue := queue.NewSQLiteQueue[aggregation.CompletionCheck](queuePool, completionQueueName, clk, logger)

	blobs := &blob.FSService{ManagedRoot: cfg.Storage.ManagedRoot}

	var scanner export.Scanner = export.NopScanner{}
	if cfg.Archive.ScanServiceURL != "" {
		scanner = &export.HTTPScanner{BaseURL: cfg.Archive.ScanServiceURL, Logger: logger}
	} else {
		logger.Warn("no scan service configured, archive entries will not be scanned")
	}

	builder := &export.Builder{
		Blobs:     blobs,
		Scanner:   scanner,
		Analytics: analyticsSink,
		Paths:     export.NewPathMapper(cfg.Archive.ProductPaths),
		Clock:     clk,
		Logger:    logger,
		Config:    export.BuilderConfig{TranscodeCSV: cfg.Archive.TranscodeCSV},
	}

	batchProcessor := aggregation.NewBatchProcessor(historyStore, completionQueue, clk, logger, aggregation.BatchProcessorConfig{
		CommandTTL: cfg.Batch.CommandTTL.Std(),
	})

	runTimes := expectations.NewRunTimeCache(expectationStore, clk, 0)
	completionChecker := aggregation.NewCompletionChecker(historyStore, expectationStore, runTimes, blobs, builder, clk, logger, aggregation.CompletionConfig{
		RecheckInterval:      cfg.Completion.RecheckInterval.Std(),
		HeartbeatInterval:    cfg.Completion.HeartbeatInterval.Std(),
		LeaseExtension:       cfg.Completion.LeaseExtension.Std(),
		LeaseLowWater:        cfg.Completion.LeaseLowWater.Std(),
		SkipExpectationCheck: cfg.Completion.SkipExpectationCheck,
	})

	feed := newEventFeed(cfg.Feed.Dir, clk, logger, cfg.Feed.PollInterval.Std())
	receiver := aggregation.NewReceiver(batchQueue, feed, clk, logger, aggregation.ReceiverConfig{
		FlushInterval:       cfg.Receiver.FlushInterval.Std(),
		MaxBufferedEvents:   cfg.Receiver.MaxBufferedEvents,
		MaxEncodedBatchSize: cfg.Receiver.MaxEncodedBatchSize,
		PublishConcurrency:  cfg.Receiver.PublishConcurrency,
		CheckpointThreshold: cfg.Receiver.CheckpointThreshold,
		CheckpointInterval:  cfg.Receiver.CheckpointInterval.Std(),
	})

	receiver.Start(ctx)
	defer receiver.Stop()

	group, groupCtx := errgroup.WithContext(ctx)

	batchWorkers := cfg.Workers.Batch
	if batchWorkers <= 0 {
		batchWorkers = defaultBatchWorkers
	}
	for range batchWorkers {
		w := queue.NewWorker[aggregation.StatusBatch](batchQueue, batchProcessor, clk, logger, queue.WorkerConfig{})
		group.Go(func() error { return w.Run(groupCtx) })
	}

	completionWorkers := cfg.Workers.Completion
	if completionWorkers <= 0 {
		completionWorkers = defaultCompletionWorkers
	}
	for range completionWorkers {
		w := queue.NewWorker[aggregation.CompletionCheck](completionQueue, completionChecker, clk, logger, queue.WorkerConfig{})
		group.Go(func() error { return w.Run(groupCtx) })
	}

	group.Go(func() error { return feed.Run(groupCtx, receiver) })

	logger.Info("commandfeed worker running",
		"data_dir", cfg.DataDir,
		"feed_dir", cfg.Feed.Dir,
		"batch_workers", batchWorkers,
		"completion_workers", completionWorkers,
	)

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down")
	return nil
}

func newLogger(cfg config.Log) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "", "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	options := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}
