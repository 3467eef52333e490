// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

package aggregation

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mysoftskill/commandfeed/blob"
	"github.com/mysoftskill/commandfeed/command"
	"github.com/mysoftskill/commandfeed/expectations"
	"github.com/mysoftskill/commandfeed/export"
	"github.com/mysoftskill/commandfeed/history"
	"github.com/mysoftskill/commandfeed/lib/clock"
	"github.com/mysoftskill/commandfeed/lib/sqlitepool"
	"github.com/mysoftskill/commandfeed/queue"
)

type cleanScanner struct{}

func (cleanScanner) Scan(ctx context.Context, req export.ScanRequest) (export.Verdict, error) {
	return export.Verdict{}, nil
}

type fakeLease struct{ expires time.Time }

func (l *fakeLease) Remaining(now time.Time) time.Duration { return l.expires.Sub(now) }

func (l *fakeLease) Extend(ctx context.Context, d time.Duration) error {
	l.expires = l.expires.Add(d)
	return nil
}

type checkerFixture struct {
	store    *history.SQLiteStore
	exp      *expectations.SQLiteStore
	svc      *blob.FSService
	clk      *clock.FakeClock
	checker  *CompletionChecker
	stageDir string
	finalDir string
}

func newCheckerFixture(t *testing.T) *checkerFixture {
	t.Helper()

	expPool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "expectations.db"),
		PoolSize: 2,
		Schema:   expectations.Schema,
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() {
		if err := expPool.Close(); err != nil {
			t.Errorf("closing pool: %v", err)
		}
	})

	// Staging and final destinations both live under the managed
	// root: archives are only built into managed storage, and only
	// managed staging is cleaned up.
	root := t.TempDir()
	f := &checkerFixture{
		store:    newHistoryStore(t),
		exp:      expectations.NewSQLiteStore(expPool),
		svc:      &blob.FSService{ManagedRoot: root},
		clk:      clock.Fake(testBase.Add(24 * time.Hour)),
		stageDir: filepath.Join(root, "stage"),
		finalDir: filepath.Join(root, "final"),
	}
	builder := &export.Builder{
		Blobs:   f.svc,
		Scanner: cleanScanner{},
		Clock:   f.clk,
	}
	f.checker = NewCompletionChecker(
		f.store, f.exp, f.exp, f.svc, builder, f.clk, nil,
		CompletionConfig{RecheckInterval: 24 * time.Hour})
	return f
}

func (f *checkerFixture) stageURI() string {
	return "file://" + filepath.ToSlash(f.stageDir)
}

func (f *checkerFixture) finalURI() string {
	return "file://" + filepath.ToSlash(f.finalDir)
}

// seedRecord inserts a record with one fully completed group, staged
// export output included when the type is export.
func (f *checkerFixture) seedRecord(t *testing.T, commandType command.Type) *history.Record {
	t.Helper()
	commandID := command.NewCommandID()
	key := command.StatusKey{AgentID: "a1", AssetGroupID: "g1"}
	ingested := testBase
	completed := testBase.Add(time.Hour)

	record := &history.Record{
		CommandID: commandID,
		Core: &history.Core{
			CommandType:           commandType,
			CreatedTime:           testBase.Add(-time.Hour),
			TotalCommandCount:     1,
			IngestedCommandCount:  1,
			CompletedCommandCount: 1,
		},
		StatusMap: map[command.StatusKey]*history.GroupStatus{
			key: {IngestionTime: &ingested, CompletedTime: &completed},
		},
		AuditMap: map[command.StatusKey]*history.AuditRecord{
			key: {IngestionStatus: history.IngestionStatusSentToAgent},
		},
		ExportDestinations: map[command.StatusKey]*history.ExportDestination{},
	}
	if commandType == command.TypeExport {
		record.ExportDestinations[key] = &history.ExportDestination{
			DestinationURI:  f.stageURI(),
			DestinationPath: "a1",
		}
		c, err := f.svc.Container(f.stageURI())
		if err != nil {
			t.Fatalf("container: %v", err)
		}
		if err := c.Upload(t.Context(), "a1/data.json", strings.NewReader(`{"k":"v"}`)); err != nil {
			t.Fatalf("staging: %v", err)
		}
	}
	if err := f.store.Insert(t.Context(), record); err != nil {
		t.Fatalf("seeding record: %v", err)
	}
	return record
}

func (f *checkerFixture) completedExpectation(t *testing.T, commandID command.CommandID, agent, group string) {
	t.Helper()
	if err := f.exp.Upsert(t.Context(), &expectations.Entry{
		CommandID:         commandID,
		AgentID:           command.AgentID(agent),
		AssetGroupID:      command.AssetGroupID(group),
		Status:            expectations.StatusCompleted,
		FinalContainerURI: f.finalURI(),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func checkMessage(commandID command.CommandID) *queue.Message[CompletionCheck] {
	return &queue.Message[CompletionCheck]{
		Body:  CompletionCheck{CommandID: commandID},
		Lease: &fakeLease{},
	}
}

func TestCompletionNonExportCompletes(t *testing.T) {
	f := newCheckerFixture(t)
	record := f.seedRecord(t, command.TypeDelete)

	requireSuccess(t, f.checker.Process(t.Context(), checkMessage(record.CommandID)))

	after, err := f.store.Query(t.Context(), record.CommandID, history.FragmentAll)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !after.Core.IsGloballyComplete {
		t.Fatal("command not globally complete")
	}
	// Completion is stamped when it is decided, not backdated to the
	// last agent completion.
	if after.Core.CompletedTime == nil || !after.Core.CompletedTime.Equal(f.clk.Now()) {
		t.Fatalf("CompletedTime = %v, want decision time %v", after.Core.CompletedTime, f.clk.Now())
	}
}

func TestCompletionNotReadyReschedules(t *testing.T) {
	f := newCheckerFixture(t)
	record := f.seedRecord(t, command.TypeDelete)
	record.Core.CompletedCommandCount = 0
	if err := f.store.Replace(t.Context(), record, history.FragmentCore); err != nil {
		t.Fatalf("replace: %v", err)
	}

	result := f.checker.Process(t.Context(), checkMessage(record.CommandID))
	if result != queue.RetryAfter(24*time.Hour) {
		t.Fatalf("result = %+v, want 24h retry", result)
	}
}

func TestCompletionWaitsForIngestionConfirmation(t *testing.T) {
	f := newCheckerFixture(t)
	record := f.seedRecord(t, command.TypeDelete)

	// All groups report completed, but none ever confirmed
	// ingestion: the completions cannot be for this command yet.
	key := command.StatusKey{AgentID: "a1", AssetGroupID: "g1"}
	record.StatusMap[key].IngestionTime = nil
	if err := f.store.Replace(t.Context(), record, history.FragmentStatus); err != nil {
		t.Fatalf("replace: %v", err)
	}

	result := f.checker.Process(t.Context(), checkMessage(record.CommandID))
	if result != queue.RetryAfter(24*time.Hour) {
		t.Fatalf("result = %+v, want retry without ingestion confirmation", result)
	}
	after, _ := f.store.Query(t.Context(), record.CommandID, history.FragmentCore)
	if after.Core.IsGloballyComplete {
		t.Fatal("command completed without any ingestion confirmation")
	}
}

func TestCompletionAbsentAndAlreadyComplete(t *testing.T) {
	f := newCheckerFixture(t)

	requireSuccess(t, f.checker.Process(t.Context(), checkMessage(command.NewCommandID())))

	record := f.seedRecord(t, command.TypeDelete)
	record.Core.IsGloballyComplete = true
	if err := f.store.Replace(t.Context(), record, history.FragmentCore); err != nil {
		t.Fatalf("replace: %v", err)
	}
	requireSuccess(t, f.checker.Process(t.Context(), checkMessage(record.CommandID)))
}

func TestCompletionExportWaitsForExpectationWorker(t *testing.T) {
	f := newCheckerFixture(t)
	record := f.seedRecord(t, command.TypeExport)

	// No expectation and no worker run since creation: wait.
	result := f.checker.Process(t.Context(), checkMessage(record.CommandID))
	if result != queue.RetryAfter(24*time.Hour) {
		t.Fatalf("result = %+v, want retry while worker has not run", result)
	}

	after, _ := f.store.Query(t.Context(), record.CommandID, history.FragmentCore)
	if after.Core.IsGloballyComplete {
		t.Fatal("export completed without expectation gate")
	}
}

func TestCompletionExportWaitsForPendingExpectation(t *testing.T) {
	f := newCheckerFixture(t)
	record := f.seedRecord(t, command.TypeExport)
	ctx := t.Context()

	if err := f.exp.RecordRun(ctx, f.clk.Now()); err != nil {
		t.Fatalf("record run: %v", err)
	}
	// One group done, the other still pending: the whole command
	// waits.
	f.completedExpectation(t, record.CommandID, "a1", "g1")
	if err := f.exp.Upsert(ctx, &expectations.Entry{
		CommandID:    record.CommandID,
		AgentID:      "a2",
		AssetGroupID: "g1",
		Status:       expectations.StatusPending,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	result := f.checker.Process(ctx, checkMessage(record.CommandID))
	if result != queue.RetryAfter(24*time.Hour) {
		t.Fatalf("result = %+v, want retry on pending expectation", result)
	}
}

func TestCompletionExportDeliversArchiveAndCleansStaging(t *testing.T) {
	f := newCheckerFixture(t)
	record := f.seedRecord(t, command.TypeExport)
	ctx := t.Context()

	f.completedExpectation(t, record.CommandID, "a1", "g1")

	requireSuccess(t, f.checker.Process(ctx, checkMessage(record.CommandID)))

	after, err := f.store.Query(ctx, record.CommandID, history.FragmentCore)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !after.Core.IsGloballyComplete {
		t.Fatal("command not globally complete")
	}
	if after.Core.FinalExportDestinationURI != f.finalURI() {
		t.Errorf("final destination = %q, want %q", after.Core.FinalExportDestinationURI, f.finalURI())
	}

	final, _ := f.svc.Container(f.finalURI())
	ok, err := final.Exists(ctx, export.ArchiveName(record.CommandID))
	if err != nil || !ok {
		t.Fatalf("archive exists = (%v, %v), want delivered", ok, err)
	}

	staging, _ := f.svc.Container(f.stageURI())
	page, err := staging.List(ctx, "a1", "", 10)
	if err != nil {
		t.Fatalf("listing staging: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("staged output not cleaned up: %v", page.Items)
	}
}

func TestCompletionLeavesUnmanagedStagingAlone(t *testing.T) {
	f := newCheckerFixture(t)
	record := f.seedRecord(t, command.TypeExport)
	ctx := t.Context()

	// The agent staged into its own storage, outside the managed
	// root. Delivery reads it but must not delete it.
	unmanagedDir := t.TempDir()
	unmanagedURI := "file://" + filepath.ToSlash(unmanagedDir)
	c, err := f.svc.Container(unmanagedURI)
	if err != nil {
		t.Fatalf("container: %v", err)
	}
	if err := c.Upload(ctx, "a1/data.json", strings.NewReader(`{"k":"v"}`)); err != nil {
		t.Fatalf("staging: %v", err)
	}
	key := command.StatusKey{AgentID: "a1", AssetGroupID: "g1"}
	record.ExportDestinations[key] = &history.ExportDestination{
		DestinationURI:  unmanagedURI,
		DestinationPath: "a1",
	}
	if err := f.store.Replace(ctx, record, history.FragmentExportDestinations); err != nil {
		t.Fatalf("replace: %v", err)
	}
	f.completedExpectation(t, record.CommandID, "a1", "g1")

	requireSuccess(t, f.checker.Process(ctx, checkMessage(record.CommandID)))

	page, err := c.List(ctx, "a1", "", 10)
	if err != nil {
		t.Fatalf("listing staging: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("unmanaged staging = %v, want untouched", page.Items)
	}
}

func TestCompletionFillsDestinationsFromExpectations(t *testing.T) {
	f := newCheckerFixture(t)
	record := f.seedRecord(t, command.TypeExport)
	ctx := t.Context()

	// A second group completed without ever reporting its staging
	// destination; the recorded expectation stands in for it.
	key2 := command.StatusKey{AgentID: "a2", AssetGroupID: "g1"}
	ingested := testBase
	completed := testBase.Add(2 * time.Hour)
	record.StatusMap[key2] = &history.GroupStatus{IngestionTime: &ingested, CompletedTime: &completed}
	record.Core.TotalCommandCount = 2
	record.Core.IngestedCommandCount = 2
	record.Core.CompletedCommandCount = 2
	if err := f.store.Replace(ctx, record, history.FragmentCore|history.FragmentStatus); err != nil {
		t.Fatalf("replace: %v", err)
	}

	f.completedExpectation(t, record.CommandID, "a1", "g1")
	if err := f.exp.Upsert(ctx, &expectations.Entry{
		CommandID:            record.CommandID,
		AgentID:              "a2",
		AssetGroupID:         "g1",
		Status:               expectations.StatusCompleted,
		FinalContainerURI:    f.stageURI(),
		FinalDestinationPath: "a2",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	c, err := f.svc.Container(f.stageURI())
	if err != nil {
		t.Fatalf("container: %v", err)
	}
	if err := c.Upload(ctx, "a2/extra.txt", strings.NewReader("more output")); err != nil {
		t.Fatalf("staging: %v", err)
	}

	requireSuccess(t, f.checker.Process(ctx, checkMessage(record.CommandID)))

	after, err := f.store.Query(ctx, record.CommandID, history.FragmentAll)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	dest := after.ExportDestinations[key2]
	if dest == nil || dest.DestinationURI != f.stageURI() || dest.DestinationPath != "a2" {
		t.Fatalf("filled destination = %+v, want expectation's staging location", dest)
	}
}

func TestCompletionFatalOnExpectationWithoutContainer(t *testing.T) {
	f := newCheckerFixture(t)
	record := f.seedRecord(t, command.TypeExport)
	ctx := t.Context()

	if err := f.exp.Upsert(ctx, &expectations.Entry{
		CommandID:    record.CommandID,
		AgentID:      "a1",
		AssetGroupID: "g1",
		Status:       expectations.StatusCompleted,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	result := f.checker.Process(ctx, checkMessage(record.CommandID))
	if result.Err() == nil {
		t.Fatalf("result = %+v, want fatal on completed expectation without container", result)
	}
	after, _ := f.store.Query(ctx, record.CommandID, history.FragmentCore)
	if after.Core.IsGloballyComplete {
		t.Fatal("command completed despite broken expectation")
	}
}

func TestCompletionForceCompleteBypassesGate(t *testing.T) {
	f := newCheckerFixture(t)
	record := f.seedRecord(t, command.TypeExport)
	ctx := t.Context()

	// No expectation, worker never ran, but an operator forced the
	// command through. No destination is known, so no archive either.
	if err := f.exp.SetForceCompleted(ctx, record.CommandID); err != nil {
		t.Fatalf("force complete: %v", err)
	}

	requireSuccess(t, f.checker.Process(ctx, checkMessage(record.CommandID)))

	after, _ := f.store.Query(ctx, record.CommandID, history.FragmentCore)
	if !after.Core.IsGloballyComplete {
		t.Fatal("forced command not complete")
	}
}

func TestCompletionSkipExpectationCheckCompletesOnStatusAlone(t *testing.T) {
	f := newCheckerFixture(t)
	checker := NewCompletionChecker(
		f.store, f.exp, f.exp, f.svc, f.checker.archive, f.clk, nil,
		CompletionConfig{RecheckInterval: 24 * time.Hour, SkipExpectationCheck: true})

	record := f.seedRecord(t, command.TypeExport)
	record.Core.FinalExportDestinationURI = f.finalURI()
	ctx := t.Context()
	if err := f.store.Replace(ctx, record, history.FragmentCore); err != nil {
		t.Fatalf("replace: %v", err)
	}

	// No expectation recorded and no worker run, yet the command
	// completes and the archive is delivered.
	requireSuccess(t, checker.Process(ctx, checkMessage(record.CommandID)))

	after, _ := f.store.Query(ctx, record.CommandID, history.FragmentCore)
	if !after.Core.IsGloballyComplete {
		t.Fatal("command not globally complete")
	}
	final, _ := f.svc.Container(f.finalURI())
	ok, err := final.Exists(ctx, export.ArchiveName(record.CommandID))
	if err != nil || !ok {
		t.Fatalf("archive exists = (%v, %v), want delivered", ok, err)
	}
}

func TestCompletionConflictIsTransient(t *testing.T) {
	f := newCheckerFixture(t)
	record := f.seedRecord(t, command.TypeDelete)

	store := &conflictStore{Store: f.store, conflicts: 1}
	checker := NewCompletionChecker(
		store, f.exp, f.exp, f.svc, nil, f.clk, nil, CompletionConfig{})

	result := checker.Process(t.Context(), checkMessage(record.CommandID))
	if result != queue.TransientFailure() {
		t.Fatalf("result = %+v, want transient failure", result)
	}
}

func TestCompletionPersistFailureIsFatal(t *testing.T) {
	f := newCheckerFixture(t)
	record := f.seedRecord(t, command.TypeDelete)

	storeErr := errors.New("disk full")
	checker := NewCompletionChecker(
		&brokenStore{Store: f.store, err: storeErr}, f.exp, f.exp, f.svc, nil, f.clk, nil, CompletionConfig{})

	result := checker.Process(t.Context(), checkMessage(record.CommandID))
	if !errors.Is(result.Err(), storeErr) {
		t.Fatalf("result = %+v, want fatal wrapping the store error", result)
	}
}
