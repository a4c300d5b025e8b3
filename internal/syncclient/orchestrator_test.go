package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/notesync/internal/localqueue"
	"github.com/agentworkforce/notesync/internal/notes"
)

type fakeRemote struct {
	mu      sync.Mutex
	batches [][]notes.Operation
	respond func(ops []notes.Operation) (notes.BatchResponse, error)
}

func (f *fakeRemote) SubmitBatch(ctx context.Context, ops []notes.Operation) (notes.BatchResponse, error) {
	f.mu.Lock()
	f.batches = append(f.batches, append([]notes.Operation(nil), ops...))
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return succeedAll(ops), nil
	}
	return respond(ops)
}

func (f *fakeRemote) GetNote(ctx context.Context, id string) (notes.Note, error) {
	return notes.Note{}, notes.ErrNotFound
}

func (f *fakeRemote) batch(i int) []notes.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[i]
}

func (f *fakeRemote) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func succeedAll(ops []notes.Operation) notes.BatchResponse {
	resp := notes.BatchResponse{Summary: notes.BatchSummary{Total: len(ops)}}
	for _, op := range ops {
		entityID := op.EntityID
		if op.Type == notes.OpCreate {
			entityID = "note_" + op.ID
		}
		resp.Results = append(resp.Results, notes.OperationResult{ID: op.ID, Success: true, EntityID: entityID, Version: 1})
		resp.Summary.Success++
	}
	return resp
}

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newTestOrchestrator(t *testing.T, queue localqueue.Store, remote RemoteClient, opts Options) *Orchestrator {
	t.Helper()
	var seq atomic.Int64
	if opts.NewID == nil {
		opts.NewID = func() string { return fmt.Sprintf("op_%d", seq.Add(1)) }
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	o, err := NewOrchestrator(context.Background(), queue, remote, opts)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func mustEnqueue(t *testing.T, o *Orchestrator, opType notes.OpType, entityID string, payload any) notes.Operation {
	t.Helper()
	rec, err := o.Enqueue(context.Background(), opType, entityID, payload)
	if err != nil {
		t.Fatalf("enqueue %s: %v", opType, err)
	}
	return rec
}

func listQueue(t *testing.T, queue localqueue.Store) []notes.Operation {
	t.Helper()
	records, err := queue.List(context.Background())
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	return records
}

func TestFlushPrunesSyncedRecordsAndRewritesLocalRefs(t *testing.T) {
	ctx := context.Background()
	queue := localqueue.NewMemoryStore()
	remote := &fakeRemote{}
	o := newTestOrchestrator(t, queue, remote, Options{})

	create := mustEnqueue(t, o, notes.OpCreate, "", map[string]string{"title": "X"})
	report, err := o.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if report.Synced != 1 || report.Submitted != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if records := listQueue(t, queue); len(records) != 0 {
		t.Fatalf("expected synced record to be pruned, got %+v", records)
	}

	mustEnqueue(t, o, notes.OpUpdate, create.EntityKey(), map[string]string{"title": "Y"})
	if _, err := o.Flush(ctx); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	sent := remote.batch(1)
	if sent[0].EntityID != "note_op_1" {
		t.Fatalf("expected local reference to be rewritten to note_op_1, got %s", sent[0].EntityID)
	}

	status, err := o.Status(ctx, create.EntityKey())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != notes.StatusSynced || status.EntityID != "note_op_1" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.LastSyncTime == nil || !status.LastSyncTime.Equal(testNow) {
		t.Fatalf("expected lastSyncTime %s, got %v", testNow, status.LastSyncTime)
	}
}

func TestMissingResultsAreRequeuedWithAnAttemptCounted(t *testing.T) {
	ctx := context.Background()
	queue := localqueue.NewMemoryStore()
	remote := &fakeRemote{respond: func(ops []notes.Operation) (notes.BatchResponse, error) {
		resp := succeedAll(ops[:1])
		return resp, nil
	}}
	o := newTestOrchestrator(t, queue, remote, Options{})
	mustEnqueue(t, o, notes.OpCreate, "", map[string]string{"title": "a"})
	mustEnqueue(t, o, notes.OpCreate, "", map[string]string{"title": "b"})

	report, err := o.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if report.Synced != 1 || report.Requeued != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	records := listQueue(t, queue)
	if len(records) != 1 {
		t.Fatalf("expected one remaining record, got %d", len(records))
	}
	rec := records[0]
	if rec.Status != notes.StatusPending || rec.RetryCount != 1 || rec.Error != "no response" || rec.ErrorCode != string(notes.KindNoResponse) {
		t.Fatalf("unexpected requeued record: %+v", rec)
	}
}

func TestRetryCeilingStopsAutomaticRetries(t *testing.T) {
	ctx := context.Background()
	queue := localqueue.NewMemoryStore()
	remote := &fakeRemote{respond: func(ops []notes.Operation) (notes.BatchResponse, error) {
		resp := notes.BatchResponse{Summary: notes.BatchSummary{Total: len(ops), Failed: len(ops)}}
		for _, op := range ops {
			resp.Results = append(resp.Results, notes.OperationResult{ID: op.ID, Error: "store unavailable", ErrorCode: string(notes.KindTransient)})
		}
		return resp, nil
	}}
	o := newTestOrchestrator(t, queue, remote, Options{RetryCeiling: 3})
	mustEnqueue(t, o, notes.OpCreate, "", map[string]string{"title": "a"})

	for i := 0; i < 3; i++ {
		report, err := o.Flush(ctx)
		if err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
		if report.Submitted != 1 {
			t.Fatalf("expected flush %d to submit the record, got %+v", i, report)
		}
	}
	report, err := o.Flush(ctx)
	if err != nil {
		t.Fatalf("flush at ceiling: %v", err)
	}
	if report.Submitted != 0 {
		t.Fatalf("expected no submission at the ceiling, got %+v", report)
	}
	rec := listQueue(t, queue)[0]
	if rec.Status != notes.StatusFailed || rec.RetryCount != 3 {
		t.Fatalf("expected failed record with 3 attempts, got %+v", rec)
	}

	reset, err := o.Retry(ctx)
	if err != nil || reset != 1 {
		t.Fatalf("expected manual retry of 1 record, got %d (%v)", reset, err)
	}
	remote.mu.Lock()
	remote.respond = nil
	remote.mu.Unlock()
	report, err = o.Flush(ctx)
	if err != nil {
		t.Fatalf("flush after retry: %v", err)
	}
	if report.Synced != 1 {
		t.Fatalf("expected manual retry to bypass the ceiling, got %+v", report)
	}
}

func TestNoResponseAtCeilingMarksFailed(t *testing.T) {
	ctx := context.Background()
	queue := localqueue.NewMemoryStore()
	remote := &fakeRemote{respond: func(ops []notes.Operation) (notes.BatchResponse, error) {
		return notes.BatchResponse{}, nil
	}}
	o := newTestOrchestrator(t, queue, remote, Options{RetryCeiling: 2})
	mustEnqueue(t, o, notes.OpCreate, "", map[string]string{"title": "a"})

	for i := 0; i < 2; i++ {
		if _, err := o.Flush(ctx); err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
	}
	rec := listQueue(t, queue)[0]
	if rec.Status != notes.StatusFailed || rec.RetryCount != 2 || rec.ErrorCode != string(notes.KindNoResponse) {
		t.Fatalf("expected failed record at the ceiling, got %+v", rec)
	}
}

func TestPermanentFailuresAreNotRetriedAutomatically(t *testing.T) {
	ctx := context.Background()
	queue := localqueue.NewMemoryStore()
	remote := &fakeRemote{respond: func(ops []notes.Operation) (notes.BatchResponse, error) {
		resp := notes.BatchResponse{}
		for _, op := range ops {
			resp.Results = append(resp.Results, notes.OperationResult{ID: op.ID, Error: "note belongs to another user", ErrorCode: string(notes.KindOwnership)})
		}
		return resp, nil
	}}
	o := newTestOrchestrator(t, queue, remote, Options{})
	mustEnqueue(t, o, notes.OpUpdate, "note_theirs", map[string]string{"title": "mine now"})

	if _, err := o.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	report, err := o.Flush(ctx)
	if err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if report.Submitted != 0 || remote.calls() != 1 {
		t.Fatalf("expected ownership failure to stay put, got %+v after %d calls", report, remote.calls())
	}
	status, err := o.Status(ctx, "note_theirs")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != notes.StatusFailed || status.Error != "note belongs to another user" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestSelectionDefersLaterIntentsOfABlockedNote(t *testing.T) {
	ctx := context.Background()
	queue := localqueue.NewMemoryStore()
	failed := notes.StatusFailed
	code := string(notes.KindValidation)
	msg := "title is required"

	remote := &fakeRemote{}
	o := newTestOrchestrator(t, queue, remote, Options{})
	blocked := mustEnqueue(t, o, notes.OpCreate, "", map[string]string{"title": ""})
	if err := queue.Update(ctx, blocked.ID, localqueue.Patch{Status: &failed, ErrorCode: &code, Error: &msg}); err != nil {
		t.Fatalf("update: %v", err)
	}
	mustEnqueue(t, o, notes.OpUpdate, blocked.EntityKey(), map[string]string{"title": "fixed"})
	other := mustEnqueue(t, o, notes.OpCreate, "", map[string]string{"title": "other"})

	report, err := o.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if report.Submitted != 1 {
		t.Fatalf("expected only the unrelated create to be submitted, got %+v", report)
	}
	if sent := remote.batch(0); sent[0].ID != other.ID {
		t.Fatalf("expected %s to be submitted, got %s", other.ID, sent[0].ID)
	}
	status, err := o.Status(ctx, blocked.EntityKey())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != notes.StatusFailed || len(status.Operations) != 2 {
		t.Fatalf("expected failed projection over 2 operations, got %+v", status)
	}
}

func TestFailedIntentHoldsBackLaterIntentsInTheSameBatch(t *testing.T) {
	ctx := context.Background()
	queue := localqueue.NewMemoryStore()
	remote := &fakeRemote{respond: func(ops []notes.Operation) (notes.BatchResponse, error) {
		return notes.BatchResponse{Results: []notes.OperationResult{
			{ID: ops[0].ID, Error: "store unavailable", ErrorCode: string(notes.KindTransient)},
			{ID: ops[1].ID, Error: "unresolved entity reference", ErrorCode: string(notes.KindValidation)},
		}}, nil
	}}
	o := newTestOrchestrator(t, queue, remote, Options{})
	create := mustEnqueue(t, o, notes.OpCreate, "", map[string]string{"title": "a"})
	mustEnqueue(t, o, notes.OpUpdate, create.EntityKey(), map[string]string{"title": "b"})

	report, err := o.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if report.Failed != 1 || report.Requeued != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	records := listQueue(t, queue)
	if records[1].Status != notes.StatusPending || records[1].RetryCount != 0 {
		t.Fatalf("expected dependent update to wait for its create, got %+v", records[1])
	}
}

func TestBatchFailureCountsAttemptsUpToCeiling(t *testing.T) {
	ctx := context.Background()
	queue := localqueue.NewMemoryStore()
	remote := &fakeRemote{respond: func(ops []notes.Operation) (notes.BatchResponse, error) {
		return notes.BatchResponse{}, errors.New("connection refused")
	}}
	o := newTestOrchestrator(t, queue, remote, Options{RetryCeiling: 3})
	mustEnqueue(t, o, notes.OpCreate, "", map[string]string{"title": "a"})

	report, err := o.Flush(ctx)
	if err == nil {
		t.Fatalf("expected batch failure to be returned")
	}
	if report.Submitted != 1 || report.Requeued != 1 {
		t.Fatalf("expected the record to be requeued, got %+v", report)
	}
	rec := listQueue(t, queue)[0]
	if rec.Status != notes.StatusPending || rec.RetryCount != 1 || rec.Error != "no response" || rec.ErrorCode != string(notes.KindNoResponse) {
		t.Fatalf("expected a counted no-response attempt, got %+v", rec)
	}

	for i := 0; i < 5; i++ {
		_, _ = o.Flush(ctx)
	}
	rec = listQueue(t, queue)[0]
	if rec.Status != notes.StatusFailed || rec.RetryCount != 3 {
		t.Fatalf("expected the record to stop failed at the ceiling, got %+v", rec)
	}
	if got := remote.calls(); got != 3 {
		t.Fatalf("expected no submissions past the ceiling, got %d", got)
	}
}

func TestStartupRecoveryRevertsSyncingRecords(t *testing.T) {
	ctx := context.Background()
	queue := localqueue.NewMemoryStore()
	syncing := notes.StatusSyncing
	if err := queue.Append(ctx, notes.Operation{ID: "op_crash", Type: notes.OpDelete, EntityID: "note_1", Status: notes.StatusPending, RetryCount: 2}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := queue.Update(ctx, "op_crash", localqueue.Patch{Status: &syncing}); err != nil {
		t.Fatalf("update: %v", err)
	}

	newTestOrchestrator(t, queue, &fakeRemote{}, Options{})

	rec := listQueue(t, queue)[0]
	if rec.Status != notes.StatusPending || rec.RetryCount != 2 {
		t.Fatalf("expected syncing record to be pending without an extra attempt, got %+v", rec)
	}
}

type blockingRemote struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRemote) SubmitBatch(ctx context.Context, ops []notes.Operation) (notes.BatchResponse, error) {
	close(b.entered)
	<-b.release
	return succeedAll(ops), nil
}

func (b *blockingRemote) GetNote(ctx context.Context, id string) (notes.Note, error) {
	return notes.Note{}, notes.ErrNotFound
}

func TestFlushesNeverOverlap(t *testing.T) {
	ctx := context.Background()
	queue := localqueue.NewMemoryStore()
	remote := &blockingRemote{entered: make(chan struct{}), release: make(chan struct{})}
	o := newTestOrchestrator(t, queue, remote, Options{})
	mustEnqueue(t, o, notes.OpCreate, "", map[string]string{"title": "a"})

	done := make(chan error, 1)
	go func() {
		_, err := o.Flush(ctx)
		done <- err
	}()
	<-remote.entered

	if _, err := o.Flush(ctx); !errors.Is(err, ErrFlushInProgress) {
		t.Fatalf("expected ErrFlushInProgress, got %v", err)
	}
	overview, err := o.Overview(ctx)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if overview.Syncing != 1 {
		t.Fatalf("expected the in-flight record to show as syncing, got %+v", overview)
	}
	if _, err := o.Discard(ctx, "op_1"); !errors.Is(err, ErrOperationInFlight) {
		t.Fatalf("expected in-flight discard to be refused, got %v", err)
	}
	close(remote.release)
	if err := <-done; err != nil {
		t.Fatalf("first flush: %v", err)
	}
}

func TestFlushOfflineIsRefused(t *testing.T) {
	status := NewManualStatus(false)
	o := newTestOrchestrator(t, localqueue.NewMemoryStore(), &fakeRemote{}, Options{Status: status})
	mustEnqueue(t, o, notes.OpCreate, "", map[string]string{"title": "a"})
	if _, err := o.Flush(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	pending, err := o.HasUnsyncedWork(context.Background())
	if err != nil || pending != 1 {
		t.Fatalf("expected 1 unsynced record, got %d (%v)", pending, err)
	}
}

func TestEnqueueValidatesIntent(t *testing.T) {
	o := newTestOrchestrator(t, localqueue.NewMemoryStore(), &fakeRemote{}, Options{})
	ctx := context.Background()
	if _, err := o.Enqueue(ctx, "rename", "note_1", nil); !errors.Is(err, localqueue.ErrInvalidInput) {
		t.Fatalf("expected invalid type to be rejected, got %v", err)
	}
	if _, err := o.Enqueue(ctx, notes.OpUpdate, " ", map[string]string{"title": "x"}); !errors.Is(err, localqueue.ErrInvalidInput) {
		t.Fatalf("expected update without entity to be rejected, got %v", err)
	}
	if _, err := o.Enqueue(ctx, notes.OpCreate, "", []byte("{not json")); !errors.Is(err, localqueue.ErrInvalidInput) {
		t.Fatalf("expected invalid json payload to be rejected, got %v", err)
	}
	huge := map[string]string{"title": "x", "content": strings.Repeat("c", notes.MaxPayloadBytes)}
	if _, err := o.Enqueue(ctx, notes.OpCreate, "", huge); !errors.Is(err, localqueue.ErrInvalidInput) {
		t.Fatalf("expected oversized payload to be rejected, got %v", err)
	}
	rec, err := o.Enqueue(ctx, notes.OpCreate, "ignored", json.RawMessage(`{"title":"x"}`))
	if err != nil {
		t.Fatalf("enqueue create: %v", err)
	}
	if rec.EntityID != "" || rec.EntityKey() != "local:"+rec.ID || rec.Status != notes.StatusPending {
		t.Fatalf("unexpected create record: %+v", rec)
	}
}

func TestRetryAndDiscardUnknownIDs(t *testing.T) {
	o := newTestOrchestrator(t, localqueue.NewMemoryStore(), &fakeRemote{}, Options{})
	ctx := context.Background()
	rec := mustEnqueue(t, o, notes.OpDelete, "note_1", nil)
	if _, err := o.Retry(ctx, "op_nope"); !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected unknown retry id to be reported, got %v", err)
	}
	if _, err := o.Discard(ctx, "op_nope"); !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected unknown discard id to be reported, got %v", err)
	}
	removed, err := o.Discard(ctx, rec.ID)
	if err != nil || removed != 1 {
		t.Fatalf("expected discard of %s, got %d (%v)", rec.ID, removed, err)
	}
}

func TestRunFlushesWhenNetworkReturns(t *testing.T) {
	status := NewManualStatus(false)
	queue := localqueue.NewMemoryStore()
	remote := &fakeRemote{}
	o := newTestOrchestrator(t, queue, remote, Options{Status: status, FlushInterval: time.Hour})
	mustEnqueue(t, o, notes.OpCreate, "", map[string]string{"title": "a"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	status.Set(true)
	deadline := time.Now().Add(5 * time.Second)
	for {
		pending, err := o.HasUnsyncedWork(context.Background())
		if err != nil {
			t.Fatalf("has unsynced work: %v", err)
		}
		if pending == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected queue to drain after the network returned")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected run to stop with context.Canceled, got %v", err)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected lower bound 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected upper bound 12s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0, 0.9); got != base {
		t.Fatalf("expected no jitter, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 5, 0); got != time.Millisecond {
		t.Fatalf("expected clamp to 1ms floor, got %s", got)
	}
}
