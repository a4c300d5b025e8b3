package notes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxBatchSize  = 20
	DefaultBatchDeadline = 30 * time.Second
)

// OperationReconciler is the per-operation collaborator of the batch engine.
type OperationReconciler interface {
	Reconcile(ctx context.Context, caller string, op Operation) OperationResult
	ResolveRef(ctx context.Context, caller, ref string) (string, error)
}

type BatchOptions struct {
	MaxBatchSize int
	Deadline     time.Duration
	Logger       *slog.Logger
}

// BatchProcessor fans a batch out by operation type. All three partitions run
// concurrently and every operation inside a partition runs concurrently, except
// that an operation waits for the previous operation in the batch that targets
// the same entity.
type BatchProcessor struct {
	reconciler   OperationReconciler
	maxBatchSize int
	deadline     time.Duration
	logger       *slog.Logger
}

func NewBatchProcessor(reconciler OperationReconciler, opts BatchOptions) *BatchProcessor {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultBatchDeadline
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &BatchProcessor{
		reconciler:   reconciler,
		maxBatchSize: opts.MaxBatchSize,
		deadline:     opts.Deadline,
		logger:       opts.Logger,
	}
}

func (p *BatchProcessor) MaxBatchSize() int {
	return p.maxBatchSize
}

// CheckSize rejects a batch as a whole before anything is processed.
func (p *BatchProcessor) CheckSize(n int) error {
	if n == 0 {
		return ErrEmptyBatch
	}
	if n > p.maxBatchSize {
		return fmt.Errorf("%w: %d operations, limit is %d", ErrBatchTooLarge, n, p.maxBatchSize)
	}
	return nil
}

type batchRun struct {
	caller  string
	ops     []Operation
	prev    []int
	done    []chan struct{}
	creates map[string]int

	mu      sync.Mutex
	sealed  bool
	results []OperationResult
	settled []bool
}

func (b *batchRun) record(i int, res OperationResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return
	}
	res.ID = b.ops[i].ID
	b.results[i] = res
	b.settled[i] = true
}

func (b *batchRun) result(i int) (OperationResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.results[i], b.settled[i]
}

// blockedBy keeps a later intent from landing ahead of an earlier one for the
// same entity. An operation whose predecessor failed with a retryable kind is
// not run and fails transient, so the client resubmits both in order.
func (b *batchRun) blockedBy(i int) error {
	j := b.prev[i]
	if j < 0 {
		return nil
	}
	res, settled := b.result(j)
	if !settled || res.Success || !ErrorKind(res.ErrorCode).Retryable() {
		return nil
	}
	return newOpError(KindTransient, b.ops[i].ID, "blocked by earlier failed operation %s", b.ops[j].ID)
}

// Process reconciles the batch for the authenticated caller. Only a size
// violation is returned as an error; every per-operation failure is a result.
// When the deadline fires, operations that have not finished are reported as
// timed out and the response is marked partial. Operations already talking to
// the store are left to finish in the background.
func (p *BatchProcessor) Process(ctx context.Context, caller string, ops []Operation) (BatchResponse, error) {
	if err := p.CheckSize(len(ops)); err != nil {
		return BatchResponse{}, err
	}
	started := time.Now()
	run := &batchRun{
		caller:  caller,
		ops:     ops,
		prev:    make([]int, len(ops)),
		done:    make([]chan struct{}, len(ops)),
		creates: map[string]int{},
		results: make([]OperationResult, len(ops)),
		settled: make([]bool, len(ops)),
	}

	partitions := map[OpType][]int{}
	lastByKey := map[string]int{}
	for i, op := range ops {
		run.done[i] = make(chan struct{})
		run.prev[i] = -1
		if !op.Type.Valid() {
			run.record(i, failureResult(op.ID, newOpError(KindValidation, op.ID, "unsupported operation type %q", op.Type)))
			close(run.done[i])
			continue
		}
		if op.Type == OpCreate {
			run.creates[LocalRef(op.ID)] = i
		}
		if key := op.EntityKey(); key != "" {
			if j, ok := lastByKey[key]; ok {
				run.prev[i] = j
			}
			lastByKey[key] = i
		}
		partitions[op.Type] = append(partitions[op.Type], i)
	}

	runCtx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()
	// Persistence outlives the deadline; it is bounded by the store timeout.
	workCtx := context.WithoutCancel(ctx)

	var outer errgroup.Group
	for _, opType := range []OpType{OpCreate, OpUpdate, OpDelete} {
		indices := partitions[opType]
		if len(indices) == 0 {
			continue
		}
		outer.Go(func() error {
			var inner errgroup.Group
			for _, i := range indices {
				inner.Go(func() error {
					p.runOperation(runCtx, workCtx, run, i)
					return nil
				})
			}
			return inner.Wait()
		})
	}

	joined := make(chan struct{})
	go func() {
		_ = outer.Wait()
		close(joined)
	}()

	select {
	case <-joined:
	case <-runCtx.Done():
	}

	run.mu.Lock()
	run.sealed = true
	resp := BatchResponse{
		Results: make([]OperationResult, len(ops)),
		Summary: BatchSummary{Total: len(ops)},
	}
	unfinished := 0
	for i, op := range ops {
		res := run.results[i]
		if !run.settled[i] {
			unfinished++
			res = failureResult(op.ID, newOpError(KindTimeout, op.ID, "not completed within the batch deadline of %s", p.deadline))
		}
		resp.Results[i] = res
		if res.Success {
			resp.Summary.Success++
		} else {
			resp.Summary.Failed++
		}
	}
	run.mu.Unlock()

	if unfinished > 0 {
		resp.Partial = true
		resp.Error = fmt.Sprintf("batch deadline exceeded: %d of %d operations did not complete", unfinished, len(ops))
	}
	p.logger.Info("batch reconciled",
		"caller", caller,
		"total", resp.Summary.Total,
		"success", resp.Summary.Success,
		"failed", resp.Summary.Failed,
		"partial", resp.Partial,
		"duration", time.Since(started),
	)
	return resp, nil
}

func (p *BatchProcessor) runOperation(runCtx, workCtx context.Context, run *batchRun, i int) {
	defer close(run.done[i])
	op := run.ops[i]
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("operation panicked",
				"op_id", op.ID,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
			run.record(i, failureResult(op.ID, newOpError(KindTransient, op.ID, "internal error")))
		}
	}()

	if j := run.prev[i]; j >= 0 {
		select {
		case <-run.done[j]:
		case <-runCtx.Done():
			return
		}
	}
	if runCtx.Err() != nil {
		return
	}
	if err := run.blockedBy(i); err != nil {
		run.record(i, failureResult(op.ID, err))
		return
	}

	if op.Type != OpCreate && IsLocalRef(op.EntityID) {
		resolved, err := p.resolveRef(workCtx, run, i, op)
		if err != nil {
			run.record(i, failureResult(op.ID, err))
			return
		}
		op.EntityID = resolved
	}
	run.record(i, p.reconciler.Reconcile(workCtx, run.caller, op))
}

// resolveRef prefers a create earlier in the same batch, then the ledger of
// previous batches.
func (p *BatchProcessor) resolveRef(ctx context.Context, run *batchRun, i int, op Operation) (string, error) {
	if c, ok := run.creates[op.EntityID]; ok && c < i {
		res, settled := run.result(c)
		if !settled || !res.Success || res.EntityID == "" {
			return "", newOpError(KindValidation, op.ID, "unresolved entity reference %s: its create did not succeed", op.EntityID)
		}
		return res.EntityID, nil
	}
	id, err := p.reconciler.ResolveRef(ctx, run.caller, op.EntityID)
	if err != nil {
		var opErr *OpError
		if errors.As(err, &opErr) && opErr.OpID == "" {
			opErr.OpID = op.ID
		}
		return "", err
	}
	return id, nil
}
