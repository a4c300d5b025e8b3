// Package syncclient drains the on-device operation queue into the batch sync
// endpoint and projects per-note sync status for the UI.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/notesync/internal/localqueue"
	"github.com/agentworkforce/notesync/internal/notes"
)

var (
	ErrFlushInProgress   = errors.New("flush already in progress")
	ErrOffline           = errors.New("network offline")
	ErrUnknownOperation  = errors.New("unknown operation")
	ErrOperationInFlight = errors.New("operation is being synced")
)

const (
	DefaultMaxBatchSize   = notes.DefaultMaxBatchSize
	DefaultRetryCeiling   = 5
	DefaultFlushInterval  = 30 * time.Second
	DefaultIntervalJitter = 0.2
	DefaultRequestTimeout = 45 * time.Second

	noResponseMessage = "no response"

	metaRefPrefix      = "ref:"
	metaLastSyncPrefix = "lastsync:"
)

type Options struct {
	MaxBatchSize   int
	RetryCeiling   int
	FlushInterval  time.Duration
	IntervalJitter float64
	RequestTimeout time.Duration
	Status         StatusProvider
	Logger         *slog.Logger
	Now            func() time.Time
	NewID          func() string
}

type Orchestrator struct {
	queue          localqueue.Store
	remote         RemoteClient
	status         StatusProvider
	maxBatchSize   int
	retryCeiling   int
	flushInterval  time.Duration
	intervalJitter float64
	requestTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
	newID          func() string

	flushing atomic.Bool
	kick     chan struct{}
}

// FlushReport counts what one flush did with the records it submitted.
type FlushReport struct {
	Submitted int  `json:"submitted"`
	Synced    int  `json:"synced"`
	Failed    int  `json:"failed"`
	Requeued  int  `json:"requeued"`
	Partial   bool `json:"partial,omitempty"`
}

// EntityStatus is the per-note projection shown next to a note.
type EntityStatus struct {
	EntityID     string            `json:"entityId"`
	Status       notes.Status      `json:"status"`
	LastSyncTime *time.Time        `json:"lastSyncTime,omitempty"`
	Error        string            `json:"error,omitempty"`
	Operations   []notes.Operation `json:"operations"`
}

type Overview struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// NewOrchestrator takes ownership of the queue's bookkeeping. Records left in
// syncing by an interrupted flush are put back to pending; a crash is treated
// like a missing response but does not count as an attempt.
func NewOrchestrator(ctx context.Context, queue localqueue.Store, remote RemoteClient, opts Options) (*Orchestrator, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue store is required")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.RetryCeiling <= 0 {
		opts.RetryCeiling = DefaultRetryCeiling
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.IntervalJitter == 0 {
		opts.IntervalJitter = DefaultIntervalJitter
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Status == nil {
		opts.Status = NewManualStatus(true)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	o := &Orchestrator{
		queue:          queue,
		remote:         remote,
		status:         opts.Status,
		maxBatchSize:   opts.MaxBatchSize,
		retryCeiling:   opts.RetryCeiling,
		flushInterval:  opts.FlushInterval,
		intervalJitter: clampJitterRatio(opts.IntervalJitter),
		requestTimeout: opts.RequestTimeout,
		logger:         opts.Logger,
		now:            opts.Now,
		newID:          opts.NewID,
		kick:           make(chan struct{}, 1),
	}
	if err := o.recover(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) recover(ctx context.Context) error {
	records, err := o.queue.List(ctx)
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}
	pending := notes.StatusPending
	recovered := 0
	for _, rec := range records {
		if rec.Status != notes.StatusSyncing {
			continue
		}
		if err := o.queue.Update(ctx, rec.ID, localqueue.Patch{Status: &pending}); err != nil {
			return fmt.Errorf("recover %s: %w", rec.ID, err)
		}
		recovered++
	}
	if recovered > 0 {
		o.logger.Info("recovered interrupted operations", "count", recovered)
	}
	return nil
}

func (o *Orchestrator) Queue() localqueue.Store {
	return o.queue
}

// Enqueue records a user intent durably and wakes the run loop. payload may be
// a json.RawMessage, a []byte holding JSON or any value json can marshal.
// A create ignores entityID; the returned record's EntityKey addresses the
// new note until the server assigns an id.
func (o *Orchestrator) Enqueue(ctx context.Context, opType notes.OpType, entityID string, payload any) (notes.Operation, error) {
	if !opType.Valid() {
		return notes.Operation{}, fmt.Errorf("%w: unsupported operation type %q", localqueue.ErrInvalidInput, opType)
	}
	entityID = strings.TrimSpace(entityID)
	if opType == notes.OpCreate {
		entityID = ""
	} else if entityID == "" {
		return notes.Operation{}, fmt.Errorf("%w: %s requires an entity id", localqueue.ErrInvalidInput, opType)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return notes.Operation{}, err
	}
	if len(raw) > notes.MaxPayloadBytes {
		return notes.Operation{}, fmt.Errorf("%w: payload is %d bytes, limit is %d", localqueue.ErrInvalidInput, len(raw), notes.MaxPayloadBytes)
	}
	rec := notes.Operation{
		ID:        o.newID(),
		Type:      opType,
		EntityID:  entityID,
		Payload:   raw,
		Status:    notes.StatusPending,
		Timestamp: o.now(),
	}
	if err := o.queue.Append(ctx, rec); err != nil {
		return notes.Operation{}, err
	}
	o.Kick()
	return rec, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: payload is not valid json", localqueue.ErrInvalidInput)
		}
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return data, nil
	}
}

// Kick asks the run loop for a flush without blocking.
func (o *Orchestrator) Kick() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// Flush submits one batch. It returns ErrFlushInProgress while another flush
// runs and ErrOffline when the status provider reports no connectivity. A
// batch-level failure is returned after every record in the batch has been
// treated as unanswered: pending with one more attempt, or failed at the
// retry ceiling.
func (o *Orchestrator) Flush(ctx context.Context) (FlushReport, error) {
	if !o.status.Online() {
		return FlushReport{}, ErrOffline
	}
	if !o.flushing.CompareAndSwap(false, true) {
		return FlushReport{}, ErrFlushInProgress
	}
	defer o.flushing.Store(false)

	records, err := o.queue.List(ctx)
	if err != nil {
		return FlushReport{}, fmt.Errorf("list queue: %w", err)
	}
	refs := o.newRefCache()
	batch := o.selectBatch(ctx, records, refs)
	if len(batch) == 0 {
		return FlushReport{}, nil
	}

	syncing := notes.StatusSyncing
	marked := make([]notes.Operation, 0, len(batch))
	for _, rec := range batch {
		if err := o.queue.Update(ctx, rec.ID, localqueue.Patch{Status: &syncing}); err != nil {
			o.restore(ctx, marked)
			return FlushReport{}, fmt.Errorf("mark %s syncing: %w", rec.ID, err)
		}
		marked = append(marked, rec)
	}

	submitted := make([]notes.Operation, len(batch))
	for i, rec := range batch {
		rec.Status = notes.StatusSyncing
		rec.Error, rec.ErrorCode = "", ""
		if rec.Type != notes.OpCreate {
			rec.EntityID = refs.resolve(ctx, rec.EntityID)
		}
		submitted[i] = rec
	}

	reqCtx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	resp, err := o.remote.SubmitBatch(reqCtx, submitted)
	cancel()
	if err != nil {
		// Nothing came back, so every record counts a "no response" attempt.
		report := o.applyResults(ctx, batch, notes.BatchResponse{}, refs)
		o.logger.Warn("sync batch failed",
			"operations", len(batch),
			"requeued", report.Requeued,
			"failed", report.Failed,
			"error", err,
		)
		return report, fmt.Errorf("submit batch: %w", err)
	}

	report := o.applyResults(ctx, batch, resp, refs)
	level := slog.LevelInfo
	if report.Failed > 0 || report.Requeued > 0 {
		level = slog.LevelWarn
	}
	o.logger.Log(ctx, level, "sync batch applied",
		"submitted", report.Submitted,
		"synced", report.Synced,
		"failed", report.Failed,
		"requeued", report.Requeued,
		"partial", report.Partial,
		"server_error", resp.Error,
	)
	return report, nil
}

// selectBatch picks the oldest eligible records. Once a record for an entity
// is passed over, every later record for that entity waits for the next
// cycle so intents reach the server in creation order.
func (o *Orchestrator) selectBatch(ctx context.Context, records []notes.Operation, refs *refCache) []notes.Operation {
	blocked := map[string]bool{}
	batch := make([]notes.Operation, 0, o.maxBatchSize)
	for _, rec := range records {
		if len(batch) >= o.maxBatchSize {
			break
		}
		key := refs.resolve(ctx, rec.EntityKey())
		if blocked[key] {
			continue
		}
		if !o.eligible(rec) {
			blocked[key] = true
			continue
		}
		batch = append(batch, rec)
	}
	return batch
}

func (o *Orchestrator) eligible(rec notes.Operation) bool {
	switch rec.Status {
	case notes.StatusPending:
		return true
	case notes.StatusFailed:
		return notes.ErrorKind(rec.ErrorCode).Retryable() && rec.RetryCount < o.retryCeiling
	default:
		return false
	}
}

func (o *Orchestrator) applyResults(ctx context.Context, batch []notes.Operation, resp notes.BatchResponse, refs *refCache) FlushReport {
	// The queue must reflect the response even if the caller gave up.
	ctx = context.WithoutCancel(ctx)
	report := FlushReport{Submitted: len(batch), Partial: resp.Partial}
	byID := make(map[string]notes.OperationResult, len(resp.Results))
	for _, res := range resp.Results {
		if _, seen := byID[res.ID]; !seen {
			byID[res.ID] = res
		}
	}
	stalled := map[string]bool{}
	now := o.now()

	for _, rec := range batch {
		key := refs.resolve(ctx, rec.EntityKey())
		res, ok := byID[rec.ID]
		switch {
		case ok && res.Success:
			if err := o.markSynced(ctx, rec, res, now); err != nil {
				o.logger.Error("record sync result", "op_id", rec.ID, "error", err)
				pending := notes.StatusPending
				o.patch(ctx, rec.ID, localqueue.Patch{Status: &pending})
				report.Requeued++
				continue
			}
			if rec.Type == notes.OpCreate {
				refs.set(rec.EntityKey(), res.EntityID)
			}
			report.Synced++
		case ok && stalled[key]:
			// An earlier intent for this note failed and will be retried,
			// so this one goes back in line without counting an attempt.
			pending := notes.StatusPending
			o.patch(ctx, rec.ID, localqueue.Patch{Status: &pending})
			report.Requeued++
		case ok:
			retries := rec.RetryCount + 1
			failed := notes.StatusFailed
			code := res.ErrorCode
			if code == "" {
				code = string(notes.KindTransient)
			}
			msg := res.Error
			o.patch(ctx, rec.ID, localqueue.Patch{Status: &failed, RetryCount: &retries, Error: &msg, ErrorCode: &code})
			if notes.ErrorKind(code).Retryable() {
				stalled[key] = true
			}
			report.Failed++
		default:
			retries := rec.RetryCount + 1
			status := notes.StatusPending
			if retries >= o.retryCeiling {
				status = notes.StatusFailed
				report.Failed++
			} else {
				report.Requeued++
			}
			msg := noResponseMessage
			code := string(notes.KindNoResponse)
			o.patch(ctx, rec.ID, localqueue.Patch{Status: &status, RetryCount: &retries, Error: &msg, ErrorCode: &code})
			stalled[key] = true
		}
	}
	return report
}

// markSynced records the server id of a create before the record is pruned,
// so a crash in between only leads to a replayed submission.
func (o *Orchestrator) markSynced(ctx context.Context, rec notes.Operation, res notes.OperationResult, now time.Time) error {
	entityID := res.EntityID
	if rec.Type == notes.OpCreate && entityID != "" {
		if err := o.queue.SetMeta(ctx, metaRefPrefix+rec.EntityKey(), entityID); err != nil {
			return err
		}
	}
	if entityID != "" {
		if err := o.queue.SetMeta(ctx, metaLastSyncPrefix+entityID, now.Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return o.queue.Remove(ctx, rec.ID)
}

func (o *Orchestrator) patch(ctx context.Context, id string, p localqueue.Patch) {
	if err := o.queue.Update(ctx, id, p); err != nil {
		o.logger.Error("update queued operation", "op_id", id, "error", err)
	}
}

// restore puts records back to the bookkeeping they had before the flush.
func (o *Orchestrator) restore(ctx context.Context, records []notes.Operation) {
	ctx = context.WithoutCancel(ctx)
	for _, rec := range records {
		status := rec.Status
		o.patch(ctx, rec.ID, localqueue.Patch{Status: &status})
	}
}

// Retry makes failed records eligible again regardless of the retry ceiling.
// With no ids every failed record is retried. It returns how many records
// were reset and wakes the run loop.
func (o *Orchestrator) Retry(ctx context.Context, ids ...string) (int, error) {
	records, err := o.queue.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list queue: %w", err)
	}
	wanted := map[string]bool{}
	for _, id := range ids {
		wanted[id] = true
	}
	pending := notes.StatusPending
	reset := 0
	for _, rec := range records {
		if len(wanted) > 0 && !wanted[rec.ID] {
			continue
		}
		delete(wanted, rec.ID)
		if rec.Status != notes.StatusFailed {
			continue
		}
		if err := o.queue.Update(ctx, rec.ID, localqueue.Patch{Status: &pending}); err != nil {
			return reset, fmt.Errorf("retry %s: %w", rec.ID, err)
		}
		reset++
	}
	if len(wanted) > 0 {
		return reset, fmt.Errorf("%w: %s", ErrUnknownOperation, strings.Join(slices.Sorted(maps.Keys(wanted)), ", "))
	}
	if reset > 0 {
		o.Kick()
	}
	return reset, nil
}

// Discard drops queued intents the user gave up on.
func (o *Orchestrator) Discard(ctx context.Context, ids ...string) (int, error) {
	records, err := o.queue.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list queue: %w", err)
	}
	byID := make(map[string]notes.Operation, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}
	removed := 0
	for _, id := range ids {
		rec, ok := byID[id]
		if !ok {
			return removed, fmt.Errorf("%w: %s", ErrUnknownOperation, id)
		}
		if rec.Status == notes.StatusSyncing {
			return removed, fmt.Errorf("%w: %s", ErrOperationInFlight, id)
		}
		if err := o.queue.Remove(ctx, id); err != nil {
			return removed, fmt.Errorf("discard %s: %w", id, err)
		}
		removed++
	}
	return removed, nil
}

// Status projects the worst outstanding status of a note. entityID may be a
// server id or the local reference of its create.
func (o *Orchestrator) Status(ctx context.Context, entityID string) (EntityStatus, error) {
	records, err := o.queue.List(ctx)
	if err != nil {
		return EntityStatus{}, fmt.Errorf("list queue: %w", err)
	}
	refs := o.newRefCache()
	key := refs.resolve(ctx, entityID)
	out := EntityStatus{
		EntityID:   key,
		Status:     notes.StatusSynced,
		Operations: []notes.Operation{},
	}
	for _, rec := range records {
		if refs.resolve(ctx, rec.EntityKey()) != key {
			continue
		}
		out.Operations = append(out.Operations, rec)
		if rec.Status.Severity() > out.Status.Severity() {
			out.Status = rec.Status
		}
		if rec.Status == notes.StatusFailed && out.Error == "" {
			out.Error = rec.Error
		}
	}
	value, ok, err := o.queue.GetMeta(ctx, metaLastSyncPrefix+key)
	if err != nil {
		return EntityStatus{}, err
	}
	if ok {
		if ts, parseErr := time.Parse(time.RFC3339, value); parseErr == nil {
			out.LastSyncTime = &ts
		}
	}
	return out, nil
}

func (o *Orchestrator) Overview(ctx context.Context) (Overview, error) {
	records, err := o.queue.List(ctx)
	if err != nil {
		return Overview{}, fmt.Errorf("list queue: %w", err)
	}
	var out Overview
	for _, rec := range records {
		switch rec.Status {
		case notes.StatusPending:
			out.Pending++
		case notes.StatusSyncing:
			out.Syncing++
		case notes.StatusFailed:
			out.Failed++
		}
		out.Total++
	}
	return out, nil
}

// HasUnsyncedWork returns how many intents have not reached the server. Synced
// records are pruned, so this is the queue length.
func (o *Orchestrator) HasUnsyncedWork(ctx context.Context) (int, error) {
	records, err := o.queue.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list queue: %w", err)
	}
	return len(records), nil
}

// ResolveEntity maps a local reference to the server id once its create has
// synced. Any other id is returned unchanged.
func (o *Orchestrator) ResolveEntity(ctx context.Context, entityID string) string {
	return o.newRefCache().resolve(ctx, entityID)
}

// Run flushes on a jittered timer, when connectivity returns and whenever
// Kick is called, until ctx is done. Flushes never overlap because they all
// run on this goroutine.
func (o *Orchestrator) Run(ctx context.Context) error {
	timer := time.NewTimer(o.nextInterval())
	defer timer.Stop()
	changes := o.status.Changes()

	o.runFlush(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if online {
				o.runFlush(ctx, "network")
			}
		case <-o.kick:
			o.runFlush(ctx, "kick")
		case <-timer.C:
			o.runFlush(ctx, "timer")
			timer.Reset(o.nextInterval())
		}
	}
}

func (o *Orchestrator) runFlush(ctx context.Context, trigger string) {
	report, err := o.Flush(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrOffline), errors.Is(err, ErrFlushInProgress):
		o.logger.Debug("flush skipped", "trigger", trigger, "reason", err)
		return
	case ctx.Err() != nil:
		return
	default:
		o.logger.Warn("flush failed", "trigger", trigger, "error", err)
		return
	}
	// A full batch usually means more work is waiting.
	if report.Submitted >= o.maxBatchSize && report.Synced > 0 {
		o.Kick()
	}
}

func (o *Orchestrator) nextInterval() time.Duration {
	return jitteredIntervalWithSample(o.flushInterval, o.intervalJitter, rand.Float64())
}

type refCache struct {
	queue localqueue.Store
	known map[string]string
}

func (o *Orchestrator) newRefCache() *refCache {
	return &refCache{queue: o.queue, known: map[string]string{}}
}

func (c *refCache) resolve(ctx context.Context, entityID string) string {
	if !notes.IsLocalRef(entityID) {
		return entityID
	}
	if id, ok := c.known[entityID]; ok {
		return id
	}
	id := entityID
	if value, ok, err := c.queue.GetMeta(ctx, metaRefPrefix+entityID); err == nil && ok && value != "" {
		id = value
	}
	c.known[entityID] = id
	return id
}

func (c *refCache) set(ref, id string) {
	if id != "" {
		c.known[ref] = id
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
