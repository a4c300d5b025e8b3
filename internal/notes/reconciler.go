package notes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"
)

const (
	defaultDerivedTimeout     = 5 * time.Second
	defaultMaxConflictRetries = 3
)

type ReconcilerOptions struct {
	Summarizer         Summarizer
	Embedder           Embedder
	DerivedTimeout     time.Duration
	MaxConflictRetries int
	Logger             *slog.Logger
	Now                func() time.Time
	NewID              func() string
}

// Reconciler turns one queued operation into a persisted note mutation.
// Ownership is checked against the authenticated caller, replays are answered
// from the idempotency ledger and concurrent updates are resolved last writer
// wins per field set.
type Reconciler struct {
	store              EntityStore
	validator          *payloadValidator
	summarizer         Summarizer
	embedder           Embedder
	derivedTimeout     time.Duration
	maxConflictRetries int
	logger             *slog.Logger
	now                func() time.Time
	newID              func() string
	inflight           singleflight.Group
}

func NewReconciler(store EntityStore, opts ReconcilerOptions) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("entity store is required")
	}
	validator, err := newPayloadValidator()
	if err != nil {
		return nil, err
	}
	if opts.DerivedTimeout <= 0 {
		opts.DerivedTimeout = defaultDerivedTimeout
	}
	if opts.MaxConflictRetries <= 0 {
		opts.MaxConflictRetries = defaultMaxConflictRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return "note_" + strings.ToLower(ulid.Make().String()) }
	}
	return &Reconciler{
		store:              store,
		validator:          validator,
		summarizer:         opts.Summarizer,
		embedder:           opts.Embedder,
		derivedTimeout:     opts.DerivedTimeout,
		maxConflictRetries: opts.MaxConflictRetries,
		logger:             opts.Logger,
		now:                opts.Now,
		newID:              opts.NewID,
	}, nil
}

// Reconcile never returns an error: every failure is reported in the result.
// Concurrent calls for the same caller and op id share one execution.
func (r *Reconciler) Reconcile(ctx context.Context, caller string, op Operation) OperationResult {
	if strings.TrimSpace(op.ID) == "" {
		return failureResult("", newOpError(KindValidation, "", "operation id is required"))
	}
	if strings.TrimSpace(caller) == "" {
		return failureResult(op.ID, newOpError(KindOwnership, op.ID, "caller identity is required"))
	}
	v, _, _ := r.inflight.Do(caller+"|"+op.ID, func() (any, error) {
		return r.reconcile(ctx, caller, op), nil
	})
	result := v.(OperationResult)
	result.ID = op.ID
	return result
}

func (r *Reconciler) reconcile(ctx context.Context, caller string, op Operation) OperationResult {
	if !op.Type.Valid() {
		return failureResult(op.ID, newOpError(KindValidation, op.ID, "unsupported operation type %q", op.Type))
	}
	prior, ok, err := r.store.LookupApplied(ctx, caller, op.ID)
	if err != nil {
		return failureResult(op.ID, r.storeError(op.ID, err))
	}
	if ok {
		prior.Replayed = true
		return prior
	}
	// Access to the target is settled before its payload is looked at.
	if op.Type == OpUpdate {
		id, err := r.targetID(ctx, caller, op)
		if err != nil {
			return failureResult(op.ID, err)
		}
		if _, err := r.ownedNote(ctx, caller, op.ID, id); err != nil {
			return failureResult(op.ID, err)
		}
	}
	fields, err := r.validator.Fields(op)
	if err != nil {
		return failureResult(op.ID, err)
	}

	var result OperationResult
	switch op.Type {
	case OpCreate:
		result, err = r.applyCreate(ctx, caller, op, fields)
	case OpUpdate:
		result, err = r.applyUpdate(ctx, caller, op, fields)
	case OpDelete:
		result, err = r.applyDelete(ctx, caller, op)
	}
	if err != nil {
		return failureResult(op.ID, err)
	}
	return result
}

// ResolveRef maps a local reference to the note created by that op id in an
// earlier batch. Other ids are returned unchanged.
func (r *Reconciler) ResolveRef(ctx context.Context, caller, ref string) (string, error) {
	createOpID, ok := LocalRefOpID(ref)
	if !ok {
		if IsLocalRef(ref) {
			return "", newOpError(KindValidation, "", "malformed entity reference %q", ref)
		}
		return ref, nil
	}
	prior, found, err := r.store.LookupApplied(ctx, caller, createOpID)
	if err != nil {
		return "", r.storeError("", err)
	}
	if !found || !prior.Success || prior.EntityID == "" {
		return "", newOpError(KindValidation, "", "unresolved entity reference %s", ref)
	}
	return prior.EntityID, nil
}

func (r *Reconciler) applyCreate(ctx context.Context, caller string, op Operation, fields NoteFields) (OperationResult, error) {
	if op.EntityID != "" && op.EntityID != LocalRef(op.ID) {
		return OperationResult{}, newOpError(KindValidation, op.ID, "create must not reference an existing entity")
	}
	now := r.now()
	note := Note{
		ID:        r.newID(),
		OwnerID:   caller,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	fields.apply(&note)
	derived := r.computeDerived(ctx, op.ID, note.Title, note.Content)
	note.Summary, note.Embedding = derived.summary, derived.embedding

	result := OperationResult{ID: op.ID, Success: true, EntityID: note.ID, Version: note.Version}
	stored, err := r.store.Apply(ctx, Mutation{
		OwnerID: caller,
		OpID:    op.ID,
		Type:    OpCreate,
		Note:    note,
		Result:  result,
	})
	if err != nil {
		return OperationResult{}, r.storeError(op.ID, err)
	}
	return stored, nil
}

func (r *Reconciler) applyUpdate(ctx context.Context, caller string, op Operation, fields NoteFields) (OperationResult, error) {
	id, err := r.targetID(ctx, caller, op)
	if err != nil {
		return OperationResult{}, err
	}
	var derived *derivedData
	for attempt := 0; attempt < r.maxConflictRetries; attempt++ {
		current, err := r.ownedNote(ctx, caller, op.ID, id)
		if err != nil {
			return OperationResult{}, err
		}
		next := cloneNote(current)
		fields.apply(&next)
		next.Version = current.Version + 1
		next.UpdatedAt = r.now()
		if fields.affectsDerived() {
			if derived == nil || derived.title != next.Title || derived.content != next.Content {
				derived = r.computeDerived(ctx, op.ID, next.Title, next.Content)
			}
			next.Summary, next.Embedding = derived.summary, derived.embedding
		}

		stored, err := r.store.Apply(ctx, Mutation{
			OwnerID:         caller,
			OpID:            op.ID,
			Type:            OpUpdate,
			Note:            next,
			ExpectedVersion: current.Version,
			Result:          OperationResult{ID: op.ID, Success: true, EntityID: id, Version: next.Version},
		})
		if errors.Is(err, ErrVersionConflict) {
			r.logger.Debug("version conflict, retrying update", "op_id", op.ID, "note_id", id, "attempt", attempt+1)
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return OperationResult{}, newOpError(KindNotFound, op.ID, "note %s does not exist", id)
		}
		if err != nil {
			return OperationResult{}, r.storeError(op.ID, err)
		}
		return stored, nil
	}
	return OperationResult{}, newOpError(KindTransient, op.ID, "note %s kept changing concurrently", id)
}

func (r *Reconciler) applyDelete(ctx context.Context, caller string, op Operation) (OperationResult, error) {
	id, err := r.targetID(ctx, caller, op)
	if err != nil {
		return OperationResult{}, err
	}
	for attempt := 0; attempt < r.maxConflictRetries; attempt++ {
		current, err := r.ownedNote(ctx, caller, op.ID, id)
		m := Mutation{OwnerID: caller, OpID: op.ID, Type: OpDelete}
		switch {
		case errors.Is(err, ErrNotFound):
			m.Note = Note{ID: id}
			m.Result = OperationResult{ID: op.ID, Success: true, EntityID: id}
		case err != nil:
			return OperationResult{}, err
		default:
			gone := cloneNote(current)
			gone.Version = current.Version + 1
			gone.UpdatedAt = r.now()
			m.Note = gone
			m.ExpectedVersion = current.Version
			m.Result = OperationResult{ID: op.ID, Success: true, EntityID: id, Version: gone.Version}
		}
		stored, err := r.store.Apply(ctx, m)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return OperationResult{}, r.storeError(op.ID, err)
		}
		return stored, nil
	}
	return OperationResult{}, newOpError(KindTransient, op.ID, "note %s kept changing concurrently", id)
}

func (r *Reconciler) targetID(ctx context.Context, caller string, op Operation) (string, error) {
	ref := strings.TrimSpace(op.EntityID)
	if ref == "" {
		return "", newOpError(KindValidation, op.ID, "%s requires an entity id", op.Type)
	}
	id, err := r.ResolveRef(ctx, caller, ref)
	if err != nil {
		var opErr *OpError
		if errors.As(err, &opErr) && opErr.OpID == "" {
			opErr.OpID = op.ID
		}
		return "", err
	}
	return id, nil
}

// ownedNote reports a missing note with an error matching ErrNotFound.
func (r *Reconciler) ownedNote(ctx context.Context, caller, opID, id string) (Note, error) {
	current, err := r.store.GetNote(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Note{}, newOpError(KindNotFound, opID, "note %s does not exist", id)
	}
	if err != nil {
		return Note{}, r.storeError(opID, err)
	}
	if current.OwnerID != caller {
		return Note{}, newOpError(KindOwnership, opID, "note %s belongs to another user", id)
	}
	return current, nil
}

func (r *Reconciler) storeError(opID string, err error) error {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return err
	}
	kind := KindTransient
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &OpError{Kind: kind, OpID: opID, Message: "persist note", Err: err}
}

type derivedData struct {
	title     string
	content   string
	summary   *string
	embedding []float32
}

// computeDerived is best effort: failures are logged and leave the field nil.
func (r *Reconciler) computeDerived(ctx context.Context, opID, title, content string) *derivedData {
	d := &derivedData{title: title, content: content}
	if r.summarizer != nil {
		summary, err := runDerived(ctx, r.derivedTimeout, func(ctx context.Context) (string, error) {
			return r.summarizer.Summarize(ctx, title, content)
		})
		if err != nil {
			r.logDerivedFailure(opID, "summary", err)
		} else {
			d.summary = &summary
		}
	}
	if r.embedder != nil {
		embedding, err := runDerived(ctx, r.derivedTimeout, func(ctx context.Context) ([]float32, error) {
			return r.embedder.Embed(ctx, strings.TrimSpace(title+"\n\n"+content))
		})
		if err != nil {
			r.logDerivedFailure(opID, "embedding", err)
		} else {
			d.embedding = embedding
		}
	}
	return d
}

func (r *Reconciler) logDerivedFailure(opID, field string, err error) {
	r.logger.Warn("derived data unavailable",
		"op_id", opID,
		"field", field,
		"error_kind", string(KindDerivedData),
		"error", err,
	)
}

type derivedOutcome[T any] struct {
	value T
	err   error
}

func runDerived[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan derivedOutcome[T], 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- derivedOutcome[T]{err: fmt.Errorf("%w: panic: %v", ErrDerivedData, rec)}
			}
		}()
		value, err := fn(ctx)
		done <- derivedOutcome[T]{value: value, err: err}
	}()

	var zero T
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %w", ErrDerivedData, ctx.Err())
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, ErrDerivedData) {
				return zero, out.err
			}
			return zero, fmt.Errorf("%w: %w", ErrDerivedData, out.err)
		}
		return out.value, nil
	}
}
