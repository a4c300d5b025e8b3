// Package localqueue is the durable client-side log of note operations that
// have not yet been reconciled with the server, plus a small metadata table.
package localqueue

import (
	"context"
	"errors"

	"github.com/agentworkforce/notesync/internal/notes"
)

var (
	ErrDuplicate      = errors.New("operation already queued")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Store is the persistence contract of the queue. Append is durable before it
// returns. List returns records in creation order. Update and Remove of an
// unknown id are no-ops.
type Store interface {
	Append(ctx context.Context, rec notes.Operation) error
	List(ctx context.Context) ([]notes.Operation, error)
	Update(ctx context.Context, id string, patch Patch) error
	Remove(ctx context.Context, id string) error
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
	Close() error
}

// Patch changes the bookkeeping fields of a record. Nil fields are untouched.
type Patch struct {
	Status     *notes.Status
	RetryCount *int
	Error      *string
	ErrorCode  *string
}

func (p Patch) apply(rec *notes.Operation) {
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.RetryCount != nil {
		rec.RetryCount = *p.RetryCount
	}
	if p.Error != nil {
		rec.Error = *p.Error
	}
	if p.ErrorCode != nil {
		rec.ErrorCode = *p.ErrorCode
	}
}

func validateRecord(rec notes.Operation) error {
	if rec.ID == "" || !rec.Type.Valid() {
		return ErrInvalidInput
	}
	return nil
}

func normalizeRecord(rec notes.Operation) notes.Operation {
	if rec.Status == "" {
		rec.Status = notes.StatusPending
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if rec.Payload != nil {
		rec.Payload = append([]byte(nil), rec.Payload...)
	}
	return rec
}
