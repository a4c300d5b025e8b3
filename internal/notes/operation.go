package notes

import (
	"encoding/json"
	"strings"
	"time"
)

type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

func (t OpType) Valid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// Severity orders statuses for the per-entity projection: the worst
// outstanding status wins.
func (s Status) Severity() int {
	switch s {
	case StatusFailed:
		return 3
	case StatusSyncing:
		return 2
	case StatusPending:
		return 1
	default:
		return 0
	}
}

// LocalRefPrefix marks an entity reference that points at a create which has
// no server id yet.
const LocalRefPrefix = "local:"

func LocalRef(createOpID string) string {
	return LocalRefPrefix + createOpID
}

func IsLocalRef(entityID string) bool {
	return strings.HasPrefix(entityID, LocalRefPrefix)
}

// LocalRefOpID returns the create op id behind a local reference.
func LocalRefOpID(ref string) (string, bool) {
	if !IsLocalRef(ref) {
		return "", false
	}
	id := strings.TrimPrefix(ref, LocalRefPrefix)
	return id, id != ""
}

// Operation is one queued user intent. The intent fields never change after
// it is appended; Status, RetryCount, Error and ErrorCode are bookkeeping.
type Operation struct {
	ID         string          `json:"id"`
	Type       OpType          `json:"type"`
	EntityID   string          `json:"entityId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     Status          `json:"status,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  string          `json:"errorCode,omitempty"`
}

// EntityKey identifies the entity an operation targets. A create is keyed by
// its own local reference.
func (op Operation) EntityKey() string {
	if op.Type == OpCreate {
		return LocalRef(op.ID)
	}
	return op.EntityID
}

type OperationResult struct {
	ID        string `json:"id"`
	Success   bool   `json:"success"`
	EntityID  string `json:"entityId,omitempty"`
	Version   int64  `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
	Replayed  bool   `json:"replayed,omitempty"`
}

func failureResult(opID string, err error) OperationResult {
	return OperationResult{
		ID:        opID,
		Success:   false,
		Error:     err.Error(),
		ErrorCode: string(KindOf(err)),
	}
}

type BatchSummary struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

type BatchResponse struct {
	Results []OperationResult `json:"results"`
	Summary BatchSummary      `json:"summary"`
	Error   string            `json:"error,omitempty"`
	Partial bool              `json:"partial,omitempty"`
}

type Note struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Category  string    `json:"category,omitempty"`
	Summary   *string   `json:"summary"`
	Embedding []float32 `json:"embedding,omitempty"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type NoteVersion struct {
	NoteID    string    `json:"noteId"`
	Version   int64     `json:"version"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Category  string    `json:"category,omitempty"`
	OpID      string    `json:"opId"`
	Deleted   bool      `json:"deleted,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func versionOf(n Note, opID string, deleted bool) NoteVersion {
	return NoteVersion{
		NoteID:    n.ID,
		Version:   n.Version,
		Title:     n.Title,
		Content:   n.Content,
		Category:  n.Category,
		OpID:      opID,
		Deleted:   deleted,
		UpdatedAt: n.UpdatedAt,
	}
}

// NoteFields is the decoded payload of a create or update. Nil fields are
// absent from the payload and leave the stored value untouched.
type NoteFields struct {
	Title    *string `json:"title,omitempty"`
	Content  *string `json:"content,omitempty"`
	Category *string `json:"category,omitempty"`
}

func (f NoteFields) Empty() bool {
	return f.Title == nil && f.Content == nil && f.Category == nil
}

func (f NoteFields) apply(n *Note) {
	if f.Title != nil {
		n.Title = *f.Title
	}
	if f.Content != nil {
		n.Content = *f.Content
	}
	if f.Category != nil {
		n.Category = *f.Category
	}
}

// affectsDerived reports whether the fields feed summary or embedding input.
func (f NoteFields) affectsDerived() bool {
	return f.Title != nil || f.Content != nil
}
