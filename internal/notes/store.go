package notes

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Mutation is one reconciled change, persisted together with its ledger
// entry. ExpectedVersion is the version the reconciler read; a store must
// reject the write with ErrVersionConflict when the current version differs.
type Mutation struct {
	OwnerID         string
	OpID            string
	Type            OpType
	Note            Note
	ExpectedVersion int64
	Result          OperationResult
}

// EntityStore persists notes, their version history and the idempotency
// ledger keyed by (owner, op id).
type EntityStore interface {
	GetNote(ctx context.Context, id string) (Note, error)
	ListNotes(ctx context.Context, ownerID string) ([]Note, error)
	ListVersions(ctx context.Context, noteID string) ([]NoteVersion, error)
	LookupApplied(ctx context.Context, ownerID, opID string) (OperationResult, bool, error)
	// Apply writes the mutation and its ledger entry atomically. When the
	// ledger already holds the op id, the stored result is returned with
	// Replayed set and nothing else changes.
	Apply(ctx context.Context, m Mutation) (OperationResult, error)
	Close() error
}

type ledgerKey struct {
	owner string
	opID  string
}

type MemoryStore struct {
	mu       sync.RWMutex
	notes    map[string]Note
	versions map[string][]NoteVersion
	applied  map[ledgerKey]OperationResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notes:    map[string]Note{},
		versions: map[string][]NoteVersion{},
		applied:  map[ledgerKey]OperationResult{},
	}
}

func (s *MemoryStore) GetNote(ctx context.Context, id string) (Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	note, ok := s.notes[strings.TrimSpace(id)]
	if !ok {
		return Note{}, ErrNotFound
	}
	return cloneNote(note), nil
}

func (s *MemoryStore) ListNotes(ctx context.Context, ownerID string) ([]Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Note, 0)
	for _, note := range s.notes {
		if note.OwnerID == ownerID {
			out = append(out, cloneNote(note))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ListVersions(ctx context.Context, noteID string) ([]NoteVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]NoteVersion(nil), s.versions[noteID]...), nil
}

func (s *MemoryStore) LookupApplied(ctx context.Context, ownerID, opID string) (OperationResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.applied[ledgerKey{owner: ownerID, opID: opID}]
	return result, ok, nil
}

func (s *MemoryStore) Apply(ctx context.Context, m Mutation) (OperationResult, error) {
	if err := ctx.Err(); err != nil {
		return OperationResult{}, err
	}
	if strings.TrimSpace(m.OpID) == "" || strings.TrimSpace(m.Note.ID) == "" {
		return OperationResult{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ledgerKey{owner: m.OwnerID, opID: m.OpID}
	if prior, ok := s.applied[key]; ok {
		prior.Replayed = true
		return prior, nil
	}

	current, exists := s.notes[m.Note.ID]
	switch m.Type {
	case OpCreate:
		if exists {
			return OperationResult{}, ErrVersionConflict
		}
		s.notes[m.Note.ID] = cloneNote(m.Note)
		s.versions[m.Note.ID] = append(s.versions[m.Note.ID], versionOf(m.Note, m.OpID, false))
	case OpUpdate:
		if !exists {
			return OperationResult{}, ErrNotFound
		}
		if current.Version != m.ExpectedVersion {
			return OperationResult{}, ErrVersionConflict
		}
		s.notes[m.Note.ID] = cloneNote(m.Note)
		s.versions[m.Note.ID] = append(s.versions[m.Note.ID], versionOf(m.Note, m.OpID, false))
	case OpDelete:
		if exists {
			if current.Version != m.ExpectedVersion {
				return OperationResult{}, ErrVersionConflict
			}
			delete(s.notes, m.Note.ID)
			s.versions[m.Note.ID] = append(s.versions[m.Note.ID], versionOf(m.Note, m.OpID, true))
		}
	default:
		return OperationResult{}, ErrInvalidInput
	}
	s.applied[key] = m.Result
	return m.Result, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneNote(n Note) Note {
	if n.Summary != nil {
		summary := *n.Summary
		n.Summary = &summary
	}
	if n.Embedding != nil {
		n.Embedding = append([]float32(nil), n.Embedding...)
	}
	return n
}
