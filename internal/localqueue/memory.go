package localqueue

import (
	"context"
	"sync"

	"github.com/agentworkforce/notesync/internal/notes"
)

type MemoryStore struct {
	mu    sync.Mutex
	items []notes.Operation
	meta  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: []notes.Operation{},
		meta:  map[string]string{},
	}
}

func (s *MemoryStore) Append(ctx context.Context, rec notes.Operation) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if indexOfRecord(s.items, rec.ID) >= 0 {
		return ErrDuplicate
	}
	s.items = append(s.items, normalizeRecord(rec))
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]notes.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notes.Operation(nil), s.items...), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexOfRecord(s.items, id); i >= 0 {
		patch.apply(&s.items[i])
	}
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexOfRecord(s.items, id); i >= 0 {
		s.items = append(s.items[:i:i], s.items[i+1:]...)
	}
	return nil
}

func (s *MemoryStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.meta[key]
	return value, ok, nil
}

func (s *MemoryStore) SetMeta(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func indexOfRecord(items []notes.Operation, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}
