package localqueue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/notesync/internal/notes"
)

// FileStore keeps the whole queue in one JSON document that is rewritten
// through a temporary file on every mutation.
type FileStore struct {
	path  string
	mu    sync.Mutex
	items []notes.Operation
	meta  map[string]string
}

type fileStoreState struct {
	Items []notes.Operation `json:"items"`
	Meta  map[string]string `json:"meta,omitempty"`
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &FileStore{
		path:  path,
		items: []notes.Operation{},
		meta:  map[string]string{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Append(ctx context.Context, rec notes.Operation) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if indexOfRecord(s.items, rec.ID) >= 0 {
		return ErrDuplicate
	}
	s.items = append(s.items, normalizeRecord(rec))
	if err := s.saveLocked(); err != nil {
		s.items = s.items[:len(s.items)-1]
		return err
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]notes.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notes.Operation(nil), s.items...), nil
}

func (s *FileStore) Update(ctx context.Context, id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := indexOfRecord(s.items, id)
	if i < 0 {
		return nil
	}
	previous := s.items[i]
	patch.apply(&s.items[i])
	if err := s.saveLocked(); err != nil {
		s.items[i] = previous
		return err
	}
	return nil
}

func (s *FileStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := indexOfRecord(s.items, id)
	if i < 0 {
		return nil
	}
	previous := append([]notes.Operation(nil), s.items...)
	s.items = append(s.items[:i:i], s.items[i+1:]...)
	if err := s.saveLocked(); err != nil {
		s.items = previous
		return err
	}
	return nil
}

func (s *FileStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.meta[key]
	return value, ok, nil
}

func (s *FileStore) SetMeta(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, had := s.meta[key]
	s.meta[key] = value
	if err := s.saveLocked(); err != nil {
		if had {
			s.meta[key] = previous
		} else {
			delete(s.meta, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileStoreState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.Items != nil {
		s.items = snapshot.Items
	}
	if snapshot.Meta != nil {
		s.meta = snapshot.Meta
	}
	return nil
}

func (s *FileStore) saveLocked() error {
	data, err := json.Marshal(fileStoreState{Items: s.items, Meta: s.meta})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
