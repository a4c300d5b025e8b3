package localqueue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/notesync/internal/notes"
)

type storeCase struct {
	name   string
	open   func(t *testing.T) Store
	reopen func(t *testing.T) Store
}

func storeCases() []storeCase {
	var sqlitePath, filePath string
	return []storeCase{
		{
			name: "memory",
			open: func(t *testing.T) Store { return NewMemoryStore() },
		},
		{
			name: "file",
			open: func(t *testing.T) Store {
				filePath = filepath.Join(t.TempDir(), "queue.json")
				s, err := NewFileStore(filePath)
				require.NoError(t, err)
				return s
			},
			reopen: func(t *testing.T) Store {
				s, err := NewFileStore(filePath)
				require.NoError(t, err)
				return s
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T) Store {
				sqlitePath = filepath.Join(t.TempDir(), "queue.db")
				s, err := OpenSQLiteStore(sqlitePath)
				require.NoError(t, err)
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
			reopen: func(t *testing.T) Store {
				s, err := OpenSQLiteStore(sqlitePath)
				require.NoError(t, err)
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
	}
}

func testRecord(id string, typ notes.OpType, entityID string) notes.Operation {
	return notes.Operation{
		ID:        id,
		Type:      typ,
		EntityID:  entityID,
		Payload:   json.RawMessage(`{"title":"t"}`),
		Status:    notes.StatusPending,
		Timestamp: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
}

func TestStoreContract(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			s := tc.open(t)

			require.NoError(t, s.Append(ctx, testRecord("op_1", notes.OpCreate, "")))
			require.NoError(t, s.Append(ctx, testRecord("op_2", notes.OpUpdate, "local:op_1")))
			require.NoError(t, s.Append(ctx, testRecord("op_3", notes.OpDelete, "note_9")))
			assert.ErrorIs(t, s.Append(ctx, testRecord("op_2", notes.OpUpdate, "x")), ErrDuplicate)
			assert.ErrorIs(t, s.Append(ctx, notes.Operation{ID: "op_bad", Type: "rename"}), ErrInvalidInput)

			failed := notes.StatusFailed
			retries := 2
			msg := "no response"
			code := string(notes.KindNoResponse)
			require.NoError(t, s.Update(ctx, "op_2", Patch{Status: &failed, RetryCount: &retries, Error: &msg, ErrorCode: &code}))
			require.NoError(t, s.Update(ctx, "op_missing", Patch{Status: &failed}))
			require.NoError(t, s.Remove(ctx, "op_1"))
			require.NoError(t, s.Remove(ctx, "op_missing"))
			require.NoError(t, s.SetMeta(ctx, "ref:local:op_1", "note_1"))
			require.NoError(t, s.SetMeta(ctx, "ref:local:op_1", "note_2"))

			check := func(s Store) {
				records, err := s.List(ctx)
				require.NoError(t, err)
				require.Len(t, records, 2)
				assert.Equal(t, "op_2", records[0].ID, "creation order is preserved")
				assert.Equal(t, "op_3", records[1].ID)

				updated := records[0]
				assert.Equal(t, notes.StatusFailed, updated.Status)
				assert.Equal(t, 2, updated.RetryCount)
				assert.Equal(t, "no response", updated.Error)
				assert.Equal(t, string(notes.KindNoResponse), updated.ErrorCode)
				assert.Equal(t, notes.OpUpdate, updated.Type)
				assert.Equal(t, "local:op_1", updated.EntityID)
				assert.JSONEq(t, `{"title":"t"}`, string(updated.Payload))
				assert.True(t, updated.Timestamp.Equal(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)))

				value, ok, err := s.GetMeta(ctx, "ref:local:op_1")
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, "note_2", value)

				_, ok, err = s.GetMeta(ctx, "ref:local:unknown")
				require.NoError(t, err)
				assert.False(t, ok)
			}
			check(s)
			if tc.reopen != nil {
				require.NoError(t, s.Close())
				check(tc.reopen(t))
			}
		})
	}
}

func TestAppendAfterRemoveKeepsOrder(t *testing.T) {
	for _, tc := range storeCases() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			s := tc.open(t)
			require.NoError(t, s.Append(ctx, testRecord("a", notes.OpCreate, "")))
			require.NoError(t, s.Append(ctx, testRecord("b", notes.OpCreate, "")))
			require.NoError(t, s.Remove(ctx, "b"))
			require.NoError(t, s.Append(ctx, testRecord("c", notes.OpCreate, "")))

			records, err := s.List(ctx)
			require.NoError(t, err)
			ids := make([]string, 0, len(records))
			for _, r := range records {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, []string{"a", "c"}, ids)
		})
	}
}

func TestBuildStoreFromDSN(t *testing.T) {
	dir := t.TempDir()

	s, err := BuildStoreFromDSN("sqlite://" + filepath.Join(dir, "q.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	s, err = BuildStoreFromDSN(filepath.Join(dir, "bare.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	s, err = BuildStoreFromDSN("file://" + filepath.Join(dir, "q.json"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = BuildStoreFromDSN(filepath.Join(dir, "bare.json"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = BuildStoreFromDSN("memory://")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = BuildStoreFromDSN("redis://localhost:6379")
	assert.ErrorIs(t, err, ErrNotImplemented)

	_, err = BuildStoreFromDSN("gopher://hole")
	assert.Error(t, err)

	_, err = BuildStoreFromDSN("   ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRegisteredStoreFactoryTakesPrecedence(t *testing.T) {
	custom := NewMemoryStore()
	RegisterStoreFactory("queue-test", func(dsn string) (Store, error) {
		return custom, nil
	})
	s, err := BuildStoreFromDSN("queue-test://x")
	require.NoError(t, err)
	assert.Same(t, custom, s)
}

func TestSQLiteStoreMigratesVersionOneQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	s, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	_, err = s.db.Exec("DROP TABLE operations")
	require.NoError(t, err)
	_, err = s.db.Exec(`CREATE TABLE operations (
		id TEXT PRIMARY KEY, seq INTEGER NOT NULL, type TEXT NOT NULL,
		entity_id TEXT NOT NULL DEFAULT '', payload TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL, timestamp TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0, error TEXT NOT NULL DEFAULT '')`)
	require.NoError(t, err)
	_, err = s.db.Exec("PRAGMA user_version = 1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	migrated, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = migrated.Close() })
	require.NoError(t, migrated.Append(context.Background(), testRecord("op_1", notes.OpCreate, "")))
	records, err := migrated.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].ErrorCode)
}
