package localqueue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/agentworkforce/notesync/internal/notes"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - operations and metadata tables
// 2 - operations.error_code
const currentSchemaVersion = 2

// SQLiteStore is the default on-device queue. One connection serializes all
// writers; WAL with synchronous=FULL makes every committed Append survive a
// crash.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to queue database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version == 1 {
		// Version 1 queues predate error codes.
		if _, err := db.Exec("ALTER TABLE operations ADD COLUMN error_code TEXT NOT NULL DEFAULT ''"); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec notes.Operation) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	rec = normalizeRecord(rec)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (id, seq, type, entity_id, payload, status, timestamp, retry_count, error, error_code)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?, ?, ?
		FROM operations`,
		rec.ID, string(rec.Type), rec.EntityID, string(rec.Payload), string(rec.Status),
		rec.Timestamp.Format(time.RFC3339Nano), rec.RetryCount, rec.Error, rec.ErrorCode,
	)
	if isPrimaryKeyViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("append operation %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]notes.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, entity_id, payload, status, timestamp, retry_count, error, error_code
		FROM operations
		ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	out := make([]notes.Operation, 0)
	for rows.Next() {
		var (
			rec       notes.Operation
			opType    string
			payload   string
			status    string
			timestamp string
		)
		if err := rows.Scan(&rec.ID, &opType, &rec.EntityID, &payload, &status, &timestamp, &rec.RetryCount, &rec.Error, &rec.ErrorCode); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		rec.Type = notes.OpType(opType)
		rec.Status = notes.Status(status)
		if payload != "" {
			rec.Payload = []byte(payload)
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
			return nil, fmt.Errorf("parse timestamp of %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Update(ctx context.Context, id string, patch Patch) error {
	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *patch.RetryCount)
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}
	if patch.ErrorCode != nil {
		sets = append(sets, "error_code = ?")
		args = append(args, *patch.ErrorCode)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := "UPDATE operations SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update operation %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM operations WHERE id = ?", id); err != nil {
		return fmt.Errorf("remove operation %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get metadata %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isPrimaryKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
