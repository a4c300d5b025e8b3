package notes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresNotesTableName    = "notesync_notes"
	postgresVersionsTableName = "notesync_note_versions"
	postgresAppliedTableName  = "notesync_applied_ops"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresStore struct {
	dsn           string
	notesTable    string
	versionsTable string
	appliedTable  string
	openDB        sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:           dsn,
		notesTable:    postgresNotesTableName,
		versionsTable: postgresVersionsTableName,
		appliedTable:  postgresAppliedTableName,
		openDB:        sql.Open,
	}, nil
}

func (s *PostgresStore) GetNote(ctx context.Context, id string) (Note, error) {
	if err := s.ensureReady(); err != nil {
		return Note{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT id, owner_id, title, content, category, summary, embedding, version, created_at, updated_at
		FROM %s WHERE id = $1`, postgresQuoteIdentifier(s.notesTable))
	note, err := scanNote(s.db.QueryRowContext(ctx, query, strings.TrimSpace(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	return note, err
}

func (s *PostgresStore) ListNotes(ctx context.Context, ownerID string) ([]Note, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT id, owner_id, title, content, category, summary, embedding, version, created_at, updated_at
		FROM %s WHERE owner_id = $1 ORDER BY id ASC`, postgresQuoteIdentifier(s.notesTable))
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Note, 0)
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, note)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListVersions(ctx context.Context, noteID string) ([]NoteVersion, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT note_id, version, title, content, category, op_id, deleted, updated_at
		FROM %s WHERE note_id = $1 ORDER BY version ASC, id ASC`, postgresQuoteIdentifier(s.versionsTable))
	rows, err := s.db.QueryContext(ctx, query, noteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]NoteVersion, 0)
	for rows.Next() {
		var v NoteVersion
		if err := rows.Scan(&v.NoteID, &v.Version, &v.Title, &v.Content, &v.Category, &v.OpID, &v.Deleted, &v.UpdatedAt); err != nil {
			return nil, err
		}
		v.UpdatedAt = v.UpdatedAt.UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LookupApplied(ctx context.Context, ownerID, opID string) (OperationResult, bool, error) {
	if err := s.ensureReady(); err != nil {
		return OperationResult{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return s.lookupApplied(ctx, s.db, ownerID, opID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) lookupApplied(ctx context.Context, q queryRower, ownerID, opID string) (OperationResult, bool, error) {
	query := fmt.Sprintf("SELECT result FROM %s WHERE owner_id = $1 AND op_id = $2", postgresQuoteIdentifier(s.appliedTable))
	var payload string
	err := q.QueryRowContext(ctx, query, ownerID, opID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return OperationResult{}, false, nil
	}
	if err != nil {
		return OperationResult{}, false, err
	}
	var result OperationResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return OperationResult{}, false, err
	}
	return result, true, nil
}

func (s *PostgresStore) Apply(ctx context.Context, m Mutation) (OperationResult, error) {
	if strings.TrimSpace(m.OpID) == "" || strings.TrimSpace(m.Note.ID) == "" {
		return OperationResult{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return OperationResult{}, err
	}
	resultPayload, err := json.Marshal(m.Result)
	if err != nil {
		return OperationResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return OperationResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	ledgerQuery := fmt.Sprintf(`
		INSERT INTO %s (owner_id, op_id, note_id, result, applied_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (owner_id, op_id) DO NOTHING`, postgresQuoteIdentifier(s.appliedTable))
	res, err := tx.ExecContext(ctx, ledgerQuery, m.OwnerID, m.OpID, m.Note.ID, string(resultPayload))
	if err != nil {
		return OperationResult{}, err
	}
	if inserted, _ := res.RowsAffected(); inserted == 0 {
		_ = tx.Rollback()
		committed = true
		prior, ok, err := s.lookupApplied(ctx, s.db, m.OwnerID, m.OpID)
		if err != nil {
			return OperationResult{}, err
		}
		if !ok {
			return OperationResult{}, ErrVersionConflict
		}
		prior.Replayed = true
		return prior, nil
	}

	deleted := false
	switch m.Type {
	case OpCreate:
		err = s.insertNote(ctx, tx, m.Note)
	case OpUpdate:
		err = s.updateNote(ctx, tx, m.Note, m.ExpectedVersion)
	case OpDelete:
		deleted = true
		err = s.deleteNote(ctx, tx, m.Note.ID, m.ExpectedVersion)
	default:
		err = ErrInvalidInput
	}
	if errors.Is(err, errNoteMissing) {
		// Deleting a note that is already gone still records the ledger entry.
		if err := tx.Commit(); err != nil {
			return OperationResult{}, err
		}
		committed = true
		return m.Result, nil
	}
	if err != nil {
		return OperationResult{}, err
	}

	versionQuery := fmt.Sprintf(`
		INSERT INTO %s (note_id, version, title, content, category, op_id, deleted, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, postgresQuoteIdentifier(s.versionsTable))
	v := versionOf(m.Note, m.OpID, deleted)
	if _, err := tx.ExecContext(ctx, versionQuery, v.NoteID, v.Version, v.Title, v.Content, v.Category, v.OpID, v.Deleted, v.UpdatedAt); err != nil {
		return OperationResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return OperationResult{}, err
	}
	committed = true
	return m.Result, nil
}

var errNoteMissing = errors.New("note missing")

func (s *PostgresStore) insertNote(ctx context.Context, tx *sql.Tx, n Note) error {
	embedding, err := encodeEmbedding(n.Embedding)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, owner_id, title, content, category, summary, embedding, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`, postgresQuoteIdentifier(s.notesTable))
	res, err := tx.ExecContext(ctx, query, n.ID, n.OwnerID, n.Title, n.Content, n.Category, nullString(n.Summary), embedding, n.Version, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) updateNote(ctx context.Context, tx *sql.Tx, n Note, expected int64) error {
	embedding, err := encodeEmbedding(n.Embedding)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET title = $2, content = $3, category = $4, summary = $5, embedding = $6, version = $7, updated_at = $8
		WHERE id = $1 AND version = $9`, postgresQuoteIdentifier(s.notesTable))
	res, err := tx.ExecContext(ctx, query, n.ID, n.Title, n.Content, n.Category, nullString(n.Summary), embedding, n.Version, n.UpdatedAt, expected)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if exists, err := s.noteExists(ctx, tx, n.ID); err != nil {
			return err
		} else if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) deleteNote(ctx context.Context, tx *sql.Tx, id string, expected int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1 AND version = $2", postgresQuoteIdentifier(s.notesTable))
	res, err := tx.ExecContext(ctx, query, id, expected)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if exists, err := s.noteExists(ctx, tx, id); err != nil {
			return err
		} else if !exists {
			return errNoteMissing
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) noteExists(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE id = $1", postgresQuoteIdentifier(s.notesTable))
	var one int
	err := tx.QueryRowContext(ctx, query, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					owner_id TEXT NOT NULL,
					title TEXT NOT NULL,
					content TEXT NOT NULL DEFAULT '',
					category TEXT NOT NULL DEFAULT '',
					summary TEXT,
					embedding TEXT,
					version BIGINT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				)`, postgresQuoteIdentifier(s.notesTable)),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (owner_id)",
				postgresQuoteIdentifier(s.notesTable+"_owner_idx"), postgresQuoteIdentifier(s.notesTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					note_id TEXT NOT NULL,
					version BIGINT NOT NULL,
					title TEXT NOT NULL,
					content TEXT NOT NULL,
					category TEXT NOT NULL,
					op_id TEXT NOT NULL,
					deleted BOOLEAN NOT NULL DEFAULT FALSE,
					updated_at TIMESTAMPTZ NOT NULL
				)`, postgresQuoteIdentifier(s.versionsTable)),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (note_id, version)",
				postgresQuoteIdentifier(s.versionsTable+"_note_idx"), postgresQuoteIdentifier(s.versionsTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					owner_id TEXT NOT NULL,
					op_id TEXT NOT NULL,
					note_id TEXT NOT NULL,
					result TEXT NOT NULL,
					applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (owner_id, op_id)
				)`, postgresQuoteIdentifier(s.appliedTable)),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (Note, error) {
	var n Note
	var summary sql.NullString
	var embedding sql.NullString
	if err := row.Scan(&n.ID, &n.OwnerID, &n.Title, &n.Content, &n.Category, &summary, &embedding, &n.Version, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return Note{}, err
	}
	if summary.Valid {
		value := summary.String
		n.Summary = &value
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &n.Embedding); err != nil {
			return Note{}, err
		}
	}
	n.CreatedAt = n.CreatedAt.UTC()
	n.UpdatedAt = n.UpdatedAt.UTC()
	return n, nil
}

func encodeEmbedding(v []float32) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
