package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS extracted_records (
	workflow_id      TEXT PRIMARY KEY,
	source_upload_id TEXT NOT NULL,
	fields           TEXT NOT NULL,
	confidence       INTEGER NOT NULL,
	remote_id        TEXT NOT NULL DEFAULT '',
	updated_at       TIMESTAMP NOT NULL
);
`

// SQLiteStore persists records in a SQLite table. Fields are stored as a
// JSON object so they stay queryable from the sqlite shell.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the records table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("create records schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec *Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO extracted_records (workflow_id, source_upload_id, fields, confidence, remote_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET
			source_upload_id = excluded.source_upload_id,
			fields = excluded.fields,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at`,
		rec.WorkflowID, rec.SourceUploadID, string(fields), rec.Confidence, rec.RemoteID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.WorkflowID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, workflowID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, source_upload_id, fields, confidence, remote_id, updated_at
		FROM extracted_records WHERE workflow_id = ?`, workflowID)

	var rec Record
	var fields string
	err := row.Scan(&rec.WorkflowID, &rec.SourceUploadID, &fields, &rec.Confidence, &rec.RemoteID, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", workflowID, err)
	}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("decode fields for %s: %w", workflowID, err)
	}
	return &rec, nil
}

func (s *SQLiteStore) SetRemoteID(ctx context.Context, workflowID, remoteID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE extracted_records SET remote_id = ?, updated_at = ? WHERE workflow_id = ?`,
		remoteID, time.Now().UTC(), workflowID)
	if err != nil {
		return fmt.Errorf("set remote id for %s: %w", workflowID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
