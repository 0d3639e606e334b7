package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS extracted_records (
	workflow_id      TEXT PRIMARY KEY,
	source_upload_id TEXT NOT NULL,
	fields           JSONB NOT NULL,
	confidence       INTEGER NOT NULL,
	remote_id        TEXT NOT NULL DEFAULT '',
	updated_at       TIMESTAMPTZ NOT NULL
);
`

// PostgresStore persists records in PostgreSQL with the fields as JSONB.
// Expects a *sql.DB opened through the pgx stdlib driver.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if _, err := db.Exec(postgresSchema); err != nil {
		return nil, fmt.Errorf("create records schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec *Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO extracted_records (workflow_id, source_upload_id, fields, confidence, remote_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workflow_id) DO UPDATE SET
			source_upload_id = EXCLUDED.source_upload_id,
			fields = EXCLUDED.fields,
			confidence = EXCLUDED.confidence,
			updated_at = EXCLUDED.updated_at`,
		rec.WorkflowID, rec.SourceUploadID, string(fields), rec.Confidence, rec.RemoteID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.WorkflowID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, workflowID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, source_upload_id, fields, confidence, remote_id, updated_at
		FROM extracted_records WHERE workflow_id = $1`, workflowID)

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

func (s *PostgresStore) SetRemoteID(ctx context.Context, workflowID, remoteID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE extracted_records SET remote_id = $1, updated_at = $2 WHERE workflow_id = $3`,
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
