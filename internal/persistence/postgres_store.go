package persistence

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"docflow/pkg/api"
)

// PostgresInstanceStore is an InstanceStore backed by PostgreSQL.
//
// It expects an *sql.DB opened with the pgx stdlib driver:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, err := sql.Open("pgx", dsn)
type PostgresInstanceStore struct {
	db *sql.DB
}

// Ensure PostgresInstanceStore implements InstanceStore.
var _ InstanceStore = (*PostgresInstanceStore)(nil)

// NewPostgresInstanceStore initializes the required schema in the given
// database and returns a new PostgresInstanceStore.
func NewPostgresInstanceStore(db *sql.DB) (*PostgresInstanceStore, error) {
	s := &PostgresInstanceStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresInstanceStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			source_upload_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts BYTEA,
			confidence BIGINT,
			lock_token TEXT NOT NULL DEFAULT '',
			lock_expires_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			stage_started_at BIGINT NOT NULL,
			payload BYTEA,
			terminal_kind TEXT,
			terminal_message TEXT
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_live_source
			ON instances (source_upload_id)
			WHERE status IN ('PENDING', 'ACTIVE');`,
	)
	return err
}

func (s *PostgresInstanceStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	attempts, err := EncodeAttempts(inst.AttemptCounts)
	if err != nil {
		return err
	}
	payload, err := EncodePayload(inst.Payload)
	if err != nil {
		return err
	}

	var confidence sql.NullInt64
	if inst.Confidence != nil {
		confidence = sql.NullInt64{Int64: int64(*inst.Confidence), Valid: true}
	}

	var termKind, termMsg sql.NullString
	if inst.TerminalError != nil {
		termKind = sql.NullString{String: string(inst.TerminalError.Kind), Valid: true}
		termMsg = sql.NullString{String: inst.TerminalError.Message, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		inst.ID,
		inst.SourceUploadID,
		string(inst.Stage),
		string(inst.Status),
		attempts,
		confidence,
		inst.LockToken,
		lockNanos(inst.LockExpiresAt),
		inst.CreatedAt.UnixNano(),
		inst.UpdatedAt.UnixNano(),
		inst.StageStartedAt.UnixNano(),
		payload,
		termKind,
		termMsg,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key value") {
		return ErrDuplicateUpload
	}
	return err
}

func (s *PostgresInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+`
		FROM instances
		WHERE id = $1`,
		id,
	)
	return scanInstance(row)
}

func (s *PostgresInstanceStore) FindLiveBySource(ctx context.Context, sourceUploadID string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+`
		FROM instances
		WHERE source_upload_id = $1 AND status IN ('PENDING', 'ACTIVE')`,
		sourceUploadID,
	)
	return scanInstance(row)
}

func (s *PostgresInstanceStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance, expectStage api.Stage) error {
	attempts, err := EncodeAttempts(inst.AttemptCounts)
	if err != nil {
		return err
	}
	payload, err := EncodePayload(inst.Payload)
	if err != nil {
		return err
	}

	var confidence sql.NullInt64
	if inst.Confidence != nil {
		confidence = sql.NullInt64{Int64: int64(*inst.Confidence), Valid: true}
	}

	var termKind, termMsg sql.NullString
	if inst.TerminalError != nil {
		termKind = sql.NullString{String: string(inst.TerminalError.Kind), Valid: true}
		termMsg = sql.NullString{String: inst.TerminalError.Message, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET stage = $1, status = $2, attempts = $3, confidence = $4,
			lock_token = $5, lock_expires_at = $6, updated_at = $7,
			stage_started_at = $8, payload = $9, terminal_kind = $10, terminal_message = $11
		WHERE id = $12 AND stage = $13`,
		string(inst.Stage),
		string(inst.Status),
		attempts,
		confidence,
		inst.LockToken,
		lockNanos(inst.LockExpiresAt),
		time.Now().UnixNano(),
		inst.StageStartedAt.UnixNano(),
		payload,
		termKind,
		termMsg,
		inst.ID,
		string(expectStage),
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.conflictOrMissing(ctx, inst.ID)
	}
	return nil
}

func (s *PostgresInstanceStore) TryAcquireLock(ctx context.Context, id, token string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lock_token = $1, lock_expires_at = $2, updated_at = $3
		WHERE id = $4 AND (lock_token = '' OR lock_token = $5 OR lock_expires_at <= $6)`,
		token,
		now.Add(ttl).UnixNano(),
		now.UnixNano(),
		id,
		token,
		now.UnixNano(),
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	if err := s.exists(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresInstanceStore) ReleaseLock(ctx context.Context, id, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lock_token = '', lock_expires_at = 0, updated_at = $1
		WHERE id = $2 AND lock_token = $3`,
		time.Now().UnixNano(),
		id,
		token,
	)
	if err != nil {
		return err
	}
	return s.exists(ctx, id)
}

func (s *PostgresInstanceStore) ClearExpiredLock(ctx context.Context, id, token string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lock_token = '', lock_expires_at = 0, updated_at = $1
		WHERE id = $2 AND lock_token = $3 AND lock_expires_at <= $4`,
		now.UnixNano(),
		id,
		token,
		now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresInstanceStore) ListExpiredLocks(ctx context.Context, now time.Time) ([]*api.WorkflowInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+`
		FROM instances
		WHERE status = 'ACTIVE' AND lock_token != '' AND lock_expires_at <= $1`,
		now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (s *PostgresInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	var clauses []string

	appendClause := func(column string, value string) {
		args = append(args, value)
		clauses = append(clauses, column+" = $"+strconv.Itoa(len(args)))
	}

	if filter.SourceUploadID != "" {
		appendClause("source_upload_id", filter.SourceUploadID)
	}
	if filter.Stage != "" {
		appendClause("stage", string(filter.Stage))
	}
	if filter.Status != "" {
		appendClause("status", string(filter.Status))
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (s *PostgresInstanceStore) exists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM instances WHERE id = $1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return api.ErrInstanceNotFound
	}
	return err
}

func (s *PostgresInstanceStore) conflictOrMissing(ctx context.Context, id string) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	return ErrStageConflict
}
