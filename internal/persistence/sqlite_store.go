package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"docflow/pkg/api"
)

// SQLiteInstanceStore is an InstanceStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteInstanceStore struct {
	db *sql.DB
}

// Ensure SQLiteInstanceStore implements InstanceStore.
var _ InstanceStore = (*SQLiteInstanceStore)(nil)

// NewSQLiteInstanceStore initializes the required schema in the given
// database and returns a new SQLiteInstanceStore.
func NewSQLiteInstanceStore(db *sql.DB) (*SQLiteInstanceStore, error) {
	s := &SQLiteInstanceStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteInstanceStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			source_upload_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts BLOB,
			confidence INTEGER,
			lock_token TEXT NOT NULL DEFAULT '',
			lock_expires_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			stage_started_at INTEGER NOT NULL,
			payload BLOB,
			terminal_kind TEXT,
			terminal_message TEXT
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_live_source
			ON instances (source_upload_id)
			WHERE status IN ('PENDING', 'ACTIVE');`,
	)
	return err
}

const instanceColumns = `id, source_upload_id, stage, status, attempts, confidence,
	lock_token, lock_expires_at, created_at, updated_at, stage_started_at,
	payload, terminal_kind, terminal_message`

func (s *SQLiteInstanceStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicateUpload
	}
	return err
}

func (s *SQLiteInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+`
		FROM instances
		WHERE id = ?`,
		id,
	)
	return scanInstance(row)
}

func (s *SQLiteInstanceStore) FindLiveBySource(ctx context.Context, sourceUploadID string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+`
		FROM instances
		WHERE source_upload_id = ? AND status IN ('PENDING', 'ACTIVE')`,
		sourceUploadID,
	)
	return scanInstance(row)
}

func (s *SQLiteInstanceStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance, expectStage api.Stage) error {
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
		SET stage = ?, status = ?, attempts = ?, confidence = ?,
			lock_token = ?, lock_expires_at = ?, updated_at = ?,
			stage_started_at = ?, payload = ?, terminal_kind = ?, terminal_message = ?
		WHERE id = ? AND stage = ?`,
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

func (s *SQLiteInstanceStore) TryAcquireLock(ctx context.Context, id, token string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lock_token = ?, lock_expires_at = ?, updated_at = ?
		WHERE id = ? AND (lock_token = '' OR lock_token = ? OR lock_expires_at <= ?)`,
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

func (s *SQLiteInstanceStore) ReleaseLock(ctx context.Context, id, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lock_token = '', lock_expires_at = 0, updated_at = ?
		WHERE id = ? AND lock_token = ?`,
		time.Now().UnixNano(),
		id,
		token,
	)
	if err != nil {
		return err
	}
	return s.exists(ctx, id)
}

func (s *SQLiteInstanceStore) ClearExpiredLock(ctx context.Context, id, token string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lock_token = '', lock_expires_at = 0, updated_at = ?
		WHERE id = ? AND lock_token = ? AND lock_expires_at <= ?`,
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

func (s *SQLiteInstanceStore) ListExpiredLocks(ctx context.Context, now time.Time) ([]*api.WorkflowInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+`
		FROM instances
		WHERE status = 'ACTIVE' AND lock_token != '' AND lock_expires_at <= ?`,
		now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (s *SQLiteInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	var clauses []string

	if filter.SourceUploadID != "" {
		clauses = append(clauses, "source_upload_id = ?")
		args = append(args, filter.SourceUploadID)
	}
	if filter.Stage != "" {
		clauses = append(clauses, "stage = ?")
		args = append(args, string(filter.Stage))
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
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

func (s *SQLiteInstanceStore) exists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM instances WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return api.ErrInstanceNotFound
	}
	return err
}

func (s *SQLiteInstanceStore) conflictOrMissing(ctx context.Context, id string) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	return ErrStageConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

// lockNanos maps a zero lock expiry to 0 so that "no lock" round-trips
// through the integer column cleanly.
func lockNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func scanInstance(row rowScanner) (*api.WorkflowInstance, error) {
	var (
		inst                                     api.WorkflowInstance
		stageStr, statusStr                      string
		attempts, payload                        []byte
		confidence                               sql.NullInt64
		lockExpires, created, updated, stageTime int64
		termKind, termMsg                        sql.NullString
	)

	err := row.Scan(
		&inst.ID,
		&inst.SourceUploadID,
		&stageStr,
		&statusStr,
		&attempts,
		&confidence,
		&inst.LockToken,
		&lockExpires,
		&created,
		&updated,
		&stageTime,
		&payload,
		&termKind,
		&termMsg,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrInstanceNotFound
		}
		return nil, err
	}

	inst.Stage = api.Stage(stageStr)
	inst.Status = api.Status(statusStr)
	if lockExpires > 0 {
		inst.LockExpiresAt = time.Unix(0, lockExpires)
	}
	inst.CreatedAt = time.Unix(0, created)
	inst.UpdatedAt = time.Unix(0, updated)
	inst.StageStartedAt = time.Unix(0, stageTime)

	inst.AttemptCounts, err = DecodeAttempts(attempts)
	if err != nil {
		return nil, err
	}
	inst.Payload, err = DecodePayload(payload)
	if err != nil {
		return nil, err
	}

	if confidence.Valid {
		v := int(confidence.Int64)
		inst.Confidence = &v
	}
	if termKind.Valid && termKind.String != "" {
		inst.TerminalError = &api.TerminalError{
			Kind:    api.FaultKind(termKind.String),
			Message: termMsg.String,
		}
	}

	return &inst, nil
}

func scanInstances(rows *sql.Rows) ([]*api.WorkflowInstance, error) {
	var instances []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return instances, nil
}
