package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cmdrelay/cmdrelay/internal/envelope"
)

// timeLayout is RFC 3339 with a fixed nine-digit fraction. Timestamps are
// compared as strings in SQL, and the padded fraction keeps lexicographic
// order equal to chronological order. Parsing still accepts RFC3339Nano.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore keeps job records in the service database's job_records table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a store over an already-bootstrapped database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

var _ JobStore = (*SQLiteStore)(nil)

func (s *SQLiteStore) Create(ctx context.Context, rec *JobRecord) error {
	if rec.JobID == "" {
		return fmt.Errorf("job_id is empty")
	}
	if rec.Envelope == nil {
		return fmt.Errorf("job record for %q has no envelope", rec.JobID)
	}

	var env bytes.Buffer
	if err := envelope.EncodeJob(&env, rec.Envelope); err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	now := s.now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_records(id, status, envelope, result, retry_count, claim_deadline, created_at, updated_at)
VALUES(?, ?, ?, NULL, ?, ?, ?, ?);
`, rec.JobID, rec.Status, env.String(), rec.RetryCount, formatDeadline(rec.ClaimDeadline), now, now)
	if err != nil {
		return fmt.Errorf("insert job record %q: %w", rec.JobID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, status, envelope, result, retry_count, claim_deadline, created_at, updated_at
FROM job_records
WHERE id = ?;
`, jobID)
	return scanRecord(row)
}

func (s *SQLiteStore) CasStatus(ctx context.Context, jobID string, to Status, claimDeadline *time.Time, from ...Status) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("CasStatus requires at least one guard status")
	}

	guards := make([]string, len(from))
	args := []any{string(to), formatDeadline(claimDeadline), s.now().UTC().Format(timeLayout), jobID}
	for i, st := range from {
		guards[i] = "?"
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE job_records
SET status = ?, claim_deadline = ?, updated_at = ?
WHERE id = ? AND status IN (%s);
`, strings.Join(guards, ", ")), args...)
	if err != nil {
		return false, fmt.Errorf("cas status for %q: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas status rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) FoldResult(ctx context.Context, result *envelope.ResultEnvelope, to Status) (bool, *JobRecord, error) {
	if !to.Terminal() {
		return false, nil, fmt.Errorf("fold target %q is not terminal", to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT id, status, envelope, result, retry_count, claim_deadline, created_at, updated_at
FROM job_records
WHERE id = ?;
`, result.JobID)
	prev, err := scanRecord(row)
	if err != nil {
		return false, nil, err
	}

	if prev.Status.Terminal() {
		// Duplicate or late delivery: the previously committed outcome wins.
		return false, prev, nil
	}

	var res bytes.Buffer
	if err := envelope.EncodeResult(&res, result); err != nil {
		return false, nil, fmt.Errorf("encode result: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
UPDATE job_records
SET status = ?, result = ?, claim_deadline = NULL, updated_at = ?
WHERE id = ?;
`, string(to), res.String(), s.now().UTC().Format(timeLayout), result.JobID)
	if err != nil {
		return false, nil, fmt.Errorf("fold result for %q: %w", result.JobID, err)
	}

	row = tx.QueryRowContext(ctx, `
SELECT id, status, envelope, result, retry_count, claim_deadline, created_at, updated_at
FROM job_records
WHERE id = ?;
`, result.JobID)
	rec, err := scanRecord(row)
	if err != nil {
		return false, nil, err
	}

	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("commit tx: %w", err)
	}
	return true, rec, nil
}

func (s *SQLiteStore) FindExpired(ctx context.Context, now time.Time) ([]*JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, status, envelope, result, retry_count, claim_deadline, created_at, updated_at
FROM job_records
WHERE status IN (?, ?) AND claim_deadline IS NOT NULL AND claim_deadline <= ?
ORDER BY created_at ASC;
`, StatusDispatched, StatusRunning, now.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("find expired jobs: %w", err)
	}
	defer rows.Close()

	var records []*JobRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired jobs: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) UpdateForRetry(ctx context.Context, jobID string, to Status, retryCount int, claimDeadline *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE job_records
SET status = ?, retry_count = ?, claim_deadline = ?, updated_at = ?
WHERE id = ?;
`, string(to), retryCount, formatDeadline(claimDeadline), s.now().UTC().Format(timeLayout), jobID)
	if err != nil {
		return fmt.Errorf("update job %q for retry: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("retry update rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %q: %w", jobID, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*JobRecord, error) {
	var (
		rec        JobRecord
		statusS    string
		envS       string
		resultS    sql.NullString
		deadlineS  sql.NullString
		createdAtS string
		updatedAtS string
	)
	err := row.Scan(&rec.JobID, &statusS, &envS, &resultS, &rec.RetryCount, &deadlineS, &createdAtS, &updatedAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job record: %w", err)
	}

	rec.Status = Status(statusS)

	env, err := envelope.DecodeJob(strings.NewReader(envS))
	if err != nil {
		return nil, fmt.Errorf("decode stored envelope: %w", err)
	}
	rec.Envelope = env

	if resultS.Valid {
		result, err := envelope.DecodeResult(strings.NewReader(resultS.String))
		if err != nil {
			return nil, fmt.Errorf("decode stored result: %w", err)
		}
		rec.Result = result
	}
	if deadlineS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, deadlineS.String); err == nil {
			rec.ClaimDeadline = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		rec.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAtS); err == nil {
		rec.UpdatedAt = t
	}
	return &rec, nil
}

func formatDeadline(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}
