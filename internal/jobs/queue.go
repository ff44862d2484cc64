package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dealerdesk/internal/domain"
	"dealerdesk/internal/repo"
)

const (
	KindDeleteFile    = "proof.delete_file"
	KindPersistShared = "shared_proof.persist"
)

const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// DeleteFile removes one blob after its row is gone.
type DeleteFile struct {
	Path string `json:"path"`
}

// PersistShared moves staged shared-proof blobs to their final paths.
type PersistShared struct {
	TaskID string       `json:"task_id"`
	Moves  []SharedMove `json:"moves"`
}

type SharedMove struct {
	ProofID string `json:"proof_id"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// Queue is a deferred-work queue stored in the jobs table. Enqueue runs in
// the caller's transaction so work is only scheduled if the change commits.
type Queue struct {
	DB  *sql.DB
	Now func() time.Time
}

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

func (q Queue) Enqueue(ctx context.Context, tx *sql.Tx, kind string, payload any, runAt time.Time) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	now := q.now()
	if runAt.IsZero() {
		runAt = now
	}
	id := uuid.NewString()
	_, err = tx.ExecContext(ctx, `INSERT INTO jobs(id,kind,payload_json,status,attempts,run_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		id, kind, string(data), StatusPending, 0, repo.FormatTime(runAt), repo.FormatTime(now), repo.FormatTime(now))
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return id, nil
}

const jobColumns = `id,kind,payload_json,status,attempts,run_at,COALESCE(last_error,''),created_at,updated_at`

func scanJob(rows *sql.Rows) (domain.Job, error) {
	var (
		j                       domain.Job
		runAt, created, updated string
	)
	if err := rows.Scan(&j.ID, &j.Kind, &j.Payload, &j.Status, &j.Attempts, &runAt, &j.LastError, &created, &updated); err != nil {
		return j, err
	}
	var err error
	for _, f := range []struct {
		dst *time.Time
		raw string
	}{{&j.RunAt, runAt}, {&j.CreatedAt, created}, {&j.UpdatedAt, updated}} {
		if *f.dst, err = time.Parse(time.RFC3339, f.raw); err != nil {
			return j, fmt.Errorf("job %s timestamp: %w", j.ID, err)
		}
	}
	return j, nil
}

// Due returns pending jobs whose run_at has passed, oldest first.
func (q Queue) Due(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	return q.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=? AND run_at<=? ORDER BY run_at, id LIMIT ?`,
		StatusPending, repo.FormatTime(q.now()), limit)
}

// List returns jobs, optionally filtered by status, newest first.
func (q Queue) List(ctx context.Context, status string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	if status == "" {
		return q.query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id LIMIT ?`, limit)
	}
	return q.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=? ORDER BY created_at DESC, id LIMIT ?`, status, limit)
}

func (q Queue) query(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := q.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (q Queue) complete(ctx context.Context, j domain.Job) error {
	_, err := q.DB.ExecContext(ctx, `UPDATE jobs SET status=?, attempts=?, last_error=NULL, updated_at=? WHERE id=?`,
		StatusDone, j.Attempts+1, repo.FormatTime(q.now()), j.ID)
	return err
}

// fail records an attempt. The job is retried at retryAt unless final.
func (q Queue) fail(ctx context.Context, j domain.Job, cause error, retryAt time.Time, final bool) error {
	status := StatusPending
	if final {
		status = StatusFailed
	}
	_, err := q.DB.ExecContext(ctx, `UPDATE jobs SET status=?, attempts=?, last_error=?, run_at=?, updated_at=? WHERE id=?`,
		status, j.Attempts+1, cause.Error(), repo.FormatTime(retryAt), repo.FormatTime(q.now()), j.ID)
	return err
}

// Retry puts a failed job back in the queue with a fresh attempt budget.
func (q Queue) Retry(ctx context.Context, id string) error {
	now := repo.FormatTime(q.now())
	res, err := q.DB.ExecContext(ctx, `UPDATE jobs SET status=?, attempts=0, run_at=?, updated_at=? WHERE id=? AND status=?`,
		StatusPending, now, now, id, StatusFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	return nil
}
