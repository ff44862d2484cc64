package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"dealerdesk/internal/domain"
)

const taskColumns = `id,title,description,comment,dealership_id,creator_id,task_type,response_type,appear_date,deadline,
recurrence,recurrence_time,recurrence_day_of_week,recurrence_day_of_month,tags_json,priority,is_active,archived_at,archive_reason,
generator_id,created_at,updated_at,deleted_at`

func scanTask(s scanner) (domain.Task, error) {
	var (
		t                                        domain.Task
		description, comment, dealership         sql.NullString
		recurrenceTime, archiveReason, generator sql.NullString
		archivedAt, deletedAt                    sql.NullString
		dayOfWeek, dayOfMonth                    sql.NullInt64
		appear, deadline, created, updated, tags string
		active                                   int
	)
	err := s.Scan(&t.ID, &t.Title, &description, &comment, &dealership, &t.CreatorID, &t.TaskType, &t.ResponseType, &appear, &deadline,
		&t.Recurrence, &recurrenceTime, &dayOfWeek, &dayOfMonth, &tags, &t.Priority, &active, &archivedAt, &archiveReason,
		&generator, &created, &updated, &deletedAt)
	if err != nil {
		return t, notFoundIfNoRows(err)
	}
	t.Description = stringPtr(description)
	t.Comment = stringPtr(comment)
	t.DealershipID = stringPtr(dealership)
	t.RecurrenceTime = stringPtr(recurrenceTime)
	t.RecurrenceDayOfWeek = intPtr(dayOfWeek)
	t.RecurrenceDayOfMonth = intPtr(dayOfMonth)
	t.ArchiveReason = stringPtr(archiveReason)
	t.GeneratorID = stringPtr(generator)
	t.IsActive = active == 1
	if t.Tags, err = decodeTags(tags); err != nil {
		return t, err
	}
	for _, f := range []struct {
		dst *time.Time
		raw string
	}{{&t.AppearDate, appear}, {&t.Deadline, deadline}, {&t.CreatedAt, created}, {&t.UpdatedAt, updated}} {
		if *f.dst, err = parseTime(f.raw); err != nil {
			return t, err
		}
	}
	if t.ArchivedAt, err = parseNullTime(archivedAt); err != nil {
		return t, err
	}
	if t.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, nullableStringPtr(t.Description), nullableStringPtr(t.Comment), nullableStringPtr(t.DealershipID), t.CreatorID,
		t.TaskType, t.ResponseType, FormatTime(t.AppearDate), FormatTime(t.Deadline),
		t.Recurrence, nullableStringPtr(t.RecurrenceTime), nullableIntPtr(t.RecurrenceDayOfWeek), nullableIntPtr(t.RecurrenceDayOfMonth),
		tags, t.Priority, boolInt(t.IsActive), formatTimePtr(t.ArchivedAt), nullableStringPtr(t.ArchiveReason),
		nullableStringPtr(t.GeneratorID), FormatTime(t.CreatedAt), FormatTime(t.UpdatedAt), formatTimePtr(t.DeletedAt))
	return err
}

// UpdateTask rewrites every mutable column of a task.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, comment=?, dealership_id=?, task_type=?, response_type=?,
appear_date=?, deadline=?, recurrence=?, recurrence_time=?, recurrence_day_of_week=?, recurrence_day_of_month=?, tags_json=?, priority=?,
is_active=?, archived_at=?, archive_reason=?, updated_at=?, deleted_at=? WHERE id=?`,
		t.Title, nullableStringPtr(t.Description), nullableStringPtr(t.Comment), nullableStringPtr(t.DealershipID), t.TaskType, t.ResponseType,
		FormatTime(t.AppearDate), FormatTime(t.Deadline), t.Recurrence, nullableStringPtr(t.RecurrenceTime),
		nullableIntPtr(t.RecurrenceDayOfWeek), nullableIntPtr(t.RecurrenceDayOfMonth), tags, t.Priority,
		boolInt(t.IsActive), formatTimePtr(t.ArchivedAt), nullableStringPtr(t.ArchiveReason), FormatTime(t.UpdatedAt), formatTimePtr(t.DeletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTask returns a task including tombstoned ones; callers decide visibility.
func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return r.getTask(ctx, tx, id)
}

func (r Repo) getTask(ctx context.Context, q DBTX, id string) (domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.AssigneeIDs, err = r.ListAssignees(ctx, q, id)
	return t, err
}

type TaskFilters struct {
	// Dealerships limits results to these dealerships plus global tasks;
	// nil means unrestricted.
	Dealerships []string
	// VisibleTo limits results to tasks the user is assigned to or created.
	VisibleTo       string
	DealershipID    string
	GeneratorID     string
	IncludeArchived bool
	IncludeDeleted  bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var (
		clauses []string
		args    []any
	)
	if !f.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "is_active=1")
	}
	if f.Dealerships != nil {
		if len(f.Dealerships) == 0 {
			clauses = append(clauses, "dealership_id IS NULL")
		} else {
			clauses = append(clauses, "(dealership_id IS NULL OR dealership_id IN ("+placeholders(len(f.Dealerships))+"))")
			for _, id := range f.Dealerships {
				args = append(args, id)
			}
		}
	}
	if f.VisibleTo != "" {
		clauses = append(clauses, "(creator_id=? OR EXISTS (SELECT 1 FROM task_assignments a WHERE a.task_id=tasks.id AND a.user_id=? AND a.deleted_at IS NULL))")
		args = append(args, f.VisibleTo, f.VisibleTo)
	}
	if f.DealershipID != "" {
		clauses = append(clauses, "dealership_id=?")
		args = append(args, f.DealershipID)
	}
	if f.GeneratorID != "" {
		clauses = append(clauses, "generator_id=?")
		args = append(args, f.GeneratorID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].AssigneeIDs, err = r.ListAssignees(ctx, r.DB, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// DuplicateKey identifies tasks that must not be created twice.
type DuplicateKey struct {
	Title        string
	TaskType     string
	DealershipID *string
	Description  *string
	Deadline     time.Time
}

// FindDuplicateTx returns the id of a live, active task matching key whose
// deadline falls in the same UTC minute.
func (r Repo) FindDuplicateTx(ctx context.Context, tx *sql.Tx, key DuplicateKey) (string, bool, error) {
	minute := FormatTime(key.Deadline.UTC().Truncate(time.Minute))[:16]
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM tasks
WHERE deleted_at IS NULL AND is_active=1 AND title=? AND task_type=?
  AND dealership_id IS ? AND description IS ? AND substr(deadline,1,16)=?
LIMIT 1`, key.Title, key.TaskType, nullableStringPtr(key.DealershipID), nullableStringPtr(key.Description), minute).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// ListArchivableTaskIDs returns active tasks untouched since before cutoff.
func (r Repo) ListArchivableTaskIDs(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks WHERE deleted_at IS NULL AND is_active=1 AND updated_at < ? ORDER BY updated_at LIMIT ?`,
		FormatTime(cutoff), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListAssignees returns user ids of live assignments.
func (r Repo) ListAssignees(ctx context.Context, q DBTX, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT user_id FROM task_assignments WHERE task_id=? AND deleted_at IS NULL ORDER BY created_at, user_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SyncAssignmentsTx makes the live assignment set equal to want. Removed
// users are tombstoned; returning users get their latest tombstoned row back.
func (r Repo) SyncAssignmentsTx(ctx context.Context, tx *sql.Tx, taskID string, want []string, now time.Time) (added, removed []string, err error) {
	current, err := r.ListAssignees(ctx, tx, taskID)
	if err != nil {
		return nil, nil, err
	}
	have := make(map[string]bool, len(current))
	for _, id := range current {
		have[id] = true
	}
	wanted := make(map[string]bool, len(want))
	for _, id := range want {
		if wanted[id] {
			continue
		}
		wanted[id] = true
		if !have[id] {
			added = append(added, id)
		}
	}
	for _, id := range current {
		if !wanted[id] {
			removed = append(removed, id)
		}
	}
	stamp := FormatTime(now)
	for _, id := range removed {
		if _, err := tx.ExecContext(ctx, `UPDATE task_assignments SET deleted_at=? WHERE task_id=? AND user_id=? AND deleted_at IS NULL`, stamp, taskID, id); err != nil {
			return nil, nil, err
		}
	}
	for _, id := range added {
		res, err := tx.ExecContext(ctx, `UPDATE task_assignments SET deleted_at=NULL WHERE id=(
SELECT id FROM task_assignments WHERE task_id=? AND user_id=? AND deleted_at IS NOT NULL ORDER BY deleted_at DESC LIMIT 1)`, taskID, id)
		if err != nil {
			return nil, nil, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_assignments(id,task_id,user_id,created_at) VALUES (?,?,?,?)`,
			uuid.NewString(), taskID, id, stamp); err != nil {
			return nil, nil, err
		}
	}
	return added, removed, nil
}
