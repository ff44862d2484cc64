package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"dealerdesk/internal/domain"
)

const generatorColumns = `id,title,description,comment,dealership_id,creator_id,task_type,response_type,recurrence,recurrence_time,
recurrence_day_of_week,recurrence_day_of_month,deadline_time,tags_json,priority,start_date,end_date,skip_holidays,is_active,
last_generated_at,next_run_at,created_at,updated_at`

func scanGenerator(s scanner) (domain.TaskGenerator, error) {
	var (
		g                                domain.TaskGenerator
		description, comment, dealership sql.NullString
		endDate, lastGenerated, nextRun  sql.NullString
		dayOfWeek, dayOfMonth            sql.NullInt64
		tags, created, updated           string
		skipHolidays, active             int
	)
	err := s.Scan(&g.ID, &g.Title, &description, &comment, &dealership, &g.CreatorID, &g.TaskType, &g.ResponseType, &g.Recurrence,
		&g.RecurrenceTime, &dayOfWeek, &dayOfMonth, &g.DeadlineTime, &tags, &g.Priority, &g.StartDate, &endDate, &skipHolidays, &active,
		&lastGenerated, &nextRun, &created, &updated)
	if err != nil {
		return g, notFoundIfNoRows(err)
	}
	g.Description = stringPtr(description)
	g.Comment = stringPtr(comment)
	g.DealershipID = stringPtr(dealership)
	g.EndDate = stringPtr(endDate)
	g.RecurrenceDayOfWeek = intPtr(dayOfWeek)
	g.RecurrenceDayOfMonth = intPtr(dayOfMonth)
	g.SkipHolidays = skipHolidays == 1
	g.IsActive = active == 1
	if g.Tags, err = decodeTags(tags); err != nil {
		return g, err
	}
	if g.LastGeneratedAt, err = parseNullTime(lastGenerated); err != nil {
		return g, err
	}
	if g.NextRunAt, err = parseNullTime(nextRun); err != nil {
		return g, err
	}
	if g.CreatedAt, err = parseTime(created); err != nil {
		return g, err
	}
	g.UpdatedAt, err = parseTime(updated)
	return g, err
}

func generatorArgs(g domain.TaskGenerator) ([]any, error) {
	tags, err := encodeTags(g.Tags)
	if err != nil {
		return nil, err
	}
	return []any{g.Title, nullableStringPtr(g.Description), nullableStringPtr(g.Comment), nullableStringPtr(g.DealershipID), g.TaskType,
		g.ResponseType, g.Recurrence, g.RecurrenceTime, nullableIntPtr(g.RecurrenceDayOfWeek), nullableIntPtr(g.RecurrenceDayOfMonth),
		g.DeadlineTime, tags, g.Priority, g.StartDate, nullableStringPtr(g.EndDate), boolInt(g.SkipHolidays), boolInt(g.IsActive),
		formatTimePtr(g.LastGeneratedAt), formatTimePtr(g.NextRunAt), FormatTime(g.UpdatedAt)}, nil
}

func (r Repo) InsertGeneratorTx(ctx context.Context, tx *sql.Tx, g domain.TaskGenerator) error {
	args, err := generatorArgs(g)
	if err != nil {
		return err
	}
	args = append([]any{g.ID, g.CreatorID, FormatTime(g.CreatedAt)}, args...)
	_, err = tx.ExecContext(ctx, `INSERT INTO task_generators(id,creator_id,created_at,title,description,comment,dealership_id,task_type,
response_type,recurrence,recurrence_time,recurrence_day_of_week,recurrence_day_of_month,deadline_time,tags_json,priority,start_date,
end_date,skip_holidays,is_active,last_generated_at,next_run_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if err != nil {
		return err
	}
	return r.SetGeneratorAssigneesTx(ctx, tx, g.ID, g.AssigneeIDs)
}

func (r Repo) UpdateGeneratorTx(ctx context.Context, tx *sql.Tx, g domain.TaskGenerator) error {
	args, err := generatorArgs(g)
	if err != nil {
		return err
	}
	args = append(args, g.ID)
	res, err := tx.ExecContext(ctx, `UPDATE task_generators SET title=?, description=?, comment=?, dealership_id=?, task_type=?,
response_type=?, recurrence=?, recurrence_time=?, recurrence_day_of_week=?, recurrence_day_of_month=?, deadline_time=?, tags_json=?,
priority=?, start_date=?, end_date=?, skip_holidays=?, is_active=?, last_generated_at=?, next_run_at=?, updated_at=? WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return r.SetGeneratorAssigneesTx(ctx, tx, g.ID, g.AssigneeIDs)
}

// SetGeneratorAssigneesTx replaces the generator's assignee set.
func (r Repo) SetGeneratorAssigneesTx(ctx context.Context, tx *sql.Tx, generatorID string, userIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_generator_assignments WHERE generator_id=?`, generatorID); err != nil {
		return err
	}
	for _, id := range userIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_generator_assignments(generator_id,user_id) VALUES (?,?)`, generatorID, id); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) generatorAssignees(ctx context.Context, q DBTX, generatorID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT user_id FROM task_generator_assignments WHERE generator_id=? ORDER BY user_id`, generatorID)
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

func (r Repo) GetGenerator(ctx context.Context, id string) (domain.TaskGenerator, error) {
	return r.getGenerator(ctx, r.DB, id)
}

func (r Repo) GetGeneratorTx(ctx context.Context, tx *sql.Tx, id string) (domain.TaskGenerator, error) {
	return r.getGenerator(ctx, tx, id)
}

func (r Repo) getGenerator(ctx context.Context, q DBTX, id string) (domain.TaskGenerator, error) {
	g, err := scanGenerator(q.QueryRowContext(ctx, `SELECT `+generatorColumns+` FROM task_generators WHERE id=?`, id))
	if err != nil {
		return g, err
	}
	g.AssigneeIDs, err = r.generatorAssignees(ctx, q, id)
	return g, err
}

// ListGenerators returns generators in the given dealerships plus global
// ones; nil dealerships lists everything.
func (r Repo) ListGenerators(ctx context.Context, dealerships []string) ([]domain.TaskGenerator, error) {
	query := `SELECT ` + generatorColumns + ` FROM task_generators`
	var args []any
	if dealerships != nil {
		if len(dealerships) == 0 {
			query += ` WHERE dealership_id IS NULL`
		} else {
			query += ` WHERE (dealership_id IS NULL OR dealership_id IN (` + placeholders(len(dealerships)) + `))`
			for _, id := range dealerships {
				args = append(args, id)
			}
		}
	}
	query += ` ORDER BY created_at, id`
	return r.listGenerators(ctx, query, args...)
}

// DueGenerators returns active generators whose next run is at or before now.
func (r Repo) DueGenerators(ctx context.Context, now time.Time, limit int) ([]domain.TaskGenerator, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.listGenerators(ctx, `SELECT `+generatorColumns+` FROM task_generators
WHERE is_active=1 AND next_run_at IS NOT NULL AND next_run_at<=? ORDER BY next_run_at, id LIMIT ?`, FormatTime(now), limit)
}

func (r Repo) listGenerators(ctx context.Context, query string, args ...any) ([]domain.TaskGenerator, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.TaskGenerator
	for rows.Next() {
		g, err := scanGenerator(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].AssigneeIDs, err = r.generatorAssignees(ctx, r.DB, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) DeleteGeneratorTx(ctx context.Context, tx *sql.Tx, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrNotFound
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM task_generators WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
