package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"dealerdesk/internal/domain"
)

// The unique index on calendar_days is an expression over dealership_id, so
// upserts are UPDATE-then-INSERT rather than ON CONFLICT.

func scanCalendarDay(s scanner) (domain.CalendarDay, error) {
	var (
		d                       domain.CalendarDay
		dealership, description sql.NullString
	)
	if err := s.Scan(&d.ID, &d.Date, &dealership, &d.Type, &description); err != nil {
		return d, notFoundIfNoRows(err)
	}
	d.DealershipID = stringPtr(dealership)
	d.Description = stringPtr(description)
	return d, nil
}

// GetCalendarDay returns the row for date in one scope; a nil dealershipID
// selects the global calendar.
func (r Repo) GetCalendarDay(ctx context.Context, q DBTX, date string, dealershipID *string) (domain.CalendarDay, error) {
	return scanCalendarDay(q.QueryRowContext(ctx, `SELECT id,date,dealership_id,type,description FROM calendar_days
WHERE date=? AND dealership_id IS ?`, date, nullableStringPtr(dealershipID)))
}

// CountCalendarDays counts rows in one scope.
func (r Repo) CountCalendarDays(ctx context.Context, q DBTX, dealershipID *string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM calendar_days WHERE dealership_id IS ?`, nullableStringPtr(dealershipID)).Scan(&n)
	return n, err
}

// ListCalendarDays returns one scope's rows for a year in date order.
func (r Repo) ListCalendarDays(ctx context.Context, q DBTX, year int, dealershipID *string) ([]domain.CalendarDay, error) {
	from, to := yearBounds(year)
	rows, err := q.QueryContext(ctx, `SELECT id,date,dealership_id,type,description FROM calendar_days
WHERE dealership_id IS ? AND date>=? AND date<? ORDER BY date`, nullableStringPtr(dealershipID), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CalendarDay
	for rows.Next() {
		d, err := scanCalendarDay(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// UpsertCalendarDayTx writes the day's type in its scope.
func (r Repo) UpsertCalendarDayTx(ctx context.Context, tx *sql.Tx, d domain.CalendarDay, now time.Time) error {
	stamp := FormatTime(now)
	res, err := tx.ExecContext(ctx, `UPDATE calendar_days SET type=?, description=?, updated_at=? WHERE date=? AND dealership_id IS ?`,
		d.Type, nullableStringPtr(d.Description), stamp, d.Date, nullableStringPtr(d.DealershipID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO calendar_days(id,date,dealership_id,type,description,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.Date, nullableStringPtr(d.DealershipID), d.Type, nullableStringPtr(d.Description), stamp, stamp)
	return err
}

// CopyGlobalCalendarTx copies every global row into a dealership scope and
// returns how many rows were copied.
func (r Repo) CopyGlobalCalendarTx(ctx context.Context, tx *sql.Tx, dealershipID string, now time.Time) (int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id,date,dealership_id,type,description FROM calendar_days WHERE dealership_id IS NULL ORDER BY date`)
	if err != nil {
		return 0, err
	}
	var global []domain.CalendarDay
	for rows.Next() {
		d, err := scanCalendarDay(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		global = append(global, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	stamp := FormatTime(now)
	for _, d := range global {
		if _, err := tx.ExecContext(ctx, `INSERT INTO calendar_days(id,date,dealership_id,type,description,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
			uuid.NewString(), d.Date, dealershipID, d.Type, nullableStringPtr(d.Description), stamp, stamp); err != nil {
			return 0, err
		}
	}
	return len(global), nil
}

// DeleteCalendarYearTx removes one scope's rows for a year.
func (r Repo) DeleteCalendarYearTx(ctx context.Context, tx *sql.Tx, year int, dealershipID *string) (int, error) {
	from, to := yearBounds(year)
	res, err := tx.ExecContext(ctx, `DELETE FROM calendar_days WHERE dealership_id IS ? AND date>=? AND date<?`,
		nullableStringPtr(dealershipID), from, to)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func yearBounds(year int) (string, string) {
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	return from.Format(time.DateOnly), from.AddDate(1, 0, 0).Format(time.DateOnly)
}
