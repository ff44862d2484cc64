package repo

import (
	"context"
	"database/sql"

	"dealerdesk/internal/domain"
)

const userColumns = `id,login,full_name,role,dealership_id,created_at`

func scanUser(s scanner) (domain.User, error) {
	var (
		u          domain.User
		role       string
		dealership sql.NullString
		created    string
	)
	if err := s.Scan(&u.ID, &u.Login, &u.FullName, &role, &dealership, &created); err != nil {
		return u, notFoundIfNoRows(err)
	}
	u.Role = domain.Role(role)
	u.DealershipID = stringPtr(dealership)
	var err error
	u.CreatedAt, err = parseTime(created)
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?)`,
		u.ID, u.Login, u.FullName, string(u.Role), nullableStringPtr(u.DealershipID), FormatTime(u.CreatedAt))
	if err != nil {
		return err
	}
	for _, d := range u.AttachedDealershipIDs {
		if err := r.AttachDealership(ctx, tx, u.ID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) AttachDealership(ctx context.Context, tx *sql.Tx, userID, dealershipID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO user_dealerships(user_id,dealership_id) VALUES (?,?)`, userID, dealershipID)
	return err
}

func (r Repo) attached(ctx context.Context, q DBTX, u *domain.User) error {
	rows, err := q.QueryContext(ctx, `SELECT dealership_id FROM user_dealerships WHERE user_id=? ORDER BY dealership_id`, u.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		u.AttachedDealershipIDs = append(u.AttachedDealershipIDs, id)
	}
	return rows.Err()
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
	if err != nil {
		return u, err
	}
	return u, r.attached(ctx, r.DB, &u)
}

func (r Repo) GetUserByLogin(ctx context.Context, login string) (domain.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE login=?`, login))
	if err != nil {
		return u, err
	}
	return u, r.attached(ctx, r.DB, &u)
}

// ListUsers returns users whose primary dealership is in ids; nil ids lists all.
func (r Repo) ListUsers(ctx context.Context, ids []string) ([]domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var args []any
	if ids != nil {
		if len(ids) == 0 {
			return nil, nil
		}
		query += ` WHERE dealership_id IN (` + placeholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	query += ` ORDER BY login`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if err := r.attached(ctx, r.DB, &res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// MissingUsers returns the ids in want that have no users row.
func (r Repo) MissingUsers(ctx context.Context, q DBTX, want []string) ([]string, error) {
	if len(want) == 0 {
		return nil, nil
	}
	args := make([]any, len(want))
	for i, id := range want {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, `SELECT id FROM users WHERE id IN (`+placeholders(len(want))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = true
	}
	var missing []string
	for _, id := range want {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing, rows.Err()
}

func (r Repo) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}
