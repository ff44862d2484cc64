package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"dealerdesk/internal/domain"
)

// ForbiddenError indicates the actor may not perform Action. The message is
// deliberately generic so denials never describe the target.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return "Недостаточно прав для выполнения действия"
}

// ErrUnknownActor is returned when a credential names a user that does not exist.
var ErrUnknownActor = errors.New("unknown actor")

// Service loads actors and their dealership grants from SQL.
type Service struct {
	DB *sql.DB
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// LoadActor resolves a user id into the Actor used by the policy checks.
func (s Service) LoadActor(ctx context.Context, userID string) (domain.Actor, error) {
	return loadActor(ctx, s.DB, userID)
}

// LoadActorTx is LoadActor inside an open transaction.
func (s Service) LoadActorTx(ctx context.Context, tx *sql.Tx, userID string) (domain.Actor, error) {
	return loadActor(ctx, tx, userID)
}

func loadActor(ctx context.Context, q queryer, userID string) (domain.Actor, error) {
	var (
		a          domain.Actor
		role       string
		dealership sql.NullString
	)
	err := q.QueryRowContext(ctx, `SELECT id, role, dealership_id FROM users WHERE id=?`, userID).Scan(&a.UserID, &role, &dealership)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Actor{}, ErrUnknownActor
	}
	if err != nil {
		return domain.Actor{}, fmt.Errorf("load actor %s: %w", userID, err)
	}
	a.Role = domain.Role(role)
	if dealership.Valid {
		a.DealershipID = &dealership.String
	}
	rows, err := q.QueryContext(ctx, `SELECT dealership_id FROM user_dealerships WHERE user_id=? ORDER BY dealership_id`, userID)
	if err != nil {
		return domain.Actor{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return domain.Actor{}, err
		}
		a.AttachedDealershipIDs = append(a.AttachedDealershipIDs, id)
	}
	return a, rows.Err()
}
