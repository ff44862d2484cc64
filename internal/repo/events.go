package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"dealerdesk/internal/domain"
)

// EventsAfter returns events with IDs greater than the cursor in ascending order.
// An empty dealershipID matches every dealership.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, dealershipID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if dealershipID != "" {
		clauses = append(clauses, "dealership_id=?")
		args = append(args, dealershipID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,dealership_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e                           domain.Event
			dealership, entity, payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &dealership, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.DealershipID = dealership.String
		e.EntityID = entity.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, scoped to a dealership when one is given.
func (r Repo) LatestEventID(ctx context.Context, dealershipID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if dealershipID != "" {
		query += ` WHERE dealership_id=?`
		args = append(args, dealershipID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// ListEntityEvents returns the audit trail of one entity, newest first.
func (r Repo) ListEntityEvents(ctx context.Context, entityKind, entityID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,dealership_id,entity_kind,entity_id,actor_id,payload_json FROM events
WHERE entity_kind=? AND entity_id=? ORDER BY id DESC LIMIT ?`, entityKind, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e                           domain.Event
			dealership, entity, payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &dealership, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.DealershipID = dealership.String
		e.EntityID = entity.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}
