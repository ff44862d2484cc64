package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine. Webhook filters match against these.
const (
	TaskCreated        = "task.created"
	TaskUpdated        = "task.updated"
	TaskDeleted        = "task.deleted"
	TaskRestored       = "task.restored"
	TaskArchived       = "task.archived"
	TaskUnarchived     = "task.unarchived"
	AssignmentsSynced  = "task.assignments.synced"
	ResponseSubmitted  = "response.submitted"
	ResponseAcked      = "response.acknowledged"
	ResponseApproved   = "response.approved"
	ResponseRejected   = "response.rejected"
	ResponseReset      = "response.reset"
	SharedProofsStored = "task.shared_proofs.stored"
	ProofsStored       = "proof.stored"
	ProofDeleted       = "proof.deleted"
	CalendarChanged    = "calendar.changed"
	GeneratorSaved     = "generator.saved"
	GeneratorDeleted   = "generator.deleted"
	GeneratorFired     = "generator.fired"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Append records an event inside tx so the audit row commits or rolls back
// with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, dealershipID, entityKind, entityID, actorID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", evtType, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,dealership_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, nullable(dealershipID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
