package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"dealerdesk/internal/jobs"
	"dealerdesk/internal/repo"
)

// JobHandlers returns the handlers for the job kinds the engine enqueues.
func (e Engine) JobHandlers() map[string]jobs.Handler {
	return map[string]jobs.Handler{
		jobs.KindDeleteFile:    e.handleDeleteFile,
		jobs.KindPersistShared: e.handlePersistShared,
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decode payload: %v", jobs.ErrPermanent, err)
	}
	return nil
}

func (e Engine) handleDeleteFile(ctx context.Context, raw json.RawMessage) error {
	var p jobs.DeleteFile
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	if p.Path == "" {
		return fmt.Errorf("%w: empty path", jobs.ErrPermanent)
	}
	return e.Blobs.Delete(ctx, p.Path)
}

// handlePersistShared moves staged shared proofs into place. Proofs deleted
// in the meantime just lose their staged blob.
func (e Engine) handlePersistShared(ctx context.Context, raw json.RawMessage) error {
	var p jobs.PersistShared
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	for _, m := range p.Moves {
		sp, err := e.Repo.GetSharedProof(ctx, e.DB, m.ProofID)
		if errors.Is(err, repo.ErrNotFound) {
			if err := e.Blobs.Delete(ctx, m.From); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if sp.FilePath != m.From {
			continue
		}
		if err := e.Blobs.Move(ctx, m.From, m.To); err != nil {
			return fmt.Errorf("move %s: %w", m.ProofID, err)
		}
		if err := e.Repo.UpdateSharedProofPathTx(ctx, e.DB, m.ProofID, m.From, m.To); err != nil {
			return err
		}
		if _, err := e.Repo.GetSharedProof(ctx, e.DB, m.ProofID); errors.Is(err, repo.ErrNotFound) {
			// deleted while the blob was moving
			if err := e.Blobs.Delete(ctx, m.To); err != nil {
				return err
			}
		}
	}
	e.logger().Debug("shared proofs persisted", "task_id", p.TaskID, "files", len(p.Moves))
	return nil
}
