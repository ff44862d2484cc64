package repo

import (
	"context"
	"database/sql"

	"dealerdesk/internal/domain"
)

const responseColumns = `id,task_id,user_id,status,comment,responded_at,verified_at,verified_by,rejection_reason,rejection_count,
uses_shared_proofs,submission_source,created_at,updated_at`

func scanResponse(s scanner) (domain.TaskResponse, error) {
	var (
		r                           domain.TaskResponse
		comment, verifiedBy, reason sql.NullString
		respondedAt, verifiedAt     sql.NullString
		created, updated            string
		shared                      int
	)
	err := s.Scan(&r.ID, &r.TaskID, &r.UserID, &r.Status, &comment, &respondedAt, &verifiedAt, &verifiedBy, &reason, &r.RejectionCount,
		&shared, &r.SubmissionSource, &created, &updated)
	if err != nil {
		return r, notFoundIfNoRows(err)
	}
	r.Comment = stringPtr(comment)
	r.VerifiedBy = stringPtr(verifiedBy)
	r.RejectionReason = stringPtr(reason)
	r.UsesSharedProofs = shared == 1
	if r.RespondedAt, err = parseNullTime(respondedAt); err != nil {
		return r, err
	}
	if r.VerifiedAt, err = parseNullTime(verifiedAt); err != nil {
		return r, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return r, err
	}
	r.UpdatedAt, err = parseTime(updated)
	return r, err
}

func (r Repo) GetResponse(ctx context.Context, id string) (domain.TaskResponse, error) {
	return scanResponse(r.DB.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM task_responses WHERE id=?`, id))
}

func (r Repo) GetResponseTx(ctx context.Context, tx *sql.Tx, id string) (domain.TaskResponse, error) {
	return scanResponse(tx.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM task_responses WHERE id=?`, id))
}

func (r Repo) GetResponseForUserTx(ctx context.Context, tx *sql.Tx, taskID, userID string) (domain.TaskResponse, error) {
	return scanResponse(tx.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM task_responses WHERE task_id=? AND user_id=?`, taskID, userID))
}

// ListResponses returns a task's responses, optionally only those in status.
func (r Repo) ListResponses(ctx context.Context, q DBTX, taskID, status string) ([]domain.TaskResponse, error) {
	query := `SELECT ` + responseColumns + ` FROM task_responses WHERE task_id=?`
	args := []any{taskID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskResponse
	for rows.Next() {
		resp, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, resp)
	}
	return res, rows.Err()
}

func (r Repo) InsertResponseTx(ctx context.Context, tx *sql.Tx, resp domain.TaskResponse) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_responses(`+responseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		resp.ID, resp.TaskID, resp.UserID, resp.Status, nullableStringPtr(resp.Comment), formatTimePtr(resp.RespondedAt),
		formatTimePtr(resp.VerifiedAt), nullableStringPtr(resp.VerifiedBy), nullableStringPtr(resp.RejectionReason), resp.RejectionCount,
		boolInt(resp.UsesSharedProofs), resp.SubmissionSource, FormatTime(resp.CreatedAt), FormatTime(resp.UpdatedAt))
	return err
}

// UpdateResponseTx writes resp. When expectStatus is set the row is only
// updated if it still holds that status; the bool reports whether it was.
func (r Repo) UpdateResponseTx(ctx context.Context, tx *sql.Tx, resp domain.TaskResponse, expectStatus string) (bool, error) {
	query := `UPDATE task_responses SET status=?, comment=?, responded_at=?, verified_at=?, verified_by=?, rejection_reason=?,
rejection_count=?, uses_shared_proofs=?, submission_source=?, updated_at=? WHERE id=?`
	args := []any{resp.Status, nullableStringPtr(resp.Comment), formatTimePtr(resp.RespondedAt), formatTimePtr(resp.VerifiedAt),
		nullableStringPtr(resp.VerifiedBy), nullableStringPtr(resp.RejectionReason), resp.RejectionCount, boolInt(resp.UsesSharedProofs),
		resp.SubmissionSource, FormatTime(resp.UpdatedAt), resp.ID}
	if expectStatus != "" {
		query += ` AND status=?`
		args = append(args, expectStatus)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) DeleteResponseTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM task_responses WHERE id=?`, id)
	return err
}

const proofColumns = `id,task_response_id,file_path,original_filename,mime_type,file_size,created_at`

func scanProof(s scanner) (domain.TaskProof, error) {
	var (
		p       domain.TaskProof
		created string
	)
	if err := s.Scan(&p.ID, &p.TaskResponseID, &p.FilePath, &p.OriginalFilename, &p.MimeType, &p.FileSize, &created); err != nil {
		return p, notFoundIfNoRows(err)
	}
	var err error
	p.CreatedAt, err = parseTime(created)
	return p, err
}

func (r Repo) InsertProofTx(ctx context.Context, tx *sql.Tx, p domain.TaskProof) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_proofs(`+proofColumns+`) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.TaskResponseID, p.FilePath, p.OriginalFilename, p.MimeType, p.FileSize, FormatTime(p.CreatedAt))
	return err
}

func (r Repo) GetProof(ctx context.Context, q DBTX, id string) (domain.TaskProof, error) {
	return scanProof(q.QueryRowContext(ctx, `SELECT `+proofColumns+` FROM task_proofs WHERE id=?`, id))
}

func (r Repo) ListProofs(ctx context.Context, q DBTX, responseID string) ([]domain.TaskProof, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+proofColumns+` FROM task_proofs WHERE task_response_id=? ORDER BY created_at, id`, responseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskProof
	for rows.Next() {
		p, err := scanProof(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DeleteProofTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM task_proofs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProofsForResponseTx removes a response's proof rows and returns the
// blob paths they pointed at.
func (r Repo) DeleteProofsForResponseTx(ctx context.Context, tx *sql.Tx, responseID string) ([]string, error) {
	proofs, err := r.ListProofs(ctx, tx, responseID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_proofs WHERE task_response_id=?`, responseID); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(proofs))
	for _, p := range proofs {
		paths = append(paths, p.FilePath)
	}
	return paths, nil
}

const sharedProofColumns = `id,task_id,file_path,original_filename,mime_type,file_size,created_at`

func scanSharedProof(s scanner) (domain.TaskSharedProof, error) {
	var (
		p       domain.TaskSharedProof
		created string
	)
	if err := s.Scan(&p.ID, &p.TaskID, &p.FilePath, &p.OriginalFilename, &p.MimeType, &p.FileSize, &created); err != nil {
		return p, notFoundIfNoRows(err)
	}
	var err error
	p.CreatedAt, err = parseTime(created)
	return p, err
}

func (r Repo) InsertSharedProofTx(ctx context.Context, tx *sql.Tx, p domain.TaskSharedProof) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_shared_proofs(`+sharedProofColumns+`) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.TaskID, p.FilePath, p.OriginalFilename, p.MimeType, p.FileSize, FormatTime(p.CreatedAt))
	return err
}

func (r Repo) GetSharedProof(ctx context.Context, q DBTX, id string) (domain.TaskSharedProof, error) {
	return scanSharedProof(q.QueryRowContext(ctx, `SELECT `+sharedProofColumns+` FROM task_shared_proofs WHERE id=?`, id))
}

func (r Repo) ListSharedProofs(ctx context.Context, q DBTX, taskID string) ([]domain.TaskSharedProof, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+sharedProofColumns+` FROM task_shared_proofs WHERE task_id=? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskSharedProof
	for rows.Next() {
		p, err := scanSharedProof(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateSharedProofPathTx repoints a shared proof once its blob is moved.
func (r Repo) UpdateSharedProofPathTx(ctx context.Context, q DBTX, id, from, to string) error {
	_, err := q.ExecContext(ctx, `UPDATE task_shared_proofs SET file_path=? WHERE id=? AND file_path=?`, to, id, from)
	return err
}

// DeleteSharedProofsForTaskTx removes a task's shared proofs and returns the
// blob paths they pointed at.
func (r Repo) DeleteSharedProofsForTaskTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	proofs, err := r.ListSharedProofs(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_shared_proofs WHERE task_id=?`, taskID); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(proofs))
	for _, p := range proofs {
		paths = append(paths, p.FilePath)
	}
	return paths, nil
}

func (r Repo) InsertHistoryTx(ctx context.Context, tx *sql.Tx, h domain.VerificationHistory) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_verification_history(id,task_response_id,action,performed_by,previous_status,new_status,reason,proof_count,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		h.ID, h.TaskResponseID, h.Action, h.PerformedBy, h.PreviousStatus, h.NewStatus, nullableStringPtr(h.Reason), h.ProofCount, FormatTime(h.CreatedAt))
	return err
}

func (r Repo) ListHistory(ctx context.Context, responseID string) ([]domain.VerificationHistory, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_response_id,action,performed_by,previous_status,new_status,reason,proof_count,created_at
FROM task_verification_history WHERE task_response_id=? ORDER BY created_at, rowid`, responseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VerificationHistory
	for rows.Next() {
		var (
			h       domain.VerificationHistory
			reason  sql.NullString
			created string
		)
		if err := rows.Scan(&h.ID, &h.TaskResponseID, &h.Action, &h.PerformedBy, &h.PreviousStatus, &h.NewStatus, &reason, &h.ProofCount, &created); err != nil {
			return nil, err
		}
		h.Reason = stringPtr(reason)
		if h.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// CountHistory counts history rows with action for a task's responses.
func (r Repo) CountHistory(ctx context.Context, taskID, action string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_verification_history h
JOIN task_responses r ON r.id=h.task_response_id WHERE r.task_id=? AND h.action=?`, taskID, action).Scan(&n)
	return n, err
}
