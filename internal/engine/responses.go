package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"dealerdesk/internal/domain"
	"dealerdesk/internal/engine/auth"
	"dealerdesk/internal/events"
	"dealerdesk/internal/jobs"
	"dealerdesk/internal/repo"
	"dealerdesk/internal/taskstatus"
)

const maxReasonLen = 1000

// StatusRequest is a "set status" call on a task. Employees move their own
// response; managers drive every response (or the one for UserID).
type StatusRequest struct {
	Status         string
	CompleteForAll bool
	PreserveProofs bool
	UserID         *string
	Comment        *string
	Files          []FileUpload
}

// UpdateStatus applies a status request. Files are written before the
// transaction opens and removed again when it does not record them.
func (e Engine) UpdateStatus(ctx context.Context, actorID, taskID string, req StatusRequest) (TaskView, error) {
	req.Status = strings.TrimSpace(req.Status)
	if req.Status == "" {
		return TaskView{}, invalid("status", "обязательное поле")
	}
	up := &uploadBatch{}
	var err error
	if len(req.Files) > 0 {
		err = e.writeStatusFiles(ctx, actorID, taskID, req, up)
	}
	var v TaskView
	if err == nil {
		v, err = e.updateStatus(ctx, actorID, taskID, req, up)
	}
	if err != nil || !up.used {
		e.discard(up.paths())
	}
	if err != nil {
		return TaskView{}, err
	}
	return v, nil
}

// writeStatusFiles writes the files of a status request. Files a manager
// submits for every assignee are staged.
func (e Engine) writeStatusFiles(ctx context.Context, actorID, taskID string, req StatusRequest, up *uploadBatch) error {
	actor, t, err := e.preloadTask(ctx, actorID, taskID)
	if err != nil {
		return err
	}
	verifier := auth.CanVerify(actor, auth.ScopeOf(t))
	if !verifier && !userIn(t.AssigneeIDs, actor.UserID) {
		return auth.ForbiddenError{Action: "task.status"}
	}
	pathFor := func(ext string) string { return storagePathFor(t, ext) }
	if req.CompleteForAll && verifier {
		pathFor = stagingPath
	}
	return e.writeUploads(ctx, up, req.Files, pathFor)
}

func (e Engine) updateStatus(ctx context.Context, actorID, taskID string, req StatusRequest, up *uploadBatch) (TaskView, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TaskView{}, err
	}
	defer tx.Rollback()

	actor, err := e.Auth.LoadActorTx(ctx, tx, actorID)
	if err != nil {
		return TaskView{}, err
	}
	t, err := e.loadTaskTx(ctx, tx, actor, taskID)
	if err != nil {
		return TaskView{}, err
	}
	assigned := userIn(t.AssigneeIDs, actor.UserID)
	managed := auth.CanVerify(actor, auth.ScopeOf(t)) && (!assigned || req.CompleteForAll || req.UserID != nil ||
		req.Status == domain.StatusPending || req.Status == domain.StatusCompleted)
	switch {
	case managed:
		err = e.managerStatusTx(ctx, tx, actorID, t, req, up)
	case assigned:
		err = e.employeeStatusTx(ctx, tx, actorID, t, req, up)
	default:
		err = auth.ForbiddenError{Action: "task.status"}
	}
	if err != nil {
		return TaskView{}, err
	}
	v, err := e.detail(ctx, tx, t)
	if err != nil {
		return TaskView{}, err
	}
	if err := tx.Commit(); err != nil {
		return TaskView{}, err
	}
	return v, nil
}

func (e Engine) employeeStatusTx(ctx context.Context, tx *sql.Tx, actorID string, t domain.Task, req StatusRequest, up *uploadBatch) error {
	if !t.IsActive {
		return StateError{Message: msgInactiveTask}
	}
	resp, err := e.Repo.GetResponseForUserTx(ctx, tx, t.ID, actorID)
	exists := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	move, err := taskstatus.EmployeeMove(t.ResponseType, resp.Status, req.Status)
	if err != nil {
		return err
	}
	var existing []domain.TaskProof
	if exists {
		if existing, err = e.Repo.ListProofs(ctx, tx, resp.ID); err != nil {
			return err
		}
	}
	if _, err := e.Rules.CheckBatch(len(existing), up.uploads()); err != nil {
		return err
	}
	if move.To == domain.StatusPendingReview && t.ResponseType == domain.ResponseTypeCompletionWithProof &&
		len(existing)+len(up.files) == 0 {
		return invalid("proof_files", msgProofRequired)
	}

	now := e.now()
	if !exists {
		resp = domain.TaskResponse{ID: uuid.NewString(), TaskID: t.ID, UserID: actorID, CreatedAt: now}
	}
	resp.Status = move.To
	resp.SubmissionSource = move.Source
	resp.UsesSharedProofs = false
	resp.RespondedAt = &now
	resp.UpdatedAt = now
	if req.Comment != nil {
		resp.Comment = trimmedPtr(req.Comment)
	}
	if exists {
		ok, err := e.Repo.UpdateResponseTx(ctx, tx, resp, move.From)
		if err != nil {
			return err
		}
		if !ok {
			return taskstatus.TransitionError{From: move.From, To: move.To}
		}
	} else if err := e.Repo.InsertResponseTx(ctx, tx, resp); err != nil {
		return err
	}

	stored := e.proofRows(up, resp.ID)
	for _, p := range stored {
		if err := e.Repo.InsertProofTx(ctx, tx, p); err != nil {
			return err
		}
	}
	if move.HistoryAction != "" && len(stored) > 0 {
		if err := e.historyTx(ctx, tx, resp.ID, move.HistoryAction, actorID, move.From, move.To, nil, len(existing)+len(stored)); err != nil {
			return err
		}
	}
	e.Metrics.Transition(move.From, move.To)
	return e.Events.Append(ctx, tx, events.ResponseSubmitted, derefOr(t.DealershipID), "task_response", resp.ID, actorID, events.Payload{
		"task_id": t.ID,
		"from":    move.From,
		"to":      move.To,
		"proofs":  len(stored),
	})
}

func (e Engine) managerStatusTx(ctx context.Context, tx *sql.Tx, actorID string, t domain.Task, req StatusRequest, up *uploadBatch) error {
	if err := taskstatus.ManagerTarget(req.Status); err != nil {
		return err
	}
	if req.UserID != nil && !userIn(t.AssigneeIDs, *req.UserID) {
		return invalid("user_id", "user is not assigned to the task")
	}
	responses, err := e.Repo.ListResponses(ctx, tx, t.ID, "")
	if err != nil {
		return err
	}
	if req.UserID != nil {
		var only []domain.TaskResponse
		for _, r := range responses {
			if r.UserID == *req.UserID {
				only = append(only, r)
			}
		}
		responses = only
	}
	switch req.Status {
	case domain.StatusPending:
		return e.resetTx(ctx, tx, actorID, t, responses, req)
	case domain.StatusCompleted:
		return e.forceCompleteTx(ctx, tx, actorID, t, responses)
	}
	if !req.CompleteForAll {
		return taskstatus.TransitionError{To: req.Status}
	}
	return e.completeForAllTx(ctx, tx, actorID, t, req, up)
}

// resetTx moves responses back to pending. Without PreserveProofs the rows
// and their proofs are removed outright.
func (e Engine) resetTx(ctx context.Context, tx *sql.Tx, actorID string, t domain.Task, responses []domain.TaskResponse, req StatusRequest) error {
	now := e.now()
	for _, r := range responses {
		from := r.Status
		if req.PreserveProofs {
			r.Status = domain.StatusPending
			r.VerifiedAt, r.VerifiedBy, r.RespondedAt = nil, nil, nil
			r.UpdatedAt = now
			if _, err := e.Repo.UpdateResponseTx(ctx, tx, r, ""); err != nil {
				return err
			}
		} else {
			paths, err := e.Repo.DeleteProofsForResponseTx(ctx, tx, r.ID)
			if err != nil {
				return err
			}
			if err := e.enqueueDeletes(ctx, tx, paths); err != nil {
				return err
			}
			if err := e.Repo.DeleteResponseTx(ctx, tx, r.ID); err != nil {
				return err
			}
		}
		e.Metrics.Transition(from, domain.StatusPending)
	}
	if !req.PreserveProofs && req.UserID == nil && t.TaskType == domain.TaskTypeGroup {
		if err := e.dropSharedProofsTx(ctx, tx, t.ID); err != nil {
			return err
		}
	}
	return e.Events.Append(ctx, tx, events.ResponseReset, derefOr(t.DealershipID), "task", t.ID, actorID, events.Payload{
		"responses":       len(responses),
		"preserve_proofs": req.PreserveProofs,
	})
}

// forceCompleteTx approves every response awaiting review.
func (e Engine) forceCompleteTx(ctx context.Context, tx *sql.Tx, actorID string, t domain.Task, responses []domain.TaskResponse) error {
	n := 0
	for _, r := range responses {
		if r.Status != domain.StatusPendingReview {
			continue
		}
		if _, err := e.approveTx(ctx, tx, actorID, t, r); err != nil {
			return err
		}
		n++
	}
	if n == 0 {
		return StateError{Message: msgNotAwaitingReview}
	}
	return nil
}

// completeForAllTx submits one set of files on behalf of every assignee of a
// group task. Files arrive staged and are moved into place by a job.
func (e Engine) completeForAllTx(ctx context.Context, tx *sql.Tx, actorID string, t domain.Task, req StatusRequest, up *uploadBatch) error {
	if t.TaskType != domain.TaskTypeGroup {
		return invalid("complete_for_all", "only group tasks can be completed for all assignees")
	}
	if !t.IsActive {
		return StateError{Message: msgInactiveTask}
	}
	if len(up.files) == 0 {
		return invalid("proof_files", msgProofRequired)
	}
	if err := e.dropSharedProofsTx(ctx, tx, t.ID); err != nil {
		return err
	}
	now := e.now()
	job := jobs.PersistShared{TaskID: t.ID}
	for _, s := range up.files {
		e.Metrics.ProofStored(s.Size)
		p := domain.TaskSharedProof{
			ID:               uuid.NewString(),
			TaskID:           t.ID,
			FilePath:         s.Path,
			OriginalFilename: s.Filename,
			MimeType:         s.MimeType,
			FileSize:         s.Size,
			CreatedAt:        now,
		}
		if err := e.Repo.InsertSharedProofTx(ctx, tx, p); err != nil {
			return err
		}
		job.Moves = append(job.Moves, jobs.SharedMove{
			ProofID: p.ID,
			From:    s.Path,
			To:      storagePathFor(t, s.Ext),
		})
	}
	up.used = true
	if _, err := e.Jobs.Enqueue(ctx, tx, jobs.KindPersistShared, job, now); err != nil {
		return err
	}

	responses, err := e.Repo.ListResponses(ctx, tx, t.ID, "")
	if err != nil {
		return err
	}
	byUser := make(map[string]domain.TaskResponse, len(responses))
	for _, r := range responses {
		byUser[r.UserID] = r
	}
	submitted := 0
	for _, userID := range t.AssigneeIDs {
		r, exists := byUser[userID]
		if exists && r.Status == domain.StatusCompleted {
			continue
		}
		from := r.Status
		if !exists {
			r = domain.TaskResponse{ID: uuid.NewString(), TaskID: t.ID, UserID: userID, CreatedAt: now}
		}
		r.Status = domain.StatusPendingReview
		r.UsesSharedProofs = true
		r.SubmissionSource = domain.SourceShared
		r.RespondedAt = &now
		r.VerifiedAt, r.VerifiedBy = nil, nil
		r.UpdatedAt = now
		if req.Comment != nil {
			r.Comment = trimmedPtr(req.Comment)
		}
		if exists {
			if _, err := e.Repo.UpdateResponseTx(ctx, tx, r, ""); err != nil {
				return err
			}
		} else if err := e.Repo.InsertResponseTx(ctx, tx, r); err != nil {
			return err
		}
		action := domain.HistorySubmitted
		if from == domain.StatusRejected {
			action = domain.HistoryResubmitted
		}
		if err := e.historyTx(ctx, tx, r.ID, action, actorID, from, r.Status, nil, len(up.files)); err != nil {
			return err
		}
		e.Metrics.Transition(from, r.Status)
		submitted++
	}
	return e.Events.Append(ctx, tx, events.SharedProofsStored, derefOr(t.DealershipID), "task", t.ID, actorID, events.Payload{
		"files":     len(up.files),
		"responses": submitted,
	})
}

func (e Engine) dropSharedProofsTx(ctx context.Context, tx *sql.Tx, taskID string) error {
	paths, err := e.Repo.DeleteSharedProofsForTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	return e.enqueueDeletes(ctx, tx, paths)
}

func (e Engine) historyTx(ctx context.Context, tx *sql.Tx, responseID, action, actorID, from, to string, reason *string, proofs int) error {
	return e.Repo.InsertHistoryTx(ctx, tx, domain.VerificationHistory{
		ID:             uuid.NewString(),
		TaskResponseID: responseID,
		Action:         action,
		PerformedBy:    actorID,
		PreviousStatus: from,
		NewStatus:      to,
		Reason:         reason,
		ProofCount:     proofs,
		CreatedAt:      e.now(),
	})
}

// verifiable loads a response and its task for a reviewer.
func (e Engine) verifiable(ctx context.Context, tx *sql.Tx, actorID, responseID, action string) (domain.Task, domain.TaskResponse, error) {
	actor, err := e.Auth.LoadActorTx(ctx, tx, actorID)
	if err != nil {
		return domain.Task{}, domain.TaskResponse{}, err
	}
	resp, err := e.Repo.GetResponseTx(ctx, tx, responseID)
	if err != nil {
		return domain.Task{}, domain.TaskResponse{}, notFoundAs(err, "response")
	}
	t, err := e.loadTaskTx(ctx, tx, actor, resp.TaskID)
	if err != nil {
		return domain.Task{}, domain.TaskResponse{}, err
	}
	if !auth.CanVerify(actor, auth.ScopeOf(t)) {
		return domain.Task{}, domain.TaskResponse{}, auth.ForbiddenError{Action: action}
	}
	return t, resp, nil
}

func (e Engine) Approve(ctx context.Context, actorID, responseID string) (ResponseView, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ResponseView{}, err
	}
	defer tx.Rollback()

	t, resp, err := e.verifiable(ctx, tx, actorID, responseID, "response.approve")
	if err != nil {
		return ResponseView{}, err
	}
	if resp, err = e.approveTx(ctx, tx, actorID, t, resp); err != nil {
		return ResponseView{}, err
	}
	v, err := e.responseView(ctx, tx, t, resp)
	if err != nil {
		return ResponseView{}, err
	}
	return v, tx.Commit()
}

func (e Engine) approveTx(ctx context.Context, tx *sql.Tx, actorID string, t domain.Task, resp domain.TaskResponse) (domain.TaskResponse, error) {
	if resp.Status != domain.StatusPendingReview {
		return resp, StateError{Message: msgNotAwaitingReview}
	}
	proofs, err := e.proofCount(ctx, tx, t, resp)
	if err != nil {
		return resp, err
	}
	if t.ResponseType == domain.ResponseTypeCompletionWithProof && proofs == 0 {
		return resp, StateError{Message: msgNoProofs}
	}
	now := e.now()
	resp.Status = domain.StatusCompleted
	resp.VerifiedAt = &now
	resp.VerifiedBy = &actorID
	resp.RejectionReason = nil
	resp.UpdatedAt = now
	ok, err := e.Repo.UpdateResponseTx(ctx, tx, resp, domain.StatusPendingReview)
	if err != nil {
		return resp, err
	}
	if !ok {
		return resp, StateError{Message: msgNotAwaitingReview}
	}
	if err := e.historyTx(ctx, tx, resp.ID, domain.HistoryApproved, actorID, domain.StatusPendingReview, domain.StatusCompleted, nil, proofs); err != nil {
		return resp, err
	}
	e.Metrics.Verification(domain.HistoryApproved)
	e.Metrics.Transition(domain.StatusPendingReview, domain.StatusCompleted)
	return resp, e.Events.Append(ctx, tx, events.ResponseApproved, derefOr(t.DealershipID), "task_response", resp.ID, actorID, events.Payload{
		"task_id": t.ID,
		"user_id": resp.UserID,
	})
}

// proofCount counts the files backing a response, shared ones included.
func (e Engine) proofCount(ctx context.Context, q repo.DBTX, t domain.Task, resp domain.TaskResponse) (int, error) {
	own, err := e.Repo.ListProofs(ctx, q, resp.ID)
	if err != nil {
		return 0, err
	}
	n := len(own)
	if resp.UsesSharedProofs {
		shared, err := e.Repo.ListSharedProofs(ctx, q, t.ID)
		if err != nil {
			return 0, err
		}
		n += len(shared)
	}
	return n, nil
}

func checkReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	switch {
	case reason == "":
		return "", invalid("reason", "обязательное поле")
	case utf8.RuneCountInString(reason) > maxReasonLen:
		return "", invalid("reason", "не более %d символов", maxReasonLen)
	}
	return reason, nil
}

func (e Engine) Reject(ctx context.Context, actorID, responseID, reason string) (ResponseView, error) {
	reason, err := checkReason(reason)
	if err != nil {
		return ResponseView{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ResponseView{}, err
	}
	defer tx.Rollback()

	t, resp, err := e.verifiable(ctx, tx, actorID, responseID, "response.reject")
	if err != nil {
		return ResponseView{}, err
	}
	if resp, err = e.rejectTx(ctx, tx, actorID, t, resp, reason); err != nil {
		return ResponseView{}, err
	}
	if t.TaskType == domain.TaskTypeGroup {
		if err := e.dropSharedProofsTx(ctx, tx, t.ID); err != nil {
			return ResponseView{}, err
		}
	}
	v, err := e.responseView(ctx, tx, t, resp)
	if err != nil {
		return ResponseView{}, err
	}
	return v, tx.Commit()
}

// rejectTx rejects one response and removes its own proofs. Shared proofs are
// left to the caller so a batch drops them once.
func (e Engine) rejectTx(ctx context.Context, tx *sql.Tx, actorID string, t domain.Task, resp domain.TaskResponse, reason string) (domain.TaskResponse, error) {
	if resp.Status != domain.StatusPendingReview {
		return resp, StateError{Message: msgNotAwaitingReview}
	}
	proofs, err := e.proofCount(ctx, tx, t, resp)
	if err != nil {
		return resp, err
	}
	now := e.now()
	resp.Status = domain.StatusRejected
	resp.RejectionReason = &reason
	resp.RejectionCount++
	resp.VerifiedAt, resp.VerifiedBy = nil, nil
	resp.UsesSharedProofs = false
	resp.UpdatedAt = now
	ok, err := e.Repo.UpdateResponseTx(ctx, tx, resp, domain.StatusPendingReview)
	if err != nil {
		return resp, err
	}
	if !ok {
		return resp, StateError{Message: msgNotAwaitingReview}
	}
	paths, err := e.Repo.DeleteProofsForResponseTx(ctx, tx, resp.ID)
	if err != nil {
		return resp, err
	}
	if err := e.enqueueDeletes(ctx, tx, paths); err != nil {
		return resp, err
	}
	if err := e.historyTx(ctx, tx, resp.ID, domain.HistoryRejected, actorID, domain.StatusPendingReview, domain.StatusRejected, &reason, proofs); err != nil {
		return resp, err
	}
	e.Metrics.Verification(domain.HistoryRejected)
	e.Metrics.Transition(domain.StatusPendingReview, domain.StatusRejected)
	return resp, e.Events.Append(ctx, tx, events.ResponseRejected, derefOr(t.DealershipID), "task_response", resp.ID, actorID, events.Payload{
		"task_id": t.ID,
		"user_id": resp.UserID,
		"reason":  reason,
	})
}

// RejectAll rejects every response of a task awaiting review, or none.
func (e Engine) RejectAll(ctx context.Context, actorID, taskID, reason string) (TaskView, error) {
	reason, err := checkReason(reason)
	if err != nil {
		return TaskView{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TaskView{}, err
	}
	defer tx.Rollback()

	actor, err := e.Auth.LoadActorTx(ctx, tx, actorID)
	if err != nil {
		return TaskView{}, err
	}
	t, err := e.loadTaskTx(ctx, tx, actor, taskID)
	if err != nil {
		return TaskView{}, err
	}
	if !auth.CanVerify(actor, auth.ScopeOf(t)) {
		return TaskView{}, auth.ForbiddenError{Action: "task.reject_all"}
	}
	pending, err := e.Repo.ListResponses(ctx, tx, t.ID, domain.StatusPendingReview)
	if err != nil {
		return TaskView{}, err
	}
	if len(pending) == 0 {
		return TaskView{}, StateError{Message: msgNothingToReject}
	}
	for _, r := range pending {
		if _, err := e.rejectTx(ctx, tx, actorID, t, r, reason); err != nil {
			return TaskView{}, err
		}
	}
	if t.TaskType == domain.TaskTypeGroup {
		if err := e.dropSharedProofsTx(ctx, tx, t.ID); err != nil {
			return TaskView{}, err
		}
	}
	v, err := e.detail(ctx, tx, t)
	if err != nil {
		return TaskView{}, err
	}
	return v, tx.Commit()
}

// History returns the verification trail of a response, oldest first.
func (e Engine) History(ctx context.Context, actorID, responseID string) ([]domain.VerificationHistory, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	actor, err := e.Auth.LoadActorTx(ctx, tx, actorID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	resp, err := e.Repo.GetResponseTx(ctx, tx, responseID)
	if err != nil {
		tx.Rollback()
		return nil, notFoundAs(err, "response")
	}
	_, err = e.loadTaskTx(ctx, tx, actor, resp.TaskID)
	tx.Rollback()
	if err != nil {
		return nil, err
	}
	return e.Repo.ListHistory(ctx, responseID)
}
