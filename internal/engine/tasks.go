package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"dealerdesk/internal/domain"
	"dealerdesk/internal/engine/auth"
	"dealerdesk/internal/events"
	"dealerdesk/internal/repo"
	"dealerdesk/internal/taskstatus"
)

// TaskInput creates a task. AppearDate defaults to now.
type TaskInput struct {
	Title                string
	Description          *string
	Comment              *string
	DealershipID         *string
	TaskType             string
	ResponseType         string
	AppearDate           *time.Time
	Deadline             time.Time
	Recurrence           string
	RecurrenceTime       *string
	RecurrenceDayOfWeek  *int
	RecurrenceDayOfMonth *int
	Tags                 []string
	Priority             string
	AssigneeIDs          []string
}

// TaskPatch updates a task; nil fields are left unchanged.
type TaskPatch struct {
	Title        *string
	Description  *string
	Comment      *string
	DealershipID *string
	ResponseType *string
	AppearDate   *time.Time
	Deadline     *time.Time
	Tags         *[]string
	Priority     *string
	AssigneeIDs  *[]string
}

// TaskQuery filters ListTasks. Status filters on the derived status.
type TaskQuery struct {
	DealershipID    string
	GeneratorID     string
	Status          string
	IncludeArchived bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

const maxTitleLen = 255

func normalizeTags(tags []string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func trimmedPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func validateTask(t domain.Task) error {
	switch {
	case t.Title == "":
		return invalid("title", "обязательное поле")
	case utf8.RuneCountInString(t.Title) > maxTitleLen:
		return invalid("title", "не более %d символов", maxTitleLen)
	}
	switch t.TaskType {
	case domain.TaskTypeIndividual, domain.TaskTypeGroup:
	default:
		return invalid("task_type", "unknown task type %q", t.TaskType)
	}
	switch t.ResponseType {
	case domain.ResponseTypeAcknowledge, domain.ResponseTypeCompletion, domain.ResponseTypeCompletionWithProof:
	default:
		return invalid("response_type", "unknown response type %q", t.ResponseType)
	}
	switch t.Priority {
	case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh:
	default:
		return invalid("priority", "unknown priority %q", t.Priority)
	}
	switch t.Recurrence {
	case domain.RecurrenceNone, domain.RecurrenceDaily, domain.RecurrenceWeekly, domain.RecurrenceMonthly:
	default:
		return invalid("recurrence", "unknown recurrence %q", t.Recurrence)
	}
	if t.Deadline.IsZero() {
		return invalid("deadline", "обязательное поле")
	}
	if t.AppearDate.After(t.Deadline) {
		return invalid("appear_date", "must not be after deadline")
	}
	return nil
}

func (e Engine) checkAssignees(ctx context.Context, tx *sql.Tx, ids []string) error {
	missing, err := e.Repo.MissingUsers(ctx, tx, ids)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return invalid("assignee_ids", "unknown users: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (e Engine) checkDealership(ctx context.Context, q repo.DBTX, id *string) error {
	if id == nil {
		return nil
	}
	ok, err := e.Repo.DealershipExists(ctx, q, *id)
	if err != nil {
		return err
	}
	if !ok {
		return invalid("dealership_id", "unknown dealership %s", *id)
	}
	return nil
}

func (e Engine) CreateTask(ctx context.Context, actorID string, in TaskInput) (TaskView, error) {
	now := e.now()
	t := domain.Task{
		ID:                   uuid.NewString(),
		Title:                strings.TrimSpace(in.Title),
		Description:          trimmedPtr(in.Description),
		Comment:              trimmedPtr(in.Comment),
		DealershipID:         trimmedPtr(in.DealershipID),
		CreatorID:            actorID,
		TaskType:             in.TaskType,
		ResponseType:         in.ResponseType,
		AppearDate:           now,
		Deadline:             in.Deadline.UTC().Truncate(time.Second),
		Recurrence:           in.Recurrence,
		RecurrenceTime:       in.RecurrenceTime,
		RecurrenceDayOfWeek:  in.RecurrenceDayOfWeek,
		RecurrenceDayOfMonth: in.RecurrenceDayOfMonth,
		Tags:                 normalizeTags(in.Tags),
		Priority:             in.Priority,
		IsActive:             true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if in.AppearDate != nil {
		t.AppearDate = in.AppearDate.UTC().Truncate(time.Second)
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	if t.Recurrence == "" {
		t.Recurrence = domain.RecurrenceNone
	}
	if err := validateTask(t); err != nil {
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
	if !auth.CanCreateTask(actor, t.DealershipID) {
		return TaskView{}, auth.ForbiddenError{Action: "task.create"}
	}
	if err := e.checkDealership(ctx, tx, t.DealershipID); err != nil {
		return TaskView{}, err
	}
	if err := e.checkAssignees(ctx, tx, in.AssigneeIDs); err != nil {
		return TaskView{}, err
	}
	if err := e.insertTaskTx(ctx, tx, &t, in.AssigneeIDs, actorID); err != nil {
		return TaskView{}, err
	}
	if err := tx.Commit(); err != nil {
		return TaskView{}, err
	}
	e.Metrics.TaskCreated("api")
	res := aggregate(t, nil, now)
	return TaskView{Task: t, Status: res.Status, CompletionProgress: res.Progress}, nil
}

// insertTaskTx runs the duplicate check, then stores the task and its
// assignments.
func (e Engine) insertTaskTx(ctx context.Context, tx *sql.Tx, t *domain.Task, assignees []string, actorID string) error {
	existing, found, err := e.Repo.FindDuplicateTx(ctx, tx, repo.DuplicateKey{
		Title:        t.Title,
		TaskType:     t.TaskType,
		DealershipID: t.DealershipID,
		Description:  t.Description,
		Deadline:     t.Deadline,
	})
	if err != nil {
		return err
	}
	if found {
		e.Metrics.Duplicate()
		return DuplicateTaskError{ExistingID: existing}
	}
	if err := e.Repo.InsertTask(ctx, tx, *t); err != nil {
		return err
	}
	if _, _, err := e.Repo.SyncAssignmentsTx(ctx, tx, t.ID, assignees, t.CreatedAt); err != nil {
		return err
	}
	if t.AssigneeIDs, err = e.Repo.ListAssignees(ctx, tx, t.ID); err != nil {
		return err
	}
	payload := events.Payload{"title": t.Title, "task_type": t.TaskType, "assignee_ids": t.AssigneeIDs}
	if t.GeneratorID != nil {
		payload["generator_id"] = *t.GeneratorID
	}
	return e.Events.Append(ctx, tx, events.TaskCreated, derefOr(t.DealershipID), "task", t.ID, actorID, payload)
}

func derefOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// editableTaskTx loads a task the actor may edit and that is not finished.
func (e Engine) editableTaskTx(ctx context.Context, tx *sql.Tx, actor domain.Actor, id, action string) (domain.Task, error) {
	t, err := e.loadTaskTx(ctx, tx, actor, id)
	if err != nil {
		return t, err
	}
	if !auth.CanEditTask(actor, auth.ScopeOf(t)) {
		return t, auth.ForbiddenError{Action: action}
	}
	status, err := e.derive(ctx, tx, t)
	if err != nil {
		return t, err
	}
	if taskstatus.Finished(status) {
		return t, StateError{Message: msgFinishedTask}
	}
	return t, nil
}

func (e Engine) UpdateTask(ctx context.Context, actorID, id string, p TaskPatch) (TaskView, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TaskView{}, err
	}
	defer tx.Rollback()

	actor, err := e.Auth.LoadActorTx(ctx, tx, actorID)
	if err != nil {
		return TaskView{}, err
	}
	t, err := e.editableTaskTx(ctx, tx, actor, id, "task.update")
	if err != nil {
		return TaskView{}, err
	}
	changed := []string{}
	if p.Title != nil {
		t.Title = strings.TrimSpace(*p.Title)
		changed = append(changed, "title")
	}
	if p.Description != nil {
		t.Description = trimmedPtr(p.Description)
		changed = append(changed, "description")
	}
	if p.Comment != nil {
		t.Comment = trimmedPtr(p.Comment)
		changed = append(changed, "comment")
	}
	if p.DealershipID != nil {
		next := trimmedPtr(p.DealershipID)
		if !ptrEqual(next, t.DealershipID) {
			if !auth.CanCreateTask(actor, next) {
				return TaskView{}, auth.ForbiddenError{Action: "task.move"}
			}
			if err := e.checkDealership(ctx, tx, next); err != nil {
				return TaskView{}, err
			}
			t.DealershipID = next
			changed = append(changed, "dealership_id")
		}
	}
	if p.ResponseType != nil {
		t.ResponseType = *p.ResponseType
		changed = append(changed, "response_type")
	}
	if p.AppearDate != nil {
		t.AppearDate = p.AppearDate.UTC().Truncate(time.Second)
		changed = append(changed, "appear_date")
	}
	if p.Deadline != nil {
		t.Deadline = p.Deadline.UTC().Truncate(time.Second)
		changed = append(changed, "deadline")
	}
	if p.Tags != nil {
		t.Tags = normalizeTags(*p.Tags)
		changed = append(changed, "tags")
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
		changed = append(changed, "priority")
	}
	if err := validateTask(t); err != nil {
		return TaskView{}, err
	}
	t.UpdatedAt = e.now()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return TaskView{}, err
	}
	if p.AssigneeIDs != nil {
		if err := e.syncAssignmentsTx(ctx, tx, &t, *p.AssigneeIDs, actorID); err != nil {
			return TaskView{}, err
		}
		changed = append(changed, "assignee_ids")
	}
	if err := e.Events.Append(ctx, tx, events.TaskUpdated, derefOr(t.DealershipID), "task", t.ID, actorID, events.Payload{"fields": changed}); err != nil {
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

func (e Engine) syncAssignmentsTx(ctx context.Context, tx *sql.Tx, t *domain.Task, userIDs []string, actorID string) error {
	if err := e.checkAssignees(ctx, tx, userIDs); err != nil {
		return err
	}
	added, removed, err := e.Repo.SyncAssignmentsTx(ctx, tx, t.ID, userIDs, e.now())
	if err != nil {
		return err
	}
	if t.AssigneeIDs, err = e.Repo.ListAssignees(ctx, tx, t.ID); err != nil {
		return err
	}
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	return e.Events.Append(ctx, tx, events.AssignmentsSynced, derefOr(t.DealershipID), "task", t.ID, actorID, events.Payload{
		"added":   added,
		"removed": removed,
	})
}

// SyncAssignments makes the task's live assignees exactly userIDs. Repeating
// a call with the same set changes nothing.
func (e Engine) SyncAssignments(ctx context.Context, actorID, id string, userIDs []string) (TaskView, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TaskView{}, err
	}
	defer tx.Rollback()

	actor, err := e.Auth.LoadActorTx(ctx, tx, actorID)
	if err != nil {
		return TaskView{}, err
	}
	t, err := e.editableTaskTx(ctx, tx, actor, id, "task.assign")
	if err != nil {
		return TaskView{}, err
	}
	if err := e.syncAssignmentsTx(ctx, tx, &t, userIDs, actorID); err != nil {
		return TaskView{}, err
	}
	v, err := e.summary(ctx, tx, t)
	if err != nil {
		return TaskView{}, err
	}
	return v, tx.Commit()
}

// DeleteTask tombstones a task. Children are left in place and deleting an
// already deleted task is a no-op.
func (e Engine) DeleteTask(ctx context.Context, actorID, id string) error {
	return e.setTombstone(ctx, actorID, id, true)
}

func (e Engine) RestoreTask(ctx context.Context, actorID, id string) (TaskView, error) {
	if err := e.setTombstone(ctx, actorID, id, false); err != nil {
		return TaskView{}, err
	}
	return e.GetTask(ctx, actorID, id)
}

func (e Engine) setTombstone(ctx context.Context, actorID, id string, deleted bool) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	actor, err := e.Auth.LoadActorTx(ctx, tx, actorID)
	if err != nil {
		return err
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return err
	}
	scope := auth.ScopeOf(t)
	if !auth.CanViewTask(actor, scope) {
		return repo.ErrNotFound
	}
	if !auth.CanEditTask(actor, scope) {
		return auth.ForbiddenError{Action: "task.delete"}
	}
	if (t.DeletedAt != nil) == deleted {
		return nil
	}
	evt := events.TaskRestored
	t.DeletedAt = nil
	if deleted {
		now := e.now()
		t.DeletedAt = &now
		evt = events.TaskDeleted
	}
	t.UpdatedAt = e.now()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evt, derefOr(t.DealershipID), "task", t.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ArchiveTask deactivates a task. Archived tasks are never overdue.
func (e Engine) ArchiveTask(ctx context.Context, actorID, id, reason string) (TaskView, error) {
	return e.setActive(ctx, actorID, id, false, reason)
}

func (e Engine) UnarchiveTask(ctx context.Context, actorID, id string) (TaskView, error) {
	return e.setActive(ctx, actorID, id, true, "")
}

func (e Engine) setActive(ctx context.Context, actorID, id string, active bool, reason string) (TaskView, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TaskView{}, err
	}
	defer tx.Rollback()

	actor, err := e.Auth.LoadActorTx(ctx, tx, actorID)
	if err != nil {
		return TaskView{}, err
	}
	t, err := e.loadTaskTx(ctx, tx, actor, id)
	if err != nil {
		return TaskView{}, err
	}
	if !auth.CanEditTask(actor, auth.ScopeOf(t)) {
		return TaskView{}, auth.ForbiddenError{Action: "task.archive"}
	}
	if t.IsActive != active {
		if err := e.applyActiveTx(ctx, tx, &t, active, reason, actorID); err != nil {
			return TaskView{}, err
		}
	}
	v, err := e.summary(ctx, tx, t)
	if err != nil {
		return TaskView{}, err
	}
	return v, tx.Commit()
}

func (e Engine) applyActiveTx(ctx context.Context, tx *sql.Tx, t *domain.Task, active bool, reason, actorID string) error {
	now := e.now()
	t.IsActive = active
	t.UpdatedAt = now
	evt := events.TaskUnarchived
	if active {
		t.ArchivedAt, t.ArchiveReason = nil, nil
	} else {
		t.ArchivedAt = &now
		t.ArchiveReason = trimmedPtr(&reason)
		evt = events.TaskArchived
	}
	if err := e.Repo.UpdateTask(ctx, tx, *t); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, evt, derefOr(t.DealershipID), "task", t.ID, actorID, events.Payload{"reason": reason})
}

// GetTask returns a task with its responses and proofs.
func (e Engine) GetTask(ctx context.Context, actorID, id string) (TaskView, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TaskView{}, err
	}
	defer tx.Rollback()

	actor, err := e.Auth.LoadActorTx(ctx, tx, actorID)
	if err != nil {
		return TaskView{}, err
	}
	t, err := e.loadTaskTx(ctx, tx, actor, id)
	if err != nil {
		return TaskView{}, err
	}
	return e.detail(ctx, tx, t)
}

// ListTasks returns tasks visible to the actor, newest first. Owners see
// everything, employees only their own tasks, other roles the dealerships
// they are affiliated with.
func (e Engine) ListTasks(ctx context.Context, actorID string, q TaskQuery) ([]TaskView, error) {
	actor, err := e.Auth.LoadActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	f := repo.TaskFilters{
		DealershipID:    q.DealershipID,
		GeneratorID:     q.GeneratorID,
		IncludeArchived: q.IncludeArchived,
		Limit:           limit,
		CursorCreatedAt: q.CursorCreatedAt,
		CursorID:        q.CursorID,
	}
	switch actor.Role {
	case domain.RoleOwner:
	case domain.RoleEmployee:
		f.VisibleTo = actor.UserID
	default:
		f.Dealerships = auth.Accessible(actor)
	}
	var out []TaskView
	for {
		batch, err := e.Repo.ListTasks(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, t := range batch {
			v, err := e.summary(ctx, e.DB, t)
			if err != nil {
				return nil, err
			}
			if q.Status != "" && v.Status != q.Status {
				continue
			}
			out = append(out, v)
			if len(out) == limit {
				return out, nil
			}
		}
		if len(batch) < f.Limit || q.Status == "" {
			return out, nil
		}
		last := batch[len(batch)-1]
		f.CursorCreatedAt, f.CursorID = repo.FormatTime(last.CreatedAt), last.ID
	}
}

// ArchiveCompleted deactivates tasks that finished and have not changed
// since before cutoff. It returns how many were archived.
func (e Engine) ArchiveCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := e.Repo.ListArchivableTaskIDs(ctx, cutoff, 200)
	if err != nil {
		return 0, err
	}
	archived := 0
	for _, id := range ids {
		ok, err := e.archiveIfFinished(ctx, id)
		if err != nil {
			return archived, err
		}
		if ok {
			archived++
		}
	}
	if archived > 0 {
		e.logger().Info("archived completed tasks", "count", archived, "cutoff", cutoff)
	}
	return archived, nil
}

func (e Engine) archiveIfFinished(ctx context.Context, id string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !t.IsActive || t.DeletedAt != nil {
		return false, nil
	}
	status, err := e.derive(ctx, tx, t)
	if err != nil {
		return false, err
	}
	if !taskstatus.Finished(status) {
		return false, nil
	}
	if err := e.applyActiveTx(ctx, tx, &t, false, "completed", SystemActor); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
