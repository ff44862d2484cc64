package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"dealerdesk/internal/engine"
)

type taskPath struct {
	ID string `path:"id"`
}

type taskBody struct {
	Body engine.TaskView `json:"body"`
}

var taskErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        taskErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.CreateTask(ctx, actorID, input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks visible to the caller",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		DealershipID    string `query:"dealership_id"`
		GeneratorID     string `query:"generator_id"`
		Status          string `query:"status" enum:"pending,acknowledged,pending_review,completed,completed_late,overdue"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit" default:"50"`
		Cursor          string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListTasks(ctx, actorID, engine.TaskQuery{
			DealershipID:    input.DealershipID,
			GeneratorID:     input.GeneratorID,
			Status:          input.Status,
			IncludeArchived: input.IncludeArchived,
			Limit:           limit + 1,
			CursorCreatedAt: ts,
			CursorID:        id,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			resp.Items = items[:limit]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task with responses and proofs",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.GetTask(ctx, actorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*taskBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.UpdateTask(ctx, actorID, input.ID, input.Body.patch())
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{id}",
		Summary:       "Soft-delete task",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTask(ctx, actorID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/restore",
		Summary:     "Restore a soft-deleted task",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.RestoreTask(ctx, actorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/archive",
		Summary:     "Archive task",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body *ArchiveRequest `json:"body,omitempty" required:"false"`
	}) (*taskBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		v, err := e.ArchiveTask(ctx, actorID, input.ID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unarchive-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/unarchive",
		Summary:     "Reactivate an archived task",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.UnarchiveTask(ctx, actorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-assignments",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}/assignments",
		Summary:     "Replace the task's assignees",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body AssignmentsRequest `json:"body"`
	}) (*taskBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.SyncAssignments(ctx, actorID, input.ID, input.Body.UserIDs)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-status",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}/status",
		Summary:     "Change response status without uploads",
		Description: "Use POST with multipart/form-data to attach proof_files.",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body StatusChangeRequest `json:"body"`
	}) (*taskBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.UpdateStatus(ctx, actorID, input.ID, input.Body.request())
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-all",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/reject-all",
		Summary:     "Reject every response awaiting review",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body RejectRequest `json:"body"`
	}) (*taskBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.RejectAll(ctx, actorID, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: v}, nil
	})
}
