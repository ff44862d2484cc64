package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"dealerdesk/internal/domain"
	"dealerdesk/internal/engine"
)

type generatorPath struct {
	ID string `path:"id"`
}

type generatorBody struct {
	Body domain.TaskGenerator `json:"body"`
}

func registerGenerators(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-generator",
		Method:        http.MethodPost,
		Path:          "/generators",
		Summary:       "Create a recurring task generator",
		DefaultStatus: http.StatusCreated,
		Errors:        taskErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateGeneratorRequest `json:"body"`
	}) (*generatorBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.CreateGenerator(ctx, actorID, input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		return &generatorBody{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-generators",
		Method:      http.MethodGet,
		Path:        "/generators",
		Summary:     "List generators in the caller's dealerships",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body listBody[domain.TaskGenerator] `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListGenerators(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listBody[domain.TaskGenerator] `json:"body"`
		}{Body: listBody[domain.TaskGenerator]{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-generator",
		Method:      http.MethodGet,
		Path:        "/generators/{id}",
		Summary:     "Get generator",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *generatorPath) (*generatorBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.GetGenerator(ctx, actorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &generatorBody{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-generator",
		Method:      http.MethodPatch,
		Path:        "/generators/{id}",
		Summary:     "Update generator",
		Description: "Schedule changes recompute next_run_at from now; past occurrences are not replayed.",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body UpdateGeneratorRequest `json:"body"`
	}) (*generatorBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.UpdateGenerator(ctx, actorID, input.ID, input.Body.patch())
		if err != nil {
			return nil, handleError(err)
		}
		return &generatorBody{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-generator",
		Method:        http.MethodDelete,
		Path:          "/generators/{id}",
		Summary:       "Delete generator; generated tasks are kept",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *generatorPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteGenerator(ctx, actorID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	for _, op := range []struct {
		id     string
		suffix string
		active bool
	}{
		{"pause-generator", "pause", false},
		{"resume-generator", "resume", true},
	} {
		active := op.active
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        "/generators/{id}/" + op.suffix,
			Summary:     "Set generator " + op.suffix + "d",
			Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
		}, func(ctx context.Context, input *generatorPath) (*generatorBody, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			g, err := e.SetGeneratorActive(ctx, actorID, input.ID, active)
			if err != nil {
				return nil, handleError(err)
			}
			return &generatorBody{Body: g}, nil
		})
	}
}
