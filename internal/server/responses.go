package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"dealerdesk/internal/domain"
	"dealerdesk/internal/engine"
)

type responseBody struct {
	Body engine.ResponseView `json:"body"`
}

func registerResponses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "approve-response",
		Method:      http.MethodPost,
		Path:        "/responses/{id}/approve",
		Summary:     "Approve a response awaiting review",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*responseBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.Approve(ctx, actorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &responseBody{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-response",
		Method:      http.MethodPost,
		Path:        "/responses/{id}/reject",
		Summary:     "Reject a response awaiting review",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body RejectRequest `json:"body"`
	}) (*responseBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.Reject(ctx, actorID, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &responseBody{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "response-history",
		Method:      http.MethodGet,
		Path:        "/responses/{id}/history",
		Summary:     "Verification history, oldest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body listBody[domain.VerificationHistory] `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.History(ctx, actorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listBody[domain.VerificationHistory] `json:"body"`
		}{Body: listBody[domain.VerificationHistory]{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-proof",
		Method:        http.MethodDelete,
		Path:          "/proofs/{id}",
		Summary:       "Delete a proof file",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteProof(ctx, actorID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
