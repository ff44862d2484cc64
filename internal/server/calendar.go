package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"dealerdesk/internal/engine"
)

type calendarResultBody struct {
	Body engine.CalendarResult `json:"body"`
}

func registerCalendar(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "calendar-year",
		Method:      http.MethodGet,
		Path:        "/calendar/{year}",
		Summary:     "Calendar rows for a year",
		Description: "Returns the dealership's own rows, or the global calendar when it has none.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Year         int    `path:"year"`
		DealershipID string `query:"dealership_id"`
	}) (*struct {
		Body engine.CalendarYear `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		y, err := e.GetYear(ctx, actorID, input.Year, dealershipParam(input.DealershipID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CalendarYear `json:"body"`
		}{Body: y}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "calendar-day",
		Method:      http.MethodGet,
		Path:        "/calendar/days/{date}",
		Summary:     "Resolve one date",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Date         string `path:"date" example:"2025-03-08"`
		DealershipID string `query:"dealership_id"`
	}) (*struct {
		Body engine.DayInfo `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.GetDay(ctx, actorID, input.Date, dealershipParam(input.DealershipID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DayInfo `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "calendar-set-day",
		Method:      http.MethodPut,
		Path:        "/calendar/days/{date}",
		Summary:     "Mark one date as holiday or workday",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Date string     `path:"date" example:"2025-03-08"`
		Body DayRequest `json:"body"`
	}) (*calendarResultBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SetDay(ctx, actorID, input.Date, engine.DayInput{
			Type:         input.Body.Type,
			Description:  input.Body.Description,
			DealershipID: input.Body.DealershipID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &calendarResultBody{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "calendar-bulk",
		Method:      http.MethodPost,
		Path:        "/calendar/bulk",
		Summary:     "Bulk calendar operation",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body BulkCalendarRequest `json:"body"`
	}) (*calendarResultBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Bulk(ctx, actorID, input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		return &calendarResultBody{Body: res}, nil
	})
}
