package server

import (
	"time"

	"dealerdesk/internal/domain"
	"dealerdesk/internal/engine"
)

// Request payloads

type CreateTaskRequest struct {
	Title                string     `json:"title" maxLength:"255"`
	Description          *string    `json:"description,omitempty"`
	Comment              *string    `json:"comment,omitempty"`
	DealershipID         *string    `json:"dealership_id,omitempty"`
	TaskType             string     `json:"task_type" enum:"individual,group"`
	ResponseType         string     `json:"response_type" enum:"acknowledge,completion,completion_with_proof"`
	AppearDate           *time.Time `json:"appear_date,omitempty"`
	Deadline             time.Time  `json:"deadline"`
	Recurrence           string     `json:"recurrence,omitempty" enum:"none,daily,weekly,monthly"`
	RecurrenceTime       *string    `json:"recurrence_time,omitempty"`
	RecurrenceDayOfWeek  *int       `json:"recurrence_day_of_week,omitempty"`
	RecurrenceDayOfMonth *int       `json:"recurrence_day_of_month,omitempty"`
	Tags                 []string   `json:"tags,omitempty"`
	Priority             string     `json:"priority,omitempty" enum:"low,medium,high"`
	AssigneeIDs          []string   `json:"assignee_ids,omitempty"`
}

func (r CreateTaskRequest) input() engine.TaskInput {
	return engine.TaskInput{
		Title:                r.Title,
		Description:          r.Description,
		Comment:              r.Comment,
		DealershipID:         r.DealershipID,
		TaskType:             r.TaskType,
		ResponseType:         r.ResponseType,
		AppearDate:           r.AppearDate,
		Deadline:             r.Deadline,
		Recurrence:           r.Recurrence,
		RecurrenceTime:       r.RecurrenceTime,
		RecurrenceDayOfWeek:  r.RecurrenceDayOfWeek,
		RecurrenceDayOfMonth: r.RecurrenceDayOfMonth,
		Tags:                 r.Tags,
		Priority:             r.Priority,
		AssigneeIDs:          r.AssigneeIDs,
	}
}

type UpdateTaskRequest struct {
	Title        *string    `json:"title,omitempty" maxLength:"255"`
	Description  *string    `json:"description,omitempty"`
	Comment      *string    `json:"comment,omitempty"`
	DealershipID *string    `json:"dealership_id,omitempty"`
	ResponseType *string    `json:"response_type,omitempty" enum:"acknowledge,completion,completion_with_proof"`
	AppearDate   *time.Time `json:"appear_date,omitempty"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	Tags         *[]string  `json:"tags,omitempty"`
	Priority     *string    `json:"priority,omitempty" enum:"low,medium,high"`
	AssigneeIDs  *[]string  `json:"assignee_ids,omitempty"`
}

func (r UpdateTaskRequest) patch() engine.TaskPatch {
	return engine.TaskPatch{
		Title:        r.Title,
		Description:  r.Description,
		Comment:      r.Comment,
		DealershipID: r.DealershipID,
		ResponseType: r.ResponseType,
		AppearDate:   r.AppearDate,
		Deadline:     r.Deadline,
		Tags:         r.Tags,
		Priority:     r.Priority,
		AssigneeIDs:  r.AssigneeIDs,
	}
}

type AssignmentsRequest struct {
	UserIDs []string `json:"user_ids"`
}

type ArchiveRequest struct {
	Reason string `json:"reason,omitempty"`
}

type StatusChangeRequest struct {
	Status         string  `json:"status"`
	CompleteForAll bool    `json:"complete_for_all,omitempty"`
	PreserveProofs bool    `json:"preserve_proofs,omitempty"`
	UserID         *string `json:"user_id,omitempty"`
	Comment        *string `json:"comment,omitempty"`
}

func (r StatusChangeRequest) request() engine.StatusRequest {
	return engine.StatusRequest{
		Status:         r.Status,
		CompleteForAll: r.CompleteForAll,
		PreserveProofs: r.PreserveProofs,
		UserID:         r.UserID,
		Comment:        r.Comment,
	}
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type DayRequest struct {
	Type         string  `json:"type" enum:"holiday,workday"`
	Description  *string `json:"description,omitempty"`
	DealershipID *string `json:"dealership_id,omitempty"`
}

type BulkCalendarRequest struct {
	Operation    string   `json:"operation" enum:"set_weekdays,set_dates,clear_year"`
	Year         int      `json:"year,omitempty"`
	Weekdays     []int    `json:"weekdays,omitempty"`
	Dates        []string `json:"dates,omitempty"`
	Type         string   `json:"type,omitempty" enum:"holiday,workday"`
	Description  *string  `json:"description,omitempty"`
	DealershipID *string  `json:"dealership_id,omitempty"`
}

func (r BulkCalendarRequest) input() engine.BulkInput {
	return engine.BulkInput{
		Operation:    r.Operation,
		Year:         r.Year,
		Weekdays:     r.Weekdays,
		Dates:        r.Dates,
		Type:         r.Type,
		Description:  r.Description,
		DealershipID: r.DealershipID,
	}
}

type CreateGeneratorRequest struct {
	Title                string   `json:"title" maxLength:"255"`
	Description          *string  `json:"description,omitempty"`
	Comment              *string  `json:"comment,omitempty"`
	DealershipID         *string  `json:"dealership_id,omitempty"`
	TaskType             string   `json:"task_type" enum:"individual,group"`
	ResponseType         string   `json:"response_type" enum:"acknowledge,completion,completion_with_proof"`
	Recurrence           string   `json:"recurrence" enum:"daily,weekly,monthly"`
	RecurrenceTime       string   `json:"recurrence_time" example:"08:00"`
	RecurrenceDayOfWeek  *int     `json:"recurrence_day_of_week,omitempty" minimum:"1" maximum:"7"`
	RecurrenceDayOfMonth *int     `json:"recurrence_day_of_month,omitempty"`
	DeadlineTime         string   `json:"deadline_time" example:"18:00"`
	Tags                 []string `json:"tags,omitempty"`
	Priority             string   `json:"priority,omitempty" enum:"low,medium,high"`
	StartDate            string   `json:"start_date" example:"2025-03-03"`
	EndDate              *string  `json:"end_date,omitempty"`
	SkipHolidays         bool     `json:"skip_holidays,omitempty"`
	AssigneeIDs          []string `json:"assignee_ids"`
}

func (r CreateGeneratorRequest) input() engine.GeneratorInput {
	return engine.GeneratorInput{
		Title:                r.Title,
		Description:          r.Description,
		Comment:              r.Comment,
		DealershipID:         r.DealershipID,
		TaskType:             r.TaskType,
		ResponseType:         r.ResponseType,
		Recurrence:           r.Recurrence,
		RecurrenceTime:       r.RecurrenceTime,
		RecurrenceDayOfWeek:  r.RecurrenceDayOfWeek,
		RecurrenceDayOfMonth: r.RecurrenceDayOfMonth,
		DeadlineTime:         r.DeadlineTime,
		Tags:                 r.Tags,
		Priority:             r.Priority,
		StartDate:            r.StartDate,
		EndDate:              r.EndDate,
		SkipHolidays:         r.SkipHolidays,
		AssigneeIDs:          r.AssigneeIDs,
	}
}

type UpdateGeneratorRequest struct {
	Title                *string   `json:"title,omitempty" maxLength:"255"`
	Description          *string   `json:"description,omitempty"`
	Comment              *string   `json:"comment,omitempty"`
	ResponseType         *string   `json:"response_type,omitempty" enum:"acknowledge,completion,completion_with_proof"`
	Recurrence           *string   `json:"recurrence,omitempty" enum:"daily,weekly,monthly"`
	RecurrenceTime       *string   `json:"recurrence_time,omitempty"`
	RecurrenceDayOfWeek  *int      `json:"recurrence_day_of_week,omitempty" minimum:"1" maximum:"7"`
	RecurrenceDayOfMonth *int      `json:"recurrence_day_of_month,omitempty"`
	DeadlineTime         *string   `json:"deadline_time,omitempty"`
	Tags                 *[]string `json:"tags,omitempty"`
	Priority             *string   `json:"priority,omitempty" enum:"low,medium,high"`
	StartDate            *string   `json:"start_date,omitempty"`
	EndDate              *string   `json:"end_date,omitempty" doc:"Empty string clears the end date"`
	SkipHolidays         *bool     `json:"skip_holidays,omitempty"`
	AssigneeIDs          *[]string `json:"assignee_ids,omitempty"`
}

func (r UpdateGeneratorRequest) patch() engine.GeneratorPatch {
	return engine.GeneratorPatch{
		Title:                r.Title,
		Description:          r.Description,
		Comment:              r.Comment,
		ResponseType:         r.ResponseType,
		Recurrence:           r.Recurrence,
		RecurrenceTime:       r.RecurrenceTime,
		RecurrenceDayOfWeek:  r.RecurrenceDayOfWeek,
		RecurrenceDayOfMonth: r.RecurrenceDayOfMonth,
		DeadlineTime:         r.DeadlineTime,
		Tags:                 r.Tags,
		Priority:             r.Priority,
		StartDate:            r.StartDate,
		EndDate:              r.EndDate,
		SkipHolidays:         r.SkipHolidays,
		AssigneeIDs:          r.AssigneeIDs,
	}
}

type CreateDealershipRequest struct {
	Name string `json:"name"`
}

type CreateUserRequest struct {
	Login                 string   `json:"login"`
	FullName              string   `json:"full_name,omitempty"`
	Role                  string   `json:"role" enum:"owner,manager,employee,observer"`
	DealershipID          *string  `json:"dealership_id,omitempty"`
	AttachedDealershipIDs []string `json:"attached_dealership_ids,omitempty"`
}

type IssueAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type paginatedTasks struct {
	Items      []engine.TaskView `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type APIKeyResponse struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name,omitempty"`
	Key       string    `json:"key" doc:"Shown once"`
	CreatedAt time.Time `json:"created_at"`
}

func apiKeyResponse(plain string, k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, UserID: k.UserID, Name: k.Name, Key: plain, CreatedAt: k.CreatedAt}
}

type listBody[T any] struct {
	Items []T `json:"items"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
