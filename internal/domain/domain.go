package domain

import "time"

type Role string

const (
	RoleOwner    Role = "owner"
	RoleManager  Role = "manager"
	RoleEmployee Role = "employee"
	RoleObserver Role = "observer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleManager, RoleEmployee, RoleObserver:
		return true
	}
	return false
}

const (
	TaskTypeIndividual = "individual"
	TaskTypeGroup      = "group"
)

const (
	ResponseTypeAcknowledge         = "acknowledge"
	ResponseTypeCompletion          = "completion"
	ResponseTypeCompletionWithProof = "completion_with_proof"
)

// Response statuses are stored; the Task* statuses below them are derived only.
const (
	StatusPending       = "pending"
	StatusAcknowledged  = "acknowledged"
	StatusPendingReview = "pending_review"
	StatusCompleted     = "completed"
	StatusRejected      = "rejected"
	StatusCompletedLate = "completed_late"
	StatusOverdue       = "overdue"
)

const (
	SourceNormal      = "normal"
	SourceResubmitted = "resubmitted"
	SourceShared      = "shared"
)

const (
	HistorySubmitted   = "submitted"
	HistoryResubmitted = "resubmitted"
	HistoryApproved    = "approved"
	HistoryRejected    = "rejected"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

const (
	RecurrenceNone    = "none"
	RecurrenceDaily   = "daily"
	RecurrenceWeekly  = "weekly"
	RecurrenceMonthly = "monthly"
)

const (
	DayHoliday = "holiday"
	DayWorkday = "workday"
)

type Dealership struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type User struct {
	ID                    string    `json:"id"`
	Login                 string    `json:"login"`
	FullName              string    `json:"full_name,omitempty"`
	Role                  Role      `json:"role" enum:"owner,manager,employee,observer"`
	DealershipID          *string   `json:"dealership_id,omitempty"`
	AttachedDealershipIDs []string  `json:"attached_dealership_ids,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

// Actor is the authenticated caller as seen by access checks.
type Actor struct {
	UserID                string
	Role                  Role
	DealershipID          *string
	AttachedDealershipIDs []string
}

func (u User) Actor() Actor {
	return Actor{
		UserID:                u.ID,
		Role:                  u.Role,
		DealershipID:          u.DealershipID,
		AttachedDealershipIDs: u.AttachedDealershipIDs,
	}
}

type APIKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

type Task struct {
	ID                   string     `json:"id"`
	Title                string     `json:"title"`
	Description          *string    `json:"description,omitempty"`
	Comment              *string    `json:"comment,omitempty"`
	DealershipID         *string    `json:"dealership_id,omitempty"`
	CreatorID            string     `json:"creator_id"`
	TaskType             string     `json:"task_type"`
	ResponseType         string     `json:"response_type"`
	AppearDate           time.Time  `json:"appear_date"`
	Deadline             time.Time  `json:"deadline"`
	Recurrence           string     `json:"recurrence"`
	RecurrenceTime       *string    `json:"recurrence_time,omitempty"`
	RecurrenceDayOfWeek  *int       `json:"recurrence_day_of_week,omitempty"`
	RecurrenceDayOfMonth *int       `json:"recurrence_day_of_month,omitempty"`
	Tags                 []string   `json:"tags"`
	Priority             string     `json:"priority"`
	IsActive             bool       `json:"is_active"`
	ArchivedAt           *time.Time `json:"archived_at,omitempty"`
	ArchiveReason        *string    `json:"archive_reason,omitempty"`
	GeneratorID          *string    `json:"generator_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	DeletedAt            *time.Time `json:"deleted_at,omitempty"`
	AssigneeIDs          []string   `json:"assignee_ids"`
}

type TaskAssignment struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	UserID    string     `json:"user_id"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

type TaskResponse struct {
	ID               string     `json:"id"`
	TaskID           string     `json:"task_id"`
	UserID           string     `json:"user_id"`
	Status           string     `json:"status"`
	Comment          *string    `json:"comment,omitempty"`
	RespondedAt      *time.Time `json:"responded_at,omitempty"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty"`
	VerifiedBy       *string    `json:"verified_by,omitempty"`
	RejectionReason  *string    `json:"rejection_reason,omitempty"`
	RejectionCount   int        `json:"rejection_count"`
	UsesSharedProofs bool       `json:"uses_shared_proofs"`
	SubmissionSource string     `json:"submission_source"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type TaskProof struct {
	ID               string    `json:"id"`
	TaskResponseID   string    `json:"task_response_id"`
	FilePath         string    `json:"-"`
	OriginalFilename string    `json:"original_filename"`
	MimeType         string    `json:"mime_type"`
	FileSize         int64     `json:"file_size"`
	CreatedAt        time.Time `json:"created_at"`
}

type TaskSharedProof struct {
	ID               string    `json:"id"`
	TaskID           string    `json:"task_id"`
	FilePath         string    `json:"-"`
	OriginalFilename string    `json:"original_filename"`
	MimeType         string    `json:"mime_type"`
	FileSize         int64     `json:"file_size"`
	CreatedAt        time.Time `json:"created_at"`
}

type VerificationHistory struct {
	ID             string    `json:"id"`
	TaskResponseID string    `json:"task_response_id"`
	Action         string    `json:"action"`
	PerformedBy    string    `json:"performed_by"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	Reason         *string   `json:"reason,omitempty"`
	ProofCount     int       `json:"proof_count"`
	CreatedAt      time.Time `json:"created_at"`
}

type CalendarDay struct {
	ID           string  `json:"id"`
	Date         string  `json:"date"`
	DealershipID *string `json:"dealership_id,omitempty"`
	Type         string  `json:"type"`
	Description  *string `json:"description,omitempty"`
}

type TaskGenerator struct {
	ID                   string     `json:"id"`
	Title                string     `json:"title"`
	Description          *string    `json:"description,omitempty"`
	Comment              *string    `json:"comment,omitempty"`
	DealershipID         *string    `json:"dealership_id,omitempty"`
	CreatorID            string     `json:"creator_id"`
	TaskType             string     `json:"task_type"`
	ResponseType         string     `json:"response_type"`
	Recurrence           string     `json:"recurrence"`
	RecurrenceTime       string     `json:"recurrence_time"`
	RecurrenceDayOfWeek  *int       `json:"recurrence_day_of_week,omitempty"`
	RecurrenceDayOfMonth *int       `json:"recurrence_day_of_month,omitempty"`
	DeadlineTime         string     `json:"deadline_time"`
	Tags                 []string   `json:"tags"`
	Priority             string     `json:"priority"`
	StartDate            string     `json:"start_date"`
	EndDate              *string    `json:"end_date,omitempty"`
	SkipHolidays         bool       `json:"skip_holidays"`
	IsActive             bool       `json:"is_active"`
	LastGeneratedAt      *time.Time `json:"last_generated_at,omitempty"`
	NextRunAt            *time.Time `json:"next_run_at,omitempty"`
	AssigneeIDs          []string   `json:"assignee_ids"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	DealershipID string `json:"dealership_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}

type Job struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload_json"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	RunAt     time.Time `json:"run_at"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
