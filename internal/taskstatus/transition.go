package taskstatus

import (
	"fmt"

	"dealerdesk/internal/domain"
)

// TransitionError reports a status change the state machine does not allow.
// Its message is the user-facing text returned by the API.
type TransitionError struct {
	From string
	To   string
}

func (e TransitionError) Error() string {
	return "Недопустимый переход статуса"
}

// UnknownStatusError is returned for a requested status outside the enum.
type UnknownStatusError struct {
	Status string
}

func (e UnknownStatusError) Error() string {
	return fmt.Sprintf("unknown status %q", e.Status)
}

// Move is the outcome of an allowed employee transition.
type Move struct {
	From string
	To   string
	// Source is stored as submission_source on the response.
	Source string
	// HistoryAction is written to verification history when proofs accompany
	// the change; empty for acknowledgements.
	HistoryAction string
}

func knownStatus(s string) bool {
	switch s {
	case domain.StatusPending, domain.StatusAcknowledged, domain.StatusPendingReview,
		domain.StatusCompleted, domain.StatusRejected, domain.StatusCompletedLate, domain.StatusOverdue:
		return true
	}
	return false
}

func requiresCompletion(responseType string) bool {
	return responseType == domain.ResponseTypeCompletion || responseType == domain.ResponseTypeCompletionWithProof
}

// EmployeeMove checks an employee's "set my status" request. from is the
// stored response status, or empty when the employee has no response yet.
func EmployeeMove(responseType, from, to string) (Move, error) {
	if !knownStatus(to) {
		return Move{}, UnknownStatusError{Status: to}
	}
	deny := TransitionError{From: from, To: to}
	if from == domain.StatusCompleted {
		return Move{}, deny
	}
	untouched := from == "" || from == domain.StatusPending
	switch to {
	case domain.StatusAcknowledged:
		if untouched && responseType == domain.ResponseTypeAcknowledge {
			return Move{From: from, To: to, Source: domain.SourceNormal}, nil
		}
	case domain.StatusPendingReview:
		if !requiresCompletion(responseType) {
			return Move{}, deny
		}
		if untouched {
			return Move{From: from, To: to, Source: domain.SourceNormal, HistoryAction: domain.HistorySubmitted}, nil
		}
		if from == domain.StatusRejected {
			return Move{From: from, To: to, Source: domain.SourceResubmitted, HistoryAction: domain.HistoryResubmitted}, nil
		}
	}
	return Move{}, deny
}

// ManagerTarget reports whether a manager may drive responses to status
// through the status endpoint.
func ManagerTarget(status string) error {
	switch status {
	case domain.StatusPending, domain.StatusCompleted, domain.StatusPendingReview:
		return nil
	}
	if !knownStatus(status) {
		return UnknownStatusError{Status: status}
	}
	return TransitionError{To: status}
}
