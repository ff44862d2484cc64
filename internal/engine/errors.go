package engine

import "fmt"

// ValidationError is malformed or missing input on a named field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StateError is a well-formed request the current state does not permit,
// such as approving a response that is not awaiting review.
type StateError struct {
	Message string
}

func (e StateError) Error() string { return e.Message }

// DuplicateTaskError is returned when a live, active task with the same
// title, type, dealership, description and deadline minute already exists.
type DuplicateTaskError struct {
	ExistingID string
}

func (e DuplicateTaskError) Error() string {
	return "Такая задача уже существует"
}

const (
	msgNotAwaitingReview = "Этот ответ не требует верификации."
	msgNoProofs          = "Нельзя подтвердить задачу без доказательств"
	msgNothingToReject   = "Нет ответов, ожидающих проверки."
	msgFinishedTask      = "Нельзя редактировать выполненную задачу"
	msgInactiveTask      = "Задача неактивна"
	msgProofRequired     = "Необходимо приложить доказательства выполнения"
	msgResponseClosed    = "Ответ уже подтверждён"
)
