package taskstatus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealerdesk/internal/domain"
	"dealerdesk/internal/taskstatus"
)

var deadline = time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)

func task(kind string, active bool) domain.Task {
	return domain.Task{ID: "t1", TaskType: kind, ResponseType: domain.ResponseTypeCompletion, Deadline: deadline, IsActive: active}
}

func resp(user, status string, respondedAt time.Time) domain.TaskResponse {
	at := respondedAt
	return domain.TaskResponse{UserID: user, Status: status, RespondedAt: &at, UpdatedAt: respondedAt}
}

func TestIndividualLatenessBoundary(t *testing.T) {
	tk := task(domain.TaskTypeIndividual, true)
	after := deadline.Add(time.Hour)

	onTime := taskstatus.Aggregate(tk, []string{"u1"}, []domain.TaskResponse{resp("u1", domain.StatusCompleted, deadline)}, after)
	assert.Equal(t, domain.StatusCompleted, onTime.Status)

	late := taskstatus.Aggregate(tk, []string{"u1"}, []domain.TaskResponse{resp("u1", domain.StatusCompleted, deadline.Add(time.Second))}, after)
	assert.Equal(t, domain.StatusCompletedLate, late.Status)
}

func TestIndividualStatuses(t *testing.T) {
	before := deadline.Add(-time.Hour)
	after := deadline.Add(time.Hour)
	cases := []struct {
		name      string
		active    bool
		responses []domain.TaskResponse
		now       time.Time
		want      string
	}{
		{"no response before deadline", true, nil, before, domain.StatusPending},
		{"no response after deadline", true, nil, after, domain.StatusOverdue},
		{"inactive never overdue", false, nil, after, domain.StatusPending},
		{"acknowledged", true, []domain.TaskResponse{resp("u1", domain.StatusAcknowledged, before)}, after, domain.StatusAcknowledged},
		{"pending review", true, []domain.TaskResponse{resp("u1", domain.StatusPendingReview, before)}, after, domain.StatusPendingReview},
		{"rejected counts as nothing", true, []domain.TaskResponse{resp("u1", domain.StatusRejected, before)}, before, domain.StatusPending},
		{"rejected past deadline is overdue", true, []domain.TaskResponse{resp("u1", domain.StatusRejected, before)}, after, domain.StatusOverdue},
		{"inactive keeps response status", false, []domain.TaskResponse{resp("u1", domain.StatusCompleted, before)}, after, domain.StatusCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := taskstatus.Aggregate(task(domain.TaskTypeIndividual, tc.active), []string{"u1"}, tc.responses, tc.now)
			assert.Equal(t, tc.want, got.Status)
		})
	}
}

func TestGroupCompletedLateAtFullProgress(t *testing.T) {
	tk := task(domain.TaskTypeGroup, true)
	responses := []domain.TaskResponse{
		resp("u1", domain.StatusCompleted, deadline.Add(-2*time.Hour)),
		resp("u2", domain.StatusCompleted, deadline.Add(-time.Hour)),
		resp("u3", domain.StatusCompleted, deadline.Add(time.Minute)),
	}
	got := taskstatus.Aggregate(tk, []string{"u1", "u2", "u3"}, responses, deadline.Add(time.Hour))
	assert.Equal(t, domain.StatusCompletedLate, got.Status)
	assert.Equal(t, 100, got.Progress.Percentage)
	assert.Equal(t, 3, got.Progress.CompletedCount)
}

func TestGroupPrecedence(t *testing.T) {
	before := deadline.Add(-time.Hour)
	after := deadline.Add(time.Hour)
	users := []string{"u1", "u2"}
	cases := []struct {
		name      string
		responses []domain.TaskResponse
		now       time.Time
		active    bool
		want      string
	}{
		{"nothing yet", nil, before, true, domain.StatusPending},
		{"overdue", nil, after, true, domain.StatusOverdue},
		{"inactive", nil, after, false, domain.StatusPending},
		{"review beats acknowledged", []domain.TaskResponse{
			resp("u1", domain.StatusAcknowledged, before),
			resp("u2", domain.StatusPendingReview, before),
		}, after, true, domain.StatusPendingReview},
		{"partial completion overdue", []domain.TaskResponse{resp("u1", domain.StatusCompleted, before)}, after, true, domain.StatusOverdue},
		{"all acknowledged", []domain.TaskResponse{
			resp("u1", domain.StatusAcknowledged, before),
			resp("u2", domain.StatusAcknowledged, before),
		}, after, true, domain.StatusAcknowledged},
		{"all acknowledged after deadline", []domain.TaskResponse{
			resp("u1", domain.StatusAcknowledged, after),
			resp("u2", domain.StatusAcknowledged, after.Add(time.Minute)),
		}, after.Add(time.Hour), true, domain.StatusAcknowledged},
		{"some acknowledged after deadline", []domain.TaskResponse{resp("u1", domain.StatusAcknowledged, after)}, after, true, domain.StatusOverdue},
		{"some acknowledged", []domain.TaskResponse{resp("u1", domain.StatusAcknowledged, before)}, before, true, domain.StatusAcknowledged},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := taskstatus.Aggregate(task(domain.TaskTypeGroup, tc.active), users, tc.responses, tc.now)
			assert.Equal(t, tc.want, got.Status)
		})
	}
}

func TestProgressCountsAssignedUsersOnce(t *testing.T) {
	tk := task(domain.TaskTypeGroup, true)
	now := deadline.Add(-time.Hour)
	older := resp("u1", domain.StatusRejected, now.Add(-time.Hour))
	newer := resp("u1", domain.StatusCompleted, now.Add(-time.Minute))
	stranger := resp("x", domain.StatusCompleted, now)
	got := taskstatus.Aggregate(tk, []string{"u1", "u2", "u3"}, []domain.TaskResponse{older, newer, stranger}, now)

	assert.Equal(t, taskstatus.Progress{
		TotalAssignees: 3,
		CompletedCount: 1,
		PendingCount:   2,
		Percentage:     33,
	}, got.Progress)
}

func TestProgressWithoutAssignees(t *testing.T) {
	got := taskstatus.Aggregate(task(domain.TaskTypeGroup, true), nil, nil, deadline.Add(time.Hour))
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 0, got.Progress.Percentage)
}

func TestEmployeeMove(t *testing.T) {
	cases := []struct {
		name         string
		responseType string
		from, to     string
		ok           bool
		source       string
		action       string
	}{
		{"ack fresh", domain.ResponseTypeAcknowledge, "", domain.StatusAcknowledged, true, domain.SourceNormal, ""},
		{"ack needs ack type", domain.ResponseTypeCompletion, "", domain.StatusAcknowledged, false, "", ""},
		{"submit fresh", domain.ResponseTypeCompletion, "", domain.StatusPendingReview, true, domain.SourceNormal, domain.HistorySubmitted},
		{"submit from pending row", domain.ResponseTypeCompletionWithProof, domain.StatusPending, domain.StatusPendingReview, true, domain.SourceNormal, domain.HistorySubmitted},
		{"submit on ack task", domain.ResponseTypeAcknowledge, "", domain.StatusPendingReview, false, "", ""},
		{"resubmit", domain.ResponseTypeCompletion, domain.StatusRejected, domain.StatusPendingReview, true, domain.SourceResubmitted, domain.HistoryResubmitted},
		{"completed is final", domain.ResponseTypeCompletion, domain.StatusCompleted, domain.StatusPendingReview, false, "", ""},
		{"review to ack", domain.ResponseTypeAcknowledge, domain.StatusPendingReview, domain.StatusAcknowledged, false, "", ""},
		{"self reject", domain.ResponseTypeCompletion, domain.StatusPendingReview, domain.StatusRejected, false, "", ""},
		{"self complete", domain.ResponseTypeCompletion, domain.StatusPendingReview, domain.StatusCompleted, false, "", ""},
		{"derived late", domain.ResponseTypeCompletion, "", domain.StatusCompletedLate, false, "", ""},
		{"derived overdue", domain.ResponseTypeCompletion, "", domain.StatusOverdue, false, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			move, err := taskstatus.EmployeeMove(tc.responseType, tc.from, tc.to)
			if !tc.ok {
				var te taskstatus.TransitionError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, "Недопустимый переход статуса", err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.source, move.Source)
			assert.Equal(t, tc.action, move.HistoryAction)
		})
	}
}

func TestEmployeeMoveUnknownStatus(t *testing.T) {
	_, err := taskstatus.EmployeeMove(domain.ResponseTypeCompletion, "", "done")
	var ue taskstatus.UnknownStatusError
	require.ErrorAs(t, err, &ue)
}
