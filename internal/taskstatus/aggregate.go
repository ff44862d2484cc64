package taskstatus

import (
	"math"
	"time"

	"dealerdesk/internal/domain"
)

// Progress is the completion summary exposed as completion_progress.
type Progress struct {
	TotalAssignees     int `json:"total_assignees"`
	CompletedCount     int `json:"completed_count"`
	PendingReviewCount int `json:"pending_review_count"`
	RejectedCount      int `json:"rejected_count"`
	PendingCount       int `json:"pending_count"`
	Percentage         int `json:"percentage"`
}

// Result is the derived view of a task at a point in time.
type Result struct {
	Status   string   `json:"status"`
	Progress Progress `json:"completion_progress"`
}

// IsLate reports whether a response was submitted strictly after deadline.
func IsLate(r domain.TaskResponse, deadline time.Time) bool {
	return r.RespondedAt != nil && r.RespondedAt.After(deadline)
}

// Aggregate derives a task's status and progress. assignees are the user ids
// of live assignments; responses may include rows for users no longer
// assigned, which are ignored.
func Aggregate(task domain.Task, assignees []string, responses []domain.TaskResponse, now time.Time) Result {
	latest := latestByUser(assignees, responses)
	progress := computeProgress(len(uniq(assignees)), latest)
	if task.TaskType == domain.TaskTypeGroup {
		return Result{Status: groupStatus(task, progress, latest, now), Progress: progress}
	}
	if len(assignees) == 0 {
		// individual tasks without a live assignment still show whoever answered
		latest = latestByUser(nil, responses)
	}
	return Result{Status: individualStatus(task, latest, now), Progress: progress}
}

func uniq(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// latestByUser keeps one response per user, the most recently updated.
// A nil assignees slice admits every user.
func latestByUser(assignees []string, responses []domain.TaskResponse) map[string]domain.TaskResponse {
	var allowed map[string]struct{}
	if assignees != nil {
		allowed = make(map[string]struct{}, len(assignees))
		for _, id := range assignees {
			allowed[id] = struct{}{}
		}
	}
	out := make(map[string]domain.TaskResponse, len(responses))
	for _, r := range responses {
		if allowed != nil {
			if _, ok := allowed[r.UserID]; !ok {
				continue
			}
		}
		prev, ok := out[r.UserID]
		if !ok || r.UpdatedAt.After(prev.UpdatedAt) {
			out[r.UserID] = r
		}
	}
	return out
}

func computeProgress(n int, latest map[string]domain.TaskResponse) Progress {
	p := Progress{TotalAssignees: n}
	for _, r := range latest {
		switch r.Status {
		case domain.StatusCompleted:
			p.CompletedCount++
		case domain.StatusPendingReview:
			p.PendingReviewCount++
		case domain.StatusRejected:
			p.RejectedCount++
		}
	}
	p.PendingCount = n - p.CompletedCount - p.PendingReviewCount - p.RejectedCount
	if p.PendingCount < 0 {
		p.PendingCount = 0
	}
	if n > 0 {
		p.Percentage = int(math.Round(float64(p.CompletedCount) / float64(n) * 100))
	}
	return p
}

func overdue(task domain.Task, now time.Time) bool {
	return task.IsActive && now.After(task.Deadline)
}

func groupStatus(task domain.Task, p Progress, latest map[string]domain.TaskResponse, now time.Time) string {
	n := p.TotalAssignees
	if n == 0 {
		return domain.StatusPending
	}
	acknowledged := 0
	late := false
	for _, r := range latest {
		switch r.Status {
		case domain.StatusAcknowledged:
			acknowledged++
		case domain.StatusCompleted:
			if IsLate(r, task.Deadline) {
				late = true
			}
		}
	}
	switch {
	case p.CompletedCount == n:
		if late {
			return domain.StatusCompletedLate
		}
		return domain.StatusCompleted
	case p.PendingReviewCount > 0:
		return domain.StatusPendingReview
	case acknowledged == n:
		return domain.StatusAcknowledged
	case overdue(task, now):
		return domain.StatusOverdue
	case acknowledged > 0:
		return domain.StatusAcknowledged
	}
	return domain.StatusPending
}

var individualRank = map[string]int{
	domain.StatusAcknowledged:  1,
	domain.StatusPendingReview: 2,
	domain.StatusCompleted:     3,
}

func individualStatus(task domain.Task, latest map[string]domain.TaskResponse, now time.Time) string {
	var best *domain.TaskResponse
	for _, r := range latest {
		rank, ok := individualRank[r.Status]
		if !ok {
			// rejected and explicit pending rows count as no answer
			continue
		}
		if best == nil || rank > individualRank[best.Status] {
			r := r
			best = &r
		}
	}
	if best == nil {
		if overdue(task, now) {
			return domain.StatusOverdue
		}
		return domain.StatusPending
	}
	if best.Status == domain.StatusCompleted && IsLate(*best, task.Deadline) {
		return domain.StatusCompletedLate
	}
	return best.Status
}

// Finished reports whether a derived status locks the task against edits.
func Finished(status string) bool {
	return status == domain.StatusCompleted || status == domain.StatusCompletedLate
}
