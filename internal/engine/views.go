package engine

import (
	"context"
	"time"

	"dealerdesk/internal/domain"
	"dealerdesk/internal/proof"
	"dealerdesk/internal/repo"
	"dealerdesk/internal/taskstatus"
)

// TaskView is a task with its derived status and, on detail reads, its
// responses and shared proofs.
type TaskView struct {
	domain.Task
	Status             string              `json:"status"`
	CompletionProgress taskstatus.Progress `json:"completion_progress"`
	Responses          []ResponseView      `json:"responses,omitempty"`
	SharedProofs       []ProofView         `json:"shared_proofs,omitempty"`
}

type ResponseView struct {
	domain.TaskResponse
	IsLate bool        `json:"is_late"`
	Proofs []ProofView `json:"proofs"`
}

// ProofView exposes a proof file through a signed URL, never its storage path.
type ProofView struct {
	ID               string    `json:"id"`
	OriginalFilename string    `json:"original_filename"`
	MimeType         string    `json:"mime_type"`
	FileSize         int64     `json:"file_size"`
	URL              string    `json:"url"`
	CreatedAt        time.Time `json:"created_at"`
}

func aggregate(t domain.Task, responses []domain.TaskResponse, now time.Time) taskstatus.Result {
	return taskstatus.Aggregate(t, t.AssigneeIDs, responses, now)
}

func (e Engine) proofView(p domain.TaskProof) ProofView {
	return ProofView{
		ID:               p.ID,
		OriginalFilename: p.OriginalFilename,
		MimeType:         p.MimeType,
		FileSize:         p.FileSize,
		URL:              e.Signer.URL(proof.KindResponse, p.ID),
		CreatedAt:        p.CreatedAt,
	}
}

func (e Engine) sharedProofView(p domain.TaskSharedProof) ProofView {
	return ProofView{
		ID:               p.ID,
		OriginalFilename: p.OriginalFilename,
		MimeType:         p.MimeType,
		FileSize:         p.FileSize,
		URL:              e.Signer.URL(proof.KindShared, p.ID),
		CreatedAt:        p.CreatedAt,
	}
}

// summary derives status and progress without loading proofs.
func (e Engine) summary(ctx context.Context, q repo.DBTX, t domain.Task) (TaskView, error) {
	responses, err := e.Repo.ListResponses(ctx, q, t.ID, "")
	if err != nil {
		return TaskView{}, err
	}
	res := aggregate(t, responses, e.now())
	return TaskView{Task: t, Status: res.Status, CompletionProgress: res.Progress}, nil
}

// detail is summary plus every response with its proofs and the task's
// shared proofs.
func (e Engine) detail(ctx context.Context, q repo.DBTX, t domain.Task) (TaskView, error) {
	responses, err := e.Repo.ListResponses(ctx, q, t.ID, "")
	if err != nil {
		return TaskView{}, err
	}
	res := aggregate(t, responses, e.now())
	v := TaskView{Task: t, Status: res.Status, CompletionProgress: res.Progress, Responses: []ResponseView{}}
	for _, r := range responses {
		rv, err := e.responseView(ctx, q, t, r)
		if err != nil {
			return TaskView{}, err
		}
		v.Responses = append(v.Responses, rv)
	}
	shared, err := e.Repo.ListSharedProofs(ctx, q, t.ID)
	if err != nil {
		return TaskView{}, err
	}
	for _, p := range shared {
		v.SharedProofs = append(v.SharedProofs, e.sharedProofView(p))
	}
	return v, nil
}

func (e Engine) responseView(ctx context.Context, q repo.DBTX, t domain.Task, r domain.TaskResponse) (ResponseView, error) {
	proofs, err := e.Repo.ListProofs(ctx, q, r.ID)
	if err != nil {
		return ResponseView{}, err
	}
	rv := ResponseView{TaskResponse: r, IsLate: taskstatus.IsLate(r, t.Deadline), Proofs: []ProofView{}}
	for _, p := range proofs {
		rv.Proofs = append(rv.Proofs, e.proofView(p))
	}
	return rv, nil
}
