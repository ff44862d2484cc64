package engine

import (
	"context"
	"database/sql"
	"io"
	"path"

	"github.com/google/uuid"

	"dealerdesk/internal/domain"
	"dealerdesk/internal/engine/auth"
	"dealerdesk/internal/events"
	"dealerdesk/internal/proof"
	"dealerdesk/internal/repo"
)

// stagingDir holds shared proofs until the persist job moves them.
const stagingDir = "staging"

// FileUpload is one incoming proof file. Size is the declared length of Body.
type FileUpload struct {
	Filename string
	MimeType string
	Size     int64
	Body     io.Reader
}

// ProofFile is an opened proof blob. Callers close Body.
type ProofFile struct {
	Filename string
	MimeType string
	Size     int64
	Body     io.ReadCloser
}

func uploadsOf(files []FileUpload) []proof.Upload {
	out := make([]proof.Upload, 0, len(files))
	for _, f := range files {
		out = append(out, proof.Upload{Filename: f.Filename, MimeType: f.MimeType, Size: f.Size})
	}
	return out
}

func storagePathFor(t domain.Task, ext string) string {
	return proof.StoragePath(t.DealershipID, t.ID, ext)
}

// uploadBatch holds files written to blob storage before the transaction
// that records them. A batch the transaction never used is discarded.
type uploadBatch struct {
	files []storedUpload
	used  bool
}

// storedUpload is an accepted file at Path. Size is the byte count read.
type storedUpload struct {
	proof.Accepted
	Path string
}

func (b *uploadBatch) paths() []string {
	out := make([]string, 0, len(b.files))
	for _, f := range b.files {
		out = append(out, f.Path)
	}
	return out
}

func (b *uploadBatch) uploads() []proof.Upload {
	out := make([]proof.Upload, 0, len(b.files))
	for _, f := range b.files {
		out = append(out, f.Upload)
	}
	return out
}

// writeUploads checks files against the rules and writes each one under
// pathFor. The size actually read is checked again.
func (e Engine) writeUploads(ctx context.Context, b *uploadBatch, files []FileUpload, pathFor func(ext string) string) error {
	accepted, err := e.Rules.CheckBatch(0, uploadsOf(files))
	if err != nil {
		return err
	}
	for i, a := range accepted {
		f := files[i]
		if f.Body == nil {
			return proof.InvalidFileError{Filename: f.Filename, Reason: "пустой файл"}
		}
		p := pathFor(a.Ext)
		n, err := e.Blobs.Put(ctx, p, f.Body)
		if err != nil {
			return err
		}
		a.Size = n
		b.files = append(b.files, storedUpload{Accepted: a, Path: p})
		if _, err := e.Rules.Check(a.Upload); err != nil {
			return err
		}
	}
	return nil
}

// preloadTask reads the actor and a task they can see without a transaction.
func (e Engine) preloadTask(ctx context.Context, actorID, taskID string) (domain.Actor, domain.Task, error) {
	actor, err := e.Auth.LoadActor(ctx, actorID)
	if err != nil {
		return domain.Actor{}, domain.Task{}, err
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Actor{}, domain.Task{}, err
	}
	if !visible(actor, t) {
		return domain.Actor{}, domain.Task{}, repo.ErrNotFound
	}
	return actor, t, nil
}

func stagingPath(ext string) string {
	return path.Join(stagingDir, uuid.NewString()+"."+ext)
}

// proofRows turns a written batch into proof rows of one response.
func (e Engine) proofRows(b *uploadBatch, responseID string) []domain.TaskProof {
	now := e.now()
	out := make([]domain.TaskProof, 0, len(b.files))
	for _, f := range b.files {
		e.Metrics.ProofStored(f.Size)
		out = append(out, domain.TaskProof{
			ID:               uuid.NewString(),
			TaskResponseID:   responseID,
			FilePath:         f.Path,
			OriginalFilename: f.Filename,
			MimeType:         f.MimeType,
			FileSize:         f.Size,
			CreatedAt:        now,
		})
	}
	b.used = true
	return out
}

// proofOwnerTx loads the response behind a proof operation and checks that
// the actor owns it or may verify the task.
func (e Engine) proofOwnerTx(ctx context.Context, tx *sql.Tx, actorID, responseID, action string) (domain.Task, domain.TaskResponse, error) {
	actor, err := e.Auth.LoadActorTx(ctx, tx, actorID)
	if err != nil {
		return domain.Task{}, domain.TaskResponse{}, err
	}
	resp, err := e.Repo.GetResponseTx(ctx, tx, responseID)
	if err != nil {
		return domain.Task{}, domain.TaskResponse{}, notFoundAs(err, "response")
	}
	t, err := e.loadTaskTx(ctx, tx, actor, resp.TaskID)
	if err != nil {
		return domain.Task{}, domain.TaskResponse{}, err
	}
	if resp.UserID != actor.UserID && !auth.CanVerify(actor, auth.ScopeOf(t)) {
		return domain.Task{}, domain.TaskResponse{}, auth.ForbiddenError{Action: action}
	}
	if resp.Status == domain.StatusCompleted {
		return domain.Task{}, domain.TaskResponse{}, StateError{Message: msgResponseClosed}
	}
	return t, resp, nil
}

// StoreProofs attaches files to a response. Either every file is stored or
// none is.
func (e Engine) StoreProofs(ctx context.Context, actorID, responseID string, files []FileUpload) (ResponseView, error) {
	if len(files) == 0 {
		return ResponseView{}, invalid("proof_files", msgProofRequired)
	}
	resp, err := e.Repo.GetResponse(ctx, responseID)
	if err != nil {
		return ResponseView{}, notFoundAs(err, "response")
	}
	actor, t, err := e.preloadTask(ctx, actorID, resp.TaskID)
	if err != nil {
		return ResponseView{}, err
	}
	if resp.UserID != actor.UserID && !auth.CanVerify(actor, auth.ScopeOf(t)) {
		return ResponseView{}, auth.ForbiddenError{Action: "proof.store"}
	}
	up := &uploadBatch{}
	err = e.writeUploads(ctx, up, files, func(ext string) string { return storagePathFor(t, ext) })
	var v ResponseView
	if err == nil {
		v, err = e.storeProofs(ctx, actorID, responseID, up)
	}
	if err != nil {
		e.discard(up.paths())
		return ResponseView{}, err
	}
	return v, nil
}

func (e Engine) storeProofs(ctx context.Context, actorID, responseID string, up *uploadBatch) (ResponseView, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ResponseView{}, err
	}
	defer tx.Rollback()

	t, resp, err := e.proofOwnerTx(ctx, tx, actorID, responseID, "proof.store")
	if err != nil {
		return ResponseView{}, err
	}
	if !t.IsActive {
		return ResponseView{}, StateError{Message: msgInactiveTask}
	}
	existing, err := e.Repo.ListProofs(ctx, tx, resp.ID)
	if err != nil {
		return ResponseView{}, err
	}
	if _, err := e.Rules.CheckBatch(len(existing), up.uploads()); err != nil {
		return ResponseView{}, err
	}
	stored := e.proofRows(up, resp.ID)
	for _, p := range stored {
		if err := e.Repo.InsertProofTx(ctx, tx, p); err != nil {
			return ResponseView{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.ProofsStored, derefOr(t.DealershipID), "task_response", resp.ID, actorID, events.Payload{
		"task_id": t.ID,
		"files":   len(stored),
	}); err != nil {
		return ResponseView{}, err
	}
	v, err := e.responseView(ctx, tx, t, resp)
	if err != nil {
		return ResponseView{}, err
	}
	if err := tx.Commit(); err != nil {
		return ResponseView{}, err
	}
	return v, nil
}

// DeleteProof removes a proof row now and its file through a job.
func (e Engine) DeleteProof(ctx context.Context, actorID, proofID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProof(ctx, tx, proofID)
	if err != nil {
		return notFoundAs(err, "proof")
	}
	t, resp, err := e.proofOwnerTx(ctx, tx, actorID, p.TaskResponseID, "proof.delete")
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteProofTx(ctx, tx, p.ID); err != nil {
		return err
	}
	if err := e.enqueueDeletes(ctx, tx, []string{p.FilePath}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ProofDeleted, derefOr(t.DealershipID), "task_response", resp.ID, actorID, events.Payload{
		"proof_id": p.ID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// OpenProof serves a signed download. The signature is checked before any
// lookup, so a bad link never touches the database or the store.
func (e Engine) OpenProof(ctx context.Context, kind, id, expires, signature string) (ProofFile, error) {
	if err := e.Signer.Verify(kind, id, expires, signature); err != nil {
		return ProofFile{}, err
	}
	var f ProofFile
	var p string
	switch kind {
	case proof.KindResponse:
		tp, err := e.Repo.GetProof(ctx, e.DB, id)
		if err != nil {
			return ProofFile{}, notFoundAs(err, "proof")
		}
		f = ProofFile{Filename: tp.OriginalFilename, MimeType: tp.MimeType, Size: tp.FileSize}
		p = tp.FilePath
	case proof.KindShared:
		sp, err := e.Repo.GetSharedProof(ctx, e.DB, id)
		if err != nil {
			return ProofFile{}, notFoundAs(err, "proof")
		}
		f = ProofFile{Filename: sp.OriginalFilename, MimeType: sp.MimeType, Size: sp.FileSize}
		p = sp.FilePath
	default:
		return ProofFile{}, proof.ErrInvalidSignature
	}
	body, err := e.Blobs.Open(ctx, p)
	if err != nil {
		return ProofFile{}, err
	}
	f.Body = body
	return f, nil
}
