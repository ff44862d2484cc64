package engine_test

import (
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealerdesk/internal/domain"
	"dealerdesk/internal/engine"
	"dealerdesk/internal/engine/auth"
	"dealerdesk/internal/proof"
	"dealerdesk/internal/repo"
	"dealerdesk/internal/taskstatus"
)

func countBlobs(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if os.IsNotExist(err) {
			return filepath.SkipDir
		}
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestLatenessBoundary(t *testing.T) {
	env := newTestEnv(t)
	deadline := env.Clock.Now().Add(time.Hour)
	onTime := env.task(t, engine.TaskInput{Title: "on time", Deadline: deadline, AssigneeIDs: []string{env.Alice}})
	late := env.task(t, engine.TaskInput{Title: "late", Deadline: deadline, AssigneeIDs: []string{env.Alice}})

	env.Clock.Set(deadline)
	v := env.submit(t, env.Alice, onTime.ID)
	assert.False(t, responseOf(t, v, env.Alice).IsLate)
	_, err := env.Engine.Approve(env.Ctx, env.Manager, responseOf(t, v, env.Alice).ID)
	require.NoError(t, err)

	env.Clock.Set(deadline.Add(time.Second))
	v = env.submit(t, env.Alice, late.ID)
	assert.True(t, responseOf(t, v, env.Alice).IsLate)
	_, err = env.Engine.Approve(env.Ctx, env.Manager, responseOf(t, v, env.Alice).ID)
	require.NoError(t, err)

	got, err := env.Engine.GetTask(env.Ctx, env.Manager, onTime.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	got, err = env.Engine.GetTask(env.Ctx, env.Manager, late.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompletedLate, got.Status)
}

func TestGroupCompletedLate(t *testing.T) {
	env := newTestEnv(t)
	deadline := env.Clock.Now().Add(time.Hour)
	task := env.task(t, engine.TaskInput{
		TaskType:    domain.TaskTypeGroup,
		Deadline:    deadline,
		AssigneeIDs: []string{env.Alice, env.Bob, env.Carol},
	})
	approve := func(userID string) {
		v := env.submit(t, userID, task.ID)
		_, err := env.Engine.Approve(env.Ctx, env.Manager, responseOf(t, v, userID).ID)
		require.NoError(t, err)
	}
	env.Clock.Set(deadline.Add(-10 * time.Minute))
	approve(env.Alice)
	approve(env.Bob)

	got, err := env.Engine.GetTask(env.Ctx, env.Manager, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 67, got.CompletionProgress.Percentage)

	env.Clock.Set(deadline.Add(5 * time.Minute))
	approve(env.Carol)

	got, err = env.Engine.GetTask(env.Ctx, env.Manager, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompletedLate, got.Status)
	assert.Equal(t, 100, got.CompletionProgress.Percentage)
	assert.Equal(t, 3, got.CompletionProgress.CompletedCount)
}

func TestAcknowledgeTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, engine.TaskInput{ResponseType: domain.ResponseTypeAcknowledge, AssigneeIDs: []string{env.Alice}})

	_, err := env.Engine.UpdateStatus(env.Ctx, env.Alice, task.ID, engine.StatusRequest{Status: domain.StatusPendingReview})
	var terr taskstatus.TransitionError
	require.ErrorAs(t, err, &terr)

	v, err := env.Engine.UpdateStatus(env.Ctx, env.Alice, task.ID, engine.StatusRequest{Status: domain.StatusAcknowledged})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAcknowledged, v.Status)
	assert.Equal(t, domain.StatusAcknowledged, responseOf(t, v, env.Alice).Status)
}

func TestUnknownStatusIsRejected(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, engine.TaskInput{AssigneeIDs: []string{env.Alice}})
	_, err := env.Engine.UpdateStatus(env.Ctx, env.Alice, task.ID, engine.StatusRequest{Status: "done"})
	var uerr taskstatus.UnknownStatusError
	assert.ErrorAs(t, err, &uerr)
}

func TestStatusChangeAccess(t *testing.T) {
	env := newTestEnv(t)
	observer := env.user(t, env.Owner, "observer", domain.RoleObserver, &env.Dealership)
	task := env.task(t, engine.TaskInput{AssigneeIDs: []string{env.Alice}})

	// an unassigned employee cannot see the task at all
	_, err := env.Engine.UpdateStatus(env.Ctx, env.Bob, task.ID, engine.StatusRequest{Status: domain.StatusPendingReview})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = env.Engine.UpdateStatus(env.Ctx, observer, task.ID, engine.StatusRequest{Status: domain.StatusPendingReview})
	var forbidden auth.ForbiddenError
	assert.ErrorAs(t, err, &forbidden)

	v := env.submit(t, env.Alice, task.ID)
	_, err = env.Engine.Approve(env.Ctx, observer, responseOf(t, v, env.Alice).ID)
	assert.ErrorAs(t, err, &forbidden)
	_, err = env.Engine.Approve(env.Ctx, env.Alice, responseOf(t, v, env.Alice).ID)
	assert.ErrorAs(t, err, &forbidden)
}

func TestRejectTwiceFails(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, engine.TaskInput{AssigneeIDs: []string{env.Alice}})
	v := env.submit(t, env.Alice, task.ID)
	respID := responseOf(t, v, env.Alice).ID

	_, err := env.Engine.Reject(env.Ctx, env.Manager, respID, "   ")
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "reason", verr.Field)

	r, err := env.Engine.Reject(env.Ctx, env.Manager, respID, "Плохо вымыто")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, r.Status)
	assert.Equal(t, 1, r.RejectionCount)

	_, err = env.Engine.Reject(env.Ctx, env.Manager, respID, "Ещё раз")
	var serr engine.StateError
	require.ErrorAs(t, err, &serr)

	got, err := env.Engine.Repo.GetResponse(env.Ctx, respID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RejectionCount)

	v = env.submit(t, env.Alice, task.ID)
	resubmitted := responseOf(t, v, env.Alice)
	assert.Equal(t, respID, resubmitted.ID)
	assert.Equal(t, domain.SourceResubmitted, resubmitted.SubmissionSource)

	r, err = env.Engine.Reject(env.Ctx, env.Manager, respID, "Снова плохо")
	require.NoError(t, err)
	assert.Equal(t, 2, r.RejectionCount)

	history, err := env.Engine.History(env.Ctx, env.Manager, respID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, h := range history {
		assert.Equal(t, domain.HistoryRejected, h.Action)
	}
}

func TestRejectAll(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, engine.TaskInput{
		TaskType:    domain.TaskTypeGroup,
		AssigneeIDs: []string{env.Alice, env.Bob, env.Carol},
	})
	env.submit(t, env.Alice, task.ID)
	env.submit(t, env.Bob, task.ID)
	v := env.submit(t, env.Carol, task.ID)
	_, err := env.Engine.Approve(env.Ctx, env.Manager, responseOf(t, v, env.Carol).ID)
	require.NoError(t, err)

	v, err = env.Engine.RejectAll(env.Ctx, env.Manager, task.ID, "Переделать")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, responseOf(t, v, env.Alice).Status)
	assert.Equal(t, domain.StatusRejected, responseOf(t, v, env.Bob).Status)
	assert.Equal(t, domain.StatusCompleted, responseOf(t, v, env.Carol).Status)
	assert.Equal(t, domain.StatusPending, v.Status)
	assert.Equal(t, 2, v.CompletionProgress.RejectedCount)

	n, err := env.Engine.Repo.CountHistory(env.Ctx, task.ID, domain.HistoryRejected)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = env.Engine.RejectAll(env.Ctx, env.Manager, task.ID, "Переделать")
	var serr engine.StateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "Нет ответов, ожидающих проверки.", serr.Message)
}

func TestProofLimits(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, engine.TaskInput{ResponseType: domain.ResponseTypeCompletionWithProof, AssigneeIDs: []string{env.Alice}})

	_, err := env.Engine.UpdateStatus(env.Ctx, env.Alice, task.ID, engine.StatusRequest{Status: domain.StatusPendingReview})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "proof_files", verr.Field)

	six := []engine.FileUpload{photo("1.jpg"), photo("2.jpg"), photo("3.jpg"), photo("4.jpg"), photo("5.jpg"), photo("6.jpg")}
	_, err = env.Engine.UpdateStatus(env.Ctx, env.Alice, task.ID, engine.StatusRequest{Status: domain.StatusPendingReview, Files: six})
	var ferr proof.InvalidFileError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, 0, countBlobs(t, env.BlobRoot))
	got, err := env.Engine.GetTask(env.Ctx, env.Manager, task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Responses)

	_, err = env.Engine.UpdateStatus(env.Ctx, env.Alice, task.ID, engine.StatusRequest{
		Status: domain.StatusPendingReview,
		Files:  []engine.FileUpload{upload("virus.exe", "application/octet-stream", "MZ")},
	})
	require.ErrorAs(t, err, &ferr)

	v := env.submit(t, env.Alice, task.ID, six[:5]...)
	resp := responseOf(t, v, env.Alice)
	assert.Len(t, resp.Proofs, 5)
	assert.Equal(t, 5, countBlobs(t, env.BlobRoot))

	// the response is full
	_, err = env.Engine.StoreProofs(env.Ctx, env.Alice, resp.ID, []engine.FileUpload{photo("7.jpg")})
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, 5, countBlobs(t, env.BlobRoot))
}

func TestApproveWithoutProofFails(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, engine.TaskInput{ResponseType: domain.ResponseTypeCompletionWithProof, AssigneeIDs: []string{env.Alice}})
	v := env.submit(t, env.Alice, task.ID, photo("car.jpg"))
	resp := responseOf(t, v, env.Alice)
	require.Len(t, resp.Proofs, 1)

	require.NoError(t, env.Engine.DeleteProof(env.Ctx, env.Alice, resp.Proofs[0].ID))
	assert.Equal(t, 1, env.runJobs(t))
	assert.Equal(t, 0, countBlobs(t, env.BlobRoot))

	_, err := env.Engine.Approve(env.Ctx, env.Manager, resp.ID)
	var serr engine.StateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "Нельзя подтвердить задачу без доказательств", serr.Message)

	_, err = env.Engine.StoreProofs(env.Ctx, env.Alice, resp.ID, []engine.FileUpload{photo("again.jpg")})
	require.NoError(t, err)
	approved, err := env.Engine.Approve(env.Ctx, env.Manager, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, approved.Status)
	require.NotNil(t, approved.VerifiedBy)
	assert.Equal(t, env.Manager, *approved.VerifiedBy)

	// completed responses are closed to proof changes
	err = env.Engine.DeleteProof(env.Ctx, env.Alice, approved.Proofs[0].ID)
	require.ErrorAs(t, err, &serr)
}

func TestConcurrentApproveHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, engine.TaskInput{AssigneeIDs: []string{env.Alice}})
	v := env.submit(t, env.Alice, task.ID)
	respID := responseOf(t, v, env.Alice).ID

	const n = 4
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Approve(env.Ctx, env.Manager, respID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var serr engine.StateError
		assert.ErrorAs(t, err, &serr)
	}
	assert.Equal(t, 1, wins)
	approved, err := env.Engine.Repo.CountHistory(env.Ctx, task.ID, domain.HistoryApproved)
	require.NoError(t, err)
	assert.Equal(t, 1, approved)
}

func TestManagerResetToPending(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, engine.TaskInput{ResponseType: domain.ResponseTypeCompletionWithProof, AssigneeIDs: []string{env.Alice}})
	env.submit(t, env.Alice, task.ID, photo("a.jpg"))

	v, err := env.Engine.UpdateStatus(env.Ctx, env.Manager, task.ID, engine.StatusRequest{Status: domain.StatusPending, PreserveProofs: true})
	require.NoError(t, err)
	kept := responseOf(t, v, env.Alice)
	assert.Equal(t, domain.StatusPending, kept.Status)
	assert.Len(t, kept.Proofs, 1)
	assert.Nil(t, kept.RespondedAt)

	v, err = env.Engine.UpdateStatus(env.Ctx, env.Manager, task.ID, engine.StatusRequest{Status: domain.StatusPending})
	require.NoError(t, err)
	assert.Empty(t, v.Responses)
	assert.Equal(t, 1, countBlobs(t, env.BlobRoot))
	env.runJobs(t)
	assert.Equal(t, 0, countBlobs(t, env.BlobRoot))
}

func TestManagerForceComplete(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, engine.TaskInput{AssigneeIDs: []string{env.Alice}})

	_, err := env.Engine.UpdateStatus(env.Ctx, env.Manager, task.ID, engine.StatusRequest{Status: domain.StatusCompleted})
	var serr engine.StateError
	require.ErrorAs(t, err, &serr)

	env.submit(t, env.Alice, task.ID)
	v, err := env.Engine.UpdateStatus(env.Ctx, env.Manager, task.ID, engine.StatusRequest{Status: domain.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, v.Status)
	n, err := env.Engine.Repo.CountHistory(env.Ctx, task.ID, domain.HistoryApproved)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCompleteForAll(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, engine.TaskInput{
		TaskType:     domain.TaskTypeGroup,
		ResponseType: domain.ResponseTypeCompletionWithProof,
		AssigneeIDs:  []string{env.Alice, env.Bob},
	})
	v := env.submit(t, env.Bob, task.ID, photo("bob.jpg"))
	_, err := env.Engine.Approve(env.Ctx, env.Manager, responseOf(t, v, env.Bob).ID)
	require.NoError(t, err)

	v, err = env.Engine.UpdateStatus(env.Ctx, env.Manager, task.ID, engine.StatusRequest{
		Status:         domain.StatusPendingReview,
		CompleteForAll: true,
		Files:          []engine.FileUpload{upload("act.pdf", "application/pdf", "%PDF-1.4")},
	})
	require.NoError(t, err)
	alice := responseOf(t, v, env.Alice)
	assert.Equal(t, domain.StatusPendingReview, alice.Status)
	assert.True(t, alice.UsesSharedProofs)
	assert.Equal(t, domain.SourceShared, alice.SubmissionSource)
	assert.Equal(t, domain.StatusCompleted, responseOf(t, v, env.Bob).Status)
	require.Len(t, v.SharedProofs, 1)

	shared, err := env.Engine.Repo.GetSharedProof(env.Ctx, env.Engine.DB, v.SharedProofs[0].ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(shared.FilePath, "staging/"))

	assert.Equal(t, 1, env.runJobs(t))
	shared, err = env.Engine.Repo.GetSharedProof(env.Ctx, env.Engine.DB, shared.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(shared.FilePath, "dealerships/"+env.Dealership+"/tasks/"+task.ID+"/"))

	approved, err := env.Engine.Approve(env.Ctx, env.Manager, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, approved.Status)
	got, err := env.Engine.GetTask(env.Ctx, env.Manager, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	history, err := env.Engine.History(env.Ctx, env.Manager, alice.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.HistorySubmitted, history[0].Action)
	assert.Equal(t, 1, history[0].ProofCount)
	assert.Equal(t, domain.HistoryApproved, history[1].Action)
}

func TestCompleteForAllNeedsGroupTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, engine.TaskInput{ResponseType: domain.ResponseTypeCompletionWithProof, AssigneeIDs: []string{env.Alice}})
	_, err := env.Engine.UpdateStatus(env.Ctx, env.Manager, task.ID, engine.StatusRequest{
		Status:         domain.StatusPendingReview,
		CompleteForAll: true,
		Files:          []engine.FileUpload{photo("a.jpg")},
	})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 0, countBlobs(t, env.BlobRoot))
}

func TestSignedProofDownload(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, engine.TaskInput{ResponseType: domain.ResponseTypeCompletionWithProof, AssigneeIDs: []string{env.Alice}})
	v := env.submit(t, env.Alice, task.ID, photo("car.jpg"))
	p := responseOf(t, v, env.Alice).Proofs[0]

	u, err := url.Parse(p.URL)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u.Path, "/proofs/"+proof.KindResponse+"/"+p.ID+"/download"))
	expires, signature := u.Query().Get("expires"), u.Query().Get("signature")

	f, err := env.Engine.OpenProof(env.Ctx, proof.KindResponse, p.ID, expires, signature)
	require.NoError(t, err)
	body, err := io.ReadAll(f.Body)
	f.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes-car.jpg", string(body))
	assert.Equal(t, "car.jpg", f.Filename)
	assert.Equal(t, "image/jpeg", f.MimeType)

	_, err = env.Engine.OpenProof(env.Ctx, proof.KindResponse, p.ID, expires, strings.Repeat("0", len(signature)))
	assert.ErrorIs(t, err, proof.ErrInvalidSignature)
	_, err = env.Engine.OpenProof(env.Ctx, proof.KindShared, p.ID, expires, signature)
	assert.ErrorIs(t, err, proof.ErrInvalidSignature)

	env.Clock.Advance(2 * time.Hour)
	_, err = env.Engine.OpenProof(env.Ctx, proof.KindResponse, p.ID, expires, signature)
	assert.ErrorIs(t, err, proof.ErrExpired)
}
