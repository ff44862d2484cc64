package engine_test

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealerdesk/internal/blob"
	"dealerdesk/internal/domain"
	"dealerdesk/internal/engine"
	"dealerdesk/internal/engine/auth"
)

// writingStore commits a database write of its own on every Put.
type writingStore struct {
	blob.Store
	onPut func(ctx context.Context) error
}

func (s writingStore) Put(ctx context.Context, p string, r io.Reader) (int64, error) {
	if err := s.onPut(ctx); err != nil {
		return 0, err
	}
	return s.Store.Put(ctx, p, r)
}

func TestUploadsHoldNoTransaction(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	puts := 0
	eng.Blobs = writingStore{Store: env.Engine.Blobs, onPut: func(ctx context.Context) error {
		puts++
		_, err := env.Engine.CreateDealership(ctx, env.Owner, fmt.Sprintf("Филиал %d", puts))
		return err
	}}

	task := env.task(t, engine.TaskInput{ResponseType: domain.ResponseTypeCompletionWithProof, AssigneeIDs: []string{env.Alice}})
	v, err := eng.UpdateStatus(env.Ctx, env.Alice, task.ID, engine.StatusRequest{
		Status: domain.StatusPendingReview,
		Files:  []engine.FileUpload{photo("a.jpg"), photo("b.jpg")},
	})
	require.NoError(t, err)
	resp := responseOf(t, v, env.Alice)
	assert.Len(t, resp.Proofs, 2)

	_, err = eng.StoreProofs(env.Ctx, env.Alice, resp.ID, []engine.FileUpload{photo("c.jpg")})
	require.NoError(t, err)

	group := env.task(t, engine.TaskInput{
		TaskType:     domain.TaskTypeGroup,
		ResponseType: domain.ResponseTypeCompletionWithProof,
		AssigneeIDs:  []string{env.Alice, env.Bob},
	})
	_, err = eng.UpdateStatus(env.Ctx, env.Manager, group.ID, engine.StatusRequest{
		Status:         domain.StatusPendingReview,
		CompleteForAll: true,
		Files:          []engine.FileUpload{upload("act.pdf", "application/pdf", "%PDF-1.4")},
	})
	require.NoError(t, err)

	assert.Equal(t, 4, puts)
	dealerships, err := env.Engine.ListDealerships(env.Ctx, env.Owner)
	require.NoError(t, err)
	assert.Len(t, dealerships, 5)
	assert.Equal(t, 4, countBlobs(t, env.BlobRoot))
}

func TestFailedStatusUpdateLeavesNoFiles(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, engine.TaskInput{ResponseType: domain.ResponseTypeCompletionWithProof, AssigneeIDs: []string{env.Alice}})

	_, err := env.Engine.UpdateStatus(env.Ctx, env.Bob, task.ID, engine.StatusRequest{
		Status: domain.StatusPendingReview,
		Files:  []engine.FileUpload{photo("bob.jpg")},
	})
	var ferr auth.ForbiddenError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, 0, countBlobs(t, env.BlobRoot))

	// rejected inside the transaction after the file was written
	_, err = env.Engine.UpdateStatus(env.Ctx, env.Alice, task.ID, engine.StatusRequest{
		Status: domain.StatusCompleted,
		Files:  []engine.FileUpload{photo("a.jpg")},
	})
	require.Error(t, err)
	assert.Equal(t, 0, countBlobs(t, env.BlobRoot))

	v := env.submit(t, env.Alice, task.ID, photo("a.jpg"))
	assert.Equal(t, 1, countBlobs(t, env.BlobRoot))

	// a reset ignores the files it was sent
	_, err = env.Engine.UpdateStatus(env.Ctx, env.Manager, task.ID, engine.StatusRequest{
		Status:         domain.StatusPending,
		PreserveProofs: true,
		Files:          []engine.FileUpload{photo("extra.jpg")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countBlobs(t, env.BlobRoot))

	_, err = env.Engine.StoreProofs(env.Ctx, env.Bob, responseOf(t, v, env.Alice).ID, []engine.FileUpload{photo("bob.jpg")})
	require.Error(t, err)
	assert.Equal(t, 1, countBlobs(t, env.BlobRoot))
}

func TestCompleteForAllResubmitsRejected(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, engine.TaskInput{
		TaskType:     domain.TaskTypeGroup,
		ResponseType: domain.ResponseTypeCompletionWithProof,
		AssigneeIDs:  []string{env.Alice, env.Bob},
	})
	v := env.submit(t, env.Alice, task.ID, photo("alice.jpg"))
	alice := responseOf(t, v, env.Alice)
	_, err := env.Engine.Reject(env.Ctx, env.Manager, alice.ID, "Нечитаемо")
	require.NoError(t, err)

	v, err = env.Engine.UpdateStatus(env.Ctx, env.Manager, task.ID, engine.StatusRequest{
		Status:         domain.StatusPendingReview,
		CompleteForAll: true,
		Files:          []engine.FileUpload{upload("act.pdf", "application/pdf", "%PDF-1.4")},
	})
	require.NoError(t, err)

	history, err := env.Engine.History(env.Ctx, env.Manager, alice.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, domain.HistoryRejected, history[1].Action)
	assert.Equal(t, domain.HistoryResubmitted, history[2].Action)
	assert.Equal(t, domain.StatusRejected, history[2].PreviousStatus)

	history, err = env.Engine.History(env.Ctx, env.Manager, responseOf(t, v, env.Bob).ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.HistorySubmitted, history[0].Action)
}
