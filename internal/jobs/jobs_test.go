package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealerdesk/internal/db"
	"dealerdesk/internal/migrate"
)

func newQueue(t *testing.T) (Queue, *time.Time) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return Queue{DB: conn, Now: func() time.Time { return now }}, &now
}

func enqueue(t *testing.T, q Queue, kind string, payload any) string {
	t.Helper()
	ctx := context.Background()
	tx, err := q.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	id, err := q.Enqueue(ctx, tx, kind, payload, time.Time{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return id
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnqueueRollsBackWithTransaction(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	tx, err := q.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, tx, KindDeleteFile, DeleteFile{Path: "a"}, time.Time{})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	due, err := q.Due(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestWorkerRunsHandlers(t *testing.T) {
	q, _ := newQueue(t)
	enqueue(t, q, KindDeleteFile, DeleteFile{Path: "dealerships/d1/tasks/t1/x.png"})

	var got []string
	w := &Worker{Queue: q, Logger: quietLogger(), MaxAttempts: 3, Handlers: map[string]Handler{
		KindDeleteFile: func(_ context.Context, raw json.RawMessage) error {
			var p DeleteFile
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			got = append(got, p.Path)
			return nil
		},
	}}
	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"dealerships/d1/tasks/t1/x.png"}, got)

	done, err := q.List(context.Background(), StatusDone, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, 1, done[0].Attempts)
}

func TestWorkerRetriesThenFails(t *testing.T) {
	q, now := newQueue(t)
	id := enqueue(t, q, KindDeleteFile, DeleteFile{Path: "p"})
	calls := 0
	w := &Worker{Queue: q, Logger: quietLogger(), MaxAttempts: 2, Handlers: map[string]Handler{
		KindDeleteFile: func(context.Context, json.RawMessage) error {
			calls++
			return errors.New("disk unavailable")
		},
	}}
	ctx := context.Background()

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	pending, err := q.List(ctx, StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "disk unavailable", pending[0].LastError)

	// Not due until the backoff elapses.
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	*now = now.Add(Backoff(1))
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	failed, err := q.List(ctx, StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)

	require.NoError(t, q.Retry(ctx, id))
	due, err := q.Due(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 0, due[0].Attempts)
}

func TestUnknownKindFailsPermanently(t *testing.T) {
	q, _ := newQueue(t)
	enqueue(t, q, "mystery", map[string]string{})
	w := &Worker{Queue: q, Logger: quietLogger(), MaxAttempts: 5}
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	failed, err := q.List(context.Background(), StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(1))
	assert.Equal(t, 4*time.Second, Backoff(3))
	assert.Equal(t, 5*time.Minute, Backoff(12))
}
