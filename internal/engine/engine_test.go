package engine_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealerdesk/internal/blob"
	"dealerdesk/internal/config"
	"dealerdesk/internal/db"
	"dealerdesk/internal/domain"
	"dealerdesk/internal/engine"
	"dealerdesk/internal/engine/auth"
	"dealerdesk/internal/events"
	"dealerdesk/internal/jobs"
	"dealerdesk/internal/migrate"
	"dealerdesk/internal/repo"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine     engine.Engine
	Ctx        context.Context
	Clock      *clock
	BlobRoot   string
	Owner      string
	Manager    string
	Alice      string
	Bob        string
	Carol      string
	Dealership string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	cfg.Proofs.SigningKey = "test-key"
	clk := &clock{t: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)}
	root := db.BlobRoot(dir)
	eng := engine.New(conn, cfg, blob.Local{Root: root}).WithClock(clk.Now)
	eng.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	env := &testEnv{Engine: eng, Ctx: context.Background(), Clock: clk, BlobRoot: root}
	env.Owner = env.user(t, engine.SystemActor, "owner", domain.RoleOwner, nil)
	d, err := eng.CreateDealership(env.Ctx, env.Owner, "Север")
	require.NoError(t, err)
	env.Dealership = d.ID
	env.Manager = env.user(t, env.Owner, "manager", domain.RoleManager, &d.ID)
	env.Alice = env.user(t, env.Manager, "alice", domain.RoleEmployee, &d.ID)
	env.Bob = env.user(t, env.Manager, "bob", domain.RoleEmployee, &d.ID)
	env.Carol = env.user(t, env.Manager, "carol", domain.RoleEmployee, &d.ID)
	return env
}

func (env *testEnv) user(t *testing.T, actorID, login string, role domain.Role, dealershipID *string) string {
	t.Helper()
	u, err := env.Engine.CreateUser(env.Ctx, actorID, engine.UserInput{Login: login, Role: role, DealershipID: dealershipID})
	require.NoError(t, err)
	return u.ID
}

// task creates a task as the manager, filling unset fields with an
// individual completion task due in a day.
func (env *testEnv) task(t *testing.T, in engine.TaskInput) engine.TaskView {
	t.Helper()
	if in.Title == "" {
		in.Title = "Помыть машины"
	}
	if in.DealershipID == nil {
		in.DealershipID = &env.Dealership
	}
	if in.TaskType == "" {
		in.TaskType = domain.TaskTypeIndividual
	}
	if in.ResponseType == "" {
		in.ResponseType = domain.ResponseTypeCompletion
	}
	if in.Deadline.IsZero() {
		in.Deadline = env.Clock.Now().Add(24 * time.Hour)
	}
	v, err := env.Engine.CreateTask(env.Ctx, env.Manager, in)
	require.NoError(t, err)
	return v
}

func (env *testEnv) submit(t *testing.T, userID, taskID string, files ...engine.FileUpload) engine.TaskView {
	t.Helper()
	v, err := env.Engine.UpdateStatus(env.Ctx, userID, taskID, engine.StatusRequest{Status: domain.StatusPendingReview, Files: files})
	require.NoError(t, err)
	return v
}

func (env *testEnv) runJobs(t *testing.T) int {
	t.Helper()
	w := jobs.Worker{
		Queue:    env.Engine.Jobs,
		Handlers: env.Engine.JobHandlers(),
		Batch:    50,
		Logger:   env.Engine.Logger,
	}
	n, err := w.RunOnce(env.Ctx)
	require.NoError(t, err)
	return n
}

func upload(name, mime, body string) engine.FileUpload {
	return engine.FileUpload{Filename: name, MimeType: mime, Size: int64(len(body)), Body: bytes.NewReader([]byte(body))}
}

func photo(name string) engine.FileUpload {
	return upload(name, "image/jpeg", "jpeg-bytes-"+name)
}

func responseOf(t *testing.T, v engine.TaskView, userID string) engine.ResponseView {
	t.Helper()
	for _, r := range v.Responses {
		if r.UserID == userID {
			return r
		}
	}
	t.Fatalf("no response for %s", userID)
	return engine.ResponseView{}
}

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)
	v := env.task(t, engine.TaskInput{
		Tags:        []string{" мойка ", "мойка", ""},
		AssigneeIDs: []string{env.Alice},
	})

	assert.Equal(t, domain.PriorityMedium, v.Priority)
	assert.Equal(t, domain.RecurrenceNone, v.Recurrence)
	assert.True(t, v.IsActive)
	assert.Equal(t, []string{"мойка"}, v.Tags)
	assert.Equal(t, env.Clock.Now(), v.AppearDate)
	assert.Equal(t, env.Manager, v.CreatorID)
	assert.Equal(t, domain.StatusPending, v.Status)
	assert.Equal(t, 1, v.CompletionProgress.TotalAssignees)
	assert.Equal(t, []string{env.Alice}, v.AssigneeIDs)
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	deadline := env.Clock.Now().Add(time.Hour)
	late := deadline.Add(time.Minute)
	cases := map[string]engine.TaskInput{
		"title":         {Title: "   ", TaskType: domain.TaskTypeIndividual, ResponseType: domain.ResponseTypeCompletion, Deadline: deadline},
		"task_type":     {Title: "x", TaskType: "solo", ResponseType: domain.ResponseTypeCompletion, Deadline: deadline},
		"response_type": {Title: "x", TaskType: domain.TaskTypeIndividual, ResponseType: "photo", Deadline: deadline},
		"appear_date":   {Title: "x", TaskType: domain.TaskTypeIndividual, ResponseType: domain.ResponseTypeCompletion, Deadline: deadline, AppearDate: &late},
	}
	for field, in := range cases {
		t.Run(field, func(t *testing.T) {
			in.DealershipID = &env.Dealership
			_, err := env.Engine.CreateTask(env.Ctx, env.Manager, in)
			var verr engine.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, field, verr.Field)
		})
	}
}

func TestEmployeeCannotCreateTask(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, env.Alice, engine.TaskInput{
		Title:        "x",
		DealershipID: &env.Dealership,
		TaskType:     domain.TaskTypeIndividual,
		ResponseType: domain.ResponseTypeCompletion,
		Deadline:     env.Clock.Now().Add(time.Hour),
	})
	var forbidden auth.ForbiddenError
	assert.ErrorAs(t, err, &forbidden)
}

func TestCreateTaskRejectsUnknownDealership(t *testing.T) {
	env := newTestEnv(t)
	missing := "no-such-dealership"
	_, err := env.Engine.CreateTask(env.Ctx, env.Owner, engine.TaskInput{
		Title:        "x",
		DealershipID: &missing,
		TaskType:     domain.TaskTypeIndividual,
		ResponseType: domain.ResponseTypeCompletion,
		Deadline:     env.Clock.Now().Add(time.Hour),
	})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "dealership_id", verr.Field)
}

func TestCreateTaskDetectsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	deadline := time.Date(2025, 3, 5, 18, 0, 10, 0, time.UTC)
	first := env.task(t, engine.TaskInput{Deadline: deadline})

	_, err := env.Engine.CreateTask(env.Ctx, env.Manager, engine.TaskInput{
		Title:        first.Title,
		DealershipID: &env.Dealership,
		TaskType:     domain.TaskTypeIndividual,
		ResponseType: domain.ResponseTypeCompletion,
		Deadline:     deadline.Add(30 * time.Second),
	})
	var dup engine.DuplicateTaskError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingID)

	// a minute boundary apart is a different task
	second := env.task(t, engine.TaskInput{Title: first.Title, Deadline: deadline.Add(61 * time.Second)})
	assert.NotEqual(t, first.ID, second.ID)

	// archived tasks do not block a new one
	_, err = env.Engine.ArchiveTask(env.Ctx, env.Manager, first.ID, "replaced")
	require.NoError(t, err)
	third := env.task(t, engine.TaskInput{Title: first.Title, Deadline: deadline})
	assert.NotEqual(t, first.ID, third.ID)
}

func TestListTasksScopesByRole(t *testing.T) {
	env := newTestEnv(t)
	forAlice := env.task(t, engine.TaskInput{Title: "Alice", AssigneeIDs: []string{env.Alice}})
	forBob := env.task(t, engine.TaskInput{Title: "Bob", AssigneeIDs: []string{env.Bob}})

	other, err := env.Engine.CreateDealership(env.Ctx, env.Owner, "Юг")
	require.NoError(t, err)
	outsider := env.user(t, env.Owner, "manager-south", domain.RoleManager, &other.ID)

	ids := func(actorID string) []string {
		list, err := env.Engine.ListTasks(env.Ctx, actorID, engine.TaskQuery{})
		require.NoError(t, err)
		var out []string
		for _, v := range list {
			out = append(out, v.ID)
		}
		return out
	}
	assert.Equal(t, []string{forAlice.ID}, ids(env.Alice))
	assert.ElementsMatch(t, []string{forAlice.ID, forBob.ID}, ids(env.Manager))
	assert.ElementsMatch(t, []string{forAlice.ID, forBob.ID}, ids(env.Owner))
	assert.Empty(t, ids(outsider))

	_, err = env.Engine.GetTask(env.Ctx, env.Bob, forAlice.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.GetTask(env.Ctx, outsider, forAlice.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestListTasksFiltersDerivedStatus(t *testing.T) {
	env := newTestEnv(t)
	done := env.task(t, engine.TaskInput{Title: "done", AssigneeIDs: []string{env.Alice}})
	env.task(t, engine.TaskInput{Title: "open", AssigneeIDs: []string{env.Alice}})
	v := env.submit(t, env.Alice, done.ID)
	_, err := env.Engine.Approve(env.Ctx, env.Manager, responseOf(t, v, env.Alice).ID)
	require.NoError(t, err)

	list, err := env.Engine.ListTasks(env.Ctx, env.Manager, engine.TaskQuery{Status: domain.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, done.ID, list[0].ID)
}

func TestDeleteAndRestoreAreIdempotent(t *testing.T) {
	env := newTestEnv(t)
	v := env.task(t, engine.TaskInput{AssigneeIDs: []string{env.Alice}})

	require.NoError(t, env.Engine.DeleteTask(env.Ctx, env.Manager, v.ID))
	require.NoError(t, env.Engine.DeleteTask(env.Ctx, env.Manager, v.ID))
	_, err := env.Engine.GetTask(env.Ctx, env.Manager, v.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	list, err := env.Engine.ListTasks(env.Ctx, env.Manager, engine.TaskQuery{})
	require.NoError(t, err)
	assert.Empty(t, list)

	restored, err := env.Engine.RestoreTask(env.Ctx, env.Manager, v.ID)
	require.NoError(t, err)
	assert.Nil(t, restored.DeletedAt)
	_, err = env.Engine.RestoreTask(env.Ctx, env.Manager, v.ID)
	require.NoError(t, err)

	evts, err := env.Engine.Repo.ListEntityEvents(env.Ctx, "task", v.ID, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(evts, events.TaskDeleted))
	assert.Equal(t, 1, countEvents(evts, events.TaskRestored))
}

func TestSyncAssignmentsIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	v := env.task(t, engine.TaskInput{AssigneeIDs: []string{env.Alice}})

	for i := 0; i < 2; i++ {
		synced, err := env.Engine.SyncAssignments(env.Ctx, env.Manager, v.ID, []string{env.Alice, env.Bob})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{env.Alice, env.Bob}, synced.AssigneeIDs)
	}
	evts, err := env.Engine.Repo.ListEntityEvents(env.Ctx, "task", v.ID, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(evts, events.AssignmentsSynced))

	synced, err := env.Engine.SyncAssignments(env.Ctx, env.Manager, v.ID, []string{env.Bob})
	require.NoError(t, err)
	assert.Equal(t, []string{env.Bob}, synced.AssigneeIDs)

	_, err = env.Engine.SyncAssignments(env.Ctx, env.Manager, v.ID, []string{"ghost"})
	var verr engine.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestArchivedTaskIsNeverOverdue(t *testing.T) {
	env := newTestEnv(t)
	v := env.task(t, engine.TaskInput{Deadline: env.Clock.Now().Add(time.Hour), AssigneeIDs: []string{env.Alice}})
	archived, err := env.Engine.ArchiveTask(env.Ctx, env.Manager, v.ID, "не актуально")
	require.NoError(t, err)
	assert.False(t, archived.IsActive)
	require.NotNil(t, archived.ArchiveReason)
	assert.Equal(t, "не актуально", *archived.ArchiveReason)

	env.Clock.Advance(2 * time.Hour)
	got, err := env.Engine.GetTask(env.Ctx, env.Manager, v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)

	_, err = env.Engine.UpdateStatus(env.Ctx, env.Alice, v.ID, engine.StatusRequest{Status: domain.StatusPendingReview})
	var serr engine.StateError
	assert.ErrorAs(t, err, &serr)

	got, err = env.Engine.UnarchiveTask(env.Ctx, env.Manager, v.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Equal(t, domain.StatusOverdue, got.Status)
}

func TestUpdateFinishedTaskFails(t *testing.T) {
	env := newTestEnv(t)
	v := env.task(t, engine.TaskInput{AssigneeIDs: []string{env.Alice}})
	title := "Новое название"
	_, err := env.Engine.UpdateTask(env.Ctx, env.Manager, v.ID, engine.TaskPatch{Title: &title})
	require.NoError(t, err)

	v = env.submit(t, env.Alice, v.ID)
	_, err = env.Engine.Approve(env.Ctx, env.Manager, responseOf(t, v, env.Alice).ID)
	require.NoError(t, err)

	_, err = env.Engine.UpdateTask(env.Ctx, env.Manager, v.ID, engine.TaskPatch{Title: &title})
	var serr engine.StateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "Нельзя редактировать выполненную задачу", serr.Message)
}

func TestArchiveCompleted(t *testing.T) {
	env := newTestEnv(t)
	done := env.task(t, engine.TaskInput{Title: "done", AssigneeIDs: []string{env.Alice}})
	open := env.task(t, engine.TaskInput{Title: "open", AssigneeIDs: []string{env.Alice}})
	v := env.submit(t, env.Alice, done.ID)
	_, err := env.Engine.Approve(env.Ctx, env.Manager, responseOf(t, v, env.Alice).ID)
	require.NoError(t, err)

	env.Clock.Advance(8 * 24 * time.Hour)
	n, err := env.Engine.ArchiveCompleted(env.Ctx, env.Clock.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.Engine.GetTask(env.Ctx, env.Manager, done.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	got, err = env.Engine.GetTask(env.Ctx, env.Manager, open.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
}

func countEvents(evts []domain.Event, typ string) int {
	n := 0
	for _, e := range evts {
		if e.Type == typ {
			n++
		}
	}
	return n
}
