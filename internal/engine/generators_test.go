package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealerdesk/internal/domain"
	"dealerdesk/internal/engine"
	"dealerdesk/internal/repo"
)

func intPtr(v int) *int { return &v }

func (env *testEnv) generator(t *testing.T, in engine.GeneratorInput) domain.TaskGenerator {
	t.Helper()
	if in.Title == "" {
		in.Title = "Утренний обход"
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
	if in.Recurrence == "" {
		in.Recurrence = domain.RecurrenceDaily
	}
	if in.RecurrenceTime == "" {
		in.RecurrenceTime = "08:00"
	}
	if in.DeadlineTime == "" {
		in.DeadlineTime = "18:00"
	}
	if in.StartDate == "" {
		in.StartDate = "2025-03-03"
	}
	if in.AssigneeIDs == nil {
		in.AssigneeIDs = []string{env.Alice}
	}
	g, err := env.Engine.CreateGenerator(env.Ctx, env.Manager, in)
	require.NoError(t, err)
	return g
}

func (env *testEnv) generated(t *testing.T, generatorID string) []engine.TaskView {
	t.Helper()
	list, err := env.Engine.ListTasks(env.Ctx, env.Manager, engine.TaskQuery{GeneratorID: generatorID, Limit: 100})
	require.NoError(t, err)
	return list
}

func deadlines(views []engine.TaskView) []time.Time {
	var out []time.Time
	for _, v := range views {
		out = append(out, v.Deadline)
	}
	return out
}

func TestRunDueSkipsHolidays(t *testing.T) {
	env := newTestEnv(t)
	g := env.generator(t, engine.GeneratorInput{SkipHolidays: true})
	require.NotNil(t, g.NextRunAt)
	assert.Equal(t, time.Date(2025, 3, 4, 8, 0, 0, 0, time.UTC), *g.NextRunAt)

	_, err := env.Engine.SetDay(env.Ctx, env.Owner, "2025-03-05", engine.DayInput{Type: domain.DayHoliday})
	require.NoError(t, err)

	env.Clock.Set(time.Date(2025, 3, 6, 9, 0, 0, 0, time.UTC))
	report, err := env.Engine.RunDue(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.RunReport{Generators: 1, Created: 2, Holidays: 1}, report)

	tasks := env.generated(t, g.ID)
	assert.ElementsMatch(t, []time.Time{
		time.Date(2025, 3, 4, 18, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 6, 18, 0, 0, 0, time.UTC),
	}, deadlines(tasks))
	for _, v := range tasks {
		assert.Equal(t, []string{env.Alice}, v.AssigneeIDs)
		assert.Equal(t, env.Manager, v.CreatorID)
	}

	got, err := env.Engine.GetGenerator(env.Ctx, env.Manager, g.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, time.Date(2025, 3, 7, 8, 0, 0, 0, time.UTC), *got.NextRunAt)
	require.NotNil(t, got.LastGeneratedAt)
	assert.Equal(t, time.Date(2025, 3, 6, 8, 0, 0, 0, time.UTC), *got.LastGeneratedAt)

	report, err = env.Engine.RunDue(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.RunReport{}, report)
}

func TestRunDueStopsAtEndDate(t *testing.T) {
	env := newTestEnv(t)
	end := "2025-03-12"
	g := env.generator(t, engine.GeneratorInput{
		Recurrence:          domain.RecurrenceWeekly,
		RecurrenceTime:      "10:00",
		RecurrenceDayOfWeek: intPtr(3),
		DeadlineTime:        "09:00",
		EndDate:             &end,
	})
	require.NotNil(t, g.NextRunAt)
	assert.Equal(t, time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC), *g.NextRunAt)

	env.Clock.Set(time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC))
	report, err := env.Engine.RunDue(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 1, report.Deactivated)

	// a deadline clock before the occurrence rolls over to the next day
	assert.ElementsMatch(t, []time.Time{
		time.Date(2025, 3, 6, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 13, 9, 0, 0, 0, time.UTC),
	}, deadlines(env.generated(t, g.ID)))

	got, err := env.Engine.GetGenerator(env.Ctx, env.Manager, g.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Nil(t, got.NextRunAt)
}

func TestRunDueCapsCatchUp(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Generators.MaxCatchUp = 2
	g := env.generator(t, engine.GeneratorInput{})

	env.Clock.Set(time.Date(2025, 3, 8, 9, 0, 0, 0, time.UTC))
	for _, want := range []int{2, 2, 1} {
		report, err := env.Engine.RunDue(env.Ctx)
		require.NoError(t, err)
		assert.Equal(t, want, report.Created)
	}
	assert.Len(t, env.generated(t, g.ID), 5)

	got, err := env.Engine.GetGenerator(env.Ctx, env.Manager, g.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, time.Date(2025, 3, 9, 8, 0, 0, 0, time.UTC), *got.NextRunAt)
}

func TestRunDueSkipsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	g := env.generator(t, engine.GeneratorInput{})
	env.task(t, engine.TaskInput{Title: g.Title, Deadline: time.Date(2025, 3, 4, 18, 0, 0, 0, time.UTC)})

	env.Clock.Set(time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC))
	report, err := env.Engine.RunDue(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 1, report.Duplicates)
	assert.Empty(t, env.generated(t, g.ID))
}

func TestPausedGeneratorDoesNotReplay(t *testing.T) {
	env := newTestEnv(t)
	g := env.generator(t, engine.GeneratorInput{})

	paused, err := env.Engine.SetGeneratorActive(env.Ctx, env.Manager, g.ID, false)
	require.NoError(t, err)
	assert.False(t, paused.IsActive)
	assert.Nil(t, paused.NextRunAt)

	env.Clock.Set(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	report, err := env.Engine.RunDue(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)

	resumed, err := env.Engine.SetGeneratorActive(env.Ctx, env.Manager, g.ID, true)
	require.NoError(t, err)
	require.NotNil(t, resumed.NextRunAt)
	assert.Equal(t, time.Date(2025, 3, 8, 8, 0, 0, 0, time.UTC), *resumed.NextRunAt)
}

func TestDeleteGeneratorKeepsTasks(t *testing.T) {
	env := newTestEnv(t)
	g := env.generator(t, engine.GeneratorInput{})
	env.Clock.Set(time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC))
	_, err := env.Engine.RunDue(env.Ctx)
	require.NoError(t, err)
	tasks := env.generated(t, g.ID)
	require.Len(t, tasks, 1)

	require.NoError(t, env.Engine.DeleteGenerator(env.Ctx, env.Manager, g.ID))
	_, err = env.Engine.GetGenerator(env.Ctx, env.Manager, g.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	v, err := env.Engine.GetTask(env.Ctx, env.Manager, tasks[0].ID)
	require.NoError(t, err)
	require.NotNil(t, v.GeneratorID)
	assert.Equal(t, g.ID, *v.GeneratorID)
}

func TestGeneratorAccessAndValidation(t *testing.T) {
	env := newTestEnv(t)
	g := env.generator(t, engine.GeneratorInput{})

	_, err := env.Engine.GetGenerator(env.Ctx, env.Alice, g.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	list, err := env.Engine.ListGenerators(env.Ctx, env.Alice)
	require.NoError(t, err)
	assert.Empty(t, list)

	other, err := env.Engine.CreateDealership(env.Ctx, env.Owner, "Юг")
	require.NoError(t, err)
	outsider := env.user(t, env.Owner, "manager-south", domain.RoleManager, &other.ID)
	title := "Чужой"
	_, err = env.Engine.UpdateGenerator(env.Ctx, outsider, g.ID, engine.GeneratorPatch{Title: &title})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = env.Engine.CreateGenerator(env.Ctx, env.Manager, engine.GeneratorInput{
		Title:          "Еженедельно",
		DealershipID:   &env.Dealership,
		TaskType:       domain.TaskTypeIndividual,
		ResponseType:   domain.ResponseTypeCompletion,
		Recurrence:     domain.RecurrenceWeekly,
		RecurrenceTime: "08:00",
		DeadlineTime:   "18:00",
	})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "recurrence", verr.Field)

	empty := ""
	updated, err := env.Engine.UpdateGenerator(env.Ctx, env.Manager, g.ID, engine.GeneratorPatch{Title: &title, EndDate: &empty})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.Nil(t, updated.EndDate)
}
