package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"dealerdesk/internal/domain"
	"dealerdesk/internal/engine/auth"
	"dealerdesk/internal/events"
	"dealerdesk/internal/recurrence"
	"dealerdesk/internal/repo"
)

type GeneratorInput struct {
	Title                string
	Description          *string
	Comment              *string
	DealershipID         *string
	TaskType             string
	ResponseType         string
	Recurrence           string
	RecurrenceTime       string
	RecurrenceDayOfWeek  *int
	RecurrenceDayOfMonth *int
	DeadlineTime         string
	Tags                 []string
	Priority             string
	StartDate            string
	EndDate              *string
	SkipHolidays         bool
	AssigneeIDs          []string
}

// GeneratorPatch updates a generator; nil fields are left unchanged. An
// empty EndDate clears it.
type GeneratorPatch struct {
	Title                *string
	Description          *string
	Comment              *string
	ResponseType         *string
	Recurrence           *string
	RecurrenceTime       *string
	RecurrenceDayOfWeek  *int
	RecurrenceDayOfMonth *int
	DeadlineTime         *string
	Tags                 *[]string
	Priority             *string
	StartDate            *string
	EndDate              *string
	SkipHolidays         *bool
	AssigneeIDs          *[]string
}

// RunReport summarises one RunDue pass.
type RunReport struct {
	Generators  int `json:"generators"`
	Created     int `json:"created"`
	Holidays    int `json:"skipped_holidays"`
	Duplicates  int `json:"skipped_duplicates"`
	Deactivated int `json:"deactivated"`
}

const (
	defaultCatchUp = 31
	dueBatch       = 100
)

func (e Engine) validateGenerator(g domain.TaskGenerator) error {
	switch {
	case g.Title == "":
		return invalid("title", "обязательное поле")
	case utf8.RuneCountInString(g.Title) > maxTitleLen:
		return invalid("title", "не более %d символов", maxTitleLen)
	}
	sample := domain.Task{
		Title:        g.Title,
		TaskType:     g.TaskType,
		ResponseType: g.ResponseType,
		Priority:     g.Priority,
		Recurrence:   g.Recurrence,
		Deadline:     time.Unix(1, 0),
	}
	if err := validateTask(sample); err != nil {
		return err
	}
	if _, err := recurrence.RuleOf(g).Spec(); err != nil {
		return invalid("recurrence", "%v", err)
	}
	if _, _, err := recurrence.ParseClock(g.DeadlineTime); err != nil {
		return invalid("deadline_time", "%v", err)
	}
	start, err := parseDate("start_date", g.StartDate)
	if err != nil {
		return err
	}
	if g.EndDate != nil {
		end, err := parseDate("end_date", *g.EndDate)
		if err != nil {
			return err
		}
		if end.Before(start) {
			return invalid("end_date", "must not be before start_date")
		}
	}
	return nil
}

func (e Engine) schedule(g domain.TaskGenerator) (cron.Schedule, error) {
	return recurrence.RuleOf(g).Schedule(e.location())
}

// pastEnd reports whether occ falls after the generator's last day.
func (e Engine) pastEnd(g domain.TaskGenerator, occ time.Time) bool {
	return g.EndDate != nil && occ.In(e.location()).Format(time.DateOnly) > *g.EndDate
}

// nextRun is the first occurrence after now and not before start_date, or
// nil when the generator has run out.
func (e Engine) nextRun(g domain.TaskGenerator, now time.Time) (*time.Time, error) {
	s, err := e.schedule(g)
	if err != nil {
		return nil, err
	}
	start, err := time.ParseInLocation(time.DateOnly, g.StartDate, e.location())
	if err != nil {
		return nil, err
	}
	anchor := now
	if start.After(anchor) {
		anchor = start.Add(-time.Second)
	}
	next := s.Next(anchor)
	if next.IsZero() || e.pastEnd(g, next) {
		return nil, nil
	}
	next = next.UTC()
	return &next, nil
}

func (e Engine) generatorAccess(actor domain.Actor, g domain.TaskGenerator, write bool) error {
	if write {
		if !auth.CanManageDealership(actor, g.DealershipID) {
			return auth.ForbiddenError{Action: "generator.write"}
		}
		return nil
	}
	if actor.Role == domain.RoleEmployee || !auth.CanAccessDealership(actor, g.DealershipID) {
		return repo.ErrNotFound
	}
	return nil
}

func (e Engine) CreateGenerator(ctx context.Context, actorID string, in GeneratorInput) (domain.TaskGenerator, error) {
	now := e.now()
	g := domain.TaskGenerator{
		ID:                   uuid.NewString(),
		Title:                strings.TrimSpace(in.Title),
		Description:          trimmedPtr(in.Description),
		Comment:              trimmedPtr(in.Comment),
		DealershipID:         trimmedPtr(in.DealershipID),
		CreatorID:            actorID,
		TaskType:             in.TaskType,
		ResponseType:         in.ResponseType,
		Recurrence:           in.Recurrence,
		RecurrenceTime:       strings.TrimSpace(in.RecurrenceTime),
		RecurrenceDayOfWeek:  in.RecurrenceDayOfWeek,
		RecurrenceDayOfMonth: in.RecurrenceDayOfMonth,
		DeadlineTime:         strings.TrimSpace(in.DeadlineTime),
		Tags:                 normalizeTags(in.Tags),
		Priority:             in.Priority,
		StartDate:            strings.TrimSpace(in.StartDate),
		EndDate:              trimmedPtr(in.EndDate),
		SkipHolidays:         in.SkipHolidays,
		IsActive:             true,
		AssigneeIDs:          in.AssigneeIDs,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if g.Priority == "" {
		g.Priority = domain.PriorityMedium
	}
	if g.StartDate == "" {
		g.StartDate = now.In(e.location()).Format(time.DateOnly)
	}
	if err := e.validateGenerator(g); err != nil {
		return domain.TaskGenerator{}, err
	}
	next, err := e.nextRun(g, now)
	if err != nil {
		return domain.TaskGenerator{}, err
	}
	g.NextRunAt = next

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskGenerator{}, err
	}
	defer tx.Rollback()

	actor, err := e.Auth.LoadActorTx(ctx, tx, actorID)
	if err != nil {
		return domain.TaskGenerator{}, err
	}
	if !auth.CanCreateTask(actor, g.DealershipID) {
		return domain.TaskGenerator{}, auth.ForbiddenError{Action: "generator.create"}
	}
	if err := e.checkDealership(ctx, tx, g.DealershipID); err != nil {
		return domain.TaskGenerator{}, err
	}
	if err := e.checkAssignees(ctx, tx, g.AssigneeIDs); err != nil {
		return domain.TaskGenerator{}, err
	}
	if err := e.Repo.InsertGeneratorTx(ctx, tx, g); err != nil {
		return domain.TaskGenerator{}, err
	}
	if err := e.Events.Append(ctx, tx, events.GeneratorSaved, derefOr(g.DealershipID), "generator", g.ID, actorID, events.Payload{
		"title":       g.Title,
		"next_run_at": g.NextRunAt,
	}); err != nil {
		return domain.TaskGenerator{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskGenerator{}, err
	}
	return e.Repo.GetGenerator(ctx, g.ID)
}

func (e Engine) GetGenerator(ctx context.Context, actorID, id string) (domain.TaskGenerator, error) {
	actor, err := e.Auth.LoadActor(ctx, actorID)
	if err != nil {
		return domain.TaskGenerator{}, err
	}
	g, err := e.Repo.GetGenerator(ctx, id)
	if err != nil {
		return domain.TaskGenerator{}, notFoundAs(err, "generator")
	}
	if err := e.generatorAccess(actor, g, false); err != nil {
		return domain.TaskGenerator{}, err
	}
	return g, nil
}

func (e Engine) ListGenerators(ctx context.Context, actorID string) ([]domain.TaskGenerator, error) {
	actor, err := e.Auth.LoadActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if actor.Role == domain.RoleEmployee {
		return []domain.TaskGenerator{}, nil
	}
	gens, err := e.Repo.ListGenerators(ctx, auth.Accessible(actor))
	if gens == nil && err == nil {
		gens = []domain.TaskGenerator{}
	}
	return gens, err
}

// writableGeneratorTx loads a generator the actor may change.
func (e Engine) writableGeneratorTx(ctx context.Context, tx *sql.Tx, actorID, id string) (domain.Actor, domain.TaskGenerator, error) {
	actor, err := e.Auth.LoadActorTx(ctx, tx, actorID)
	if err != nil {
		return actor, domain.TaskGenerator{}, err
	}
	g, err := e.Repo.GetGeneratorTx(ctx, tx, id)
	if err != nil {
		return actor, g, notFoundAs(err, "generator")
	}
	if err := e.generatorAccess(actor, g, false); err != nil {
		return actor, g, err
	}
	return actor, g, e.generatorAccess(actor, g, true)
}

func (e Engine) UpdateGenerator(ctx context.Context, actorID, id string, p GeneratorPatch) (domain.TaskGenerator, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskGenerator{}, err
	}
	defer tx.Rollback()

	_, g, err := e.writableGeneratorTx(ctx, tx, actorID, id)
	if err != nil {
		return domain.TaskGenerator{}, err
	}
	if p.Title != nil {
		g.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		g.Description = trimmedPtr(p.Description)
	}
	if p.Comment != nil {
		g.Comment = trimmedPtr(p.Comment)
	}
	if p.ResponseType != nil {
		g.ResponseType = *p.ResponseType
	}
	if p.Recurrence != nil {
		g.Recurrence = *p.Recurrence
	}
	if p.RecurrenceTime != nil {
		g.RecurrenceTime = strings.TrimSpace(*p.RecurrenceTime)
	}
	if p.RecurrenceDayOfWeek != nil {
		g.RecurrenceDayOfWeek = p.RecurrenceDayOfWeek
	}
	if p.RecurrenceDayOfMonth != nil {
		g.RecurrenceDayOfMonth = p.RecurrenceDayOfMonth
	}
	if p.DeadlineTime != nil {
		g.DeadlineTime = strings.TrimSpace(*p.DeadlineTime)
	}
	if p.Tags != nil {
		g.Tags = normalizeTags(*p.Tags)
	}
	if p.Priority != nil {
		g.Priority = *p.Priority
	}
	if p.StartDate != nil {
		g.StartDate = strings.TrimSpace(*p.StartDate)
	}
	if p.EndDate != nil {
		g.EndDate = trimmedPtr(p.EndDate)
	}
	if p.SkipHolidays != nil {
		g.SkipHolidays = *p.SkipHolidays
	}
	if p.AssigneeIDs != nil {
		if err := e.checkAssignees(ctx, tx, *p.AssigneeIDs); err != nil {
			return domain.TaskGenerator{}, err
		}
		g.AssigneeIDs = *p.AssigneeIDs
	}
	if err := e.validateGenerator(g); err != nil {
		return domain.TaskGenerator{}, err
	}
	now := e.now()
	g.UpdatedAt = now
	if g.IsActive {
		if g.NextRunAt, err = e.nextRun(g, now); err != nil {
			return domain.TaskGenerator{}, err
		}
	}
	if err := e.Repo.UpdateGeneratorTx(ctx, tx, g); err != nil {
		return domain.TaskGenerator{}, err
	}
	if err := e.Events.Append(ctx, tx, events.GeneratorSaved, derefOr(g.DealershipID), "generator", g.ID, actorID, events.Payload{
		"title":       g.Title,
		"next_run_at": g.NextRunAt,
	}); err != nil {
		return domain.TaskGenerator{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskGenerator{}, err
	}
	return e.Repo.GetGenerator(ctx, g.ID)
}

// SetGeneratorActive pauses or resumes a generator. Resuming schedules from
// now; missed occurrences are not replayed.
func (e Engine) SetGeneratorActive(ctx context.Context, actorID, id string, active bool) (domain.TaskGenerator, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskGenerator{}, err
	}
	defer tx.Rollback()

	_, g, err := e.writableGeneratorTx(ctx, tx, actorID, id)
	if err != nil {
		return domain.TaskGenerator{}, err
	}
	if g.IsActive != active {
		now := e.now()
		g.IsActive = active
		g.UpdatedAt = now
		g.NextRunAt = nil
		if active {
			if g.NextRunAt, err = e.nextRun(g, now); err != nil {
				return domain.TaskGenerator{}, err
			}
		}
		if err := e.Repo.UpdateGeneratorTx(ctx, tx, g); err != nil {
			return domain.TaskGenerator{}, err
		}
		if err := e.Events.Append(ctx, tx, events.GeneratorSaved, derefOr(g.DealershipID), "generator", g.ID, actorID, events.Payload{
			"is_active": active,
		}); err != nil {
			return domain.TaskGenerator{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskGenerator{}, err
	}
	return g, nil
}

// DeleteGenerator removes a generator. Tasks it created keep their
// generator_id.
func (e Engine) DeleteGenerator(ctx context.Context, actorID, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, g, err := e.writableGeneratorTx(ctx, tx, actorID, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteGeneratorTx(ctx, tx, g.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.GeneratorDeleted, derefOr(g.DealershipID), "generator", g.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RunDue materialises the occurrences of every generator that is due.
func (e Engine) RunDue(ctx context.Context) (RunReport, error) {
	var report RunReport
	due, err := e.Repo.DueGenerators(ctx, e.now(), dueBatch)
	if err != nil {
		return report, err
	}
	for _, g := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := e.runGenerator(ctx, g.ID, &report); err != nil {
			e.logger().Error("generator run failed", "generator_id", g.ID, "error", err)
			continue
		}
		report.Generators++
	}
	return report, nil
}

func (e Engine) runGenerator(ctx context.Context, id string, report *RunReport) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	g, err := e.Repo.GetGeneratorTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	now := e.now()
	if !g.IsActive || g.NextRunAt == nil || g.NextRunAt.After(now) {
		return nil
	}
	s, err := e.schedule(g)
	if err != nil {
		return err
	}
	limit := e.Config.Generators.MaxCatchUp
	if limit <= 0 {
		limit = defaultCatchUp
	}
	occurrences, more := recurrence.Between(s, g.NextRunAt.Add(-time.Second), now, limit)
	created, ended := 0, false
	for _, occ := range occurrences {
		if e.pastEnd(g, occ) {
			ended = true
			break
		}
		g.LastGeneratedAt = timePtr(occ.UTC())
		if g.SkipHolidays {
			day, err := e.resolveDay(ctx, tx, occ.In(e.location()).Format(time.DateOnly), g.DealershipID)
			if err != nil {
				return err
			}
			if day.IsHoliday {
				report.Holidays++
				e.Metrics.GeneratorOccurrence("holiday")
				continue
			}
		}
		t, err := e.occurrenceTask(g, occ)
		if err != nil {
			return err
		}
		err = e.insertTaskTx(ctx, tx, &t, g.AssigneeIDs, SystemActor)
		var dup DuplicateTaskError
		if errors.As(err, &dup) {
			report.Duplicates++
			e.Metrics.GeneratorOccurrence("duplicate")
			continue
		}
		if err != nil {
			return err
		}
		created++
		report.Created++
		e.Metrics.GeneratorOccurrence("created")
		e.Metrics.TaskCreated("generator")
	}

	g.UpdatedAt = now
	switch {
	case ended:
		g.NextRunAt = nil
	case more:
		last := occurrences[len(occurrences)-1]
		next := s.Next(last).UTC()
		g.NextRunAt = &next
	default:
		g.NextRunAt, err = e.nextRun(g, now)
		if err != nil {
			return err
		}
	}
	if g.NextRunAt == nil {
		g.IsActive = false
		report.Deactivated++
	}
	if err := e.Repo.UpdateGeneratorTx(ctx, tx, g); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.GeneratorFired, derefOr(g.DealershipID), "generator", g.ID, SystemActor, events.Payload{
		"occurrences": len(occurrences),
		"created":     created,
		"active":      g.IsActive,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// occurrenceTask builds the task for one occurrence. The deadline is the
// occurrence's date at deadline_time, or the next day when that is not later
// than the occurrence.
func (e Engine) occurrenceTask(g domain.TaskGenerator, occ time.Time) (domain.Task, error) {
	loc := e.location()
	deadline, err := recurrence.At(occ, g.DeadlineTime, loc)
	if err != nil {
		return domain.Task{}, err
	}
	if !deadline.After(occ) {
		deadline = deadline.AddDate(0, 0, 1)
	}
	now := e.now()
	recurrenceTime := g.RecurrenceTime
	return domain.Task{
		ID:                   uuid.NewString(),
		Title:                g.Title,
		Description:          g.Description,
		Comment:              g.Comment,
		DealershipID:         g.DealershipID,
		CreatorID:            g.CreatorID,
		TaskType:             g.TaskType,
		ResponseType:         g.ResponseType,
		AppearDate:           occ.UTC(),
		Deadline:             deadline.UTC(),
		Recurrence:           g.Recurrence,
		RecurrenceTime:       &recurrenceTime,
		RecurrenceDayOfWeek:  g.RecurrenceDayOfWeek,
		RecurrenceDayOfMonth: g.RecurrenceDayOfMonth,
		Tags:                 g.Tags,
		Priority:             g.Priority,
		IsActive:             true,
		GeneratorID:          &g.ID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

func timePtr(t time.Time) *time.Time { return &t }
