package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dealerdesk/internal/blob"
	"dealerdesk/internal/config"
	"dealerdesk/internal/domain"
	"dealerdesk/internal/engine/auth"
	"dealerdesk/internal/events"
	"dealerdesk/internal/jobs"
	"dealerdesk/internal/metrics"
	"dealerdesk/internal/proof"
	"dealerdesk/internal/repo"
)

// SystemActor is recorded as the actor of background changes.
const SystemActor = "system"

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Service
	Jobs    jobs.Queue
	Blobs   blob.Store
	Signer  proof.Signer
	Rules   proof.Rules
	Config  *config.Config
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, blobs blob.Store) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Jobs:   jobs.Queue{DB: db},
		Blobs:  blobs,
		Signer: proof.NewSigner(cfg.Proofs.SigningKey, cfg.Proofs.URLTTL, cfg.Server.BasePath),
		Rules:  proof.RulesFrom(cfg.Proofs),
		Config: cfg,
		Logger: slog.Default(),
		Now:    time.Now,
	}
}

// WithClock points every time source at now, for tests and replays.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	e.Jobs.Now = now
	e.Signer = e.Signer.WithClock(now)
	return e
}

// now is UTC at the second precision timestamps are stored with, so values
// compare the same before and after a round trip through the database.
func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC().Truncate(time.Second)
	}
	return time.Now().UTC().Truncate(time.Second)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) location() *time.Location {
	loc, err := e.Config.Location()
	if err != nil {
		return time.UTC
	}
	return loc
}

// loadTaskTx loads a task the actor may see. Tombstoned tasks and tasks
// outside the actor's scope both read as not found.
func (e Engine) loadTaskTx(ctx context.Context, tx *sql.Tx, actor domain.Actor, id string) (domain.Task, error) {
	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if !visible(actor, t) {
		return domain.Task{}, repo.ErrNotFound
	}
	return t, nil
}

func visible(actor domain.Actor, t domain.Task) bool {
	return t.DeletedAt == nil && auth.CanViewTask(actor, auth.ScopeOf(t))
}

// derive computes the aggregate status of a task inside q.
func (e Engine) derive(ctx context.Context, q repo.DBTX, t domain.Task) (string, error) {
	responses, err := e.Repo.ListResponses(ctx, q, t.ID, "")
	if err != nil {
		return "", err
	}
	return aggregate(t, responses, e.now()).Status, nil
}

func (e Engine) enqueueDeletes(ctx context.Context, tx *sql.Tx, paths []string) error {
	for _, p := range paths {
		if _, err := e.Jobs.Enqueue(ctx, tx, jobs.KindDeleteFile, jobs.DeleteFile{Path: p}, time.Time{}); err != nil {
			return err
		}
	}
	return nil
}

// discard removes blobs written by an operation that did not commit.
func (e Engine) discard(paths []string) {
	for _, p := range paths {
		if err := e.Blobs.Delete(context.Background(), p); err != nil {
			e.logger().Warn("discard uncommitted blob", "path", p, "error", err)
		}
	}
}

func userIn(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func ptrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func notFoundAs(err error, what string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%s: %w", what, repo.ErrNotFound)
	}
	return err
}
