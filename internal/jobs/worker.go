package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dealerdesk/internal/metrics"
)

// Handler executes one job payload. Returning an error schedules a retry.
type Handler func(ctx context.Context, payload json.RawMessage) error

// ErrPermanent marks a failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent job failure")

type Worker struct {
	Queue       Queue
	Handlers    map[string]Handler
	Interval    time.Duration
	MaxAttempts int
	Batch       int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Run polls the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger().Info("job worker started", "interval", interval, "max_attempts", w.MaxAttempts)
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger().Error("job poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			w.logger().Info("job worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce processes one batch of due jobs and reports how many ran.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	due, err := w.Queue.Due(ctx, w.Batch)
	if err != nil {
		return 0, fmt.Errorf("load due jobs: %w", err)
	}
	for _, j := range due {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		log := w.logger().With("job_id", j.ID, "kind", j.Kind, "attempt", j.Attempts+1)
		handler, ok := w.Handlers[j.Kind]
		if !ok {
			err = fmt.Errorf("%w: no handler for %q", ErrPermanent, j.Kind)
		} else {
			err = handler(ctx, json.RawMessage(j.Payload))
		}
		if err == nil {
			if err := w.Queue.complete(ctx, j); err != nil {
				return 0, fmt.Errorf("complete job %s: %w", j.ID, err)
			}
			w.Metrics.Job(j.Kind, "done")
			log.Debug("job done")
			continue
		}
		final := errors.Is(err, ErrPermanent) || (w.MaxAttempts > 0 && j.Attempts+1 >= w.MaxAttempts)
		retryAt := w.Queue.now().Add(Backoff(j.Attempts + 1))
		if err := w.Queue.fail(ctx, j, err, retryAt, final); err != nil {
			return 0, fmt.Errorf("record job %s failure: %w", j.ID, err)
		}
		if final {
			w.Metrics.Job(j.Kind, "failed")
			log.Error("job failed permanently", "error", err)
		} else {
			w.Metrics.Job(j.Kind, "retry")
			log.Warn("job failed, will retry", "error", err, "retry_at", retryAt)
		}
	}
	return len(due), nil
}

// Backoff doubles from one second and caps at five minutes.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 9 {
		return 5 * time.Minute
	}
	d := time.Second << (attempt - 1)
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}
