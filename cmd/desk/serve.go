package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"dealerdesk/internal/app"
	"dealerdesk/internal/jobs"
	"dealerdesk/internal/server"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var allowUserHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, job worker, generator scheduler and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				return serve(ctx, rt, allowUserHeader)
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (default server.addr)")
	cmd.Flags().BoolVar(&allowUserHeader, "allow-user-header", false, "trust X-User-Id from an upstream proxy")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func serve(ctx context.Context, rt *app.Runtime, allowUserHeader bool) error {
	cfg := rt.Config
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required (set it in dealerdesk.yml or DEALERDESK_JWT_SECRET)")
	}
	if strings.TrimSpace(cfg.Proofs.SigningKey) == "" {
		return fmt.Errorf("proofs.signing_key is required (set it in dealerdesk.yml or DEALERDESK_SIGNING_KEY)")
	}
	logger := slog.Default()
	e := rt.Engine
	handler, err := server.New(server.Config{
		Engine:   e,
		BasePath: cfg.Server.BasePath,
		Auth:     server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret, AllowUserHeader: allowUserHeader, Logger: logger},
		Metrics:  rt.Metrics,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving dealerdesk API", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return newWorker(rt).Run(gctx)
	})
	g.Go(func() error {
		return every(gctx, cfg.Generators.Interval, "generators", func(ctx context.Context) error {
			report, err := e.RunDue(ctx)
			if err == nil && report.Generators > 0 {
				logger.Info("generators ran", "generators", report.Generators, "created", report.Created,
					"skipped_holidays", report.Holidays, "skipped_duplicates", report.Duplicates)
			}
			return err
		})
	})
	if cfg.Archive.CompletedAfter > 0 {
		g.Go(func() error {
			return every(gctx, cfg.Archive.Interval, "archive", func(ctx context.Context) error {
				n, err := e.ArchiveCompleted(ctx, e.Now().Add(-cfg.Archive.CompletedAfter))
				if err == nil && n > 0 {
					logger.Info("archived completed tasks", "count", n)
				}
				return err
			})
		})
	}
	g.Go(func() error {
		return server.NewWebhookDispatcher(e.Repo, cfg.Webhooks, logger).Run(gctx)
	})
	return g.Wait()
}

func newWorker(rt *app.Runtime) *jobs.Worker {
	return &jobs.Worker{
		Queue:       rt.Engine.Jobs,
		Handlers:    rt.Engine.JobHandlers(),
		Interval:    rt.Config.Jobs.PollInterval,
		MaxAttempts: rt.Config.Jobs.MaxAttempts,
		Batch:       rt.Config.Jobs.Batch,
		Logger:      slog.Default(),
		Metrics:     rt.Metrics,
	}
}

// every runs fn immediately and then on each tick until ctx is done. Errors
// are logged and the loop keeps going.
func every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			slog.Error("periodic task failed", "task", name, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
