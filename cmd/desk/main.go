package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dealerdesk/internal/app"
	"dealerdesk/internal/config"
	"dealerdesk/internal/db"
	"dealerdesk/internal/domain"
	"dealerdesk/internal/engine"
	"dealerdesk/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "desk",
	Short: "Dealerdesk task server and admin CLI",
	Long: `Dealerdesk assigns tasks to dealership staff and tracks each assignee's response.
- Workspace: a directory holding dealerdesk.yml and .dealerdesk/ (SQLite database and proof files).
- Tasks: notification, completion or completion_with_proof; individual or group.
- Responses: one per assignee; proof responses go pending_review and need a manager's approval.
- Generators: recurring task templates materialised on schedule, skipping holidays.
- Calendar: global holiday table with per-dealership copies forked on first edit.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(viper.GetString("log-format"), viper.GetString("log-level"))
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		_, err = db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DEALERDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/dealerdesk.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("as", "", "login of the acting user")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens")
	flags.String("signing-key", "", "secret for signed proof URLs")
	flags.String("storage-root", "", "proof file directory")
	for _, name := range []string{"workspace", "config", "json", "as", "log-level", "log-format", "jwt-secret", "signing-key", "storage-root"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(dealershipCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(generatorCmd())
	rootCmd.AddCommand(calendarCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(archiveCmd())
}

func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", format)
	}
}

func initCmd() *cobra.Command {
	var login, fullName string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create dealerdesk.yml, migrate the database and seed the first owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				cfg := config.Default()
				if cfg.Auth.JWTSecret, err = app.NewSecret(); err != nil {
					return err
				}
				if cfg.Proofs.SigningKey, err = app.NewSecret(); err != nil {
					return err
				}
				if err := config.Write(workspace, cfg); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			} else if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				owner, key, err := app.SeedOwner(ctx, rt.Engine, login, fullName)
				if errors.Is(err, app.ErrAlreadySeeded) {
					fmt.Println("Workspace already initialised")
					return nil
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"owner": owner, "api_key": key})
				}
				fmt.Printf("Owner %s (%s) created\nAPI key (shown once): %s\n", owner.Login, owner.ID, key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&login, "owner-login", "admin", "login of the first owner")
	cmd.Flags().StringVar(&fullName, "owner-name", "", "full name of the first owner")
	return cmd
}

func dealershipCmd() *cobra.Command {
	c := &cobra.Command{Use: "dealership", Short: "Manage dealerships"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create dealership",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				d, err := e.CreateDealership(ctx, actorID, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "dealership name")
	list := &cobra.Command{
		Use:   "list",
		Short: "List dealerships",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				items, err := e.ListDealerships(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Created")
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Name, d.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	c.AddCommand(create, list)
	return c
}

func userCmd() *cobra.Command {
	c := &cobra.Command{Use: "user", Short: "Manage users"}
	var (
		in         engine.UserInput
		role       string
		dealership string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create user",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Role = domain.Role(role)
			if dealership != "" {
				in.DealershipID = &dealership
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				u, err := e.CreateUser(ctx, actorID, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	create.Flags().StringVar(&in.Login, "login", "", "login")
	create.Flags().StringVar(&in.FullName, "name", "", "full name")
	create.Flags().StringVar(&role, "role", string(domain.RoleEmployee), "owner, manager, employee or observer")
	create.Flags().StringVar(&dealership, "dealership", "", "primary dealership id")
	create.Flags().StringSliceVar(&in.AttachedDealershipIDs, "attach", nil, "additional dealership ids")
	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				items, err := e.ListUsers(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Login", "Name", "Role", "Dealership")
				for _, u := range items {
					tw.AppendRow(table.Row{u.ID, u.Login, u.FullName, u.Role, deref(u.DealershipID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	c.AddCommand(create, list)
	return c
}

func apikeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var userLogin, name string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an API key; the plaintext is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				target := actorID
				if userLogin != "" {
					u, err := e.Repo.GetUserByLogin(ctx, userLogin)
					if err != nil {
						return unknownUser(userLogin, err)
					}
					target = u.ID
				}
				plain, key, err := e.IssueAPIKey(ctx, actorID, target, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "user_id": key.UserID, "key": plain})
				}
				fmt.Println(plain)
				return nil
			})
		},
	}
	issue.Flags().StringVar(&userLogin, "user", "", "login of the key owner (default: the acting user)")
	issue.Flags().StringVar(&name, "name", "", "key label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				target := actorID
				if userLogin != "" {
					u, err := e.Repo.GetUserByLogin(ctx, userLogin)
					if err != nil {
						return unknownUser(userLogin, err)
					}
					target = u.ID
				}
				keys, err := e.ListAPIKeys(ctx, actorID, target)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&userLogin, "user", "", "login of the key owner (default: the acting user)")
	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				return e.RevokeAPIKey(ctx, actorID, args[0])
			})
		},
	}
	c.AddCommand(issue, list, revoke)
	return c
}

func taskCmd() *cobra.Command {
	c := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	var q engine.TaskQuery
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks visible to the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				items, err := e.ListTasks(ctx, actorID, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Type", "Status", "Progress", "Deadline")
				for _, t := range items {
					p := t.CompletionProgress
					tw.AppendRow(table.Row{t.ID, t.Title, t.TaskType, t.Status,
						fmt.Sprintf("%d/%d (%d%%)", p.CompletedCount, p.TotalAssignees, p.Percentage),
						t.Deadline.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&q.DealershipID, "dealership", "", "dealership id")
	list.Flags().StringVar(&q.GeneratorID, "generator", "", "generator id")
	list.Flags().StringVar(&q.Status, "status", "", "aggregate status filter")
	list.Flags().BoolVar(&q.IncludeArchived, "include-archived", false, "include archived tasks")
	list.Flags().IntVar(&q.Limit, "limit", 50, "maximum rows")
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show task with responses and proofs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				t, err := e.GetTask(ctx, actorID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	c.AddCommand(list, show)
	return c
}

func generatorCmd() *cobra.Command {
	c := &cobra.Command{Use: "generator", Short: "Recurring task generators"}
	run := &cobra.Command{
		Use:   "run",
		Short: "Materialise every due generator once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				report, err := rt.Engine.RunDue(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List generators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				items, err := e.ListGenerators(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Recurrence", "Active", "Next run")
				for _, g := range items {
					next := ""
					if g.NextRunAt != nil {
						next = g.NextRunAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{g.ID, g.Title, g.Recurrence, g.IsActive, next})
				}
				tw.Render()
				return nil
			})
		},
	}
	c.AddCommand(run, list)
	return c
}

func calendarCmd() *cobra.Command {
	c := &cobra.Command{Use: "calendar", Short: "Holiday calendar"}
	var (
		year       int
		dealership string
	)
	show := &cobra.Command{
		Use:   "show",
		Short: "Show calendar rows for a year",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				y, err := e.GetYear(ctx, actorID, year, optional(dealership))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(y)
				}
				tw := newTable("Date", "Type", "Description")
				for _, d := range y.Days {
					tw.AppendRow(table.Row{d.Date, d.Type, deref(d.Description)})
				}
				if y.UsesGlobal {
					tw.SetCaption("global calendar")
				}
				tw.Render()
				return nil
			})
		},
	}
	show.Flags().IntVar(&year, "year", time.Now().Year(), "calendar year")
	show.Flags().StringVar(&dealership, "dealership", "", "dealership id (default: global)")
	day := &cobra.Command{
		Use:   "day <YYYY-MM-DD>",
		Short: "Resolve one date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				d, err := e.GetDay(ctx, actorID, args[0], optional(dealership))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	day.Flags().StringVar(&dealership, "dealership", "", "dealership id (default: global)")
	c.AddCommand(show, day)
	return c
}

func jobsCmd() *cobra.Command {
	c := &cobra.Command{Use: "jobs", Short: "Background job queue"}
	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Jobs.List(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Kind", "Status", "Attempts", "Run at", "Last error")
				for _, j := range items {
					tw.AppendRow(table.Row{j.ID, j.Kind, j.Status, j.Attempts, j.RunAt.Format(time.RFC3339), j.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "queued, done or failed")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	run := &cobra.Command{
		Use:   "run",
		Short: "Run one batch of due jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				w := newWorker(rt)
				n, err := w.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Ran %d job(s)\n", n)
				return nil
			})
		},
	}
	retry := &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.Jobs.Retry(ctx, args[0])
			})
		},
	}
	c.AddCommand(list, run, retry)
	return c
}

func archiveCmd() *cobra.Command {
	var after time.Duration
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive tasks completed longer ago than the configured age",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				age := rt.Config.Archive.CompletedAfter
				if after > 0 {
					age = after
				}
				n, err := rt.Engine.ArchiveCompleted(ctx, time.Now().Add(-age))
				if err != nil {
					return err
				}
				fmt.Printf("Archived %d task(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&after, "after", 0, "override archive.completed_after")
	return cmd
}

// --- helpers ---

func options() app.Options {
	return app.Options{
		Workspace:   viper.GetString("workspace"),
		ConfigPath:  viper.GetString("config"),
		Addr:        viper.GetString("addr"),
		JWTSecret:   viper.GetString("jwt-secret"),
		SigningKey:  viper.GetString("signing-key"),
		StorageRoot: viper.GetString("storage-root"),
		Logger:      slog.Default(),
	}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, options())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// withActor resolves --as to a user id before running fn.
func withActor(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		login := strings.TrimSpace(viper.GetString("as"))
		if login == "" {
			return fmt.Errorf("--as <login> required (or DEALERDESK_AS)")
		}
		u, err := rt.Engine.Repo.GetUserByLogin(ctx, login)
		if err != nil {
			return unknownUser(login, err)
		}
		return fn(ctx, rt.Engine, u.ID)
	})
}

func unknownUser(login string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("unknown user %q", login)
	}
	return err
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func optional(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
