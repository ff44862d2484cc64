package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"dealerdesk/internal/blob"
	"dealerdesk/internal/config"
	"dealerdesk/internal/db"
	"dealerdesk/internal/domain"
	"dealerdesk/internal/engine"
	"dealerdesk/internal/metrics"
	"dealerdesk/internal/migrate"
)

// ErrAlreadySeeded is returned by SeedOwner once any user exists.
var ErrAlreadySeeded = errors.New("workspace already has users")

// Options selects the workspace and carries flag or environment overrides.
// Empty fields leave the file value untouched.
type Options struct {
	Workspace   string
	ConfigPath  string
	Addr        string
	JWTSecret   string
	SigningKey  string
	StorageRoot string
	Logger      *slog.Logger
}

// Runtime is an opened workspace: migrated database, resolved config and an
// engine wired to both.
type Runtime struct {
	DB      *sql.DB
	Config  *config.Config
	Engine  engine.Engine
	Metrics *metrics.Metrics
}

// LoadConfig reads the workspace config, or ConfigPath when set, and applies
// the overrides.
func LoadConfig(opts Options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	override(&cfg.Server.Addr, opts.Addr)
	override(&cfg.Auth.JWTSecret, opts.JWTSecret)
	override(&cfg.Proofs.SigningKey, opts.SigningKey)
	override(&cfg.Storage.Root, opts.StorageRoot)
	if strings.TrimSpace(cfg.Storage.Root) == "" {
		cfg.Storage.Root = db.BlobRoot(opts.Workspace)
	}
	return cfg, nil
}

func override(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

// Open migrates the workspace database and builds the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Apply(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", "files", applied)
	}
	m := metrics.New()
	e := engine.New(conn, cfg, blob.Local{Root: cfg.Storage.Root})
	e.Metrics = m
	e.Logger = logger
	return &Runtime{DB: conn, Config: cfg, Engine: e, Metrics: m}, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// SeedOwner creates the first owner and an API key for it. It refuses once
// the workspace has any user.
func SeedOwner(ctx context.Context, e engine.Engine, login, fullName string) (domain.User, string, error) {
	n, err := e.Repo.CountUsers(ctx)
	if err != nil {
		return domain.User{}, "", err
	}
	if n > 0 {
		return domain.User{}, "", ErrAlreadySeeded
	}
	u, err := e.CreateUser(ctx, engine.SystemActor, engine.UserInput{
		Login:    login,
		FullName: fullName,
		Role:     domain.RoleOwner,
	})
	if err != nil {
		return domain.User{}, "", err
	}
	key, _, err := e.IssueAPIKey(ctx, engine.SystemActor, u.ID, "bootstrap")
	if err != nil {
		return domain.User{}, "", err
	}
	return u, key, nil
}

// NewSecret returns 32 random bytes hex encoded.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
