package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealerdesk/internal/app"
	"dealerdesk/internal/db"
	"dealerdesk/internal/domain"
	"dealerdesk/internal/repo"
)

func TestLoadConfigAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dealerdesk.yml"), []byte("auth:\n  jwt_secret: from-file\n"), 0o644))

	cfg, err := app.LoadConfig(app.Options{Workspace: dir, Addr: "0.0.0.0:9000", SigningKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret, "empty override keeps the file value")
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "k", cfg.Proofs.SigningKey)
	assert.Equal(t, db.BlobRoot(dir), cfg.Storage.Root)
}

func TestOpenAndSeedOwner(t *testing.T) {
	ctx := context.Background()
	rt, err := app.Open(ctx, app.Options{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer rt.Close()

	owner, key, err := app.SeedOwner(ctx, rt.Engine, "admin", "Администратор")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleOwner, owner.Role)
	assert.NotEmpty(t, key)

	apiKey, err := rt.Engine.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	require.NoError(t, err)
	assert.Equal(t, owner.ID, apiKey.UserID)

	_, _, err = app.SeedOwner(ctx, rt.Engine, "second", "")
	assert.ErrorIs(t, err, app.ErrAlreadySeeded)
}

func TestNewSecret(t *testing.T) {
	a, err := app.NewSecret()
	require.NoError(t, err)
	b, err := app.NewSecret()
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
