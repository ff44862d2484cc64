package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"dealerdesk/internal/db"
	"dealerdesk/internal/migrate"
)

func TestApplyIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	v, err := migrate.Version(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, 0, v)

	applied, err := migrate.Apply(ctx, conn)
	require.NoError(t, err)
	require.Contains(t, applied, "001_init.sql")

	again, err := migrate.Apply(ctx, conn)
	require.NoError(t, err)
	require.Empty(t, again)

	v, err = migrate.Version(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestCalendarScopeUniqueness(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	ins := `INSERT INTO calendar_days(id,date,dealership_id,type,created_at,updated_at) VALUES (?,?,?,?,?,?)`
	_, err = conn.Exec(ins, "a", "2025-01-01", nil, "holiday", "x", "x")
	require.NoError(t, err)
	_, err = conn.Exec(ins, "b", "2025-01-01", nil, "workday", "x", "x")
	require.Error(t, err, "two global rows for one date")
}
