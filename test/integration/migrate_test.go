//go:build integration

package integration

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/riskpredict/internal/platform/db"
	"github.com/ehr/riskpredict/migrations"
)

func TestMigrator_UpIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := db.NewMigrator(globalDB.Pool, migrations.FS)

	// TestMain already applied everything.
	count, err := m.Up(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, statuses)
	for _, s := range statuses {
		assert.True(t, s.Applied, "migration %s should be applied", s.Name)
		assert.NotNil(t, s.AppliedAt)
	}
}

func TestMigrator_AppliesPendingInOrder(t *testing.T) {
	ctx := context.Background()
	t.Cleanup(func() {
		globalDB.Pool.Exec(ctx, "DROP TABLE IF EXISTS migrate_sample")
		globalDB.Pool.Exec(ctx, "DELETE FROM _migrations WHERE version >= 900")
	})

	fsys := fstest.MapFS{
		"900_create.sql": {Data: []byte("CREATE TABLE migrate_sample (n INTEGER);")},
		"901_insert.sql": {Data: []byte("INSERT INTO migrate_sample (n) VALUES (901);")},
		"902_insert.sql": {Data: []byte("INSERT INTO migrate_sample (n) VALUES (902);")},
	}
	m := db.NewMigrator(globalDB.Pool, fsys)

	count, err := m.UpTo(ctx, 901)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	assert.True(t, statuses[1].Applied)
	assert.False(t, statuses[2].Applied)

	count, err = m.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var n int
	require.NoError(t, globalDB.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM migrate_sample").Scan(&n))
	assert.Equal(t, 2, n)
}

func TestMigrator_FailedMigrationRollsBack(t *testing.T) {
	ctx := context.Background()
	t.Cleanup(func() {
		globalDB.Pool.Exec(ctx, "DELETE FROM _migrations WHERE version >= 950")
	})

	fsys := fstest.MapFS{
		"950_broken.sql": {Data: []byte("CREATE TABLE broken_partial (n INTEGER); SELECT * FROM no_such_table;")},
	}
	_, err := db.NewMigrator(globalDB.Pool, fsys).Up(ctx)
	require.Error(t, err)

	var exists bool
	require.NoError(t, globalDB.Pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'broken_partial')").Scan(&exists))
	assert.False(t, exists, "failed migration must not leave partial schema")
}
